package notification

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// Offsetless layouts are read as UTC. time.Parse accepts a fractional second
// after the seconds field even when the layout omits it.
var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05Z07",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05Z0700",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04",
	"20060102T150405Z0700",
	"2006-01-02",
}

// epoch values above this are milliseconds (1e11 s is past the year 5000)
const epochMillisThreshold = 1e11

// ParseTimestamp reads the time of a notification. It accepts ISO-8601 strings
// with or without an offset, and epoch seconds or milliseconds as numbers or
// numeric strings.
func ParseTimestamp(v any) (time.Time, bool) {
	switch value := v.(type) {
	case time.Time:
		return value.UTC(), !value.IsZero()
	case float64:
		return fromEpoch(value)
	case int64:
		return fromEpoch(float64(value))
	case int:
		return fromEpoch(float64(value))
	case json.Number:
		f, err := value.Float64()
		if err != nil {
			return time.Time{}, false
		}
		return fromEpoch(f)
	case string:
		raw := strings.TrimSpace(value)
		if raw == "" {
			return time.Time{}, false
		}
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			return fromEpoch(f)
		}
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, raw); err == nil {
				return t.UTC(), true
			}
		}
		return time.Time{}, false
	default:
		return time.Time{}, false
	}
}

func fromEpoch(f float64) (time.Time, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f <= 0 {
		return time.Time{}, false
	}
	if f >= epochMillisThreshold {
		return time.UnixMilli(int64(f)).UTC(), true
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), true
}

// UnmarshalJSON decodes an item with a lenient time. An unreadable time leaves
// Time zero instead of failing the whole document.
func (i *Item) UnmarshalJSON(data []byte) error {
	type plain Item
	var aux struct {
		plain
		Time any `json:"time"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*i = Item(aux.plain)
	i.Time, _ = ParseTimestamp(aux.Time)
	return nil
}

// UnmarshalJSON decodes an event with a lenient time. An unreadable time
// leaves Time nil so the arrival time is used.
func (e *Event) UnmarshalJSON(data []byte) error {
	type plain Event
	var aux struct {
		plain
		Time any `json:"time"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*e = Event(aux.plain)
	e.Time = nil
	if t, ok := ParseTimestamp(aux.Time); ok {
		e.Time = &t
	}
	return nil
}
