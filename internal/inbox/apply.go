// Package inbox keeps the on-device notification inbox consistent with the
// server history, push deliveries and a second process writing the same store.
package inbox

import (
	"time"

	"github.com/vanso/rtcp/internal/notification"
)

const DefaultSize = 25

// Outcome describes what Apply did with an event.
type Outcome int

const (
	Ignored Outcome = iota
	Added
	Replaced
	Revoked
	ReplaceMissing
	RevokeMissing
)

func (o Outcome) String() string {
	switch o {
	case Added:
		return "added"
	case Replaced:
		return "replaced"
	case Revoked:
		return "revoked"
	case ReplaceMissing:
		return "replace-missing"
	case RevokeMissing:
		return "revoke-missing"
	default:
		return "ignored"
	}
}

// Changed reports whether the inbox content differs after the event.
func (o Outcome) Changed() bool {
	return o == Added || o == Replaced || o == Revoked
}

// Apply returns the inbox that results from ev. items is never modified.
//
// Revoke wins over Replace, which wins over a new message. The result is
// newest first, at most size long, and holds each push id once.
func Apply(items []notification.Item, ev notification.Event, size int, now time.Time) ([]notification.Item, Outcome) {
	if size <= 0 {
		size = DefaultSize
	}
	switch {
	case ev.Revoke != "":
		idx := indexOf(items, ev.Revoke)
		if idx < 0 {
			return items, RevokeMissing
		}
		out := make([]notification.Item, 0, len(items)-1)
		out = append(out, items[:idx]...)
		out = append(out, items[idx+1:]...)
		return out, Revoked

	case ev.Replace != "":
		idx := indexOf(items, ev.Replace)
		if idx < 0 {
			return items, ReplaceMissing
		}
		item := ev.ToItem(now)
		if item.PushID == "" {
			item.PushID = ev.Replace
		}
		out := make([]notification.Item, 0, len(items))
		for i, existing := range items {
			switch {
			case i == idx:
				out = append(out, item)
			case existing.PushID == item.PushID:
				// a different entry already carries the new id
			default:
				out = append(out, existing)
			}
		}
		return truncate(out, size), Replaced

	case ev.Message != "" && !ev.NotInInbox:
		if ev.PushID == "" {
			return items, Ignored
		}
		out := make([]notification.Item, 0, len(items)+1)
		out = append(out, ev.ToItem(now))
		for _, existing := range items {
			if existing.PushID != ev.PushID {
				out = append(out, existing)
			}
		}
		return truncate(out, size), Added
	}
	return items, Ignored
}

// Truncate bounds items to size, dropping the oldest tail entries.
func Truncate(items []notification.Item, size int) []notification.Item {
	if size <= 0 {
		size = DefaultSize
	}
	return truncate(items, size)
}

func truncate(items []notification.Item, size int) []notification.Item {
	if len(items) > size {
		return items[:size]
	}
	return items
}

func indexOf(items []notification.Item, pushID string) int {
	for i, item := range items {
		if item.PushID == pushID {
			return i
		}
	}
	return -1
}
