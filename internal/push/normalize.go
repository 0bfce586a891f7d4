// Package push turns raw push payloads into notification events.
package push

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/vanso/rtcp/internal/notification"
)

var ErrInvalidPayload = errors.New("invalid push payload")

const (
	eventSchemaURL    = "https://rtcp.vanso.com/schemas/event.json"
	eventSchemaSource = `{
  "type": "object",
  "properties": {
    "push_id": {"type": "string"},
    "replace": {"type": "string"},
    "revoke": {"type": "string"},
    "title": {"type": "string"},
    "message": {"type": "string"},
    "url": {"type": "string"},
    "image": {"type": "string"},
    "media_url": {"type": "string"},
    "time": {"type": "string"},
    "not_in_inbox": {"type": "boolean"},
    "app_id": {"type": "string"},
    "app_data": {"type": "object"}
  }
}`
)

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

// Payload is a normalized push together with the fields that only matter
// for presentation.
type Payload struct {
	Event    notification.Event
	MediaURL string
}

// Normalize maps a raw push payload onto an Event.
//
// Accepted shapes: the flat RTCP payload, the same nested under "data",
// app_data given as an object or as a JSON string, the legacy
// aps.alert.{title,body} fields, and push_id carried inside app_data.
func Normalize(raw map[string]any) (notification.Event, error) {
	p, err := NormalizePayload(raw)
	return p.Event, err
}

func NormalizePayload(raw map[string]any) (Payload, error) {
	if raw == nil {
		return Payload{}, fmt.Errorf("%w: empty payload", ErrInvalidPayload)
	}
	data := flatten(raw)

	appData, err := decodeAppData(data["app_data"])
	if err != nil {
		return Payload{}, err
	}
	aps, _ := asMap(data["aps"])
	switch alert := aps["alert"].(type) {
	case map[string]any:
		setDefault(data, "message", alert["body"])
		setDefault(data, "title", alert["title"])
	case string:
		setDefault(data, "message", alert)
	}
	if appData != nil {
		setDefault(data, "push_id", appData["push_id"])
		delete(appData, "push_id")
		data["app_data"] = appData
	} else {
		delete(data, "app_data")
	}
	delete(data, "aps")
	if v, ok := data["not_in_inbox"]; ok {
		data["not_in_inbox"] = truthy(v)
	}
	// an unreadable time falls back to the arrival time
	if v, ok := data["time"]; ok {
		if t, ok := notification.ParseTimestamp(v); ok {
			data["time"] = t.Format(time.RFC3339Nano)
		} else {
			delete(data, "time")
		}
	}

	normalized := map[string]any{}
	for _, key := range []string{"push_id", "replace", "revoke", "title", "message", "url", "image", "media_url", "time", "app_id"} {
		if v, ok := data[key]; ok && v != nil {
			normalized[key] = v
		}
	}
	for _, key := range []string{"not_in_inbox", "app_data"} {
		if v, ok := data[key]; ok && v != nil {
			normalized[key] = v
		}
	}
	if err := validate(normalized); err != nil {
		return Payload{}, err
	}

	mediaURL, _ := normalized["media_url"].(string)
	delete(normalized, "media_url")
	encoded, err := json.Marshal(normalized)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	var ev notification.Event
	if err := json.Unmarshal(encoded, &ev); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return Payload{Event: ev, MediaURL: mediaURL}, nil
}

// ParseJSON decodes and normalizes a payload document.
func ParseJSON(data []byte) (notification.Event, error) {
	p, err := ParseJSONPayload(data)
	return p.Event, err
}

func ParseJSONPayload(data []byte) (Payload, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return NormalizePayload(raw)
}

func flatten(raw map[string]any) map[string]any {
	data := make(map[string]any, len(raw))
	for k, v := range raw {
		data[k] = v
	}
	if nested, ok := asMap(raw["data"]); ok {
		for k, v := range nested {
			setDefault(data, k, v)
		}
		delete(data, "data")
	}
	return data
}

func decodeAppData(v any) (map[string]any, error) {
	switch value := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		out := make(map[string]any, len(value))
		for k, item := range value {
			out[k] = item
		}
		return out, nil
	case string:
		if strings.TrimSpace(value) == "" {
			return nil, nil
		}
		var out map[string]any
		if err := json.Unmarshal([]byte(value), &out); err != nil {
			return nil, fmt.Errorf("%w: app_data: %v", ErrInvalidPayload, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: app_data has type %T", ErrInvalidPayload, v)
	}
}

func validate(doc map[string]any) error {
	schemaOnce.Do(func() {
		var src any
		src, schemaErr = jsonschema.UnmarshalJSON(strings.NewReader(eventSchemaSource))
		if schemaErr != nil {
			return
		}
		c := jsonschema.NewCompiler()
		if schemaErr = c.AddResource(eventSchemaURL, src); schemaErr != nil {
			return
		}
		schema, schemaErr = c.Compile(eventSchemaURL)
	})
	if schemaErr != nil {
		return schemaErr
	}
	// round-trip through the schema decoder so numbers match what it expects
	encoded, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(string(encoded)))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

func setDefault(data map[string]any, key string, value any) {
	if value == nil {
		return
	}
	if existing, ok := data[key]; ok && existing != nil {
		return
	}
	data[key] = value
}

func asMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func truthy(v any) bool {
	switch value := v.(type) {
	case bool:
		return value
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(value))
		if err != nil {
			return strings.TrimSpace(value) != ""
		}
		return b
	case float64:
		return value != 0
	case nil:
		return false
	default:
		return true
	}
}
