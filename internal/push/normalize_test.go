package push

import (
	"errors"
	"testing"
	"time"
)

func TestNormalizeFlatPayload(t *testing.T) {
	ev, err := Normalize(map[string]any{
		"push_id":  "p1",
		"title":    "Hello",
		"message":  "World",
		"url":      "https://example.test",
		"time":     "2024-05-01T10:00:00Z",
		"app_id":   "app_1",
		"app_data": map[string]any{"order": "42"},
	})
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if ev.PushID != "p1" || ev.Title != "Hello" || ev.Message != "World" || ev.AppID != "app_1" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.Time == nil || !ev.Time.Equal(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected time %v", ev.Time)
	}
	if ev.AppData["order"] != "42" {
		t.Fatalf("expected app data to survive, got %v", ev.AppData)
	}
}

func TestNormalizeStringAppDataCarriesPushID(t *testing.T) {
	ev, err := Normalize(map[string]any{
		"data": map[string]any{
			"message":  "hi",
			"app_data": `{"push_id":"p2","deeplink":"app://x"}`,
		},
	})
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if ev.PushID != "p2" || ev.Message != "hi" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if _, ok := ev.AppData["push_id"]; ok {
		t.Fatalf("push_id must be lifted out of app_data, got %v", ev.AppData)
	}
	if ev.AppData["deeplink"] != "app://x" {
		t.Fatalf("unexpected app data %v", ev.AppData)
	}
}

func TestNormalizeLegacyAlert(t *testing.T) {
	ev, err := Normalize(map[string]any{
		"aps": map[string]any{
			"alert": map[string]any{"title": "Legacy", "body": "old style"},
		},
		"app_data": map[string]any{"push_id": "p3"},
	})
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if ev.PushID != "p3" || ev.Title != "Legacy" || ev.Message != "old style" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestNormalizeControlFields(t *testing.T) {
	ev, err := Normalize(map[string]any{"push_id": "p4", "revoke": "p1"})
	if err != nil || ev.Revoke != "p1" {
		t.Fatalf("expected revoke event, got %+v err=%v", ev, err)
	}
	ev, err = Normalize(map[string]any{"push_id": "p5", "message": "m", "not_in_inbox": "true"})
	if err != nil || !ev.NotInInbox {
		t.Fatalf("expected not_in_inbox to be set, got %+v err=%v", ev, err)
	}
}

func TestNormalizeRejectsMalformedPayloads(t *testing.T) {
	cases := []map[string]any{
		nil,
		{"push_id": 12, "message": "m"},
		{"push_id": "p", "app_data": "{nope"},
		{"push_id": "p", "app_data": 5.0},
	}
	for _, raw := range cases {
		if _, err := Normalize(raw); !errors.Is(err, ErrInvalidPayload) {
			t.Fatalf("expected ErrInvalidPayload for %v, got %v", raw, err)
		}
	}
}

func TestParseJSONPayloadKeepsMediaURL(t *testing.T) {
	p, err := ParseJSONPayload([]byte(`{"push_id":"p6","message":"m","media_url":"https://cdn/x.png"}`))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if p.MediaURL != "https://cdn/x.png" || p.Event.PushID != "p6" {
		t.Fatalf("unexpected payload %+v", p)
	}
	if _, err := ParseJSON([]byte(`[]`)); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload for non-object document, got %v", err)
	}
}

func TestNormalizeLenientTime(t *testing.T) {
	want := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	cases := map[string]any{
		"rfc3339":       "2024-05-01T10:00:00Z",
		"no offset":     "2024-05-01T10:00:00",
		"basic offset":  "2024-05-01T12:00:00.000+0200",
		"space":         "2024-05-01 10:00:00",
		"epoch seconds": float64(1714557600),
		"epoch millis":  float64(1714557600000),
		"numeric text":  "1714557600000",
	}
	for name, raw := range cases {
		ev, err := Normalize(map[string]any{"push_id": "p1", "message": "hi", "time": raw})
		if err != nil {
			t.Fatalf("%s: normalize failed: %v", name, err)
		}
		if ev.Time == nil || !ev.Time.Equal(want) {
			t.Fatalf("%s: expected %s, got %v", name, want, ev.Time)
		}
	}
}

func TestNormalizeUnreadableTimeUsesArrival(t *testing.T) {
	ev, err := Normalize(map[string]any{"push_id": "p1", "message": "hi", "time": "yesterday"})
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if ev.Time != nil {
		t.Fatalf("expected no time, got %v", ev.Time)
	}
	now := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	if item := ev.ToItem(now); !item.Time.Equal(now) {
		t.Fatalf("expected arrival time %s, got %s", now, item.Time)
	}
}
