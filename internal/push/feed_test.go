package push

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

func TestFeedDeliversPayloadsAndReconnects(t *testing.T) {
	var connections int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("AUTH-APP-ID") != "app_1" || r.URL.Query().Get("hardware_id") != "hw_1" {
			t.Errorf("unexpected handshake: header=%q query=%q", r.Header.Get("AUTH-APP-ID"), r.URL.RawQuery)
			http.Error(w, "bad", http.StatusBadRequest)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		n := atomic.AddInt32(&connections, 1)
		_ = wsjson.Write(r.Context(), conn, map[string]any{"push_id": "p" + string(rune('0'+n)), "message": "m"})
		conn.Close(websocket.StatusNormalClosure, "")
	}))
	defer server.Close()

	feed, err := NewFeed(FeedOptions{
		URL:        "ws" + strings.TrimPrefix(server.URL, "http"),
		AppID:      "app_1",
		HardwareID: "hw_1",
		MinBackoff: 5 * time.Millisecond,
		MaxBackoff: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new feed failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan string, 8)
	done := make(chan error, 1)
	go func() {
		done <- feed.Run(ctx, func(_ context.Context, raw map[string]any) {
			ev, err := Normalize(raw)
			if err != nil {
				t.Errorf("normalize feed payload: %v", err)
				return
			}
			got <- ev.PushID
		})
	}()

	for _, want := range []string{"p1", "p2"} {
		select {
		case id := <-got:
			if id != want {
				t.Fatalf("expected %s, got %s", want, id)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run returned error: %v", err)
	}
}

func TestNewFeedRequiresURL(t *testing.T) {
	if _, err := NewFeed(FeedOptions{}); err == nil {
		t.Fatalf("expected error without url")
	}
}
