package inbox

import (
	"context"
	"sync"
	"time"

	"github.com/vanso/rtcp/internal/notification"
)

type fakeRemote struct {
	mu            sync.Mutex
	notifications []notification.Item
	fetchErr      error
	fetches       int
	receipts      [][]string
	statuses      []notification.Status
	deleted       []string
	deleteAll     int
}

func (f *fakeRemote) UpdateNotificationRemoteStatus(_ context.Context, _ string, ids []string, status notification.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts = append(f.receipts, append([]string(nil), ids...))
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeRemote) GetRecentNotifications(_ context.Context, _ string, count int) ([]notification.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	if f.notifications == nil {
		return nil, nil
	}
	out := notification.CloneItems(f.notifications)
	if count > 0 && len(out) > count {
		out = out[:count]
	}
	return out, nil
}

func (f *fakeRemote) DeleteNotification(_ context.Context, _ string, pushID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, pushID)
	return nil
}

func (f *fakeRemote) DeleteAllNotifications(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteAll++
	return nil
}

func (f *fakeRemote) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func (f *fakeRemote) receiptBatches() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]string, len(f.receipts))
	copy(out, f.receipts)
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordingLogger) Printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, format)
}

func (l *recordingLogger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lines)
}

func message(pushID string) notification.Event {
	return notification.Event{PushID: pushID, Message: "message " + pushID}
}

func pushIDs(items []notification.Item) []string {
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = item.PushID
	}
	return out
}

func equalIDs(got []string, want ...string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}
