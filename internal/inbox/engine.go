package inbox

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/vanso/rtcp/internal/notification"
)

const remoteCallTimeout = 30 * time.Second

// Remote is the part of the RTCP API the inbox talks to.
type Remote interface {
	StatusReporter
	GetRecentNotifications(ctx context.Context, hardwareID string, count int) ([]notification.Item, error)
	DeleteNotification(ctx context.Context, hardwareID, pushID string) error
	DeleteAllNotifications(ctx context.Context, hardwareID string) error
}

type Logger interface {
	Printf(format string, args ...any)
}

// InboxUpdate is delivered to subscribers after every change of the inbox.
// FromStorage marks updates that came from a storage reload.
type InboxUpdate struct {
	Inbox       []notification.Item
	FromStorage bool
}

type EngineOptions struct {
	HardwareID   string
	Size         int
	ReceiptDelay time.Duration
	Logger       Logger
	Now          func() time.Time
}

// Engine owns the in-memory inbox.
//
// Mutations are serialized and each one that changes the inbox emits exactly
// one InboxUpdate, in mutation order. Handlers run synchronously; they may
// call Inbox and UnreadCount but must not mutate the engine.
type Engine struct {
	remote     Remote
	receipts   *ReceiptQueue
	hardwareID string
	size       int
	logger     Logger
	now        func() time.Time

	mu    sync.Mutex
	items []notification.Item

	emitMu sync.Mutex

	subsMu   sync.Mutex
	subs     map[uint64]func(InboxUpdate)
	nextSub  uint64
	inflight sync.WaitGroup
}

func NewEngine(remote Remote, opts EngineOptions) (*Engine, error) {
	if remote == nil {
		return nil, fmt.Errorf("remote is required")
	}
	size := opts.Size
	if size <= 0 {
		size = DefaultSize
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		remote:     remote,
		receipts:   NewReceiptQueue(remote, opts.HardwareID, opts.ReceiptDelay, opts.Logger),
		hardwareID: opts.HardwareID,
		size:       size,
		logger:     opts.Logger,
		now:        now,
		items:      []notification.Item{},
		subs:       map[uint64]func(InboxUpdate){},
	}, nil
}

func (e *Engine) Size() int {
	return e.size
}

func (e *Engine) Receipts() *ReceiptQueue {
	return e.receipts
}

// OnInboxUpdate registers fn and returns a function removing it.
func (e *Engine) OnInboxUpdate(fn func(InboxUpdate)) func() {
	if fn == nil {
		return func() {}
	}
	e.subsMu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = fn
	e.subsMu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			e.subsMu.Lock()
			delete(e.subs, id)
			e.subsMu.Unlock()
		})
	}
}

// ApplyEvent applies one push event and reports what happened.
func (e *Engine) ApplyEvent(ev notification.Event) Outcome {
	e.mu.Lock()
	next, outcome := Apply(e.items, ev, e.size, e.now())
	switch outcome {
	case RevokeMissing:
		e.mu.Unlock()
		logf(e.logger, "[DEBUG] revoke: notification %s not in inbox", ev.Revoke)
		return outcome
	case ReplaceMissing:
		e.mu.Unlock()
		logf(e.logger, "[DEBUG] replace: notification %s not in inbox", ev.Replace)
		return outcome
	case Ignored:
		e.mu.Unlock()
		return outcome
	}
	e.items = next
	e.publishLocked(false)
	return outcome
}

// SetRead marks the item at index as read and queues a read receipt.
func (e *Engine) SetRead(index int) {
	e.mu.Lock()
	if index < 0 || index >= len(e.items) || e.items[index].Read {
		e.mu.Unlock()
		return
	}
	next := notification.CloneItems(e.items)
	next[index].Read = true
	pushID := next[index].PushID
	e.items = next
	e.receipts.Enqueue(pushID)
	e.publishLocked(false)
}

// Delete removes the item at index locally and asks the server to drop it.
func (e *Engine) Delete(index int) {
	e.mu.Lock()
	if index < 0 || index >= len(e.items) {
		e.mu.Unlock()
		return
	}
	pushID := e.items[index].PushID
	next := make([]notification.Item, 0, len(e.items)-1)
	next = append(next, e.items[:index]...)
	next = append(next, e.items[index+1:]...)
	e.items = next
	e.goRemote("delete notification "+pushID, func(ctx context.Context) error {
		return e.remote.DeleteNotification(ctx, e.hardwareID, pushID)
	})
	e.publishLocked(false)
}

func (e *Engine) DeleteAll() {
	e.mu.Lock()
	if len(e.items) == 0 {
		e.mu.Unlock()
		return
	}
	e.items = []notification.Item{}
	e.goRemote("delete all notifications", func(ctx context.Context) error {
		return e.remote.DeleteAllNotifications(ctx, e.hardwareID)
	})
	e.publishLocked(false)
}

// Replace swaps the whole inbox, as done after a server sync or storage load.
// Duplicate push ids keep their first occurrence.
func (e *Engine) Replace(items []notification.Item, fromStorage bool) {
	e.mu.Lock()
	e.items = truncate(dedupe(items, e.logger), e.size)
	e.publishLocked(fromStorage)
}

func (e *Engine) Inbox() []notification.Item {
	e.mu.Lock()
	defer e.mu.Unlock()
	return notification.CloneItems(e.items)
}

func (e *Engine) UnreadCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return notification.UnreadCount(e.items)
}

// Wait blocks until fire-and-forget remote calls have finished.
func (e *Engine) Wait() {
	e.inflight.Wait()
}

// publishLocked must be called with e.mu held; it releases it. emitMu is taken
// before mu is released so concurrent mutations emit in the order they ran.
func (e *Engine) publishLocked(fromStorage bool) {
	e.emitMu.Lock()
	items := e.items
	e.mu.Unlock()
	defer e.emitMu.Unlock()

	e.subsMu.Lock()
	ids := make([]uint64, 0, len(e.subs))
	for id := range e.subs {
		ids = append(ids, id)
	}
	handlers := make([]func(InboxUpdate), 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		handlers = append(handlers, e.subs[id])
	}
	e.subsMu.Unlock()

	for _, fn := range handlers {
		fn(InboxUpdate{Inbox: notification.CloneItems(items), FromStorage: fromStorage})
	}
}

func (e *Engine) goRemote(what string, call func(ctx context.Context) error) {
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), remoteCallTimeout)
		defer cancel()
		if err := call(ctx); err != nil {
			logf(e.logger, "[WARN] %s failed: %v", what, err)
		}
	}()
}

// dedupe keeps the first item per push_id. Items without a push_id cannot
// collide and are all kept.
func dedupe(items []notification.Item, logger Logger) []notification.Item {
	out := make([]notification.Item, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		if item.PushID != "" {
			if _, ok := seen[item.PushID]; ok {
				logf(logger, "[WARN] dropping duplicate notification %s", item.PushID)
				continue
			}
			seen[item.PushID] = struct{}{}
		}
		out = append(out, item)
	}
	return notification.CloneItems(out)
}

func logf(logger Logger, format string, args ...any) {
	if logger == nil {
		return
	}
	logger.Printf(format, args...)
}
