package inbox

import (
	"context"
	"sync"
	"time"

	"github.com/vanso/rtcp/internal/notification"
)

const (
	DefaultReceiptDelay = 5 * time.Second
	receiptTimeout      = 30 * time.Second
)

// StatusReporter sends remote status updates for a batch of push ids.
type StatusReporter interface {
	UpdateNotificationRemoteStatus(ctx context.Context, hardwareID string, pushIDs []string, status notification.Status) error
}

// ReceiptQueue batches read acknowledgements. Every Enqueue restarts the
// debounce timer; when it fires all pending ids go out in one call.
type ReceiptQueue struct {
	reporter   StatusReporter
	hardwareID string
	delay      time.Duration
	logger     Logger

	mu      sync.Mutex
	pending map[string]struct{}
	order   []string
	timer   *time.Timer
	waiters []chan struct{}
	gen     uint64
	stopped bool
	wg      sync.WaitGroup
}

func NewReceiptQueue(reporter StatusReporter, hardwareID string, delay time.Duration, logger Logger) *ReceiptQueue {
	if delay <= 0 {
		delay = DefaultReceiptDelay
	}
	return &ReceiptQueue{
		reporter:   reporter,
		hardwareID: hardwareID,
		delay:      delay,
		logger:     logger,
		pending:    map[string]struct{}{},
	}
}

func (q *ReceiptQueue) Enqueue(pushID string) {
	if pushID == "" {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return
	}
	if _, ok := q.pending[pushID]; !ok {
		q.pending[pushID] = struct{}{}
		q.order = append(q.order, pushID)
	}
	if len(q.waiters) > 0 {
		// a forced drain is already scheduled and will pick this id up
		return
	}
	q.scheduleLocked(q.delay)
}

// Flush drains the queue now. The returned channel is closed once the batch
// has been sent, or immediately when the queue is stopped.
func (q *ReceiptQueue) Flush() <-chan struct{} {
	done := make(chan struct{})
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		close(done)
		return done
	}
	q.waiters = append(q.waiters, done)
	q.scheduleLocked(0)
	return done
}

func (q *ReceiptQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// Stop cancels the pending timer and waits for a running drain. Ids still
// queued are dropped.
func (q *ReceiptQueue) Stop() {
	q.mu.Lock()
	q.stopped = true
	if q.timer != nil && q.timer.Stop() {
		q.wg.Done()
	}
	q.timer = nil
	waiters := q.waiters
	q.waiters = nil
	q.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}
	q.wg.Wait()
}

func (q *ReceiptQueue) scheduleLocked(delay time.Duration) {
	if q.timer != nil && q.timer.Stop() {
		q.wg.Done()
	}
	q.gen++
	gen := q.gen
	q.wg.Add(1)
	q.timer = time.AfterFunc(delay, func() {
		defer q.wg.Done()
		q.drain(gen)
	})
}

func (q *ReceiptQueue) drain(gen uint64) {
	q.mu.Lock()
	if q.gen == gen {
		q.timer = nil
	}
	ids := q.order
	q.order = nil
	q.pending = map[string]struct{}{}
	waiters := q.waiters
	q.waiters = nil
	q.mu.Unlock()

	defer func() {
		for _, w := range waiters {
			close(w)
		}
	}()
	if len(ids) == 0 || q.reporter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), receiptTimeout)
	defer cancel()
	if err := q.reporter.UpdateNotificationRemoteStatus(ctx, q.hardwareID, ids, notification.StatusRead); err != nil {
		logf(q.logger, "[WARN] read receipts for %d notifications failed: %v", len(ids), err)
	}
}
