package inbox

import (
	"testing"
	"time"

	"github.com/vanso/rtcp/internal/notification"
)

func TestReceiptQueueBatchesAfterDebounce(t *testing.T) {
	remote := &fakeRemote{}
	queue := NewReceiptQueue(remote, "hw_1", 30*time.Millisecond, nil)
	defer queue.Stop()

	queue.Enqueue("a")
	queue.Enqueue("b")
	queue.Enqueue("a")
	if queue.Pending() != 2 {
		t.Fatalf("expected set semantics, got %d pending", queue.Pending())
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(remote.receiptBatches()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	batches := remote.receiptBatches()
	if len(batches) != 1 || !equalIDs(batches[0], "a", "b") {
		t.Fatalf("expected one batch [a b], got %v", batches)
	}
	if remote.statuses[0] != notification.StatusRead {
		t.Fatalf("expected read status, got %s", remote.statuses[0])
	}
	if queue.Pending() != 0 {
		t.Fatalf("expected queue to be drained, got %d", queue.Pending())
	}
}

func TestReceiptQueueFlushSendsImmediately(t *testing.T) {
	remote := &fakeRemote{}
	queue := NewReceiptQueue(remote, "hw_1", time.Hour, nil)
	defer queue.Stop()

	queue.Enqueue("a")
	select {
	case <-queue.Flush():
	case <-time.After(2 * time.Second):
		t.Fatalf("flush did not complete")
	}
	if batches := remote.receiptBatches(); len(batches) != 1 || !equalIDs(batches[0], "a") {
		t.Fatalf("expected flushed batch [a], got %v", batches)
	}

	select {
	case <-queue.Flush():
	case <-time.After(2 * time.Second):
		t.Fatalf("empty flush did not complete")
	}
	if len(remote.receiptBatches()) != 1 {
		t.Fatalf("expected empty flush to skip the remote call")
	}
}

func TestReceiptQueueStopCancelsTimer(t *testing.T) {
	remote := &fakeRemote{}
	queue := NewReceiptQueue(remote, "hw_1", 20*time.Millisecond, nil)
	queue.Enqueue("a")
	queue.Stop()
	time.Sleep(60 * time.Millisecond)
	if len(remote.receiptBatches()) != 0 {
		t.Fatalf("expected stopped queue not to send")
	}
	select {
	case <-queue.Flush():
	default:
		t.Fatalf("expected flush on stopped queue to complete immediately")
	}
}
