package concurrency_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"media-ingest/internal/infra/concurrency"
)

func TestDeduplicatorSeen(t *testing.T) {
	t.Parallel()

	d := concurrency.NewDeduplicator(60)

	if d.Seen("evt-1") {
		t.Fatal("first occurrence reported as duplicate")
	}
	if !d.Seen("evt-1") {
		t.Fatal("repeat within window not reported as duplicate")
	}
	if d.Seen("evt-2") {
		t.Fatal("unrelated fingerprint reported as duplicate")
	}
}

func TestDeduplicatorEmptyFingerprintAlwaysProcessed(t *testing.T) {
	t.Parallel()

	d := concurrency.NewDeduplicator(60)

	for i := 0; i < 3; i++ {
		if d.Seen("") {
			t.Fatalf("empty fingerprint reported as duplicate on call %d", i+1)
		}
	}
}

func TestDeduplicatorForget(t *testing.T) {
	t.Parallel()

	d := concurrency.NewDeduplicator(60)

	if d.Seen("evt-1") {
		t.Fatal("first occurrence reported as duplicate")
	}
	d.Forget("evt-1")
	if d.Seen("evt-1") {
		t.Fatal("fingerprint still deduplicated after Forget")
	}
}

func TestDeduplicatorSeenMessageEditDate(t *testing.T) {
	t.Parallel()

	d := concurrency.NewDeduplicator(60)

	if d.SeenMessage(100, 7, 0) {
		t.Fatal("first message version reported as duplicate")
	}
	if !d.SeenMessage(100, 7, 0) {
		t.Fatal("identical message not reported as duplicate")
	}
	// Правка меняет editDate — это новое событие.
	if d.SeenMessage(100, 7, 1_700_000_100) {
		t.Fatal("edited message reported as duplicate")
	}
}

func TestDebouncerCoalesces(t *testing.T) {
	t.Parallel()

	d := concurrency.NewDebouncer(20 * time.Millisecond)
	defer d.Stop()

	var calls atomic.Int32
	var last atomic.Int32
	for i := 1; i <= 5; i++ {
		v := int32(i)
		d.Trigger("msg-1", func() {
			calls.Add(1)
			last.Store(v)
		})
	}

	time.Sleep(80 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Fatalf("debounced fn ran %d times, want 1", got)
	}
	if got := last.Load(); got != 5 {
		t.Fatalf("debouncer kept call %d, want the last (5)", got)
	}
}

func TestDebouncerFlushRunsImmediately(t *testing.T) {
	t.Parallel()

	d := concurrency.NewDebouncer(time.Hour)
	defer d.Stop()

	done := make(chan struct{})
	var once sync.Once
	d.Trigger("msg-1", func() { once.Do(func() { close(done) }) })
	d.Flush("msg-1")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Flush did not run the pending fn")
	}
}

func TestDebouncerStopCancelsPending(t *testing.T) {
	t.Parallel()

	d := concurrency.NewDebouncer(20 * time.Millisecond)

	var calls atomic.Int32
	d.Trigger("msg-1", func() { calls.Add(1) })
	d.Stop()

	time.Sleep(60 * time.Millisecond)
	if got := calls.Load(); got != 0 {
		t.Fatalf("pending fn ran %d times after Stop, want 0", got)
	}

	// Новые триггеры после Stop игнорируются.
	d.Trigger("msg-2", func() { calls.Add(1) })
	time.Sleep(60 * time.Millisecond)
	if got := calls.Load(); got != 0 {
		t.Fatalf("fn ran %d times after Stop, want 0", got)
	}
}
