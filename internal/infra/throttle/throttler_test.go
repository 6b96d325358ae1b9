package throttle_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"media-ingest/internal/infra/throttle"
)

// fixedRandom убирает джиттер из бэкофа, делая паузы детерминированными.
func fixedRandom() float64 { return 0.5 }

type stopErr struct{ msg string }

func (e *stopErr) Error() string   { return e.msg }
func (e *stopErr) StopRetry() bool { return true }

func TestDoSucceedsAfterRetries(t *testing.T) {
	t.Parallel()

	tr := throttle.New(1000, throttle.WithMaxRetries(5), throttle.WithRandom(fixedRandom))

	calls := 0
	err := tr.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("fn called %d times, want 3", calls)
	}
}

func TestDoStopsOnMaxRetries(t *testing.T) {
	t.Parallel()

	tr := throttle.New(1000, throttle.WithMaxRetries(2), throttle.WithRandom(fixedRandom))

	calls := 0
	err := tr.Do(context.Background(), func() error {
		calls++
		return errors.New("persistent")
	})
	if err == nil {
		t.Fatal("Do() succeeded, want max-retries error")
	}
	if !strings.Contains(err.Error(), "max retries") {
		t.Fatalf("Do() error = %v, want max-retries wrap", err)
	}
	// Первая попытка + 2 ретрая.
	if calls != 3 {
		t.Fatalf("fn called %d times, want 3", calls)
	}
}

func TestDoStopRetryerReturnsImmediately(t *testing.T) {
	t.Parallel()

	tr := throttle.New(1000, throttle.WithRandom(fixedRandom))

	calls := 0
	wantErr := &stopErr{msg: "terminal failure"}
	err := tr.Do(context.Background(), func() error {
		calls++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Do() error = %v, want %v", err, wantErr)
	}
	if calls != 1 {
		t.Fatalf("fn called %d times, want 1", calls)
	}
}

func TestDoHonorsWaitExtractor(t *testing.T) {
	t.Parallel()

	extractor := func(err error) (time.Duration, bool) {
		if strings.Contains(err.Error(), "retry_after") {
			return 10 * time.Millisecond, true
		}
		return 0, false
	}
	tr := throttle.New(1000,
		throttle.WithRandom(fixedRandom),
		throttle.WithWaitExtractors(extractor))

	calls := 0
	start := time.Now()
	err := tr.Do(context.Background(), func() error {
		calls++
		if calls == 1 {
			return errors.New("retry_after hint")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error: %v", err)
	}
	if calls != 2 {
		t.Fatalf("fn called %d times, want 2", calls)
	}
	if elapsed := time.Since(start); elapsed < 10*time.Millisecond {
		t.Fatalf("Do() returned after %v, want >=10ms server wait", elapsed)
	}
}

func TestDoRespectsContextCancel(t *testing.T) {
	t.Parallel()

	tr := throttle.New(1000, throttle.WithRandom(fixedRandom))

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := tr.Do(ctx, func() error {
		calls++
		cancel()
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Do() error = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Fatalf("fn called %d times, want 1", calls)
	}
}
