package queuebus_test

import (
	"sync"
	"testing"
	"time"

	"media-ingest/internal/domain/queuebus"
)

// manualClock — управляемое время для тестов breaker-а.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestSignerVerify(t *testing.T) {
	t.Parallel()

	signer, err := queuebus.NewSigner("current-key", "next-key")
	if err != nil {
		t.Fatalf("NewSigner() error: %v", err)
	}
	body := []byte(`{"task":1}`)
	sig := signer.Sign(body)

	cases := []struct {
		name      string
		signature string
		body      []byte
		want      bool
	}{
		{"validCurrent", sig, body, true},
		{"missingSignature", "", body, false},
		{"garbageSignature", "bm90LWEtc2lnbmF0dXJl", body, false},
		{"tamperedBody", sig, []byte(`{"task":2}`), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if got := signer.Verify(tc.signature, tc.body); got != tc.want {
				t.Fatalf("Verify() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestSignerVerifyAcceptsNextKeyDuringRotation(t *testing.T) {
	t.Parallel()

	// Подписано «следующим» ключом — обычная ситуация при ротации.
	next, err := queuebus.NewSigner("next-key", "")
	if err != nil {
		t.Fatalf("NewSigner() error: %v", err)
	}
	body := []byte(`{"task":1}`)
	sig := next.Sign(body)

	pair, err := queuebus.NewSigner("current-key", "next-key")
	if err != nil {
		t.Fatalf("NewSigner() error: %v", err)
	}
	if !pair.Verify(sig, body) {
		t.Fatal("signature by the next key rejected")
	}
}

func TestNewSignerRequiresCurrentKey(t *testing.T) {
	t.Parallel()

	if _, err := queuebus.NewSigner("", "next"); err == nil {
		t.Fatal("NewSigner accepted an empty current key")
	}
}

func TestBreakerLifecycle(t *testing.T) {
	t.Parallel()

	mc := &manualClock{now: time.Unix(1_700_000_000, 0)}
	b := queuebus.NewCircuitBreaker(2, 2, 30*time.Second, mc.Now)

	if b.State() != queuebus.BreakerClosed || !b.Allow() {
		t.Fatal("new breaker must be closed and allowing")
	}

	b.RecordFailure()
	b.RecordFailure()
	if b.State() != queuebus.BreakerOpen {
		t.Fatalf("breaker state = %s after threshold failures, want open", b.State())
	}
	if b.Allow() {
		t.Fatal("open breaker allowed a call before timeout")
	}

	// По истечении таймаута пропускается проба.
	mc.advance(31 * time.Second)
	if !b.Allow() {
		t.Fatal("breaker did not half-open after timeout")
	}
	if b.State() != queuebus.BreakerHalfOpen {
		t.Fatalf("breaker state = %s, want half-open", b.State())
	}

	// Одна ошибка в half-open открывает заново.
	b.RecordFailure()
	if b.State() != queuebus.BreakerOpen {
		t.Fatalf("breaker state = %s after half-open failure, want open", b.State())
	}

	// Снова пробуем и закрываем двумя успехами.
	mc.advance(31 * time.Second)
	if !b.Allow() {
		t.Fatal("breaker did not half-open after second timeout")
	}
	b.RecordSuccess()
	b.RecordSuccess()
	if b.State() != queuebus.BreakerClosed {
		t.Fatalf("breaker state = %s after success threshold, want closed", b.State())
	}
}
