package coordinator_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"media-ingest/internal/domain/coordinator"
	"media-ingest/internal/infra/kv"
)

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

func newCoordinator(t *testing.T, store kv.Store, id string, mc *manualClock) *coordinator.Coordinator {
	t.Helper()

	c, err := coordinator.New(coordinator.Options{
		Store:             store,
		InstanceID:        id,
		URL:               "http://" + id + ".local",
		HeartbeatInterval: time.Hour, // heartbeat в тестах не тикает
		InstanceTimeout:   time.Minute,
		Clock:             mc.Now,
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return c
}

func startCoordinator(t *testing.T, c *coordinator.Coordinator) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(c.Stop)
}

func TestLeaderIsLowestActiveID(t *testing.T) {
	t.Parallel()

	mc := &manualClock{now: time.Unix(1_700_000_000, 0)}
	store := kv.NewMemory(mc.Now)
	ctx := context.Background()

	a := newCoordinator(t, store, "aaa", mc)
	b := newCoordinator(t, store, "bbb", mc)
	startCoordinator(t, a)
	startCoordinator(t, b)

	active, err := a.ActiveInstances(ctx)
	if err != nil {
		t.Fatalf("ActiveInstances() error: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("ActiveInstances() = %d instances, want 2", len(active))
	}

	leader, err := b.Leader(ctx)
	if err != nil {
		t.Fatalf("Leader() error: %v", err)
	}
	if leader.ID != "aaa" {
		t.Fatalf("Leader() = %s, want aaa", leader.ID)
	}

	isLeader, err := a.IsLeader(ctx)
	if err != nil || !isLeader {
		t.Fatalf("IsLeader(aaa) = (%v, %v), want (true, nil)", isLeader, err)
	}
	isLeader, err = b.IsLeader(ctx)
	if err != nil || isLeader {
		t.Fatalf("IsLeader(bbb) = (%v, %v), want (false, nil)", isLeader, err)
	}
}

func TestLeadershipMovesWhenLeaderExpires(t *testing.T) {
	t.Parallel()

	mc := &manualClock{now: time.Unix(1_700_000_000, 0)}
	store := kv.NewMemory(mc.Now)
	ctx := context.Background()

	a := newCoordinator(t, store, "aaa", mc)
	b := newCoordinator(t, store, "bbb", mc)
	startCoordinator(t, a)
	startCoordinator(t, b)

	// Реплика aaa перестаёт дышать: её запись истекает по TTL,
	// bbb продлевает свою и становится лидером.
	mc.advance(2 * time.Minute)
	if err := b.Heartbeat(ctx); err != nil {
		t.Fatalf("Heartbeat() error: %v", err)
	}

	leader, err := b.Leader(ctx)
	if err != nil {
		t.Fatalf("Leader() error: %v", err)
	}
	if leader.ID != "bbb" {
		t.Fatalf("Leader() = %s after aaa expired, want bbb", leader.ID)
	}
}

func TestAcquireLockMutualExclusion(t *testing.T) {
	t.Parallel()

	mc := &manualClock{now: time.Unix(1_700_000_000, 0)}
	store := kv.NewMemory(mc.Now)
	ctx := context.Background()

	a := newCoordinator(t, store, "aaa", mc)
	b := newCoordinator(t, store, "bbb", mc)

	ok, err := a.AcquireLock(ctx, "task:7", time.Minute)
	if err != nil || !ok {
		t.Fatalf("AcquireLock(a) = (%v, %v), want (true, nil)", ok, err)
	}

	ok, err = b.AcquireLock(ctx, "task:7", time.Minute)
	if err != nil {
		t.Fatalf("AcquireLock(b) error: %v", err)
	}
	if ok {
		t.Fatal("second instance acquired a held lock")
	}

	// Повторный захват владельцем продлевает срок.
	ok, err = a.AcquireLock(ctx, "task:7", time.Minute)
	if err != nil || !ok {
		t.Fatalf("re-AcquireLock(a) = (%v, %v), want (true, nil)", ok, err)
	}
}

func TestStaleLockIsReclaimed(t *testing.T) {
	t.Parallel()

	mc := &manualClock{now: time.Unix(1_700_000_000, 0)}
	store := kv.NewMemory(mc.Now)
	ctx := context.Background()

	a := newCoordinator(t, store, "aaa", mc)
	b := newCoordinator(t, store, "bbb", mc)

	if ok, err := a.AcquireLock(ctx, "task:7", 30*time.Second); err != nil || !ok {
		t.Fatalf("AcquireLock(a) = (%v, %v), want (true, nil)", ok, err)
	}

	mc.advance(time.Minute)
	ok, err := b.AcquireLock(ctx, "task:7", 30*time.Second)
	if err != nil || !ok {
		t.Fatalf("AcquireLock(b) on stale lock = (%v, %v), want (true, nil)", ok, err)
	}

	holder, version, err := b.LockHolder(ctx, "task:7")
	if err != nil {
		t.Fatalf("LockHolder() error: %v", err)
	}
	if holder != "bbb" || version == 0 {
		t.Fatalf("LockHolder() = (%s, %d), want bbb with nonzero version", holder, version)
	}
}

func TestReleaseLockOnlyByOwner(t *testing.T) {
	t.Parallel()

	mc := &manualClock{now: time.Unix(1_700_000_000, 0)}
	store := kv.NewMemory(mc.Now)
	ctx := context.Background()

	a := newCoordinator(t, store, "aaa", mc)
	b := newCoordinator(t, store, "bbb", mc)

	if ok, _ := a.AcquireLock(ctx, "task:7", time.Minute); !ok {
		t.Fatal("AcquireLock(a) failed")
	}

	// Чужой Release не трогает блокировку.
	if err := b.ReleaseLock(ctx, "task:7"); err != nil {
		t.Fatalf("ReleaseLock(b) error: %v", err)
	}
	if holder, _, _ := a.LockHolder(ctx, "task:7"); holder != "aaa" {
		t.Fatalf("lock holder = %s after foreign release, want aaa", holder)
	}

	if err := a.ReleaseLock(ctx, "task:7"); err != nil {
		t.Fatalf("ReleaseLock(a) error: %v", err)
	}
	if holder, _, _ := a.LockHolder(ctx, "task:7"); holder != "" {
		t.Fatalf("lock holder = %s after owner release, want empty", holder)
	}

	// Повторное снятие — no-op.
	if err := a.ReleaseLock(ctx, "task:7"); err != nil {
		t.Fatalf("repeated ReleaseLock(a) error: %v", err)
	}
}
