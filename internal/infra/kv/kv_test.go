package kv_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"media-ingest/internal/infra/kv"
)

// manualClock — управляемое время для проверки TTL без ожиданий.
type manualClock struct {
	now time.Time
}

func (c *manualClock) Now() time.Time { return c.now }

func openStores(t *testing.T, c *manualClock) map[string]kv.Store {
	t.Helper()

	bolt, err := kv.OpenBolt(filepath.Join(t.TempDir(), "kv.bbolt"), c.Now)
	if err != nil {
		t.Fatalf("OpenBolt() error: %v", err)
	}
	t.Cleanup(func() { _ = bolt.Close() })

	return map[string]kv.Store{
		"bolt":   bolt,
		"memory": kv.NewMemory(c.Now),
	}
}

func TestStoreTTL(t *testing.T) {
	t.Parallel()

	c := &manualClock{now: time.Unix(1_700_000_000, 0)}
	ctx := context.Background()

	for name, store := range openStores(t, c) {
		t.Run(name, func(t *testing.T) {
			if err := store.Set(ctx, "instance:a", []byte(`{"id":"a"}`), 30*time.Second); err != nil {
				t.Fatalf("Set() error: %v", err)
			}

			if _, ok, _ := store.Get(ctx, "instance:a"); !ok {
				t.Fatal("Get() before expiry: key not found")
			}

			c.now = c.now.Add(31 * time.Second)
			if _, ok, _ := store.Get(ctx, "instance:a"); ok {
				t.Fatal("Get() after expiry: key still visible")
			}
		})
	}
}

func TestStoreListPrefix(t *testing.T) {
	t.Parallel()

	c := &manualClock{now: time.Unix(1_700_000_000, 0)}
	ctx := context.Background()

	for name, store := range openStores(t, c) {
		t.Run(name, func(t *testing.T) {
			entries := map[string]string{
				"instance:a": `{"id":"a"}`,
				"instance:b": `{"id":"b"}`,
				"lock:claim": `{"owner":"a"}`,
			}
			for key, val := range entries {
				if err := store.Set(ctx, key, []byte(val), 0); err != nil {
					t.Fatalf("Set(%s) error: %v", key, err)
				}
			}
			// Истёкшая запись не должна попасть в выборку.
			if err := store.Set(ctx, "instance:dead", []byte(`{}`), time.Second); err != nil {
				t.Fatalf("Set(instance:dead) error: %v", err)
			}
			c.now = c.now.Add(2 * time.Second)

			got, err := store.List(ctx, "instance:")
			if err != nil {
				t.Fatalf("List() error: %v", err)
			}
			if len(got) != 2 {
				t.Fatalf("List() returned %d entries, want 2: %v", len(got), got)
			}
			if _, ok := got["lock:claim"]; ok {
				t.Fatal("List() leaked entry outside prefix")
			}
		})
	}
}

func TestStoreDelete(t *testing.T) {
	t.Parallel()

	c := &manualClock{now: time.Unix(1_700_000_000, 0)}
	ctx := context.Background()

	for name, store := range openStores(t, c) {
		t.Run(name, func(t *testing.T) {
			if err := store.Set(ctx, "setting:workers", []byte("4"), 0); err != nil {
				t.Fatalf("Set() error: %v", err)
			}
			if err := store.Delete(ctx, "setting:workers"); err != nil {
				t.Fatalf("Delete() error: %v", err)
			}
			if _, ok, _ := store.Get(ctx, "setting:workers"); ok {
				t.Fatal("Get() after Delete: key still visible")
			}
			// Повторное удаление — не ошибка.
			if err := store.Delete(ctx, "setting:workers"); err != nil {
				t.Fatalf("repeated Delete() error: %v", err)
			}
		})
	}
}
