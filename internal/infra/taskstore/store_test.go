package taskstore_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"media-ingest/internal/domain/task"
	"media-ingest/internal/infra/taskstore"
)

type manualClock struct {
	now time.Time
}

func (c *manualClock) Now() time.Time { return c.now }

func openStore(t *testing.T, c *manualClock) *taskstore.Store {
	t.Helper()

	store, err := taskstore.Open(filepath.Join(t.TempDir(), "tasks.db"), c.Now)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCreateGetRoundtrip(t *testing.T) {
	t.Parallel()

	c := &manualClock{now: time.Unix(1_700_000_000, 0)}
	store := openStore(t, c)
	ctx := context.Background()

	in := &task.Task{
		UserID:      "u1",
		ChatID:      123,
		MsgID:       300,
		SourceMsgID: 200,
		FileName:    "Demo.mp4",
		FileSize:    1024,
		Status:      task.StatusQueued,
	}
	if err := store.Create(ctx, in); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if in.ID == 0 {
		t.Fatal("Create() did not assign an id")
	}

	got, err := store.Get(ctx, in.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got == nil {
		t.Fatal("Get() returned nil for existing task")
	}
	if got.ChatID != 123 || got.Status != task.StatusQueued || got.FileName != "Demo.mp4" {
		t.Fatalf("Get() = %+v, fields do not match", got)
	}
}

func TestTerminalStatusIsWriteOnce(t *testing.T) {
	t.Parallel()

	c := &manualClock{now: time.Unix(1_700_000_000, 0)}
	store := openStore(t, c)
	ctx := context.Background()

	in := &task.Task{UserID: "u1", ChatID: 1, Status: task.StatusQueued}
	if err := store.Create(ctx, in); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	changed, err := store.UpdateStatus(ctx, in.ID, task.StatusCancelled, "")
	if err != nil || !changed {
		t.Fatalf("UpdateStatus(cancelled) = (%v, %v), want (true, nil)", changed, err)
	}

	// Попытки перезаписать терминальный статус должны быть no-op.
	for _, next := range []task.Status{task.StatusCompleted, task.StatusFailed, task.StatusDownloading} {
		changed, err = store.UpdateStatus(ctx, in.ID, next, "late write")
		if err != nil {
			t.Fatalf("UpdateStatus(%s) error: %v", next, err)
		}
		if changed {
			t.Fatalf("UpdateStatus(%s) overwrote a terminal row", next)
		}
	}

	got, err := store.Get(ctx, in.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Status != task.StatusCancelled || got.ErrorMsg != "" {
		t.Fatalf("terminal row mutated: %+v", got)
	}
}

func TestCreateBatchSharesGroup(t *testing.T) {
	t.Parallel()

	c := &manualClock{now: time.Unix(1_700_000_000, 0)}
	store := openStore(t, c)
	ctx := context.Background()

	batch := []*task.Task{
		{UserID: "u1", ChatID: 123, MsgID: 300, SourceMsgID: 201, Status: task.StatusQueued, GroupID: "g1"},
		{UserID: "u1", ChatID: 123, MsgID: 300, SourceMsgID: 202, Status: task.StatusQueued, GroupID: "g1"},
		{UserID: "u1", ChatID: 123, MsgID: 300, SourceMsgID: 203, Status: task.StatusQueued, GroupID: "g1"},
	}
	if err := store.CreateBatch(ctx, batch); err != nil {
		t.Fatalf("CreateBatch() error: %v", err)
	}
	for i, b := range batch {
		if b.ID == 0 {
			t.Fatalf("batch task %d has no id", i)
		}
	}

	got, err := store.ListByGroup(ctx, "g1")
	if err != nil {
		t.Fatalf("ListByGroup() error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("ListByGroup() returned %d rows, want 3", len(got))
	}
}

func TestListStalled(t *testing.T) {
	t.Parallel()

	c := &manualClock{now: time.Unix(1_700_000_000, 0)}
	store := openStore(t, c)
	ctx := context.Background()

	stalled := &task.Task{UserID: "u1", ChatID: 1, Status: task.StatusQueued}
	if err := store.Create(ctx, stalled); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if _, err := store.UpdateStatus(ctx, stalled.ID, task.StatusDownloading, ""); err != nil {
		t.Fatalf("UpdateStatus() error: %v", err)
	}

	done := &task.Task{UserID: "u1", ChatID: 1, Status: task.StatusQueued}
	if err := store.Create(ctx, done); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if _, err := store.UpdateStatus(ctx, done.ID, task.StatusCompleted, ""); err != nil {
		t.Fatalf("UpdateStatus() error: %v", err)
	}

	// Десять минут спустя первый остался в downloading — он и должен найтись.
	c.now = c.now.Add(10 * time.Minute)
	fresh := &task.Task{UserID: "u2", ChatID: 2, Status: task.StatusQueued}
	if err := store.Create(ctx, fresh); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	got, err := store.ListStalled(ctx, c.now.Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("ListStalled() error: %v", err)
	}
	if len(got) != 1 || got[0].ID != stalled.ID {
		t.Fatalf("ListStalled() = %+v, want only task %d", got, stalled.ID)
	}
}

func TestBatchUpdateStatusRespectsGuard(t *testing.T) {
	t.Parallel()

	c := &manualClock{now: time.Unix(1_700_000_000, 0)}
	store := openStore(t, c)
	ctx := context.Background()

	a := &task.Task{UserID: "u1", ChatID: 1, Status: task.StatusQueued}
	b := &task.Task{UserID: "u1", ChatID: 1, Status: task.StatusQueued}
	for _, tk := range []*task.Task{a, b} {
		if err := store.Create(ctx, tk); err != nil {
			t.Fatalf("Create() error: %v", err)
		}
	}
	if _, err := store.UpdateStatus(ctx, b.ID, task.StatusFailed, "boom"); err != nil {
		t.Fatalf("UpdateStatus() error: %v", err)
	}

	err := store.BatchUpdateStatus(ctx, []taskstore.StatusUpdate{
		{TaskID: a.ID, Status: task.StatusDownloading},
		{TaskID: b.ID, Status: task.StatusDownloading},
	})
	if err != nil {
		t.Fatalf("BatchUpdateStatus() error: %v", err)
	}

	gotA, _ := store.Get(ctx, a.ID)
	gotB, _ := store.Get(ctx, b.ID)
	if gotA.Status != task.StatusDownloading {
		t.Fatalf("task a status = %s, want downloading", gotA.Status)
	}
	if gotB.Status != task.StatusFailed || gotB.ErrorMsg != "boom" {
		t.Fatalf("terminal task b mutated by batch flush: %+v", gotB)
	}
}
