package monitor_test

import (
	"strings"
	"sync"
	"testing"
	"time"

	"media-ingest/internal/domain/monitor"
	"media-ingest/internal/domain/task"
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

func TestProgressBar(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		percent int
		want    string
	}{
		{"empty", 0, "▱▱▱▱▱▱▱▱▱▱"},
		{"half", 50, "▰▰▰▰▰▱▱▱▱▱"},
		{"full", 100, "▰▰▰▰▰▰▰▰▰▰"},
		{"clampNegative", -5, "▱▱▱▱▱▱▱▱▱▱"},
		{"clampOvershoot", 140, "▰▰▰▰▰▰▰▰▰▰"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if got := monitor.ProgressBar(tc.percent); got != tc.want {
				t.Fatalf("ProgressBar(%d) = %q, want %q", tc.percent, got, tc.want)
			}
		})
	}
}

func TestRenderSingleActiveAndTerminal(t *testing.T) {
	t.Parallel()

	tk := &task.Task{FileName: "Demo.mp4", Status: task.StatusDownloading}
	p := task.Progress{Done: 512, Total: 1024, Action: "downloading"}

	text, err := monitor.RenderSingle(tk, p)
	if err != nil {
		t.Fatalf("RenderSingle() error: %v", err)
	}
	for _, want := range []string{"Demo.mp4", "50%", "512 B", "1.0 KB", "Загрузка"} {
		if !strings.Contains(text, want) {
			t.Fatalf("RenderSingle() = %q, missing %q", text, want)
		}
	}

	tk.Status = task.StatusFailed
	tk.ErrorMsg = "flood wait"
	text, err = monitor.RenderSingle(tk, p)
	if err != nil {
		t.Fatalf("RenderSingle() error: %v", err)
	}
	if !strings.Contains(text, "❌") || !strings.Contains(text, "flood wait") {
		t.Fatalf("RenderSingle(failed) = %q, want error view", text)
	}
}

func TestRenderBatchRecomputesFromRows(t *testing.T) {
	t.Parallel()

	rows := []*task.Task{
		{ID: 1, FileName: "a.mp4", Status: task.StatusCompleted},
		{ID: 2, FileName: "b.mp4", Status: task.StatusDownloading},
		{ID: 3, FileName: "c.mp4", Status: task.StatusQueued},
	}
	text, err := monitor.RenderBatch(rows, 2, task.Progress{Done: 30, Total: 100})
	if err != nil {
		t.Fatalf("RenderBatch() error: %v", err)
	}

	if !strings.Contains(text, "1/3") {
		t.Fatalf("RenderBatch() = %q, want 1/3 header", text)
	}
	if !strings.Contains(text, "✅ a.mp4") || !strings.Contains(text, "⏳ c.mp4") {
		t.Fatalf("RenderBatch() = %q, want status icons per row", text)
	}
	// Только задача в фокусе несёт прогресс-бар.
	if !strings.Contains(text, "b.mp4 ▰▰▰▱▱▱▱▱▱▱ 30%") {
		t.Fatalf("RenderBatch() = %q, want focused row with bar", text)
	}
	if strings.Count(text, "▰▰") != 1 {
		t.Fatalf("RenderBatch() = %q, want exactly one progress bar", text)
	}
}

func TestRefreshGateThrottles(t *testing.T) {
	t.Parallel()

	mc := &manualClock{now: time.Unix(1_700_000_000, 0)}
	gate := monitor.NewRefreshGate(2*time.Second, mc.Now)

	if !gate.Allow(300, false) {
		t.Fatal("first refresh dropped")
	}
	if gate.Allow(300, false) {
		t.Fatal("refresh within min interval not dropped")
	}

	// Другое сообщение троттлится независимо.
	if !gate.Allow(301, false) {
		t.Fatal("unrelated message throttled")
	}

	mc.advance(3 * time.Second)
	if !gate.Allow(300, false) {
		t.Fatal("refresh after min interval dropped")
	}
}

func TestRefreshGateTerminalBypass(t *testing.T) {
	t.Parallel()

	mc := &manualClock{now: time.Unix(1_700_000_000, 0)}
	gate := monitor.NewRefreshGate(time.Minute, mc.Now)

	if !gate.Allow(300, false) {
		t.Fatal("first refresh dropped")
	}
	// Терминальный статус проходит сквозь троттлинг немедленно.
	if !gate.Allow(300, true) {
		t.Fatal("terminal refresh dropped by throttle")
	}
}
