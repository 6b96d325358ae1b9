package task_test

import (
	"testing"

	"media-ingest/internal/domain/task"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		from task.Status
		to   task.Status
		want bool
	}{
		{"claim", task.StatusQueued, task.StatusDownloading, true},
		{"downloadOK", task.StatusDownloading, task.StatusDownloaded, true},
		{"secTransferShortcut", task.StatusDownloading, task.StatusCompleted, true},
		{"downloadErr", task.StatusDownloading, task.StatusFailed, true},
		{"cancelDuringDownload", task.StatusDownloading, task.StatusCancelled, true},
		{"claimUpload", task.StatusDownloaded, task.StatusUploading, true},
		{"cancelBetweenPhases", task.StatusDownloaded, task.StatusCancelled, true},
		{"uploadOK", task.StatusUploading, task.StatusCompleted, true},
		{"uploadErr", task.StatusUploading, task.StatusFailed, true},
		{"skipDownload", task.StatusQueued, task.StatusDownloaded, false},
		{"reviveCompleted", task.StatusCompleted, task.StatusQueued, false},
		{"reviveFailed", task.StatusFailed, task.StatusDownloading, false},
		{"reviveCancelled", task.StatusCancelled, task.StatusQueued, false},
		{"backwards", task.StatusUploading, task.StatusDownloaded, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if got := task.CanTransition(tc.from, tc.to); got != tc.want {
				t.Fatalf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
			}
		})
	}
}

func TestStatusIsTerminal(t *testing.T) {
	t.Parallel()

	terminal := []task.Status{task.StatusCompleted, task.StatusFailed, task.StatusCancelled}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("Status %s must be terminal", s)
		}
		if len(task.Transitions[s]) != 0 {
			t.Errorf("terminal status %s must have no outgoing transitions", s)
		}
	}

	live := []task.Status{task.StatusQueued, task.StatusDownloading, task.StatusDownloaded, task.StatusUploading}
	for _, s := range live {
		if s.IsTerminal() {
			t.Errorf("Status %s must not be terminal", s)
		}
	}
}

func TestProgressPercent(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		p    task.Progress
		want int
	}{
		{"zeroTotal", task.Progress{Done: 10, Total: 0}, 0},
		{"half", task.Progress{Done: 512, Total: 1024}, 50},
		{"full", task.Progress{Done: 1024, Total: 1024}, 100},
		{"overshoot", task.Progress{Done: 2048, Total: 1024}, 100},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if got := tc.p.Percent(); got != tc.want {
				t.Fatalf("Percent() = %d, want %d", got, tc.want)
			}
		})
	}
}
