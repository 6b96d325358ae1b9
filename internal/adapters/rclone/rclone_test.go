package rclone_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"media-ingest/internal/adapters/rclone"
	"media-ingest/internal/domain/scheduler"
)

// writeFakeRclone кладёт скрипт-двойник rclone в TempDir и возвращает пути
// до бинаря и до файла с журналом аргументов.
func writeFakeRclone(t *testing.T, script string) (bin, argsLog string) {
	t.Helper()

	dir := t.TempDir()
	bin = filepath.Join(dir, "rclone")
	argsLog = filepath.Join(dir, "args.log")

	body := "#!/bin/sh\necho \"$@\" >> " + argsLog + "\n" + script
	if err := os.WriteFile(bin, []byte(body), 0o700); err != nil {
		t.Fatalf("write fake rclone: %v", err)
	}
	return bin, argsLog
}

func newTransfer(t *testing.T, bin string) *rclone.Transfer {
	t.Helper()

	tr, err := rclone.New(rclone.Options{Bin: bin, Remote: "drive:media", RPS: 100})
	if err != nil {
		t.Fatalf("rclone.New() error: %v", err)
	}
	return tr
}

func TestGetRemoteFileInfoParsesSize(t *testing.T) {
	t.Parallel()

	bin, _ := writeFakeRclone(t, `printf '[{"Name":"video.mp4","Size":2048}]\n'`)
	tr := newTransfer(t, bin)

	info, err := tr.GetRemoteFileInfo(context.Background(), "video.mp4", "u1")
	if err != nil {
		t.Fatalf("GetRemoteFileInfo() error: %v", err)
	}
	if info == nil || info.Size != 2048 {
		t.Fatalf("info = %+v, want size 2048", info)
	}
}

func TestGetRemoteFileInfoAbsentObject(t *testing.T) {
	t.Parallel()

	bin, _ := writeFakeRclone(t, `echo "2026/08/24 ERROR : directory not found" >&2; exit 3`)
	tr := newTransfer(t, bin)

	info, err := tr.GetRemoteFileInfo(context.Background(), "missing.mp4", "u1")
	if err != nil {
		t.Fatalf("absent object must not be an error, got: %v", err)
	}
	if info != nil {
		t.Fatalf("info = %+v, want nil for absent object", info)
	}
}

func TestUploadFileBuildsUserScopedPath(t *testing.T) {
	t.Parallel()

	bin, argsLog := writeFakeRclone(t, "exit 0")
	tr := newTransfer(t, bin)

	local := filepath.Join(t.TempDir(), "artifact.bin")
	if err := os.WriteFile(local, []byte("payload"), 0o600); err != nil {
		t.Fatalf("write local artifact: %v", err)
	}

	err := tr.UploadFile(context.Background(), scheduler.UploadRequest{
		LocalPath: local,
		Name:      "video.mp4",
		UserID:    "u1",
	})
	if err != nil {
		t.Fatalf("UploadFile() error: %v", err)
	}

	logged, err := os.ReadFile(argsLog)
	if err != nil {
		t.Fatalf("read args log: %v", err)
	}
	line := strings.TrimSpace(string(logged))
	if !strings.HasPrefix(line, "copyto ") || !strings.Contains(line, "drive:media/u1/video.mp4") {
		t.Fatalf("rclone invoked as %q, want copyto to drive:media/u1/video.mp4", line)
	}
}

func TestUploadBatchKeepsPerFileResults(t *testing.T) {
	t.Parallel()

	// Двойник падает только на назначении с "bad" в имени.
	bin, _ := writeFakeRclone(t, `case "$3" in *bad*) echo "copy failed" >&2; exit 1;; esac`)
	tr := newTransfer(t, bin)

	dir := t.TempDir()
	good := filepath.Join(dir, "good.bin")
	bad := filepath.Join(dir, "bad.bin")
	for _, p := range []string{good, bad} {
		if err := os.WriteFile(p, []byte("x"), 0o600); err != nil {
			t.Fatalf("write %s: %v", p, err)
		}
	}

	results := tr.UploadBatch(context.Background(), []scheduler.UploadRequest{
		{LocalPath: good, Name: "good.mp4", UserID: "u1"},
		{LocalPath: bad, Name: "bad.mp4", UserID: "u1"},
	})
	if len(results) != 2 {
		t.Fatalf("UploadBatch() returned %d results, want 2", len(results))
	}
	if results[0] != nil {
		t.Fatalf("good upload failed: %v", results[0])
	}
	if results[1] == nil || !strings.Contains(results[1].Error(), "copy failed") {
		t.Fatalf("bad upload error = %v, want stderr reason", results[1])
	}
}
