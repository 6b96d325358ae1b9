package scheduler

// Воркер выгрузки. Переносит скачанный артефакт на удалённый диск через
// UploadBatcher, верифицирует результат по фактическому дисковому имени и
// всегда удаляет локальный файл — даже при провале выгрузки.

import (
	"context"
	"fmt"

	"media-ingest/internal/domain/task"
	"media-ingest/internal/infra/logger"
	"media-ingest/internal/infra/storage"
)

func (s *Scheduler) runUpload(ctx context.Context, lt *liveTask) {
	row := lt.snapshotRow()
	if !s.active.TryAcquire(row.ID) {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("upload worker panic on task %d: %v", row.ID, r)
			s.markTerminal(ctx, lt, task.StatusFailed, fmt.Sprintf("worker panic: %v", r))
		}
		s.active.Release(row.ID)
	}()

	s.waitingUp.Remove(row.ID)

	held, err := s.locker.AcquireLock(ctx, claimKey(row.ID), s.claimTTL)
	if err != nil || !held {
		if err != nil {
			logger.Warnf("upload claim for task %d failed: %v", row.ID, err)
		}
		s.dropLive(row.ID)
		return
	}
	defer func() {
		if releaseErr := s.locker.ReleaseLock(ctx, claimKey(row.ID)); releaseErr != nil {
			logger.Warnf("release claim for task %d failed: %v", row.ID, releaseErr)
		}
	}()

	localPath, name := lt.file()

	// Отмена между фазами download и upload: финальный статус — cancelled.
	if lt.cancelled.Load() {
		s.markTerminal(ctx, lt, task.StatusCancelled, "")
		if localPath != "" {
			storage.RemoveQuiet(localPath)
		}
		return
	}

	if localPath == "" {
		// Задача восстановлена после рестарта: локального артефакта больше нет.
		s.markTerminal(ctx, lt, task.StatusFailed, "local artifact missing after restart")
		return
	}

	lt.setStatus(task.StatusUploading, "")
	s.pending.Add(row.ID, task.StatusUploading, "")
	s.onProgress(lt, task.Progress{TaskID: row.ID, Total: row.FileSize, Action: "uploading"})

	uploadErr := s.batcher.Enqueue(ctx, UploadRequest{
		LocalPath: localPath,
		Name:      name,
		UserID:    row.UserID,
	})

	// Локальный файл удаляется безусловно, ошибки удаления только логируются.
	storage.RemoveQuiet(localPath)

	if lt.cancelled.Load() {
		s.markTerminal(ctx, lt, task.StatusCancelled, "")
		return
	}
	if uploadErr != nil {
		s.markTerminal(ctx, lt, task.StatusFailed, fmt.Sprintf("upload: %v", uploadErr))
		return
	}

	// Верификация строго по дисковому имени артефакта.
	size := lt.snapshotRow().FileSize
	info, verifyErr := s.transfer.GetRemoteFileInfo(ctx, name, row.UserID)
	switch {
	case verifyErr != nil:
		s.markTerminal(ctx, lt, task.StatusFailed, fmt.Sprintf("verify: %v", verifyErr))
	case info == nil:
		s.markTerminal(ctx, lt, task.StatusFailed, "verify: remote object not found")
	case info.Size != size:
		s.markTerminal(ctx, lt, task.StatusFailed,
			fmt.Sprintf("verify: size mismatch, remote %d != local %d", info.Size, size))
	default:
		s.markTerminal(ctx, lt, task.StatusCompleted, "")
	}
}
