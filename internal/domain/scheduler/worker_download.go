package scheduler

// Воркер скачивания. Контракт: re-entry guard, claim-блокировка между
// репликами, ровно одна heartbeat-запись downloading на входе, шорткат
// sec-transfer, проверка флага отмены на каждом чекпоинте и безусловная
// уборка артефактов на любом пути выхода.

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"media-ingest/internal/domain/task"
	"media-ingest/internal/infra/logger"
	"media-ingest/internal/infra/storage"
)

// claimKey — ключ claim-блокировки задачи в KV.
func claimKey(taskID int64) string {
	return fmt.Sprintf("task:%d", taskID)
}

// opaqueName генерирует непрозрачное имя артефакта на диске, сохраняя
// расширение исходного файла. Два рендера одного медиа могут дать разные
// «красивые» имена, поэтому дисковое имя — единственный надёжный идентификатор.
func opaqueName(fileName string) string {
	return uuid.NewString() + filepath.Ext(fileName)
}

func (s *Scheduler) runDownload(ctx context.Context, lt *liveTask) {
	row := lt.snapshotRow()
	if !s.active.TryAcquire(row.ID) {
		// Задачу уже обрабатывает другой воркер этой реплики.
		return
	}

	localPath := ""
	handoff := false
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("download worker panic on task %d: %v", row.ID, r)
			s.markTerminal(ctx, lt, task.StatusFailed, fmt.Sprintf("worker panic: %v", r))
			if localPath != "" {
				storage.RemoveQuiet(localPath)
			}
		}
		s.active.Release(row.ID)
		// Передача в очередь выгрузки — строго после снятия claim и re-entry
		// guard: upload-воркер, упёршийся в ещё занятый guard, молча бросает
		// задачу, и она виснет в downloading до внешнего восстановления.
		if handoff {
			s.enqueueUpload(lt)
		}
	}()

	s.waiting.Remove(row.ID)

	held, err := s.locker.AcquireLock(ctx, claimKey(row.ID), s.claimTTL)
	if err != nil {
		logger.Warnf("claim for task %d failed: %v", row.ID, err)
		s.dropLive(row.ID)
		return
	}
	if !held {
		// Задачу держит другая реплика — попытка просто отбрасывается.
		logger.Debugf("task %d is claimed elsewhere, dropping attempt", row.ID)
		s.dropLive(row.ID)
		return
	}
	defer func() {
		if releaseErr := s.locker.ReleaseLock(ctx, claimKey(row.ID)); releaseErr != nil {
			logger.Warnf("release claim for task %d failed: %v", row.ID, releaseErr)
		}
	}()

	if lt.cancelled.Load() {
		s.markTerminal(ctx, lt, task.StatusCancelled, "")
		return
	}

	// Heartbeat: единственная синхронная запись downloading. Дальше прогресс
	// идёт только через pendingUpdates и правки UI.
	changed, err := s.store.UpdateStatus(ctx, row.ID, task.StatusDownloading, "")
	if err != nil {
		logger.Warnf("heartbeat write for task %d failed: %v", row.ID, err)
	}
	if err == nil && !changed {
		// Строка уже терминальна: отменена или закрыта другой репликой.
		s.dropLive(row.ID)
		return
	}
	lt.setStatus(task.StatusDownloading, "")
	if claimErr := s.store.SetClaim(ctx, row.ID, s.locker.InstanceID()); claimErr != nil {
		logger.Warnf("set claim owner for task %d failed: %v", row.ID, claimErr)
	}

	// Sec-transfer: удалённый диск уже содержит объект с тем же именем и
	// размером — скачивание не нужно, диск не трогаем.
	if info, infoErr := s.transfer.GetRemoteFileInfo(ctx, row.FileName, row.UserID); infoErr == nil &&
		info != nil && info.Size > 0 && info.Size == lt.media.Size {
		logger.Infof("task %d: remote already holds %s (%d bytes), sec-transfer", row.ID, row.FileName, info.Size)
		s.markTerminal(ctx, lt, task.StatusCompleted, "")
		return
	}

	if lt.cancelled.Load() {
		s.markTerminal(ctx, lt, task.StatusCancelled, "")
		return
	}

	// Отмена посреди потока: CancelTask рвёт контекст скачивания, не дожидаясь,
	// пока многогигабайтный файл дольётся до конца.
	dlCtx, stopDownload := context.WithCancel(ctx)
	lt.setAbort(stopDownload)

	localPath = filepath.Join(s.downloadDir, opaqueName(row.FileName))
	downloadErr := s.source.DownloadMedia(dlCtx, lt.media, localPath, func(done, total int64) {
		s.onProgress(lt, task.Progress{
			TaskID: row.ID,
			Done:   done,
			Total:  total,
			Action: "downloading",
		})
	})
	lt.setAbort(nil)
	stopDownload()

	if lt.cancelled.Load() {
		s.markTerminal(ctx, lt, task.StatusCancelled, "")
		storage.RemoveQuiet(localPath)
		return
	}
	if downloadErr != nil {
		s.markTerminal(ctx, lt, task.StatusFailed, fmt.Sprintf("download: %v", downloadErr))
		storage.RemoveQuiet(localPath)
		return
	}

	fi, statErr := os.Stat(localPath)
	if statErr != nil {
		s.markTerminal(ctx, lt, task.StatusFailed, fmt.Sprintf("downloaded artifact missing: %v", statErr))
		return
	}

	// Дисковое имя и фактический размер становятся истиной для верификации.
	name := filepath.Base(localPath)
	lt.setFile(localPath, name, fi.Size())
	if fileErr := s.store.UpdateFile(ctx, row.ID, name, fi.Size()); fileErr != nil {
		logger.Warnf("file info write for task %d failed: %v", row.ID, fileErr)
	}

	lt.setStatus(task.StatusDownloaded, "")
	s.pending.Add(row.ID, task.StatusDownloaded, "")
	handoff = true
}
