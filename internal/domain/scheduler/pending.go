package scheduler

// pendingUpdates — коалесценция не-терминальных обновлений статуса.
// Вместо записи в TaskStore на каждый чанк прогресса обновления копятся в
// карте task_id → последнее значение и уходят одним батчем раз в 10 секунд.
// Терминальные статусы в буфер не попадают: они пишутся синхронно.

import (
	"context"
	"sync"
	"time"

	"media-ingest/internal/domain/task"
	"media-ingest/internal/infra/clock"
	"media-ingest/internal/infra/logger"
	"media-ingest/internal/infra/taskstore"
)

// Интервалы буфера: флаш, уборка и максимальный возраст зависшей записи.
const (
	pendingFlushInterval = 10 * time.Second
	pendingSweepInterval = 5 * time.Minute
	pendingMaxAge        = 30 * time.Minute
)

// pendingEntry — последнее отложенное обновление одной задачи.
type pendingEntry struct {
	status   task.Status
	errorMsg string
	at       time.Time
}

// pendingBuffer потокобезопасен; latest-writer-wins в пределах окна флаша.
type pendingBuffer struct {
	mu      sync.Mutex
	entries map[int64]pendingEntry
	store   *taskstore.Store
	now     clock.Now
}

func newPendingBuffer(store *taskstore.Store, now clock.Now) *pendingBuffer {
	return &pendingBuffer{
		entries: make(map[int64]pendingEntry),
		store:   store,
		now:     now,
	}
}

// Add откладывает не-терминальное обновление. Терминальный статус — ошибка
// использования: такие записи идут в TaskStore напрямую.
func (p *pendingBuffer) Add(taskID int64, status task.Status, errorMsg string) {
	if status.IsTerminal() {
		logger.Warnf("pending buffer got terminal status %s for task %d, ignoring", status, taskID)
		return
	}
	p.mu.Lock()
	p.entries[taskID] = pendingEntry{status: status, errorMsg: errorMsg, at: p.now()}
	p.mu.Unlock()
}

// Drop снимает отложенное обновление задачи (задача достигла терминального
// статуса, догоняющая запись уже не нужна).
func (p *pendingBuffer) Drop(taskID int64) {
	p.mu.Lock()
	delete(p.entries, taskID)
	p.mu.Unlock()
}

// Flush пишет накопленный буфер одной транзакцией. Ошибка записи оставляет
// записи в буфере до следующего тика.
func (p *pendingBuffer) Flush(ctx context.Context) {
	p.mu.Lock()
	if len(p.entries) == 0 {
		p.mu.Unlock()
		return
	}
	snapshot := make(map[int64]pendingEntry, len(p.entries))
	updates := make([]taskstore.StatusUpdate, 0, len(p.entries))
	for id, entry := range p.entries {
		snapshot[id] = entry
		updates = append(updates, taskstore.StatusUpdate{
			TaskID:   id,
			Status:   entry.status,
			ErrorMsg: entry.errorMsg,
		})
	}
	p.mu.Unlock()

	if err := p.store.BatchUpdateStatus(ctx, updates); err != nil {
		logger.Warnf("pending buffer flush failed, will retry: %v", err)
		return
	}

	p.mu.Lock()
	for id, flushed := range snapshot {
		// Запись могла обновиться во время флаша; такую не трогаем.
		if entry, ok := p.entries[id]; ok && !entry.at.After(flushed.at) {
			delete(p.entries, id)
		}
	}
	p.mu.Unlock()
}

// Sweep удаляет записи старше pendingMaxAge — предохранитель от задач,
// чей воркер умер, не добравшись до терминального статуса.
func (p *pendingBuffer) Sweep() {
	deadline := p.now().Add(-pendingMaxAge)
	p.mu.Lock()
	for id, entry := range p.entries {
		if entry.at.Before(deadline) {
			logger.Warnf("pending buffer sweeps stale update for task %d (status %s)", id, entry.status)
			delete(p.entries, id)
		}
	}
	p.mu.Unlock()
}

// Len возвращает размер буфера (для тестов и статуса).
func (p *pendingBuffer) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
