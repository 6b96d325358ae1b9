package scheduler

// UploadBatcher коалесцирует одно-файловые выгрузки в один вызов
// transfer-утилиты. Батч флашится по размеру либо по возрасту — что наступит
// раньше. Каждая позиция батча получает свой результат ровно один раз; провал
// флаша резолвит все позиции ошибкой, неявных ретраев нет — решение о повторе
// принимает планировщик через обычную обработку провала задачи.

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"

	"media-ingest/internal/infra/clock"
	"media-ingest/internal/infra/logger"
)

// Значения по умолчанию батчера выгрузки.
const (
	defaultBatchMaxSize = 4
	defaultBatchMaxAge  = 3 * time.Second
)

// batchEntry — одна позиция батча; done получает ровно один результат.
type batchEntry struct {
	req  UploadRequest
	done chan error
}

type uploadBatcher struct {
	transfer Transfer
	maxSize  int
	maxAge   time.Duration
	now      clock.Now

	mu      sync.Mutex
	entries []*batchEntry
	firstAt time.Time

	flushCh chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	runOnce sync.Once
}

func newUploadBatcher(maxSize int, maxAge time.Duration, transfer Transfer, now clock.Now) *uploadBatcher {
	if maxSize <= 0 {
		maxSize = defaultBatchMaxSize
	}
	if maxAge <= 0 {
		maxAge = defaultBatchMaxAge
	}
	return &uploadBatcher{
		transfer: transfer,
		maxSize:  maxSize,
		maxAge:   maxAge,
		now:      now,
		flushCh:  make(chan struct{}, 1),
	}
}

// Start поднимает цикл флаша; повторный вызов игнорируется.
func (b *uploadBatcher) Start(ctx context.Context) {
	b.runOnce.Do(func() {
		b.ctx, b.cancel = context.WithCancel(ctx)
		b.wg.Go(b.loop)
	})
}

// Stop останавливает цикл и синхронно флашит остаток батча.
func (b *uploadBatcher) Stop() {
	if b.cancel == nil {
		return
	}
	b.cancel()
	b.wg.Wait()
	b.flush(context.Background())
}

// Enqueue ставит файл в батч и блокируется до результата его выгрузки.
// Вызывается из воркеров выгрузки: их конкурентность и есть предел
// параллелизма ожиданий.
func (b *uploadBatcher) Enqueue(ctx context.Context, req UploadRequest) error {
	entry := &batchEntry{req: req, done: make(chan error, 1)}

	b.mu.Lock()
	if len(b.entries) == 0 {
		b.firstAt = b.now()
	}
	b.entries = append(b.entries, entry)
	full := len(b.entries) >= b.maxSize
	b.mu.Unlock()

	if full {
		select {
		case b.flushCh <- struct{}{}:
		default:
		}
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-entry.done:
		return err
	}
}

// loop — флаш по сигналу размера и по возрасту батча.
func (b *uploadBatcher) loop() {
	ticker := time.NewTicker(b.maxAge / 2)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-b.flushCh:
			b.flush(b.ctx)
		case <-ticker.C:
			b.mu.Lock()
			aged := len(b.entries) > 0 && b.now().Sub(b.firstAt) >= b.maxAge
			b.mu.Unlock()
			if aged {
				b.flush(b.ctx)
			}
		}
	}
}

// flush забирает накопленный батч и выгружает его одним вызовом. Результаты
// раздаются позициям поштучно; каждая позиция завершится ровно один раз.
func (b *uploadBatcher) flush(ctx context.Context) {
	b.mu.Lock()
	batch := b.entries
	b.entries = nil
	b.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	if len(batch) == 1 {
		batch[0].done <- b.transfer.UploadFile(ctx, batch[0].req)
		return
	}

	reqs := make([]UploadRequest, 0, len(batch))
	for _, entry := range batch {
		reqs = append(reqs, entry.req)
	}
	logger.Debugf("upload batcher: flushing %d files in one invocation", len(reqs))

	results := b.transfer.UploadBatch(ctx, reqs)
	for i, entry := range batch {
		if i < len(results) {
			entry.done <- results[i]
		} else {
			// Транспорт вернул усечённый результат — считаем позицию проваленной.
			entry.done <- errors.New("upload batch returned truncated results")
		}
	}
}
