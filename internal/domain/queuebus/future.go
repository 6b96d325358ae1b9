// Package queuebus реализует топиковую шину сообщений с доставкой at-least-once:
// батчирование публикаций, идемпотентность по отпечатку, ретраи с бэкофом,
// circuit breaker на направление доставки и ограниченный dead-letter буфер.
// Этот файл содержит Future — одноразовый результат публикации.

package queuebus

import (
	"context"
	"sync"
)

// PublishResult — итог публикации одного сообщения.
//   - Fallback=true: breaker открыт, доставка не выполнялась; это не успех.
//   - Dropped=true: сообщение вытеснено из буфера политикой переполнения.
//   - Duplicate=true: отпечаток уже публиковался, доставка подавлена.
//   - Err!=nil: доставка окончательно провалена (ретраи исчерпаны или 4xx).
type PublishResult struct {
	Fallback  bool
	Dropped   bool
	Duplicate bool
	Err       error
}

// OK сообщает, завершилась ли публикация фактическим подтверждением брокера
// (или подавлением дубликата, что эквивалентно ранее подтверждённой доставке).
func (r PublishResult) OK() bool {
	return r.Err == nil && !r.Fallback && !r.Dropped
}

// Future — отложенный результат публикации. Резолвится ровно один раз;
// повторные resolve игнорируются. Ожидание уважает контекст.
type Future struct {
	once   sync.Once
	done   chan struct{}
	result PublishResult
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// resolve фиксирует результат. Только первый вызов имеет эффект.
func (f *Future) resolve(res PublishResult) {
	f.once.Do(func() {
		f.result = res
		close(f.done)
	})
}

// Wait блокируется до резолва или отмены контекста.
func (f *Future) Wait(ctx context.Context) (PublishResult, error) {
	select {
	case <-ctx.Done():
		return PublishResult{}, ctx.Err()
	case <-f.done:
		return f.result, nil
	}
}

// Done возвращает канал, закрываемый при резолве.
func (f *Future) Done() <-chan struct{} { return f.done }

// resolvedFuture — хелпер для синхронных исходов (дубликат, валидация).
func resolvedFuture(res PublishResult) *Future {
	f := newFuture()
	f.resolve(res)
	return f
}
