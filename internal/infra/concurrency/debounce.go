// Package concurrency — утилиты для безопасного конкурентного исполнения.
// В этом файле реализован Debouncer — коалесцирование частых событий по ключу.
// Правки прогресс-сообщений приходят чаще, чем Telegram позволяет редактировать,
// поэтому для каждого msg_id выполняется только последний вызов в окне.
package concurrency

import (
	"sync"
	"time"
)

// Debouncer откладывает выполнение функции по ключу: каждый новый Trigger
// для того же ключа сбрасывает таймер и заменяет отложенную функцию.
// Выполняется только последняя версия. Потокобезопасен.
type Debouncer struct {
	mu       sync.Mutex
	interval time.Duration
	pending  map[string]*time.Timer
	fns      map[string]func()
	stopped  bool
}

// NewDebouncer создаёт дебаунсер с заданным интервалом коалесцирования.
func NewDebouncer(interval time.Duration) *Debouncer {
	return &Debouncer{
		interval: interval,
		pending:  make(map[string]*time.Timer),
		fns:      make(map[string]func()),
	}
}

// Trigger планирует выполнение fn через интервал дебаунса. Повторный вызов с
// тем же ключом до срабатывания заменяет функцию и перезапускает отсчёт.
func (d *Debouncer) Trigger(key string, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	d.fns[key] = fn
	if timer, ok := d.pending[key]; ok {
		timer.Reset(d.interval)
		return
	}
	d.pending[key] = time.AfterFunc(d.interval, func() { d.fire(key) })
}

// fire выполняет отложенную функцию ключа и снимает его с учёта.
func (d *Debouncer) fire(key string) {
	d.mu.Lock()
	fn := d.fns[key]
	delete(d.fns, key)
	delete(d.pending, key)
	d.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// Flush немедленно выполняет отложенную функцию ключа, не дожидаясь таймера.
// Нужен при переходе задачи в терминальный статус: финальное состояние UI
// должно уйти сразу.
func (d *Debouncer) Flush(key string) {
	d.mu.Lock()
	timer, ok := d.pending[key]
	d.mu.Unlock()

	if ok && timer.Stop() {
		d.fire(key)
	}
}

// Stop отменяет все отложенные вызовы и запрещает новые. Уже начавшие
// выполняться функции не прерываются.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	for key, timer := range d.pending {
		timer.Stop()
		delete(d.pending, key)
		delete(d.fns, key)
	}
}
