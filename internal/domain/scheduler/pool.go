package scheduler

// workerPool — ограниченный пул воркеров с изменяемой на лету конкурентностью.
// Каждый воркер — горутина со своим stop-каналом; SetConcurrency доращивает
// или гасит воркеров в пределах [min, max]. Очередь — буферизованный канал.

import (
	"context"
	"sync"

	"media-ingest/internal/infra/logger"
)

// queueCapacity — ёмкость очереди задач пула.
const queueCapacity = 256

type workerPool struct {
	name string
	run  func(ctx context.Context, lt *liveTask)

	mu    sync.Mutex
	stops []chan struct{}
	min   int
	max   int

	queue chan *liveTask
	ctx   context.Context
	wg    sync.WaitGroup
}

func newWorkerPool(name string, minWorkers, maxWorkers int, run func(ctx context.Context, lt *liveTask)) *workerPool {
	if minWorkers < 1 {
		minWorkers = 1
	}
	if maxWorkers < minWorkers {
		maxWorkers = minWorkers
	}
	return &workerPool{
		name:  name,
		run:   run,
		min:   minWorkers,
		max:   maxWorkers,
		queue: make(chan *liveTask, queueCapacity),
	}
}

// Start поднимает минимальное число воркеров.
func (p *workerPool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.ctx = ctx
	for len(p.stops) < p.min {
		p.spawnLocked()
	}
}

// Stop дожидается завершения всех воркеров. Задачи, оставшиеся в очереди,
// не обрабатываются: их переподнимет Init после рестарта.
func (p *workerPool) Stop() {
	p.mu.Lock()
	for _, stop := range p.stops {
		close(stop)
	}
	p.stops = nil
	p.mu.Unlock()
	p.wg.Wait()
}

// Enqueue ставит задачу в очередь пула. false — очередь переполнена.
func (p *workerPool) Enqueue(lt *liveTask) bool {
	select {
	case p.queue <- lt:
		return true
	default:
		logger.Warnf("%s pool queue is full, rejecting task %d", p.name, lt.row.ID)
		return false
	}
}

// SetConcurrency меняет число воркеров, зажимая его в [min, max].
func (p *workerPool) SetConcurrency(n int) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n < p.min {
		n = p.min
	}
	if n > p.max {
		n = p.max
	}
	for len(p.stops) < n {
		p.spawnLocked()
	}
	for len(p.stops) > n {
		last := len(p.stops) - 1
		close(p.stops[last])
		p.stops = p.stops[:last]
	}
	logger.Debugf("%s pool concurrency set to %d", p.name, n)
	return n
}

// Concurrency возвращает текущее число воркеров.
func (p *workerPool) Concurrency() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.stops)
}

// spawnLocked поднимает одного воркера (вызывается под mu после Start).
func (p *workerPool) spawnLocked() {
	stop := make(chan struct{})
	p.stops = append(p.stops, stop)
	ctx := p.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	p.wg.Go(func() {
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case lt := <-p.queue:
				p.run(ctx, lt)
			}
		}
	})
}
