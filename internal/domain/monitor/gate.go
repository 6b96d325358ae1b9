package monitor

// RefreshGate — троттлинг правок прогресс-сообщений. Для каждого msg_id
// хранится момент последнего обновления; запрос отбрасывается, если с него
// прошло меньше минимального интервала. Обновления с терминальным статусом
// проходят всегда: финальное состояние не имеет права потеряться.

import (
	"sync"
	"time"

	"media-ingest/internal/infra/clock"
)

// RefreshGate потокобезопасен.
type RefreshGate struct {
	mu          sync.Mutex
	lastRefresh map[int]time.Time
	minInterval time.Duration
	now         clock.Now
}

// NewRefreshGate создаёт троттлер с минимальным интервалом между правками
// одного сообщения. now=nil — системное время.
func NewRefreshGate(minInterval time.Duration, now clock.Now) *RefreshGate {
	if now == nil {
		now = clock.System()
	}
	return &RefreshGate{
		lastRefresh: make(map[int]time.Time),
		minInterval: minInterval,
		now:         now,
	}
}

// Allow решает, выполнять ли обновление сообщения msgID. terminal=true всегда
// пропускается. Разрешённое обновление фиксирует новую отметку времени.
func (g *RefreshGate) Allow(msgID int, terminal bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if !terminal {
		if last, ok := g.lastRefresh[msgID]; ok && now.Sub(last) < g.minInterval {
			return false
		}
	}
	g.lastRefresh[msgID] = now
	return true
}

// Forget снимает сообщение с учёта (задача завершена, правок больше не будет).
func (g *RefreshGate) Forget(msgID int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.lastRefresh, msgID)
}
