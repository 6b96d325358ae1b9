package queuebus

// Circuit breaker направления доставки. Закрыт — вызовы идут; после
// failureThreshold подряд идущих ошибок открывается и коротит публикации в
// fallback-результат; по истечении timeout переходит в half-open и пропускает
// пробные вызовы; successThreshold подряд удачных проб закрывает его обратно.

import (
	"sync"
	"time"

	"media-ingest/internal/infra/clock"
	"media-ingest/internal/infra/logger"
)

// BreakerState — фаза автомата breaker-а.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// Параметры breaker-а по умолчанию.
const (
	defaultFailureThreshold = 5
	defaultSuccessThreshold = 2
	defaultBreakerTimeout   = 30 * time.Second
)

// CircuitBreaker — потокобезопасный автомат closed/open/half-open.
type CircuitBreaker struct {
	mu sync.Mutex

	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time

	failureThreshold int
	successThreshold int
	timeout          time.Duration
	now              clock.Now
}

// NewCircuitBreaker создаёт breaker в закрытом состоянии. Неположительные
// параметры заменяются значениями по умолчанию; now=nil — системное время.
func NewCircuitBreaker(failureThreshold, successThreshold int, timeout time.Duration, now clock.Now) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = defaultFailureThreshold
	}
	if successThreshold <= 0 {
		successThreshold = defaultSuccessThreshold
	}
	if timeout <= 0 {
		timeout = defaultBreakerTimeout
	}
	if now == nil {
		now = clock.System()
	}
	return &CircuitBreaker{
		state:            BreakerClosed,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		timeout:          timeout,
		now:              now,
	}
}

// Allow сообщает, можно ли выполнять вызов. В открытом состоянии по истечении
// timeout переводит автомат в half-open и пропускает пробный вызов.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if b.now().Sub(b.openedAt) >= b.timeout {
			b.state = BreakerHalfOpen
			b.successes = 0
			logger.Info("queuebus: circuit breaker half-open, probing")
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess учитывает удачный вызов: в half-open копит успехи до закрытия,
// в closed сбрасывает счётчик ошибок.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.successThreshold {
			b.state = BreakerClosed
			b.failures = 0
			b.successes = 0
			logger.Info("queuebus: circuit breaker closed")
		}
	default:
		b.failures = 0
	}
}

// RecordFailure учитывает ошибку: в half-open немедленно открывает снова,
// в closed открывает по достижении порога.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerHalfOpen:
		b.open()
	case BreakerClosed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.open()
		}
	}
}

// open переводит автомат в открытое состояние (вызывается под mu).
func (b *CircuitBreaker) open() {
	b.state = BreakerOpen
	b.openedAt = b.now()
	b.failures = 0
	b.successes = 0
	logger.Warn("queuebus: circuit breaker open, short-circuiting publishes")
}

// State возвращает текущую фазу автомата.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
