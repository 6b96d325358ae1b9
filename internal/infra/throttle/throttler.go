package throttle

// Package throttle — общий механизм ограничения скорости и повторных попыток
// для внешних интеграций (правки сообщений Telegram, вызовы transfer-утилиты).
// В основе — токен-бакет x/time/rate и экспоненциальный backoff с джиттером.
// Серверные указания подождать (retry_after, FLOOD_WAIT) извлекаются через
// настраиваемые WaitExtractor; интерфейс StopRetryer немедленно прекращает
// ретраи. Do может вызываться параллельно.

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"golang.org/x/time/rate"
)

// burstMultiplier задаёт burst по умолчанию как кратный rate: кратковременно
// допускается до 2*rate операций в секунду.
const burstMultiplier = 2

// WaitExtractor анализирует ошибку и, при необходимости, возвращает длительность
// ожидания. Булев флаг показывает, что экстрактор распознал формат ошибки.
// Экстракторы вызываются последовательно; первый совпавший определяет паузу.
type WaitExtractor func(err error) (time.Duration, bool)

// StopRetryer объявляет необходимость немедленно прекратить повторные попытки.
// Любая ошибка, реализующая этот интерфейс, возвращается вызывающему без задержек.
type StopRetryer interface {
	StopRetry() bool
}

// Option задаёт дополнительные параметры троттлера при создании.
type Option func(*Throttler)

// WithMaxRetries ограничивает количество повторных попыток. Значение <=0
// означает отсутствие ограничения.
func WithMaxRetries(maxRetries int) Option {
	return func(t *Throttler) {
		t.maxRetries = maxRetries
	}
}

// WithBurst переопределяет ёмкость токен-бакета.
func WithBurst(burst int) Option {
	return func(t *Throttler) {
		if burst > 0 {
			t.setBurst(burst)
		}
	}
}

// WithWaitExtractors регистрирует набор экстракторов серверных задержек.
func WithWaitExtractors(extractors ...WaitExtractor) Option {
	return func(t *Throttler) {
		t.waitExtractors = append(t.waitExtractors, extractors...)
	}
}

// WithRandom позволяет задать функцию генерации случайных чисел (для тестов).
func WithRandom(fn func() float64) Option {
	return func(t *Throttler) {
		if fn != nil {
			t.randomFn = fn
		}
	}
}

// Throttler сочетает токен-бакет и стратегию повторных попыток с экспоненциальным
// бэкофом. Потокобезопасен: limiter сам сериализует доступ, остальные поля
// неизменяемы после New.
type Throttler struct {
	limiter        *rate.Limiter
	waitExtractors []WaitExtractor
	maxRetries     int
	randomFn       func() float64
}

// New создаёт троттлер с частотой rps (операций/сек). По умолчанию
// burst = 2*rps с нижней границей 1 и без лимита ретраев.
func New(rps int, opts ...Option) *Throttler {
	if rps <= 0 {
		rps = 1
	}

	t := &Throttler{
		limiter:    burstDefault(rps),
		maxRetries: -1,
		randomFn:   rand.Float64,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// burstDefault возвращает limiter с дефолтным burst для заданного rps.
func burstDefault(rps int) *rate.Limiter {
	burst := rps * burstMultiplier
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// burst пересоздаёт limiter c той же частотой и новой ёмкостью (только из Option).
func (t *Throttler) setBurst(burst int) {
	t.limiter = rate.NewLimiter(t.limiter.Limit(), burst)
}

// Do выполняет функцию fn с лимитами токен-бакета и ретраями.
// Алгоритм:
//  1. ждём токен (с уважением к ctx);
//  2. вызываем fn;
//  3. если err: StopRetryer → вернуть сразу; контекст сорван → вернуть;
//     extractor дал паузу → подождать и повторить без роста attempt;
//     иначе экспоненциальный backoff с джиттером, учитывая лимит ретраев.
//
// Возвращает nil при успехе либо последнюю ошибку при исчерпании стратегии.
func (t *Throttler) Do(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	attempt := 0
	for {
		if err := t.limiter.Wait(ctx); err != nil {
			return err
		}

		callErr := fn()
		if callErr == nil {
			return nil
		}

		var stopper StopRetryer
		waitDur, hasWait := t.extractWait(callErr)

		switch {
		case errors.As(callErr, &stopper) && stopper.StopRetry():
			return callErr

		case errors.Is(callErr, context.Canceled) || errors.Is(callErr, context.DeadlineExceeded):
			return callErr

		case hasWait:
			// Сервер велел подождать — ждём и повторяем без роста attempt.
			if wErr := sleepCtx(ctx, waitDur); wErr != nil {
				return wErr
			}
			continue
		}

		if t.maxRetries > 0 && attempt >= t.maxRetries {
			return fmt.Errorf("throttle: max retries reached (%d): last error: %w", t.maxRetries, callErr)
		}

		sleep := t.expBackoff(attempt)
		attempt++
		if wErr := sleepCtx(ctx, sleep); wErr != nil {
			return wErr
		}
	}
}

// extractWait запускает WaitExtractor по цепочке и возвращает первую распознанную паузу.
func (t *Throttler) extractWait(err error) (time.Duration, bool) {
	for _, extractor := range t.waitExtractors {
		if extractor == nil {
			continue
		}
		if wait, ok := extractor(err); ok {
			return wait, true
		}
	}
	return 0, false
}

// expBackoff вычисляет задержку 2^attempt секунд, ограниченную 60с и умноженную
// на джиттер из диапазона [0.85..1.15].
func (t *Throttler) expBackoff(attempt int) time.Duration {
	const (
		jitterRange = 0.3
		jitterMin   = 0.85
		maxSeconds  = 60.0
		basePower   = 2.0
	)

	base := math.Pow(basePower, float64(attempt))
	if base > maxSeconds {
		base = maxSeconds
	}

	jitter := t.randomFn()*jitterRange + jitterMin
	return time.Duration(base * jitter * float64(time.Second))
}

// sleepCtx ждёт duration или отмену контекста.
func sleepCtx(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}

	timer := time.NewTimer(duration)
	defer func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
