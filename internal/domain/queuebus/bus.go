package queuebus

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/errors"
	lru "github.com/hashicorp/golang-lru/v2"

	"media-ingest/internal/infra/clock"
	"media-ingest/internal/infra/logger"
)

// Топики шины.
const (
	TopicDownload     = "download"
	TopicUpload       = "upload"
	TopicSystemEvents = "system-events"
	TopicMediaBatch   = "media-batch"
)

// Параметры по умолчанию.
const (
	defaultBatchSize     = 10
	defaultBatchTimeout  = 2 * time.Second
	defaultMaxBuffer     = 500
	defaultDeadCapacity  = 256
	idempotencyCacheSize = 1024

	// publishAttempts — общее число попыток доставки одного сообщения.
	publishAttempts = 3

	// overflowDropDivisor: при переполнении буфера вытесняется 1/10 самых старых записей.
	overflowDropDivisor = 10
)

// Envelope — элемент батч-публикации.
type Envelope struct {
	Topic string          `json:"topic"`
	Body  json.RawMessage `json:"body"`
}

// PublishOptions — опции одной публикации.
type PublishOptions struct {
	// ForceDirect обходит буфер батчирования и доставляет сообщение немедленно.
	ForceDirect bool
	// CallerContext попадает в метаданные, когда включён debug-режим шины.
	CallerContext string
}

// wireMeta — метаданные, добавляемые к каждому исходящему сообщению.
type wireMeta struct {
	TriggerSource string `json:"trigger_source"`
	Instance      string `json:"instance"`
	Timestamp     int64  `json:"timestamp"`
	CallerContext string `json:"caller_context,omitempty"`
}

// wireMessage — формат сообщения на проводе.
type wireMessage struct {
	Payload json.RawMessage `json:"payload"`
	Meta    wireMeta        `json:"meta"`
}

// Options — зависимости и параметры шины. Clock допускает внедрение времени в
// тестах; по умолчанию time.Now.
type Options struct {
	Broker        Broker
	Breaker       *CircuitBreaker
	BatchSize     int
	BatchTimeout  time.Duration
	MaxBuffer     int
	DeadCapacity  int
	TriggerSource string
	InstanceID    string
	DebugContext  bool
	Clock         clock.Now

	// RetryInitialInterval — начальный шаг экспоненциального бэкофа доставки.
	RetryInitialInterval time.Duration
}

// bufEntry — сообщение, ожидающее в буфере батчирования.
type bufEntry struct {
	topic       string
	wire        []byte
	fingerprint string
	future      *Future
}

// topicBuffer — накопитель одного топика; firstAt — время постановки самой
// старой записи, по нему считается возраст батча.
type topicBuffer struct {
	entries []*bufEntry
	firstAt time.Time
}

// Bus — шина публикаций. Потокобезопасна; жизненный цикл Start/Stop.
type Bus struct {
	broker       Broker
	breaker      *CircuitBreaker
	dead         *DeadLetter
	idempotency  *lru.Cache[string, struct{}]
	batchSize    int
	batchTimeout time.Duration
	maxBuffer    int
	trigger      string
	instance     string
	debugCtx     bool
	now          clock.Now
	retryBase    time.Duration

	mu      sync.Mutex
	buffers map[string]*topicBuffer

	flushCh chan string
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	runOnce sync.Once
}

// instanceIDPrefixLen — сколько символов instance_id попадает в метаданные.
const instanceIDPrefixLen = 8

// New создаёт шину. Broker обязателен; остальные параметры имеют значения по
// умолчанию. Не запускает фоновые циклы: для старта используйте Start().
func New(opts Options) (*Bus, error) {
	if opts.Broker == nil {
		return nil, errors.New("queuebus: broker is nil")
	}

	nowFn := opts.Clock
	if nowFn == nil {
		nowFn = clock.System()
	}
	breaker := opts.Breaker
	if breaker == nil {
		breaker = NewCircuitBreaker(0, 0, 0, nowFn)
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	batchTimeout := opts.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = defaultBatchTimeout
	}
	maxBuffer := opts.MaxBuffer
	if maxBuffer <= 0 {
		maxBuffer = defaultMaxBuffer
	}
	deadCapacity := opts.DeadCapacity
	if deadCapacity <= 0 {
		deadCapacity = defaultDeadCapacity
	}
	trigger := opts.TriggerSource
	if trigger == "" {
		trigger = "scheduler"
	}
	retryBase := opts.RetryInitialInterval
	if retryBase <= 0 {
		retryBase = 200 * time.Millisecond
	}

	cache, err := lru.New[string, struct{}](idempotencyCacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "build idempotency cache")
	}

	instance := opts.InstanceID
	if len(instance) > instanceIDPrefixLen {
		instance = instance[:instanceIDPrefixLen]
	}

	return &Bus{
		broker:       opts.Broker,
		breaker:      breaker,
		dead:         NewDeadLetter(deadCapacity, nowFn),
		idempotency:  cache,
		batchSize:    batchSize,
		batchTimeout: batchTimeout,
		maxBuffer:    maxBuffer,
		trigger:      trigger,
		instance:     instance,
		debugCtx:     opts.DebugContext,
		now:          nowFn,
		retryBase:    retryBase,
		buffers:      make(map[string]*topicBuffer),
		flushCh:      make(chan string, 16),
	}, nil
}

// Start запускает цикл батчирования; повторный вызов безопасно игнорируется.
func (b *Bus) Start(ctx context.Context) {
	b.runOnce.Do(func() {
		b.ctx, b.cancel = context.WithCancel(ctx)
		b.wg.Go(b.flushLoop)
	})
}

// Stop останавливает цикл и синхронно доставляет всё, что осталось в буферах.
// Вызывать после Start; потерянных futures после возврата не остаётся.
func (b *Bus) Stop() {
	if b.cancel == nil {
		return
	}
	b.cancel()
	b.wg.Wait()
	b.flushAll(context.Background())
}

// Publish ставит сообщение в очередь публикации и возвращает future, который
// резолвится подтверждением брокера, дубликатом, дропом или ошибкой.
func (b *Bus) Publish(ctx context.Context, topic string, body json.RawMessage, opts PublishOptions) *Future {
	if err := validateMessage(topic, body); err != nil {
		return resolvedFuture(PublishResult{Err: err})
	}

	entry, err := b.buildEntry(topic, body, opts.CallerContext)
	if err != nil {
		return resolvedFuture(PublishResult{Err: err})
	}

	// Недавно подтверждённый отпечаток — повторная доставка подавляется.
	if _, seen := b.idempotency.Get(entry.fingerprint); seen {
		logger.Debugf("queuebus: duplicate publish suppressed (topic=%s)", topic)
		return resolvedFuture(PublishResult{Duplicate: true})
	}

	if opts.ForceDirect {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.deliver(ctx, entry)
		}()
		return entry.future
	}

	b.enqueue(entry)
	return entry.future
}

// BatchPublish валидирует весь батч синхронно и ставит сообщения в общий буфер.
// Малформленный элемент проваливает вызов целиком с указанием индекса.
func (b *Bus) BatchPublish(ctx context.Context, envelopes []Envelope) ([]*Future, error) {
	for i, env := range envelopes {
		if err := validateMessage(env.Topic, env.Body); err != nil {
			return nil, errors.Wrapf(err, "batch message %d", i)
		}
	}

	futures := make([]*Future, 0, len(envelopes))
	for _, env := range envelopes {
		futures = append(futures, b.Publish(ctx, env.Topic, env.Body, PublishOptions{}))
	}
	return futures, nil
}

// DeadLetters открывает доступ к dead-letter буферу (list/retry/clear в HTTP-слое).
func (b *Bus) DeadLetters() *DeadLetter { return b.dead }

// RetryDead повторно доставляет запись dead-letter по id, минуя буфер и
// идемпотентность (ручной повтор не должен подавляться). Возвращает future.
func (b *Bus) RetryDead(ctx context.Context, id int64) (*Future, error) {
	entry, ok := b.dead.Take(id)
	if !ok {
		return nil, errors.Errorf("dead-letter entry %d not found", id)
	}
	e := &bufEntry{topic: entry.Topic, wire: entry.Body, future: newFuture()}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.deliver(ctx, e)
	}()
	return e.future, nil
}

// validateMessage — синхронная проверка обязательных полей публикации.
func validateMessage(topic string, body json.RawMessage) error {
	if topic == "" {
		return errors.New("queuebus: topic is required")
	}
	if len(body) == 0 {
		return errors.New("queuebus: message body is required")
	}
	if !json.Valid(body) {
		return errors.New("queuebus: message body is not valid JSON")
	}
	return nil
}

// buildEntry оборачивает полезную нагрузку в wire-формат с метаданными и
// считает отпечаток по топику и каноничному телу (без метаданных: timestamp
// не должен менять идентичность сообщения).
func (b *Bus) buildEntry(topic string, body json.RawMessage, callerContext string) (*bufEntry, error) {
	meta := wireMeta{
		TriggerSource: b.trigger,
		Instance:      b.instance,
		Timestamp:     b.now().Unix(),
	}
	if b.debugCtx && callerContext != "" {
		meta.CallerContext = callerContext
	}

	wire, err := json.Marshal(wireMessage{Payload: body, Meta: meta})
	if err != nil {
		return nil, errors.Wrap(err, "marshal wire message")
	}

	sum := sha256.Sum256(append([]byte(topic+":"), body...))
	return &bufEntry{
		topic:       topic,
		wire:        wire,
		fingerprint: hex.EncodeToString(sum[:]),
		future:      newFuture(),
	}, nil
}

// enqueue добавляет запись в буфер топика, применяя политику переполнения, и
// сигналит флаш при достижении размера батча.
func (b *Bus) enqueue(entry *bufEntry) {
	b.mu.Lock()
	buf, ok := b.buffers[entry.topic]
	if !ok {
		buf = &topicBuffer{}
		b.buffers[entry.topic] = buf
	}

	var victims []*bufEntry
	if len(buf.entries) >= b.maxBuffer {
		dropCount := len(buf.entries) / overflowDropDivisor
		if dropCount < 1 {
			dropCount = 1
		}
		victims = buf.entries[:dropCount]
		buf.entries = append([]*bufEntry(nil), buf.entries[dropCount:]...)
	}

	if len(buf.entries) == 0 {
		buf.firstAt = b.now()
	}
	buf.entries = append(buf.entries, entry)
	shouldFlush := len(buf.entries) >= b.batchSize
	b.mu.Unlock()

	for _, victim := range victims {
		b.dead.Add(victim.topic, victim.wire, ReasonBufferOverflow)
		victim.future.resolve(PublishResult{Dropped: true})
	}
	if len(victims) > 0 {
		logger.Warnf("queuebus: buffer overflow on topic %s, dropped %d oldest", entry.topic, len(victims))
	}

	if shouldFlush {
		select {
		case b.flushCh <- entry.topic:
		default:
		}
	}
}

// flushLoop — фоновый цикл: флаш по сигналу размера и по возрасту батча.
func (b *Bus) flushLoop() {
	ticker := time.NewTicker(b.batchTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case topic := <-b.flushCh:
			b.flushTopic(b.ctx, topic)
		case <-ticker.C:
			b.flushAged(b.ctx)
		}
	}
}

// flushAged флашит топики, чей батч старше batchTimeout.
func (b *Bus) flushAged(ctx context.Context) {
	b.mu.Lock()
	var aged []string
	now := b.now()
	for topic, buf := range b.buffers {
		if len(buf.entries) > 0 && now.Sub(buf.firstAt) >= b.batchTimeout {
			aged = append(aged, topic)
		}
	}
	b.mu.Unlock()

	for _, topic := range aged {
		b.flushTopic(ctx, topic)
	}
}

// flushAll синхронно доставляет остатки всех буферов (graceful shutdown).
func (b *Bus) flushAll(ctx context.Context) {
	b.mu.Lock()
	topics := make([]string, 0, len(b.buffers))
	for topic := range b.buffers {
		topics = append(topics, topic)
	}
	b.mu.Unlock()

	for _, topic := range topics {
		b.flushTopic(ctx, topic)
	}
}

// flushTopic забирает накопленный батч топика и доставляет его последовательно,
// сохраняя FIFO внутри флаша. Каждая запись резолвит свой future ровно один раз.
func (b *Bus) flushTopic(ctx context.Context, topic string) {
	b.mu.Lock()
	buf, ok := b.buffers[topic]
	if !ok || len(buf.entries) == 0 {
		b.mu.Unlock()
		return
	}
	batch := buf.entries
	buf.entries = nil
	b.mu.Unlock()

	for _, entry := range batch {
		b.deliver(ctx, entry)
	}
}

// deliver выполняет доставку одной записи: breaker, ретраи с бэкофом и
// джиттером, учёт идемпотентности и dead-letter на окончательном провале.
func (b *Bus) deliver(ctx context.Context, entry *bufEntry) {
	if !b.breaker.Allow() {
		entry.future.resolve(PublishResult{Fallback: true})
		return
	}

	operation := func() error {
		sendErr := b.broker.Send(ctx, entry.topic, entry.wire)
		if sendErr == nil {
			return nil
		}
		var status *StatusError
		if errors.As(sendErr, &status) && status.Permanent() {
			return backoff.Permanent(sendErr)
		}
		return sendErr
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = b.retryBase
	err := backoff.Retry(operation, backoff.WithContext(
		backoff.WithMaxRetries(policy, publishAttempts-1), ctx))

	if err != nil {
		b.breaker.RecordFailure()
		if entry.fingerprint != "" {
			b.idempotency.Remove(entry.fingerprint)
		}
		id := b.dead.Add(entry.topic, entry.wire, ReasonPublishFailed)
		logger.Warnf("queuebus: publish to %s failed, dead-lettered as %d: %v", entry.topic, id, err)
		entry.future.resolve(PublishResult{Err: fmt.Errorf("publish %s: %w", entry.topic, err)})
		return
	}

	b.breaker.RecordSuccess()
	if entry.fingerprint != "" {
		b.idempotency.Add(entry.fingerprint, struct{}{})
	}
	entry.future.resolve(PublishResult{})
}
