// Package coordinator — членство реплик и лидерство поверх общего KV-хранилища.
// Каждая реплика регистрирует запись instance:{id} с TTL и продлевает её
// heartbeat-ом; лидер — активная реплика с лексикографически наименьшим id.
// Лидерство эфемерно: оно может смениться между любыми двумя вызовами, поэтому
// привилегированные действия перепроверяют IsLeader непосредственно перед собой.

package coordinator

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"media-ingest/internal/infra/clock"
	"media-ingest/internal/infra/kv"
	"media-ingest/internal/infra/logger"
)

// instancePrefix — префикс ключей реестра реплик в KV.
const instancePrefix = "instance:"

// InstanceStatus — заявленное состояние реплики.
const (
	StatusActive   = "active"
	StatusDraining = "draining"
)

// Instance — запись реестра одной реплики.
type Instance struct {
	ID            string    `json:"id"`
	URL           string    `json:"url"`
	Hostname      string    `json:"hostname"`
	Region        string    `json:"region"`
	StartedAt     time.Time `json:"started_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Status        string    `json:"status"`
}

// Options — параметры координатора. InstanceID пустой — будет сгенерирован.
type Options struct {
	Store             kv.Store
	InstanceID        string
	URL               string
	Region            string
	HeartbeatInterval time.Duration
	InstanceTimeout   time.Duration
	Clock             clock.Now
}

// Coordinator ведёт запись собственной реплики и читает реестр остальных.
type Coordinator struct {
	store      kv.Store
	instanceID string
	url        string
	region     string
	hostname   string
	heartbeat  time.Duration
	timeout    time.Duration
	now        clock.Now

	mu        sync.Mutex
	startedAt time.Time
	status    string

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	runOnce sync.Once
}

// New создаёт координатор; KV-хранилище обязательно. Генерирует instance_id,
// если он не задан.
func New(opts Options) (*Coordinator, error) {
	if opts.Store == nil {
		return nil, errors.New("coordinator: kv store is nil")
	}
	nowFn := opts.Clock
	if nowFn == nil {
		nowFn = clock.System()
	}
	id := opts.InstanceID
	if id == "" {
		id = uuid.NewString()
	}
	heartbeat := opts.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 10 * time.Second
	}
	timeout := opts.InstanceTimeout
	if timeout <= 0 {
		timeout = 3 * heartbeat
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	return &Coordinator{
		store:      opts.Store,
		instanceID: id,
		url:        opts.URL,
		region:     opts.Region,
		hostname:   hostname,
		heartbeat:  heartbeat,
		timeout:    timeout,
		now:        nowFn,
		status:     StatusActive,
	}, nil
}

// InstanceID возвращает идентификатор этой реплики.
func (c *Coordinator) InstanceID() string { return c.instanceID }

// Start регистрирует реплику и поднимает heartbeat-цикл и лидерскую уборку.
// Повторные вызовы игнорируются.
func (c *Coordinator) Start(ctx context.Context) error {
	var startErr error
	c.runOnce.Do(func() {
		c.mu.Lock()
		c.startedAt = c.now()
		c.mu.Unlock()

		c.ctx, c.cancel = context.WithCancel(ctx)
		if err := c.register(c.ctx); err != nil {
			startErr = err
			return
		}
		c.wg.Go(c.heartbeatLoop)
		c.wg.Go(c.sweepLoop)
		logger.Info("coordinator: instance registered",
			zap.String("instance_id", c.instanceID), zap.String("url", c.url))
	})
	return startErr
}

// Stop снимает регистрацию и останавливает фоновые циклы.
func (c *Coordinator) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	c.wg.Wait()
	if err := c.store.Delete(context.Background(), instancePrefix+c.instanceID); err != nil {
		logger.Warnf("coordinator: deregister failed: %v", err)
	}
}

// SetDraining помечает реплику завершающейся: она остаётся в реестре до
// истечения TTL, но больше не претендует на новые задачи.
func (c *Coordinator) SetDraining() {
	c.mu.Lock()
	c.status = StatusDraining
	c.mu.Unlock()
}

// register пишет (или перезаписывает) запись реестра с TTL = instance_timeout.
func (c *Coordinator) register(ctx context.Context) error {
	c.mu.Lock()
	rec := Instance{
		ID:            c.instanceID,
		URL:           c.url,
		Hostname:      c.hostname,
		Region:        c.region,
		StartedAt:     c.startedAt,
		LastHeartbeat: c.now(),
		Status:        c.status,
	}
	c.mu.Unlock()

	raw, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "marshal instance record")
	}
	if err := c.store.Set(ctx, instancePrefix+c.instanceID, raw, c.timeout); err != nil {
		return errors.Wrap(err, "write instance record")
	}
	return nil
}

// Heartbeat немедленно продлевает запись реестра (вне таймера). Используется
// циклом heartbeatLoop и тестами.
func (c *Coordinator) Heartbeat(ctx context.Context) error {
	return c.register(ctx)
}

// heartbeatLoop продлевает запись реестра. Если запись истекла (KV-промах),
// регистрация выполняется заново.
func (c *Coordinator) heartbeatLoop() {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			_, found, err := c.store.Get(c.ctx, instancePrefix+c.instanceID)
			if err != nil {
				logger.Warnf("coordinator: heartbeat read failed: %v", err)
			}
			if err == nil && !found {
				logger.Warn("coordinator: instance record expired, re-registering",
					zap.String("instance_id", c.instanceID))
			}
			if err := c.register(c.ctx); err != nil {
				logger.Warnf("coordinator: heartbeat write failed: %v", err)
			}
		}
	}
}

// sweepLoop — лидерская уборка истёкших записей реестра. KV сам истекает
// записи по TTL, но лаг вакуума может оставлять мусор; лидер подчищает его.
// Проверка лидерства выполняется непосредственно перед удалением.
func (c *Coordinator) sweepLoop() {
	ticker := time.NewTicker(c.timeout)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if leader, err := c.IsLeader(c.ctx); err != nil || !leader {
				continue
			}
			c.sweepExpired(c.ctx)
		}
	}
}

// sweepExpired удаляет записи реестра с устаревшим heartbeat.
func (c *Coordinator) sweepExpired(ctx context.Context) {
	raw, err := c.store.List(ctx, instancePrefix)
	if err != nil {
		logger.Warnf("coordinator: sweep list failed: %v", err)
		return
	}
	deadline := c.now().Add(-c.timeout)
	for key, value := range raw {
		var rec Instance
		if err := json.Unmarshal(value, &rec); err != nil {
			logger.Warnf("coordinator: sweep drops malformed record %s: %v", key, err)
			_ = c.store.Delete(ctx, key)
			continue
		}
		if rec.LastHeartbeat.Before(deadline) {
			logger.Infof("coordinator: sweeping expired instance %s", rec.ID)
			_ = c.store.Delete(ctx, key)
		}
	}
}

// ActiveInstances возвращает реплики с живым heartbeat, отсортированные по id.
// Записи, которые не парсятся, пропускаются.
func (c *Coordinator) ActiveInstances(ctx context.Context) ([]Instance, error) {
	raw, err := c.store.List(ctx, instancePrefix)
	if err != nil {
		return nil, errors.Wrap(err, "list instances")
	}

	deadline := c.now().Add(-c.timeout)
	out := make([]Instance, 0, len(raw))
	for key, value := range raw {
		var rec Instance
		if err := json.Unmarshal(value, &rec); err != nil {
			logger.Warnf("coordinator: skipping malformed instance record %s: %v", key, err)
			continue
		}
		if rec.LastHeartbeat.Before(deadline) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return strings.Compare(out[i].ID, out[j].ID) < 0 })
	return out, nil
}

// Leader возвращает активную реплику с наименьшим id. Отсутствие активных
// реплик — ошибка: сам вызывающий всегда должен быть зарегистрирован.
func (c *Coordinator) Leader(ctx context.Context) (Instance, error) {
	active, err := c.ActiveInstances(ctx)
	if err != nil {
		return Instance{}, err
	}
	if len(active) == 0 {
		return Instance{}, errors.New("coordinator: no active instances")
	}
	return active[0], nil
}

// IsLeader сообщает, является ли эта реплика лидером на момент вызова.
// Результат может устареть сразу после возврата.
func (c *Coordinator) IsLeader(ctx context.Context) (bool, error) {
	leader, err := c.Leader(ctx)
	if err != nil {
		return false, err
	}
	return leader.ID == c.instanceID, nil
}
