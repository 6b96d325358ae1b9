package coordinator

// Advisory-блокировки поверх KV: lock:{key} → {instance_id, acquired_at, ttl,
// version}. Корректность опирается на честность вызывающих — захват и работа
// под блокировкой легальны только при true от AcquireLock. Поле version (метка
// времени записи) позволяет обнаружить перехват блокировки другой репликой.

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-faster/errors"

	"media-ingest/internal/infra/logger"
)

// lockPrefix — префикс ключей блокировок в KV.
const lockPrefix = "lock:"

// lockRecord — значение ключа блокировки.
type lockRecord struct {
	InstanceID string `json:"instance_id"`
	AcquiredAt int64  `json:"acquired_at"`
	TTLSeconds int64  `json:"ttl"`
	Version    int64  `json:"version"`
}

// AcquireLock пытается захватить блокировку key на ttl. Чтение всегда идёт в
// KV напрямую (без локального кэша): устаревшая копия здесь ломает семантику.
// Захват успешен, если блокировки нет, она протухла либо уже принадлежит нам
// (повторный захват продлевает срок).
func (c *Coordinator) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, errors.New("coordinator: lock ttl must be positive")
	}
	fullKey := lockPrefix + key

	raw, found, err := c.store.Get(ctx, fullKey)
	if err != nil {
		return false, errors.Wrapf(err, "read lock %s", key)
	}
	if found {
		var rec lockRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			// Повреждённая запись трактуется как протухшая.
			logger.Warnf("coordinator: lock %s is malformed, reclaiming: %v", key, err)
		} else {
			expiresAt := time.Unix(rec.AcquiredAt, 0).Add(time.Duration(rec.TTLSeconds) * time.Second)
			if rec.InstanceID != c.instanceID && c.now().Before(expiresAt) {
				return false, nil
			}
		}
	}

	now := c.now()
	rec := lockRecord{
		InstanceID: c.instanceID,
		AcquiredAt: now.Unix(),
		TTLSeconds: int64(ttl / time.Second),
		Version:    now.UnixNano(),
	}
	value, err := json.Marshal(rec)
	if err != nil {
		return false, errors.Wrap(err, "marshal lock record")
	}
	if err := c.store.Set(ctx, fullKey, value, ttl); err != nil {
		return false, errors.Wrapf(err, "write lock %s", key)
	}
	return true, nil
}

// ReleaseLock снимает блокировку, но только если она принадлежит этой реплике:
// чужую (перехваченную после истечения нашей) трогать нельзя.
func (c *Coordinator) ReleaseLock(ctx context.Context, key string) error {
	fullKey := lockPrefix + key

	raw, found, err := c.store.Get(ctx, fullKey)
	if err != nil {
		return errors.Wrapf(err, "read lock %s", key)
	}
	if !found {
		return nil
	}
	var rec lockRecord
	if err := json.Unmarshal(raw, &rec); err == nil && rec.InstanceID != c.instanceID {
		logger.Debugf("coordinator: lock %s taken over by %s, leaving it", key, rec.InstanceID)
		return nil
	}
	return c.store.Delete(ctx, fullKey)
}

// LockHolder возвращает владельца блокировки и версию записи (0 — блокировки нет).
func (c *Coordinator) LockHolder(ctx context.Context, key string) (string, int64, error) {
	raw, found, err := c.store.Get(ctx, lockPrefix+key)
	if err != nil || !found {
		return "", 0, err
	}
	var rec lockRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return "", 0, nil
	}
	return rec.InstanceID, rec.Version, nil
}
