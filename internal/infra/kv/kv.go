// Package kv — адаптер key/value-хранилища с TTL и выборкой по префиксу.
// Здесь живут реестр инстансов (instance:*), распределённые блокировки (lock:*)
// и настройки (setting:*). Боевой бэкенд — bbolt: каждая запись хранится в
// конверте {value, expire_at}; истёкшие ключи невидимы для чтения и удаляются
// фоновым vacuum-циклом. Чтения идут напрямую в базу — локального кэша нет,
// что критично для семантики блокировок.
//
// bbolt держит эксклюзивную файловую блокировку: второй процесс, открывающий
// тот же файл, повиснет в OpenBolt. Мультиреплика требует общей реализации
// Store поверх сетевого KV; интерфейс Store рассчитан на такую замену.
package kv

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"media-ingest/internal/infra/clock"
	"media-ingest/internal/infra/logger"
	"media-ingest/internal/infra/storage"
)

// Store — минимальный контракт KV-хранилища, который потребляют координатор,
// scheduler и репозиторий настроек. TTL<=0 означает запись без срока годности.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) (map[string][]byte, error)
	Close() error
}

// vacuumInterval — период фоновой очистки истёкших ключей.
const vacuumInterval = time.Minute

// bucketName — единственный bucket bbolt, в котором лежат все ключи.
var bucketName = []byte("kv")

// envelope — конверт хранения: полезная нагрузка плюс срок годности (unix-наносекунды).
// ExpireAt==0 означает вечную запись.
type envelope struct {
	Value    []byte `json:"value"`
	ExpireAt int64  `json:"expire_at"`
}

// BoltStore реализует Store поверх bbolt-файла. Потокобезопасность обеспечивает
// сама bbolt (одна пишущая транзакция, параллельные читающие).
type BoltStore struct {
	db  *bbolt.DB
	now clock.Now

	cancel context.CancelFunc
}

// OpenBolt открывает (или создаёт) bbolt-файл и bucket. Родительский каталог
// создаётся заранее. now=nil означает системное время.
func OpenBolt(path string, now clock.Now) (*BoltStore, error) {
	if err := storage.EnsureDir(path); err != nil {
		return nil, err
	}
	db, err := bbolt.Open(path, storage.DefaultFilePerm, nil)
	if err != nil {
		return nil, fmt.Errorf("open kv store %s: %w", path, err)
	}
	if err = db.Update(func(tx *bbolt.Tx) error {
		_, createErr := tx.CreateBucketIfNotExists(bucketName)
		return createErr
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create kv bucket: %w", err)
	}
	if now == nil {
		now = clock.System()
	}
	return &BoltStore{db: db, now: now}, nil
}

// StartVacuum запускает фоновую горутину удаления истёкших ключей.
// Повторные вызовы создают лишние циклы, поэтому вызывается один раз из runner.
func (s *BoltStore) StartVacuum(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go func() {
		ticker := time.NewTicker(vacuumInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if n, err := s.vacuum(); err != nil {
					logger.Warnf("kv: vacuum error: %v", err)
				} else if n > 0 {
					logger.Debugf("kv: vacuum removed %d expired key(s)", n)
				}
			}
		}
	}()
}

// Get возвращает значение ключа. Истёкшая запись трактуется как отсутствующая;
// её физическое удаление откладывается до vacuum, чтобы не писать на пути чтения.
func (s *BoltStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	var value []byte
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketName).Get([]byte(key))
		if raw == nil {
			return nil
		}
		var env envelope
		if decErr := json.Unmarshal(raw, &env); decErr != nil {
			return fmt.Errorf("decode kv entry %s: %w", key, decErr)
		}
		if env.ExpireAt > 0 && s.now().UnixNano() >= env.ExpireAt {
			return nil
		}
		value = append([]byte(nil), env.Value...)
		found = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return value, found, nil
}

// Set записывает значение с необязательным TTL.
func (s *BoltStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	env := envelope{Value: value}
	if ttl > 0 {
		env.ExpireAt = s.now().Add(ttl).UnixNano()
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode kv entry %s: %w", key, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(key), raw)
	})
}

// Delete удаляет ключ. Отсутствие ключа ошибкой не считается.
func (s *BoltStore) Delete(_ context.Context, key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(key))
	})
}

// List возвращает все живые записи с данным префиксом ключа.
func (s *BoltStore) List(_ context.Context, prefix string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	pfx := []byte(prefix)
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()
		nowNano := s.now().UnixNano()
		for k, v := c.Seek(pfx); k != nil && bytes.HasPrefix(k, pfx); k, v = c.Next() {
			var env envelope
			if decErr := json.Unmarshal(v, &env); decErr != nil {
				logger.Warnf("kv: skip undecodable entry %s: %v", k, decErr)
				continue
			}
			if env.ExpireAt > 0 && nowNano >= env.ExpireAt {
				continue
			}
			out[string(k)] = append([]byte(nil), env.Value...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Close останавливает vacuum и закрывает файл базы.
func (s *BoltStore) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	return s.db.Close()
}

// vacuum удаляет все истёкшие записи одной пишущей транзакцией.
// Возвращает число удалённых ключей.
func (s *BoltStore) vacuum() (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		c := b.Cursor()
		nowNano := s.now().UnixNano()
		var expired [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var env envelope
			if decErr := json.Unmarshal(v, &env); decErr != nil {
				continue
			}
			if env.ExpireAt > 0 && nowNano >= env.ExpireAt {
				expired = append(expired, append([]byte(nil), k...))
			}
		}
		for _, k := range expired {
			if delErr := b.Delete(k); delErr != nil {
				return delErr
			}
			removed++
		}
		return nil
	})
	return removed, err
}
