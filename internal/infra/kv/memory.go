// In-memory реализация Store для тестов и локальных прогонов без диска.
// Семантика TTL и выборки по префиксу совпадает с BoltStore.

package kv

import (
	"context"
	"strings"
	"sync"
	"time"

	"media-ingest/internal/infra/clock"
)

// memEntry — запись памяти: значение и срок годности (нулевое время = вечно).
type memEntry struct {
	value    []byte
	expireAt time.Time
}

// MemoryStore — потокобезопасная карта с TTL. Используется как тестовый двойник.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]memEntry
	now  clock.Now
}

// NewMemory создаёт пустое хранилище. now=nil означает системное время.
func NewMemory(now clock.Now) *MemoryStore {
	if now == nil {
		now = clock.System()
	}
	return &MemoryStore{
		data: make(map[string]memEntry),
		now:  now,
	}
}

// Get возвращает живое значение ключа; истёкшие записи удаляются на месте.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	if !entry.expireAt.IsZero() && !s.now().Before(entry.expireAt) {
		delete(s.data, key)
		return nil, false, nil
	}
	return append([]byte(nil), entry.value...), true, nil
}

// Set записывает значение с необязательным TTL.
func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := memEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.expireAt = s.now().Add(ttl)
	}
	s.data[key] = entry
	return nil
}

// Delete удаляет ключ; отсутствие ключа ошибкой не считается.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// List возвращает все живые записи с данным префиксом.
func (s *MemoryStore) List(_ context.Context, prefix string) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string][]byte)
	now := s.now()
	for key, entry := range s.data {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if !entry.expireAt.IsZero() && !now.Before(entry.expireAt) {
			continue
		}
		out[key] = append([]byte(nil), entry.value...)
	}
	return out, nil
}

// Close ничего не освобождает; есть для симметрии со Store.
func (s *MemoryStore) Close() error { return nil }
