// Package settings — представление ключей `setting:{key}` общего KV с
// ограниченным кэшем чтения. Через настройки реплики получают runtime-правки
// (размеры пулов воркеров) без перезапуска: пишет админ-эндпоинт любой
// реплики, читают все.
package settings

import (
	"context"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"media-ingest/internal/infra/kv"
)

const (
	keyPrefix = "setting:"
	cacheSize = 128
)

// Известные ключи настроек.
const (
	KeyDownloadWorkers = "download_workers"
	KeyUploadWorkers   = "upload_workers"
)

// Repository читает и пишет настройки. Чтения проходят через кэш с TTL:
// настройка — не команда, задержка применения в пределах TTL допустима.
type Repository struct {
	store kv.Store
	cache *expirable.LRU[string, string]
}

// New создаёт репозиторий с кэшем чтения на cacheTTL.
func New(store kv.Store, cacheTTL time.Duration) *Repository {
	return &Repository{
		store: store,
		cache: expirable.NewLRU[string, string](cacheSize, nil, cacheTTL),
	}
}

// Get возвращает значение настройки. Второй результат — признак наличия.
func (r *Repository) Get(ctx context.Context, key string) (string, bool, error) {
	if value, ok := r.cache.Get(key); ok {
		return value, true, nil
	}

	raw, found, err := r.store.Get(ctx, keyPrefix+key)
	if err != nil || !found {
		return "", false, err
	}
	value := string(raw)
	r.cache.Add(key, value)
	return value, true, nil
}

// GetInt возвращает числовую настройку; нечисловые значения считаются
// отсутствующими.
func (r *Repository) GetInt(ctx context.Context, key string) (int, bool, error) {
	value, found, err := r.Get(ctx, key)
	if err != nil || !found {
		return 0, false, err
	}
	n, convErr := strconv.Atoi(value)
	if convErr != nil {
		return 0, false, nil
	}
	return n, true, nil
}

// Set записывает настройку и сбрасывает её в кэше, чтобы локальные чтения
// сразу видели новое значение.
func (r *Repository) Set(ctx context.Context, key, value string) error {
	if err := r.store.Set(ctx, keyPrefix+key, []byte(value), 0); err != nil {
		return err
	}
	r.cache.Remove(key)
	return nil
}
