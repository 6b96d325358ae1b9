package telegram

// Экстрактор серверных пауз для троттлера: преобразует FLOOD_WAIT и
// FLOOD_PREMIUM_WAIT из Telegram API в длительность ожидания.

import (
	rand "math/rand/v2"
	"time"

	"github.com/gotd/td/tgerr"

	"media-ingest/internal/infra/throttle"
)

// floodWaitJitterMax — верхняя граница случайной добавки к обязательному
// FLOOD_WAIT. Разносит повторы разных воркеров по времени.
const floodWaitJitterMax = 3 * time.Second

// FloodWaitExtractor возвращает throttle.WaitExtractor, распознающий
// flood-wait ошибки. Для прочих ошибок отвечает (0, false).
func FloodWaitExtractor() throttle.WaitExtractor {
	return func(err error) (time.Duration, bool) {
		if err == nil {
			return 0, false
		}
		wait, ok := tgerr.AsFloodWait(err)
		if !ok {
			return 0, false
		}
		return wait + nextFloodWaitJitter(), true
	}
}

// nextFloodWaitJitter — случайная добавка из [0, floodWaitJitterMax).
func nextFloodWaitJitter() time.Duration {
	sec := int(floodWaitJitterMax / time.Second)
	if sec <= 0 {
		return 0
	}
	// math/rand/v2 потокобезопасен, криптостойкость здесь не нужна.
	return time.Duration(rand.IntN(sec)) * time.Second // #nosec G404
}
