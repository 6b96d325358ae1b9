// Package concurrency — вспомогательная инфраструктура конкурентного исполнения.
// Данный файл содержит Deduplicator — потокобезопасный кэш «недавно видели»,
// который подавляет повторную обработку событий в пределах заданного окна
// времени. Используется поверх входящих вебхуков шины и апдейтов Telegram:
// доставка at-least-once означает, что одно и то же событие может прийти
// дважды, и бизнес-логика не должна запускаться повторно.

package concurrency

import (
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"media-ingest/internal/infra/logger"
)

// dedupCapacity ограничивает число сигнатур в кэше; при переполнении LRU
// вытесняет самые старые записи ещё до истечения окна.
const dedupCapacity = 4096

// Deduplicator хранит «сигнатуры» недавно обработанных событий и решает,
// считать ли очередное событие повтором в рамках заданного окна. Срок жизни
// записей и вытеснение делегированы expirable-LRU, поэтому отдельная фоновая
// очистка не нужна. Структура потокобезопасна.
type Deduplicator struct {
	seen *expirable.LRU[string, struct{}]
}

// NewDeduplicator создаёт кэш подавления повторов с окном `windowSec` секунд.
// Нулевое или отрицательное окно отключает истечение по времени — записи
// живут до вытеснения по ёмкости.
func NewDeduplicator(windowSec int) *Deduplicator {
	ttl := time.Duration(windowSec) * time.Second
	if ttl < 0 {
		ttl = 0
	}
	return &Deduplicator{
		seen: expirable.NewLRU[string, struct{}](dedupCapacity, nil, ttl),
	}
}

// Seen сообщает, видели ли уже событие с данной сигнатурой в пределах окна.
// Пустая сигнатура повтором не считается никогда: событие без отпечатка
// всегда обрабатывается. Возвращает true для повтора, иначе регистрирует
// сигнатуру и возвращает false.
func (d *Deduplicator) Seen(fingerprint string) bool {
	if fingerprint == "" {
		return false
	}

	if _, ok := d.seen.Get(fingerprint); ok {
		logger.Debug(fmt.Sprintf("DEDUP SEEN: %v", fingerprint))
		return true
	}
	d.seen.Add(fingerprint, struct{}{})
	return false
}

// SeenMessage — удобная обёртка для апдейтов Telegram: сигнатура собирается
// как `<chatID>:<msgID>:<editDate>`. Правка сообщения меняет editDate и
// естественным образом снимает дедупликацию для изменённого текста.
func (d *Deduplicator) SeenMessage(chatID int64, msgID int, editDate int) bool {
	return d.Seen(fmt.Sprintf("%d:%d:%d", chatID, msgID, editDate))
}

// Forget удаляет сигнатуру из кэша (используется при ручном повторе события
// из DLQ, чтобы дедупликация не съела переотправку).
func (d *Deduplicator) Forget(fingerprint string) {
	if fingerprint == "" {
		return
	}
	d.seen.Remove(fingerprint)
}
