package telegram

// UI — канал прогресс-сообщений. Реализует scheduler.UIChannel: каждое
// задание или группа получает одно сообщение, дальше его правим. Все вызовы
// проходят через троттлер с flood-wait экстрактором, чтобы шторм правок не
// ронял сессию.

import (
	"context"
	rand "math/rand/v2"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"

	"media-ingest/internal/domain/scheduler"
	"media-ingest/internal/infra/throttle"
)

// uiMaxRetries — предел повторов для одной правки. Правки не критичны:
// лучше пропустить обновление интерфейса, чем зависнуть на нём.
const uiMaxRetries = 3

// UI реализует scheduler.UIChannel поверх MTProto.
type UI struct {
	api      *tg.Client
	peers    *peerCache
	throttle *throttle.Throttler
}

// NewUI создаёт канал прогресс-сообщений с лимитом rps.
func NewUI(c *Client, rps int) *UI {
	return &UI{
		api:   c.API(),
		peers: c.Peers(),
		throttle: throttle.New(rps,
			throttle.WithMaxRetries(uiMaxRetries),
			throttle.WithWaitExtractors(FloodWaitExtractor()),
		),
	}
}

var _ scheduler.UIChannel = (*UI)(nil)

// SendMessage отправляет новое сообщение и возвращает его id.
func (u *UI) SendMessage(ctx context.Context, chatID int64, text string) (int, error) {
	var msgID int
	err := u.throttle.Do(ctx, func() error {
		updates, err := u.api.MessagesSendMessage(ctx, &tg.MessagesSendMessageRequest{
			Peer:     u.peers.InputPeer(chatID),
			Message:  text,
			RandomID: rand.Int64(), // #nosec G404 -- random_id, не секрет
		})
		if err != nil {
			return errors.Wrap(err, "messages.sendMessage")
		}
		id, ok := sentMessageID(updates)
		if !ok {
			return errors.New("send response carries no message id")
		}
		msgID = id
		return nil
	})
	return msgID, err
}

// EditMessage заменяет текст существующего сообщения.
func (u *UI) EditMessage(ctx context.Context, chatID int64, msgID int, text string) error {
	return u.throttle.Do(ctx, func() error {
		_, err := u.api.MessagesEditMessage(ctx, &tg.MessagesEditMessageRequest{
			Peer:    u.peers.InputPeer(chatID),
			ID:      msgID,
			Message: text,
		})
		if err != nil {
			return errors.Wrap(err, "messages.editMessage")
		}
		return nil
	})
}

// sentMessageID достаёт id только что отправленного сообщения из ответа API.
func sentMessageID(updates tg.UpdatesClass) (int, bool) {
	switch v := updates.(type) {
	case *tg.UpdateShortSentMessage:
		return v.ID, true
	case *tg.Updates:
		for _, upd := range v.Updates {
			switch u := upd.(type) {
			case *tg.UpdateMessageID:
				return u.ID, true
			case *tg.UpdateNewMessage:
				if m, ok := u.Message.(*tg.Message); ok {
					return m.ID, true
				}
			case *tg.UpdateNewChannelMessage:
				if m, ok := u.Message.(*tg.Message); ok {
					return m.ID, true
				}
			}
		}
	}
	return 0, false
}
