package telegram

// Source — чтение исходных сообщений и скачивание вложений. Реализует
// scheduler.Source. Прогресс скачивания считается обёрткой io.Writer вокруг
// файла назначения: downloader пишет чанки, обёртка дёргает колбэк.

import (
	"context"
	"fmt"
	"os"

	"github.com/go-faster/errors"
	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/tg"

	"media-ingest/internal/domain/scheduler"
	"media-ingest/internal/infra/logger"
	"media-ingest/internal/infra/storage"
)

// downloadPartSize — размер части при скачивании (кратен 4КБ по требованию API).
const downloadPartSize = 512 * 1024

// Source реализует scheduler.Source поверх MTProto.
type Source struct {
	api   *tg.Client
	peers *peerCache
}

// NewSource создаёт источник на базе общего клиента.
func NewSource(c *Client) *Source {
	return &Source{api: c.API(), peers: c.Peers()}
}

var _ scheduler.Source = (*Source)(nil)

// GetMessages возвращает медиа-вложения указанных сообщений. Сообщения без
// документов в результат не попадают.
func (s *Source) GetMessages(ctx context.Context, chatID int64, msgIDs []int) ([]scheduler.SourceMedia, error) {
	messages, err := s.fetchMessages(ctx, chatID, msgIDs)
	if err != nil {
		return nil, err
	}

	out := make([]scheduler.SourceMedia, 0, len(messages))
	for _, msg := range messages {
		m, ok := msg.(*tg.Message)
		if !ok {
			continue
		}
		doc, ok := documentOf(m)
		if !ok {
			continue
		}
		out = append(out, scheduler.SourceMedia{
			ChatID:   chatID,
			MsgID:    m.ID,
			FileName: documentName(doc),
			Size:     doc.Size,
			Ref:      doc,
		})
	}
	return out, nil
}

// fetchMessages выбирает правильный метод API: каналы требуют отдельного
// запроса с access hash.
func (s *Source) fetchMessages(ctx context.Context, chatID int64, msgIDs []int) ([]tg.MessageClass, error) {
	ids := make([]tg.InputMessageClass, 0, len(msgIDs))
	for _, id := range msgIDs {
		ids = append(ids, &tg.InputMessageID{ID: id})
	}

	if channel, ok := s.peers.InputChannel(chatID); ok {
		res, err := s.api.ChannelsGetMessages(ctx, &tg.ChannelsGetMessagesRequest{
			Channel: channel,
			ID:      ids,
		})
		if err != nil {
			return nil, errors.Wrap(err, "channels.getMessages")
		}
		return absorbMessages(s.peers, res)
	}

	res, err := s.api.MessagesGetMessages(ctx, ids)
	if err != nil {
		return nil, errors.Wrap(err, "messages.getMessages")
	}
	return absorbMessages(s.peers, res)
}

// absorbMessages достаёт список сообщений из ответа и пополняет кэш пиров.
func absorbMessages(peers *peerCache, res tg.MessagesMessagesClass) ([]tg.MessageClass, error) {
	switch v := res.(type) {
	case *tg.MessagesMessages:
		peers.Absorb(v.Chats, v.Users)
		return v.Messages, nil
	case *tg.MessagesMessagesSlice:
		peers.Absorb(v.Chats, v.Users)
		return v.Messages, nil
	case *tg.MessagesChannelMessages:
		peers.Absorb(v.Chats, v.Users)
		return v.Messages, nil
	default:
		return nil, errors.Errorf("unexpected messages response %T", res)
	}
}

// documentOf извлекает документ из медиа сообщения.
func documentOf(m *tg.Message) (*tg.Document, bool) {
	media, ok := m.Media.(*tg.MessageMediaDocument)
	if !ok {
		return nil, false
	}
	doc, ok := media.Document.AsNotEmpty()
	if !ok {
		return nil, false
	}
	return doc, true
}

// documentName возвращает имя файла из атрибутов документа либо имя по id.
func documentName(doc *tg.Document) string {
	for _, attr := range doc.Attributes {
		if fn, ok := attr.(*tg.DocumentAttributeFilename); ok && fn.FileName != "" {
			return fn.FileName
		}
	}
	return fmt.Sprintf("doc-%d", doc.ID)
}

// progressWriter — счётчик байтов поверх файла назначения.
type progressWriter struct {
	dst      *os.File
	done     int64
	total    int64
	progress func(done, total int64)
}

func (w *progressWriter) Write(p []byte) (int, error) {
	n, err := w.dst.Write(p)
	w.done += int64(n)
	if w.progress != nil {
		w.progress(w.done, w.total)
	}
	return n, err
}

// DownloadMedia скачивает документ в localPath. Колбэк прогресса вызывается
// на каждом чанке; частичный файл при ошибке удаляется вызывающим.
func (s *Source) DownloadMedia(ctx context.Context, media scheduler.SourceMedia, localPath string, progress func(done, total int64)) error {
	doc, ok := media.Ref.(*tg.Document)
	if !ok {
		return errors.Errorf("media ref is %T, want *tg.Document", media.Ref)
	}
	if err := storage.EnsureDir(localPath); err != nil {
		return err
	}

	dst, err := os.OpenFile(localPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, storage.DefaultFilePerm)
	if err != nil {
		return errors.Wrap(err, "create artifact file")
	}
	defer func() {
		if closeErr := dst.Close(); closeErr != nil {
			logger.Warnf("close artifact %s: %v", localPath, closeErr)
		}
	}()

	writer := &progressWriter{dst: dst, total: doc.Size, progress: progress}
	d := downloader.NewDownloader().WithPartSize(downloadPartSize)
	if _, err := d.Download(s.api, doc.AsInputDocumentFileLocation()).Stream(ctx, writer); err != nil {
		return errors.Wrap(err, "download media")
	}
	return dst.Sync()
}
