// Интерфейсы коллабораторов планировщика. Планировщик принимает интерфейсы и
// ничего не знает о MTProto или о конкретной transfer-утилите: адаптеры живут
// в internal/adapters и подставляются при сборке приложения.

package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"media-ingest/internal/domain/queuebus"
	"media-ingest/internal/domain/task"
)

// SourceMedia — описание одного медиа-вложения исходного сообщения.
// Ref — транспортный объект адаптера, планировщик передаёт его обратно в
// DownloadMedia не заглядывая внутрь.
type SourceMedia struct {
	ChatID   int64
	MsgID    int
	FileName string
	Size     int64
	Ref      any
}

// Source — источник медиа (Telegram-адаптер).
type Source interface {
	// GetMessages возвращает медиа указанных сообщений; сообщения без медиа
	// в результат не попадают.
	GetMessages(ctx context.Context, chatID int64, msgIDs []int) ([]SourceMedia, error)
	// DownloadMedia скачивает вложение в localPath, дёргая progress по мере
	// передачи. Колбэк обязан возвращаться быстро.
	DownloadMedia(ctx context.Context, media SourceMedia, localPath string, progress func(done, total int64)) error
}

// UIChannel — канал прогресс-сообщений. Ошибки правок логируются и
// проглатываются вызывающим: UI никогда не валит задачу.
type UIChannel interface {
	SendMessage(ctx context.Context, chatID int64, text string) (int, error)
	EditMessage(ctx context.Context, chatID int64, msgID int, text string) error
}

// RemoteInfo — метаданные объекта на удалённом диске.
type RemoteInfo struct {
	Size int64
}

// UploadRequest — один файл в батче выгрузки.
type UploadRequest struct {
	LocalPath string
	Name      string
	UserID    string
}

// Transfer — клиент удалённого диска (rclone-адаптер).
type Transfer interface {
	// GetRemoteFileInfo возвращает метаданные объекта либо (nil, nil), если
	// объекта нет.
	GetRemoteFileInfo(ctx context.Context, name, userID string) (*RemoteInfo, error)
	UploadFile(ctx context.Context, req UploadRequest) error
	// UploadBatch выгружает группу файлов; результат — ошибка на каждую
	// позицию батча (nil — успех), длина совпадает с len(reqs).
	UploadBatch(ctx context.Context, reqs []UploadRequest) []error
}

// AuthGuard — проверка прав на операции (отмена чужих задач и т.п.).
type AuthGuard interface {
	Can(userID, action string) bool
}

// Locker — распределённые claim-блокировки координатора.
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string) error
	InstanceID() string
}

// Publisher — исходящие события в шину.
type Publisher interface {
	Publish(ctx context.Context, topic string, body json.RawMessage, opts queuebus.PublishOptions) *queuebus.Future
}

// liveTask — задача, живущая в памяти реплики, удерживающей claim.
// Флаг cancelled проверяется воркером на каждом чекпоинте.
type liveTask struct {
	mu  sync.Mutex
	row *task.Task

	media     SourceMedia
	cancelled atomic.Bool

	// abort прерывает контекст идущей фазы передачи; nil между фазами.
	abort context.CancelFunc

	// localPath — фактическое имя скачанного артефакта на диске. Именно оно,
	// а не перегенерированное из метаданных имя, используется на верификации.
	localPath string
}

// snapshotRow возвращает копию строки под мьютексом.
func (lt *liveTask) snapshotRow() task.Task {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return *lt.row
}

// setStatus обновляет зеркальную строку в памяти.
func (lt *liveTask) setStatus(status task.Status, errMsg string) {
	lt.mu.Lock()
	lt.row.Status = status
	lt.row.ErrorMsg = errMsg
	lt.mu.Unlock()
}

// setFile фиксирует фактические имя и размер файла.
func (lt *liveTask) setFile(localPath, fileName string, size int64) {
	lt.mu.Lock()
	lt.localPath = localPath
	lt.row.FileName = fileName
	lt.row.FileSize = size
	lt.mu.Unlock()
}

// setAbort регистрирует (или снимает, при nil) прерыватель текущей фазы.
func (lt *liveTask) setAbort(cancel context.CancelFunc) {
	lt.mu.Lock()
	lt.abort = cancel
	lt.mu.Unlock()
}

// abortTransfer прерывает идущую фазу передачи, если она есть. Флаг cancelled
// ставится отдельно: прерывание лишь ускоряет выход на ближайший чекпоинт.
func (lt *liveTask) abortTransfer() {
	lt.mu.Lock()
	cancel := lt.abort
	lt.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// file возвращает путь и имя артефакта.
func (lt *liveTask) file() (string, string) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return lt.localPath, lt.row.FileName
}
