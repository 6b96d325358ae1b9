// Package task — доменная модель задачи переноса медиа и правила её жизненного
// цикла. Строка задачи принадлежит TaskStore; зеркало в памяти — планировщику
// той реплики, что удерживает claim. Терминальные статусы write-once: после
// фиксации в хранилище их нельзя перезаписать.
package task

import "time"

// Status — состояние задачи в графе жизненного цикла.
type Status string

// Статусы задачи. Порядок соответствует графу переходов из Transitions.
const (
	StatusQueued      Status = "queued"
	StatusDownloading Status = "downloading"
	StatusDownloaded  Status = "downloaded"
	StatusUploading   Status = "uploading"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// Transitions — граф допустимых переходов. Отсутствие статуса-источника в карте
// означает терминальное состояние.
var Transitions = map[Status][]Status{
	StatusQueued: {StatusDownloading, StatusCancelled, StatusFailed},
	// Переход downloading→completed — шорткат sec-transfer: удалённый диск уже
	// содержит объект с тем же именем и размером, скачивание не выполняется.
	StatusDownloading: {StatusDownloaded, StatusCompleted, StatusFailed, StatusCancelled},
	StatusDownloaded:  {StatusUploading, StatusFailed, StatusCancelled},
	StatusUploading:   {StatusCompleted, StatusFailed, StatusCancelled},
}

// IsTerminal сообщает, является ли статус конечным.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition проверяет допустимость перехода from→to по графу.
func CanTransition(from, to Status) bool {
	for _, next := range Transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Task — единица работы: одна медиа-ссылка, скачиваемая из Telegram и
// переносимая на удалённый диск. GroupID непустой, когда задача входит в батч,
// отображаемый под одним сообщением прогресса.
type Task struct {
	ID          int64
	UserID      string
	ChatID      int64
	MsgID       int
	SourceMsgID int
	FileName    string
	FileSize    int64
	Status      Status
	GroupID     string
	ClaimedBy   string
	ErrorMsg    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// InBatch сообщает, входит ли задача в батч-группу.
func (t *Task) InBatch() bool { return t.GroupID != "" }

// Progress — снимок хода передачи для UI-обновлений. Передаётся из колбэков
// TransferClient в планировщик UI; сами колбэки сетевых вызовов не делают.
type Progress struct {
	TaskID    int64
	Done      int64
	Total     int64
	Action    string // "downloading" | "uploading"
	Timestamp time.Time
}

// Percent возвращает процент выполнения в диапазоне [0,100].
func (p Progress) Percent() int {
	if p.Total <= 0 {
		return 0
	}
	pct := int(p.Done * 100 / p.Total)
	if pct > 100 {
		pct = 100
	}
	return pct
}
