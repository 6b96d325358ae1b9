// Package taskstore — долговременное SQL-хранилище строк задач, единственный
// источник истины для терминальных состояний. Все реплики читают и пишут сюда
// короткими транзакциями (обновления одной строки либо небольшие батчи).
// Инвариант write-once для терминальных статусов выражен прямо в WHERE-условиях
// обновлений: строку в completed/failed/cancelled не перепишет ни один путь кода.
package taskstore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3" // sql-драйвер sqlite3

	"media-ingest/internal/domain/task"
	"media-ingest/internal/infra/clock"
	"media-ingest/internal/infra/logger"
	"media-ingest/internal/infra/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id       TEXT    NOT NULL,
	chat_id       TEXT    NOT NULL,
	msg_id        INTEGER NOT NULL,
	source_msg_id INTEGER NOT NULL,
	file_name     TEXT    NOT NULL DEFAULT '',
	file_size     INTEGER NOT NULL DEFAULT 0,
	status        TEXT    NOT NULL,
	group_id      TEXT    NOT NULL DEFAULT '',
	claimed_by    TEXT    NOT NULL DEFAULT '',
	error_msg     TEXT    NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status, updated_at);
CREATE INDEX IF NOT EXISTS idx_tasks_group ON tasks(group_id);
`

// terminalSet — SQL-фрагмент списка терминальных статусов для guard-условий.
const terminalSet = `('completed','failed','cancelled')`

// Store — обёртка над sqlite-базой задач.
type Store struct {
	db  *sql.DB
	now clock.Now
}

// StatusUpdate — одно отложенное обновление статуса для батч-записи.
type StatusUpdate struct {
	TaskID   int64
	Status   task.Status
	ErrorMsg string
}

// Open открывает (или создаёт) базу задач и применяет схему. WAL и busy_timeout
// смягчают конкуренцию нескольких реплик за файл. now=nil — системное время.
func Open(path string, now clock.Now) (*Store, error) {
	if err := storage.EnsureDir(path); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open task db %s: %w", path, err)
	}
	if _, err = db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply task schema: %w", err)
	}
	if now == nil {
		now = clock.System()
	}
	return &Store{db: db, now: now}, nil
}

// Close закрывает соединение с базой.
func (s *Store) Close() error { return s.db.Close() }

// Create вставляет новую строку задачи и проставляет ей ID и метки времени.
func (s *Store) Create(ctx context.Context, t *task.Task) error {
	now := s.now().Unix()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (user_id, chat_id, msg_id, source_msg_id, file_name, file_size,
			status, group_id, claimed_by, error_msg, created_at, updated_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.UserID, strconv.FormatInt(t.ChatID, 10), t.MsgID, t.SourceMsgID, t.FileName, t.FileSize,
		string(t.Status), t.GroupID, t.ClaimedBy, t.ErrorMsg, now, now)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("task insert id: %w", err)
	}
	t.ID = id
	t.CreatedAt = time.Unix(now, 0)
	t.UpdatedAt = t.CreatedAt
	return nil
}

// CreateBatch атомарно вставляет группу задач одной транзакцией.
// Либо создаются все строки батча, либо ни одной.
func (s *Store) CreateBatch(ctx context.Context, tasks []*task.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().Unix()
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO tasks (user_id, chat_id, msg_id, source_msg_id, file_name, file_size,
			status, group_id, claimed_by, error_msg, created_at, updated_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return fmt.Errorf("prepare batch insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, t := range tasks {
		res, execErr := stmt.ExecContext(ctx,
			t.UserID, strconv.FormatInt(t.ChatID, 10), t.MsgID, t.SourceMsgID, t.FileName, t.FileSize,
			string(t.Status), t.GroupID, t.ClaimedBy, t.ErrorMsg, now, now)
		if execErr != nil {
			return fmt.Errorf("insert batch task: %w", execErr)
		}
		id, idErr := res.LastInsertId()
		if idErr != nil {
			return fmt.Errorf("batch insert id: %w", idErr)
		}
		t.ID = id
		t.CreatedAt = time.Unix(now, 0)
		t.UpdatedAt = t.CreatedAt
	}
	return tx.Commit()
}

// Get возвращает строку задачи по id. Отсутствие строки — (nil, nil).
func (s *Store) Get(ctx context.Context, id int64) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// UpdateStatus переводит задачу в новый статус. Guard в WHERE не даёт
// перезаписать терминальную строку; возвращает true, если строка изменилась.
// Ошибка записи у вызывающего воркера логируется и не валит процесс.
func (s *Store) UpdateStatus(ctx context.Context, id int64, status task.Status, errMsg string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, error_msg = ?, updated_at = ?
		 WHERE id = ? AND status NOT IN `+terminalSet,
		string(status), errMsg, s.now().Unix(), id)
	if err != nil {
		return false, fmt.Errorf("update task %d status: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpdateFile фиксирует фактические имя и размер файла после выбора имени на диске.
func (s *Store) UpdateFile(ctx context.Context, id int64, fileName string, fileSize int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET file_name = ?, file_size = ?, updated_at = ? WHERE id = ?`,
		fileName, fileSize, s.now().Unix(), id)
	if err != nil {
		return fmt.Errorf("update task %d file: %w", id, err)
	}
	return nil
}

// BatchUpdateStatus применяет буфер отложенных не-терминальных обновлений одной
// транзакцией. Каждая строка защищена тем же write-once guard.
func (s *Store) BatchUpdateStatus(ctx context.Context, updates []StatusUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().Unix()
	stmt, err := tx.PrepareContext(ctx,
		`UPDATE tasks SET status = ?, error_msg = ?, updated_at = ?
		 WHERE id = ? AND status NOT IN `+terminalSet)
	if err != nil {
		return fmt.Errorf("prepare batch update: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, u := range updates {
		if _, execErr := stmt.ExecContext(ctx, string(u.Status), u.ErrorMsg, now, u.TaskID); execErr != nil {
			return fmt.Errorf("batch update task %d: %w", u.TaskID, execErr)
		}
	}
	return tx.Commit()
}

// SetClaim записывает владельца claim в строку задачи (информационное поле;
// взаимное исключение обеспечивает KV-блокировка).
func (s *Store) SetClaim(ctx context.Context, id int64, instanceID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET claimed_by = ?, updated_at = ? WHERE id = ?`,
		instanceID, s.now().Unix(), id)
	if err != nil {
		return fmt.Errorf("claim task %d: %w", id, err)
	}
	return nil
}

// ListByGroup возвращает живой снимок всех задач батч-группы. Используется
// batch-monitor при каждом обновлении, чтобы вид пересчитывался из строк.
func (s *Store) ListByGroup(ctx context.Context, groupID string) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+` WHERE group_id = ? ORDER BY id`, groupID)
	if err != nil {
		return nil, fmt.Errorf("list group %s: %w", groupID, err)
	}
	defer func() { _ = rows.Close() }()
	return collectTasks(rows)
}

// ListStalled возвращает незавершённые задачи, не обновлявшиеся с отметки
// olderThan. Строки с синтаксически некорректным chat_id пропускаются с логом.
func (s *Store) ListStalled(ctx context.Context, olderThan time.Time) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		selectColumns+` WHERE status NOT IN `+terminalSet+` AND updated_at < ? ORDER BY id`,
		olderThan.Unix())
	if err != nil {
		return nil, fmt.Errorf("list stalled: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectTasks(rows)
}

const selectColumns = `SELECT id, user_id, chat_id, msg_id, source_msg_id, file_name, file_size,
	status, group_id, claimed_by, error_msg, created_at, updated_at FROM tasks`

// rowScanner покрывает и *sql.Row, и *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanTask читает одну строку tasks. chat_id хранится текстом (наследие кривых
// записей старых клиентов) и парсится здесь; ошибка парсинга отдаётся вызывающему.
func scanTask(row rowScanner) (*task.Task, error) {
	var (
		t         task.Task
		chatIDRaw string
		status    string
		createdAt int64
		updatedAt int64
	)
	err := row.Scan(&t.ID, &t.UserID, &chatIDRaw, &t.MsgID, &t.SourceMsgID, &t.FileName, &t.FileSize,
		&status, &t.GroupID, &t.ClaimedBy, &t.ErrorMsg, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	chatID, parseErr := strconv.ParseInt(chatIDRaw, 10, 64)
	if parseErr != nil {
		return nil, fmt.Errorf("task %d has malformed chat_id %q: %w", t.ID, chatIDRaw, parseErr)
	}
	t.ChatID = chatID
	t.Status = task.Status(status)
	t.CreatedAt = time.Unix(createdAt, 0)
	t.UpdatedAt = time.Unix(updatedAt, 0)
	return &t, nil
}

// collectTasks вычитывает все строки, пропуская повреждённые записи с логом.
func collectTasks(rows *sql.Rows) ([]*task.Task, error) {
	var out []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			logger.Warnf("taskstore: skipping malformed row: %v", err)
			continue
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
