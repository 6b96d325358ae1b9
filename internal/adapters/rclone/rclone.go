// Package rclone — адаптер переноса файлов на удалённый диск через внешнюю
// утилиту rclone. Реализует scheduler.Transfer: запрос размера удалённого
// объекта (lsjson), выгрузка одного файла (copyto) и пакетная выгрузка.
// Процесс запускается на каждый вызов; параллелизм и повторы ограничены
// общим троттлером.

package rclone

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"path"
	"strings"
	"time"

	"github.com/go-faster/errors"

	"media-ingest/internal/domain/scheduler"
	"media-ingest/internal/infra/logger"
	"media-ingest/internal/infra/throttle"
)

// Значения по умолчанию: бинарь из PATH, щадящий лимит запросов к облаку
// и потолок на длительность одной выгрузки.
const (
	defaultBin        = "rclone"
	defaultRPS        = 4
	defaultMaxRetries = 2
	defaultOpTimeout  = 30 * time.Minute
	stderrTailLimit   = 512
)

// Options — параметры адаптера.
type Options struct {
	// Bin — путь до бинаря rclone. Пусто — ищем в PATH.
	Bin string
	// Remote — корень назначения вида "drive:media". Обязателен.
	Remote string
	// RPS — лимит запусков rclone в секунду.
	RPS int
	// OpTimeout — потолок длительности одной операции.
	OpTimeout time.Duration
}

// Transfer реализует scheduler.Transfer поверх rclone.
type Transfer struct {
	bin       string
	remote    string
	opTimeout time.Duration
	throttle  *throttle.Throttler
}

var _ scheduler.Transfer = (*Transfer)(nil)

// New создаёт адаптер. Remote обязателен: без него некуда переносить.
func New(opts Options) (*Transfer, error) {
	if opts.Remote == "" {
		return nil, errors.New("rclone: remote is required")
	}
	if opts.Bin == "" {
		opts.Bin = defaultBin
	}
	if opts.RPS <= 0 {
		opts.RPS = defaultRPS
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = defaultOpTimeout
	}

	return &Transfer{
		bin:       opts.Bin,
		remote:    strings.TrimRight(opts.Remote, "/"),
		opTimeout: opts.OpTimeout,
		throttle:  throttle.New(opts.RPS, throttle.WithMaxRetries(defaultMaxRetries)),
	}, nil
}

// remotePath собирает путь объекта на удалённом диске: файлы каждого
// пользователя лежат в его собственном каталоге.
func (t *Transfer) remotePath(name, userID string) string {
	return t.remote + "/" + path.Join(userID, name)
}

// lsEntry — строка ответа rclone lsjson; прочие поля не нужны.
type lsEntry struct {
	Name string `json:"Name"`
	Size int64  `json:"Size"`
}

// GetRemoteFileInfo возвращает сведения об удалённом объекте либо (nil, nil),
// если объекта нет. Отсутствие объекта или каталога — не ошибка.
func (t *Transfer) GetRemoteFileInfo(ctx context.Context, name, userID string) (*scheduler.RemoteInfo, error) {
	var out []byte
	err := t.throttle.Do(ctx, func() error {
		var runErr error
		out, runErr = t.run(ctx, "lsjson", "--files-only", t.remotePath(name, userID))
		if runErr != nil && isNotFound(runErr) {
			out = nil
			return nil
		}
		return runErr
	})
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(out)) == 0 {
		return nil, nil
	}

	var entries []lsEntry
	if err := json.Unmarshal(out, &entries); err != nil {
		return nil, errors.Wrap(err, "parse lsjson output")
	}
	for _, e := range entries {
		if e.Name == name {
			return &scheduler.RemoteInfo{Size: e.Size}, nil
		}
	}
	return nil, nil
}

// UploadFile переносит один локальный файл на удалённый диск.
func (t *Transfer) UploadFile(ctx context.Context, req scheduler.UploadRequest) error {
	return t.throttle.Do(ctx, func() error {
		_, err := t.run(ctx, "copyto", req.LocalPath, t.remotePath(req.Name, req.UserID))
		return err
	})
}

// UploadBatch переносит группу файлов последовательно. Результаты выровнены
// с запросами: частичный успех пакета допустим.
func (t *Transfer) UploadBatch(ctx context.Context, reqs []scheduler.UploadRequest) []error {
	out := make([]error, len(reqs))
	for i, req := range reqs {
		out[i] = t.UploadFile(ctx, req)
	}
	return out
}

// run запускает rclone с таймаутом операции и возвращает stdout.
// В ошибку попадает хвост stderr: rclone пишет причину именно туда.
func (t *Transfer) run(ctx context.Context, args ...string) ([]byte, error) {
	opCtx, cancel := context.WithTimeout(ctx, t.opTimeout)
	defer cancel()

	cmd := exec.CommandContext(opCtx, t.bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Debugf("rclone: run %s %s", t.bin, strings.Join(args, " "))
	if err := cmd.Run(); err != nil {
		if opCtx.Err() != nil {
			return nil, opCtx.Err()
		}
		return nil, errors.Wrapf(err, "rclone %s: %s", args[0], stderrTail(stderr.Bytes()))
	}
	return stdout.Bytes(), nil
}

// isNotFound распознаёт «объект отсутствует» в выводе rclone.
func isNotFound(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "directory not found") ||
		strings.Contains(msg, "object not found") ||
		strings.Contains(msg, "error listing")
}

// stderrTail обрезает stderr до вменяемой длины для текста ошибки.
func stderrTail(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > stderrTailLimit {
		s = s[len(s)-stderrTailLimit:]
	}
	if s == "" {
		s = "no stderr output"
	}
	return s
}
