// Package web — операционная HTTP-поверхность реплики: health-пробы,
// перезагрузка конфигурации, подписанные вебхуки очереди и админка DLQ.
// Сервер не знает о Telegram и rclone: полезные нагрузки уходят в
// зарегистрированные обработчики тем.
package web

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"

	"media-ingest/internal/domain/queuebus"
	"media-ingest/internal/infra/concurrency"
	"media-ingest/internal/infra/logger"

	"go.uber.org/zap"
)

const (
	readTimeout  = 15 * time.Second
	writeTimeout = 15 * time.Second
	idleTimeout  = 60 * time.Second
)

// TopicHandler обрабатывает тело вебхука одной темы. Возвращает HTTP-статус
// и текст ответа; статус 0 означает 200 OK.
type TopicHandler func(ctx context.Context, body []byte) (int, string)

// StatusReport — ответ /api/v2/status.
type StatusReport struct {
	Instance   string `json:"instance"`
	Leader     bool   `json:"leader"`
	Active     int    `json:"active_tasks"`
	Waiting    int    `json:"waiting_tasks"`
	DeadLetter int    `json:"dead_letter"`
}

// Options — зависимости сервера.
type Options struct {
	Addr     string
	Verifier *queuebus.Signer
	Dedup    *concurrency.Deduplicator
	Dead     *queuebus.DeadLetter
	// Reload перечитывает конфигурацию процесса.
	Reload func() error
	// RetryDead повторно отправляет запись DLQ по id.
	RetryDead func(ctx context.Context, id int64) error
	// Status собирает текущее состояние реплики.
	Status func() StatusReport
	// SetWorkers пишет размеры пулов воркеров в общие настройки.
	SetWorkers func(ctx context.Context, download, upload int) error
	// Handlers — обработчики тем вебхука.
	Handlers map[string]TopicHandler
}

// Server — HTTP-сервер реплики.
type Server struct {
	srv      *http.Server
	opts     Options
	ready    atomic.Bool
	handlers map[string]TopicHandler
}

// NewServer собирает роутинг и сервер с таймаутами.
func NewServer(opts Options) (*Server, error) {
	switch {
	case opts.Addr == "":
		return nil, errors.New("web: addr is required")
	case opts.Verifier == nil:
		return nil, errors.New("web: signature verifier is required")
	case opts.Dedup == nil:
		return nil, errors.New("web: deduplicator is required")
	}

	s := &Server{
		opts:     opts,
		handlers: opts.Handlers,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/api/v2/config/refresh", s.handleConfigRefresh)
	mux.HandleFunc("/api/v2/tasks/", s.handleWebhook)
	mux.HandleFunc("/api/v2/status", s.handleStatus)
	mux.HandleFunc("/api/v2/settings/workers", s.handleWorkerSizing)
	mux.HandleFunc("/api/v2/queue/dead", s.handleDeadList)
	mux.HandleFunc("/api/v2/queue/dead/retry", s.handleDeadRetry)
	mux.HandleFunc("/api/v2/queue/dead/clear", s.handleDeadClear)

	s.srv = &http.Server{
		Addr:         opts.Addr,
		Handler:      loggingMiddleware(mux),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
	return s, nil
}

// Handler открывает корневой handler (для httptest).
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// SetReady переключает флаг готовности: /ready отвечает 200 только после
// завершения стартовой последовательности реплики.
func (s *Server) SetReady(ready bool) { s.ready.Store(ready) }

// Start запускает сервер и блокируется до Shutdown.
func (s *Server) Start() error {
	logger.Info("web: starting server", zap.String("address", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("web server error: %w", err)
	}
	return nil
}

// Shutdown корректно останавливает сервер.
func (s *Server) Shutdown(ctx context.Context) error {
	logger.Info("web: shutting down server")
	s.ready.Store(false)
	return s.srv.Shutdown(ctx)
}

// loggingMiddleware логирует все запросы.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.Debugf("HTTP %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}
