// Runner — оркестрация жизненного цикла реплики: линейный запуск подсистем в
// правильном порядке, обработчики вебхуков шины и корректный graceful
// shutdown в обратном порядке. /ready отвечает 200 только после того, как вся
// стартовая последовательность отработала.

package app

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-faster/errors"

	"media-ingest/internal/domain/queuebus"
	"media-ingest/internal/domain/settings"
	"media-ingest/internal/infra/logger"
	"media-ingest/internal/web"
)

const (
	webShutdownTimeout  = 10 * time.Second
	retryDeadTimeout    = 30 * time.Second
	startTelegramBudget = 2 * time.Minute
	sizingInterval      = 30 * time.Second
)

// Runner управляет запуском и остановкой подсистем приложения.
type Runner struct {
	app *App
}

func newRunner(a *App) *Runner { return &Runner{app: a} }

// Run стартует сервисы и блокируется до отмены основного контекста.
// Порядок: web (не ready) → kv vacuum → координатор → шина → Telegram →
// планировщик + восстановление → ready.
func (r *Runner) Run() error {
	a := r.app

	var webWG sync.WaitGroup
	webWG.Go(func() {
		if err := a.webServer.Start(); err != nil {
			logger.Errorf("web server failed: %v", err)
			a.mainCancel()
		}
	})

	logger.Debug("starting service kv_vacuum")
	a.kvStore.StartVacuum(a.mainCtx)

	logger.Debug("starting service coordinator")
	if err := a.coord.Start(a.mainCtx); err != nil {
		r.stopAllServices(&webWG)
		return errors.Wrap(err, "start coordinator")
	}

	logger.Debug("starting service queue_bus")
	a.bus.Start(a.mainCtx)

	logger.Debug("starting service telegram_client")
	tgCtx, tgCancel := context.WithTimeout(a.mainCtx, startTelegramBudget)
	err := a.tgClient.Start(tgCtx)
	tgCancel()
	if err != nil {
		r.stopAllServices(&webWG)
		return errors.Wrap(err, "start telegram client")
	}

	logger.Debug("starting service scheduler")
	a.sched.Start(a.mainCtx)
	if err := a.sched.Init(a.mainCtx); err != nil {
		logger.Errorf("startup recovery failed: %v", err)
	}

	logger.Debug("starting service sizing_loop")
	var sizingWG sync.WaitGroup
	sizingWG.Go(func() { r.sizingLoop(a.mainCtx) })

	a.webServer.SetReady(true)
	logger.Info("replica is ready")

	<-a.mainCtx.Done()
	sizingWG.Wait()
	logger.Debug("shutdown signal received, stopping runner")
	r.stopAllServices(&webWG)
	return nil
}

// stopAllServices останавливает подсистемы в обратном порядке. Планировщик
// первым: его остановка сбрасывает pending-буфер в TaskStore; шина следом
// дожимает свои буферы.
func (r *Runner) stopAllServices(webWG *sync.WaitGroup) {
	a := r.app
	a.webServer.SetReady(false)

	logger.Debug("stopping service scheduler")
	if a.sched != nil {
		a.sched.Stop()
	}

	logger.Debug("stopping service queue_bus")
	if a.bus != nil {
		a.bus.Stop()
	}

	logger.Debug("stopping service telegram_client")
	if a.tgClient != nil {
		a.tgClient.Stop()
	}

	logger.Debug("stopping service coordinator")
	if a.coord != nil {
		a.coord.Stop()
	}

	logger.Debug("stopping service web_server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), webShutdownTimeout)
	if err := a.webServer.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("stop web server: %v", err)
	}
	cancel()
	webWG.Wait()

	if err := a.taskStore.Close(); err != nil {
		logger.Errorf("close task store: %v", err)
	}
	if err := a.kvStore.Close(); err != nil {
		logger.Errorf("close kv store: %v", err)
	}
}

// downloadPayload — тело вебхука темы download.
type downloadPayload struct {
	ChatID int64  `json:"chat_id"`
	MsgID  int    `json:"msg_id"`
	UserID string `json:"user_id"`
	Label  string `json:"label"`
}

// batchPayload — тело вебхука темы media-batch.
type batchPayload struct {
	ChatID int64  `json:"chat_id"`
	MsgIDs []int  `json:"msg_ids"`
	UserID string `json:"user_id"`
}

// topicHandlers связывает темы вебхука с операциями планировщика.
func (r *Runner) topicHandlers() map[string]web.TopicHandler {
	return map[string]web.TopicHandler{
		queuebus.TopicDownload:     r.handleDownload,
		queuebus.TopicMediaBatch:   r.handleMediaBatch,
		queuebus.TopicUpload:       r.handleUpload,
		queuebus.TopicSystemEvents: r.handleSystemEvent,
	}
}

// handleDownload ставит одиночную задачу из вебхука.
func (r *Runner) handleDownload(ctx context.Context, body []byte) (int, string) {
	var p downloadPayload
	if err := json.Unmarshal(unwrapPayload(body), &p); err != nil {
		return http.StatusBadRequest, "malformed payload"
	}
	if p.ChatID == 0 || p.MsgID == 0 {
		return http.StatusBadRequest, "chat_id and msg_id are required"
	}

	if _, err := r.app.sched.AddTask(ctx, p.ChatID, p.MsgID, p.UserID, p.Label); err != nil {
		logger.Errorf("webhook download: %v", err)
		return http.StatusInternalServerError, err.Error()
	}
	return 0, "processed"
}

// handleMediaBatch ставит пакет задач одной группой.
func (r *Runner) handleMediaBatch(ctx context.Context, body []byte) (int, string) {
	var p batchPayload
	if err := json.Unmarshal(unwrapPayload(body), &p); err != nil {
		return http.StatusBadRequest, "malformed payload"
	}
	if p.ChatID == 0 || len(p.MsgIDs) == 0 {
		return http.StatusBadRequest, "chat_id and msg_ids are required"
	}

	if _, err := r.app.sched.AddBatchTasks(ctx, p.ChatID, p.MsgIDs, p.UserID); err != nil {
		logger.Errorf("webhook media-batch: %v", err)
		return http.StatusInternalServerError, err.Error()
	}
	return 0, "processed"
}

// handleUpload — пинок восстановления: зависшие строки переизбираются тем же
// путём, что и при старте. Живые задачи защищены re-entry guard планировщика.
func (r *Runner) handleUpload(ctx context.Context, _ []byte) (int, string) {
	if err := r.app.sched.Init(ctx); err != nil {
		logger.Errorf("webhook upload: recovery sweep: %v", err)
		return http.StatusInternalServerError, err.Error()
	}
	return 0, "processed"
}

// handleSystemEvent принимает событие и оставляет его в журнале.
func (r *Runner) handleSystemEvent(_ context.Context, body []byte) (int, string) {
	logger.Infof("system event: %s", unwrapPayload(body))
	return 0, "processed"
}

// unwrapPayload снимает конверт шины {payload, meta}; голое тело возвращается
// как есть.
func unwrapPayload(body []byte) []byte {
	var wire struct {
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(body, &wire); err == nil && len(wire.Payload) > 0 {
		return wire.Payload
	}
	return body
}

// retryDead повторно публикует запись DLQ и дожидается итога доставки.
func (r *Runner) retryDead(ctx context.Context, id int64) error {
	future, err := r.app.bus.RetryDead(ctx, id)
	if err != nil {
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, retryDeadTimeout)
	defer cancel()
	res, err := future.Wait(waitCtx)
	if err != nil {
		return err
	}
	if !res.OK() {
		if res.Err != nil {
			return res.Err
		}
		return errors.New("delivery was not confirmed")
	}
	return nil
}

// setWorkerSizing пишет размеры пулов в общие настройки (вход — админ-эндпоинт
// /api/v2/settings/workers). Нулевое значение оставляет пул без изменений.
// Принявшая запрос реплика применяет размеры сразу, остальные — своими
// sizing-циклами.
func (r *Runner) setWorkerSizing(ctx context.Context, download, upload int) error {
	a := r.app
	if download > 0 {
		if err := a.settings.Set(ctx, settings.KeyDownloadWorkers, strconv.Itoa(download)); err != nil {
			return errors.Wrap(err, "write download workers setting")
		}
	}
	if upload > 0 {
		if err := a.settings.Set(ctx, settings.KeyUploadWorkers, strconv.Itoa(upload)); err != nil {
			return errors.Wrap(err, "write upload workers setting")
		}
	}
	r.applySizing(ctx)
	return nil
}

// sizingLoop периодически применяет размеры пулов из общих настроек.
// Настройки `setting:{download,upload}_workers` пишет админ-эндпоинт; реплики
// читают их и зажимают значения в свои границы.
func (r *Runner) sizingLoop(ctx context.Context) {
	ticker := time.NewTicker(sizingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.applySizing(ctx)
		}
	}
}

func (r *Runner) applySizing(ctx context.Context) {
	a := r.app
	stats := a.sched.Snapshot()
	download, upload := stats.DownloadWorkers, stats.UploadWorkers

	if n, found, err := a.settings.GetInt(ctx, settings.KeyDownloadWorkers); err != nil {
		logger.Warnf("sizing: read download workers: %v", err)
	} else if found {
		download = n
	}
	if n, found, err := a.settings.GetInt(ctx, settings.KeyUploadWorkers); err != nil {
		logger.Warnf("sizing: read upload workers: %v", err)
	} else if found {
		upload = n
	}

	if download != stats.DownloadWorkers || upload != stats.UploadWorkers {
		gotD, gotU := a.sched.SetConcurrency(download, upload)
		logger.Infof("sizing: pools resized to download=%d upload=%d", gotD, gotU)
	}
}

// statusReport собирает сводку для /api/v2/status.
func (r *Runner) statusReport() web.StatusReport {
	a := r.app
	stats := a.sched.Snapshot()

	leader := false
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	if ok, err := a.coord.IsLeader(ctx); err == nil {
		leader = ok
	}
	cancel()

	return web.StatusReport{
		Instance:   a.coord.InstanceID(),
		Leader:     leader,
		Active:     stats.Active,
		Waiting:    stats.Waiting,
		DeadLetter: a.bus.DeadLetters().Len(),
	}
}
