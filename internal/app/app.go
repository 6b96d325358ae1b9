// Package app — верхний уровень сборки оркестратора медиа-переноса. Здесь
// связываются конфигурация, хранилища (bbolt KV + sqlite), шина сообщений,
// координатор реплик, MTProto-клиент, transfer-утилита и планировщик.
// Жизненным циклом управляет Runner (runner.go).
package app

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-faster/errors"

	"media-ingest/internal/adapters/rclone"
	"media-ingest/internal/adapters/telegram"
	"media-ingest/internal/domain/auth"
	"media-ingest/internal/domain/coordinator"
	"media-ingest/internal/domain/queuebus"
	"media-ingest/internal/domain/scheduler"
	"media-ingest/internal/domain/settings"
	"media-ingest/internal/infra/concurrency"
	"media-ingest/internal/infra/config"
	"media-ingest/internal/infra/kv"
	"media-ingest/internal/infra/taskstore"
	"media-ingest/internal/web"
)

// App агрегирует зависимости реплики и управляет их связью.
// Порядок полей повторяет порядок старта: хранилища, координация, шина,
// Telegram, планировщик, HTTP-поверхность.
type App struct {
	mainCtx    context.Context
	mainCancel context.CancelFunc

	kvStore   *kv.BoltStore
	taskStore *taskstore.Store
	signer    *queuebus.Signer
	bus       *queuebus.Bus
	coord     *coordinator.Coordinator
	tgClient  *telegram.Client
	sched     *scheduler.Scheduler
	settings  *settings.Repository
	dedup     *concurrency.Deduplicator
	webServer *web.Server

	runner *Runner
}

// NewApp создаёт пустой каркас приложения. Фактическая инициализация — Init().
func NewApp() *App { return &App{} }

// Init собирает все подсистемы по текущей конфигурации. Порядок создания
// важен: координатору нужен KV, шине — подписант, планировщику — всё разом.
func (a *App) Init(mainCtx context.Context, mainCancel context.CancelFunc) error {
	a.mainCtx = mainCtx
	a.mainCancel = mainCancel
	env := config.Env()

	// 1) Локальные хранилища.
	kvStore, err := kv.OpenBolt(env.KVFile, nil)
	if err != nil {
		return fmt.Errorf("open kv store: %w", err)
	}
	a.kvStore = kvStore

	taskStore, err := taskstore.Open(env.TaskDBFile, nil)
	if err != nil {
		return fmt.Errorf("open task store: %w", err)
	}
	a.taskStore = taskStore

	// 2) Подпись вебхуков: текущий ключ обязателен, следующий — для ротации.
	signer, err := queuebus.NewSigner(env.CurrentSigningKey, env.NextSigningKey)
	if err != nil {
		return errors.Wrap(err, "init webhook signer")
	}
	a.signer = signer

	// 3) Координатор реплик поверх KV.
	coord, err := coordinator.New(coordinator.Options{
		Store:             kvStore,
		URL:               env.InstanceURL,
		HeartbeatInterval: time.Duration(env.HeartbeatSec) * time.Second,
		InstanceTimeout:   time.Duration(env.InstanceTimeoutSec) * time.Second,
	})
	if err != nil {
		return errors.Wrap(err, "init coordinator")
	}
	a.coord = coord

	// 4) Шина сообщений. Пустой endpoint означает петлю на собственный
	// вебхук-приёмник: удобно для одиночной реплики и стендов.
	endpoint := env.QueueEndpoint
	if endpoint == "" {
		endpoint = "http://" + env.WebAddress + "/api/v2/tasks"
	}
	broker, err := queuebus.NewHTTPBroker(endpoint, signer, nil)
	if err != nil {
		return errors.Wrap(err, "init queue broker")
	}
	bus, err := queuebus.New(queuebus.Options{
		Broker:       broker,
		BatchSize:    env.QueueBatchSize,
		BatchTimeout: time.Duration(env.QueueBatchTimeoutMS) * time.Millisecond,
		MaxBuffer:    env.QueueMaxBuffer,
		InstanceID:   coord.InstanceID(),
		DebugContext: env.DebugCallerContext,
	})
	if err != nil {
		return errors.Wrap(err, "init queue bus")
	}
	a.bus = bus

	// 5) Telegram: клиент, источник медиа, канал прогресс-сообщений.
	a.tgClient = telegram.NewClient(telegram.Options{
		APIID:       env.APIID,
		APIHash:     env.APIHash,
		BotToken:    env.BotToken,
		SessionFile: env.SessionFile,
		TestDC:      env.TestDC,
		ThrottleRPS: env.ThrottleRPS,
	})
	source := telegram.NewSource(a.tgClient)
	ui := telegram.NewUI(a.tgClient, env.ThrottleRPS)

	// 6) Перенос на удалённый диск.
	transfer, err := rclone.New(rclone.Options{
		Bin:    env.RcloneBin,
		Remote: env.RcloneRemote,
	})
	if err != nil {
		return errors.Wrap(err, "init transfer client")
	}

	// 7) Планировщик.
	guard := auth.NewAdminGuard([]string{strconv.FormatInt(env.AdminUID, 10)})
	sched, err := scheduler.New(scheduler.Options{
		Store:              taskStore,
		Locker:             coord,
		Bus:                bus,
		UI:                 ui,
		Source:             source,
		Transfer:           transfer,
		Auth:               guard,
		DownloadDir:        env.DownloadDir,
		DownloadWorkersMin: env.DownloadWorkersMin,
		DownloadWorkersMax: env.DownloadWorkersMax,
		UploadWorkersMin:   env.UploadWorkersMin,
		UploadWorkersMax:   env.UploadWorkersMax,
		StalledThreshold:   time.Duration(env.StalledThresholdMin) * time.Minute,
		MinRefreshInterval: time.Duration(env.MinRefreshIntervalMS) * time.Millisecond,
		DebounceEdit:       time.Duration(env.DebounceEditMS) * time.Millisecond,
	})
	if err != nil {
		return errors.Wrap(err, "init scheduler")
	}
	a.sched = sched
	a.settings = settings.New(kvStore, time.Minute)

	// 8) HTTP-поверхность: пробы, вебхуки, админка DLQ.
	a.dedup = concurrency.NewDeduplicator(env.DedupWindowSec)
	a.runner = newRunner(a)

	webServer, err := web.NewServer(web.Options{
		Addr:       env.WebAddress,
		Verifier:   signer,
		Dedup:      a.dedup,
		Dead:       bus.DeadLetters(),
		Reload:     config.Reload,
		RetryDead:  a.runner.retryDead,
		Status:     a.runner.statusReport,
		SetWorkers: a.runner.setWorkerSizing,
		Handlers:   a.runner.topicHandlers(),
	})
	if err != nil {
		return errors.Wrap(err, "init web server")
	}
	a.webServer = webServer
	return nil
}

// Run запускает собранное приложение и блокируется до завершения.
func (a *App) Run() error {
	if a.runner == nil {
		return errors.New("app: Init must be called before Run")
	}
	return a.runner.Run()
}
