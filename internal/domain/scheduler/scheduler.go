// Package scheduler — ядро оркестрации: жизненный цикл задач переноса на этой
// реплике. Держит очереди download/upload с пулами воркеров, re-entry guard,
// списки ожидающих задач, буфер отложенных обновлений статуса и троттлинг
// прогресс-сообщений. Долговременное состояние — только в TaskStore;
// взаимное исключение между репликами — claim-блокировки координатора.

package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"media-ingest/internal/domain/monitor"
	"media-ingest/internal/domain/queuebus"
	"media-ingest/internal/domain/task"
	"media-ingest/internal/infra/clock"
	"media-ingest/internal/infra/concurrency"
	"media-ingest/internal/infra/logger"
	"media-ingest/internal/infra/taskstore"
)

// Действия, проверяемые через AuthGuard.
const actionCancelAny = "cancel_any"

// Значения по умолчанию.
const (
	defaultStalledThreshold = 5 * time.Minute
	defaultClaimTTL         = 10 * time.Minute
	defaultRefreshInterval  = 2 * time.Second
	defaultDebounceEdit     = 700 * time.Millisecond
	waitingRefreshInterval  = 5 * time.Second
)

// Options — зависимости и параметры планировщика.
type Options struct {
	Store    *taskstore.Store
	Locker   Locker
	Bus      Publisher
	UI       UIChannel
	Source   Source
	Transfer Transfer
	Auth     AuthGuard

	DownloadDir string

	DownloadWorkersMin int
	DownloadWorkersMax int
	UploadWorkersMin   int
	UploadWorkersMax   int

	StalledThreshold   time.Duration
	ClaimTTL           time.Duration
	MinRefreshInterval time.Duration
	DebounceEdit       time.Duration

	BatchMaxSize int
	BatchMaxAge  time.Duration

	Clock clock.Now
}

// Scheduler потокобезопасен; жизненный цикл Start/Stop.
type Scheduler struct {
	store    *taskstore.Store
	locker   Locker
	bus      Publisher
	ui       UIChannel
	source   Source
	transfer Transfer
	auth     AuthGuard

	downloadDir      string
	stalledThreshold time.Duration
	claimTTL         time.Duration
	now              clock.Now

	downloadPool *workerPool
	uploadPool   *workerPool
	active       *activeSet
	waiting      *taskList
	waitingUp    *taskList
	pending      *pendingBuffer
	gate         *monitor.RefreshGate
	debounce     *concurrency.Debouncer
	batcher      *uploadBatcher

	liveMu sync.Mutex
	live   map[int64]*liveTask

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	runOnce sync.Once
}

// New собирает планировщик. Store, UI, Source, Transfer и Locker обязательны.
func New(opts Options) (*Scheduler, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("scheduler: task store is nil")
	case opts.Locker == nil:
		return nil, errors.New("scheduler: locker is nil")
	case opts.UI == nil:
		return nil, errors.New("scheduler: ui channel is nil")
	case opts.Source == nil:
		return nil, errors.New("scheduler: source is nil")
	case opts.Transfer == nil:
		return nil, errors.New("scheduler: transfer client is nil")
	}

	nowFn := opts.Clock
	if nowFn == nil {
		nowFn = clock.System()
	}
	stalled := opts.StalledThreshold
	if stalled <= 0 {
		stalled = defaultStalledThreshold
	}
	claimTTL := opts.ClaimTTL
	if claimTTL <= 0 {
		claimTTL = defaultClaimTTL
	}
	refresh := opts.MinRefreshInterval
	if refresh <= 0 {
		refresh = defaultRefreshInterval
	}
	debounceEdit := opts.DebounceEdit
	if debounceEdit <= 0 {
		debounceEdit = defaultDebounceEdit
	}

	s := &Scheduler{
		store:            opts.Store,
		locker:           opts.Locker,
		bus:              opts.Bus,
		ui:               opts.UI,
		source:           opts.Source,
		transfer:         opts.Transfer,
		auth:             opts.Auth,
		downloadDir:      opts.DownloadDir,
		stalledThreshold: stalled,
		claimTTL:         claimTTL,
		now:              nowFn,
		active:           newActiveSet(),
		waiting:          newTaskList(),
		waitingUp:        newTaskList(),
		gate:             monitor.NewRefreshGate(refresh, nowFn),
		debounce:         concurrency.NewDebouncer(debounceEdit),
		live:             make(map[int64]*liveTask),
	}
	s.pending = newPendingBuffer(opts.Store, nowFn)
	s.downloadPool = newWorkerPool("download", opts.DownloadWorkersMin, opts.DownloadWorkersMax, s.runDownload)
	s.uploadPool = newWorkerPool("upload", opts.UploadWorkersMin, opts.UploadWorkersMax, s.runUpload)
	s.batcher = newUploadBatcher(opts.BatchMaxSize, opts.BatchMaxAge, opts.Transfer, nowFn)
	return s, nil
}

// Start запускает пулы и фоновые циклы; повторный вызов игнорируется.
func (s *Scheduler) Start(ctx context.Context) {
	s.runOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(ctx)
		s.downloadPool.Start(s.ctx)
		s.uploadPool.Start(s.ctx)
		s.batcher.Start(s.ctx)
		s.wg.Go(s.pendingLoop)
		s.wg.Go(s.waitingRefreshLoop)
		logger.Info("scheduler started",
			zap.Int("download_workers", s.downloadPool.Concurrency()),
			zap.Int("upload_workers", s.uploadPool.Concurrency()))
	})
}

// Stop останавливает циклы, дренирует батчер и финально флашит буфер
// отложенных обновлений.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.downloadPool.Stop()
	s.uploadPool.Stop()
	s.batcher.Stop()
	s.debounce.Stop()
	s.pending.Flush(context.Background())
	logger.Info("scheduler stopped")
}

// AddTask захватывает одно сообщение-источник: шлёт стартовое прогресс-сообщение,
// создаёт строку queued и ставит задачу в очередь скачивания. Провал персиста
// откатывает прогресс-сообщение в текст ошибки; провал отправки прогресс-
// сообщения проваливает вызов без создания строки.
func (s *Scheduler) AddTask(ctx context.Context, chatID int64, sourceMsgID int, userID, label string) (int64, error) {
	medias, err := s.source.GetMessages(ctx, chatID, []int{sourceMsgID})
	if err != nil {
		return 0, errors.Wrap(err, "fetch source message")
	}
	if len(medias) == 0 {
		return 0, errors.Errorf("message %d has no downloadable media", sourceMsgID)
	}
	media := medias[0]

	caption := label
	if caption == "" {
		caption = media.FileName
	}
	msgID, err := s.ui.SendMessage(ctx, chatID, fmt.Sprintf("📥 Захвачено: %s", caption))
	if err != nil {
		return 0, errors.Wrap(err, "send progress message")
	}

	row := &task.Task{
		UserID:      userID,
		ChatID:      chatID,
		MsgID:       msgID,
		SourceMsgID: sourceMsgID,
		FileName:    media.FileName,
		FileSize:    media.Size,
		Status:      task.StatusQueued,
	}
	if err := s.store.Create(ctx, row); err != nil {
		if editErr := s.ui.EditMessage(ctx, chatID, msgID, "❌ Не удалось поставить задачу"); editErr != nil {
			logger.Warnf("rollback edit failed for msg %d: %v", msgID, editErr)
		}
		return 0, errors.Wrap(err, "persist task")
	}

	s.enqueueDownload(&liveTask{row: row, media: media})
	s.publishEvent(ctx, "task_queued", row.ID, userID)
	return row.ID, nil
}

// AddBatchTasks захватывает несколько сообщений одним батчем: одно прогресс-
// сообщение на группу, по строке на медиа с общим group_id, атомарная вставка.
func (s *Scheduler) AddBatchTasks(ctx context.Context, chatID int64, sourceMsgIDs []int, userID string) ([]int64, error) {
	if len(sourceMsgIDs) == 0 {
		return nil, errors.New("batch is empty")
	}
	medias, err := s.source.GetMessages(ctx, chatID, sourceMsgIDs)
	if err != nil {
		return nil, errors.Wrap(err, "fetch source messages")
	}
	if len(medias) == 0 {
		return nil, errors.New("batch has no downloadable media")
	}

	msgID, err := s.ui.SendMessage(ctx, chatID, fmt.Sprintf("📥 Захвачено файлов: %d", len(medias)))
	if err != nil {
		return nil, errors.Wrap(err, "send batch progress message")
	}

	groupID := uuid.NewString()
	rows := make([]*task.Task, 0, len(medias))
	for _, media := range medias {
		rows = append(rows, &task.Task{
			UserID:      userID,
			ChatID:      chatID,
			MsgID:       msgID,
			SourceMsgID: media.MsgID,
			FileName:    media.FileName,
			FileSize:    media.Size,
			Status:      task.StatusQueued,
			GroupID:     groupID,
		})
	}
	if err := s.store.CreateBatch(ctx, rows); err != nil {
		if editErr := s.ui.EditMessage(ctx, chatID, msgID, "❌ Не удалось поставить батч"); editErr != nil {
			logger.Warnf("rollback edit failed for msg %d: %v", msgID, editErr)
		}
		return nil, errors.Wrap(err, "persist batch")
	}

	ids := make([]int64, 0, len(rows))
	for i, row := range rows {
		s.enqueueDownload(&liveTask{row: row, media: medias[i]})
		ids = append(ids, row.ID)
	}
	s.publishEvent(ctx, "batch_queued", rows[0].ID, userID)
	return ids, nil
}

// CancelTask отменяет задачу по требованию владельца или администратора.
// Ставит in-memory флаг живой задаче (воркер выйдет на ближайшем чекпоинте)
// и пишет cancelled в TaskStore. Идемпотентен для пользователя: по уже
// завершённой задаче тоже возвращает true.
func (s *Scheduler) CancelTask(ctx context.Context, taskID int64, requestorID string) bool {
	row, err := s.store.Get(ctx, taskID)
	if err != nil {
		logger.Warnf("cancel: read task %d failed: %v", taskID, err)
		return false
	}
	if row == nil {
		return false
	}
	if requestorID != row.UserID && (s.auth == nil || !s.auth.Can(requestorID, actionCancelAny)) {
		logger.Infof("cancel: user %s has no rights on task %d", requestorID, taskID)
		return false
	}

	if lt := s.lookupLive(taskID); lt != nil {
		lt.cancelled.Store(true)
		lt.abortTransfer()
	}

	if !row.Status.IsTerminal() {
		s.pending.Drop(taskID)
		changed, err := s.store.UpdateStatus(ctx, taskID, task.StatusCancelled, "")
		if err != nil {
			logger.Warnf("cancel: write for task %d failed: %v", taskID, err)
		}
		if changed {
			row.Status = task.StatusCancelled
			s.refreshMonitor(ctx, row, task.Progress{}, true)
		}
	}
	return true
}

// Init — восстановление после рестарта: находит зависшие незавершённые строки,
// перечитывает их источники и переподнимает задачи с валидным источником.
// Строки с некорректным chat_id отфильтрованы ещё на скане TaskStore.
func (s *Scheduler) Init(ctx context.Context) error {
	rows, err := s.store.ListStalled(ctx, s.now().Add(-s.stalledThreshold))
	if err != nil {
		return errors.Wrap(err, "list stalled tasks")
	}
	if len(rows) == 0 {
		return nil
	}
	logger.Infof("init: found %d stalled tasks", len(rows))

	for _, row := range rows {
		if s.lookupLive(row.ID) != nil {
			// Уже в работе или в очереди этой реплики.
			continue
		}
		medias, err := s.source.GetMessages(ctx, row.ChatID, []int{row.SourceMsgID})
		if err != nil || len(medias) == 0 {
			logger.Warnf("init: task %d source message %d is gone, skipping: %v",
				row.ID, row.SourceMsgID, err)
			continue
		}

		lt := &liveTask{row: row, media: medias[0]}
		switch row.Status {
		case task.StatusDownloaded, task.StatusUploading:
			s.enqueueUpload(lt)
		default:
			s.enqueueDownload(lt)
		}
		logger.Infof("init: re-enqueued task %d (status %s)", row.ID, row.Status)
	}
	return nil
}

// SetConcurrency меняет число воркеров пулов на лету (авто-скейлинг).
// Возвращает фактические значения после зажима в границы.
func (s *Scheduler) SetConcurrency(download, upload int) (int, int) {
	return s.downloadPool.SetConcurrency(download), s.uploadPool.SetConcurrency(upload)
}

// Stats — снимок состояния планировщика для /api/v2/status.
type Stats struct {
	Waiting         int `json:"waiting"`
	WaitingUpload   int `json:"waiting_upload"`
	Active          int `json:"active"`
	PendingUpdates  int `json:"pending_updates"`
	DownloadWorkers int `json:"download_workers"`
	UploadWorkers   int `json:"upload_workers"`
}

// Snapshot возвращает текущие счётчики.
func (s *Scheduler) Snapshot() Stats {
	return Stats{
		Waiting:         s.waiting.Len(),
		WaitingUpload:   s.waitingUp.Len(),
		Active:          s.active.Len(),
		PendingUpdates:  s.pending.Len(),
		DownloadWorkers: s.downloadPool.Concurrency(),
		UploadWorkers:   s.uploadPool.Concurrency(),
	}
}

// enqueueDownload регистрирует живую задачу и ставит её в очередь скачивания.
func (s *Scheduler) enqueueDownload(lt *liveTask) {
	s.registerLive(lt)
	s.waiting.Add(lt)
	if !s.downloadPool.Enqueue(lt) {
		s.waiting.Remove(lt.row.ID)
		s.dropLive(lt.row.ID)
	}
}

// enqueueUpload ставит задачу в очередь выгрузки.
func (s *Scheduler) enqueueUpload(lt *liveTask) {
	s.registerLive(lt)
	s.waitingUp.Add(lt)
	if !s.uploadPool.Enqueue(lt) {
		s.waitingUp.Remove(lt.row.ID)
	}
}

func (s *Scheduler) registerLive(lt *liveTask) {
	s.liveMu.Lock()
	s.live[lt.row.ID] = lt
	s.liveMu.Unlock()
}

func (s *Scheduler) lookupLive(taskID int64) *liveTask {
	s.liveMu.Lock()
	defer s.liveMu.Unlock()
	return s.live[taskID]
}

func (s *Scheduler) dropLive(taskID int64) {
	s.liveMu.Lock()
	delete(s.live, taskID)
	s.liveMu.Unlock()
}

// pendingLoop — флаш буфера отложенных обновлений раз в 10с и уборка раз в 5м.
func (s *Scheduler) pendingLoop() {
	flush := time.NewTicker(pendingFlushInterval)
	sweep := time.NewTicker(pendingSweepInterval)
	defer flush.Stop()
	defer sweep.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-flush.C:
			s.pending.Flush(s.ctx)
		case <-sweep.C:
			s.pending.Sweep()
		}
	}
}

// waitingRefreshLoop периодически обновляет прогресс-сообщения ожидающих
// задач. Итерация идёт по снимку списка: воркер может забрать задачу
// посреди прохода.
func (s *Scheduler) waitingRefreshLoop() {
	ticker := time.NewTicker(waitingRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			for _, lt := range s.waiting.Snapshot() {
				row := lt.snapshotRow()
				if row.Status != task.StatusQueued {
					continue
				}
				s.refreshMonitor(s.ctx, &row, task.Progress{Action: "downloading"}, false)
			}
		}
	}
}

// monitorKey — ключ дебаунса правок прогресс-сообщения.
func monitorKey(msgID int) string {
	return fmt.Sprintf("msg:%d", msgID)
}

// onProgress — вход для колбэков переноса. Не блокирует транспортный поток:
// кладёт обновление в дебаунсер и сразу возвращается.
func (s *Scheduler) onProgress(lt *liveTask, p task.Progress) {
	row := lt.snapshotRow()
	s.debounce.Trigger(monitorKey(row.MsgID), func() {
		s.refreshMonitor(s.ctx, &row, p, false)
	})
}

// refreshMonitor рендерит и правит прогресс-сообщение с учётом троттлинга.
// terminal=true обходит троттлинг. Ошибки UI логируются и проглатываются.
func (s *Scheduler) refreshMonitor(ctx context.Context, row *task.Task, p task.Progress, terminal bool) {
	if !s.gate.Allow(row.MsgID, terminal) {
		return
	}

	var (
		text string
		err  error
	)
	if row.InBatch() {
		// Батч-вид пересчитывается из живых строк группы.
		rows, listErr := s.store.ListByGroup(ctx, row.GroupID)
		if listErr != nil {
			logger.Warnf("monitor: list group %s failed: %v", row.GroupID, listErr)
			return
		}
		text, err = monitor.RenderBatch(rows, row.ID, p)
	} else {
		text, err = monitor.RenderSingle(row, p)
	}
	if err != nil {
		logger.Warnf("monitor: render for task %d failed: %v", row.ID, err)
		return
	}
	if err := s.ui.EditMessage(ctx, row.ChatID, row.MsgID, text); err != nil {
		logger.Warnf("monitor: edit msg %d failed: %v", row.MsgID, err)
	}
	if terminal {
		s.gate.Forget(row.MsgID)
	}
}

// markTerminal синхронно фиксирует терминальный статус: строка в TaskStore,
// зеркало в памяти, финальная правка UI и событие в шину.
func (s *Scheduler) markTerminal(ctx context.Context, lt *liveTask, status task.Status, errMsg string) {
	row := lt.snapshotRow()
	if !task.CanTransition(row.Status, status) {
		// Зеркало в памяти уже терминально (повторный финал или гонка с
		// отменой) — хранилище такую запись тоже не примет.
		logger.Debugf("terminal %s for task %d rejected: status is %s", status, row.ID, row.Status)
		s.dropLive(row.ID)
		return
	}
	s.pending.Drop(row.ID)
	// Отложенная прогресс-правка выталкивается до финальной: иначе её таймер
	// сработал бы после и перетёр финальный текст.
	s.debounce.Flush(monitorKey(row.MsgID))

	changed, err := s.store.UpdateStatus(ctx, row.ID, status, errMsg)
	if err != nil {
		logger.Warnf("terminal write for task %d failed: %v", row.ID, err)
	}
	if !changed && err == nil {
		// Строка уже терминальна (например, отменена параллельно) — не перетираем UI.
		s.dropLive(row.ID)
		return
	}

	lt.setStatus(status, errMsg)
	row.Status = status
	row.ErrorMsg = errMsg
	s.refreshMonitor(ctx, &row, task.Progress{Done: row.FileSize, Total: row.FileSize}, true)
	s.publishEvent(ctx, "task_"+string(status), row.ID, row.UserID)
	s.dropLive(row.ID)
}

// publishEvent шлёт событие жизненного цикла в шину (fire-and-forget).
func (s *Scheduler) publishEvent(ctx context.Context, event string, taskID int64, userID string) {
	if s.bus == nil {
		return
	}
	body, err := json.Marshal(map[string]any{
		"event":   event,
		"task_id": taskID,
		"user_id": userID,
	})
	if err != nil {
		return
	}
	s.bus.Publish(ctx, queuebus.TopicSystemEvents, body, queuebus.PublishOptions{
		CallerContext: "scheduler." + event,
	})
}
