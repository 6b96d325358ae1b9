package web

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"media-ingest/internal/domain/queuebus"
	"media-ingest/internal/infra/logger"
)

// maxWebhookBody — потолок тела вебхука. Полезные нагрузки очереди — это
// ссылки и метаданные, не сами медиа.
const maxWebhookBody = 1 << 20

// знакомые темы вебхука; всё прочее — 404.
var knownTopics = map[string]struct{}{
	queuebus.TopicDownload:     {},
	queuebus.TopicUpload:       {},
	queuebus.TopicSystemEvents: {},
	queuebus.TopicMediaBatch:   {},
}

// handleHealth — живость процесса: 200 всегда, пока процесс отвечает.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
	writeResponse(w, []byte("OK"))
}

// handleReady — готовность: 503, пока стартовая последовательность не
// подняла флаг.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		writeResponse(w, []byte("Not Ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	writeResponse(w, []byte("OK"))
}

// handleConfigRefresh перечитывает конфигурацию. Не-POST запросы уходят в
// общий маршрут вебхуков.
func (s *Server) handleConfigRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.handleWebhook(w, r)
		return
	}
	if s.opts.Reload == nil {
		writeJSON(w, http.StatusInternalServerError, apiResponse{Success: false, Message: "reload is not wired"})
		return
	}
	if err := s.opts.Reload(); err != nil {
		logger.Errorf("web: config refresh failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, apiResponse{Success: false, Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Success: true, Message: "configuration reloaded"})
}

// webhookIdentity — поля полезной нагрузки, участвующие в дедупликации.
type webhookIdentity struct {
	ChatID int64 `json:"chat_id"`
	MsgID  int   `json:"msg_id"`
}

// handleWebhook принимает подписанную доставку очереди и передаёт её
// обработчику темы. Невалидная подпись — 401; повторная доставка того же
// сообщения — 200 skipped_by_dedup без вызова обработчика.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	topic := strings.TrimPrefix(r.URL.Path, "/api/v2/tasks/")
	if _, ok := knownTopics[topic]; !ok {
		http.Error(w, "unknown topic", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	if !s.opts.Verifier.Verify(r.Header.Get(queuebus.SignatureHeader), body) {
		logger.Warnf("web: webhook %s rejected: bad signature from %s", topic, r.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	key, keyed := dedupKey(topic, body)
	if keyed && s.opts.Dedup.Seen(key) {
		w.WriteHeader(http.StatusOK)
		writeResponse(w, []byte("skipped_by_dedup"))
		return
	}

	handler, ok := s.handlers[topic]
	if !ok {
		http.Error(w, "topic has no handler", http.StatusNotImplemented)
		return
	}

	status, message := handler(r.Context(), body)
	if status >= http.StatusBadRequest && keyed {
		// Провал обработчика снимает сигнатуру: повторная доставка от брокера
		// не должна упереться в skipped_by_dedup.
		s.opts.Dedup.Forget(key)
	}
	if status == 0 {
		status = http.StatusOK
	}
	if message == "" {
		message = "OK"
	}
	w.WriteHeader(status)
	writeResponse(w, []byte(message))
}

// dedupKey строит ключ дедупликации из идентификатора исходного сообщения.
// Нулевой msg_id дедупликации не подлежит.
func dedupKey(topic string, body []byte) (string, bool) {
	var wire struct {
		Payload json.RawMessage `json:"payload"`
	}
	payload := body
	if err := json.Unmarshal(body, &wire); err == nil && len(wire.Payload) > 0 {
		payload = wire.Payload
	}

	var id webhookIdentity
	if err := json.Unmarshal(payload, &id); err != nil || id.MsgID == 0 {
		return "", false
	}
	return "webhook:" + topic + ":" + strconv.FormatInt(id.ChatID, 10) + ":" + strconv.Itoa(id.MsgID), true
}

// handleStatus отдаёт сводку по реплике.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.opts.Status == nil {
		http.Error(w, "status is not wired", http.StatusNotImplemented)
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Status())
}

// workerSizingRequest — тело POST /api/v2/settings/workers. Нулевое поле
// оставляет соответствующий пул без изменений.
type workerSizingRequest struct {
	Download int `json:"download"`
	Upload   int `json:"upload"`
}

// handleWorkerSizing записывает размеры пулов в общие настройки. Применяют их
// все реплики своими sizing-циклами, зажимая в собственные границы.
func (s *Server) handleWorkerSizing(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.opts.SetWorkers == nil {
		http.Error(w, "worker sizing is not wired", http.StatusNotImplemented)
		return
	}

	var req workerSizingRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxWebhookBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, apiResponse{Success: false, Message: "malformed body"})
		return
	}
	if req.Download < 0 || req.Upload < 0 {
		writeJSON(w, http.StatusBadRequest, apiResponse{Success: false, Message: "worker counts must be non-negative"})
		return
	}
	if req.Download == 0 && req.Upload == 0 {
		writeJSON(w, http.StatusBadRequest, apiResponse{Success: false, Message: "at least one of download/upload is required"})
		return
	}

	if err := s.opts.SetWorkers(r.Context(), req.Download, req.Upload); err != nil {
		logger.Errorf("web: worker sizing failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, apiResponse{Success: false, Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Success: true, Message: "worker sizing updated"})
}

// handleDeadList перечисляет записи DLQ.
func (s *Server) handleDeadList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.opts.Dead == nil {
		http.Error(w, "dead letter queue is not wired", http.StatusNotImplemented)
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Dead.List())
}

// handleDeadRetry повторно отправляет запись DLQ по id.
func (s *Server) handleDeadRetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.opts.RetryDead == nil {
		http.Error(w, "retry is not wired", http.StatusNotImplemented)
		return
	}

	id, err := strconv.ParseInt(r.URL.Query().Get("id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, apiResponse{Success: false, Message: "id query parameter is required"})
		return
	}
	if err := s.opts.RetryDead(r.Context(), id); err != nil {
		writeJSON(w, http.StatusInternalServerError, apiResponse{Success: false, Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Success: true, Message: "entry republished"})
}

// handleDeadClear очищает DLQ.
func (s *Server) handleDeadClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.opts.Dead == nil {
		http.Error(w, "dead letter queue is not wired", http.StatusNotImplemented)
		return
	}
	dropped := s.opts.Dead.Clear()
	writeJSON(w, http.StatusOK, apiResponse{Success: true, Message: "dropped " + strconv.Itoa(dropped) + " entries"})
}
