package web

import (
	"encoding/json"
	"net/http"

	"media-ingest/internal/infra/logger"

	"go.uber.org/zap"
)

// apiResponse — общий конверт ответов управляющих эндпоинтов.
type apiResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// writeResponse записывает байты ответа, логируя ошибку записи.
func writeResponse(w http.ResponseWriter, data []byte) {
	if _, err := w.Write(data); err != nil {
		logger.Error("web: failed to write response", zap.Error(err))
	}
}

// writeJSON сериализует payload и отвечает указанным статусом.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Error("web: failed to marshal response", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	writeResponse(w, data)
}
