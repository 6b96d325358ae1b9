package queuebus

// Транспорт доставки сообщений шины. HTTPBroker публикует сообщение POST-ом
// на {endpoint}/{topic} с HMAC-подписью тела; получатель — вебхук-роут
// /api/v2/tasks/{topic} одной из реплик (или внешний брокер с тем же контрактом).

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-faster/errors"
)

// Broker — транспорт доставки одного сообщения. Реализация обязана вернуть
// ошибку с кодом (*StatusError) для HTTP-статусов вне 2xx, чтобы шина могла
// отличить ретраибельные сбои от окончательных.
type Broker interface {
	Send(ctx context.Context, topic string, body []byte) error
}

// StatusError — ошибка доставки с HTTP-кодом ответа брокера.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("broker responded %d: %s", e.Code, e.Body)
}

// Permanent сообщает, что повторять доставку бессмысленно (4xx).
func (e *StatusError) Permanent() bool {
	return e.Code >= 400 && e.Code < 500
}

// maxErrorBodyBytes ограничивает объём тела ошибки, попадающий в сообщение.
const maxErrorBodyBytes = 512

// defaultSendTimeout — таймаут одной попытки доставки.
const defaultSendTimeout = 15 * time.Second

// HTTPBroker доставляет сообщения HTTP-ом с подписью тела.
type HTTPBroker struct {
	endpoint string
	signer   *Signer
	client   *http.Client
}

// NewHTTPBroker создаёт брокера для базового адреса endpoint (без завершающего
// слеша). client=nil — клиент с таймаутом по умолчанию.
func NewHTTPBroker(endpoint string, signer *Signer, client *http.Client) (*HTTPBroker, error) {
	if endpoint == "" {
		return nil, errors.New("queuebus: broker endpoint is empty")
	}
	if signer == nil {
		return nil, errors.New("queuebus: broker signer is nil")
	}
	if client == nil {
		client = &http.Client{Timeout: defaultSendTimeout}
	}
	return &HTTPBroker{endpoint: endpoint, signer: signer, client: client}, nil
}

// Send публикует тело в топик. Ответ вне 2xx превращается в *StatusError.
func (b *HTTPBroker) Send(ctx context.Context, topic string, body []byte) error {
	url := fmt.Sprintf("%s/%s", b.endpoint, topic)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build broker request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, b.signer.Sign(body))

	resp, err := b.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "send broker request")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	return &StatusError{Code: resp.StatusCode, Body: string(respBody)}
}
