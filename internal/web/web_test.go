package web_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"media-ingest/internal/domain/queuebus"
	"media-ingest/internal/infra/concurrency"
	"media-ingest/internal/web"
)

const signingKey = "test-signing-key"

type testEnv struct {
	server  *web.Server
	signer  *queuebus.Signer
	handled []string
}

func newTestEnv(t *testing.T, tweak func(*web.Options)) *testEnv {
	t.Helper()

	signer, err := queuebus.NewSigner(signingKey, "")
	if err != nil {
		t.Fatalf("NewSigner() error: %v", err)
	}

	e := &testEnv{signer: signer}
	opts := web.Options{
		Addr:     "127.0.0.1:0",
		Verifier: signer,
		Dedup:    concurrency.NewDeduplicator(60),
		Reload:   func() error { return nil },
		Handlers: map[string]web.TopicHandler{
			queuebus.TopicDownload: func(_ context.Context, body []byte) (int, string) {
				e.handled = append(e.handled, string(body))
				return 0, "processed"
			},
		},
	}
	if tweak != nil {
		tweak(&opts)
	}

	server, err := web.NewServer(opts)
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}
	e.server = server
	return e
}

func (e *testEnv) post(t *testing.T, path string, body string, sign bool) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	if sign {
		req.Header.Set(queuebus.SignatureHeader, e.signer.Sign([]byte(body)))
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()

	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthAlwaysOK(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, nil)
	for _, path := range []string{"/health", "/healthz"} {
		if rec := e.get(t, path); rec.Code != http.StatusOK || rec.Body.String() != "OK" {
			t.Fatalf("GET %s = %d %q, want 200 OK", path, rec.Code, rec.Body.String())
		}
	}
}

func TestReadyFlipsWithFlag(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, nil)
	if rec := e.get(t, "/ready"); rec.Code != http.StatusServiceUnavailable || rec.Body.String() != "Not Ready" {
		t.Fatalf("before ready: %d %q, want 503 Not Ready", rec.Code, rec.Body.String())
	}

	e.server.SetReady(true)
	if rec := e.get(t, "/ready"); rec.Code != http.StatusOK {
		t.Fatalf("after ready: %d, want 200", rec.Code)
	}
}

func TestConfigRefresh(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, nil)
	rec := e.post(t, "/api/v2/config/refresh", "", false)
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh = %d, want 200", rec.Code)
	}
	var resp struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if !resp.Success || resp.Message == "" {
		t.Fatalf("response = %+v, want success with message", resp)
	}
}

func TestConfigRefreshFailure(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, func(o *web.Options) {
		o.Reload = func() error { return errors.New("env file is gone") }
	})

	rec := e.post(t, "/api/v2/config/refresh", "", false)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("failed refresh = %d, want 500", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "env file is gone") {
		t.Fatalf("failed refresh body = %q, want reload reason", rec.Body.String())
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, nil)
	body := `{"payload":{"chat_id":123,"msg_id":100}}`

	if rec := e.post(t, "/api/v2/tasks/download", body, false); rec.Code != http.StatusUnauthorized {
		t.Fatalf("unsigned webhook = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v2/tasks/download", strings.NewReader(body))
	req.Header.Set(queuebus.SignatureHeader, "garbage")
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("garbage signature = %d, want 401", rec.Code)
	}
	if len(e.handled) != 0 {
		t.Fatal("handler invoked despite bad signature")
	}
}

func TestWebhookDedupSecondDelivery(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, nil)
	body := `{"payload":{"chat_id":123,"msg_id":100}}`

	first := e.post(t, "/api/v2/tasks/download", body, true)
	if first.Code != http.StatusOK || first.Body.String() != "processed" {
		t.Fatalf("first delivery = %d %q, want 200 processed", first.Code, first.Body.String())
	}
	second := e.post(t, "/api/v2/tasks/download", body, true)
	if second.Code != http.StatusOK || second.Body.String() != "skipped_by_dedup" {
		t.Fatalf("second delivery = %d %q, want 200 skipped_by_dedup", second.Code, second.Body.String())
	}
	if len(e.handled) != 1 {
		t.Fatalf("handler invoked %d times, want 1", len(e.handled))
	}
}

func TestWebhookZeroMsgIDNeverDeduped(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, nil)
	body := `{"payload":{"chat_id":123}}`

	for i := 0; i < 2; i++ {
		rec := e.post(t, "/api/v2/tasks/download", body, true)
		if rec.Code != http.StatusOK || rec.Body.String() != "processed" {
			t.Fatalf("delivery %d = %d %q, want 200 processed", i, rec.Code, rec.Body.String())
		}
	}
	if len(e.handled) != 2 {
		t.Fatalf("handler invoked %d times, want 2", len(e.handled))
	}
}

func TestWebhookFailureReleasesDedup(t *testing.T) {
	t.Parallel()

	attempts := 0
	e := newTestEnv(t, func(o *web.Options) {
		o.Handlers = map[string]web.TopicHandler{
			queuebus.TopicDownload: func(_ context.Context, _ []byte) (int, string) {
				attempts++
				if attempts == 1 {
					return http.StatusInternalServerError, "transient"
				}
				return 0, "processed"
			},
		}
	})
	body := `{"payload":{"chat_id":123,"msg_id":100}}`

	if rec := e.post(t, "/api/v2/tasks/download", body, true); rec.Code != http.StatusInternalServerError {
		t.Fatalf("first delivery = %d, want 500", rec.Code)
	}
	// Провал снял сигнатуру: повторная доставка брокера обрабатывается заново.
	retry := e.post(t, "/api/v2/tasks/download", body, true)
	if retry.Code != http.StatusOK || retry.Body.String() != "processed" {
		t.Fatalf("redelivery = %d %q, want 200 processed", retry.Code, retry.Body.String())
	}
	if attempts != 2 {
		t.Fatalf("handler invoked %d times, want 2", attempts)
	}
}

func TestWorkerSizingEndpoint(t *testing.T) {
	t.Parallel()

	type call struct{ download, upload int }
	var calls []call
	e := newTestEnv(t, func(o *web.Options) {
		o.SetWorkers = func(_ context.Context, download, upload int) error {
			calls = append(calls, call{download, upload})
			return nil
		}
	})

	if rec := e.post(t, "/api/v2/settings/workers", `{"download":4,"upload":2}`, false); rec.Code != http.StatusOK {
		t.Fatalf("sizing = %d %q, want 200", rec.Code, rec.Body.String())
	}
	if len(calls) != 1 || calls[0] != (call{4, 2}) {
		t.Fatalf("SetWorkers calls = %+v, want [{4 2}]", calls)
	}

	for _, body := range []string{`not-json`, `{"download":-1}`, `{}`} {
		if rec := e.post(t, "/api/v2/settings/workers", body, false); rec.Code != http.StatusBadRequest {
			t.Fatalf("sizing with body %q = %d, want 400", body, rec.Code)
		}
	}
	if len(calls) != 1 {
		t.Fatalf("invalid bodies reached SetWorkers: %+v", calls)
	}
}

func TestWebhookUnknownTopic(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, nil)
	if rec := e.post(t, "/api/v2/tasks/nonsense", "{}", true); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown topic = %d, want 404", rec.Code)
	}
}

func TestConfigRefreshNonPostFallsThrough(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, nil)
	// GET уходит в маршрут вебхуков, где такой темы нет.
	if rec := e.get(t, "/api/v2/config/refresh"); rec.Code != http.StatusNotFound {
		t.Fatalf("GET refresh = %d, want 404 via webhook route", rec.Code)
	}
}

func TestDeadLetterAdmin(t *testing.T) {
	t.Parallel()

	dead := queuebus.NewDeadLetter(16, nil)
	dead.Add("download", []byte(`{"task":1}`), queuebus.ReasonPublishFailed)

	var retried []int64
	e := newTestEnv(t, func(o *web.Options) {
		o.Dead = dead
		o.RetryDead = func(_ context.Context, id int64) error {
			retried = append(retried, id)
			return nil
		}
	})

	rec := e.get(t, "/api/v2/queue/dead")
	if rec.Code != http.StatusOK {
		t.Fatalf("dead list = %d, want 200", rec.Code)
	}
	var entries []queuebus.DeadEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatalf("unmarshal dead list: %v", err)
	}
	if len(entries) != 1 || entries[0].Topic != "download" {
		t.Fatalf("dead list = %+v, want one download entry", entries)
	}

	if rec := e.post(t, "/api/v2/queue/dead/retry?id="+strconv.FormatInt(entries[0].ID, 10), "", false); rec.Code != http.StatusOK {
		t.Fatalf("dead retry = %d, want 200", rec.Code)
	}
	if len(retried) != 1 || retried[0] != entries[0].ID {
		t.Fatalf("retried = %v, want [%d]", retried, entries[0].ID)
	}

	if rec := e.post(t, "/api/v2/queue/dead/clear", "", false); rec.Code != http.StatusOK {
		t.Fatalf("dead clear = %d, want 200", rec.Code)
	}
	if dead.Len() != 0 {
		t.Fatalf("dead queue len = %d after clear, want 0", dead.Len())
	}
}
