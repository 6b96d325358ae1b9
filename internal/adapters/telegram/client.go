// Package telegram — адаптер MTProto: авторизация бота, чтение исходных
// сообщений, скачивание медиа и канал прогресс-сообщений. Планировщик видит
// только интерфейсы scheduler.Source и scheduler.UIChannel; всё специфичное
// для gotd (flood wait, rate limit, access hash) закрыто здесь.

package telegram

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/gotd/contrib/middleware/floodwait"
	"github.com/gotd/contrib/middleware/ratelimit"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/dcs"
	"github.com/gotd/td/tg"
	"golang.org/x/time/rate"

	"media-ingest/internal/infra/logger"
	"media-ingest/internal/infra/session"
)

// Options — параметры клиента.
type Options struct {
	APIID       int
	APIHash     string
	BotToken    string
	SessionFile string
	TestDC      bool
	ThrottleRPS int
}

// Client — обёртка над gotd-клиентом с управлением жизненным циклом.
type Client struct {
	opts   Options
	client *telegram.Client
	api    *tg.Client
	waiter *floodwait.Waiter
	peers  *peerCache

	stopped chan struct{}
	cancel  context.CancelFunc
}

// NewClient собирает MTProto-клиента: файловая сессия, flood-wait middleware
// и общий rate limit (burst = 2*rate, как и везде у нас).
func NewClient(opts Options) *Client {
	waiter := floodwait.NewWaiter()
	options := telegram.Options{
		SessionStorage: &session.FileStorage{Path: opts.SessionFile},
		Middlewares: []telegram.Middleware{
			waiter,
			ratelimit.New(
				rate.Limit(opts.ThrottleRPS),
				opts.ThrottleRPS*2, //nolint:mnd // burst = 2*rate
			),
		},
		Device: telegram.DeviceConfig{
			DeviceModel:   "media-ingest",
			SystemVersion: "linux",
			AppVersion:    "2.0",
		},
	}
	if opts.TestDC {
		options.DCList = dcs.Test()
	}

	c := &Client{
		opts:    opts,
		waiter:  waiter,
		peers:   newPeerCache(),
		stopped: make(chan struct{}),
	}
	c.client = telegram.NewClient(opts.APIID, opts.APIHash, options)
	c.api = c.client.API()
	return c
}

// API открывает низкоуровневый tg-клиент (для адаптеров этого пакета).
func (c *Client) API() *tg.Client { return c.api }

// Peers открывает кэш access hash.
func (c *Client) Peers() *peerCache { return c.peers }

// Start поднимает соединение и авторизует бота. Блокирует до готовности
// авторизации, затем держит сессию в фоне до Stop. Сессия живёт в отдельном
// контексте: ctx ограничивает только ожидание готовности.
func (c *Client) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	ready := make(chan error, 1)
	go func() {
		defer close(c.stopped)
		err := c.waiter.Run(runCtx, func(ctx context.Context) error {
			return c.client.Run(ctx, func(ctx context.Context) error {
				status, err := c.client.Auth().Status(ctx)
				if err != nil {
					ready <- errors.Wrap(err, "auth status")
					return err
				}
				if !status.Authorized {
					if _, err := c.client.Auth().Bot(ctx, c.opts.BotToken); err != nil {
						ready <- errors.Wrap(err, "bot auth")
						return err
					}
				}
				logger.Info("telegram: bot session is up")
				ready <- nil
				<-ctx.Done()
				return ctx.Err()
			})
		})
		if err != nil && runCtx.Err() == nil {
			logger.Errorf("telegram: session loop exited: %v", err)
		}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-ready:
		return err
	}
}

// Stop гасит сессию и дожидается завершения цикла.
func (c *Client) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.stopped
}
