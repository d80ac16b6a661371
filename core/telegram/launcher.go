// Package telegram runs the Telegram bots of the fleet. A Launcher turns a
// tenant instance into a running bot with its own poller, middleware chain
// and outbound dispatcher; all bots share one HTTP client.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	coreconfig "github.com/m3rciful/shopfleet/core/config"
	"github.com/m3rciful/shopfleet/core/logger"
	"github.com/m3rciful/shopfleet/core/message"
	tghelpers "github.com/m3rciful/shopfleet/core/telegram/helpers"
	"github.com/m3rciful/shopfleet/core/telegram/keyboard"
	tgsender "github.com/m3rciful/shopfleet/core/telegram/sender"
	"github.com/m3rciful/shopfleet/core/tenant"

	tele "gopkg.in/telebot.v4"
)

// Middleware describes a global bot middleware to be registered via bot.Use.
type Middleware struct {
	Name string
	Use  tele.MiddlewareFunc
}

// Route declares a single bot handler bound to an arbitrary endpoint.
// Endpoint values are passed directly to tele.Bot.Handle.
type Route struct {
	Endpoint any
	Handler  tele.HandlerFunc
}

// RouteBuilder returns the handlers of one store's bot.
type RouteBuilder func(inst *tenant.Instance) []Route

// Options configures a Launcher.
type Options struct {
	Config   *coreconfig.Config
	Registry *Registry
	Routes   RouteBuilder
	// Client is shared by all bots; nil builds one from Config.
	Client *http.Client
	// APIURL overrides the Bot API address.
	APIURL string
	// StopTimeout bounds how long Stop waits for the update loop.
	StopTimeout time.Duration
	// OnLimited answers a rate limited update; nil drops it silently.
	OnLimited tele.HandlerFunc
}

// Launcher builds tenant bots.
type Launcher struct {
	opts Options
}

// NewLauncher returns a launcher; opts.Config is required.
func NewLauncher(opts Options) *Launcher {
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.Client == nil {
		opts.Client = BuildHTTPClient(PollTimeout(opts.Config.Telegram.LongPollTimeoutSeconds))
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 5 * time.Second
	}
	return &Launcher{opts: opts}
}

// Launch validates the instance's token with getMe and wires its bot. A
// refused token yields a tenant.CredentialError. The bot does not receive
// updates until Run is called.
func (l *Launcher) Launch(ctx context.Context, inst *tenant.Instance) (tenant.Bot, error) {
	start := time.Now()
	cfg := l.opts.Config
	b := &Bot{
		inst:        inst,
		registry:    l.opts.Registry,
		stopTimeout: l.opts.StopTimeout,
		release:     func() {},
	}

	settings := tele.Settings{
		URL:     l.opts.APIURL,
		Token:   inst.Token(),
		Client:  l.opts.Client,
		OnError: b.onError,
	}
	switch inst.Mode {
	case tenant.ModeWebhook:
		if cfg.Webhook.URL == "" {
			return nil, errors.New("telegram: webhook mode needs webhook.url")
		}
		b.webhookURL = WebhookURL(cfg.Webhook.URL, inst.StoreID)
		b.webhook = newWebhookPoller(WebhookSecret(inst.Token()), b.registerWebhook, b.pollError)
		settings.Poller = b.webhook
	default:
		settings.Poller = newLongPoller(PollTimeout(cfg.Telegram.LongPollTimeoutSeconds), b.pollError)
	}

	tb, err := tele.NewBot(settings)
	if err != nil {
		if credentialRefused(err) || tgsender.HTTPStatus(err) == http.StatusNotFound {
			return nil, &tenant.CredentialError{StoreID: inst.StoreID, Err: err}
		}
		return nil, fmt.Errorf("telegram: bot initialization failed: %s", tgsender.SanitizeError(err))
	}
	b.tb = tb
	b.out = tgsender.NewDispatcher(tgsender.Options{
		StoreID:      inst.StoreID,
		QueueSize:    cfg.Sender.QueueSize,
		Workers:      cfg.Sender.Workers,
		MaxRetries:   cfg.Sender.MaxRetries,
		RetryBackoff: time.Duration(cfg.Sender.RetryBackoffMS) * time.Millisecond,
	})

	mws, release := DefaultMiddlewares(cfg, inst, l.opts.OnLimited)
	b.release = release
	for _, mw := range mws {
		if mw.Use != nil {
			tb.Use(mw.Use)
		}
	}
	routes := 0
	if l.opts.Routes != nil {
		for _, route := range l.opts.Routes(inst) {
			if route.Endpoint == nil || route.Handler == nil {
				continue
			}
			tb.Handle(route.Endpoint, route.Handler)
			routes++
		}
	}
	b.publishCommands(ctx, inst.Settings())

	attrs := []slog.Attr{
		slog.String("status", "ok"),
		slog.String("mode", string(inst.Mode)),
		slog.Int("count", routes),
		slog.Duration("duration_ms", logger.RoundMS(time.Since(start))),
	}
	if tb.Me != nil {
		attrs = append(attrs, slog.String("username", tb.Me.Username))
	}
	if b.webhook != nil {
		attrs = append(attrs, slog.String("public_url", b.webhookURL))
	}
	logger.Info(ctx, logger.CompTG, "bot_launch", attrs...)
	return b, nil
}

// Bot is one store's running Telegram bot.
type Bot struct {
	inst     *tenant.Instance
	tb       *tele.Bot
	registry *Registry
	out      *tgsender.Dispatcher
	release  func()

	webhook    *webhookPoller
	webhookURL string

	stopTimeout time.Duration
	mu          sync.Mutex
	running     bool
	stopped     bool
	stopOnce    sync.Once
}

// Run receives updates until Stop is called.
func (b *Bot) Run() {
	if b.webhook == nil {
		// A webhook left over from webhook mode would make getUpdates fail.
		if err := b.tb.RemoveWebhook(); err != nil {
			b.pollError(err)
		}
	}
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.mu.Unlock()
	b.tb.Start()
}

// Stop ends the update loop and flushes queued outbound calls. It gives up
// waiting for the loop after the stop timeout.
func (b *Bot) Stop() {
	b.stopOnce.Do(func() {
		b.mu.Lock()
		b.stopped = true
		running := b.running
		b.mu.Unlock()

		if running {
			done := make(chan struct{})
			go func() {
				b.tb.Stop()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(b.stopTimeout):
				logger.Warn(b.ctx(), logger.CompTG, "bot_stop",
					slog.String("status", "degraded"),
					slog.String("reason", "timeout"),
				)
			}
		}
		b.out.Close()
		b.release()
	})
}

// Send delivers msg through the bot's dispatcher and waits for the outcome.
func (b *Bot) Send(ctx context.Context, msg message.Message) error {
	err := b.out.Do(ctx, "send", "sendMessage", func() error {
		_, err := b.tb.Send(tele.ChatID(msg.ChatID), msg.Text, keyboard.SendOptions(msg))
		return err
	})
	return DeliveryError(b.inst, err)
}

// ServeHTTP accepts webhook calls for this bot.
func (b *Bot) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if b.webhook == nil {
		http.NotFound(w, r)
		return
	}
	b.webhook.ServeHTTP(w, r)
}

// SettingsChanged republishes the command menu after a settings reload.
func (b *Bot) SettingsChanged(s *tenant.Settings) {
	b.publishCommands(b.ctx(), s)
}

func (b *Bot) publishCommands(ctx context.Context, s *tenant.Settings) {
	menu := b.registry.Menu(s)
	err := b.out.Enqueue(context.WithoutCancel(ctx), "set_commands", "setMyCommands", func() error {
		return b.tb.SetCommands(menu)
	})
	if err != nil {
		logger.Warn(ctx, logger.CompTG, "set_commands", slog.String("status", "fail"), slog.Any("err", err))
	}
}

func (b *Bot) registerWebhook() error {
	return b.tb.SetWebhook(&tele.Webhook{
		Endpoint:       &tele.WebhookEndpoint{PublicURL: b.webhookURL},
		SecretToken:    WebhookSecret(b.inst.Token()),
		AllowedUpdates: allowedUpdates,
	})
}

func (b *Bot) ctx() context.Context {
	return logger.WithStore(logger.Background(), b.inst.StoreID)
}

// pollError handles a failure to receive updates.
func (b *Bot) pollError(err error) {
	if credentialRefused(err) {
		b.inst.Fatal(&tenant.CredentialError{StoreID: b.inst.StoreID, Err: err})
		return
	}
	logger.Warn(b.ctx(), logger.CompTG, "poll",
		slog.String("status", "retry"),
		slog.String("err_code", tgsender.ClassifyError(err)),
		slog.String("err", tgsender.SanitizeError(err)),
	)
}

// onError receives errors returned by handlers.
func (b *Bot) onError(err error, c tele.Context) {
	ctx := b.ctx()
	if c != nil {
		ctx = tghelpers.BuildContext(c)
	}
	if credentialRefused(err) {
		b.inst.Fatal(&tenant.CredentialError{StoreID: b.inst.StoreID, Err: err})
	}
	logger.Warn(ctx, logger.CompTG, "handler_error",
		slog.String("status", "fail"),
		slog.String("err_code", tgsender.ClassifyError(err)),
		slog.String("err", tgsender.SanitizeError(err)),
	)
}

// DeliveryError maps a failed Bot API send. A refused token stops the
// instance; a recipient that blocked the bot or vanished is reported as
// message.ErrUndeliverable.
func DeliveryError(inst *tenant.Instance, err error) error {
	switch {
	case err == nil:
		return nil
	case credentialRefused(err):
		cerr := &tenant.CredentialError{StoreID: inst.StoreID, Err: err}
		inst.Fatal(cerr)
		return cerr
	case recipientGone(err):
		return fmt.Errorf("%w: %s", message.ErrUndeliverable, tgsender.SanitizeError(err))
	}
	return err
}

func credentialRefused(err error) bool {
	return errors.Is(err, tele.ErrUnauthorized) || tgsender.HTTPStatus(err) == http.StatusUnauthorized
}

func recipientGone(err error) bool {
	return errors.Is(err, tele.ErrChatNotFound) || tgsender.HTTPStatus(err) == http.StatusForbidden
}
