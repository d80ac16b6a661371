// Package tenant supervises one bot instance per store. Instances are
// isolated: a bad credential, a failing start or a revoked token stops only
// the store it belongs to.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/m3rciful/shopfleet/core/catalog"
	"github.com/m3rciful/shopfleet/core/logger"
	"github.com/m3rciful/shopfleet/core/message"
	"github.com/m3rciful/shopfleet/core/observability"
)

// Mode selects how a bot receives updates.
type Mode string

const (
	ModeWebhook Mode = "webhook"
	ModePolling Mode = "polling"
)

// ParseMode maps a stored mode to a Mode. Empty means def.
func ParseMode(s string, def Mode) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return def, nil
	case "webhook":
		return ModeWebhook, nil
	case "polling", "longpoll", "long_poll":
		return ModePolling, nil
	}
	return "", fmt.Errorf("tenant: unknown run mode %q", s)
}

// Tenant is what Start needs to run a store's bot. A nil Settings is loaded
// from the settings source.
type Tenant struct {
	StoreID  string
	Token    string
	Mode     Mode
	Settings *Settings
}

// Bot is a running update loop.
type Bot interface {
	// Run receives updates until Stop is called.
	Run()
	// Stop ends the update loop. Handlers already running are not waited for.
	Stop()
	Send(ctx context.Context, msg message.Message) error
}

// SettingsAware is implemented by bots that react to reloaded settings, for
// example by republishing their command menu.
type SettingsAware interface {
	SettingsChanged(s *Settings)
}

// Launcher builds the bot of an instance. It validates the credential with
// the transport and returns a CredentialError when it is refused.
type Launcher interface {
	Launch(ctx context.Context, inst *Instance) (Bot, error)
}

// Source provides stored tenant data.
type Source interface {
	TenantSettings(ctx context.Context, storeID string) ([]byte, error)
	ActiveTenants(ctx context.Context) ([]catalog.BotCredential, error)
}

type running struct {
	inst *Instance
	bot  Bot
}

// Manager owns the running instances.
type Manager struct {
	launcher    Launcher
	source      Source
	defaultMode Mode
	stopTimeout time.Duration
	now         func() time.Time

	mu        sync.Mutex
	instances map[string]*running
}

// Option configures a Manager.
type Option func(*Manager)

// WithDefaultMode sets the mode used when a tenant has none.
func WithDefaultMode(m Mode) Option {
	return func(mgr *Manager) {
		if m != "" {
			mgr.defaultMode = m
		}
	}
}

// NewManager returns a manager with no running instances.
func NewManager(launcher Launcher, source Source, opts ...Option) *Manager {
	m := &Manager{
		launcher:    launcher,
		source:      source,
		defaultMode: ModePolling,
		stopTimeout: 10 * time.Second,
		now:         time.Now,
		instances:   make(map[string]*running),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

var tokenRe = regexp.MustCompile(`^[0-9]{5,20}:[A-Za-z0-9_-]{30,64}$`)

// ValidToken reports whether token has the shape of a bot token.
func ValidToken(token string) bool { return tokenRe.MatchString(token) }

// Start launches the bot of t. A store that is already running is restarted
// with the new credential once the new bot has launched; a refused credential
// leaves the running bot untouched.
func (m *Manager) Start(ctx context.Context, t Tenant) error {
	ctx = logger.WithStore(ctx, t.StoreID)
	if strings.TrimSpace(t.StoreID) == "" {
		return errors.New("tenant: store id is required")
	}
	if !ValidToken(t.Token) {
		observability.TenantEvents.WithLabelValues("credential_invalid").Inc()
		err := &CredentialError{StoreID: t.StoreID, Err: ErrMalformedToken}
		logger.Warn(ctx, logger.CompTenant, "tenant_start", slog.String("status", "fail"),
			slog.String("err_code", err.Code()))
		return err
	}
	mode, err := ParseMode(string(t.Mode), m.defaultMode)
	if err != nil {
		return err
	}
	t.Mode = mode

	settings := t.Settings
	if settings == nil {
		settings = m.loadSettings(ctx, t.StoreID)
	}

	inst := newInstance(t, settings, m.fatal)
	bot, err := m.launcher.Launch(ctx, inst)
	if err != nil {
		observability.TenantEvents.WithLabelValues("start_failed").Inc()
		logger.Error(ctx, logger.CompTenant, "tenant_start",
			slog.String("status", "fail"),
			slog.String("mode", string(mode)),
			slog.String("err_code", logger.ErrCode(err)),
			slog.Any("err", err),
		)
		var credErr *CredentialError
		if errors.As(err, &credErr) {
			return err
		}
		return fmt.Errorf("tenant %s: launch: %w", t.StoreID, err)
	}

	m.mu.Lock()
	prev, replaced := m.instances[t.StoreID]
	m.instances[t.StoreID] = &running{inst: inst, bot: bot}
	m.mu.Unlock()

	// The previous bot must stop polling before the new one starts.
	if replaced {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.stopTimeout)
		err := m.stopRunning(stopCtx, prev, "replaced")
		cancel()
		if err != nil {
			logger.Warn(ctx, logger.CompTenant, "tenant_replace", slog.String("status", "degraded"), slog.Any("err", err))
		}
	}
	go bot.Run()
	observability.TenantEvents.WithLabelValues("start").Inc()
	logger.Info(ctx, logger.CompTenant, "tenant_start",
		slog.String("status", "ok"),
		slog.String("mode", string(mode)),
	)
	return nil
}

func (m *Manager) loadSettings(ctx context.Context, storeID string) *Settings {
	s, err := m.fetchSettings(ctx, storeID)
	if err != nil {
		logger.Warn(ctx, logger.CompTenant, "settings_load",
			slog.String("status", "degraded"),
			slog.Any("err", err),
		)
		s = Default()
		s.LoadedAt = m.now().UTC()
	}
	return s
}

func (m *Manager) fetchSettings(ctx context.Context, storeID string) (*Settings, error) {
	if m.source == nil {
		s := Default()
		s.LoadedAt = m.now().UTC()
		return s, nil
	}
	raw, err := m.source.TenantSettings(ctx, storeID)
	if err != nil {
		return nil, fmt.Errorf("tenant %s: read settings: %w", storeID, err)
	}
	s, err := ParseSettings(raw)
	if err != nil {
		return nil, fmt.Errorf("tenant %s: %w", storeID, err)
	}
	s.LoadedAt = m.now().UTC()
	return s, nil
}

// ReloadSettings fetches the store's settings and swaps them into the running
// instance. The update loop keeps running and sessions are not touched. On
// error the previous settings stay in effect.
func (m *Manager) ReloadSettings(ctx context.Context, storeID string) (*Settings, error) {
	ctx = logger.WithStore(ctx, storeID)
	r, ok := m.get(storeID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRunning, storeID)
	}
	s, err := m.fetchSettings(ctx, storeID)
	if err != nil {
		observability.TenantEvents.WithLabelValues("reload_failed").Inc()
		logger.Warn(ctx, logger.CompTenant, "settings_reload", slog.String("status", "fail"), slog.Any("err", err))
		return nil, err
	}
	r.inst.settings.Store(s)
	if sa, ok := r.bot.(SettingsAware); ok {
		sa.SettingsChanged(s)
	}
	observability.TenantEvents.WithLabelValues("reload").Inc()
	logger.Info(ctx, logger.CompTenant, "settings_reload",
		slog.String("status", "ok"),
		slog.Int("count", len(s.CustomCommands)),
	)
	return s, nil
}

// Settings returns the settings in effect for storeID, or Default when the
// store is not running.
func (m *Manager) Settings(storeID string) *Settings {
	if r, ok := m.get(storeID); ok {
		return r.inst.Settings()
	}
	return Default()
}

// SendTo delivers msg through the store's bot.
func (m *Manager) SendTo(ctx context.Context, storeID string, msg message.Message) error {
	r, ok := m.get(storeID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRunning, storeID)
	}
	return r.bot.Send(ctx, msg)
}

// ServeWebhook hands an inbound webhook request to the store's bot.
func (m *Manager) ServeWebhook(w http.ResponseWriter, req *http.Request, storeID string) {
	r, ok := m.get(storeID)
	if !ok || r.inst.Mode != ModeWebhook {
		http.NotFound(w, req)
		return
	}
	h, ok := r.bot.(http.Handler)
	if !ok {
		http.NotFound(w, req)
		return
	}
	h.ServeHTTP(w, req)
}

// Running lists the store ids with a running instance.
func (m *Manager) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.instances))
	for id := range m.instances {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Instance returns the running instance of storeID.
func (m *Manager) Instance(storeID string) (*Instance, bool) {
	r, ok := m.get(storeID)
	if !ok {
		return nil, false
	}
	return r.inst, true
}

func (m *Manager) get(storeID string) (*running, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.instances[storeID]
	return r, ok
}

// Stop stops the store's update loop, then waits for in-flight handlers
// until ctx is done.
func (m *Manager) Stop(ctx context.Context, storeID string) error {
	m.mu.Lock()
	r, ok := m.instances[storeID]
	if ok {
		delete(m.instances, storeID)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRunning, storeID)
	}
	return m.stopRunning(ctx, r, "stop")
}

func (m *Manager) stopRunning(ctx context.Context, r *running, reason string) error {
	ctx = logger.WithStore(ctx, r.inst.StoreID)
	start := time.Now()
	drained := r.inst.drain()
	r.bot.Stop()
	select {
	case <-drained:
	case <-ctx.Done():
		observability.TenantEvents.WithLabelValues("stop_timeout").Inc()
		logger.Warn(ctx, logger.CompTenant, "tenant_stop",
			slog.String("status", "cancelled"),
			slog.String("cause", reason),
			slog.Duration("duration_ms", logger.RoundMS(time.Since(start))),
		)
		return fmt.Errorf("tenant %s: drain: %w", r.inst.StoreID, ctx.Err())
	}
	observability.TenantEvents.WithLabelValues("stop").Inc()
	logger.Info(ctx, logger.CompTenant, "tenant_stop",
		slog.String("status", "ok"),
		slog.String("cause", reason),
		slog.Duration("duration_ms", logger.RoundMS(time.Since(start))),
	)
	return nil
}

// fatal stops inst if it is still the running instance of its store.
func (m *Manager) fatal(inst *Instance, err error) {
	m.mu.Lock()
	r, ok := m.instances[inst.StoreID]
	if ok && r.inst == inst {
		delete(m.instances, inst.StoreID)
	} else {
		ok = false
	}
	m.mu.Unlock()

	ctx := logger.WithStore(logger.Background(), inst.StoreID)
	observability.TenantEvents.WithLabelValues("fatal").Inc()
	logger.Error(ctx, logger.CompTenant, "tenant_fatal",
		slog.String("err_code", logger.ErrCode(err)),
		slog.Any("err", err),
	)
	if !ok {
		return
	}
	go func() {
		stopCtx, cancel := context.WithTimeout(ctx, m.stopTimeout)
		defer cancel()
		_ = m.stopRunning(stopCtx, r, "fatal")
	}()
}

// StartAll starts every active tenant from the source. Failures are
// collected per store; the other stores still start.
func (m *Manager) StartAll(ctx context.Context) error {
	creds, err := m.source.ActiveTenants(ctx)
	if err != nil {
		return fmt.Errorf("tenant: list active tenants: %w", err)
	}
	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, cred := range creds {
		g.Go(func() error {
			mode, err := ParseMode(cred.Mode, m.defaultMode)
			if err == nil {
				err = m.Start(gctx, Tenant{StoreID: cred.StoreID, Token: cred.Token, Mode: mode})
			}
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	logger.Info(ctx, logger.CompTenant, "tenants_started",
		slog.String("status", logger.Status(errors.Join(errs...))),
		slog.Int("count", len(creds)-len(errs)),
	)
	return errors.Join(errs...)
}

// StopAll stops every instance concurrently.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	all := make([]*running, 0, len(m.instances))
	for id, r := range m.instances {
		all = append(all, r)
		delete(m.instances, id)
	}
	m.mu.Unlock()

	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)
	for _, r := range all {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.stopRunning(ctx, r, "shutdown"); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}
