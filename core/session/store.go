package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/m3rciful/shopfleet/core/config"
	"github.com/m3rciful/shopfleet/core/logger"
	"github.com/m3rciful/shopfleet/core/observability"
)

// ErrUnavailable marks a failed remote operation. It never reaches callers of
// Get, Set or Delete; it is logged and the in-process map serves instead.
var ErrUnavailable = errors.New("session: remote store unavailable")

// Health is the remote store state as seen by this process.
type Health string

const (
	// HealthDisabled means no remote store is configured.
	HealthDisabled Health = "disabled"
	HealthHealthy  Health = "healthy"
	// HealthDegraded means remote ops are skipped while reconnecting.
	HealthDegraded Health = "degraded"
	// HealthGaveUp means reconnect attempts ran out; fallback only until restart.
	HealthGaveUp Health = "gave_up"
)

// Options tunes a Store.
type Options struct {
	TTL               time.Duration
	SweepInterval     time.Duration
	QueueSize         int
	OpTimeout         time.Duration
	ReconnectAttempts int
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	WarnEvery         time.Duration
	Now               func() time.Time
}

// OptionsFromConfig builds Options from normalized configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		TTL:               cfg.Session.TTL,
		SweepInterval:     cfg.Session.SweepInterval,
		QueueSize:         cfg.Session.QueueSize,
		OpTimeout:         cfg.Redis.OpTimeout,
		ReconnectAttempts: cfg.Session.ReconnectAttempts,
		ReconnectBase:     cfg.Session.ReconnectBase,
		ReconnectMax:      cfg.Session.ReconnectMax,
		WarnEvery:         cfg.Logging.WarnEvery,
	}
}

func (o *Options) normalize() {
	if o.TTL <= 0 {
		o.TTL = 24 * time.Hour
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = time.Hour
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = 2 * time.Second
	}
	if o.ReconnectAttempts <= 0 {
		o.ReconnectAttempts = 5
	}
	if o.ReconnectBase <= 0 {
		o.ReconnectBase = time.Second
	}
	if o.ReconnectMax < o.ReconnectBase {
		o.ReconnectMax = 30 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type opKind string

const (
	opSave   opKind = "save"
	opRemove opKind = "remove"
)

type remoteOp struct {
	kind opKind
	key  Key
	data []byte
}

// Store serves sessions from an in-process TTL map and mirrors writes to an
// optional Remote through a bounded queue drained by one worker.
type Store struct {
	opts   Options
	local  *ttlcache.Cache[string, *Session]
	remote Remote
	warn   *logger.WarnLimiter

	health atomic.Value

	mu     sync.RWMutex
	closed bool
	queue  chan remoteOp
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewStore constructs a Store. remote may be nil for a process-local store.
func NewStore(remote Remote, opts Options) *Store {
	opts.normalize()
	s := &Store{
		opts:   opts,
		remote: remote,
		local: ttlcache.New(
			ttlcache.WithTTL[string, *Session](opts.TTL),
		),
		warn:  logger.NewWarnLimiter(logger.CompSession, opts.WarnEvery),
		queue: make(chan remoteOp, opts.QueueSize),
		done:  make(chan struct{}),
	}
	s.local.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *Session]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		s.enqueue(remoteOp{kind: opRemove, key: item.Value().Key})
	})
	if remote == nil {
		s.health.Store(HealthDisabled)
		return s
	}
	s.health.Store(HealthHealthy)
	s.wg.Add(1)
	go s.drain()
	return s
}

// Health returns the current remote state.
func (s *Store) Health() Health {
	return s.health.Load().(Health)
}

// Len returns the number of sessions held in process.
func (s *Store) Len() int {
	return s.local.Len()
}

// Get returns a copy of the session for key. An unseen key yields a fresh
// default session, which is stored before it is returned.
func (s *Store) Get(ctx context.Context, key Key) *Session {
	id := key.String()
	if item := s.local.Get(id); item != nil {
		return item.Value().Clone()
	}
	if sess := s.loadRemote(ctx, key); sess != nil {
		s.local.Set(id, sess, ttlcache.DefaultTTL)
		return sess.Clone()
	}
	fresh := New(key, s.opts.Now())
	s.local.Set(id, fresh, ttlcache.DefaultTTL)
	return fresh.Clone()
}

// Set stores a copy of sess. The remote write happens in the background.
func (s *Store) Set(ctx context.Context, sess *Session) {
	if sess == nil {
		return
	}
	cp := sess.Clone()
	s.local.Set(cp.Key.String(), cp, ttlcache.DefaultTTL)
	if s.remote == nil {
		return
	}
	data, err := json.Marshal(cp)
	if err != nil {
		logger.Error(ctx, logger.CompSession, "encode",
			slog.String("status", "fail"),
			slog.String("key", cp.Key.String()),
			slog.String("err", err.Error()),
		)
		return
	}
	s.enqueue(remoteOp{kind: opSave, key: cp.Key, data: data})
}

// Delete drops the session for key locally and remotely.
func (s *Store) Delete(_ context.Context, key Key) {
	s.local.Delete(key.String())
	s.enqueue(remoteOp{kind: opRemove, key: key})
}

// Sweep evicts sessions idle longer than the TTL and queues their remote
// deletes. Only expired entries are visited.
func (s *Store) Sweep() int {
	before := s.local.Len()
	s.local.DeleteExpired()
	removed := before - s.local.Len()
	if removed > 0 {
		logger.Debug(logger.Background(), logger.CompSession, "sweep",
			slog.Int("removed", removed),
			slog.Int("remaining", s.local.Len()),
		)
	}
	return removed
}

// Run sweeps on the configured interval until ctx is done or the store closes.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Close stops accepting remote writes, drains the queue and stops reconnecting.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	close(s.done)
	s.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) enqueue(op remoteOp) {
	if s.remote == nil || s.Health() != HealthHealthy {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- op:
	default:
		observability.SessionQueueDropped.Inc()
		s.warn.Warn(logger.Background(), "queue_full", "remote.dropped",
			slog.String("op", string(op.kind)),
			slog.Int("queue_size", s.opts.QueueSize),
		)
	}
}

func (s *Store) drain() {
	defer s.wg.Done()
	for op := range s.queue {
		if s.Health() != HealthHealthy {
			observability.SessionRemote.WithLabelValues(string(op.kind), "skipped").Inc()
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.OpTimeout)
		var err error
		switch op.kind {
		case opSave:
			err = s.remote.Save(ctx, op.key, op.data, s.opts.TTL)
		case opRemove:
			err = s.remote.Remove(ctx, op.key)
		}
		cancel()
		observability.SessionRemote.WithLabelValues(string(op.kind), logger.Status(err)).Inc()
		if err != nil {
			s.degrade(string(op.kind), op.key, err)
		}
	}
}

func (s *Store) loadRemote(ctx context.Context, key Key) *Session {
	if s.remote == nil || s.Health() != HealthHealthy {
		return nil
	}
	lctx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
	data, err := s.remote.Load(lctx, key)
	cancel()
	observability.SessionRemote.WithLabelValues("load", logger.Status(err)).Inc()
	if err != nil {
		s.degrade("load", key, err)
		return nil
	}
	if data == nil {
		return nil
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		logger.Warn(ctx, logger.CompSession, "decode",
			slog.String("status", "fail"),
			slog.String("key", key.String()),
			slog.String("err", err.Error()),
		)
		return nil
	}
	sess.Key = key
	return &sess
}

// degrade records a failed remote op and starts reconnecting if this is the
// first failure since the store was last healthy.
func (s *Store) degrade(class string, key Key, err error) {
	s.warn.Warn(logger.Background(), class, "remote.unavailable",
		slog.String("status", "degraded"),
		slog.String("key", key.String()),
		slog.String("err", errors.Join(ErrUnavailable, err).Error()),
	)
	if !s.health.CompareAndSwap(HealthHealthy, HealthDegraded) {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	s.wg.Add(1)
	go s.reconnect()
}

func (s *Store) reconnect() {
	defer s.wg.Done()
	delay := s.opts.ReconnectBase
	for attempt := 1; attempt <= s.opts.ReconnectAttempts; attempt++ {
		timer := time.NewTimer(delay)
		select {
		case <-s.done:
			timer.Stop()
			return
		case <-timer.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.OpTimeout)
		err := s.remote.Ping(ctx)
		cancel()
		if err == nil {
			s.health.Store(HealthHealthy)
			logger.Info(logger.Background(), logger.CompSession, "remote.recovered",
				slog.String("status", "ok"),
				slog.Int("attempt", attempt),
			)
			return
		}
		s.warn.Warn(logger.Background(), "reconnect", "remote.reconnect_failed",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("err", err.Error()),
		)
		delay *= 2
		if delay > s.opts.ReconnectMax {
			delay = s.opts.ReconnectMax
		}
	}
	s.health.Store(HealthGaveUp)
	logger.Error(logger.Background(), logger.CompSession, "remote.gave_up",
		slog.String("status", "fail"),
		slog.Int("attempts", s.opts.ReconnectAttempts),
	)
}
