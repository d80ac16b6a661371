// Package revocation tracks bearer tokens invalidated before their natural expiry.
package revocation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/m3rciful/shopfleet/core/logger"
	"github.com/m3rciful/shopfleet/core/observability"
)

// Entry records one revoked token. Entries are never mutated.
type Entry struct {
	TokenHash string    `db:"token_hash" json:"token_hash"`
	UserRef   string    `db:"user_ref" json:"user_ref"`
	RevokedAt time.Time `db:"revoked_at" json:"revoked_at"`
	ExpiresAt time.Time `db:"expires_at" json:"expires_at"`
	Reason    string    `db:"reason" json:"reason"`
}

// ExpiryFunc reads a token's natural expiry.
type ExpiryFunc func(token string) (time.Time, error)

// Persister keeps entries across restarts.
type Persister interface {
	SaveRevocation(ctx context.Context, e Entry) error
	LoadRevocations(ctx context.Context, now time.Time) ([]Entry, error)
	PurgeRevocations(ctx context.Context, now time.Time) (int64, error)
}

// HashToken returns the registry reference for a raw token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Registry answers IsRevoked in constant time from an in-process TTL map.
// Each entry's TTL ends at the token's own expiry.
type Registry struct {
	entries  *ttlcache.Cache[string, Entry]
	expiry   ExpiryFunc
	store    Persister
	now      func() time.Time
	interval time.Duration
	sync     time.Duration

	mu sync.Mutex
}

// Option customizes a Registry.
type Option func(*Registry)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithPurgeInterval sets how often Run purges expired entries.
func WithPurgeInterval(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithSyncInterval sets how often Run reads revocations written by other
// processes from the persistent store.
func WithSyncInterval(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.sync = d
		}
	}
}

// NewRegistry builds a registry. store may be nil.
func NewRegistry(expiry ExpiryFunc, store Persister, opts ...Option) *Registry {
	r := &Registry{
		entries: ttlcache.New(
			ttlcache.WithDisableTouchOnHit[string, Entry](),
		),
		expiry:   expiry,
		store:    store,
		now:      time.Now,
		interval: 10 * time.Minute,
		sync:     30 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Revoke invalidates token until its natural expiry. Revoking a token twice
// returns the original entry. An already expired token is a no-op and yields
// a zero Entry.
func (r *Registry) Revoke(ctx context.Context, token, userRef, reason string) (Entry, error) {
	expiresAt, err := r.expiry(token)
	if err != nil {
		return Entry{}, fmt.Errorf("revocation: read expiry: %w", err)
	}
	now := r.now()
	if !expiresAt.After(now) {
		observability.Revocations.WithLabelValues("expired_noop").Inc()
		return Entry{}, nil
	}

	hash := HashToken(token)
	r.mu.Lock()
	if item := r.entries.Get(hash); item != nil {
		r.mu.Unlock()
		observability.Revocations.WithLabelValues("duplicate").Inc()
		return item.Value(), nil
	}
	entry := Entry{
		TokenHash: hash,
		UserRef:   userRef,
		RevokedAt: now,
		ExpiresAt: expiresAt,
		Reason:    reason,
	}
	r.entries.Set(hash, entry, expiresAt.Sub(now))
	r.mu.Unlock()
	observability.Revocations.WithLabelValues("revoked").Inc()

	logger.Info(ctx, logger.CompRevocation, "revoke",
		slog.String("status", "ok"),
		slog.String("user_ref", userRef),
		slog.String("reason", reason),
		slog.Time("expires_at", expiresAt),
	)
	if r.store != nil {
		if err := r.store.SaveRevocation(ctx, entry); err != nil {
			return entry, fmt.Errorf("revocation: persist: %w", err)
		}
	}
	return entry, nil
}

// IsRevoked reports whether token was revoked and has not yet expired.
func (r *Registry) IsRevoked(token string) bool {
	return r.entries.Get(HashToken(token)) != nil
}

// Len returns the number of entries held in process.
func (r *Registry) Len() int {
	return r.entries.Len()
}

// Load warms the registry from the persistent store.
func (r *Registry) Load(ctx context.Context) (int, error) {
	loaded, err := r.refresh(ctx)
	if err != nil {
		return 0, err
	}
	logger.Info(ctx, logger.CompRevocation, "load",
		slog.String("status", "ok"),
		slog.Int("count", loaded),
	)
	return loaded, nil
}

// Sync picks up revocations other processes wrote to the persistent store,
// such as the revoke command or another replica. It returns how many were new.
func (r *Registry) Sync(ctx context.Context) (int, error) {
	added, err := r.refresh(ctx)
	if err != nil {
		return 0, err
	}
	if added > 0 {
		logger.Info(ctx, logger.CompRevocation, "sync",
			slog.String("status", "ok"),
			slog.Int("count", added),
		)
	}
	return added, nil
}

// refresh adds unexpired persistent entries the registry does not hold yet.
func (r *Registry) refresh(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	now := r.now()
	entries, err := r.store.LoadRevocations(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("revocation: load: %w", err)
	}
	added := 0
	r.mu.Lock()
	for _, e := range entries {
		if !e.ExpiresAt.After(now) || r.entries.Has(e.TokenHash) {
			continue
		}
		r.entries.Set(e.TokenHash, e, e.ExpiresAt.Sub(now))
		added++
	}
	r.mu.Unlock()
	observability.Revocations.WithLabelValues("loaded").Add(float64(added))
	return added, nil
}

// Purge drops entries past their natural expiry here and in the persistent store.
func (r *Registry) Purge(ctx context.Context) error {
	before := r.entries.Len()
	r.entries.DeleteExpired()
	purged := before - r.entries.Len()
	if purged > 0 {
		observability.Revocations.WithLabelValues("purged").Add(float64(purged))
	}
	if r.store == nil {
		return nil
	}
	n, err := r.store.PurgeRevocations(ctx, r.now())
	if err != nil {
		return fmt.Errorf("revocation: purge: %w", err)
	}
	logger.Debug(ctx, logger.CompRevocation, "purge",
		slog.Int("memory", purged),
		slog.Int64("durable", n),
	)
	return nil
}

// Run purges on the purge interval and syncs from the persistent store on
// the sync interval until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	purge := time.NewTicker(r.interval)
	defer purge.Stop()
	var syncC <-chan time.Time
	if r.store != nil {
		syncTicker := time.NewTicker(r.sync)
		defer syncTicker.Stop()
		syncC = syncTicker.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-purge.C:
			if err := r.Purge(ctx); err != nil {
				logger.Warn(ctx, logger.CompRevocation, "purge",
					slog.String("status", "fail"),
					slog.String("err", err.Error()),
				)
			}
		case <-syncC:
			if _, err := r.Sync(ctx); err != nil {
				logger.Warn(ctx, logger.CompRevocation, "sync",
					slog.String("status", "fail"),
					slog.String("err", err.Error()),
				)
			}
		}
	}
}
