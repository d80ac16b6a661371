package middleware

import (
	"log/slog"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/m3rciful/shopfleet/core/logger"
	"github.com/m3rciful/shopfleet/core/observability"
	tghelpers "github.com/m3rciful/shopfleet/core/telegram/helpers"

	tele "gopkg.in/telebot.v4"
)

// RateLimitOptions configures behaviour of the rate limit middleware.
type RateLimitOptions struct {
	Interval time.Duration
	// Exclude lists update kinds ("message", "callback") that are never limited.
	Exclude   map[string]struct{}
	OnLimited tele.HandlerFunc
}

// RateLimiter enforces a minimum interval between updates of the same user.
// Users seen recently are kept in a TTL cache, so idle users cost nothing.
type RateLimiter struct {
	opts RateLimitOptions
	seen *ttlcache.Cache[int64, struct{}]
}

// NewRateLimiter starts the limiter's expiry loop; Close stops it.
func NewRateLimiter(opts RateLimitOptions) *RateLimiter {
	seen := ttlcache.New[int64, struct{}](
		ttlcache.WithTTL[int64, struct{}](opts.Interval),
		ttlcache.WithDisableTouchOnHit[int64, struct{}](),
	)
	go seen.Start()
	return &RateLimiter{opts: opts, seen: seen}
}

// Close stops the expiry loop.
func (l *RateLimiter) Close() { l.seen.Stop() }

// Allow reports whether userID may be served now and records the visit.
func (l *RateLimiter) Allow(userID int64) bool {
	if l.opts.Interval <= 0 {
		return true
	}
	_, found := l.seen.GetOrSet(userID, struct{}{})
	return !found
}

// Middleware drops updates that arrive faster than the interval.
func (l *RateLimiter) Middleware(next tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) error {
		user := c.Sender()
		if user == nil {
			return next(c)
		}
		kind := tghelpers.Kind(c)
		if kind == "photo" || kind == "document" {
			kind = "message"
		}
		if _, skip := l.opts.Exclude[kind]; skip {
			return next(c)
		}
		if l.Allow(user.ID) {
			return next(c)
		}

		observability.BotUpdates.WithLabelValues(kind, "rate_limited").Inc()
		logger.Warn(tghelpers.BuildContext(c), logger.CompTG, "rate_limit",
			slog.String("status", "rate_limited"),
			slog.String("kind", kind),
		)
		if l.opts.OnLimited != nil {
			_ = l.opts.OnLimited(c)
		}
		return nil
	}
}
