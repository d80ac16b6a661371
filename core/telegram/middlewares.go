package telegram

import (
	"strings"
	"time"

	coreconfig "github.com/m3rciful/shopfleet/core/config"
	"github.com/m3rciful/shopfleet/core/telegram/middleware"
	"github.com/m3rciful/shopfleet/core/tenant"

	tele "gopkg.in/telebot.v4"
)

// DefaultMiddlewares builds the middleware chain of one store's bot, outermost
// first. The returned func releases resources held by the chain.
func DefaultMiddlewares(cfg *coreconfig.Config, inst *tenant.Instance, onLimited tele.HandlerFunc) ([]Middleware, func()) {
	mws := []Middleware{
		{Name: "recover", Use: middleware.RecoverMiddleware},
		{Name: "logger", Use: middleware.LoggerMiddleware(inst.StoreID)},
		{Name: "inflight", Use: middleware.InflightMiddleware(inst)},
	}
	release := func() {}

	if cfg != nil {
		interval := time.Duration(cfg.RateLimit.IntervalMS) * time.Millisecond
		if interval > 0 {
			ex := make(map[string]struct{}, len(cfg.RateLimit.ExcludeUpdates))
			for _, t := range cfg.RateLimit.ExcludeUpdates {
				ex[strings.ToLower(t)] = struct{}{}
			}
			limiter := middleware.NewRateLimiter(middleware.RateLimitOptions{
				Interval:  interval,
				Exclude:   ex,
				OnLimited: onLimited,
			})
			mws = append(mws, Middleware{Name: "rate_limit", Use: limiter.Middleware})
			release = limiter.Close
		}
	}

	mws = append(mws, Middleware{Name: "metrics", Use: middleware.MessageMetricsMiddleware})
	return mws, release
}
