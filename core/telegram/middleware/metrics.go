package middleware

import (
	"log/slog"
	"time"

	"github.com/m3rciful/shopfleet/core/logger"
	"github.com/m3rciful/shopfleet/core/observability"
	tghelpers "github.com/m3rciful/shopfleet/core/telegram/helpers"
	"github.com/m3rciful/shopfleet/core/tenant"

	tele "gopkg.in/telebot.v4"
)

// metricsContext wraps tele.Context to count sent messages and detect keyboard usage.
type metricsContext struct{ tele.Context }

func (m metricsContext) incMessages(hasKB bool) {
	n, _ := m.Get("messages").(int)
	m.Set("messages", n+1)
	if hasKB {
		m.Set("kb", true)
	}
}

func hasKeyboard(opts []interface{}) bool {
	for _, o := range opts {
		switch v := o.(type) {
		case *tele.SendOptions:
			if v != nil && v.ReplyMarkup != nil {
				return true
			}
		case *tele.ReplyMarkup:
			if v != nil {
				return true
			}
		}
	}
	return false
}

// Send proxies tele.Context.Send while updating message counters.
func (m metricsContext) Send(what interface{}, opts ...interface{}) error {
	err := m.Context.Send(what, opts...)
	if err == nil {
		m.incMessages(hasKeyboard(opts))
	}
	return err
}

// MessageMetricsMiddleware counts the messages each update produced and
// records the update outcome.
func MessageMetricsMiddleware(next tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) error {
		c.Set("messages", 0)
		c.Set("kb", false)
		err := next(metricsContext{Context: c})
		outcome := "ok"
		if err != nil {
			outcome = "fail"
		}
		observability.BotUpdates.WithLabelValues(tghelpers.Kind(c), outcome).Inc()
		return err
	}
}

// GetCounters reads message count and keyboard presence flags from context.
func GetCounters(c tele.Context) (int, bool) {
	msgs, _ := c.Get("messages").(int)
	kb, _ := c.Get("kb").(bool)
	return msgs, kb
}

// InflightMiddleware registers each update with the instance so a stop can
// wait for it. Updates arriving while the instance drains are dropped.
func InflightMiddleware(inst *tenant.Instance) tele.MiddlewareFunc {
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			if !inst.Begin() {
				observability.BotUpdates.WithLabelValues(tghelpers.Kind(c), "dropped").Inc()
				logger.Debug(tghelpers.BuildContext(c), logger.CompTG, "update_dropped",
					slog.String("status", "skip"),
					slog.String("reason", "draining"),
				)
				return nil
			}
			defer inst.End()
			return next(c)
		}
	}
}

// Elapsed returns the time since LoggerMiddleware saw the update.
func Elapsed(c tele.Context) time.Duration {
	start, ok := c.Get("update_start").(time.Time)
	if !ok {
		return 0
	}
	return time.Since(start)
}
