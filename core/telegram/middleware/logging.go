package middleware

import (
	"log/slog"
	"time"

	"github.com/m3rciful/shopfleet/core/logger"
	"github.com/m3rciful/shopfleet/core/telegram/callbacks"
	tghelpers "github.com/m3rciful/shopfleet/core/telegram/helpers"

	tele "gopkg.in/telebot.v4"
)

// LoggerMiddleware tags the update with its store and rid, stores the logging
// context for downstream handlers and logs a sampled receipt line.
func LoggerMiddleware(storeID string) tele.MiddlewareFunc {
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			tghelpers.SetStore(c, storeID)
			c.Set("update_start", time.Now())
			ctx := tghelpers.BuildContext(c)

			if logger.ShouldSampleDebug() {
				upd := c.Update()
				attrs := []slog.Attr{
					slog.String("status", "ok"),
					slog.String("kind", tghelpers.Kind(c)),
				}
				if chat := c.Chat(); chat != nil {
					attrs = append(attrs, slog.String("chat_type", string(chat.Type)))
				}
				if user := c.Sender(); user != nil {
					if user.Username != "" {
						attrs = append(attrs, slog.String("username", logger.SanitizeLimit(user.Username, 64)))
					}
					if user.LanguageCode != "" {
						attrs = append(attrs, slog.String("lang", user.LanguageCode))
					}
				}
				switch {
				case upd.Callback != nil:
					key, payload := callbacks.Parse(upd.Callback)
					attrs = append(attrs, slog.String("cb_key", logger.SanitizeLimit(key, 128)))
					if payload != "" {
						attrs = append(attrs, slog.String("payload", logger.SanitizeLimit(payload, 256)))
					}
				case upd.Message != nil:
					if t := c.Text(); t != "" {
						attrs = append(attrs, slog.String("payload", logger.SanitizeLimit(t, 256)))
					}
				}
				logger.Debug(ctx, logger.CompTG, "update_received", attrs...)
			}
			return next(c)
		}
	}
}
