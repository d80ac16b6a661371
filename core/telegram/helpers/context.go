// Package helpers carries the logging context of an update through the
// Telegram handler chain.
package helpers

import (
	"context"

	"github.com/m3rciful/shopfleet/core/logger"

	tele "gopkg.in/telebot.v4"
)

const (
	contextKey = "logger_ctx"
	storeKey   = "store_id"
)

// StoreContext attaches ctx to c for downstream handlers.
func StoreContext(c tele.Context, ctx context.Context) {
	if c == nil || ctx == nil {
		return
	}
	c.Set(contextKey, ctx)
}

// ContextFrom returns the context stored by StoreContext.
func ContextFrom(c tele.Context) (context.Context, bool) {
	if c == nil {
		return nil, false
	}
	if ctx, ok := c.Get(contextKey).(context.Context); ok {
		return ctx, true
	}
	return nil, false
}

// SetStore records which store's bot received the update.
func SetStore(c tele.Context, storeID string) {
	c.Set(storeKey, storeID)
}

// StoreID returns the store recorded by SetStore.
func StoreID(c tele.Context) string {
	s, _ := c.Get(storeKey).(string)
	return s
}

// BuildContext returns the update's context, creating it with rid, store and
// update metadata on first use.
func BuildContext(c tele.Context) context.Context {
	if cached, ok := ContextFrom(c); ok {
		return cached
	}

	upd := c.Update()
	var chatID, userID int64
	if chat := c.Chat(); chat != nil {
		chatID = chat.ID
	}
	if user := c.Sender(); user != nil {
		userID = user.ID
	}

	rid, _ := c.Get("rid").(string)
	if rid == "" {
		rid = logger.BuildRID(upd.ID, chatID, userID)
		c.Set("rid", rid)
	}

	ctx := logger.WithRID(context.Background(), rid)
	ctx = logger.WithUpdateMeta(ctx, upd.ID, userID, chatID)
	if store := StoreID(c); store != "" {
		ctx = logger.WithStore(ctx, store)
	}
	ctx = logger.WithLogger(ctx, logger.Component(logger.CompTG))
	StoreContext(c, ctx)
	return ctx
}

// WithHandler enriches the stored context with the handler name.
func WithHandler(c tele.Context, handler string) context.Context {
	ctx := BuildContext(c)
	if handler == "" {
		return ctx
	}
	ctx = logger.WithHandler(ctx, handler)
	StoreContext(c, ctx)
	return ctx
}

// Kind names the update type for logs and metrics.
func Kind(c tele.Context) string {
	upd := c.Update()
	switch {
	case upd.Callback != nil:
		return "callback"
	case upd.Message != nil:
		m := upd.Message
		switch {
		case m.Photo != nil:
			return "photo"
		case m.Document != nil:
			return "document"
		}
		return "message"
	}
	return "other"
}
