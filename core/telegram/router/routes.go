// Package router turns Telegram updates into conversation turns and sends
// the replies back.
package router

import (
	"context"
	"errors"
	"log/slog"

	"github.com/m3rciful/shopfleet/core/flow"
	"github.com/m3rciful/shopfleet/core/message"
	tg "github.com/m3rciful/shopfleet/core/telegram"
	"github.com/m3rciful/shopfleet/core/telegram/callbacks"
	tghelpers "github.com/m3rciful/shopfleet/core/telegram/helpers"
	"github.com/m3rciful/shopfleet/core/telegram/keyboard"
	"github.com/m3rciful/shopfleet/core/tenant"

	tele "gopkg.in/telebot.v4"
)

// Handler runs one conversation turn.
type Handler interface {
	Handle(ctx context.Context, in flow.Input) flow.Output
}

// Routes returns the handlers every store's bot is wired with. Commands are
// not registered one by one: telebot hands unknown commands to OnText, so
// built-in and store-defined commands both reach the conversation.
func Routes(h Handler) tg.RouteBuilder {
	return func(inst *tenant.Instance) []tg.Route {
		handler := func(c tele.Context) error {
			return serve(c, inst, h)
		}
		return []tg.Route{
			{Endpoint: tele.OnText, Handler: handler},
			{Endpoint: tele.OnCallback, Handler: handler},
			{Endpoint: tele.OnPhoto, Handler: handler},
			{Endpoint: tele.OnDocument, Handler: handler},
		}
	}
}

// InputFrom converts an update into conversation input. It reports false for
// updates without a user.
func InputFrom(c tele.Context, storeID string) (flow.Input, bool) {
	user := c.Sender()
	if user == nil {
		return flow.Input{}, false
	}
	in := flow.Input{
		StoreID:  storeID,
		UserID:   user.ID,
		ChatID:   user.ID,
		Username: user.Username,
		Lang:     user.LanguageCode,
	}
	if chat := c.Chat(); chat != nil {
		in.ChatID = chat.ID
	}

	if cb := c.Callback(); cb != nil {
		key, payload := callbacks.Parse(cb)
		in.Callback = &flow.Callback{Key: key, Payload: payload}
		return in, true
	}

	msg := c.Message()
	if msg == nil {
		return flow.Input{}, false
	}
	in.Text = msg.Text
	switch {
	case msg.Photo != nil:
		in.FileID = msg.Photo.FileID
		in.Text = msg.Caption
	case msg.Document != nil:
		in.FileID = msg.Document.FileID
		in.Text = msg.Caption
	}
	return in, true
}

func handlerName(in flow.Input) string {
	switch {
	case in.Callback != nil:
		return "callback." + normalizeHandlerName(in.Callback.Key)
	case in.FileID != "":
		return "file"
	}
	if cmd, _ := in.Command(); cmd != "" {
		return normalizeHandlerName(cmd)
	}
	return "text"
}

func serve(c tele.Context, inst *tenant.Instance, h Handler) error {
	in, ok := InputFrom(c, inst.StoreID)
	if !ok {
		logHandlerSummary(c, "unsupported", nil)
		return nil
	}

	var extras []slog.Attr
	if in.Callback != nil {
		extras = append(extras, slog.String("cb_key", in.Callback.Key))
	}
	return handleWithSummary(c, handlerName(in), func() error {
		out := h.Handle(tghelpers.BuildContext(c), in)
		if in.Callback != nil {
			// Always answer so the client stops its spinner.
			_ = c.Respond(&tele.CallbackResponse{Text: out.Notice})
		}
		return deliver(c, inst, out.Replies)
	}, extras...)
}

// deliver sends replies in order. It stops at the first recipient or
// credential failure since the rest would fail the same way.
func deliver(c tele.Context, inst *tenant.Instance, replies []message.Message) error {
	var errs []error
	for _, m := range replies {
		var err error
		opts := keyboard.SendOptions(m)
		if chat := c.Chat(); m.ChatID == 0 || (chat != nil && chat.ID == m.ChatID) {
			err = c.Send(m.Text, opts)
		} else {
			_, err = c.Bot().Send(tele.ChatID(m.ChatID), m.Text, opts)
		}
		if err = tg.DeliveryError(inst, err); err == nil {
			continue
		}
		errs = append(errs, err)
		var credErr *tenant.CredentialError
		if errors.Is(err, message.ErrUndeliverable) || errors.As(err, &credErr) {
			break
		}
	}
	return errors.Join(errs...)
}
