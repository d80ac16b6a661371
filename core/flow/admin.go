package flow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/m3rciful/shopfleet/core/logger"
	"github.com/m3rciful/shopfleet/core/message"
	"github.com/m3rciful/shopfleet/core/order"
	"github.com/m3rciful/shopfleet/core/session"
)

type adminAction func(ctx context.Context, orderID, adminRef string) (*order.Order, error)

// adminOrder checks authority and the current status, then applies act.
// The status check turns a stale button into a message; a transition that
// still fails afterwards lost a race and is reported as an error.
func (e *Engine) adminOrder(ctx context.Context, t *turn, action order.Action, act adminAction) (*order.Order, bool, error) {
	ok, err := e.canManage(ctx, t)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		t.out.Notice = textNotAdmin
		t.reply(textNotAdmin)
		return nil, false, nil
	}
	orderID := t.in.Callback.Payload
	o, found, err := e.orderOf(ctx, t, orderID)
	if !found {
		return nil, false, err
	}
	if _, err := order.Next(o.Status, action); err != nil {
		t.reply(fmt.Sprintf("Order #%s is already %s.", o.Number, o.Status))
		return nil, false, nil
	}
	if act == nil {
		return o, true, nil
	}
	o, err = act(ctx, orderID, t.userRef())
	if err != nil {
		return nil, false, fmt.Errorf("flow: %s order: %w", action, err)
	}
	logger.Info(ctx, logger.CompFlow, "admin_action",
		slog.String("status", "ok"),
		slog.String("action", string(action)),
		slog.String("order_id", o.ID),
	)
	return o, true, nil
}

func (e *Engine) adminApprove(ctx context.Context, t *turn) error {
	o, ok, err := e.adminOrder(ctx, t, order.ActionApprove, e.deps.Orders.Approve)
	if !ok {
		return err
	}
	t.out.Notice = "Approved"
	t.reply(orderLine(o), message.Row{message.Btn("Mark shipped", keyShip, o.ID)})
	return nil
}

// adminReject starts reason capture; the order changes only once the reason
// is confirmed.
func (e *Engine) adminReject(ctx context.Context, t *turn) error {
	o, ok, err := e.adminOrder(ctx, t, order.ActionReject, nil)
	if !ok {
		return err
	}
	t.sess.Enter(session.NewRejectionCapture(o.ID))
	t.reply(fmt.Sprintf("Why is order #%s rejected? The customer will see this reason. (/cancel to stop)", o.Number))
	return nil
}

func (e *Engine) adminShip(ctx context.Context, t *turn) error {
	o, ok, err := e.adminOrder(ctx, t, order.ActionShip, e.deps.Orders.MarkShipped)
	if !ok {
		return err
	}
	t.out.Notice = "Shipped"
	t.reply(orderLine(o), message.Row{message.Btn("Mark delivered", keyDeliver, o.ID)})
	return nil
}

func (e *Engine) adminDeliver(ctx context.Context, t *turn) error {
	o, ok, err := e.adminOrder(ctx, t, order.ActionDeliver, e.deps.Orders.MarkDelivered)
	if !ok {
		return err
	}
	t.out.Notice = "Delivered"
	t.reply(orderLine(o))
	return nil
}
