// Package notify fans committed order events out to store admins and
// customers over independent channels.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/m3rciful/shopfleet/core/catalog"
	"github.com/m3rciful/shopfleet/core/logger"
	"github.com/m3rciful/shopfleet/core/message"
	"github.com/m3rciful/shopfleet/core/observability"
	"github.com/m3rciful/shopfleet/core/order"
)

// Kind selects who an event is addressed to.
type Kind string

const (
	Admins   Kind = "admins"
	Customer Kind = "customer"
)

// Audience is a resolved addressee set for one event.
type Audience struct {
	StoreID        string
	Kind           Kind
	CustomerChatID int64
}

// Recipient is one chat a recipient-scoped channel writes to.
type Recipient struct {
	ChatID int64
	Ref    string
}

// Notification is the unit a channel delivers.
type Notification struct {
	Event     order.EventType
	StoreID   string
	Audience  Kind
	Recipient Recipient
	Order     *order.Order
	Actor     string
	At        time.Time
	Text      string
	Buttons   []message.Row
}

// Scope tells the dispatcher how to address a channel.
type Scope int

const (
	// ScopeRecipient channels get one notification per recipient.
	ScopeRecipient Scope = iota
	// ScopeStore channels get one notification per event for the whole store.
	ScopeStore
)

// Channel delivers notifications over one medium.
type Channel interface {
	Name() string
	Scope() Scope
	Deliver(ctx context.Context, n Notification) error
}

// Directory resolves a store's admins.
type Directory interface {
	StoreAdmins(ctx context.Context, storeID string) ([]catalog.Admin, error)
}

// DeliveryError is one failed delivery. It is logged and counted, never returned
// to the code that raised the event.
type DeliveryError struct {
	Channel   string
	Event     order.EventType
	Recipient int64
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("notify: %s delivery of %s to %d: %v", e.Channel, e.Event, e.Recipient, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Code is the stable error code used in logs.
func (e *DeliveryError) Code() string { return "DELIVERY_FAILURE" }

// routes maps each event to the audiences it is addressed to.
var routes = map[order.EventType][]Kind{
	order.EventOrderCreated:          {Admins},
	order.EventPaymentProofSubmitted: {Admins},
	order.EventOrderApproved:         {Customer},
	order.EventOrderRejected:         {Customer},
	order.EventOrderShipped:          {Customer},
	order.EventOrderDelivered:        {Customer},
	order.EventOrderRefunded:         {Customer},
	order.EventOrderCancelled:        {Admins, Customer},
}

// Report summarizes one dispatch.
type Report struct {
	Attempted int
	Failed    int
}

// Dispatcher implements order.Notifier.
type Dispatcher struct {
	dir      Directory
	channels []Channel
	render   *Renderer
	timeout  time.Duration
	parallel int
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithTimeout bounds one dispatch. Zero keeps the default of ten seconds.
func WithTimeout(d time.Duration) Option {
	return func(x *Dispatcher) {
		if d > 0 {
			x.timeout = d
		}
	}
}

// WithRenderer replaces the default message renderer.
func WithRenderer(r *Renderer) Option {
	return func(x *Dispatcher) { x.render = r }
}

// NewDispatcher builds a dispatcher over channels.
func NewDispatcher(dir Directory, channels []Channel, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		dir:      dir,
		channels: channels,
		render:   NewRenderer(nil),
		timeout:  10 * time.Second,
		parallel: 16,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Notify routes ev to its audiences. It satisfies order.Notifier.
func (d *Dispatcher) Notify(ctx context.Context, ev order.Event) {
	if ev.Order == nil {
		return
	}
	kinds := routes[ev.Type]
	auds := make([]Audience, 0, len(kinds))
	for _, k := range kinds {
		auds = append(auds, Audience{StoreID: ev.Order.StoreID, Kind: k, CustomerChatID: ev.Order.CustomerChatID})
	}
	d.Dispatch(ctx, ev, auds...)
}

// Dispatch delivers ev to every audience over every channel. Channels and
// recipients are served concurrently; one failure never stops another.
// Delivery is at-least-once per channel and nothing is deduplicated.
func (d *Dispatcher) Dispatch(ctx context.Context, ev order.Event, auds ...Audience) Report {
	if ev.Order == nil {
		return Report{}
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()
	ctx = logger.WithStore(ctx, ev.Order.StoreID)

	base := Notification{
		Event:   ev.Type,
		StoreID: ev.Order.StoreID,
		Order:   ev.Order,
		Actor:   ev.Actor,
		At:      ev.At,
	}

	var jobs []job
	for _, ch := range d.channels {
		if ch.Scope() == ScopeStore {
			n := base
			n.Text = d.render.Text(ev.Order.StoreID, ev, Admins)
			jobs = append(jobs, job{ch: ch, n: n})
			continue
		}
		for _, aud := range auds {
			rcpts := d.recipients(ctx, aud)
			if len(rcpts) == 0 {
				continue
			}
			text := d.render.Text(ev.Order.StoreID, ev, aud.Kind)
			buttons := d.render.Buttons(ev, aud.Kind)
			for _, r := range rcpts {
				n := base
				n.Audience = aud.Kind
				n.Recipient = r
				n.Text = text
				n.Buttons = buttons
				jobs = append(jobs, job{ch: ch, n: n})
			}
		}
	}

	failed := make([]bool, len(jobs))
	var g errgroup.Group
	g.SetLimit(d.parallel)
	for i, j := range jobs {
		g.Go(func() error {
			failed[i] = !d.deliver(ctx, j)
			return nil
		})
	}
	_ = g.Wait()

	rep := Report{Attempted: len(jobs)}
	for _, f := range failed {
		if f {
			rep.Failed++
		}
	}
	logger.Debug(ctx, logger.CompNotify, "notify.dispatch",
		slog.String("order_id", ev.Order.ID),
		slog.String("payload", string(ev.Type)),
		slog.Int("count", rep.Attempted),
		slog.Int("failed", rep.Failed),
	)
	return rep
}

type job struct {
	ch Channel
	n  Notification
}

func (d *Dispatcher) deliver(ctx context.Context, j job) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			d.fail(ctx, j, fmt.Errorf("panic: %v", r))
		}
	}()
	if err := j.ch.Deliver(ctx, j.n); err != nil {
		d.fail(ctx, j, err)
		return false
	}
	observability.Notifications.WithLabelValues(j.ch.Name(), "ok").Inc()
	return true
}

func (d *Dispatcher) fail(ctx context.Context, j job, err error) {
	derr := &DeliveryError{Channel: j.ch.Name(), Event: j.n.Event, Recipient: j.n.Recipient.ChatID, Err: err}
	observability.Notifications.WithLabelValues(j.ch.Name(), "fail").Inc()
	logger.Warn(ctx, logger.CompNotify, "notify.deliver",
		slog.String("status", "fail"),
		slog.String("channel", derr.Channel),
		slog.Int64("recipient", derr.Recipient),
		slog.String("order_id", j.n.Order.ID),
		slog.String("err_code", derr.Code()),
		slog.String("err", err.Error()),
	)
}

func (d *Dispatcher) recipients(ctx context.Context, aud Audience) []Recipient {
	switch aud.Kind {
	case Customer:
		if aud.CustomerChatID == 0 {
			return nil
		}
		return []Recipient{{ChatID: aud.CustomerChatID}}
	case Admins:
		if d.dir == nil {
			return nil
		}
		admins, err := d.dir.StoreAdmins(ctx, aud.StoreID)
		if err != nil {
			logger.Warn(ctx, logger.CompNotify, "notify.admins",
				slog.String("status", "fail"),
				slog.String("err", err.Error()),
			)
			return nil
		}
		out := make([]Recipient, 0, len(admins))
		for _, a := range admins {
			if a.ChatID != 0 {
				out = append(out, Recipient{ChatID: a.ChatID, Ref: a.UserRef})
			}
		}
		return out
	}
	return nil
}
