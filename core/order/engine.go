package order

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/singleflight"

	"github.com/m3rciful/shopfleet/core/catalog"
	"github.com/m3rciful/shopfleet/core/logger"
	"github.com/m3rciful/shopfleet/core/observability"
)

const numberAttempts = 3

// Engine applies order commands against Storage.
type Engine struct {
	store    Storage
	notifier Notifier
	currency string
	window   time.Duration
	now      func() time.Time

	inflight singleflight.Group

	clockMu sync.Mutex
	last    time.Time
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithCurrency sets the currency used when a product has none.
func WithCurrency(code string) Option {
	return func(e *Engine) {
		if code != "" {
			e.currency = code
		}
	}
}

// WithIdempotencyWindow sets how long a repeated checkout returns the same order.
func WithIdempotencyWindow(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.window = d
		}
	}
}

// NewEngine builds an engine. notifier may be nil.
func NewEngine(store Storage, notifier Notifier, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		notifier: notifier,
		currency: "USD",
		window:   10 * time.Minute,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateOrder reserves stock for every line and persists a PENDING_ADMIN
// order. A checkout repeated within the idempotency window returns the order
// created the first time. The first line that cannot be reserved aborts the
// whole order with *InsufficientStockError.
func (e *Engine) CreateOrder(ctx context.Context, c Checkout) (*Order, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	key := IdempotencyKey(c.StoreID, c.SessionRef, c.Lines)
	v, err, _ := e.inflight.Do(key, func() (any, error) {
		return e.create(ctx, c, key)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Order).Clone(), nil
}

func (e *Engine) create(ctx context.Context, c Checkout, key string) (*Order, error) {
	start := time.Now()
	var (
		created *Order
		reused  bool
		err     error
	)
	for attempt := 1; attempt <= numberAttempts; attempt++ {
		err = e.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
			now := e.stamp(time.Time{})
			existing, err := tx.FindOrderByIdempotencyKey(ctx, key, now.Add(-e.window))
			if err != nil {
				return err
			}
			if existing != nil {
				created, reused = existing, true
				return nil
			}
			o, err := e.build(ctx, tx, c, key, now)
			if err != nil {
				return err
			}
			if err := tx.InsertOrder(ctx, o); err != nil {
				return err
			}
			created, reused = o, false
			return nil
		})
		if !errors.Is(err, ErrDuplicateNumber) {
			break
		}
	}

	attrs := []slog.Attr{
		slog.String("status", logger.Status(err)),
		slog.String("action", "create"),
		slog.Duration("took", time.Since(start)),
	}
	if err != nil {
		var stockErr *InsufficientStockError
		if errors.As(err, &stockErr) {
			observability.StockRefusals.Inc()
			observability.OrderTransitions.WithLabelValues("create", "refused").Inc()
			logger.Info(ctx, logger.CompOrder, "order.create", append(attrs,
				slog.String("outcome", "rejected"),
				slog.String("product_id", stockErr.ProductID),
				slog.Int("requested", stockErr.Requested),
				slog.Int("available", stockErr.Available),
			)...)
			return nil, err
		}
		observability.OrderTransitions.WithLabelValues("create", "fail").Inc()
		logger.Error(ctx, logger.CompOrder, "order.create", append(attrs, slog.String("err", err.Error()))...)
		return nil, fmt.Errorf("create order: %w", err)
	}

	attrs = append(attrs,
		slog.String("order_id", created.ID),
		slog.String("order_no", created.Number),
		slog.Bool("reused", reused),
	)
	if reused {
		observability.OrderTransitions.WithLabelValues("create", "reused").Inc()
		logger.Info(ctx, logger.CompOrder, "order.create", attrs...)
		return created, nil
	}
	observability.OrderTransitions.WithLabelValues("create", "ok").Inc()
	logger.Info(ctx, logger.CompOrder, "order.create", append(attrs, slog.Int64("total", created.Total))...)
	e.emit(ctx, Event{Type: EventOrderCreated, Order: created.Clone(), Actor: c.CustomerRef, At: created.CreatedAt})
	return created, nil
}

func (e *Engine) build(ctx context.Context, tx Tx, c Checkout, key string, now time.Time) (*Order, error) {
	id := ulid.MustNew(ulid.Timestamp(now), rand.Reader).String()
	o := &Order{
		ID:             id,
		Number:         orderNumber(id, now),
		StoreID:        c.StoreID,
		CustomerRef:    c.CustomerRef,
		CustomerChatID: c.CustomerChatID,
		Status:         StatusPendingAdmin,
		Contact:        c.Contact,
		IdempotencyKey: key,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	for _, line := range c.Lines {
		p, err := tx.Product(ctx, c.StoreID, line.ProductID)
		switch {
		case errors.Is(err, catalog.ErrNotFound):
			return nil, &UnavailableError{ProductID: line.ProductID, VariantID: line.VariantID}
		case err != nil:
			return nil, fmt.Errorf("product %s: %w", line.ProductID, err)
		case !p.Active:
			return nil, &UnavailableError{ProductID: line.ProductID, VariantID: line.VariantID, Name: p.DisplayName(line.VariantID)}
		}
		if line.VariantID != "" {
			if _, ok := p.Variant(line.VariantID); !ok {
				return nil, &UnavailableError{ProductID: line.ProductID, VariantID: line.VariantID, Name: p.Name}
			}
		}
		ref := catalog.StockRef{ProductID: line.ProductID, VariantID: line.VariantID}
		ok, available, err := tx.ReserveStock(ctx, ref, line.Quantity)
		if err != nil {
			return nil, fmt.Errorf("reserve %s: %w", ref, err)
		}
		if !ok {
			return nil, &InsufficientStockError{
				ProductID: line.ProductID,
				VariantID: line.VariantID,
				Name:      p.DisplayName(line.VariantID),
				Requested: line.Quantity,
				Available: available,
			}
		}
		if o.Currency == "" {
			o.Currency = p.Currency
		}
		o.Items = append(o.Items, LineItem{
			ProductID: line.ProductID,
			VariantID: line.VariantID,
			Name:      p.DisplayName(line.VariantID),
			Quantity:  line.Quantity,
			UnitPrice: p.PriceOf(line.VariantID),
		})
	}
	if o.Currency == "" {
		o.Currency = e.currency
	}
	o.Total = o.ItemsTotal()
	return o, nil
}

// orderNumber derives a readable number from the order id: creation date plus
// the last six characters of the ULID's random part.
func orderNumber(id string, at time.Time) string {
	return "ORD-" + at.UTC().Format("060102") + "-" + id[len(id)-6:]
}

// SubmitPaymentProof attaches a proof reference to a PENDING_ADMIN order.
// The status does not change; an admin decision is still required.
func (e *Engine) SubmitPaymentProof(ctx context.Context, orderID, proofRef string) (*Order, error) {
	if strings.TrimSpace(proofRef) == "" {
		return nil, ErrProofRequired
	}
	return e.transition(ctx, orderID, ActionSubmitProof, "", func(_ context.Context, _ Tx, o *Order, _ time.Time) error {
		o.PaymentProofRef = proofRef
		return nil
	})
}

// Approve marks the order paid and commits its reserved stock.
func (e *Engine) Approve(ctx context.Context, orderID, adminRef string) (*Order, error) {
	return e.transition(ctx, orderID, ActionApprove, adminRef, func(ctx context.Context, tx Tx, o *Order, at time.Time) error {
		if err := eachLine(ctx, o, tx.CommitStock); err != nil {
			return err
		}
		o.PaidAt = &at
		o.ApprovedBy = adminRef
		return nil
	})
}

// Reject refuses the order and releases its reservation. reason must not be empty.
func (e *Engine) Reject(ctx context.Context, orderID, adminRef, reason string) (*Order, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, ErrReasonRequired
	}
	return e.transition(ctx, orderID, ActionReject, adminRef, func(ctx context.Context, tx Tx, o *Order, at time.Time) error {
		if err := eachLine(ctx, o, tx.ReleaseStock); err != nil {
			return err
		}
		o.RejectedAt = &at
		o.RejectedBy = adminRef
		o.RejectionReason = reason
		return nil
	})
}

// MarkShipped moves a paid order to SHIPPED.
func (e *Engine) MarkShipped(ctx context.Context, orderID, adminRef string) (*Order, error) {
	return e.transition(ctx, orderID, ActionShip, adminRef, func(_ context.Context, _ Tx, o *Order, at time.Time) error {
		o.ShippedAt = &at
		return nil
	})
}

// MarkDelivered moves a shipped order to DELIVERED.
func (e *Engine) MarkDelivered(ctx context.Context, orderID, adminRef string) (*Order, error) {
	return e.transition(ctx, orderID, ActionDeliver, adminRef, func(_ context.Context, _ Tx, o *Order, at time.Time) error {
		o.DeliveredAt = &at
		return nil
	})
}

// Cancel withdraws a PENDING_ADMIN order and releases its reservation.
func (e *Engine) Cancel(ctx context.Context, orderID, actor string) (*Order, error) {
	return e.transition(ctx, orderID, ActionCancel, actor, func(ctx context.Context, tx Tx, o *Order, at time.Time) error {
		if err := eachLine(ctx, o, tx.ReleaseStock); err != nil {
			return err
		}
		o.CancelledAt = &at
		return nil
	})
}

// RefundOptions controls refund side effects.
type RefundOptions struct {
	// CreditBalance credits the order total to the customer's store balance.
	CreditBalance bool
}

// Refund returns a paid, shipped or delivered order: sold stock goes back to
// available and the customer balance is optionally credited.
func (e *Engine) Refund(ctx context.Context, orderID, adminRef string, opts RefundOptions) (*Order, error) {
	return e.transition(ctx, orderID, ActionRefund, adminRef, func(ctx context.Context, tx Tx, o *Order, at time.Time) error {
		if err := eachLine(ctx, o, tx.RestoreStock); err != nil {
			return err
		}
		if opts.CreditBalance {
			if err := tx.CreditBalance(ctx, o.StoreID, o.CustomerRef, o.Total, o.Currency); err != nil {
				return fmt.Errorf("credit balance: %w", err)
			}
			o.BalanceCredited = true
		}
		o.RefundedAt = &at
		return nil
	})
}

// Get returns one order.
func (e *Engine) Get(ctx context.Context, orderID string) (*Order, error) {
	return e.store.GetOrder(ctx, orderID)
}

// ListByStore returns a store's orders, optionally filtered by status.
func (e *Engine) ListByStore(ctx context.Context, storeID string, status Status) ([]*Order, error) {
	return e.store.ListOrders(ctx, storeID, status)
}

type applyFunc func(ctx context.Context, tx Tx, o *Order, at time.Time) error

func (e *Engine) transition(ctx context.Context, orderID string, action Action, actor string, apply applyFunc) (*Order, error) {
	start := time.Now()
	var (
		updated *Order
		from    Status
	)
	err := e.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		o, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		from = o.Status
		to, err := Next(o.Status, action)
		if err != nil {
			var invalid *InvalidTransitionError
			if errors.As(err, &invalid) {
				invalid.OrderID = o.ID
			}
			return err
		}
		at := e.stamp(o.UpdatedAt)
		if err := apply(ctx, tx, o, at); err != nil {
			return err
		}
		o.Status = to
		o.UpdatedAt = at
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}
		updated = o
		return nil
	})

	observability.OrderTransitions.WithLabelValues(string(action), logger.Status(err)).Inc()
	attrs := []slog.Attr{
		slog.String("status", logger.Status(err)),
		slog.String("order_id", orderID),
		slog.String("action", string(action)),
		slog.String("from", string(from)),
		slog.Duration("took", time.Since(start)),
	}
	if err != nil {
		attrs = append(attrs, slog.String("err", err.Error()))
		var invalid *InvalidTransitionError
		if errors.As(err, &invalid) {
			attrs = append(attrs, slog.String("err_code", invalid.Code()))
		}
		logger.Warn(ctx, logger.CompOrder, "order.transition", attrs...)
		return nil, err
	}
	logger.Info(ctx, logger.CompOrder, "order.transition", append(attrs,
		slog.String("to", string(updated.Status)),
		slog.String("order_no", updated.Number),
	)...)
	e.emit(ctx, Event{Type: actionEvents[action], Order: updated.Clone(), Actor: actor, At: updated.UpdatedAt})
	return updated.Clone(), nil
}

func eachLine(ctx context.Context, o *Order, fn func(context.Context, catalog.StockRef, int) error) error {
	for _, it := range o.Items {
		if err := fn(ctx, it.StockRef(), it.Quantity); err != nil {
			return fmt.Errorf("stock %s: %w", it.StockRef(), err)
		}
	}
	return nil
}

// stamp returns the engine clock, never earlier than floor or than any
// previous stamp, so an order's timestamps never go backwards.
func (e *Engine) stamp(floor time.Time) time.Time {
	e.clockMu.Lock()
	defer e.clockMu.Unlock()
	t := e.now().UTC()
	if t.Before(e.last) {
		t = e.last
	}
	if t.Before(floor) {
		t = floor
	}
	e.last = t
	return t
}

func (e *Engine) emit(ctx context.Context, ev Event) {
	if e.notifier == nil {
		return
	}
	e.notifier.Notify(ctx, ev)
}
