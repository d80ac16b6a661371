// Package order owns order status, stock commitment and balance adjustment.
//
// Every status change goes through the transition table in status.go and runs
// inside one storage transaction together with its stock effect. Notifications
// are sent only after the transaction commits.
package order

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/m3rciful/shopfleet/core/catalog"
)

// LineItem is one ordered product with its price captured at creation.
type LineItem struct {
	ProductID string `db:"product_id" json:"product_id"`
	VariantID string `db:"variant_id" json:"variant_id,omitempty"`
	Name      string `db:"name" json:"name"`
	Quantity  int    `db:"quantity" json:"quantity"`
	UnitPrice int64  `db:"unit_price" json:"unit_price"`
}

// Subtotal is UnitPrice times Quantity.
func (l LineItem) Subtotal() int64 {
	return l.UnitPrice * int64(l.Quantity)
}

// StockRef addresses the counter this line reserved.
func (l LineItem) StockRef() catalog.StockRef {
	return catalog.StockRef{ProductID: l.ProductID, VariantID: l.VariantID}
}

// Contact is the customer contact snapshot. It never changes after creation.
type Contact struct {
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Address string `json:"address"`
}

// Order is a committed purchase. Orders are never deleted.
type Order struct {
	ID              string     `json:"id"`
	Number          string     `json:"number"`
	StoreID         string     `json:"store_id"`
	CustomerRef     string     `json:"customer_ref"`
	CustomerChatID  int64      `json:"customer_chat_id"`
	Items           []LineItem `json:"items"`
	Total           int64      `json:"total"`
	Currency        string     `json:"currency"`
	Status          Status     `json:"status"`
	Contact         Contact    `json:"contact"`
	PaymentProofRef string     `json:"payment_proof_ref,omitempty"`
	RejectionReason string     `json:"rejection_reason,omitempty"`
	IdempotencyKey  string     `json:"-"`
	ApprovedBy      string     `json:"approved_by,omitempty"`
	RejectedBy      string     `json:"rejected_by,omitempty"`
	BalanceCredited bool       `json:"balance_credited"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	PaidAt          *time.Time `json:"paid_at,omitempty"`
	ShippedAt       *time.Time `json:"shipped_at,omitempty"`
	DeliveredAt     *time.Time `json:"delivered_at,omitempty"`
	RejectedAt      *time.Time `json:"rejected_at,omitempty"`
	CancelledAt     *time.Time `json:"cancelled_at,omitempty"`
	RefundedAt      *time.Time `json:"refunded_at,omitempty"`
}

// Clone returns a deep copy.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	cp := *o
	cp.Items = append([]LineItem(nil), o.Items...)
	for _, ts := range []**time.Time{&cp.PaidAt, &cp.ShippedAt, &cp.DeliveredAt, &cp.RejectedAt, &cp.CancelledAt, &cp.RefundedAt} {
		if *ts != nil {
			v := **ts
			*ts = &v
		}
	}
	return &cp
}

// ItemsTotal sums the line subtotals.
func (o *Order) ItemsTotal() int64 {
	var total int64
	for _, it := range o.Items {
		total += it.Subtotal()
	}
	return total
}

// Quantity sums the ordered units.
func (o *Order) Quantity() int {
	n := 0
	for _, it := range o.Items {
		n += it.Quantity
	}
	return n
}

// CartLine is one requested line of a checkout.
type CartLine struct {
	ProductID string
	VariantID string
	Quantity  int
}

// Checkout is the input of CreateOrder.
type Checkout struct {
	StoreID        string
	CustomerRef    string
	CustomerChatID int64
	// SessionRef identifies the conversation the cart came from.
	SessionRef string
	Lines      []CartLine
	Contact    Contact
}

func (c Checkout) validate() error {
	if len(c.Lines) == 0 {
		return ErrEmptyCart
	}
	for _, l := range c.Lines {
		if l.Quantity <= 0 {
			return ErrBadQuantity
		}
	}
	return nil
}

// IdempotencyKey hashes the store, the session and the cart contents.
// Line order does not matter.
func IdempotencyKey(storeID, sessionRef string, lines []CartLine) string {
	parts := make([]string, 0, len(lines))
	for _, l := range lines {
		parts = append(parts, l.ProductID+"/"+l.VariantID+"x"+strconv.Itoa(l.Quantity))
	}
	sort.Strings(parts)
	sum := sha256.Sum256([]byte(storeID + "|" + sessionRef + "|" + strings.Join(parts, ",")))
	return hex.EncodeToString(sum[:])
}

// EventType names an order event delivered to notification channels.
type EventType string

const (
	EventOrderCreated          EventType = "OrderCreated"
	EventOrderApproved         EventType = "OrderApproved"
	EventOrderRejected         EventType = "OrderRejected"
	EventOrderShipped          EventType = "OrderShipped"
	EventOrderDelivered        EventType = "OrderDelivered"
	EventOrderCancelled        EventType = "OrderCancelled"
	EventOrderRefunded         EventType = "OrderRefunded"
	EventPaymentProofSubmitted EventType = "PaymentProofSubmitted"
)

var actionEvents = map[Action]EventType{
	ActionApprove:     EventOrderApproved,
	ActionReject:      EventOrderRejected,
	ActionShip:        EventOrderShipped,
	ActionDeliver:     EventOrderDelivered,
	ActionCancel:      EventOrderCancelled,
	ActionRefund:      EventOrderRefunded,
	ActionSubmitProof: EventPaymentProofSubmitted,
}

// Event is emitted after a committed change.
type Event struct {
	Type  EventType
	Order *Order
	Actor string
	At    time.Time
}

// Notifier receives committed order events.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// Storage is the transactional persistence the engine relies on.
type Storage interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	GetOrder(ctx context.Context, id string) (*Order, error)
	ListOrders(ctx context.Context, storeID string, status Status) ([]*Order, error)
}

// Tx is one storage transaction. ReserveStock is the atomic
// decrement-if-available primitive: it moves qty from available to reserved
// only when enough is available, and otherwise reports the available amount.
type Tx interface {
	Product(ctx context.Context, storeID, productID string) (catalog.Product, error)
	ReserveStock(ctx context.Context, ref catalog.StockRef, qty int) (bool, int, error)
	ReleaseStock(ctx context.Context, ref catalog.StockRef, qty int) error
	CommitStock(ctx context.Context, ref catalog.StockRef, qty int) error
	RestoreStock(ctx context.Context, ref catalog.StockRef, qty int) error

	InsertOrder(ctx context.Context, o *Order) error
	GetOrderForUpdate(ctx context.Context, id string) (*Order, error)
	UpdateOrder(ctx context.Context, o *Order) error
	// FindOrderByIdempotencyKey returns nil when no order with key was created since.
	FindOrderByIdempotencyKey(ctx context.Context, key string, since time.Time) (*Order, error)

	CreditBalance(ctx context.Context, storeID, customerRef string, amount int64, currency string) error
}
