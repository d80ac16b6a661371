package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/m3rciful/shopfleet/core/catalog"
	"github.com/m3rciful/shopfleet/core/order"
)

var errCounter = errors.New("postgres: stock counter underflow")

const orderColumns = `id, number, store_id, customer_ref, customer_chat_id, total, currency, status,
	contact_name, contact_phone, contact_address, payment_proof_ref, rejection_reason,
	idempotency_key, approved_by, rejected_by, balance_credited, created_at, updated_at,
	paid_at, shipped_at, delivered_at, rejected_at, cancelled_at, refunded_at`

const itemColumns = `order_id, position, product_id, variant_id, name, quantity, unit_price`

// orderRow is the flat orders table shape.
type orderRow struct {
	ID              string     `db:"id"`
	Number          string     `db:"number"`
	StoreID         string     `db:"store_id"`
	CustomerRef     string     `db:"customer_ref"`
	CustomerChatID  int64      `db:"customer_chat_id"`
	Total           int64      `db:"total"`
	Currency        string     `db:"currency"`
	Status          string     `db:"status"`
	ContactName     string     `db:"contact_name"`
	ContactPhone    string     `db:"contact_phone"`
	ContactAddress  string     `db:"contact_address"`
	PaymentProofRef string     `db:"payment_proof_ref"`
	RejectionReason string     `db:"rejection_reason"`
	IdempotencyKey  string     `db:"idempotency_key"`
	ApprovedBy      string     `db:"approved_by"`
	RejectedBy      string     `db:"rejected_by"`
	BalanceCredited bool       `db:"balance_credited"`
	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
	PaidAt          *time.Time `db:"paid_at"`
	ShippedAt       *time.Time `db:"shipped_at"`
	DeliveredAt     *time.Time `db:"delivered_at"`
	RejectedAt      *time.Time `db:"rejected_at"`
	CancelledAt     *time.Time `db:"cancelled_at"`
	RefundedAt      *time.Time `db:"refunded_at"`
}

type itemRow struct {
	OrderID  string `db:"order_id"`
	Position int    `db:"position"`
	order.LineItem
}

func rowFromOrder(o *order.Order) orderRow {
	return orderRow{
		ID:              o.ID,
		Number:          o.Number,
		StoreID:         o.StoreID,
		CustomerRef:     o.CustomerRef,
		CustomerChatID:  o.CustomerChatID,
		Total:           o.Total,
		Currency:        o.Currency,
		Status:          string(o.Status),
		ContactName:     o.Contact.Name,
		ContactPhone:    o.Contact.Phone,
		ContactAddress:  o.Contact.Address,
		PaymentProofRef: o.PaymentProofRef,
		RejectionReason: o.RejectionReason,
		IdempotencyKey:  o.IdempotencyKey,
		ApprovedBy:      o.ApprovedBy,
		RejectedBy:      o.RejectedBy,
		BalanceCredited: o.BalanceCredited,
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
		PaidAt:          o.PaidAt,
		ShippedAt:       o.ShippedAt,
		DeliveredAt:     o.DeliveredAt,
		RejectedAt:      o.RejectedAt,
		CancelledAt:     o.CancelledAt,
		RefundedAt:      o.RefundedAt,
	}
}

func (r orderRow) toOrder() *order.Order {
	return &order.Order{
		ID:              r.ID,
		Number:          r.Number,
		StoreID:         r.StoreID,
		CustomerRef:     r.CustomerRef,
		CustomerChatID:  r.CustomerChatID,
		Total:           r.Total,
		Currency:        r.Currency,
		Status:          order.Status(r.Status),
		Contact:         order.Contact{Name: r.ContactName, Phone: r.ContactPhone, Address: r.ContactAddress},
		PaymentProofRef: r.PaymentProofRef,
		RejectionReason: r.RejectionReason,
		IdempotencyKey:  r.IdempotencyKey,
		ApprovedBy:      r.ApprovedBy,
		RejectedBy:      r.RejectedBy,
		BalanceCredited: r.BalanceCredited,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		PaidAt:          r.PaidAt,
		ShippedAt:       r.ShippedAt,
		DeliveredAt:     r.DeliveredAt,
		RejectedAt:      r.RejectedAt,
		CancelledAt:     r.CancelledAt,
		RefundedAt:      r.RefundedAt,
	}
}

func getOrder(ctx context.Context, q sqlx.QueryerContext, id string, forUpdate bool) (*order.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var row orderRow
	err := sqlx.GetContext(ctx, q, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, order.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select order: %w", err)
	}
	var items []itemRow
	if err := sqlx.SelectContext(ctx, q, &items,
		`SELECT `+itemColumns+` FROM order_items WHERE order_id = $1 ORDER BY position`, id); err != nil {
		return nil, fmt.Errorf("select order items: %w", err)
	}
	o := row.toOrder()
	for _, it := range items {
		o.Items = append(o.Items, it.LineItem)
	}
	return o, nil
}

type tx struct {
	tx *sqlx.Tx
}

func (t *tx) Product(ctx context.Context, storeID, productID string) (catalog.Product, error) {
	return getProduct(ctx, t.tx, storeID, productID)
}

// counterTable returns the table and key predicate addressing ref, with
// placeholders numbered from first.
func counterTable(ref catalog.StockRef, first int) (string, string, []any) {
	if ref.VariantID == "" {
		return "products", fmt.Sprintf("id = $%d", first), []any{ref.ProductID}
	}
	return "product_variants", fmt.Sprintf("product_id = $%d AND id = $%d", first, first+1),
		[]any{ref.ProductID, ref.VariantID}
}

func (t *tx) available(ctx context.Context, ref catalog.StockRef) (int, error) {
	table, where, args := counterTable(ref, 1)
	var stock int
	err := t.tx.GetContext(ctx, &stock, `SELECT stock FROM `+table+` WHERE `+where, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, catalog.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("select stock: %w", err)
	}
	return stock, nil
}

// shift moves qty between two counters of ref only when the source holds enough.
func (t *tx) shift(ctx context.Context, ref catalog.StockRef, from, to string, qty int) (bool, error) {
	table, where, args := counterTable(ref, 2)
	res, err := t.tx.ExecContext(ctx,
		`UPDATE `+table+` SET `+from+` = `+from+` - $1, `+to+` = `+to+` + $1
		  WHERE `+where+` AND `+from+` >= $1`,
		append([]any{qty}, args...)...)
	if err != nil {
		return false, fmt.Errorf("update %s counters: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (t *tx) ReserveStock(ctx context.Context, ref catalog.StockRef, qty int) (bool, int, error) {
	ok, err := t.shift(ctx, ref, "stock", "reserved", qty)
	if err != nil {
		return false, 0, err
	}
	stock, err := t.available(ctx, ref)
	if err != nil {
		return false, 0, err
	}
	return ok, stock, nil
}

func (t *tx) move(ctx context.Context, ref catalog.StockRef, from, to string, qty int) error {
	ok, err := t.shift(ctx, ref, from, to, qty)
	if err != nil {
		return err
	}
	if !ok {
		if _, err := t.available(ctx, ref); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s %s -> %s by %d", errCounter, ref, from, to, qty)
	}
	return nil
}

func (t *tx) ReleaseStock(ctx context.Context, ref catalog.StockRef, qty int) error {
	return t.move(ctx, ref, "reserved", "stock", qty)
}

func (t *tx) CommitStock(ctx context.Context, ref catalog.StockRef, qty int) error {
	return t.move(ctx, ref, "reserved", "sold", qty)
}

func (t *tx) RestoreStock(ctx context.Context, ref catalog.StockRef, qty int) error {
	return t.move(ctx, ref, "sold", "stock", qty)
}

func (t *tx) InsertOrder(ctx context.Context, o *order.Order) error {
	_, err := t.tx.NamedExecContext(ctx,
		`INSERT INTO orders (`+orderColumns+`) VALUES (
			:id, :number, :store_id, :customer_ref, :customer_chat_id, :total, :currency, :status,
			:contact_name, :contact_phone, :contact_address, :payment_proof_ref, :rejection_reason,
			:idempotency_key, :approved_by, :rejected_by, :balance_credited, :created_at, :updated_at,
			:paid_at, :shipped_at, :delivered_at, :rejected_at, :cancelled_at, :refunded_at)`,
		rowFromOrder(o))
	if pqCode(err) == codeUniqueViolation {
		return order.ErrDuplicateNumber
	}
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	for i, it := range o.Items {
		_, err := t.tx.NamedExecContext(ctx,
			`INSERT INTO order_items (`+itemColumns+`)
			 VALUES (:order_id, :position, :product_id, :variant_id, :name, :quantity, :unit_price)`,
			itemRow{OrderID: o.ID, Position: i, LineItem: it})
		if err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
	}
	return nil
}

func (t *tx) GetOrderForUpdate(ctx context.Context, id string) (*order.Order, error) {
	return getOrder(ctx, t.tx, id, true)
}

func (t *tx) UpdateOrder(ctx context.Context, o *order.Order) error {
	res, err := t.tx.NamedExecContext(ctx,
		`UPDATE orders SET
			status = :status, payment_proof_ref = :payment_proof_ref, rejection_reason = :rejection_reason,
			approved_by = :approved_by, rejected_by = :rejected_by, balance_credited = :balance_credited,
			updated_at = :updated_at, paid_at = :paid_at, shipped_at = :shipped_at,
			delivered_at = :delivered_at, rejected_at = :rejected_at, cancelled_at = :cancelled_at,
			refunded_at = :refunded_at
		  WHERE id = :id`, rowFromOrder(o))
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return order.ErrNotFound
	}
	return nil
}

// FindOrderByIdempotencyKey also takes a transaction scoped advisory lock on
// key, so concurrent creations with the same key across processes queue up.
func (t *tx) FindOrderByIdempotencyKey(ctx context.Context, key string, since time.Time) (*order.Order, error) {
	if _, err := t.tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		return nil, fmt.Errorf("lock idempotency key: %w", err)
	}
	var id string
	err := t.tx.GetContext(ctx, &id,
		`SELECT id FROM orders WHERE idempotency_key = $1 AND created_at >= $2
		  ORDER BY created_at DESC LIMIT 1`, key, since)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select order by key: %w", err)
	}
	return getOrder(ctx, t.tx, id, false)
}

func (t *tx) CreditBalance(ctx context.Context, storeID, customerRef string, amount int64, currency string) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO balances (store_id, customer_ref, currency, amount) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (store_id, customer_ref, currency) DO UPDATE SET amount = balances.amount + EXCLUDED.amount`,
		storeID, customerRef, currency, amount)
	if err != nil {
		return fmt.Errorf("credit balance: %w", err)
	}
	return nil
}
