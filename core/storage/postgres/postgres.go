// Package postgres implements the storage contract on PostgreSQL through sqlx.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/oklog/ulid/v2"

	"github.com/m3rciful/shopfleet/core/catalog"
	"github.com/m3rciful/shopfleet/core/order"
	"github.com/m3rciful/shopfleet/core/revocation"
)

const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

// Store is the PostgreSQL storage service.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// New wraps an open pool.
func New(db *sqlx.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Ping checks the pool.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close closes the pool.
func (s *Store) Close() error { return s.db.Close() }

func pqCode(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

func newID(prefix string) string {
	return prefix + "_" + strings.ToLower(ulid.Make().String())
}

const productColumns = `id, store_id, category_id, name, description, price, currency, stock, reserved, sold, active`

// attachVariants loads the variants of every product in ps in one query.
func attachVariants(ctx context.Context, q sqlx.QueryerContext, ps []catalog.Product) error {
	if len(ps) == 0 {
		return nil
	}
	ids := make([]string, len(ps))
	idx := make(map[string]int, len(ps))
	for i, p := range ps {
		ids[i] = p.ID
		idx[p.ID] = i
	}
	var vs []catalog.Variant
	err := sqlx.SelectContext(ctx, q, &vs,
		`SELECT id, product_id, name, price, stock, reserved, sold
		   FROM product_variants WHERE product_id = ANY($1) ORDER BY product_id, id`,
		pq.Array(ids))
	if err != nil {
		return fmt.Errorf("select variants: %w", err)
	}
	for _, v := range vs {
		i := idx[v.ProductID]
		ps[i].Variants = append(ps[i].Variants, v)
	}
	return nil
}

func getProduct(ctx context.Context, q sqlx.QueryerContext, storeID, productID string) (catalog.Product, error) {
	var p catalog.Product
	err := sqlx.GetContext(ctx, q, &p,
		`SELECT `+productColumns+` FROM products WHERE id = $1 AND store_id = $2`, productID, storeID)
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.Product{}, catalog.ErrNotFound
	}
	if err != nil {
		return catalog.Product{}, fmt.Errorf("select product: %w", err)
	}
	ps := []catalog.Product{p}
	if err := attachVariants(ctx, q, ps); err != nil {
		return catalog.Product{}, err
	}
	return ps[0], nil
}

// Store returns one store.
func (s *Store) Store(ctx context.Context, id string) (catalog.Store, error) {
	var st catalog.Store
	err := s.db.GetContext(ctx, &st,
		`SELECT id, owner_ref, name, description, currency, created_at FROM stores WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.Store{}, catalog.ErrNotFound
	}
	if err != nil {
		return catalog.Store{}, fmt.Errorf("select store: %w", err)
	}
	return st, nil
}

// StoresByOwner lists the stores owned by ownerRef.
func (s *Store) StoresByOwner(ctx context.Context, ownerRef string) ([]catalog.Store, error) {
	var out []catalog.Store
	err := s.db.SelectContext(ctx, &out,
		`SELECT id, owner_ref, name, description, currency, created_at
		   FROM stores WHERE owner_ref = $1 ORDER BY id`, ownerRef)
	if err != nil {
		return nil, fmt.Errorf("select stores: %w", err)
	}
	return out, nil
}

// CreateStore inserts st and registers owner as its first admin in one transaction.
func (s *Store) CreateStore(ctx context.Context, st catalog.Store, owner catalog.Admin) (catalog.Store, error) {
	if st.ID == "" {
		st.ID = newID("st")
	}
	if st.Currency == "" {
		st.Currency = "USD"
	}
	st.CreatedAt = s.now().UTC()
	owner.StoreID = st.ID

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return catalog.Store{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.NamedExecContext(ctx,
		`INSERT INTO stores (id, owner_ref, name, description, currency, created_at)
		 VALUES (:id, :owner_ref, :name, :description, :currency, :created_at)`, st); err != nil {
		return catalog.Store{}, fmt.Errorf("insert store: %w", err)
	}
	if _, err := tx.NamedExecContext(ctx,
		`INSERT INTO store_admins (store_id, user_ref, chat_id, role)
		 VALUES (:store_id, :user_ref, :chat_id, :role)`, owner); err != nil {
		return catalog.Store{}, fmt.Errorf("insert owner: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return catalog.Store{}, fmt.Errorf("commit: %w", err)
	}
	return st, nil
}

// Categories lists a store's categories by position.
func (s *Store) Categories(ctx context.Context, storeID string) ([]catalog.Category, error) {
	var out []catalog.Category
	err := s.db.SelectContext(ctx, &out,
		`SELECT id, store_id, name, position FROM categories WHERE store_id = $1 ORDER BY position, id`, storeID)
	if err != nil {
		return nil, fmt.Errorf("select categories: %w", err)
	}
	return out, nil
}

// Products lists active products of a category; an empty category lists the whole store.
func (s *Store) Products(ctx context.Context, storeID, categoryID string) ([]catalog.Product, error) {
	var out []catalog.Product
	err := s.db.SelectContext(ctx, &out,
		`SELECT `+productColumns+` FROM products
		  WHERE store_id = $1 AND active AND ($2 = '' OR category_id = $2)
		  ORDER BY id`, storeID, categoryID)
	if err != nil {
		return nil, fmt.Errorf("select products: %w", err)
	}
	if err := attachVariants(ctx, s.db, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Product returns one product of a store.
func (s *Store) Product(ctx context.Context, storeID, productID string) (catalog.Product, error) {
	return getProduct(ctx, s.db, storeID, productID)
}

// StoreAdmins lists admins of a store.
func (s *Store) StoreAdmins(ctx context.Context, storeID string) ([]catalog.Admin, error) {
	var out []catalog.Admin
	err := s.db.SelectContext(ctx, &out,
		`SELECT store_id, user_ref, chat_id, role FROM store_admins WHERE store_id = $1 ORDER BY user_ref`, storeID)
	if err != nil {
		return nil, fmt.Errorf("select admins: %w", err)
	}
	return out, nil
}

// IsStoreAdmin reports whether userRef administers storeID.
func (s *Store) IsStoreAdmin(ctx context.Context, storeID, userRef string) (bool, error) {
	var ok bool
	err := s.db.GetContext(ctx, &ok,
		`SELECT EXISTS (SELECT 1 FROM store_admins WHERE store_id = $1 AND user_ref = $2)`, storeID, userRef)
	if err != nil {
		return false, fmt.Errorf("select admin: %w", err)
	}
	return ok, nil
}

// SaveBotCredential stores the bot credential of a store.
func (s *Store) SaveBotCredential(ctx context.Context, cred catalog.BotCredential) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bot_credentials (store_id, token, mode, active, updated_at)
		 VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (store_id) DO UPDATE
		   SET token = EXCLUDED.token, mode = EXCLUDED.mode, active = EXCLUDED.active, updated_at = now()`,
		cred.StoreID, cred.Token, cred.Mode, cred.Active)
	if pqCode(err) == codeForeignKeyViolation {
		return catalog.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("upsert bot credential: %w", err)
	}
	return nil
}

// BotCredential returns the credential of a store.
func (s *Store) BotCredential(ctx context.Context, storeID string) (catalog.BotCredential, error) {
	var cred catalog.BotCredential
	err := s.db.GetContext(ctx, &cred,
		`SELECT store_id, token, mode, active FROM bot_credentials WHERE store_id = $1`, storeID)
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.BotCredential{}, catalog.ErrNotFound
	}
	if err != nil {
		return catalog.BotCredential{}, fmt.Errorf("select bot credential: %w", err)
	}
	return cred, nil
}

// ActiveTenants lists credentials of stores whose bots should run.
func (s *Store) ActiveTenants(ctx context.Context) ([]catalog.BotCredential, error) {
	var out []catalog.BotCredential
	err := s.db.SelectContext(ctx, &out,
		`SELECT store_id, token, mode, active FROM bot_credentials WHERE active ORDER BY store_id`)
	if err != nil {
		return nil, fmt.Errorf("select active tenants: %w", err)
	}
	return out, nil
}

// TenantSettings returns the raw settings document of a store, nil when unset.
func (s *Store) TenantSettings(ctx context.Context, storeID string) ([]byte, error) {
	var raw []byte
	err := s.db.GetContext(ctx, &raw, `SELECT body FROM tenant_settings WHERE store_id = $1`, storeID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select settings: %w", err)
	}
	return raw, nil
}

// SaveTenantSettings replaces the settings document of a store. raw must be JSON.
func (s *Store) SaveTenantSettings(ctx context.Context, storeID string, raw []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenant_settings (store_id, body, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (store_id) DO UPDATE SET body = EXCLUDED.body, updated_at = now()`,
		storeID, string(raw))
	if pqCode(err) == codeForeignKeyViolation {
		return catalog.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("upsert settings: %w", err)
	}
	return nil
}

// Balance returns a customer's credited balance in a store, across currencies.
func (s *Store) Balance(ctx context.Context, storeID, customerRef string) (int64, error) {
	var amount int64
	err := s.db.GetContext(ctx, &amount,
		`SELECT COALESCE(SUM(amount), 0) FROM balances WHERE store_id = $1 AND customer_ref = $2`,
		storeID, customerRef)
	if err != nil {
		return 0, fmt.Errorf("select balance: %w", err)
	}
	return amount, nil
}

// SaveRevocation persists a revoked token entry. An existing entry is kept.
func (s *Store) SaveRevocation(ctx context.Context, e revocation.Entry) error {
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO revoked_tokens (token_hash, user_ref, revoked_at, expires_at, reason)
		 VALUES (:token_hash, :user_ref, :revoked_at, :expires_at, :reason)
		 ON CONFLICT (token_hash) DO NOTHING`, e)
	if err != nil {
		return fmt.Errorf("insert revocation: %w", err)
	}
	return nil
}

// LoadRevocations returns entries that have not expired at now.
func (s *Store) LoadRevocations(ctx context.Context, now time.Time) ([]revocation.Entry, error) {
	var out []revocation.Entry
	err := s.db.SelectContext(ctx, &out,
		`SELECT token_hash, user_ref, revoked_at, expires_at, reason
		   FROM revoked_tokens WHERE expires_at > $1`, now)
	if err != nil {
		return nil, fmt.Errorf("select revocations: %w", err)
	}
	return out, nil
}

// PurgeRevocations deletes entries expired at now.
func (s *Store) PurgeRevocations(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM revoked_tokens WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("purge revocations: %w", err)
	}
	return res.RowsAffected()
}

// GetOrder returns one order with its items.
func (s *Store) GetOrder(ctx context.Context, id string) (*order.Order, error) {
	return getOrder(ctx, s.db, id, false)
}

// ListOrders returns a store's orders, newest first. An empty status matches all.
func (s *Store) ListOrders(ctx context.Context, storeID string, status order.Status) ([]*order.Order, error) {
	var rows []orderRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+orderColumns+` FROM orders
		  WHERE store_id = $1 AND ($2 = '' OR status = $2)
		  ORDER BY id DESC`, storeID, string(status))
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	ids := make([]string, len(rows))
	out := make([]*order.Order, len(rows))
	idx := make(map[string]*order.Order, len(rows))
	for i := range rows {
		ids[i] = rows[i].ID
		out[i] = rows[i].toOrder()
		idx[rows[i].ID] = out[i]
	}
	var items []itemRow
	err = s.db.SelectContext(ctx, &items,
		`SELECT `+itemColumns+` FROM order_items WHERE order_id = ANY($1) ORDER BY order_id, position`,
		pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("select order items: %w", err)
	}
	for _, it := range items {
		o := idx[it.OrderID]
		o.Items = append(o.Items, it.LineItem)
	}
	return out, nil
}

// WithinTx runs fn in one database transaction, committed only when fn succeeds.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx order.Tx) error) (err error) {
	sqlTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = sqlTx.Rollback()
			panic(r)
		}
	}()
	if err := fn(ctx, &tx{tx: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
