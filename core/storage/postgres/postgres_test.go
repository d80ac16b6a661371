package postgres

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m3rciful/shopfleet/core/catalog"
	"github.com/m3rciful/shopfleet/core/config"
	"github.com/m3rciful/shopfleet/core/database"
	"github.com/m3rciful/shopfleet/core/order"
)

func TestCounterTablePlaceholders(t *testing.T) {
	table, where, args := counterTable(catalog.StockRef{ProductID: "p1"}, 2)
	assert.Equal(t, "products", table)
	assert.Equal(t, "id = $2", where)
	assert.Equal(t, []any{"p1"}, args)

	table, where, args = counterTable(catalog.StockRef{ProductID: "p1", VariantID: "red"}, 1)
	assert.Equal(t, "product_variants", table)
	assert.Equal(t, "product_id = $1 AND id = $2", where)
	assert.Equal(t, []any{"p1", "red"}, args)
}

func TestPQCode(t *testing.T) {
	err := &pq.Error{Code: codeUniqueViolation}
	assert.Equal(t, codeUniqueViolation, pqCode(err))
	assert.Equal(t, "", pqCode(errors.New("plain")))
}

func TestOrderRowKeepsContactAndStamps(t *testing.T) {
	paid := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	o := &order.Order{
		ID: "01J", Number: "ORD-260301-ABCDEF", Status: order.StatusPaid,
		Contact: order.Contact{Name: "Ann", Phone: "+100", Address: "Main 1"},
		PaidAt:  &paid,
	}
	back := rowFromOrder(o).toOrder()
	assert.Equal(t, o.Contact, back.Contact)
	assert.Equal(t, order.StatusPaid, back.Status)
	require.NotNil(t, back.PaidAt)
	assert.True(t, paid.Equal(*back.PaidAt))
	assert.Nil(t, back.ShippedAt)
}

// openTestStore connects to the database named by the DB_* variables.
// It runs only when SHOPFLEET_PG_TESTS=1.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	if os.Getenv("SHOPFLEET_PG_TESTS") != "1" {
		t.Skip("set SHOPFLEET_PG_TESTS=1 and DB_* to run postgres tests")
	}
	var cfg config.DatabaseConfig
	require.NoError(t, envconfig.Process("", &cfg))
	if cfg.Port == "" {
		cfg.Port = "5432"
	}
	if cfg.SSLMode == "" {
		cfg.SSLMode = "disable"
	}
	cfg.MaxConnections = 20

	ctx := context.Background()
	require.NoError(t, database.Migrate(ctx, cfg, database.Up))
	db, err := database.Connect(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func TestReserveStockNeverOversells(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	st, err := s.CreateStore(ctx, catalog.Store{Name: "Race"}, catalog.Admin{UserRef: "owner", Role: "owner"})
	require.NoError(t, err)
	pid := newID("p")
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO products (id, store_id, name, price, stock) VALUES ($1, $2, 'Lamp', 100, 3)`, pid, st.ID)
	require.NoError(t, err)

	var won atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.WithinTx(ctx, func(ctx context.Context, tx order.Tx) error {
				ok, _, err := tx.ReserveStock(ctx, catalog.StockRef{ProductID: pid}, 1)
				if err == nil && ok {
					won.Add(1)
				}
				return err
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(3), won.Load())
	p, err := s.Product(ctx, st.ID, pid)
	require.NoError(t, err)
	assert.Equal(t, 0, p.Stock)
	assert.Equal(t, 3, p.Reserved)
}

func TestInsertOrderDuplicateNumber(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	st, err := s.CreateStore(ctx, catalog.Store{Name: "Dup"}, catalog.Admin{UserRef: "owner", Role: "owner"})
	require.NoError(t, err)
	now := time.Now().UTC()
	number := "ORD-" + newID("n")
	mk := func() *order.Order {
		return &order.Order{
			ID: newID("o"), Number: number, StoreID: st.ID, CustomerRef: "c",
			Total: 1, Currency: "USD", Status: order.StatusPendingAdmin,
			IdempotencyKey: newID("k"), CreatedAt: now, UpdatedAt: now,
			Items: []order.LineItem{{ProductID: "p", Name: "x", Quantity: 1, UnitPrice: 1}},
		}
	}
	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx order.Tx) error {
		return tx.InsertOrder(ctx, mk())
	}))
	err = s.WithinTx(ctx, func(ctx context.Context, tx order.Tx) error {
		return tx.InsertOrder(ctx, mk())
	})
	assert.ErrorIs(t, err, order.ErrDuplicateNumber)
}
