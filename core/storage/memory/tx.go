package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/m3rciful/shopfleet/core/catalog"
	"github.com/m3rciful/shopfleet/core/order"
)

type tx struct {
	s    *Store
	undo []func()
}

// WithinTx runs fn with the store locked. Any error or panic from fn undoes
// every change fn made.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx order.Tx) error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &tx{s: s}
	defer func() {
		if r := recover(); r != nil {
			t.rollback()
			panic(r)
		}
	}()
	if err = fn(ctx, t); err != nil {
		t.rollback()
	}
	return err
}

func (t *tx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

type counters struct {
	stock, reserved, sold *int
}

func (t *tx) counters(ref catalog.StockRef) (counters, error) {
	p, ok := t.s.products[ref.ProductID]
	if !ok {
		return counters{}, catalog.ErrNotFound
	}
	if ref.VariantID == "" {
		return counters{&p.Stock, &p.Reserved, &p.Sold}, nil
	}
	for i := range p.Variants {
		if p.Variants[i].ID == ref.VariantID {
			v := &p.Variants[i]
			return counters{&v.Stock, &v.Reserved, &v.Sold}, nil
		}
	}
	return counters{}, catalog.ErrNotFound
}

// move shifts qty from one counter to another, refusing to go below zero.
func (t *tx) move(from, to *int, qty int) error {
	if *from < qty {
		return errUnderflow
	}
	*from -= qty
	*to += qty
	t.undo = append(t.undo, func() {
		*from += qty
		*to -= qty
	})
	return nil
}

func (t *tx) Product(_ context.Context, storeID, productID string) (catalog.Product, error) {
	p, ok := t.s.products[productID]
	if !ok || p.StoreID != storeID {
		return catalog.Product{}, catalog.ErrNotFound
	}
	return cloneProduct(p), nil
}

func (t *tx) ReserveStock(_ context.Context, ref catalog.StockRef, qty int) (bool, int, error) {
	c, err := t.counters(ref)
	if err != nil {
		return false, 0, err
	}
	if *c.stock < qty {
		return false, *c.stock, nil
	}
	if err := t.move(c.stock, c.reserved, qty); err != nil {
		return false, *c.stock, err
	}
	return true, *c.stock, nil
}

func (t *tx) ReleaseStock(_ context.Context, ref catalog.StockRef, qty int) error {
	c, err := t.counters(ref)
	if err != nil {
		return err
	}
	return t.move(c.reserved, c.stock, qty)
}

func (t *tx) CommitStock(_ context.Context, ref catalog.StockRef, qty int) error {
	c, err := t.counters(ref)
	if err != nil {
		return err
	}
	return t.move(c.reserved, c.sold, qty)
}

func (t *tx) RestoreStock(_ context.Context, ref catalog.StockRef, qty int) error {
	c, err := t.counters(ref)
	if err != nil {
		return err
	}
	return t.move(c.sold, c.stock, qty)
}

func (t *tx) InsertOrder(_ context.Context, o *order.Order) error {
	if _, ok := t.s.numbers[o.Number]; ok {
		return order.ErrDuplicateNumber
	}
	if _, ok := t.s.orders[o.ID]; ok {
		return fmt.Errorf("memory: order %s exists", o.ID)
	}
	t.s.orders[o.ID] = o.Clone()
	t.s.numbers[o.Number] = o.ID
	t.undo = append(t.undo, func() {
		delete(t.s.orders, o.ID)
		delete(t.s.numbers, o.Number)
	})
	return nil
}

func (t *tx) GetOrderForUpdate(_ context.Context, id string) (*order.Order, error) {
	o, ok := t.s.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	return o.Clone(), nil
}

func (t *tx) UpdateOrder(_ context.Context, o *order.Order) error {
	prev, ok := t.s.orders[o.ID]
	if !ok {
		return order.ErrNotFound
	}
	t.s.orders[o.ID] = o.Clone()
	t.undo = append(t.undo, func() { t.s.orders[o.ID] = prev })
	return nil
}

func (t *tx) FindOrderByIdempotencyKey(_ context.Context, key string, since time.Time) (*order.Order, error) {
	var found *order.Order
	for _, o := range t.s.orders {
		if o.IdempotencyKey != key || o.CreatedAt.Before(since) {
			continue
		}
		if found == nil || o.CreatedAt.After(found.CreatedAt) {
			found = o
		}
	}
	return found.Clone(), nil
}

func (t *tx) CreditBalance(_ context.Context, storeID, customerRef string, amount int64, _ string) error {
	k := storeID + "|" + customerRef
	t.s.balances[k] += amount
	t.undo = append(t.undo, func() { t.s.balances[k] -= amount })
	return nil
}
