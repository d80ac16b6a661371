// Package memory is an in-process implementation of the storage contract.
// A transaction holds the store lock for its whole duration and is rolled
// back through undo steps, so it is serializable. It backs tests and the
// memory database driver.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/m3rciful/shopfleet/core/catalog"
	"github.com/m3rciful/shopfleet/core/order"
	"github.com/m3rciful/shopfleet/core/revocation"
)

var errUnderflow = errors.New("memory: stock counter underflow")

// Store keeps every record in maps guarded by one mutex.
type Store struct {
	mu  sync.Mutex
	now func() time.Time
	seq int

	stores     map[string]catalog.Store
	categories map[string]catalog.Category
	products   map[string]*catalog.Product
	admins     map[string][]catalog.Admin
	bots       map[string]catalog.BotCredential
	settings   map[string][]byte

	orders   map[string]*order.Order
	numbers  map[string]string
	balances map[string]int64
	revoked  map[string]revocation.Entry
}

// New returns an empty store.
func New() *Store {
	return &Store{
		now:        time.Now,
		stores:     make(map[string]catalog.Store),
		categories: make(map[string]catalog.Category),
		products:   make(map[string]*catalog.Product),
		admins:     make(map[string][]catalog.Admin),
		bots:       make(map[string]catalog.BotCredential),
		settings:   make(map[string][]byte),
		orders:     make(map[string]*order.Order),
		numbers:    make(map[string]string),
		balances:   make(map[string]int64),
		revoked:    make(map[string]revocation.Entry),
	}
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() error { return nil }

func (s *Store) nextID(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s-%d", prefix, s.seq)
}

func cloneProduct(p *catalog.Product) catalog.Product {
	cp := *p
	cp.Variants = append([]catalog.Variant(nil), p.Variants...)
	return cp
}

// PutStore inserts or replaces a store.
func (s *Store) PutStore(st catalog.Store) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stores[st.ID] = st
}

// PutCategory inserts or replaces a category.
func (s *Store) PutCategory(c catalog.Category) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.categories[c.ID] = c
}

// PutProduct inserts or replaces a product.
func (s *Store) PutProduct(p catalog.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := cloneProduct(&p)
	s.products[p.ID] = &cp
}

// PutAdmin registers a store admin.
func (s *Store) PutAdmin(a catalog.Admin) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.admins[a.StoreID] = append(s.admins[a.StoreID], a)
}

// Store returns one store.
func (s *Store) Store(_ context.Context, id string) (catalog.Store, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stores[id]
	if !ok {
		return catalog.Store{}, catalog.ErrNotFound
	}
	return st, nil
}

// StoresByOwner lists the stores owned by ownerRef.
func (s *Store) StoresByOwner(_ context.Context, ownerRef string) ([]catalog.Store, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []catalog.Store
	for _, st := range s.stores {
		if st.OwnerRef == ownerRef {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CreateStore inserts st and registers owner as its first admin.
func (s *Store) CreateStore(_ context.Context, st catalog.Store, owner catalog.Admin) (catalog.Store, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st.ID == "" {
		st.ID = s.nextID("store")
	}
	if _, ok := s.stores[st.ID]; ok {
		return catalog.Store{}, fmt.Errorf("memory: store %s exists", st.ID)
	}
	st.CreatedAt = s.now().UTC()
	s.stores[st.ID] = st
	owner.StoreID = st.ID
	s.admins[st.ID] = append(s.admins[st.ID], owner)
	return st, nil
}

// Categories lists a store's categories by position.
func (s *Store) Categories(_ context.Context, storeID string) ([]catalog.Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []catalog.Category
	for _, c := range s.categories {
		if c.StoreID == storeID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Products lists active products of a category.
func (s *Store) Products(_ context.Context, storeID, categoryID string) ([]catalog.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []catalog.Product
	for _, p := range s.products {
		if p.StoreID == storeID && p.Active && (categoryID == "" || p.CategoryID == categoryID) {
			out = append(out, cloneProduct(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Product returns one product of a store.
func (s *Store) Product(_ context.Context, storeID, productID string) (catalog.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[productID]
	if !ok || p.StoreID != storeID {
		return catalog.Product{}, catalog.ErrNotFound
	}
	return cloneProduct(p), nil
}

// StoreAdmins lists admins of a store.
func (s *Store) StoreAdmins(_ context.Context, storeID string) ([]catalog.Admin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]catalog.Admin(nil), s.admins[storeID]...), nil
}

// IsStoreAdmin reports whether userRef administers storeID.
func (s *Store) IsStoreAdmin(_ context.Context, storeID, userRef string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.admins[storeID] {
		if a.UserRef == userRef {
			return true, nil
		}
	}
	return false, nil
}

// SaveBotCredential stores the bot credential of a store.
func (s *Store) SaveBotCredential(_ context.Context, cred catalog.BotCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.stores[cred.StoreID]; !ok {
		return catalog.ErrNotFound
	}
	s.bots[cred.StoreID] = cred
	return nil
}

// BotCredential returns the credential of a store.
func (s *Store) BotCredential(_ context.Context, storeID string) (catalog.BotCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.bots[storeID]
	if !ok {
		return catalog.BotCredential{}, catalog.ErrNotFound
	}
	return cred, nil
}

// ActiveTenants lists credentials of stores whose bots should run.
func (s *Store) ActiveTenants(context.Context) ([]catalog.BotCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []catalog.BotCredential
	for _, cred := range s.bots {
		if cred.Active {
			out = append(out, cred)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StoreID < out[j].StoreID })
	return out, nil
}

// TenantSettings returns the raw settings blob of a store, nil when unset.
func (s *Store) TenantSettings(_ context.Context, storeID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.settings[storeID]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), raw...), nil
}

// SaveTenantSettings replaces the raw settings blob of a store.
func (s *Store) SaveTenantSettings(_ context.Context, storeID string, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[storeID] = append([]byte(nil), raw...)
	return nil
}

// Balance returns a customer's credited balance in a store.
func (s *Store) Balance(_ context.Context, storeID, customerRef string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[storeID+"|"+customerRef], nil
}

// GetOrder returns one order.
func (s *Store) GetOrder(_ context.Context, id string) (*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	return o.Clone(), nil
}

// ListOrders returns a store's orders, newest first. An empty status matches all.
func (s *Store) ListOrders(_ context.Context, storeID string, status order.Status) ([]*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*order.Order
	for _, o := range s.orders {
		if o.StoreID == storeID && (status == "" || o.Status == status) {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

// SaveRevocation persists a revoked token entry.
func (s *Store) SaveRevocation(_ context.Context, e revocation.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.revoked[e.TokenHash]; !ok {
		s.revoked[e.TokenHash] = e
	}
	return nil
}

// LoadRevocations returns entries that have not expired at now.
func (s *Store) LoadRevocations(_ context.Context, now time.Time) ([]revocation.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []revocation.Entry
	for _, e := range s.revoked {
		if e.ExpiresAt.After(now) {
			out = append(out, e)
		}
	}
	return out, nil
}

// PurgeRevocations deletes entries expired at now.
func (s *Store) PurgeRevocations(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, e := range s.revoked {
		if !e.ExpiresAt.After(now) {
			delete(s.revoked, k)
			n++
		}
	}
	return n, nil
}
