package bootstrap

import (
	"context"

	"github.com/m3rciful/shopfleet/core/flow"
	"github.com/m3rciful/shopfleet/core/httpapi"
	"github.com/m3rciful/shopfleet/core/notify"
	"github.com/m3rciful/shopfleet/core/order"
	"github.com/m3rciful/shopfleet/core/revocation"
	"github.com/m3rciful/shopfleet/core/tenant"
)

// Storage is the full storage contract the service runs on. Both the
// PostgreSQL and the in-memory stores implement it.
type Storage interface {
	order.Storage
	flow.Catalog
	tenant.Source
	revocation.Persister
	notify.Directory
	httpapi.StoreData
	Ping(ctx context.Context) error
	Close() error
}

// Seeder loads reference data into a storage implementation.
type Seeder interface {
	Seed(ctx context.Context, storage Storage) error
}

// SeederFunc adapts a bare function to the Seeder interface.
type SeederFunc func(ctx context.Context, storage Storage) error

// Seed executes the underlying function.
func (f SeederFunc) Seed(ctx context.Context, storage Storage) error {
	return f(ctx, storage)
}
