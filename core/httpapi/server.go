// Package httpapi serves the admin API, the live panel channel, Telegram
// webhooks and the metrics endpoint on one HTTP server.
package httpapi

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/m3rciful/shopfleet/core/auth"
	"github.com/m3rciful/shopfleet/core/observability"
	"github.com/m3rciful/shopfleet/core/order"
	"github.com/m3rciful/shopfleet/core/revocation"
	"github.com/m3rciful/shopfleet/core/tenant"
)

// Orders is the order engine surface the API drives.
type Orders interface {
	Get(ctx context.Context, orderID string) (*order.Order, error)
	ListByStore(ctx context.Context, storeID string, status order.Status) ([]*order.Order, error)
	Approve(ctx context.Context, orderID, adminRef string) (*order.Order, error)
	Reject(ctx context.Context, orderID, adminRef, reason string) (*order.Order, error)
	MarkShipped(ctx context.Context, orderID, adminRef string) (*order.Order, error)
	MarkDelivered(ctx context.Context, orderID, adminRef string) (*order.Order, error)
	Cancel(ctx context.Context, orderID, actor string) (*order.Order, error)
	Refund(ctx context.Context, orderID, adminRef string, opts order.RefundOptions) (*order.Order, error)
}

// Tenants is the bot fleet supervisor.
type Tenants interface {
	ReloadSettings(ctx context.Context, storeID string) (*tenant.Settings, error)
	ServeWebhook(w http.ResponseWriter, r *http.Request, storeID string)
}

// Revoker revokes bearer tokens.
type Revoker interface {
	Revoke(ctx context.Context, token, userRef, reason string) (revocation.Entry, error)
}

// Events streams a store's live events.
type Events interface {
	ServeStore(w http.ResponseWriter, r *http.Request, storeID string)
}

// StoreData is the per-store data the API writes and reads directly.
type StoreData interface {
	SaveTenantSettings(ctx context.Context, storeID string, raw []byte) error
	Balance(ctx context.Context, storeID, customerRef string) (int64, error)
}

// Check probes a dependency for /healthz.
type Check func(ctx context.Context) error

// Deps are the services behind the API. Metrics defaults to the global
// Prometheus handler.
type Deps struct {
	Orders  Orders
	Tenants Tenants
	Auth    *auth.Service
	Revoker Revoker
	Events  Events
	Data    StoreData
	Checks  map[string]Check
	// Status reports informational component states, such as a degraded
	// session cache, without failing the health check.
	Status  map[string]func() string
	Metrics http.Handler
}

type Server struct {
	Mux  *mux.Router
	deps Deps
}

func New(deps Deps) *Server {
	if deps.Metrics == nil {
		deps.Metrics = promhttp.Handler()
	}
	s := &Server{Mux: mux.NewRouter(), deps: deps}
	s.routes()
	return s
}

// Handler returns the root handler with request logging and metrics.
func (s *Server) Handler() http.Handler {
	return Logging(s.Mux)
}

func (s *Server) routes() {
	m := s.Mux
	m.Use(Metrics(observability.APIRequests))

	m.Handle("/metrics", s.deps.Metrics).Methods(http.MethodGet)
	m.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	m.HandleFunc("/tg/{store}", s.handleWebhook).Methods(http.MethodPost)

	api := m.PathPrefix("/api").Subrouter()
	api.Use(queryToken, s.deps.Auth.RequireBearer)
	api.HandleFunc("/orders/{id}/{action:approve|reject|ship|deliver|cancel|refund}", s.handleOrderAction).Methods(http.MethodPost)
	api.HandleFunc("/stores/{store}/orders", s.handleListOrders).Methods(http.MethodGet)
	api.HandleFunc("/stores/{store}/settings", s.handlePutSettings).Methods(http.MethodPut)
	api.HandleFunc("/stores/{store}/settings/reload", s.handleReloadSettings).Methods(http.MethodPost)
	api.HandleFunc("/stores/{store}/balances/{customer}", s.handleBalance).Methods(http.MethodGet)
	api.HandleFunc("/stores/{store}/events", s.handleEvents).Methods(http.MethodGet)
	api.HandleFunc("/auth/logout", s.handleLogout).Methods(http.MethodPost)
}
