package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/m3rciful/shopfleet/core/auth"
	"github.com/m3rciful/shopfleet/core/logger"
	"github.com/m3rciful/shopfleet/core/order"
	"github.com/m3rciful/shopfleet/core/tenant"
)

const (
	maxBody         = 64 << 10
	maxSettingsBody = 256 << 10
)

type rejectRequest struct {
	Reason string `json:"reason"`
}

type refundRequest struct {
	CreditBalance bool `json:"credit_balance"`
}

type logoutRequest struct {
	Reason string `json:"reason"`
}

type listResponse struct {
	Orders []*order.Order `json:"orders"`
}

// decode reads an optional JSON body into v; an empty body leaves v as is.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %w", errBadRequest, err)
	}
	return nil
}

func claims(r *http.Request) *auth.Claims {
	c, _ := auth.ClaimsFrom(r.Context())
	return c
}

func (s *Server) handleOrderAction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, action := vars["id"], vars["action"]
	ctx := r.Context()
	c := claims(r)

	current, err := s.deps.Orders.Get(ctx, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !c.Allows(current.StoreID) {
		writeError(w, r, fmt.Errorf("%w: order %s", errForbidden, id))
		return
	}
	ctx = logger.WithStore(ctx, current.StoreID)
	admin := c.Subject

	var o *order.Order
	switch action {
	case "approve":
		o, err = s.deps.Orders.Approve(ctx, id, admin)
	case "reject":
		var req rejectRequest
		if err = decode(r, &req); err == nil {
			o, err = s.deps.Orders.Reject(ctx, id, admin, req.Reason)
		}
	case "ship":
		o, err = s.deps.Orders.MarkShipped(ctx, id, admin)
	case "deliver":
		o, err = s.deps.Orders.MarkDelivered(ctx, id, admin)
	case "cancel":
		o, err = s.deps.Orders.Cancel(ctx, id, admin)
	case "refund":
		var req refundRequest
		if err = decode(r, &req); err == nil {
			o, err = s.deps.Orders.Refund(ctx, id, admin, order.RefundOptions{CreditBalance: req.CreditBalance})
		}
	default:
		http.NotFound(w, r)
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	store := mux.Vars(r)["store"]
	if !claims(r).Allows(store) {
		writeError(w, r, fmt.Errorf("%w: store %s", errForbidden, store))
		return
	}
	status := order.Status(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		writeError(w, r, fmt.Errorf("%w: unknown status %q", errBadRequest, status))
		return
	}
	orders, err := s.deps.Orders.ListByStore(r.Context(), store, status)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if orders == nil {
		orders = []*order.Order{}
	}
	writeJSON(w, http.StatusOK, listResponse{Orders: orders})
}

func (s *Server) handleReloadSettings(w http.ResponseWriter, r *http.Request) {
	store := mux.Vars(r)["store"]
	if !claims(r).Allows(store) {
		writeError(w, r, fmt.Errorf("%w: store %s", errForbidden, store))
		return
	}
	settings, err := s.deps.Tenants.ReloadSettings(logger.WithStore(r.Context(), store), store)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// handlePutSettings validates a JSON or YAML settings document, stores it as
// JSON, then swaps it
// into the running bot. A store without a running bot only gets the document
// saved.
func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	store := mux.Vars(r)["store"]
	if !claims(r).Allows(store) {
		writeError(w, r, fmt.Errorf("%w: store %s", errForbidden, store))
		return
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxSettingsBody+1))
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: %w", errBadRequest, err))
		return
	}
	if len(raw) > maxSettingsBody {
		writeError(w, r, fmt.Errorf("%w: settings document too large", errBadRequest))
		return
	}
	parsed, err := tenant.ParseSettings(raw)
	if err != nil {
		writeError(w, r, err)
		return
	}
	doc, err := json.Marshal(parsed)
	if err != nil {
		writeError(w, r, err)
		return
	}
	ctx := logger.WithStore(r.Context(), store)
	if err := s.deps.Data.SaveTenantSettings(ctx, store, doc); err != nil {
		writeError(w, r, err)
		return
	}
	applied, err := s.deps.Tenants.ReloadSettings(ctx, store)
	switch {
	case errors.Is(err, tenant.ErrNotRunning):
		writeJSON(w, http.StatusAccepted, parsed)
	case err != nil:
		writeError(w, r, err)
	default:
		writeJSON(w, http.StatusOK, applied)
	}
}

type balanceResponse struct {
	StoreID     string `json:"store_id"`
	CustomerRef string `json:"customer_ref"`
	Amount      int64  `json:"amount"`
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	store, customer := vars["store"], vars["customer"]
	if !claims(r).Allows(store) {
		writeError(w, r, fmt.Errorf("%w: store %s", errForbidden, store))
		return
	}
	amount, err := s.deps.Data.Balance(r.Context(), store, customer)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{StoreID: store, CustomerRef: customer, Amount: amount})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	store := mux.Vars(r)["store"]
	if !claims(r).Allows(store) {
		writeError(w, r, fmt.Errorf("%w: store %s", errForbidden, store))
		return
	}
	s.deps.Events.ServeStore(w, r, store)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req logoutRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Reason == "" {
		req.Reason = "logout"
	}
	entry, err := s.deps.Revoker.Revoke(r.Context(), auth.TokenFrom(r.Context()), claims(r).Subject, req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	logger.Info(r.Context(), logger.CompHTTP, "logout",
		slog.String("status", "ok"),
		slog.String("user", entry.UserRef),
	)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	s.deps.Tenants.ServeWebhook(w, r, mux.Vars(r)["store"])
}

type healthResponse struct {
	Status     string            `json:"status"`
	Checks     map[string]string `json:"checks,omitempty"`
	Components map[string]string `json:"components,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok"}
	code := http.StatusOK
	if len(s.deps.Checks) > 0 {
		resp.Checks = make(map[string]string, len(s.deps.Checks))
		for name, check := range s.deps.Checks {
			if err := check(ctx); err != nil {
				resp.Checks[name] = err.Error()
				resp.Status = "fail"
				code = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[name] = "ok"
		}
	}
	if len(s.deps.Status) > 0 {
		resp.Components = make(map[string]string, len(s.deps.Status))
		for name, fn := range s.deps.Status {
			resp.Components[name] = fn()
		}
	}
	writeJSON(w, code, resp)
}
