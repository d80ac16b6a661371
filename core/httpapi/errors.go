package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/m3rciful/shopfleet/core/catalog"
	"github.com/m3rciful/shopfleet/core/logger"
	"github.com/m3rciful/shopfleet/core/order"
	"github.com/m3rciful/shopfleet/core/tenant"
)

var (
	errForbidden  = errors.New("forbidden")
	errBadRequest = errors.New("bad request")
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type coder interface{ Code() string }

// statusOf maps a domain error to an HTTP status and a stable error code.
func statusOf(err error) (int, string) {
	var stock *order.InsufficientStockError
	var transition *order.InvalidTransitionError
	var unavailable *order.UnavailableError
	switch {
	case errors.As(err, &stock):
		return http.StatusConflict, stock.Code()
	case errors.As(err, &transition):
		return http.StatusConflict, transition.Code()
	case errors.As(err, &unavailable):
		return http.StatusConflict, unavailable.Code()
	case errors.Is(err, order.ErrNotFound), errors.Is(err, catalog.ErrNotFound), errors.Is(err, tenant.ErrNotRunning):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, order.ErrReasonRequired), errors.Is(err, errBadRequest):
		return http.StatusBadRequest, "BAD_REQUEST"
	case errors.Is(err, tenant.ErrInvalidSettings):
		return http.StatusUnprocessableEntity, "INVALID_SETTINGS"
	case errors.Is(err, errForbidden):
		return http.StatusForbidden, "FORBIDDEN"
	}
	var c coder
	if errors.As(err, &c) {
		return http.StatusInternalServerError, c.Code()
	}
	return http.StatusInternalServerError, "INTERNAL"
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusOf(err)
	msg := err.Error()
	if status >= 500 {
		logger.Error(r.Context(), logger.CompHTTP, "api_error",
			slog.String("status", "fail"),
			slog.String("err_code", code),
			slog.String("path", r.URL.Path),
			slog.Any("err", err),
		)
		msg = http.StatusText(status)
	}
	writeJSON(w, status, errorBody{Error: code, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
