package order

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("order: not found")
	ErrReasonRequired = errors.New("order: rejection reason required")
	ErrProofRequired  = errors.New("order: payment proof reference required")
	ErrEmptyCart      = errors.New("order: empty cart")
	ErrBadQuantity    = errors.New("order: quantity must be positive")
	// ErrDuplicateNumber is returned by storage when an order number is taken.
	ErrDuplicateNumber = errors.New("order: duplicate order number")
)

// InsufficientStockError names the line that could not be reserved.
type InsufficientStockError struct {
	ProductID string
	VariantID string
	Name      string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %q: requested %d, available %d", e.Name, e.Requested, e.Available)
}

// Code is the stable error code used in logs and API responses.
func (e *InsufficientStockError) Code() string { return "INSUFFICIENT_STOCK" }

// UnavailableError names a line whose product was deactivated or removed
// after it went into the cart.
type UnavailableError struct {
	ProductID string
	VariantID string
	Name      string
}

func (e *UnavailableError) Error() string {
	ref := e.ProductID
	if e.VariantID != "" {
		ref += "/" + e.VariantID
	}
	if e.Name != "" {
		return fmt.Sprintf("product %q (%s) is no longer available", e.Name, ref)
	}
	return fmt.Sprintf("product %s is no longer available", ref)
}

func (e *UnavailableError) Code() string { return "PRODUCT_UNAVAILABLE" }

// InvalidTransitionError reports an action the transition table does not allow.
type InvalidTransitionError struct {
	OrderID string
	From    Status
	Action  Action
}

func (e *InvalidTransitionError) Error() string {
	if e.OrderID == "" {
		return fmt.Sprintf("invalid transition: %s from %s", e.Action, e.From)
	}
	return fmt.Sprintf("invalid transition: %s from %s (order %s)", e.Action, e.From, e.OrderID)
}

func (e *InvalidTransitionError) Code() string { return "INVALID_TRANSITION" }
