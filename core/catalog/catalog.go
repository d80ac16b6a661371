// Package catalog holds the storefront records shared by the order engine,
// the conversation flow and the storage layer.
package catalog

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a store, category or product does not exist.
	ErrNotFound = errors.New("catalog: not found")
	// ErrForbidden is returned when a user acts on a store they do not own.
	ErrForbidden = errors.New("catalog: forbidden")
)

// Store is one tenant's storefront.
type Store struct {
	ID          string    `db:"id" json:"id"`
	OwnerRef    string    `db:"owner_ref" json:"owner_ref"`
	Name        string    `db:"name" json:"name"`
	Description string    `db:"description" json:"description"`
	Currency    string    `db:"currency" json:"currency"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// Category groups products inside a store.
type Category struct {
	ID       string `db:"id" json:"id"`
	StoreID  string `db:"store_id" json:"store_id"`
	Name     string `db:"name" json:"name"`
	Position int    `db:"position" json:"position"`
}

// Product is a sellable item. Prices are minor currency units.
type Product struct {
	ID          string    `db:"id" json:"id"`
	StoreID     string    `db:"store_id" json:"store_id"`
	CategoryID  string    `db:"category_id" json:"category_id"`
	Name        string    `db:"name" json:"name"`
	Description string    `db:"description" json:"description"`
	Price       int64     `db:"price" json:"price"`
	Currency    string    `db:"currency" json:"currency"`
	Stock       int       `db:"stock" json:"stock"`
	Reserved    int       `db:"reserved" json:"reserved"`
	Sold        int       `db:"sold" json:"sold"`
	Active      bool      `db:"active" json:"active"`
	Variants    []Variant `db:"-" json:"variants,omitempty"`
}

// Variant is a product option with its own stock counter.
// A zero Price means the product price applies.
type Variant struct {
	ID        string `db:"id" json:"id"`
	ProductID string `db:"product_id" json:"product_id"`
	Name      string `db:"name" json:"name"`
	Price     int64  `db:"price" json:"price"`
	Stock     int    `db:"stock" json:"stock"`
	Reserved  int    `db:"reserved" json:"reserved"`
	Sold      int    `db:"sold" json:"sold"`
}

// Variant returns the variant with the given id.
func (p Product) Variant(id string) (Variant, bool) {
	for _, v := range p.Variants {
		if v.ID == id {
			return v, true
		}
	}
	return Variant{}, false
}

// PriceOf returns the unit price for the product or one of its variants.
func (p Product) PriceOf(variantID string) int64 {
	if v, ok := p.Variant(variantID); ok && v.Price > 0 {
		return v.Price
	}
	return p.Price
}

// Available returns free stock for the product or one of its variants.
func (p Product) Available(variantID string) int {
	if variantID == "" {
		return p.Stock
	}
	if v, ok := p.Variant(variantID); ok {
		return v.Stock
	}
	return 0
}

// DisplayName joins product and variant names.
func (p Product) DisplayName(variantID string) string {
	if v, ok := p.Variant(variantID); ok {
		return p.Name + " (" + v.Name + ")"
	}
	return p.Name
}

// StockRef addresses one stock counter: a product, or one of its variants.
type StockRef struct {
	ProductID string
	VariantID string
}

func (r StockRef) String() string {
	if r.VariantID == "" {
		return r.ProductID
	}
	return r.ProductID + ":" + r.VariantID
}

// Admin is a store administrator reachable in Telegram.
type Admin struct {
	StoreID string `db:"store_id" json:"store_id"`
	UserRef string `db:"user_ref" json:"user_ref"`
	ChatID  int64  `db:"chat_id" json:"chat_id"`
	Role    string `db:"role" json:"role"`
}

// BotCredential is the Telegram credential a store connected.
type BotCredential struct {
	StoreID string `db:"store_id" json:"store_id"`
	Token   string `db:"token" json:"-"`
	Mode    string `db:"mode" json:"mode"`
	Active  bool   `db:"active" json:"active"`
}
