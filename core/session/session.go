// Package session keeps per-user conversation state for every tenant bot.
//
// A Session is addressed by Key (store and Telegram user), so the same person
// talking to two store bots has two independent conversations. Store keeps
// sessions in process and mirrors them to an optional remote cache.
package session

import (
	"encoding/json"
	"strconv"
	"time"
)

// Key addresses one session.
type Key struct {
	StoreID string `json:"store_id"`
	UserID  int64  `json:"user_id"`
}

func (k Key) String() string {
	return k.StoreID + ":" + strconv.FormatInt(k.UserID, 10)
}

// Step is the ordering step of the main conversation.
type Step string

const (
	StepSelecting    Step = "selecting"
	StepContact      Step = "contact"
	StepConfirmation Step = "confirmation"
)

// Mode is the purchase mode.
type Mode string

const (
	// ModeDirect checks out a single item right away.
	ModeDirect Mode = "direct"
	// ModeCart accumulates items before checkout.
	ModeCart Mode = "cart"
)

// ContactStage tracks which contact field is collected next.
type ContactStage string

const (
	ContactName    ContactStage = "name"
	ContactPhone   ContactStage = "phone"
	ContactAddress ContactStage = "address"
)

// CartItem is one cart line. UnitPrice is for display only; the order engine
// snapshots prices from the catalog.
type CartItem struct {
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id,omitempty"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
}

// Contact is the delivery contact collected during checkout.
type Contact struct {
	Name    string `json:"name,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Address string `json:"address,omitempty"`
}

// Complete reports whether every field is set.
func (c Contact) Complete() bool {
	return c.Name != "" && c.Phone != "" && c.Address != ""
}

// Session is the conversation state of one user with one store bot.
type Session struct {
	Key Key `json:"key"`

	// Authority fields. Cleared together by Deauthorize.
	UserRef string `json:"user_ref,omitempty"`
	Token   string `json:"token,omitempty"`
	Role    string `json:"role,omitempty"`

	CategoryID string     `json:"category_id,omitempty"`
	Step       Step       `json:"step"`
	Mode       Mode       `json:"mode"`
	Cart       []CartItem `json:"cart,omitempty"`
	// SavedCart holds the cart set aside while a direct purchase is open.
	SavedCart    []CartItem   `json:"saved_cart,omitempty"`
	Contact      Contact      `json:"contact"`
	ContactStage ContactStage `json:"contact_stage,omitempty"`
	// LastOrderID is the most recent order placed from this session.
	LastOrderID string `json:"last_order_id,omitempty"`
	Lang        string `json:"lang,omitempty"`

	// Subflow is the active wizard overlay, nil when none.
	Subflow Subflow `json:"-"`

	LastActivity time.Time `json:"last_activity"`
}

// New returns the default session for an unseen user.
func New(key Key, now time.Time) *Session {
	return &Session{
		Key:          key,
		Step:         StepSelecting,
		Mode:         ModeCart,
		LastActivity: now,
	}
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	if s.Cart != nil {
		cp.Cart = append([]CartItem(nil), s.Cart...)
	}
	if s.SavedCart != nil {
		cp.SavedCart = append([]CartItem(nil), s.SavedCart...)
	}
	if s.Subflow != nil {
		cp.Subflow = s.Subflow.clone()
	}
	return &cp
}

// Enter activates sf, replacing any sub-flow already in progress.
func (s *Session) Enter(sf Subflow) {
	s.Subflow = sf
}

// ClearSubflow drops the active sub-flow. The ordering step underneath is untouched.
func (s *Session) ClearSubflow() {
	s.Subflow = nil
}

// SubflowKind returns the kind of the active sub-flow.
func (s *Session) SubflowKind() SubflowKind {
	if s.Subflow == nil {
		return SubflowNone
	}
	return s.Subflow.Kind()
}

// ResetOrdering returns the ordering flow to browsing. A cart checkout
// leaves an empty cart; a direct purchase brings back the cart it set aside.
func (s *Session) ResetOrdering() {
	s.Step = StepSelecting
	s.ContactStage = ""
	s.Cart = nil
	s.EndDirect()
}

// BeginDirect opens a single-item checkout. The current cart is set aside
// until EndDirect.
func (s *Session) BeginDirect(item CartItem) {
	if s.Mode != ModeDirect {
		s.SavedCart = s.Cart
	}
	s.Cart = []CartItem{item}
	s.Mode = ModeDirect
}

// EndDirect closes a direct purchase and restores the cart set aside by
// BeginDirect. It is a no-op in cart mode.
func (s *Session) EndDirect() {
	if s.Mode != ModeDirect {
		return
	}
	s.Cart = s.SavedCart
	s.SavedCart = nil
	s.Mode = ModeCart
}

// Deauthorize strips the user's authority.
func (s *Session) Deauthorize() {
	s.UserRef = ""
	s.Token = ""
	s.Role = ""
}

// AddToCart merges item into the cart by product and variant.
func (s *Session) AddToCart(item CartItem) {
	for i := range s.Cart {
		if s.Cart[i].ProductID == item.ProductID && s.Cart[i].VariantID == item.VariantID {
			s.Cart[i].Quantity += item.Quantity
			s.Cart[i].UnitPrice = item.UnitPrice
			return
		}
	}
	s.Cart = append(s.Cart, item)
}

// CartTotal sums the displayed cart value.
func (s *Session) CartTotal() int64 {
	var total int64
	for _, it := range s.Cart {
		total += it.UnitPrice * int64(it.Quantity)
	}
	return total
}

type subflowEnvelope struct {
	Kind SubflowKind     `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// MarshalJSON encodes the sub-flow as a kind-tagged envelope.
func (s Session) MarshalJSON() ([]byte, error) {
	type plain Session
	out := struct {
		plain
		Subflow *subflowEnvelope `json:"subflow,omitempty"`
	}{plain: plain(s)}
	if s.Subflow != nil {
		data, err := json.Marshal(s.Subflow)
		if err != nil {
			return nil, err
		}
		out.Subflow = &subflowEnvelope{Kind: s.Subflow.Kind(), Data: data}
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a session encoded by MarshalJSON.
func (s *Session) UnmarshalJSON(b []byte) error {
	type plain Session
	var in struct {
		plain
		Subflow *subflowEnvelope `json:"subflow"`
	}
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	*s = Session(in.plain)
	if in.Subflow == nil {
		s.Subflow = nil
		return nil
	}
	sf, err := decodeSubflow(in.Subflow.Kind, in.Subflow.Data)
	if err != nil {
		return err
	}
	s.Subflow = sf
	return nil
}
