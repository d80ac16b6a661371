package notify

import (
	"strconv"
	"strings"

	"github.com/m3rciful/shopfleet/core/catalog"
	"github.com/m3rciful/shopfleet/core/message"
	"github.com/m3rciful/shopfleet/core/order"
)

// TemplatesFunc returns per-store template overrides keyed like the defaults
// ("OrderCreated.admins"). It may return nil.
type TemplatesFunc func(storeID string) map[string]string

var defaultTemplates = map[string]string{
	"OrderCreated.admins":          "🆕 New order {number}\n{items}\nTotal: {total}\nCustomer: {contact}",
	"PaymentProofSubmitted.admins": "🧾 Payment proof received for order {number} ({total}). Please review.",
	"OrderCancelled.admins":        "Order {number} was cancelled.",
	"OrderApproved.customer":       "✅ Your payment for order {number} is confirmed. Total: {total}.",
	"OrderRejected.customer":       "❌ Order {number} was rejected: {reason}",
	"OrderShipped.customer":        "📦 Order {number} has been shipped.",
	"OrderDelivered.customer":      "Order {number} was delivered. Thank you!",
	"OrderRefunded.customer":       "Order {number} was refunded ({total}).",
	"OrderCancelled.customer":      "Order {number} was cancelled.",
}

const fallbackTemplate = "Order {number}: {status}"

// Renderer turns events into message text, with {var} placeholders.
type Renderer struct {
	overrides TemplatesFunc
}

// NewRenderer returns a renderer; overrides may be nil.
func NewRenderer(overrides TemplatesFunc) *Renderer {
	return &Renderer{overrides: overrides}
}

// Text renders ev for an audience of kind.
func (r *Renderer) Text(storeID string, ev order.Event, kind Kind) string {
	key := string(ev.Type) + "." + string(kind)
	tmpl := ""
	if r != nil && r.overrides != nil {
		tmpl = r.overrides(storeID)[key]
	}
	if tmpl == "" {
		tmpl = defaultTemplates[key]
	}
	if tmpl == "" {
		tmpl = fallbackTemplate
	}
	return Fill(tmpl, vars(ev))
}

// Buttons returns the inline actions offered with ev.
func (r *Renderer) Buttons(ev order.Event, kind Kind) []message.Row {
	if kind != Admins || ev.Order == nil || ev.Order.Status != order.StatusPendingAdmin {
		return nil
	}
	switch ev.Type {
	case order.EventOrderCreated, order.EventPaymentProofSubmitted:
		id := ev.Order.ID
		return []message.Row{{
			message.Btn("✅ Approve", "approve", id),
			message.Btn("❌ Reject", "reject", id),
		}}
	}
	return nil
}

// Fill replaces every {key} in tmpl with its value.
func Fill(tmpl string, values map[string]string) string {
	out := tmpl
	for k, v := range values {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out
}

func vars(ev order.Event) map[string]string {
	o := ev.Order
	lines := make([]string, 0, len(o.Items))
	for _, it := range o.Items {
		lines = append(lines, "• "+it.Name+" × "+strconv.Itoa(it.Quantity)+" = "+catalog.FormatMoney(it.Subtotal(), o.Currency))
	}
	contact := strings.TrimSpace(strings.Join([]string{o.Contact.Name, o.Contact.Phone, o.Contact.Address}, ", "))
	return map[string]string{
		"number":  o.Number,
		"total":   catalog.FormatMoney(o.Total, o.Currency),
		"reason":  o.RejectionReason,
		"status":  string(o.Status),
		"items":   strings.Join(lines, "\n"),
		"contact": contact,
		"actor":   ev.Actor,
	}
}
