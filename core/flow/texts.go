package flow

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/m3rciful/shopfleet/core/catalog"
	"github.com/m3rciful/shopfleet/core/message"
	"github.com/m3rciful/shopfleet/core/order"
	"github.com/m3rciful/shopfleet/core/session"
)

// Callback keys.
const (
	keyMenu        = "menu"
	keyCategory    = "cat"
	keyProduct     = "prod"
	keyBuy         = "buy"
	keyAdd         = "add"
	keyCart        = "cart"
	keyCheckout    = "checkout"
	keyClear       = "clear"
	keyConfirm     = "confirm"
	keyBack        = "back"
	keyQty         = "qty"
	keyRemove      = "remove"
	keyEditContact = "editcontact"
	keyFAQ         = "faq"
	keyProof       = "proof"
	keyCancelOrder = "cancelorder"
	keyApprove     = "approve"
	keyReject      = "reject"
	keyShip        = "ship"
	keyDeliver     = "deliver"
	// keyWizard carries sub-flow choices.
	keyWizard = "sf"
)

const (
	textRetry         = "Something went wrong. Please try again."
	textSignedOut     = "Your admin session has ended. Use /login to sign in again."
	textEmptyCart     = "Your cart is empty."
	textNoProducts    = "No products in this category yet."
	textNotAdmin      = "Only store admins can do that."
	textOrderNotFound = "Order not found."
	textCancelled     = "Cancelled."
	textHelp          = "Browse the catalog with /start, add items to your cart and check out. " +
		"After ordering, send a photo of your payment receipt. Use /cancel to stop any step."
)

func menuRow(t *turn) message.Row {
	return message.Row{
		message.Btn(t.settings.Label("menu", "Catalog"), keyMenu, ""),
		message.Btn(t.settings.Label("cart", "Cart"), keyCart, ""),
	}
}

func money(amount int64, currency string) string {
	return catalog.FormatMoney(amount, currency)
}

func cartText(sess *session.Session, currency string) string {
	if len(sess.Cart) == 0 {
		return textEmptyCart
	}
	var b strings.Builder
	b.WriteString("Your cart:\n")
	for i, it := range sess.Cart {
		fmt.Fprintf(&b, "%d. %s x%d = %s\n", i+1, it.Name, it.Quantity, money(it.UnitPrice*int64(it.Quantity), currency))
	}
	fmt.Fprintf(&b, "Total: %s", money(sess.CartTotal(), currency))
	return b.String()
}

func summaryText(sess *session.Session, currency string) string {
	var b strings.Builder
	b.WriteString("Please confirm your order.\n\n")
	b.WriteString(cartText(sess, currency))
	fmt.Fprintf(&b, "\n\nName: %s\nPhone: %s\nAddress: %s", sess.Contact.Name, sess.Contact.Phone, sess.Contact.Address)
	return b.String()
}

func orderLine(o *order.Order) string {
	return fmt.Sprintf("Order #%s (%s) %s", o.Number, money(o.Total, o.Currency), o.Status)
}

func ref(productID, variantID string) string {
	return catalog.StockRef{ProductID: productID, VariantID: variantID}.String()
}

func parseRef(s string) catalog.StockRef {
	p, v, _ := strings.Cut(s, ":")
	return catalog.StockRef{ProductID: p, VariantID: v}
}

// indexArgs parses "index" or "index|n" payloads.
func indexArgs(payload string) (int, int, error) {
	a, b, hasB := strings.Cut(payload, "|")
	i, err := strconv.Atoi(a)
	if err != nil {
		return 0, 0, err
	}
	if !hasB {
		return i, 0, nil
	}
	n, err := strconv.Atoi(b)
	if err != nil {
		return 0, 0, err
	}
	return i, n, nil
}
