package flow

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/m3rciful/shopfleet/core/catalog"
	"github.com/m3rciful/shopfleet/core/message"
	"github.com/m3rciful/shopfleet/core/order"
	"github.com/m3rciful/shopfleet/core/session"
)

// browsing keys are valid from every ordering step and return to selecting.
var browsing = map[string]bool{
	keyMenu:     true,
	keyCategory: true,
	keyProduct:  true,
	keyAdd:      true,
	keyBuy:      true,
	keyCart:     true,
	keyClear:    true,
	keyCheckout: true,
	keyFAQ:      true,
}

func (e *Engine) currency(t *turn) string {
	if t.settings.Currency != "" {
		return t.settings.Currency
	}
	return e.deps.Currency
}

func (e *Engine) handleSelecting(ctx context.Context, t *turn) error {
	if cb := t.in.Callback; cb != nil {
		return e.browse(ctx, t, cb)
	}
	text := strings.TrimSpace(t.in.Text)
	if text != "" {
		if reply, ok := t.settings.AutoReply(text); ok {
			t.reply(reply, menuRow(t))
			return nil
		}
		for _, f := range t.settings.FAQ {
			if strings.EqualFold(strings.TrimSpace(f.Question), text) {
				t.reply(f.Answer, menuRow(t))
				return nil
			}
		}
	}
	return e.showMenu(ctx, t, t.settings.Welcome)
}

// leaveCheckout returns to browsing. A direct purchase is abandoned and the
// cart it set aside comes back.
func leaveCheckout(t *turn) {
	t.sess.EndDirect()
	t.sess.Step = session.StepSelecting
	t.sess.ContactStage = ""
}

func (e *Engine) browse(ctx context.Context, t *turn, cb *Callback) error {
	switch cb.Key {
	case keyCategory:
		return e.showCategory(ctx, t, cb.Payload)
	case keyProduct:
		return e.showProduct(ctx, t, cb.Payload)
	case keyAdd:
		return e.addToCart(ctx, t, parseRef(cb.Payload))
	case keyBuy:
		return e.buyNow(ctx, t, parseRef(cb.Payload))
	case keyCart:
		e.showCart(t)
		return nil
	case keyClear:
		t.sess.Cart = nil
		t.reply(textEmptyCart, menuRow(t))
		return nil
	case keyCheckout:
		if len(t.sess.Cart) == 0 {
			t.reply(textEmptyCart, menuRow(t))
			return nil
		}
		t.sess.Mode = session.ModeCart
		e.beginContact(t)
		return nil
	case keyFAQ:
		e.showFAQ(t)
		return nil
	}
	return e.showMenu(ctx, t, "")
}

func (e *Engine) showMenu(ctx context.Context, t *turn, header string) error {
	cats, err := e.deps.Catalog.Categories(ctx, t.in.StoreID)
	if err != nil {
		return fmt.Errorf("flow: list categories: %w", err)
	}
	text := "Choose a category:"
	if header != "" {
		text = header + "\n\n" + text
	}
	if len(cats) == 0 {
		text = strings.TrimSpace(header + "\n\nThe catalog is empty for now.")
	}
	rows := make([]message.Row, 0, len(cats)+2)
	for _, c := range cats {
		rows = append(rows, message.Row{message.Btn(c.Name, keyCategory, c.ID)})
	}
	if len(t.settings.FAQ) > 0 {
		rows = append(rows, message.Row{message.Btn(t.settings.Label("faq", "FAQ"), keyFAQ, "")})
	}
	rows = append(rows, message.Row{message.Btn(t.settings.Label("cart", "Cart"), keyCart, "")})
	t.reply(text, rows...)
	return nil
}

func (e *Engine) showFAQ(t *turn) {
	if len(t.settings.FAQ) == 0 {
		t.reply("No FAQ yet.", menuRow(t))
		return
	}
	var b strings.Builder
	for i, f := range t.settings.FAQ {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "%s\n%s", f.Question, f.Answer)
	}
	t.reply(b.String(), menuRow(t))
}

func (e *Engine) showCategory(ctx context.Context, t *turn, categoryID string) error {
	products, err := e.deps.Catalog.Products(ctx, t.in.StoreID, categoryID)
	if err != nil {
		return fmt.Errorf("flow: list products: %w", err)
	}
	t.sess.CategoryID = categoryID
	if len(products) == 0 {
		t.reply(textNoProducts, menuRow(t))
		return nil
	}
	rows := make([]message.Row, 0, len(products)+1)
	for _, p := range products {
		label := fmt.Sprintf("%s - %s", p.Name, money(p.Price, p.Currency))
		rows = append(rows, message.Row{message.Btn(label, keyProduct, p.ID)})
	}
	rows = append(rows, menuRow(t))
	t.reply("Choose a product:", rows...)
	return nil
}

func (e *Engine) product(ctx context.Context, t *turn, productID string) (catalog.Product, bool, error) {
	p, err := e.deps.Catalog.Product(ctx, t.in.StoreID, productID)
	if errors.Is(err, catalog.ErrNotFound) || (err == nil && !p.Active) {
		t.reply("This product is no longer available.", menuRow(t))
		return catalog.Product{}, false, nil
	}
	if err != nil {
		return catalog.Product{}, false, fmt.Errorf("flow: get product: %w", err)
	}
	return p, true, nil
}

func (e *Engine) showProduct(ctx context.Context, t *turn, productID string) error {
	p, ok, err := e.product(ctx, t, productID)
	if !ok {
		return err
	}
	var b strings.Builder
	b.WriteString(p.Name)
	if p.Description != "" {
		b.WriteString("\n" + p.Description)
	}
	var rows []message.Row
	if len(p.Variants) == 0 {
		fmt.Fprintf(&b, "\n\nPrice: %s\nIn stock: %d", money(p.Price, p.Currency), p.Stock)
		rows = append(rows, message.Row{
			message.Btn(t.settings.Label("add", "Add to cart"), keyAdd, p.ID),
			message.Btn(t.settings.Label("buy", "Buy now"), keyBuy, p.ID),
		})
	} else {
		for _, v := range p.Variants {
			fmt.Fprintf(&b, "\n%s: %s, in stock %d", v.Name, money(p.PriceOf(v.ID), p.Currency), v.Stock)
			rows = append(rows, message.Row{
				message.Btn("Add "+v.Name, keyAdd, ref(p.ID, v.ID)),
				message.Btn("Buy "+v.Name, keyBuy, ref(p.ID, v.ID)),
			})
		}
	}
	rows = append(rows, message.Row{message.Btn("Back", keyCategory, p.CategoryID)})
	t.reply(b.String(), rows...)
	return nil
}

// pick resolves a stock reference into a cart line of one unit.
func (e *Engine) pick(ctx context.Context, t *turn, r catalog.StockRef) (session.CartItem, bool, error) {
	p, ok, err := e.product(ctx, t, r.ProductID)
	if !ok {
		return session.CartItem{}, false, err
	}
	if r.VariantID != "" {
		if _, ok := p.Variant(r.VariantID); !ok {
			t.reply("This option is no longer available.", menuRow(t))
			return session.CartItem{}, false, nil
		}
	} else if len(p.Variants) > 0 {
		// a product with variants is bought per variant
		return session.CartItem{}, false, e.showProduct(ctx, t, p.ID)
	}
	if p.Available(r.VariantID) <= 0 {
		t.reply(p.DisplayName(r.VariantID)+" is out of stock.", menuRow(t))
		return session.CartItem{}, false, nil
	}
	return session.CartItem{
		ProductID: p.ID,
		VariantID: r.VariantID,
		Name:      p.DisplayName(r.VariantID),
		Quantity:  1,
		UnitPrice: p.PriceOf(r.VariantID),
	}, true, nil
}

func (e *Engine) addToCart(ctx context.Context, t *turn, r catalog.StockRef) error {
	item, ok, err := e.pick(ctx, t, r)
	if !ok {
		return err
	}
	t.sess.Mode = session.ModeCart
	t.sess.AddToCart(item)
	t.reply(fmt.Sprintf("Added %s. Cart total: %s", item.Name, money(t.sess.CartTotal(), e.currency(t))),
		message.Row{
			message.Btn(t.settings.Label("checkout", "Checkout"), keyCheckout, ""),
			message.Btn(t.settings.Label("cart", "Cart"), keyCart, ""),
		},
		message.Row{message.Btn(t.settings.Label("menu", "Catalog"), keyMenu, "")},
	)
	return nil
}

// buyNow checks out a single item. The cart is kept aside meanwhile.
func (e *Engine) buyNow(ctx context.Context, t *turn, r catalog.StockRef) error {
	item, ok, err := e.pick(ctx, t, r)
	if !ok {
		return err
	}
	t.sess.BeginDirect(item)
	e.beginContact(t)
	return nil
}

func (e *Engine) showCart(t *turn) {
	if len(t.sess.Cart) == 0 {
		t.reply(textEmptyCart, menuRow(t))
		return
	}
	t.reply(cartText(t.sess, e.currency(t)),
		message.Row{
			message.Btn(t.settings.Label("checkout", "Checkout"), keyCheckout, ""),
			message.Btn("Clear", keyClear, ""),
		},
		message.Row{message.Btn(t.settings.Label("menu", "Catalog"), keyMenu, "")},
	)
}

// beginContact moves to contact collection, or straight to confirmation when
// a complete contact is already known.
func (e *Engine) beginContact(t *turn) {
	if t.sess.Contact.Complete() {
		t.sess.Step = session.StepConfirmation
		t.sess.ContactStage = ""
		e.showSummary(t)
		return
	}
	t.sess.Step = session.StepContact
	t.sess.ContactStage = session.ContactName
	t.reply("Who is the order for? Send the recipient's name.", backRow())
}

func backRow() message.Row {
	return message.Row{message.Btn("Back", keyBack, "")}
}

func (e *Engine) showSummary(t *turn) {
	t.reply(summaryText(t.sess, e.currency(t)),
		message.Row{message.Btn(t.settings.Label("confirm", "Place order"), keyConfirm, "")},
		message.Row{
			message.Btn("Change contact", keyEditContact, ""),
			message.Btn("Back", keyBack, ""),
		},
	)
}

var (
	phoneRe    = regexp.MustCompile(`^\+?[0-9][0-9 ()-]{4,22}[0-9]$`)
	nonDigitRe = regexp.MustCompile(`[^0-9]`)
)

// ValidPhone accepts international numbers of 7 to 15 digits with common
// separators.
func ValidPhone(s string) bool {
	s = strings.TrimSpace(s)
	if !phoneRe.MatchString(s) {
		return false
	}
	n := len(nonDigitRe.ReplaceAllString(s, ""))
	return n >= 7 && n <= 15
}

func (e *Engine) handleContact(ctx context.Context, t *turn) error {
	if cb := t.in.Callback; cb != nil {
		if browsing[cb.Key] {
			leaveCheckout(t)
			return e.browse(ctx, t, cb)
		}
		if cb.Key == keyBack {
			switch t.sess.ContactStage {
			case session.ContactAddress:
				t.sess.ContactStage = session.ContactPhone
				t.reply("Send a phone number we can reach you at.", backRow())
			case session.ContactPhone:
				t.sess.ContactStage = session.ContactName
				t.reply("Who is the order for? Send the recipient's name.", backRow())
			default:
				leaveCheckout(t)
				e.showCart(t)
			}
			return nil
		}
	}
	text := strings.TrimSpace(t.in.Text)
	switch t.sess.ContactStage {
	case session.ContactPhone:
		if !ValidPhone(text) {
			t.reply("That does not look like a phone number. Example: +1 555 123 4567", backRow())
			return nil
		}
		t.sess.Contact.Phone = text
		t.sess.ContactStage = session.ContactAddress
		t.reply("Where should we deliver? Send the full address.", backRow())
	case session.ContactAddress:
		if utf8.RuneCountInString(text) < 5 || utf8.RuneCountInString(text) > 300 {
			t.reply("Please send the full delivery address.", backRow())
			return nil
		}
		t.sess.Contact.Address = text
		t.sess.ContactStage = ""
		t.sess.Step = session.StepConfirmation
		e.showSummary(t)
	default:
		if n := utf8.RuneCountInString(text); n < 2 || n > 100 {
			t.reply("Please send the recipient's name.", backRow())
			return nil
		}
		t.sess.Contact.Name = text
		t.sess.ContactStage = session.ContactPhone
		t.reply("Send a phone number we can reach you at.", backRow())
	}
	return nil
}

func (e *Engine) handleConfirmation(ctx context.Context, t *turn) error {
	cb := t.in.Callback
	if cb == nil {
		e.showSummary(t)
		return nil
	}
	if browsing[cb.Key] {
		leaveCheckout(t)
		return e.browse(ctx, t, cb)
	}
	switch cb.Key {
	case keyConfirm:
		return e.placeOrder(ctx, t)
	case keyQty, keyRemove:
		i, n, err := indexArgs(cb.Payload)
		if err != nil || i < 0 || i >= len(t.sess.Cart) {
			e.showSummary(t)
			return nil
		}
		if cb.Key == keyRemove || n <= 0 {
			t.sess.Cart = append(t.sess.Cart[:i], t.sess.Cart[i+1:]...)
		} else {
			t.sess.Cart[i].Quantity = n
		}
		if len(t.sess.Cart) == 0 {
			leaveCheckout(t)
			t.reply(textEmptyCart, menuRow(t))
			return nil
		}
		e.showSummary(t)
	case keyEditContact:
		t.sess.Step = session.StepContact
		t.sess.ContactStage = session.ContactName
		t.reply("Who is the order for? Send the recipient's name.", backRow())
	case keyBack:
		leaveCheckout(t)
		e.showCart(t)
	default:
		e.showSummary(t)
	}
	return nil
}

func (e *Engine) placeOrder(ctx context.Context, t *turn) error {
	lines := make([]order.CartLine, 0, len(t.sess.Cart))
	for _, it := range t.sess.Cart {
		lines = append(lines, order.CartLine{ProductID: it.ProductID, VariantID: it.VariantID, Quantity: it.Quantity})
	}
	o, err := e.deps.Orders.CreateOrder(ctx, order.Checkout{
		StoreID:        t.in.StoreID,
		CustomerRef:    t.userRef(),
		CustomerChatID: t.in.ChatID,
		// LastOrderID changes after every placed order, so an identical
		// cart later is a new order while a repeated tap is not.
		SessionRef: t.sess.Key.String() + "#" + t.sess.LastOrderID,
		Lines:      lines,
		Contact: order.Contact{
			Name:    t.sess.Contact.Name,
			Phone:   t.sess.Contact.Phone,
			Address: t.sess.Contact.Address,
		},
	})
	var stockErr *order.InsufficientStockError
	var unavailable *order.UnavailableError
	switch {
	case errors.As(err, &stockErr):
		e.showShortage(t, stockErr)
		return nil
	case errors.As(err, &unavailable):
		e.showUnavailable(t, unavailable)
		return nil
	case errors.Is(err, order.ErrEmptyCart):
		leaveCheckout(t)
		t.reply(textEmptyCart, menuRow(t))
		return nil
	case err != nil:
		return fmt.Errorf("flow: create order: %w", err)
	}

	t.sess.ResetOrdering()
	t.sess.LastOrderID = o.ID

	var b strings.Builder
	fmt.Fprintf(&b, "Order #%s placed. Total: %s.", o.Number, money(o.Total, o.Currency))
	if pi := strings.TrimSpace(t.settings.PaymentInstructions); pi != "" {
		b.WriteString("\n\n" + pi)
	}
	b.WriteString("\n\nOnce you have paid, send us the receipt.")
	t.reply(b.String(),
		message.Row{message.Btn("Send payment proof", keyProof, o.ID)},
		message.Row{message.Btn("Cancel order", keyCancelOrder, o.ID)},
	)
	return nil
}

// showShortage keeps the user in confirmation and offers to fix the line
// that could not be reserved.
func (e *Engine) showShortage(t *turn, se *order.InsufficientStockError) {
	idx, name := cartLine(t, se.ProductID, se.VariantID, se.Name)
	text := fmt.Sprintf("Only %d of %s left, you asked for %d.", se.Available, name, se.Requested)
	var rows []message.Row
	if idx >= 0 {
		if se.Available > 0 {
			rows = append(rows, message.Row{message.Btn(
				fmt.Sprintf("Take %d", se.Available), keyQty, fmt.Sprintf("%d|%d", idx, se.Available))})
		}
		rows = append(rows, message.Row{message.Btn("Remove "+name, keyRemove, fmt.Sprint(idx))})
	}
	rows = append(rows, backRow())
	t.reply(text, rows...)
}

// showUnavailable keeps the user in confirmation and offers to drop a line
// whose product is no longer sold.
func (e *Engine) showUnavailable(t *turn, ue *order.UnavailableError) {
	idx, name := cartLine(t, ue.ProductID, ue.VariantID, ue.Name)
	if name == "" {
		name = "an item in your cart"
	}
	var rows []message.Row
	if idx >= 0 {
		rows = append(rows, message.Row{message.Btn("Remove "+name, keyRemove, fmt.Sprint(idx))})
	}
	rows = append(rows, backRow())
	t.reply(fmt.Sprintf("Sorry, %s is no longer available.", name), rows...)
}

// cartLine finds the cart index of a product line, -1 when absent, and the
// name to show for it.
func cartLine(t *turn, productID, variantID, name string) (int, string) {
	for i, it := range t.sess.Cart {
		if it.ProductID == productID && it.VariantID == variantID {
			if name == "" {
				name = it.Name
			}
			return i, name
		}
	}
	return -1, name
}
