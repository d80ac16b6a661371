package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/m3rciful/shopfleet/core/catalog"
	"github.com/m3rciful/shopfleet/core/logger"
	"github.com/m3rciful/shopfleet/core/message"
	"github.com/m3rciful/shopfleet/core/order"
	"github.com/m3rciful/shopfleet/core/session"
	"github.com/m3rciful/shopfleet/core/tenant"
)

const (
	choiceYes = "yes"
	choiceNo  = "no"
)

func confirmRows() []message.Row {
	return []message.Row{{
		message.Btn("Confirm", keyWizard, choiceYes),
		message.Btn("Cancel", keyWizard, choiceNo),
	}}
}

// choice returns the wizard button pressed, if any.
func choice(t *turn) (string, bool) {
	if cb := t.in.Callback; cb != nil && cb.Key == keyWizard {
		return cb.Payload, true
	}
	return "", false
}

// finish clears the sub-flow and resumes ordering.
func (e *Engine) finish(t *turn, text string, rows ...message.Row) {
	t.sess.ClearSubflow()
	t.reply(text, rows...)
}

func (e *Engine) handleStoreCreation(ctx context.Context, t *turn) error {
	sf := t.sess.Subflow.(*session.StoreCreation)
	text := strings.TrimSpace(t.in.Text)
	switch sf.Step {
	case session.StoreCreationName:
		if n := utf8.RuneCountInString(text); n < 2 || n > 64 {
			t.reply("Send a store name between 2 and 64 characters.")
			return nil
		}
		sf.Name = text
		sf.Step = session.StoreCreationDescription
		t.reply("Describe the store in a sentence, or send - to skip.")
	case session.StoreCreationDescription:
		if text == "" {
			t.reply("Send a description, or - to skip.")
			return nil
		}
		if text != "-" {
			sf.Description = text
		}
		sf.Step = session.StoreCreationConfirm
		t.reply(fmt.Sprintf("Create store %q?", sf.Name), confirmRows()...)
	case session.StoreCreationConfirm:
		c, ok := choice(t)
		if !ok {
			t.reply(fmt.Sprintf("Create store %q?", sf.Name), confirmRows()...)
			return nil
		}
		if c != choiceYes {
			e.finish(t, textCancelled)
			e.resume(t)
			return nil
		}
		st, err := e.deps.Catalog.CreateStore(ctx, catalog.Store{
			OwnerRef:    t.userRef(),
			Name:        sf.Name,
			Description: sf.Description,
			Currency:    e.deps.Currency,
		}, catalog.Admin{UserRef: t.userRef(), ChatID: t.in.ChatID, Role: "owner"})
		if err != nil {
			return fmt.Errorf("flow: create store: %w", err)
		}
		logger.Info(ctx, logger.CompFlow, "store_created", slog.String("status", "ok"), slog.String("payload", st.ID))
		e.finish(t, fmt.Sprintf("Store %q created (id %s). Connect its bot with /connectbot %s", st.Name, st.ID, st.ID))
	}
	return nil
}

func (e *Engine) ownsStore(ctx context.Context, t *turn, storeID string) (bool, error) {
	stores, err := e.deps.Catalog.StoresByOwner(ctx, t.userRef())
	if err != nil {
		return false, fmt.Errorf("flow: list owned stores: %w", err)
	}
	for _, st := range stores {
		if st.ID == storeID {
			return true, nil
		}
	}
	return false, nil
}

func (e *Engine) askStore(ctx context.Context, t *turn) error {
	stores, err := e.deps.Catalog.StoresByOwner(ctx, t.userRef())
	if err != nil {
		return fmt.Errorf("flow: list owned stores: %w", err)
	}
	if len(stores) == 0 {
		e.finish(t, "You have no stores yet. Create one with /newstore.")
		return nil
	}
	rows := make([]message.Row, 0, len(stores))
	for _, st := range stores {
		rows = append(rows, message.Row{message.Btn(st.Name, keyWizard, st.ID)})
	}
	t.reply("Which store should the bot serve?", rows...)
	return nil
}

func (e *Engine) handleBotProvisioning(ctx context.Context, t *turn) error {
	sf := t.sess.Subflow.(*session.BotProvisioning)
	text := strings.TrimSpace(t.in.Text)
	switch sf.Step {
	case session.ProvisionStore:
		storeID, ok := choice(t)
		if !ok {
			storeID = text
		}
		if storeID == "" {
			return e.askStore(ctx, t)
		}
		owned, err := e.ownsStore(ctx, t, storeID)
		if err != nil {
			return err
		}
		if !owned {
			t.reply("You do not own that store.")
			return e.askStore(ctx, t)
		}
		sf.StoreID = storeID
		sf.Step = session.ProvisionToken
		t.reply("Send the bot token you got from @BotFather.")
	case session.ProvisionToken:
		if !tenant.ValidToken(text) {
			t.reply("That is not a bot token. It looks like 123456:ABC-DEF...")
			return nil
		}
		sf.Token = text
		sf.Step = session.ProvisionMode
		t.reply("How should the bot receive updates?", message.Row{
			message.Btn("Webhook", keyWizard, string(tenant.ModeWebhook)),
			message.Btn("Polling", keyWizard, string(tenant.ModePolling)),
		})
	case session.ProvisionMode:
		c, _ := choice(t)
		mode, err := tenant.ParseMode(c, "")
		if err != nil || mode == "" {
			t.reply("Pick webhook or polling.", message.Row{
				message.Btn("Webhook", keyWizard, string(tenant.ModeWebhook)),
				message.Btn("Polling", keyWizard, string(tenant.ModePolling)),
			})
			return nil
		}
		sf.Mode = string(mode)
		sf.Step = session.ProvisionConfirm
		t.reply(fmt.Sprintf("Connect the bot to store %s using %s?", sf.StoreID, sf.Mode), confirmRows()...)
	case session.ProvisionConfirm:
		c, ok := choice(t)
		if !ok {
			t.reply(fmt.Sprintf("Connect the bot to store %s using %s?", sf.StoreID, sf.Mode), confirmRows()...)
			return nil
		}
		if c != choiceYes {
			e.finish(t, textCancelled)
			e.resume(t)
			return nil
		}
		return e.provision(ctx, t, sf)
	}
	return nil
}

// provision saves the credential only once its bot is running. A refused
// token leaves the stored credential as it was.
func (e *Engine) provision(ctx context.Context, t *turn, sf *session.BotProvisioning) error {
	cred := catalog.BotCredential{StoreID: sf.StoreID, Token: sf.Token, Mode: sf.Mode, Active: true}
	if e.deps.Provisioner == nil {
		if err := e.deps.Catalog.SaveBotCredential(ctx, cred); err != nil {
			return fmt.Errorf("flow: save bot credential: %w", err)
		}
		e.finish(t, "Bot saved. It starts with the next restart.")
		return nil
	}
	err := e.deps.Provisioner.Start(ctx, tenant.Tenant{StoreID: sf.StoreID, Token: sf.Token, Mode: tenant.Mode(sf.Mode)})
	var credErr *tenant.CredentialError
	switch {
	case errors.As(err, &credErr):
		sf.Token = ""
		sf.Step = session.ProvisionToken
		t.reply("Telegram refused that token. Send a valid bot token or /cancel.")
		return nil
	case err != nil:
		return fmt.Errorf("flow: start bot: %w", err)
	}
	if err := e.deps.Catalog.SaveBotCredential(ctx, cred); err != nil {
		return fmt.Errorf("flow: save bot credential: %w", err)
	}
	e.finish(t, "Your bot is live. Open it in Telegram and send /start.")
	return nil
}

// orderOf loads an order of the current store.
func (e *Engine) orderOf(ctx context.Context, t *turn, orderID string) (*order.Order, bool, error) {
	o, err := e.deps.Orders.Get(ctx, orderID)
	if errors.Is(err, order.ErrNotFound) || (err == nil && o.StoreID != t.in.StoreID) {
		t.reply(textOrderNotFound)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("flow: get order: %w", err)
	}
	return o, true, nil
}

func (e *Engine) handleRejection(ctx context.Context, t *turn) error {
	sf := t.sess.Subflow.(*session.RejectionCapture)
	switch sf.Step {
	case session.RejectionReason:
		reason := strings.TrimSpace(t.in.Text)
		if reason == "" {
			t.reply("Send the reason for rejecting the order, or /cancel.")
			return nil
		}
		sf.Reason = reason
		sf.Step = session.RejectionConfirm
		t.reply(fmt.Sprintf("Reject the order with reason: %s", reason), confirmRows()...)
	case session.RejectionConfirm:
		c, ok := choice(t)
		if !ok {
			t.reply(fmt.Sprintf("Reject the order with reason: %s", sf.Reason), confirmRows()...)
			return nil
		}
		if c != choiceYes {
			e.finish(t, textCancelled)
			return nil
		}
		ok, err := e.canManage(ctx, t)
		if err != nil {
			return err
		}
		if !ok {
			e.finish(t, textNotAdmin)
			return nil
		}
		o, found, err := e.orderOf(ctx, t, sf.OrderID)
		if !found {
			t.sess.ClearSubflow()
			return err
		}
		if _, err := order.Next(o.Status, order.ActionReject); err != nil {
			e.finish(t, fmt.Sprintf("Order #%s is already %s.", o.Number, o.Status))
			return nil
		}
		o, err = e.deps.Orders.Reject(ctx, sf.OrderID, t.userRef(), sf.Reason)
		if err != nil {
			return fmt.Errorf("flow: reject order: %w", err)
		}
		e.finish(t, orderLine(o))
	}
	return nil
}

func (e *Engine) startProof(ctx context.Context, t *turn, orderID string) error {
	o, found, err := e.orderOf(ctx, t, orderID)
	if !found {
		return err
	}
	if o.CustomerRef != t.userRef() {
		t.reply(textOrderNotFound)
		return nil
	}
	if o.Status != order.StatusPendingAdmin {
		t.reply(fmt.Sprintf("Order #%s is already %s.", o.Number, o.Status))
		return nil
	}
	t.sess.Enter(session.NewPaymentProofCapture(o.ID))
	t.reply(fmt.Sprintf("Send a photo or file of the receipt for order #%s, or type the transfer reference.", o.Number))
	return nil
}

// proofRef builds the stored proof reference of an upload or typed reference.
func proofRef(in Input) string {
	if in.FileID != "" {
		return "tg-file:" + in.FileID
	}
	text := strings.TrimSpace(in.Text)
	if text == "" || strings.HasPrefix(text, "/") {
		return ""
	}
	if utf8.RuneCountInString(text) > 200 {
		text = string([]rune(text)[:200])
	}
	return "text:" + text
}

func (e *Engine) handlePaymentProof(ctx context.Context, t *turn) error {
	sf := t.sess.Subflow.(*session.PaymentProofCapture)
	switch sf.Step {
	case session.ProofUpload:
		r := proofRef(t.in)
		if r == "" {
			t.reply("Send a photo or file of the receipt, or type the transfer reference. /cancel to stop.")
			return nil
		}
		sf.ProofRef = r
		sf.Step = session.ProofConfirm
		t.reply("Submit this as your payment proof?", confirmRows()...)
	case session.ProofConfirm:
		c, ok := choice(t)
		if !ok {
			if r := proofRef(t.in); r != "" {
				sf.ProofRef = r
			}
			t.reply("Submit this as your payment proof?", confirmRows()...)
			return nil
		}
		if c != choiceYes {
			e.finish(t, textCancelled)
			e.resume(t)
			return nil
		}
		o, found, err := e.orderOf(ctx, t, sf.OrderID)
		if !found {
			t.sess.ClearSubflow()
			return err
		}
		if o.Status != order.StatusPendingAdmin {
			e.finish(t, fmt.Sprintf("Order #%s is already %s.", o.Number, o.Status))
			return nil
		}
		o, err = e.deps.Orders.SubmitPaymentProof(ctx, sf.OrderID, sf.ProofRef)
		if err != nil {
			return fmt.Errorf("flow: submit payment proof: %w", err)
		}
		e.finish(t, fmt.Sprintf("Thanks! We received your payment proof for order #%s. We will confirm soon.", o.Number), menuRow(t))
	}
	return nil
}

// customerCancel withdraws the customer's own pending order.
func (e *Engine) customerCancel(ctx context.Context, t *turn, orderID string) error {
	o, found, err := e.orderOf(ctx, t, orderID)
	if !found {
		return err
	}
	if o.CustomerRef != t.userRef() {
		t.reply(textOrderNotFound)
		return nil
	}
	if _, err := order.Next(o.Status, order.ActionCancel); err != nil {
		t.reply(fmt.Sprintf("Order #%s is already %s and can no longer be cancelled.", o.Number, o.Status))
		return nil
	}
	o, err = e.deps.Orders.Cancel(ctx, orderID, t.userRef())
	if err != nil {
		return fmt.Errorf("flow: cancel order: %w", err)
	}
	if sf, ok := t.sess.Subflow.(*session.PaymentProofCapture); ok && sf.OrderID == o.ID {
		t.sess.ClearSubflow()
	}
	t.reply(fmt.Sprintf("Order #%s cancelled.", o.Number), menuRow(t))
	return nil
}
