package flow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/m3rciful/shopfleet/core/auth"
	"github.com/m3rciful/shopfleet/core/logger"
	"github.com/m3rciful/shopfleet/core/session"
)

func (e *Engine) cmdStart(ctx context.Context, t *turn) error {
	t.sess.ClearSubflow()
	leaveCheckout(t)
	return e.showMenu(ctx, t, t.settings.Welcome)
}

func (e *Engine) cmdHelp(_ context.Context, t *turn) error {
	t.reply(textHelp, menuRow(t))
	return nil
}

func (e *Engine) cmdCart(_ context.Context, t *turn) error {
	if t.sess.SubflowKind() == session.SubflowNone {
		leaveCheckout(t)
	}
	e.showCart(t)
	return nil
}

// cmdCancel aborts the active sub-flow and resumes the ordering step below
// it. Without a sub-flow it abandons checkout.
func (e *Engine) cmdCancel(_ context.Context, t *turn) error {
	if t.sess.SubflowKind() != session.SubflowNone {
		t.sess.ClearSubflow()
		t.reply(textCancelled)
		e.resume(t)
		return nil
	}
	if t.sess.Step != session.StepSelecting {
		leaveCheckout(t)
	}
	t.reply(textCancelled, menuRow(t))
	return nil
}

// resume prompts for the ordering step the user is in.
func (e *Engine) resume(t *turn) {
	switch t.sess.Step {
	case session.StepContact:
		switch t.sess.ContactStage {
		case session.ContactPhone:
			t.reply("Send a phone number we can reach you at.", backRow())
		case session.ContactAddress:
			t.reply("Where should we deliver? Send the full address.", backRow())
		default:
			t.reply("Who is the order for? Send the recipient's name.", backRow())
		}
	case session.StepConfirmation:
		e.showSummary(t)
	default:
		t.reply("Back to the store.", menuRow(t))
	}
}

// cmdLogin grants a store admin an admin token for this store.
func (e *Engine) cmdLogin(ctx context.Context, t *turn) error {
	role := auth.RoleStoreAdmin
	if e.deps.SuperadminID != 0 && t.in.UserID == e.deps.SuperadminID {
		role = auth.RoleSuperadmin
	} else {
		ok, err := e.deps.Catalog.IsStoreAdmin(ctx, t.in.StoreID, t.userRef())
		if err != nil {
			return fmt.Errorf("flow: check store admin: %w", err)
		}
		if !ok {
			t.reply(textNotAdmin)
			return nil
		}
	}
	token, err := e.deps.Tokens.Issue(t.userRef(), role, t.in.StoreID)
	if err != nil {
		return err
	}
	t.sess.UserRef = t.userRef()
	t.sess.Token = token
	t.sess.Role = string(role)
	logger.Info(ctx, logger.CompFlow, "admin_login", slog.String("status", "ok"), slog.String("role", string(role)))
	t.reply("Signed in as store admin. Order alerts now come with action buttons.")
	return nil
}

// cmdLogout revokes the session token and forgets the session.
func (e *Engine) cmdLogout(ctx context.Context, t *turn) error {
	if t.sess.Token != "" && e.deps.Revoker != nil {
		if _, err := e.deps.Revoker.Revoke(ctx, t.sess.Token, t.userRef(), "logout"); err != nil {
			return fmt.Errorf("flow: revoke on logout: %w", err)
		}
	}
	e.deps.Sessions.Delete(ctx, t.sess.Key)
	t.deleted = true
	t.reply("Signed out. Send /start to shop again.")
	return nil
}

func (e *Engine) cmdNewStore(_ context.Context, t *turn) error {
	t.sess.Enter(session.NewStoreCreation())
	t.reply("Let's create your store. What is it called? (/cancel to stop)")
	return nil
}

func (e *Engine) cmdConnectBot(ctx context.Context, t *turn) error {
	_, storeID := t.in.Command()
	if storeID != "" {
		owned, err := e.ownsStore(ctx, t, storeID)
		if err != nil {
			return err
		}
		if !owned {
			t.reply("You do not own that store.")
			return nil
		}
	}
	t.sess.Enter(session.NewBotProvisioning(storeID))
	if storeID != "" {
		t.reply("Send the bot token you got from @BotFather. (/cancel to stop)")
		return nil
	}
	return e.askStore(ctx, t)
}
