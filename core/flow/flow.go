// Package flow is the per-customer conversation state machine. It turns one
// inbound message or button press into replies and, when the user places an
// order, drives the order engine. It knows nothing about Telegram.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/m3rciful/shopfleet/core/auth"
	"github.com/m3rciful/shopfleet/core/catalog"
	"github.com/m3rciful/shopfleet/core/logger"
	"github.com/m3rciful/shopfleet/core/message"
	"github.com/m3rciful/shopfleet/core/order"
	"github.com/m3rciful/shopfleet/core/revocation"
	"github.com/m3rciful/shopfleet/core/session"
	"github.com/m3rciful/shopfleet/core/tenant"
)

// Callback is a pressed inline button.
type Callback struct {
	Key     string
	Payload string
}

// Input is one inbound update.
type Input struct {
	StoreID  string
	UserID   int64
	ChatID   int64
	Username string
	Text     string
	Callback *Callback
	// FileID is set for photos and documents.
	FileID string
	Lang   string
}

// Command returns the slash command and its argument of a text message.
func (in Input) Command() (string, string) {
	text := strings.TrimSpace(in.Text)
	if !strings.HasPrefix(text, "/") {
		return "", ""
	}
	cmd, arg, _ := strings.Cut(text, " ")
	cmd = strings.ToLower(cmd)
	if i := strings.IndexByte(cmd, '@'); i > 0 {
		cmd = cmd[:i]
	}
	return cmd, strings.TrimSpace(arg)
}

// Output is what the transport sends back.
type Output struct {
	Replies []message.Message
	// Notice is a short acknowledgement for a pressed button.
	Notice string
}

// Sessions is the session store.
type Sessions interface {
	Get(ctx context.Context, key session.Key) *session.Session
	Set(ctx context.Context, sess *session.Session)
	Delete(ctx context.Context, key session.Key)
}

// Catalog is the storage the flow reads and writes outside orders.
type Catalog interface {
	Store(ctx context.Context, id string) (catalog.Store, error)
	Categories(ctx context.Context, storeID string) ([]catalog.Category, error)
	Products(ctx context.Context, storeID, categoryID string) ([]catalog.Product, error)
	Product(ctx context.Context, storeID, productID string) (catalog.Product, error)
	IsStoreAdmin(ctx context.Context, storeID, userRef string) (bool, error)
	StoresByOwner(ctx context.Context, ownerRef string) ([]catalog.Store, error)
	CreateStore(ctx context.Context, st catalog.Store, owner catalog.Admin) (catalog.Store, error)
	SaveBotCredential(ctx context.Context, cred catalog.BotCredential) error
}

// Orders is the order engine.
type Orders interface {
	CreateOrder(ctx context.Context, c order.Checkout) (*order.Order, error)
	SubmitPaymentProof(ctx context.Context, orderID, proofRef string) (*order.Order, error)
	Approve(ctx context.Context, orderID, adminRef string) (*order.Order, error)
	Reject(ctx context.Context, orderID, adminRef, reason string) (*order.Order, error)
	MarkShipped(ctx context.Context, orderID, adminRef string) (*order.Order, error)
	MarkDelivered(ctx context.Context, orderID, adminRef string) (*order.Order, error)
	Cancel(ctx context.Context, orderID, actor string) (*order.Order, error)
	Get(ctx context.Context, orderID string) (*order.Order, error)
}

// Tokens issues and verifies admin tokens.
type Tokens interface {
	Issue(userRef string, role auth.Role, storeID string) (string, error)
	Verify(token string) (*auth.Claims, error)
}

// Revoker revokes tokens on logout.
type Revoker interface {
	Revoke(ctx context.Context, token, userRef, reason string) (revocation.Entry, error)
}

// Provisioner starts the bot of a newly connected store.
type Provisioner interface {
	Start(ctx context.Context, t tenant.Tenant) error
}

// SettingsFunc returns the settings in effect for a store.
type SettingsFunc func(storeID string) *tenant.Settings

// Deps are the collaborators of an Engine. Provisioner and Revoker are optional.
type Deps struct {
	Sessions    Sessions
	Catalog     Catalog
	Orders      Orders
	Tokens      Tokens
	Revoker     Revoker
	Provisioner Provisioner
	Settings    SettingsFunc
	// SuperadminID is the Telegram user allowed to manage every store.
	SuperadminID int64
	// Currency is used for new stores.
	Currency string
}

type handlerFunc func(ctx context.Context, t *turn) error

// Engine handles conversation updates for every tenant.
type Engine struct {
	deps Deps
	now  func() time.Time

	steps    map[session.Step]handlerFunc
	subflows map[session.SubflowKind]handlerFunc
	commands map[string]handlerFunc
	admin    map[string]handlerFunc
}

// NewEngine wires the step, sub-flow and command handlers.
func NewEngine(deps Deps) *Engine {
	if deps.Settings == nil {
		deps.Settings = func(string) *tenant.Settings { return tenant.Default() }
	}
	if deps.Currency == "" {
		deps.Currency = "USD"
	}
	e := &Engine{deps: deps, now: time.Now}
	e.steps = map[session.Step]handlerFunc{
		session.StepSelecting:    e.handleSelecting,
		session.StepContact:      e.handleContact,
		session.StepConfirmation: e.handleConfirmation,
	}
	e.subflows = map[session.SubflowKind]handlerFunc{
		session.SubflowStoreCreation:   e.handleStoreCreation,
		session.SubflowBotProvisioning: e.handleBotProvisioning,
		session.SubflowRejection:       e.handleRejection,
		session.SubflowPaymentProof:    e.handlePaymentProof,
	}
	e.commands = map[string]handlerFunc{
		"/start":      e.cmdStart,
		"/menu":       e.cmdStart,
		"/help":       e.cmdHelp,
		"/cart":       e.cmdCart,
		"/cancel":     e.cmdCancel,
		"/login":      e.cmdLogin,
		"/logout":     e.cmdLogout,
		"/newstore":   e.cmdNewStore,
		"/connectbot": e.cmdConnectBot,
	}
	e.admin = map[string]handlerFunc{
		keyApprove: e.adminApprove,
		keyReject:  e.adminReject,
		keyShip:    e.adminShip,
		keyDeliver: e.adminDeliver,
	}
	return e
}

// Commands lists the built-in commands with their menu descriptions.
func Commands() map[string]string {
	return map[string]string{
		"/start":      "Open the store",
		"/cart":       "Show your cart",
		"/cancel":     "Cancel the current action",
		"/help":       "How to order",
		"/login":      "Sign in as store admin",
		"/logout":     "Sign out",
		"/newstore":   "Create a store",
		"/connectbot": "Connect a bot to your store",
	}
}

// turn is the state of one Handle call.
type turn struct {
	in       Input
	sess     *session.Session
	settings *tenant.Settings
	claims   *auth.Claims
	out      Output
	deleted  bool
}

func (t *turn) reply(text string, rows ...message.Row) {
	t.out.Replies = append(t.out.Replies, message.Message{
		ChatID:  t.in.ChatID,
		Text:    text,
		Buttons: rows,
	})
}

// userRef is the stable reference of the Telegram user.
func (t *turn) userRef() string { return UserRef(t.in.UserID) }

// UserRef is the user reference stored on orders and admin records.
func UserRef(userID int64) string { return "tg:" + strconv.FormatInt(userID, 10) }

// Handle processes one update. The session is read once and written once,
// only when handling succeeds; on error or panic the stored session is left
// as it was and the user gets a retry prompt.
func (e *Engine) Handle(ctx context.Context, in Input) (out Output) {
	start := time.Now()
	ctx = logger.WithStore(ctx, in.StoreID)
	key := session.Key{StoreID: in.StoreID, UserID: in.UserID}
	t := &turn{
		in:       in,
		sess:     e.deps.Sessions.Get(ctx, key),
		settings: e.deps.Settings(in.StoreID),
	}
	if in.Lang != "" {
		t.sess.Lang = in.Lang
	}
	fromStep, fromSub := t.sess.Step, t.sess.SubflowKind()

	err := e.run(ctx, t)
	attrs := []slog.Attr{
		slog.String("from", string(fromStep)),
		slog.String("to", string(t.sess.Step)),
		slog.String("subflow", string(t.sess.SubflowKind())),
		slog.Duration("duration_ms", logger.RoundMS(time.Since(start))),
	}
	if err != nil {
		if fromSub != session.SubflowNone {
			attrs = append(attrs, slog.String("cause", string(fromSub)))
		}
		logger.Error(ctx, logger.CompFlow, "flow_handle", append(attrs,
			slog.String("status", "fail"),
			slog.String("err_code", logger.ErrCode(err)),
			slog.Any("err", err),
		)...)
		return Output{Replies: []message.Message{{ChatID: in.ChatID, Text: textRetry}}}
	}
	if !t.deleted {
		t.sess.LastActivity = e.now().UTC()
		e.deps.Sessions.Set(ctx, t.sess)
	}
	if logger.ShouldSampleDebug() {
		logger.Debug(ctx, logger.CompFlow, "flow_handle", append(attrs, slog.String("status", "ok"))...)
	}
	return t.out
}

func (e *Engine) run(ctx context.Context, t *turn) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, logger.CompFlow, "flow_panic",
				slog.Any("cause", r),
				slog.String("payload", logger.SanitizeLimit(string(debug.Stack()), 2048)),
			)
			err = fmt.Errorf("flow: panic: %v", r)
		}
	}()

	e.verifyAuthority(ctx, t)

	if cmd, _ := t.in.Command(); cmd != "" {
		if h, ok := e.commands[cmd]; ok {
			return h(ctx, t)
		}
		if c, ok := t.settings.Command(cmd); ok {
			t.reply(c.Reply)
			return nil
		}
	}
	if cb := t.in.Callback; cb != nil {
		if h, ok := e.admin[cb.Key]; ok {
			return h(ctx, t)
		}
		switch cb.Key {
		case keyProof:
			return e.startProof(ctx, t, cb.Payload)
		case keyCancelOrder:
			return e.customerCancel(ctx, t, cb.Payload)
		}
	}
	if kind := t.sess.SubflowKind(); kind != session.SubflowNone {
		h, ok := e.subflows[kind]
		if !ok {
			return fmt.Errorf("flow: no handler for subflow %s", kind)
		}
		return h(ctx, t)
	}
	h, ok := e.steps[t.sess.Step]
	if !ok {
		// Unknown step from an older version: start over.
		t.sess.ResetOrdering()
		h = e.handleSelecting
	}
	return h(ctx, t)
}

// verifyAuthority re-checks the session token and strips authority once it
// is revoked, expired or invalid.
func (e *Engine) verifyAuthority(ctx context.Context, t *turn) {
	if t.sess.Token == "" || e.deps.Tokens == nil {
		return
	}
	claims, err := e.deps.Tokens.Verify(t.sess.Token)
	if err == nil {
		t.claims = claims
		return
	}
	logger.Info(ctx, logger.CompFlow, "authority_stripped",
		slog.String("cause", authCause(err)),
		slog.Int64("user_id", t.in.UserID),
	)
	t.sess.Deauthorize()
	t.reply(textSignedOut)
}

func authCause(err error) string {
	switch {
	case errors.Is(err, auth.ErrRevoked):
		return "revoked"
	case errors.Is(err, auth.ErrExpired):
		return "expired"
	}
	return "invalid"
}

// canManage reports whether the user may act on orders of the current store.
func (e *Engine) canManage(ctx context.Context, t *turn) (bool, error) {
	if t.claims.Allows(t.in.StoreID) {
		return true, nil
	}
	if e.deps.SuperadminID != 0 && t.in.UserID == e.deps.SuperadminID {
		return true, nil
	}
	ok, err := e.deps.Catalog.IsStoreAdmin(ctx, t.in.StoreID, t.userRef())
	if err != nil {
		return false, fmt.Errorf("flow: check store admin: %w", err)
	}
	return ok, nil
}
