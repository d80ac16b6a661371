package flow_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m3rciful/shopfleet/core/auth"
	"github.com/m3rciful/shopfleet/core/catalog"
	"github.com/m3rciful/shopfleet/core/config"
	"github.com/m3rciful/shopfleet/core/flow"
	"github.com/m3rciful/shopfleet/core/message"
	"github.com/m3rciful/shopfleet/core/order"
	"github.com/m3rciful/shopfleet/core/revocation"
	"github.com/m3rciful/shopfleet/core/session"
	"github.com/m3rciful/shopfleet/core/storage/memory"
	"github.com/m3rciful/shopfleet/core/tenant"
)

const (
	customer = int64(7)
	admin    = int64(50)
	botToken = "123456:ABCDEFGHIJKLMNOPQRSTUVWXYZabcdef1234"
)

type harness struct {
	t        *testing.T
	store    *memory.Store
	sessions *session.Store
	orders   *order.Engine
	tokens   *auth.Service
	revoked  *revocation.Registry
	prov     *fakeProvisioner
	settings *tenant.Settings
	deps     flow.Deps
	eng      *flow.Engine
}

type fakeProvisioner struct {
	mu      sync.Mutex
	started []tenant.Tenant
	err     error
}

func (p *fakeProvisioner) Start(_ context.Context, t tenant.Tenant) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.started = append(p.started, t)
	return nil
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := memory.New()
	st.PutStore(catalog.Store{ID: "s1", Name: "Tea House", Currency: "EUR"})
	st.PutCategory(catalog.Category{ID: "c1", StoreID: "s1", Name: "Tea", Position: 1})
	st.PutProduct(catalog.Product{ID: "p1", StoreID: "s1", CategoryID: "c1", Name: "Green tea", Price: 450, Currency: "EUR", Stock: 2, Active: true})
	st.PutProduct(catalog.Product{ID: "p2", StoreID: "s1", CategoryID: "c1", Name: "Mug", Price: 1200, Currency: "EUR", Stock: 5, Active: true,
		Variants: []catalog.Variant{{ID: "red", ProductID: "p2", Name: "red", Price: 1300, Stock: 1}}})
	st.PutAdmin(catalog.Admin{StoreID: "s1", UserRef: flow.UserRef(admin), ChatID: admin, Role: "admin"})

	sessions := session.NewStore(nil, session.Options{})
	t.Cleanup(func() { _ = sessions.Close(context.Background()) })

	tokens := auth.NewService(config.AuthConfig{Secret: "0123456789abcdef0123", Issuer: "shopfleet", TokenTTL: time.Hour}, nil)
	reg := revocation.NewRegistry(tokens.ExpiryOf, nil)
	tokens.SetRevocations(reg)

	h := &harness{
		t:        t,
		store:    st,
		sessions: sessions,
		orders:   order.NewEngine(st, nil, order.WithCurrency("EUR")),
		tokens:   tokens,
		revoked:  reg,
		prov:     &fakeProvisioner{},
		settings: tenant.Default(),
	}
	h.deps = flow.Deps{
		Sessions:    sessions,
		Catalog:     st,
		Orders:      h.orders,
		Tokens:      tokens,
		Revoker:     reg,
		Provisioner: h.prov,
		Settings:    func(string) *tenant.Settings { return h.settings },
		Currency:    "EUR",
	}
	h.eng = flow.NewEngine(h.deps)
	return h
}

func (h *harness) send(user int64, in flow.Input) flow.Output {
	in.StoreID, in.UserID, in.ChatID = "s1", user, user
	return h.eng.Handle(context.Background(), in)
}

func (h *harness) text(user int64, text string) flow.Output {
	return h.send(user, flow.Input{Text: text})
}

func (h *harness) press(user int64, key, payload string) flow.Output {
	return h.send(user, flow.Input{Callback: &flow.Callback{Key: key, Payload: payload}})
}

func (h *harness) session(user int64) *session.Session {
	return h.sessions.Get(context.Background(), session.Key{StoreID: "s1", UserID: user})
}

func (h *harness) orderList() []*order.Order {
	out, err := h.store.ListOrders(context.Background(), "s1", "")
	require.NoError(h.t, err)
	return out
}

// toConfirmation fills contact details from the contact step.
func (h *harness) toConfirmation(user int64) {
	h.text(user, "Ann Lee")
	h.text(user, "+1 555 123 4567")
	h.text(user, "1 Main Street, Springfield")
	require.Equal(h.t, session.StepConfirmation, h.session(user).Step)
}

func (h *harness) placeOrder(user int64) *order.Order {
	h.press(user, "add", "p1")
	h.press(user, "checkout", "")
	if h.session(user).Step == session.StepContact {
		h.toConfirmation(user)
	}
	out := h.press(user, "confirm", "")
	require.Contains(h.t, joined(out), "Order #")
	o, err := h.orders.Get(context.Background(), h.session(user).LastOrderID)
	require.NoError(h.t, err)
	return o
}

func joined(out flow.Output) string {
	texts := make([]string, 0, len(out.Replies))
	for _, r := range out.Replies {
		texts = append(texts, r.Text)
	}
	return strings.Join(texts, "\n")
}

func button(out flow.Output, unique string) (message.Button, bool) {
	for _, r := range out.Replies {
		for _, row := range r.Buttons {
			for _, b := range row {
				if b.Unique == unique {
					return b, true
				}
			}
		}
	}
	return message.Button{}, false
}

func TestCartCheckoutCreatesPendingOrder(t *testing.T) {
	h := newHarness(t)

	out := h.text(customer, "/start")
	assert.Contains(t, joined(out), "Choose a category")
	_, ok := button(out, "cat")
	require.True(t, ok)

	out = h.press(customer, "cat", "c1")
	assert.Equal(t, "c1", h.session(customer).CategoryID)
	_, ok = button(out, "prod")
	require.True(t, ok)

	h.press(customer, "add", "p1")
	h.press(customer, "add", "p2:red")
	sess := h.session(customer)
	require.Len(t, sess.Cart, 2)
	assert.Equal(t, session.ModeCart, sess.Mode)
	assert.Equal(t, int64(1750), sess.CartTotal())

	h.press(customer, "checkout", "")
	sess = h.session(customer)
	assert.Equal(t, session.StepContact, sess.Step)
	assert.Equal(t, session.ContactName, sess.ContactStage)

	h.text(customer, "Ann Lee")
	out = h.text(customer, "call me")
	assert.Contains(t, joined(out), "phone number")
	assert.Equal(t, session.ContactPhone, h.session(customer).ContactStage)
	h.text(customer, "+1 555 123 4567")
	out = h.text(customer, "1 Main Street, Springfield")
	assert.Contains(t, joined(out), "Please confirm")
	assert.Equal(t, session.StepConfirmation, h.session(customer).Step)

	out = h.press(customer, "confirm", "")
	assert.Contains(t, joined(out), "Order #")
	proof, ok := button(out, "proof")
	require.True(t, ok)

	sess = h.session(customer)
	assert.Equal(t, session.StepSelecting, sess.Step)
	assert.Empty(t, sess.Cart)
	assert.Equal(t, proof.Payload, sess.LastOrderID)

	orders := h.orderList()
	require.Len(t, orders, 1)
	assert.Equal(t, order.StatusPendingAdmin, orders[0].Status)
	assert.Equal(t, flow.UserRef(customer), orders[0].CustomerRef)
	assert.Equal(t, "Ann Lee", orders[0].Contact.Name)
	assert.Equal(t, int64(1750), orders[0].Total)

	p, err := h.store.Product(context.Background(), "s1", "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, p.Stock)
	assert.Equal(t, 1, p.Reserved)
}

func TestSecondOrderReusesContactAndIsNotDeduplicated(t *testing.T) {
	h := newHarness(t)
	first := h.placeOrder(customer)

	h.press(customer, "add", "p1")
	out := h.press(customer, "checkout", "")
	assert.Contains(t, joined(out), "Please confirm", "a known contact skips straight to confirmation")
	h.press(customer, "confirm", "")

	orders := h.orderList()
	require.Len(t, orders, 2)
	assert.NotEqual(t, first.ID, h.session(customer).LastOrderID)
}

func TestDirectPurchaseSkipsCart(t *testing.T) {
	h := newHarness(t)
	h.press(customer, "add", "p2:red")

	h.press(customer, "buy", "p1")
	sess := h.session(customer)
	assert.Equal(t, session.ModeDirect, sess.Mode)
	require.Len(t, sess.Cart, 1)
	assert.Equal(t, "p1", sess.Cart[0].ProductID)
	assert.Equal(t, session.StepContact, sess.Step)

	// browsing away abandons the direct purchase and brings the cart back
	h.press(customer, "menu", "")
	sess = h.session(customer)
	assert.Equal(t, session.StepSelecting, sess.Step)
	assert.Equal(t, session.ModeCart, sess.Mode)
	require.Len(t, sess.Cart, 1)
	assert.Equal(t, "p2", sess.Cart[0].ProductID)
	assert.Empty(t, sess.SavedCart)
}

func TestDirectPurchaseKeepsCartAfterOrder(t *testing.T) {
	h := newHarness(t)
	h.press(customer, "add", "p2:red")

	h.press(customer, "buy", "p1")
	h.toConfirmation(customer)
	out := h.press(customer, "confirm", "")
	assert.Contains(t, joined(out), "Order #")

	orders := h.orderList()
	require.Len(t, orders, 1)
	require.Len(t, orders[0].Items, 1)
	assert.Equal(t, "p1", orders[0].Items[0].ProductID)

	sess := h.session(customer)
	assert.Equal(t, session.ModeCart, sess.Mode)
	require.Len(t, sess.Cart, 1)
	assert.Equal(t, "red", sess.Cart[0].VariantID)
}

func TestProductWithVariantsAsksForVariant(t *testing.T) {
	h := newHarness(t)
	out := h.press(customer, "add", "p2")
	b, ok := button(out, "add")
	require.True(t, ok)
	assert.Equal(t, "p2:red", b.Payload)
	assert.Empty(t, h.session(customer).Cart)
}

func TestInsufficientStockStaysInConfirmation(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 3; i++ {
		h.press(customer, "add", "p1")
	}
	h.press(customer, "checkout", "")
	h.toConfirmation(customer)

	out := h.press(customer, "confirm", "")
	assert.Contains(t, joined(out), "Only 2 of Green tea left, you asked for 3.")
	assert.Equal(t, session.StepConfirmation, h.session(customer).Step)
	assert.Empty(t, h.orderList())

	take, ok := button(out, "qty")
	require.True(t, ok)
	assert.Equal(t, "0|2", take.Payload)
	h.press(customer, take.Unique, take.Payload)
	assert.Equal(t, 2, h.session(customer).Cart[0].Quantity)

	out = h.press(customer, "confirm", "")
	assert.Contains(t, joined(out), "Order #")
	require.Len(t, h.orderList(), 1)
}

func TestDeactivatedProductIsRefusedAtConfirm(t *testing.T) {
	h := newHarness(t)
	h.press(customer, "add", "p2:red")
	h.press(customer, "add", "p1")
	h.press(customer, "checkout", "")
	h.toConfirmation(customer)

	p1, err := h.store.Product(context.Background(), "s1", "p1")
	require.NoError(t, err)
	p1.Active = false
	h.store.PutProduct(p1)

	out := h.press(customer, "confirm", "")
	assert.Contains(t, joined(out), "Green tea is no longer available")
	assert.Empty(t, h.orderList())
	assert.Equal(t, session.StepConfirmation, h.session(customer).Step)

	remove, ok := button(out, "remove")
	require.True(t, ok)
	assert.Equal(t, "1", remove.Payload)
	h.press(customer, remove.Unique, remove.Payload)
	require.Len(t, h.session(customer).Cart, 1)

	out = h.press(customer, "confirm", "")
	assert.Contains(t, joined(out), "Order #")
	require.Len(t, h.orderList(), 1)
}

func TestRemovingLastLineReturnsToSelecting(t *testing.T) {
	h := newHarness(t)
	h.press(customer, "add", "p1")
	h.press(customer, "checkout", "")
	h.toConfirmation(customer)

	h.press(customer, "remove", "0")
	sess := h.session(customer)
	assert.Equal(t, session.StepSelecting, sess.Step)
	assert.Empty(t, sess.Cart)
}

type failingOrders struct{ flow.Orders }

func (failingOrders) CreateOrder(context.Context, order.Checkout) (*order.Order, error) {
	return nil, errors.New("db down")
}

func TestHandlerErrorLeavesSessionUntouched(t *testing.T) {
	h := newHarness(t)
	h.press(customer, "add", "p1")
	h.press(customer, "checkout", "")
	h.toConfirmation(customer)
	before := h.session(customer)

	deps := h.deps
	deps.Orders = failingOrders{h.orders}
	broken := flow.NewEngine(deps)
	out := broken.Handle(context.Background(), flow.Input{
		StoreID: "s1", UserID: customer, ChatID: customer,
		Callback: &flow.Callback{Key: "confirm"},
	})
	require.Len(t, out.Replies, 1)
	assert.Equal(t, "Something went wrong. Please try again.", out.Replies[0].Text)

	after := h.session(customer)
	assert.Equal(t, before.Step, after.Step)
	assert.Equal(t, before.Cart, after.Cart)
	assert.Equal(t, before.LastActivity, after.LastActivity)
}

type panickingCatalog struct{ flow.Catalog }

func (panickingCatalog) Categories(context.Context, string) ([]catalog.Category, error) {
	panic("boom")
}

func TestPanicLeavesSessionUntouched(t *testing.T) {
	h := newHarness(t)
	h.text(customer, "/newstore")
	require.Equal(t, session.SubflowStoreCreation, h.session(customer).SubflowKind())

	deps := h.deps
	deps.Catalog = panickingCatalog{h.store}
	broken := flow.NewEngine(deps)
	out := broken.Handle(context.Background(), flow.Input{StoreID: "s1", UserID: customer, ChatID: customer, Text: "/start"})
	assert.Equal(t, "Something went wrong. Please try again.", joined(out))
	assert.Equal(t, session.SubflowStoreCreation, h.session(customer).SubflowKind())
}

func TestCancelSubflowResumesOrderingStep(t *testing.T) {
	h := newHarness(t)
	h.press(customer, "add", "p1")
	h.press(customer, "checkout", "")
	h.text(customer, "Ann Lee")
	require.Equal(t, session.ContactPhone, h.session(customer).ContactStage)

	h.text(customer, "/newstore")
	out := h.text(customer, "Second Shop")
	assert.Contains(t, joined(out), "Describe the store")
	sess := h.session(customer)
	assert.Equal(t, session.SubflowStoreCreation, sess.SubflowKind())
	assert.Equal(t, session.StepContact, sess.Step, "a sub-flow overlays the ordering step")

	out = h.text(customer, "/cancel")
	assert.Contains(t, joined(out), "phone number")
	sess = h.session(customer)
	assert.Equal(t, session.SubflowNone, sess.SubflowKind())
	assert.Equal(t, session.StepContact, sess.Step)
	assert.Equal(t, session.ContactPhone, sess.ContactStage)
	assert.Equal(t, "Ann Lee", sess.Contact.Name)
}

func TestStoreCreationWizard(t *testing.T) {
	h := newHarness(t)
	h.text(customer, "/newstore")
	h.text(customer, "Bean Bar")
	out := h.text(customer, "-")
	_, ok := button(out, "sf")
	require.True(t, ok)
	out = h.press(customer, "sf", "yes")
	assert.Contains(t, joined(out), "/connectbot")

	stores, err := h.store.StoresByOwner(context.Background(), flow.UserRef(customer))
	require.NoError(t, err)
	require.Len(t, stores, 1)
	assert.Equal(t, "Bean Bar", stores[0].Name)
	assert.Equal(t, "EUR", stores[0].Currency)
	isAdmin, err := h.store.IsStoreAdmin(context.Background(), stores[0].ID, flow.UserRef(customer))
	require.NoError(t, err)
	assert.True(t, isAdmin)
	assert.Equal(t, session.SubflowNone, h.session(customer).SubflowKind())
}

func (h *harness) ownStore(user int64) string {
	st, err := h.store.CreateStore(context.Background(),
		catalog.Store{OwnerRef: flow.UserRef(user), Name: "Own"},
		catalog.Admin{UserRef: flow.UserRef(user), ChatID: user})
	require.NoError(h.t, err)
	return st.ID
}

func TestBotProvisioningStartsTenant(t *testing.T) {
	h := newHarness(t)
	storeID := h.ownStore(customer)

	out := h.text(customer, "/connectbot")
	b, ok := button(out, "sf")
	require.True(t, ok)
	assert.Equal(t, storeID, b.Payload)
	h.press(customer, "sf", storeID)

	out = h.text(customer, "not a token")
	assert.Contains(t, joined(out), "not a bot token")
	h.text(customer, botToken)
	h.press(customer, "sf", "webhook")
	h.press(customer, "sf", "yes")

	require.Len(t, h.prov.started, 1)
	assert.Equal(t, tenant.Tenant{StoreID: storeID, Token: botToken, Mode: tenant.ModeWebhook}, h.prov.started[0])
	cred, err := h.store.BotCredential(context.Background(), storeID)
	require.NoError(t, err)
	assert.True(t, cred.Active)
	assert.Equal(t, session.SubflowNone, h.session(customer).SubflowKind())
}

func TestBotProvisioningRefusedCredential(t *testing.T) {
	h := newHarness(t)
	storeID := h.ownStore(customer)
	live := catalog.BotCredential{StoreID: storeID, Token: "999999:LIVELIVELIVELIVELIVELIVELIVELIVE", Mode: "polling", Active: true}
	require.NoError(t, h.store.SaveBotCredential(context.Background(), live))
	h.prov.err = &tenant.CredentialError{StoreID: storeID, Err: errors.New("unauthorized")}

	h.text(customer, "/connectbot "+storeID)
	h.text(customer, botToken)
	h.press(customer, "sf", "polling")
	out := h.press(customer, "sf", "yes")
	assert.Contains(t, joined(out), "refused")

	cred, err := h.store.BotCredential(context.Background(), storeID)
	require.NoError(t, err)
	assert.Equal(t, live, cred, "the live credential is kept")
	sf, ok := h.session(customer).Subflow.(*session.BotProvisioning)
	require.True(t, ok)
	assert.Equal(t, session.ProvisionToken, sf.Step)
}

func TestConnectBotRequiresOwnership(t *testing.T) {
	h := newHarness(t)
	out := h.text(customer, "/connectbot s1")
	assert.Contains(t, joined(out), "do not own")
	assert.Equal(t, session.SubflowNone, h.session(customer).SubflowKind())
}

func TestAdminApproveShipDeliver(t *testing.T) {
	h := newHarness(t)
	o := h.placeOrder(customer)

	out := h.press(customer, "approve", o.ID)
	assert.Contains(t, joined(out), "Only store admins")

	out = h.press(admin, "approve", o.ID)
	assert.Equal(t, "Approved", out.Notice)
	next, ok := button(out, "ship")
	require.True(t, ok)

	got, err := h.orders.Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPaid, got.Status)
	assert.Equal(t, flow.UserRef(admin), got.ApprovedBy)

	out = h.press(admin, "approve", o.ID)
	assert.Contains(t, joined(out), "already PAID")

	h.press(admin, next.Unique, next.Payload)
	h.press(admin, "deliver", o.ID)
	got, err = h.orders.Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusDelivered, got.Status)
}

func TestAdminRejectCapturesReason(t *testing.T) {
	h := newHarness(t)
	o := h.placeOrder(customer)

	h.press(admin, "reject", o.ID)
	require.Equal(t, session.SubflowRejection, h.session(admin).SubflowKind())
	h.text(admin, "Payment not received")
	h.press(admin, "sf", "yes")

	got, err := h.orders.Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusRejected, got.Status)
	assert.Equal(t, "Payment not received", got.RejectionReason)
	assert.Equal(t, session.SubflowNone, h.session(admin).SubflowKind())

	p, err := h.store.Product(context.Background(), "s1", "p1")
	require.NoError(t, err)
	assert.Equal(t, 2, p.Stock)
	assert.Equal(t, 0, p.Reserved)
}

func TestOrdersOfOtherStoresAreHidden(t *testing.T) {
	h := newHarness(t)
	o := h.placeOrder(customer)

	out := h.eng.Handle(context.Background(), flow.Input{
		StoreID: "other", UserID: admin, ChatID: admin,
		Callback: &flow.Callback{Key: "approve", Payload: o.ID},
	})
	assert.Contains(t, joined(out), "Only store admins")
}

func TestPaymentProofSubflow(t *testing.T) {
	h := newHarness(t)
	o := h.placeOrder(customer)

	h.press(customer, "proof", o.ID)
	require.Equal(t, session.SubflowPaymentProof, h.session(customer).SubflowKind())
	h.send(customer, flow.Input{FileID: "AgADBAAD"})
	out := h.press(customer, "sf", "yes")
	assert.Contains(t, joined(out), "received your payment proof")

	got, err := h.orders.Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, "tg-file:AgADBAAD", got.PaymentProofRef)
	assert.Equal(t, order.StatusPendingAdmin, got.Status)
}

func TestCustomerCancelsOwnPendingOrder(t *testing.T) {
	h := newHarness(t)
	o := h.placeOrder(customer)

	out := h.press(admin+1, "cancelorder", o.ID)
	assert.Contains(t, joined(out), "not found")

	h.press(customer, "cancelorder", o.ID)
	got, err := h.orders.Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelled, got.Status)

	out = h.press(customer, "cancelorder", o.ID)
	assert.Contains(t, joined(out), "can no longer be cancelled")
}

func TestRevokedTokenStripsAuthority(t *testing.T) {
	h := newHarness(t)
	out := h.text(admin, "/login")
	assert.Contains(t, joined(out), "Signed in")
	sess := h.session(admin)
	require.NotEmpty(t, sess.Token)
	assert.Equal(t, string(auth.RoleStoreAdmin), sess.Role)

	_, err := h.revoked.Revoke(context.Background(), sess.Token, flow.UserRef(admin), "compromised")
	require.NoError(t, err)

	out = h.text(admin, "hello")
	assert.Contains(t, joined(out), "admin session has ended")
	sess = h.session(admin)
	assert.Empty(t, sess.Token)
	assert.Empty(t, sess.Role)
	assert.Empty(t, sess.UserRef)
}

func TestLogoutRevokesAndDeletesSession(t *testing.T) {
	h := newHarness(t)
	h.text(admin, "/login")
	h.press(admin, "add", "p1")
	token := h.session(admin).Token

	h.text(admin, "/logout")
	assert.True(t, h.revoked.IsRevoked(token))
	sess := h.session(admin)
	assert.Empty(t, sess.Token)
	assert.Empty(t, sess.Cart)
}

func TestLoginRefusedForCustomers(t *testing.T) {
	h := newHarness(t)
	out := h.text(customer, "/login")
	assert.Contains(t, joined(out), "Only store admins")
	assert.Empty(t, h.session(customer).Token)
}

func TestSettingsDriveRepliesWithoutTouchingSession(t *testing.T) {
	h := newHarness(t)
	h.press(customer, "add", "p1")
	h.press(customer, "checkout", "")
	h.text(customer, "Ann Lee")

	s, err := tenant.ParseSettings([]byte(`
welcome: Hello from the new settings
custom_commands:
  - command: /hours
    reply: Open 9-5
auto_responses:
  - match: shipping
    reply: We ship in 2 days
`))
	require.NoError(t, err)
	h.settings = s

	sess := h.session(customer)
	assert.Equal(t, session.StepContact, sess.Step)
	assert.Equal(t, session.ContactPhone, sess.ContactStage)

	out := h.text(customer, "/hours")
	assert.Equal(t, "Open 9-5", joined(out))
	assert.Equal(t, session.ContactPhone, h.session(customer).ContactStage)

	out = h.text(customer+1, "Do you do shipping?")
	assert.Equal(t, "We ship in 2 days", joined(out))
	out = h.text(customer+1, "/start")
	assert.Contains(t, joined(out), "Hello from the new settings")
}

func TestValidPhone(t *testing.T) {
	for _, p := range []string{"+1 555 123 4567", "+44 (20) 7946-0958", "5551234567"} {
		assert.True(t, flow.ValidPhone(p), p)
	}
	for _, p := range []string{"", "call me", "12345", "+1 555 123 4567 8901 23", "++15551234567"} {
		assert.False(t, flow.ValidPhone(p), p)
	}
}
