package telegram

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/shopfleet/core/message"
	"github.com/m3rciful/shopfleet/core/tenant"
)

const testToken = "123456789:AAEhBOweik9ai3Fj-kE1uo4ydd2X_5EjjJk"

func startWebhook(t *testing.T, p *webhookPoller) (chan tele.Update, chan struct{}) {
	t.Helper()
	dest := make(chan tele.Update, 1)
	stop := make(chan struct{})
	go p.Poll(nil, dest, stop)
	require.Eventually(t, p.active, time.Second, 5*time.Millisecond)
	return dest, stop
}

func postUpdate(p http.Handler, secret, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/tg/s1", strings.NewReader(body))
	if secret != "" {
		req.Header.Set(secretHeader, secret)
	}
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)
	return rec
}

func TestWebhookPollerDeliversUpdates(t *testing.T) {
	var registered atomic.Bool
	p := newWebhookPoller("s3cret", func() error {
		registered.Store(true)
		return nil
	}, nil)
	dest, stop := startWebhook(t, p)
	defer close(stop)
	assert.True(t, registered.Load())

	rec := postUpdate(p, "s3cret", `{"update_id":7,"message":{"message_id":1,"text":"hi","chat":{"id":42,"type":"private"}}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	upd := <-dest
	assert.Equal(t, 7, upd.ID)
	require.NotNil(t, upd.Message)
	assert.Equal(t, "hi", upd.Message.Text)
}

func TestWebhookPollerRejectsBadRequests(t *testing.T) {
	p := newWebhookPoller("s3cret", nil, nil)

	rec := postUpdate(p, "s3cret", `{"update_id":1}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "not polling yet")

	_, stop := startWebhook(t, p)
	defer close(stop)

	assert.Equal(t, http.StatusUnauthorized, postUpdate(p, "wrong", `{"update_id":1}`).Code)
	assert.Equal(t, http.StatusUnauthorized, postUpdate(p, "", `{"update_id":1}`).Code)
	assert.Equal(t, http.StatusBadRequest, postUpdate(p, "s3cret", `{`).Code)

	req := httptest.NewRequest(http.MethodGet, "/tg/s1", nil)
	rec = httptest.NewRecorder()
	p.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestWebhookPollerStops(t *testing.T) {
	p := newWebhookPoller("s3cret", nil, nil)
	_, stop := startWebhook(t, p)
	close(stop)
	require.Eventually(t, func() bool { return !p.active() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, http.StatusServiceUnavailable, postUpdate(p, "s3cret", `{"update_id":1}`).Code)
}

func TestWebhookPollerReportsRegistrationFailure(t *testing.T) {
	var got atomic.Value
	p := newWebhookPoller("s3cret", func() error { return tele.ErrUnauthorized }, func(err error) { got.Store(err) })
	_, stop := startWebhook(t, p)
	defer close(stop)
	assert.ErrorIs(t, got.Load().(error), tele.ErrUnauthorized)
}

func TestWebhookSecret(t *testing.T) {
	a := WebhookSecret(testToken)
	assert.Len(t, a, 32)
	assert.Equal(t, a, WebhookSecret(testToken))
	assert.NotEqual(t, a, WebhookSecret(testToken+"x"))
	assert.NotContains(t, a, "AAEh")
	assert.Equal(t, "https://shop.example/tg/s1", WebhookURL("https://shop.example", "s1"))
}

func TestLongPollerFetchesAndReportsErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/getUpdates") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if calls.Add(1) == 1 {
			_, _ = w.Write([]byte(`{"ok":true,"result":[{"update_id":10,"message":{"message_id":1,"text":"a","chat":{"id":1,"type":"private"}}}]}`))
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":401,"description":"Unauthorized"}`))
	}))
	defer srv.Close()

	b, err := tele.NewBot(tele.Settings{URL: srv.URL, Token: testToken, Offline: true})
	require.NoError(t, err)

	errs := make(chan error, 4)
	p := newLongPoller(time.Second, func(err error) { errs <- err })
	dest := make(chan tele.Update, 1)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		p.Poll(b, dest, stop)
		close(done)
	}()

	upd := <-dest
	assert.Equal(t, 10, upd.ID)
	select {
	case err := <-errs:
		assert.True(t, credentialRefused(err), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("poll error was not reported")
	}
	close(stop)
	<-done
	assert.Equal(t, 11, p.offset)
}

func TestRegistryMenu(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterCommand("/start", Command{Description: "Open the store"})
	reg.RegisterCommand("/login", Command{Description: "Sign in", Hidden: true})
	reg.RegisterCommand("cart", Command{Description: "no slash"})
	reg.RegisterCommand("/start", Command{Description: "duplicate"})

	s := tenant.Default()
	s.CustomCommands = []tenant.CustomCommand{
		{Command: "/hours", Description: "Opening hours", Reply: "9-18"},
		{Command: "/start", Reply: "shadowed"},
		{Command: "/promo", Reply: "10% off"},
	}
	menu := reg.Menu(s)
	require.Len(t, menu, 3)
	assert.Equal(t, tele.Command{Text: "start", Description: "Open the store"}, menu[0])
	assert.Equal(t, tele.Command{Text: "hours", Description: "Opening hours"}, menu[1])
	assert.Equal(t, "promo", menu[2].Text)
	assert.Equal(t, "/promo", menu[2].Description)

	assert.Len(t, reg.Menu(nil), 1)
}

func TestDeliveryError(t *testing.T) {
	inst := tenant.NewInstance(tenant.Tenant{StoreID: "s1", Token: testToken})

	assert.NoError(t, DeliveryError(inst, nil))

	err := DeliveryError(inst, tele.ErrBlockedByUser)
	assert.ErrorIs(t, err, message.ErrUndeliverable)

	err = DeliveryError(inst, tele.ErrChatNotFound)
	assert.ErrorIs(t, err, message.ErrUndeliverable)

	err = DeliveryError(inst, tele.ErrUnauthorized)
	var credErr *tenant.CredentialError
	require.True(t, errors.As(err, &credErr))
	assert.Equal(t, "s1", credErr.StoreID)

	other := errors.New("network down")
	assert.Equal(t, other, DeliveryError(inst, other))
}

func TestPollTimeout(t *testing.T) {
	assert.Equal(t, 10*time.Second, PollTimeout(0))
	assert.Equal(t, 30*time.Second, PollTimeout(30))
}
