package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/m3rciful/shopfleet/core/catalog"
	"github.com/m3rciful/shopfleet/core/message"
)

const (
	tokenA = "111111:AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
	tokenB = "222222:BBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB"
)

type fakeBot struct {
	inst    *Instance
	mu      sync.Mutex
	sent    []message.Message
	stopped chan struct{}
	once    sync.Once
}

func (b *fakeBot) Run() { <-b.stopped }

func (b *fakeBot) Stop() { b.once.Do(func() { close(b.stopped) }) }

func (b *fakeBot) Send(_ context.Context, msg message.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, msg)
	return nil
}

func (b *fakeBot) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusAccepted)
}

type fakeLauncher struct {
	mu     sync.Mutex
	bots   map[string]*fakeBot
	reject map[string]error
}

func newLauncher() *fakeLauncher {
	return &fakeLauncher{bots: map[string]*fakeBot{}, reject: map[string]error{}}
}

func (l *fakeLauncher) Launch(_ context.Context, inst *Instance) (Bot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.reject[inst.Token()]; err != nil {
		return nil, &CredentialError{StoreID: inst.StoreID, Err: err}
	}
	b := &fakeBot{inst: inst, stopped: make(chan struct{})}
	l.bots[inst.StoreID] = b
	return b, nil
}

func (l *fakeLauncher) bot(storeID string) *fakeBot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bots[storeID]
}

type fakeSource struct {
	mu       sync.Mutex
	settings map[string][]byte
	creds    []catalog.BotCredential
}

func (s *fakeSource) TenantSettings(_ context.Context, storeID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings[storeID], nil
}

func (s *fakeSource) ActiveTenants(context.Context) ([]catalog.BotCredential, error) {
	return s.creds, nil
}

func (s *fakeSource) set(storeID, raw string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[storeID] = []byte(raw)
}

func TestStartRejectsMalformedTokenWithoutLaunching(t *testing.T) {
	l := newLauncher()
	m := NewManager(l, &fakeSource{settings: map[string][]byte{}})

	err := m.Start(context.Background(), Tenant{StoreID: "s1", Token: "not-a-token"})
	var credErr *CredentialError
	require.ErrorAs(t, err, &credErr)
	assert.Equal(t, "s1", credErr.StoreID)
	assert.ErrorIs(t, err, ErrMalformedToken)
	assert.Equal(t, "CREDENTIAL_INVALID", credErr.Code())
	assert.Nil(t, l.bot("s1"))
}

func TestBadCredentialIsolatedToItsTenant(t *testing.T) {
	l := newLauncher()
	l.reject[tokenB] = errors.New("unauthorized")
	src := &fakeSource{
		settings: map[string][]byte{},
		creds: []catalog.BotCredential{
			{StoreID: "good", Token: tokenA, Mode: "polling", Active: true},
			{StoreID: "bad", Token: tokenB, Mode: "webhook", Active: true},
		},
	}
	m := NewManager(l, src)

	err := m.StartAll(context.Background())
	var credErr *CredentialError
	require.ErrorAs(t, err, &credErr)
	assert.Equal(t, "bad", credErr.StoreID)
	assert.Equal(t, []string{"good"}, m.Running())

	require.NoError(t, m.SendTo(context.Background(), "good", message.Message{ChatID: 1, Text: "hi"}))
	assert.ErrorIs(t, m.SendTo(context.Background(), "bad", message.Message{ChatID: 1}), ErrNotRunning)
	require.NoError(t, m.StopAll(context.Background()))
}

func TestReloadSwapsSettingsWithoutRestart(t *testing.T) {
	l := newLauncher()
	src := &fakeSource{settings: map[string][]byte{"s1": []byte(`{"welcome":"old"}`)}}
	m := NewManager(l, src)
	require.NoError(t, m.Start(context.Background(), Tenant{StoreID: "s1", Token: tokenA}))
	bot := l.bot("s1")
	inst, ok := m.Instance("s1")
	require.True(t, ok)
	assert.Equal(t, "old", m.Settings("s1").Welcome)

	src.set("s1", "welcome: new\nfaq:\n  - question: Hours?\n    answer: 9-5\n")
	s, err := m.ReloadSettings(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "new", s.Welcome)
	assert.Equal(t, "new", m.Settings("s1").Welcome)

	// same instance and bot: the update loop was not restarted
	again, _ := m.Instance("s1")
	assert.Same(t, inst, again)
	assert.Same(t, bot, l.bot("s1"))
	select {
	case <-bot.stopped:
		t.Fatal("bot was stopped by reload")
	default:
	}
}

func TestReloadKeepsOldSettingsOnInvalidDocument(t *testing.T) {
	src := &fakeSource{settings: map[string][]byte{"s1": []byte(`{"welcome":"kept"}`)}}
	m := NewManager(newLauncher(), src)
	require.NoError(t, m.Start(context.Background(), Tenant{StoreID: "s1", Token: tokenA}))

	src.set("s1", `{"currency":"dollars"}`)
	_, err := m.ReloadSettings(context.Background(), "s1")
	require.Error(t, err)
	assert.Equal(t, "kept", m.Settings("s1").Welcome)

	_, err = m.ReloadSettings(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestConcurrentReadersSeeWholeSettings(t *testing.T) {
	src := &fakeSource{settings: map[string][]byte{"s1": []byte(`{"welcome":"v0","language":"en"}`)}}
	m := NewManager(newLauncher(), src)
	require.NoError(t, m.Start(context.Background(), Tenant{StoreID: "s1", Token: tokenA}))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				s := m.Settings("s1")
				// welcome and language are always written together
				if s.Welcome == "v1" {
					assert.Equal(t, "de", s.Language)
				}
			}
		}()
	}
	src.set("s1", `{"welcome":"v1","language":"de"}`)
	_, err := m.ReloadSettings(context.Background(), "s1")
	require.NoError(t, err)
	close(stop)
	wg.Wait()
}

func TestStopWaitsForInFlightHandlers(t *testing.T) {
	l := newLauncher()
	m := NewManager(l, &fakeSource{settings: map[string][]byte{}})
	require.NoError(t, m.Start(context.Background(), Tenant{StoreID: "s1", Token: tokenA}))
	inst, _ := m.Instance("s1")

	require.True(t, inst.Begin())
	finished := make(chan struct{})
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(finished)
		inst.End()
	}()

	require.NoError(t, m.Stop(context.Background(), "s1"))
	select {
	case <-finished:
	default:
		t.Fatal("stop returned before the handler finished")
	}
	assert.False(t, inst.Begin(), "a draining instance accepts no new handlers")
	assert.Empty(t, m.Running())
}

func TestStopIsBoundedByContext(t *testing.T) {
	m := NewManager(newLauncher(), &fakeSource{settings: map[string][]byte{}})
	require.NoError(t, m.Start(context.Background(), Tenant{StoreID: "s1", Token: tokenA}))
	inst, _ := m.Instance("s1")
	require.True(t, inst.Begin())
	defer inst.End()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := m.Stop(ctx, "s1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFatalStopsOnlyThatTenant(t *testing.T) {
	l := newLauncher()
	m := NewManager(l, &fakeSource{settings: map[string][]byte{}})
	require.NoError(t, m.Start(context.Background(), Tenant{StoreID: "a", Token: tokenA}))
	require.NoError(t, m.Start(context.Background(), Tenant{StoreID: "b", Token: tokenB, Mode: ModeWebhook}))

	inst, _ := m.Instance("a")
	inst.Fatal(errors.New("telegram: Unauthorized (401)"))
	inst.Fatal(errors.New("again"))

	assert.Equal(t, []string{"b"}, m.Running())
	assert.Eventually(t, func() bool {
		select {
		case <-l.bot("a").stopped:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestRestartReplacesInstance(t *testing.T) {
	l := newLauncher()
	m := NewManager(l, &fakeSource{settings: map[string][]byte{}})
	require.NoError(t, m.Start(context.Background(), Tenant{StoreID: "s1", Token: tokenA}))
	first := l.bot("s1")
	require.NoError(t, m.Start(context.Background(), Tenant{StoreID: "s1", Token: tokenB}))

	<-first.stopped
	inst, _ := m.Instance("s1")
	assert.Equal(t, tokenB, inst.Token())
}

func TestRestartWithRefusedTokenKeepsRunningBot(t *testing.T) {
	l := newLauncher()
	l.reject[tokenB] = errors.New("unauthorized")
	m := NewManager(l, &fakeSource{settings: map[string][]byte{}})
	require.NoError(t, m.Start(context.Background(), Tenant{StoreID: "s1", Token: tokenA}))
	first := l.bot("s1")

	err := m.Start(context.Background(), Tenant{StoreID: "s1", Token: tokenB})
	var credErr *CredentialError
	require.ErrorAs(t, err, &credErr)

	assert.Equal(t, []string{"s1"}, m.Running())
	inst, ok := m.Instance("s1")
	require.True(t, ok)
	assert.Equal(t, tokenA, inst.Token())
	select {
	case <-first.stopped:
		t.Fatal("running bot was stopped")
	default:
	}
}

func TestServeWebhookRoutesOnlyWebhookTenants(t *testing.T) {
	m := NewManager(newLauncher(), &fakeSource{settings: map[string][]byte{}})
	require.NoError(t, m.Start(context.Background(), Tenant{StoreID: "hook", Token: tokenA, Mode: ModeWebhook}))
	require.NoError(t, m.Start(context.Background(), Tenant{StoreID: "poll", Token: tokenB}))

	rec := httptest.NewRecorder()
	m.ServeWebhook(rec, httptest.NewRequest(http.MethodPost, "/tg/hook", nil), "hook")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = httptest.NewRecorder()
	m.ServeWebhook(rec, httptest.NewRequest(http.MethodPost, "/tg/poll", nil), "poll")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSettingsExtraSurvivesRoundTrip(t *testing.T) {
	raw := `{"welcome":"hi","theme":{"color":"teal"},"beta":true}`
	s, err := ParseSettings([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "hi", s.Welcome)
	assert.Equal(t, map[string]any{"color": "teal"}, s.Extra["theme"])

	out, err := json.Marshal(s)
	require.NoError(t, err)
	var back map[string]any
	require.NoError(t, json.Unmarshal(out, &back))
	assert.Equal(t, true, back["beta"])
	assert.Equal(t, "hi", back["welcome"])

	y, err := yaml.Marshal(s)
	require.NoError(t, err)
	fromYAML, err := ParseSettings(y)
	require.NoError(t, err)
	assert.Equal(t, true, fromYAML.Extra["beta"])
	assert.Equal(t, "hi", fromYAML.Welcome)
}

func TestSettingsValidateAndLookups(t *testing.T) {
	_, err := ParseSettings([]byte(`custom_commands: [{command: "hours", reply: "x"}]`))
	require.ErrorIs(t, err, ErrInvalidSettings)
	_, err = ParseSettings([]byte(`{"welcome": `))
	require.ErrorIs(t, err, ErrInvalidSettings)

	s, err := ParseSettings([]byte(`
custom_commands:
  - command: /hours
    reply: Open 9-5
auto_responses:
  - match: Shipping
    reply: We ship worldwide
menu_labels:
  cart: Basket
`))
	require.NoError(t, err)
	c, ok := s.Command("/Hours@shop_bot")
	require.True(t, ok)
	assert.Equal(t, "Open 9-5", c.Reply)
	reply, ok := s.AutoReply("how much is shipping?")
	require.True(t, ok)
	assert.Equal(t, "We ship worldwide", reply)
	assert.Equal(t, "Basket", s.Label("cart", "Cart"))
	assert.Equal(t, "Checkout", s.Label("checkout", "Checkout"))

	empty, err := ParseSettings(nil)
	require.NoError(t, err)
	assert.Equal(t, Default().Welcome, empty.Welcome)
}
