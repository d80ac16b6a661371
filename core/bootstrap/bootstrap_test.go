package bootstrap

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m3rciful/shopfleet/core/catalog"
	coreconfig "github.com/m3rciful/shopfleet/core/config"
	"github.com/m3rciful/shopfleet/core/message"
	"github.com/m3rciful/shopfleet/core/order"
	"github.com/m3rciful/shopfleet/core/storage/memory"
	"github.com/m3rciful/shopfleet/core/tenant"
)

const testToken = "123456789:AAEhBOweik9ai3Fj-kE1uo4ydd2X_5EjjJk"

type recordingBot struct {
	mu   sync.Mutex
	sent []message.Message
}

func (b *recordingBot) Run()  {}
func (b *recordingBot) Stop() {}

func (b *recordingBot) Send(_ context.Context, msg message.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, msg)
	return nil
}

type recordingLauncher struct {
	bot *recordingBot
}

func (l *recordingLauncher) Launch(context.Context, *tenant.Instance) (tenant.Bot, error) {
	return l.bot, nil
}

func testConfig(t *testing.T) *coreconfig.Config {
	t.Helper()
	cfg := &coreconfig.Config{
		Database: coreconfig.DatabaseConfig{Driver: coreconfig.DriverMemory},
		Auth:     coreconfig.AuthConfig{Secret: "0123456789abcdef0123"},
	}
	require.NoError(t, coreconfig.Normalize(cfg))
	return cfg
}

func build(t *testing.T) (*App, *recordingBot) {
	t.Helper()
	bot := &recordingBot{}
	seed := SeederFunc(func(_ context.Context, s Storage) error {
		st := s.(*memory.Store)
		st.PutStore(catalog.Store{ID: "s1", Name: "Tea House", Currency: "EUR"})
		st.PutProduct(catalog.Product{ID: "p1", StoreID: "s1", Name: "Green tea", Price: 450, Currency: "EUR", Stock: 3, Active: true})
		st.PutAdmin(catalog.Admin{StoreID: "s1", UserRef: "tg:7", ChatID: 7, Role: "owner"})
		return nil
	})
	app, err := Build(context.Background(), Options{
		Config:     testConfig(t),
		LoggerInit: func(*coreconfig.Config) error { return nil },
		Launcher:   &recordingLauncher{bot: bot},
		Seeders:    []Seeder{seed},
	})
	require.NoError(t, err)
	t.Cleanup(func() { app.Close(context.Background()) })
	return app, bot
}

func TestBuildWiresOrderNotifications(t *testing.T) {
	app, bot := build(t)
	ctx := context.Background()
	require.NoError(t, app.Tenants.Start(ctx, tenant.Tenant{StoreID: "s1", Token: testToken}))

	events, cancel := app.Hub.Subscribe("s1")
	defer cancel()

	o, err := app.Orders.CreateOrder(ctx, order.Checkout{
		StoreID:        "s1",
		CustomerRef:    "tg:100",
		CustomerChatID: 100,
		SessionRef:     "100",
		Lines:          []order.CartLine{{ProductID: "p1", Quantity: 1}},
		Contact:        order.Contact{Name: "Ann", Phone: "+15550100", Address: "1 Main St"},
	})
	require.NoError(t, err)

	sent := func() []message.Message {
		bot.mu.Lock()
		defer bot.mu.Unlock()
		return append([]message.Message(nil), bot.sent...)
	}
	require.Eventually(t, func() bool { return len(sent()) == 1 }, time.Second, 5*time.Millisecond)
	msgs := sent()
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(7), msgs[0].ChatID)
	assert.Contains(t, msgs[0].Text, o.Number)

	select {
	case ev := <-events:
		assert.Equal(t, "s1", ev.StoreID)
	case <-time.After(time.Second):
		t.Fatal("panel event not published")
	}
}

func TestBuildServesHealth(t *testing.T) {
	app, _ := build(t)
	rec := httptest.NewRecorder()
	app.API.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","checks":{"storage":"ok"},"components":{"sessions":"disabled"}}`, rec.Body.String())
}

func TestCommandRegistryHidesAdminCommands(t *testing.T) {
	menu := commandRegistry().Menu(nil)
	var names []string
	for _, c := range menu {
		names = append(names, c.Text)
	}
	assert.ElementsMatch(t, []string{"start", "cart", "cancel", "help"}, names)
}

func TestBuildRejectsMissingConfig(t *testing.T) {
	_, err := Build(context.Background(), Options{})
	require.Error(t, err)
}
