package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m3rciful/shopfleet/core/catalog"
	"github.com/m3rciful/shopfleet/core/message"
	"github.com/m3rciful/shopfleet/core/order"
	"github.com/m3rciful/shopfleet/core/panel"
)

type staticDirectory map[string][]catalog.Admin

func (d staticDirectory) StoreAdmins(_ context.Context, storeID string) ([]catalog.Admin, error) {
	return d[storeID], nil
}

type recordingChannel struct {
	name  string
	scope Scope
	fail  map[int64]error
	delay time.Duration

	mu   sync.Mutex
	sent []Notification
}

func (c *recordingChannel) Name() string { return c.name }
func (c *recordingChannel) Scope() Scope { return c.scope }
func (c *recordingChannel) Deliver(_ context.Context, n Notification) error {
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail[n.Recipient.ChatID]; err != nil {
		return err
	}
	c.sent = append(c.sent, n)
	return nil
}

func (c *recordingChannel) chats() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []int64
	for _, n := range c.sent {
		out = append(out, n.Recipient.ChatID)
	}
	return out
}

func testOrder(status order.Status) *order.Order {
	return &order.Order{
		ID: "01HX", Number: "ORD-260101-ABCDEF", StoreID: "s1", CustomerChatID: 500,
		Status: status, Total: 2500, Currency: "USD", RejectionReason: "out of stock",
		Items: []order.LineItem{{ProductID: "p", Name: "Mug", Quantity: 2, UnitPrice: 1250}},
	}
}

func TestOneRecipientFailureDoesNotStopOthers(t *testing.T) {
	dir := staticDirectory{"s1": {{UserRef: "a", ChatID: 1}, {UserRef: "b", ChatID: 2}, {UserRef: "c", ChatID: 3}}}
	bot := &recordingChannel{name: "bot", fail: map[int64]error{2: errors.New("chat blocked")}}
	live := &recordingChannel{name: "panel", scope: ScopeStore}
	d := NewDispatcher(dir, []Channel{bot, live})

	rep := d.Dispatch(context.Background(),
		order.Event{Type: order.EventOrderCreated, Order: testOrder(order.StatusPendingAdmin)},
		Audience{StoreID: "s1", Kind: Admins})

	assert.Equal(t, 4, rep.Attempted)
	assert.Equal(t, 1, rep.Failed)
	assert.ElementsMatch(t, []int64{1, 3}, bot.chats())
	assert.Len(t, live.sent, 1)
}

func TestNotifyRoutesByEvent(t *testing.T) {
	dir := staticDirectory{"s1": {{UserRef: "a", ChatID: 1}}}
	bot := &recordingChannel{name: "bot"}
	d := NewDispatcher(dir, []Channel{bot})

	d.Notify(context.Background(), order.Event{Type: order.EventOrderRejected, Order: testOrder(order.StatusRejected)})
	require.Equal(t, []int64{500}, bot.chats())
	assert.Contains(t, bot.sent[0].Text, "out of stock")
	assert.Contains(t, bot.sent[0].Text, "ORD-260101-ABCDEF")

	bot.sent = nil
	d.Notify(context.Background(), order.Event{Type: order.EventOrderCreated, Order: testOrder(order.StatusPendingAdmin)})
	require.Equal(t, []int64{1}, bot.chats())
	require.Len(t, bot.sent[0].Buttons, 1)
	assert.Equal(t, "approve|01HX", bot.sent[0].Buttons[0][0].Data())
}

func TestChannelsRunConcurrently(t *testing.T) {
	dir := staticDirectory{"s1": {{ChatID: 1}}}
	slowA := &recordingChannel{name: "a", delay: 200 * time.Millisecond}
	slowB := &recordingChannel{name: "b", delay: 200 * time.Millisecond}
	d := NewDispatcher(dir, []Channel{slowA, slowB})

	start := time.Now()
	d.Dispatch(context.Background(),
		order.Event{Type: order.EventOrderCreated, Order: testOrder(order.StatusPendingAdmin)},
		Audience{StoreID: "s1", Kind: Admins})
	assert.Less(t, time.Since(start), 390*time.Millisecond)
}

type panicChannel struct{}

func (panicChannel) Name() string                                { return "boom" }
func (panicChannel) Scope() Scope                                { return ScopeStore }
func (panicChannel) Deliver(context.Context, Notification) error { panic("boom") }

func TestPanickingChannelIsContained(t *testing.T) {
	live := &recordingChannel{name: "panel", scope: ScopeStore}
	d := NewDispatcher(nil, []Channel{panicChannel{}, live})
	rep := d.Dispatch(context.Background(),
		order.Event{Type: order.EventOrderShipped, Order: testOrder(order.StatusShipped)})
	assert.Equal(t, 1, rep.Failed)
	assert.Len(t, live.sent, 1)
}

func TestRendererOverrides(t *testing.T) {
	r := NewRenderer(func(string) map[string]string {
		return map[string]string{"OrderShipped.customer": "Заказ {number} отправлен"}
	})
	text := r.Text("s1", order.Event{Type: order.EventOrderShipped, Order: testOrder(order.StatusShipped)}, Customer)
	assert.Equal(t, "Заказ ORD-260101-ABCDEF отправлен", text)
}

type fakeMessenger struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (m *fakeMessenger) SendTo(context.Context, string, message.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.err
}

func TestBotChannelBreakerOpensPerStore(t *testing.T) {
	m := &fakeMessenger{err: errors.New("bad gateway")}
	ch := NewBotChannel(m, 1000, 100)
	n := Notification{StoreID: "s1", Recipient: Recipient{ChatID: 1}}

	for i := 0; i < 5; i++ {
		assert.Error(t, ch.Deliver(context.Background(), n))
	}
	calls := m.calls
	assert.Error(t, ch.Deliver(context.Background(), n))
	assert.Equal(t, calls, m.calls, "open breaker must not reach the messenger")

	m.err = nil
	n.StoreID = "s2"
	assert.NoError(t, ch.Deliver(context.Background(), n))
}

func TestBotChannelUndeliverableKeepsBreakerClosed(t *testing.T) {
	m := &fakeMessenger{err: message.ErrUndeliverable}
	ch := NewBotChannel(m, 1000, 100)
	n := Notification{StoreID: "s1", Recipient: Recipient{ChatID: 1}}
	for i := 0; i < 8; i++ {
		assert.ErrorIs(t, ch.Deliver(context.Background(), n), message.ErrUndeliverable)
	}
	assert.Equal(t, 8, m.calls)
}

func TestPanelChannelPublishes(t *testing.T) {
	hub := panel.NewHub(2)
	events, cancel := hub.Subscribe("s1")
	defer cancel()

	d := NewDispatcher(nil, []Channel{NewPanelChannel(hub)})
	d.Notify(context.Background(), order.Event{Type: order.EventOrderApproved, Order: testOrder(order.StatusPaid)})

	select {
	case ev := <-events:
		assert.Equal(t, "OrderApproved", ev.Type)
		assert.Contains(t, string(ev.Data), `"status":"PAID"`)
	case <-time.After(time.Second):
		t.Fatal("no panel event")
	}
}

func TestDeliveryErrorCode(t *testing.T) {
	err := error(&DeliveryError{Channel: "bot", Err: errors.New("x")})
	var coded interface{ Code() string }
	require.True(t, errors.As(err, &coded))
	assert.Equal(t, "DELIVERY_FAILURE", coded.Code())
}

type blockingNotifier struct {
	release chan struct{}
	mu      sync.Mutex
	seen    []order.EventType
}

func (b *blockingNotifier) Notify(_ context.Context, ev order.Event) {
	<-b.release
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seen = append(b.seen, ev.Type)
}

func (b *blockingNotifier) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.seen)
}

func TestQueueDoesNotBlockCaller(t *testing.T) {
	next := &blockingNotifier{release: make(chan struct{})}
	q := NewQueue(next, 4, 1)

	done := make(chan struct{})
	go func() {
		q.Notify(context.Background(), order.Event{Type: order.EventOrderCreated})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify waited for delivery")
	}

	close(next.release)
	require.NoError(t, q.Close(context.Background()))
	assert.Equal(t, 1, next.count())
}

func TestQueueDeliversInlineAfterClose(t *testing.T) {
	next := &blockingNotifier{release: make(chan struct{})}
	close(next.release)
	q := NewQueue(next, 1, 1)
	require.NoError(t, q.Close(context.Background()))

	q.Notify(context.Background(), order.Event{Type: order.EventOrderCancelled})
	assert.Equal(t, 1, next.count())
}

func TestQueueCloseHonoursContext(t *testing.T) {
	next := &blockingNotifier{release: make(chan struct{})}
	q := NewQueue(next, 4, 1)
	q.Notify(context.Background(), order.Event{Type: order.EventOrderCreated})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Close(ctx), context.DeadlineExceeded)
	close(next.release)
}
