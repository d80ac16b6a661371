package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/m3rciful/shopfleet/core/message"
	"github.com/m3rciful/shopfleet/core/panel"
)

// Messenger sends a message through a store's running bot.
type Messenger interface {
	SendTo(ctx context.Context, storeID string, msg message.Message) error
}

// BotChannel pushes notifications through the tenant bots. Each store gets
// its own rate limiter and circuit breaker, so a throttled or failing bot
// never slows down another store.
type BotChannel struct {
	m     Messenger
	rps   rate.Limit
	burst int

	mu     sync.Mutex
	guards map[string]*guard
}

type guard struct {
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// NewBotChannel builds a channel allowing rps messages per second per store.
func NewBotChannel(m Messenger, rps float64, burst int) *BotChannel {
	if rps <= 0 {
		rps = 25
	}
	if burst <= 0 {
		burst = 5
	}
	return &BotChannel{m: m, rps: rate.Limit(rps), burst: burst, guards: make(map[string]*guard)}
}

func (b *BotChannel) Name() string { return "bot" }

func (b *BotChannel) Scope() Scope { return ScopeRecipient }

func (b *BotChannel) guard(storeID string) *guard {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, ok := b.guards[storeID]
	if !ok {
		g = &guard{
			limiter: rate.NewLimiter(b.rps, b.burst),
			breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
				Name:        "bot:" + storeID,
				MaxRequests: 1,
				Timeout:     30 * time.Second,
				ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 5 },
				IsSuccessful: func(err error) bool {
					return err == nil || errors.Is(err, message.ErrUndeliverable)
				},
			}),
		}
		b.guards[storeID] = g
	}
	return g
}

// Deliver waits for the store's rate budget, then sends through the breaker.
func (b *BotChannel) Deliver(ctx context.Context, n Notification) error {
	g := b.guard(n.StoreID)
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := g.breaker.Execute(func() (any, error) {
		return nil, b.m.SendTo(ctx, n.StoreID, message.Message{
			ChatID:  n.Recipient.ChatID,
			Text:    n.Text,
			Buttons: n.Buttons,
		})
	})
	return err
}

// Publisher is the live channel sink.
type Publisher interface {
	Publish(ev panel.Event) int
}

// PanelChannel mirrors every event onto the admin panel live channel.
// Publishing is fire and forget.
type PanelChannel struct {
	p Publisher
}

// NewPanelChannel wraps a publisher.
func NewPanelChannel(p Publisher) *PanelChannel {
	return &PanelChannel{p: p}
}

func (c *PanelChannel) Name() string { return "panel" }

func (c *PanelChannel) Scope() Scope { return ScopeStore }

type panelPayload struct {
	OrderID string `json:"order_id"`
	Number  string `json:"number"`
	Status  string `json:"status"`
	Total   int64  `json:"total"`
	Actor   string `json:"actor,omitempty"`
	Text    string `json:"text"`
}

func (c *PanelChannel) Deliver(_ context.Context, n Notification) error {
	data, err := json.Marshal(panelPayload{
		OrderID: n.Order.ID,
		Number:  n.Order.Number,
		Status:  string(n.Order.Status),
		Total:   n.Order.Total,
		Actor:   n.Actor,
		Text:    n.Text,
	})
	if err != nil {
		return err
	}
	c.p.Publish(panel.Event{StoreID: n.StoreID, Type: string(n.Event), At: n.At, Data: data})
	return nil
}
