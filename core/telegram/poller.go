package telegram

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"
)

const (
	defaultPollTimeout = 10 * time.Second
	secretHeader       = "X-Telegram-Bot-Api-Secret-Token"
	maxUpdateBytes     = 1 << 20
	maxPollBackoff     = 30 * time.Second
)

var allowedUpdates = []string{"message", "callback_query"}

// PollTimeout converts the configured long poll timeout, 0 meaning default.
func PollTimeout(seconds int) time.Duration {
	if seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultPollTimeout
}

// longPoller fetches updates with getUpdates. Unlike tele.LongPoller it
// reports every failed call, so a token revoked while the bot runs is noticed.
type longPoller struct {
	timeout time.Duration
	onError func(error)
	offset  int
}

func newLongPoller(timeout time.Duration, onError func(error)) *longPoller {
	return &longPoller{timeout: timeout, onError: onError}
}

// Poll delivers updates to dest until stop is closed.
func (p *longPoller) Poll(b *tele.Bot, dest chan tele.Update, stop chan struct{}) {
	backoff := time.Second
	for {
		select {
		case <-stop:
			return
		default:
		}

		updates, err := p.fetch(b)
		if err != nil {
			if p.onError != nil {
				p.onError(err)
			}
			timer := time.NewTimer(backoff)
			select {
			case <-stop:
				timer.Stop()
				return
			case <-timer.C:
			}
			backoff = min(backoff*2, maxPollBackoff)
			continue
		}
		backoff = time.Second

		for _, upd := range updates {
			p.offset = upd.ID + 1
			select {
			case dest <- upd:
			case <-stop:
				return
			}
		}
	}
}

func (p *longPoller) fetch(b *tele.Bot) ([]tele.Update, error) {
	allowed, _ := json.Marshal(allowedUpdates)
	data, err := b.Raw("getUpdates", map[string]string{
		"offset":          strconv.Itoa(p.offset),
		"timeout":         strconv.Itoa(int(p.timeout / time.Second)),
		"allowed_updates": string(allowed),
	})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Result []tele.Update `json:"result"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("telegram: decode updates: %w", err)
	}
	return resp.Result, nil
}

// WebhookURL is the public address Telegram posts a store's updates to.
func WebhookURL(base, storeID string) string {
	return base + "/tg/" + storeID
}

// WebhookSecret derives the secret Telegram echoes back on every webhook
// call. It is stable for a token and reveals nothing about it.
func WebhookSecret(token string) string {
	sum := sha256.Sum256([]byte("webhook:" + token))
	return hex.EncodeToString(sum[:16])
}

// webhookPoller receives updates through the shared HTTP server instead of a
// listener of its own, so any number of bots can run webhooks on one port.
// While Poll runs, ServeHTTP feeds requests into the bot's update channel.
type webhookPoller struct {
	secret   string
	register func() error
	onError  func(error)

	mu   sync.Mutex
	dest chan<- tele.Update
	done chan struct{}
}

func newWebhookPoller(secret string, register func() error, onError func(error)) *webhookPoller {
	return &webhookPoller{secret: secret, register: register, onError: onError}
}

// Poll registers the webhook and accepts updates until stop is closed.
func (p *webhookPoller) Poll(_ *tele.Bot, dest chan tele.Update, stop chan struct{}) {
	if p.register != nil {
		if err := p.register(); err != nil && p.onError != nil {
			p.onError(err)
		}
	}
	done := make(chan struct{})
	p.mu.Lock()
	p.dest, p.done = dest, done
	p.mu.Unlock()

	<-stop

	p.mu.Lock()
	p.dest, p.done = nil, nil
	p.mu.Unlock()
	close(done)
}

func (p *webhookPoller) active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dest != nil
}

func (p *webhookPoller) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	got := r.Header.Get(secretHeader)
	if subtle.ConstantTimeCompare([]byte(got), []byte(p.secret)) != 1 {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	var upd tele.Update
	if err := json.NewDecoder(io.LimitReader(r.Body, maxUpdateBytes)).Decode(&upd); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	p.mu.Lock()
	dest, done := p.dest, p.done
	p.mu.Unlock()
	if dest == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	select {
	case dest <- upd:
		w.WriteHeader(http.StatusOK)
	case <-done:
		w.WriteHeader(http.StatusServiceUnavailable)
	case <-r.Context().Done():
		w.WriteHeader(http.StatusServiceUnavailable)
	}
}
