// Package sender runs outbound Bot API calls of one bot on a bounded worker
// pool with retries.
package sender

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/m3rciful/shopfleet/core/logger"
	"github.com/m3rciful/shopfleet/core/telegram/netutil"

	tele "gopkg.in/telebot.v4"
)

var (
	// ErrQueueClosed is returned when a job is submitted after Close.
	ErrQueueClosed = errors.New("telegram sender: queue closed")
	// ErrQueueFull indicates the queue is saturated and the job was not accepted.
	ErrQueueFull = errors.New("telegram sender: queue full")

	tokenRe = regexp.MustCompile(`[0-9]{5,20}:[A-Za-z0-9_-]{30,64}`)
)

// Options controls the behaviour of the outbound dispatcher.
type Options struct {
	StoreID      string
	QueueSize    int
	Workers      int
	MaxRetries   int
	RetryBackoff time.Duration
	// MaxDuration bounds the time spent retrying a single job.
	MaxDuration time.Duration
}

type job struct {
	ctx      context.Context
	action   string
	endpoint string
	run      func() error
	done     chan error
}

// Dispatcher executes outbound calls with retries on a fixed set of workers.
type Dispatcher struct {
	opts Options

	mu     sync.RWMutex
	closed bool
	jobs   chan job
	wg     sync.WaitGroup
	errs   atomic.Uint64
}

// NewDispatcher starts a dispatcher, filling zero options with defaults.
func NewDispatcher(opts Options) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 2 * time.Second
	}
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = 30 * time.Second
	}

	d := &Dispatcher{
		opts: opts,
		jobs: make(chan job, opts.QueueSize),
	}
	d.wg.Add(opts.Workers)
	for i := 0; i < opts.Workers; i++ {
		go d.worker()
	}
	return d
}

// Enqueue schedules run without waiting for it. The run closure must be
// idempotent if retries are desired.
func (d *Dispatcher) Enqueue(ctx context.Context, action, endpoint string, run func() error) error {
	return d.submit(job{ctx: ctx, action: action, endpoint: endpoint, run: run})
}

// Do runs the call on a worker and waits for its final result, retries
// included. Waiting stops early when ctx ends.
func (d *Dispatcher) Do(ctx context.Context, action, endpoint string, run func() error) error {
	done := make(chan error, 1)
	if err := d.submit(job{ctx: ctx, action: action, endpoint: endpoint, run: run, done: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) submit(j job) error {
	if j.run == nil {
		return errors.New("telegram sender: nil run function")
	}
	if j.ctx == nil {
		j.ctx = context.Background()
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrQueueClosed
	}
	select {
	case d.jobs <- j:
		return nil
	default:
		return ErrQueueFull
	}
}

// ErrorCount returns the number of failed jobs.
func (d *Dispatcher) ErrorCount() uint64 {
	return d.errs.Load()
}

// Close stops accepting jobs and waits for the queued ones to finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.jobs)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for j := range d.jobs {
		err := d.handleJob(j)
		if j.done != nil {
			j.done <- err
		}
	}
}

func (d *Dispatcher) handleJob(j job) error {
	ctx := j.ctx
	deadlineCtx, cancel := context.WithTimeout(ctx, d.opts.MaxDuration)
	defer cancel()

	start := time.Now()
	maxAttempts := d.opts.MaxRetries + 1
	var lastErr error

retry:
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := deadlineCtx.Err(); err != nil {
			lastErr = err
			break
		}
		err := j.run()
		if err == nil {
			d.logSuccess(ctx, j, attempt, time.Since(start))
			return nil
		}
		lastErr = err
		if !netutil.ShouldRetry(err) || attempt == maxAttempts {
			break
		}

		delay := d.opts.RetryBackoff * time.Duration(attempt)
		if wait, ok := netutil.RetryAfter(err); ok && wait > delay {
			delay = wait
		}
		timer := time.NewTimer(delay)
		select {
		case <-deadlineCtx.Done():
			timer.Stop()
			lastErr = errors.Join(lastErr, deadlineCtx.Err())
			break retry
		case <-timer.C:
			logger.Debug(ctx, logger.CompTGSender, "send_retry",
				append(d.attrs(ctx, j), slog.Int("attempt", attempt), slog.Duration("delay_ms", delay))...)
		}
	}

	d.errs.Add(1)
	d.logFailure(ctx, j, lastErr, time.Since(start))
	return lastErr
}

func (d *Dispatcher) attrs(ctx context.Context, j job) []slog.Attr {
	attrs := []slog.Attr{slog.String("action", j.action)}
	if j.endpoint != "" {
		attrs = append(attrs, slog.String("endpoint", j.endpoint))
	}
	if logger.StoreFrom(ctx) == "" && d.opts.StoreID != "" {
		attrs = append(attrs, slog.String("store_id", d.opts.StoreID))
	}
	return attrs
}

func (d *Dispatcher) logSuccess(ctx context.Context, j job, attempt int, elapsed time.Duration) {
	if attempt == 1 && !logger.ShouldSampleDebug() {
		return
	}
	attrs := append(d.attrs(ctx, j),
		slog.String("status", "ok"),
		slog.Int("attempt", attempt),
		slog.Duration("duration_ms", logger.RoundMS(elapsed)),
	)
	if attempt > 1 {
		logger.Info(ctx, logger.CompTGSender, "send", attrs...)
		return
	}
	logger.Debug(ctx, logger.CompTGSender, "send", attrs...)
}

func (d *Dispatcher) logFailure(ctx context.Context, j job, err error, elapsed time.Duration) {
	attrs := append(d.attrs(ctx, j),
		slog.String("status", "fail"),
		slog.String("err", SanitizeError(err)),
		slog.String("err_code", ClassifyError(err)),
		slog.Duration("duration_ms", logger.RoundMS(elapsed)),
	)
	logger.Warn(ctx, logger.CompTGSender, "send", attrs...)
}

// ClassifyError names the failure class of a Bot API call for logs.
func ClassifyError(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if _, ok := netutil.RetryAfter(err); ok {
		return "flood"
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return "timeout"
		}
		return "dns"
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return "dial"
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return "timeout"
	}

	var alertErr tls.AlertError
	if errors.As(err, &alertErr) {
		return "tls"
	}

	status := HTTPStatus(err)
	switch {
	case status == http.StatusUnauthorized:
		return "unauthorized"
	case status == http.StatusForbidden:
		return "forbidden"
	case status >= 500:
		return "http_5xx"
	case status >= 400:
		return "http_4xx"
	}
	return "unknown"
}

// SanitizeError renders err with bot tokens redacted.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return tokenRe.ReplaceAllString(err.Error(), "<redacted>")
}

// HTTPStatus extracts the Bot API status code carried by err, 0 if none.
func HTTPStatus(err error) int {
	if err == nil {
		return 0
	}
	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	if _, ok := netutil.RetryAfter(err); ok {
		return http.StatusTooManyRequests
	}
	var groupErr tele.GroupError
	if errors.As(err, &groupErr) {
		return http.StatusBadRequest
	}
	return 0
}
