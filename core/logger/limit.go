package logger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// WarnLimiter lets a repeated warning through at most once per interval per failure class.
type WarnLimiter struct {
	component string
	every     time.Duration

	mu      sync.Mutex
	classes map[string]*rate.Sometimes
}

// NewWarnLimiter returns a limiter for the given component. every <= 0 means five minutes.
func NewWarnLimiter(component string, every time.Duration) *WarnLimiter {
	if every <= 0 {
		every = 5 * time.Minute
	}
	return &WarnLimiter{
		component: component,
		every:     every,
		classes:   make(map[string]*rate.Sometimes),
	}
}

// Warn logs event under class unless the class already warned within the interval.
// It reports whether the line was written.
func (l *WarnLimiter) Warn(ctx context.Context, class, event string, attrs ...slog.Attr) bool {
	l.mu.Lock()
	s, ok := l.classes[class]
	if !ok {
		s = &rate.Sometimes{Interval: l.every}
		l.classes[class] = s
	}
	l.mu.Unlock()

	logged := false
	s.Do(func() {
		logged = true
		Warn(ctx, l.component, event, append([]slog.Attr{
			slog.String("class", class),
			slog.Duration("every", l.every),
		}, attrs...)...)
	})
	return logged
}
