// Package notify sends operator alerts to chat webhooks. Alerts are filtered
// by event type and throttled per event and subject so a flapping pool source
// produces one message per cooldown instead of one per request.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Event types.
const (
	EventBootstrapFailed  = "bootstrap_failed"
	EventFeedDisconnected = "feed_disconnected"
)

// DefaultCooldown is the minimum gap between two alerts for the same event
// and subject.
const DefaultCooldown = 5 * time.Minute

// Sender is the interface that each notification channel must implement.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// Notifier dispatches alerts to one or more Senders.
type Notifier struct {
	senders  []Sender
	events   map[string]bool // allowed event types; empty allows all
	cooldown time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu   sync.Mutex
	last map[string]time.Time // event + subject -> last sent
}

// NewNotifier creates a Notifier. If events is empty, all event types are
// allowed. A non-positive cooldown means DefaultCooldown.
func NewNotifier(senders []Sender, events []string, cooldown time.Duration, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Notifier{
		senders:  senders,
		events:   allowed,
		cooldown: cooldown,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "notifier")),
		last:     make(map[string]time.Time),
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && len(n.senders) > 0
}

// Notify sends an alert for event about subject (e.g. a chain id) unless the
// event is filtered out or the same event and subject was sent within the
// cooldown. It reports whether the alert was dispatched.
func (n *Notifier) Notify(ctx context.Context, event, subject, message string) (bool, error) {
	if !n.Enabled() {
		return false, nil
	}
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return false, nil
	}
	if !n.claim(event + "|" + subject) {
		return false, nil
	}
	title := fmt.Sprintf("routecache: %s (%s)", event, subject)
	return true, n.dispatch(ctx, title, message)
}

func (n *Notifier) claim(key string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	now := n.now()
	if at, ok := n.last[key]; ok && now.Sub(at) < n.cooldown {
		return false
	}
	n.last[key] = now
	return true
}

// dispatch sends to every sender. A single sender failure does not prevent
// delivery to the rest; errors are combined.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}

// Async sends in the background with its own timeout, so callers on a hot
// path never wait on a webhook.
func (n *Notifier) Async(ctx context.Context, event, subject, message string) {
	if !n.Enabled() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()
		_, _ = n.Notify(ctx, event, subject, message)
	}()
}
