// Package events is the in-process publish/subscribe router connecting webhook
// ingestion, protocol handlers and job state transitions.
package events

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"tenant-orchestrator/internal/logging"
	"tenant-orchestrator/internal/telemetry"
)

// Event is a published message. WalletID scopes the event to one tenant.
type Event struct {
	Topic    string
	WalletID string
	Payload  map[string]any
}

// Handler consumes an event. Returned errors are logged and never stop delivery.
type Handler func(ctx context.Context, ev Event) error

type subscription struct {
	pattern string
	name    string
	handler Handler
}

// Bus delivers events synchronously, in subscription order, on the publisher's goroutine.
type Bus struct {
	mu   sync.RWMutex
	subs []subscription
	log  *zap.Logger
}

// NewBus constructs an empty bus.
func NewBus(log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{log: log}
}

// Subscribe registers h for every topic matching pattern. Registering the same handler
// twice results in duplicate delivery.
func (b *Bus) Subscribe(pattern, name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, subscription{pattern: pattern, name: name, handler: h})
	b.log.Debug("subscribed", zap.String("pattern", pattern), zap.String("subscriber", name))
}

// Publish delivers ev to each matching subscriber and returns the combined handler errors.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	b.mu.RLock()
	matched := make([]subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if match(s.pattern, ev.Topic) {
			matched = append(matched, s)
		}
	}
	b.mu.RUnlock()

	telemetry.EventsPublished.WithLabelValues(namespaceOf(ev.Topic)).Inc()
	if len(matched) == 0 {
		b.log.Debug("no subscribers", zap.String("topic", ev.Topic))
		return nil
	}

	log := logging.FromContext(ctx, b.log)
	var errs error
	for _, s := range matched {
		if err := b.deliver(ctx, s, ev); err != nil {
			telemetry.HandlerFailures.WithLabelValues(s.name).Inc()
			log.Error("subscriber failed",
				zap.String("topic", ev.Topic),
				zap.String("subscriber", s.name),
				zap.String("wallet_id", ev.WalletID),
				zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
	}
	return errs
}

func (b *Bus) deliver(ctx context.Context, s subscription, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.handler(ctx, ev)
}

func namespaceOf(topic string) string {
	if t, err := ParseTopic(topic); err == nil {
		return t.Namespace
	}
	return "unknown"
}
