// Package protocols mirrors agent protocol callbacks into wallet records and turns them
// into tenant events.
package protocols

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"tenant-orchestrator/internal/events"
	"tenant-orchestrator/internal/profile"
)

// ErrMissingField marks a callback that lacks an identifying field. The event is dropped.
var ErrMissingField = errors.New("missing field")

// Hook runs against one callback payload.
type Hook func(ctx context.Context, p *profile.Profile, payload map[string]any) error

// Protocol binds hooks to one agent webhook topic. For every callback Record runs first,
// then the hook for the payload's state, then AfterAll. A Record failure drops the
// callback; the state hook and AfterAll both run and their errors are combined. Hooks
// set fields to the values carried by the callback so redelivery is harmless.
type Protocol struct {
	Topic      string
	StateField string
	Record     Hook
	Hooks      map[string]Hook
	AfterAll   Hook
}

// Register subscribes each protocol on agent::WEBHOOK::<topic> and on the suffixed
// agent::WEBHOOK::<topic>::<suffix> form.
func Register(bus *events.Bus, profiles profile.Factory, protocols ...Protocol) {
	for _, pr := range protocols {
		h := pr.handler(profiles)
		topic := events.AgentTopic(pr.Topic)
		bus.Subscribe(topic, "protocol:"+pr.Topic, h)
		bus.Subscribe(topic+"::*", "protocol:"+pr.Topic, h)
	}
}

func (pr Protocol) handler(profiles profile.Factory) events.Handler {
	stateField := pr.StateField
	if stateField == "" {
		stateField = "state"
	}
	hooks := make(map[string]Hook, len(pr.Hooks))
	for k, h := range pr.Hooks {
		hooks[strings.ToLower(k)] = h
	}
	return func(ctx context.Context, ev events.Event) error {
		walletID := ev.WalletID
		if walletID == "" {
			walletID = str(ev.Payload, "wallet_id")
		}
		if walletID == "" {
			return fmt.Errorf("%s callback: wallet_id: %w", pr.Topic, ErrMissingField)
		}
		p := profiles.ForWallet(ctx, walletID)
		state := strings.ToLower(str(ev.Payload, stateField))
		p.Log.Debug("protocol callback", zap.String("topic", pr.Topic), zap.String("state", state))

		if pr.Record != nil {
			if err := pr.Record(ctx, p, ev.Payload); err != nil {
				return fmt.Errorf("%s callback in state %q: %w", pr.Topic, state, err)
			}
		}
		var errs error
		for _, h := range []Hook{hooks[state], pr.AfterAll} {
			if h != nil {
				errs = multierr.Append(errs, h(ctx, p, ev.Payload))
			}
		}
		if errs != nil {
			return fmt.Errorf("%s callback in state %q: %w", pr.Topic, state, errs)
		}
		return nil
	}
}

// notify re-publishes the callback as tenant::EVENT::<topic>.
func notify(topic string) Hook {
	return func(ctx context.Context, p *profile.Profile, payload map[string]any) error {
		return p.Notify(ctx, topic, payload)
	}
}

// problemReport logs the agent's error message for failed exchanges.
func problemReport(kind string) Hook {
	return func(_ context.Context, p *profile.Profile, payload map[string]any) error {
		p.Log.Warn(kind+" failed", zap.String("error_msg", str(payload, "error_msg")))
		return nil
	}
}

func str(payload map[string]any, key string) string {
	s, _ := payload[key].(string)
	return s
}

func field(payload map[string]any, key string) (string, error) {
	v := str(payload, key)
	if v == "" {
		return "", fmt.Errorf("%s: %w", key, ErrMissingField)
	}
	return v, nil
}

// All returns every protocol this service understands.
func All(endorserAlias string) []Protocol {
	return []Protocol{
		Connections(endorserAlias),
		IssueCredential(),
		PresentProof(),
		EndorseTransaction(),
	}
}
