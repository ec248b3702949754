package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"tenant-orchestrator/internal/events"
)

// Forwarder posts selected agent webhooks on to the owning tenant.
type Forwarder struct {
	dispatcher *Dispatcher
	topics     map[string]struct{}
	log        *zap.Logger
}

// NewForwarder forwards the named agent topics.
func NewForwarder(d *Dispatcher, topics []string, log *zap.Logger) *Forwarder {
	if log == nil {
		log = zap.NewNop()
	}
	set := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		set[t] = struct{}{}
	}
	return &Forwarder{dispatcher: d, topics: set, log: log}
}

// Subscribe registers the forwarder on agent::WEBHOOK::*.
func (f *Forwarder) Subscribe(bus *events.Bus) {
	bus.Subscribe(events.AgentTopic("*"), "webhook-forwarder", f.Handle)
}

// Handle forwards ev if its topic is selected. Wallets without a webhook URL are skipped.
func (f *Forwarder) Handle(ctx context.Context, ev events.Event) error {
	topic, err := events.ParseTopic(ev.Topic)
	if err != nil {
		return err
	}
	if _, ok := f.topics[topic.Name]; !ok || ev.WalletID == "" {
		return nil
	}
	body, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", topic.Name, err)
	}
	msg, err := f.dispatcher.PostTenantWebhook(ctx, topic.Name, body, ev.WalletID)
	if errors.Is(err, ErrNoWebhookURL) {
		f.log.Debug("no tenant webhook registered", zap.String("wallet_id", ev.WalletID), zap.String("topic", topic.Name))
		return nil
	}
	if err != nil {
		return err
	}
	f.log.Debug("tenant webhook forwarded",
		zap.String("msg_id", msg.MsgID),
		zap.String("state", msg.State),
		zap.Int("sequence", msg.Sequence))
	return nil
}
