// Package webhook delivers agent events to tenant-registered URLs and keeps the attempt
// history of every message.
package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tenant-orchestrator/internal/config"
	"tenant-orchestrator/internal/models"
	"tenant-orchestrator/internal/queue"
	"tenant-orchestrator/internal/store"
	"tenant-orchestrator/internal/telemetry"
)

// ErrNoWebhookURL is returned when the wallet's tenant has not registered a webhook URL.
var ErrNoWebhookURL = errors.New("tenant has no webhook url")

const maxResponseBytes = 1024

// Store is the persistence the dispatcher needs.
type Store interface {
	store.TenantStore
	store.WebhookStore
}

// Scheduler queues a future delivery attempt.
type Scheduler interface {
	Schedule(ctx context.Context, e queue.Entry, runAt time.Time) error
}

// DeadLetters records abandoned message ids.
type DeadLetters interface {
	DLQPush(ctx context.Context, msgID string) error
}

// Archiver stores the full attempt history of an abandoned message.
type Archiver interface {
	Archive(ctx context.Context, history []models.TenantWebhookMessage) (string, error)
}

// Options bound delivery.
type Options struct {
	Timeout        time.Duration
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// OptionsFromConfig copies the webhook settings out of cfg.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Timeout:        cfg.WebhookTimeout,
		MaxAttempts:    cfg.WebhookMaxAttempts,
		BackoffInitial: cfg.BackoffInitial,
		BackoffMax:     cfg.BackoffMax,
	}
}

// Dispatcher posts tenant webhooks. Each attempt is one row keyed by (msg_id, sequence):
// a failed attempt is closed as ERROR and followed by a NEW row with the next sequence
// until MaxAttempts, after which the last row is closed as ABANDONED.
type Dispatcher struct {
	store    Store
	client   *http.Client
	sched    Scheduler
	dlq      DeadLetters
	archiver Archiver
	opts     Options
	log      *zap.Logger

	now     func() time.Time
	backoff func(attempt int) time.Duration
}

// NewDispatcher builds a dispatcher. sched may be nil, leaving NEW rows for Resender.Recover.
func NewDispatcher(st Store, sched Scheduler, opts Options, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	d := &Dispatcher{
		store:  st,
		client: &http.Client{Timeout: opts.Timeout},
		sched:  sched,
		opts:   opts,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
	}
	d.backoff = func(attempt int) time.Duration {
		return backoffWithJitter(opts.BackoffInitial, opts.BackoffMax, attempt)
	}
	return d
}

// WithAbandonment sets where abandoned messages are recorded. Either may be nil.
func (d *Dispatcher) WithAbandonment(dlq DeadLetters, archiver Archiver) *Dispatcher {
	d.dlq = dlq
	d.archiver = archiver
	return d
}

// PostTenantWebhook records a new message for walletID's tenant and attempts delivery.
// It returns the latest row for the message.
func (d *Dispatcher) PostTenantWebhook(ctx context.Context, topic string, payload []byte, walletID string) (models.TenantWebhookMessage, error) {
	tenant, err := d.tenant(ctx, walletID)
	if err != nil {
		return models.TenantWebhookMessage{}, err
	}
	msg := models.TenantWebhookMessage{
		MsgID:    uuid.New().String(),
		WalletID: walletID,
		Topic:    topic,
		Payload:  payload,
		State:    models.WebhookStateNew,
		Sequence: 1,
	}
	if err := d.store.CreateWebhookMessage(ctx, &msg); err != nil {
		return models.TenantWebhookMessage{}, fmt.Errorf("create webhook message: %w", err)
	}
	return d.Deliver(ctx, msg, tenant)
}

// Redeliver attempts the row for e again if it is still the message's open attempt.
// Stale entries are skipped and reported as not attempted.
func (d *Dispatcher) Redeliver(ctx context.Context, e queue.Entry) (models.TenantWebhookMessage, bool, error) {
	msg, err := d.store.LatestWebhookMessage(ctx, e.MsgID)
	if errors.Is(err, store.ErrNotFound) {
		return models.TenantWebhookMessage{}, false, nil
	}
	if err != nil {
		return models.TenantWebhookMessage{}, false, err
	}
	if msg.Sequence != e.Sequence || msg.State != models.WebhookStateNew {
		return msg, false, nil
	}
	tenant, err := d.tenant(ctx, msg.WalletID)
	if errors.Is(err, ErrNoWebhookURL) {
		msg.Response = err.Error()
		err = d.abandon(context.WithoutCancel(ctx), &msg)
		return msg, true, err
	}
	if err != nil {
		return msg, false, err
	}
	out, err := d.Deliver(ctx, msg, tenant)
	return out, true, err
}

// Deliver attempts msg, which must be a persisted NEW row, and records the outcome.
// The outcome is recorded even when ctx is cancelled during the attempt.
func (d *Dispatcher) Deliver(ctx context.Context, msg models.TenantWebhookMessage, tenant models.Tenant) (models.TenantWebhookMessage, error) {
	persist := context.WithoutCancel(ctx)
	log := d.log.With(
		zap.String("msg_id", msg.MsgID),
		zap.Int("sequence", msg.Sequence),
		zap.String("wallet_id", msg.WalletID),
		zap.String("topic", msg.Topic))

	code, body, sendErr := d.send(ctx, msg, tenant)
	if code != 0 {
		msg.ResponseCode = &code
	}
	msg.NextAttemptAt = nil

	if sendErr == nil {
		msg.State = models.WebhookStateOK
		msg.Response = body
		if err := d.store.UpdateWebhookMessage(persist, &msg); err != nil {
			return msg, fmt.Errorf("record delivery: %w", err)
		}
		telemetry.WebhookDeliveries.WithLabelValues("ok").Inc()
		log.Debug("webhook delivered", zap.Int("status", code))
		return msg, nil
	}

	msg.Response = sendErr.Error()
	if msg.Sequence >= d.opts.MaxAttempts {
		log.Warn("webhook abandoned", zap.Error(sendErr))
		return msg, d.abandon(persist, &msg)
	}

	msg.State = models.WebhookStateError
	if err := d.store.UpdateWebhookMessage(persist, &msg); err != nil {
		return msg, fmt.Errorf("record failed delivery: %w", err)
	}
	telemetry.WebhookDeliveries.WithLabelValues("error").Inc()

	runAt := d.now().Add(d.backoff(msg.Sequence))
	next := models.TenantWebhookMessage{
		MsgID:         msg.MsgID,
		WalletID:      msg.WalletID,
		Topic:         msg.Topic,
		Payload:       msg.Payload,
		State:         models.WebhookStateNew,
		Sequence:      msg.Sequence + 1,
		NextAttemptAt: &runAt,
	}
	if err := d.store.CreateWebhookMessage(persist, &next); err != nil {
		return msg, fmt.Errorf("create retry row: %w", err)
	}
	log.Info("webhook delivery failed, retry scheduled",
		zap.Error(sendErr),
		zap.Int("next_sequence", next.Sequence),
		zap.Time("next_attempt_at", runAt))
	if d.sched != nil {
		if err := d.sched.Schedule(persist, queue.Entry{MsgID: next.MsgID, Sequence: next.Sequence}, runAt); err != nil {
			// The resender's reconcile pass schedules the NEW row.
			log.Warn("schedule webhook retry", zap.Error(err))
		}
	}
	return next, nil
}

func (d *Dispatcher) send(ctx context.Context, msg models.TenantWebhookMessage, tenant models.Tenant) (int, string, error) {
	if d.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.Timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tenant.WebhookURL, bytes.NewReader(msg.Payload))
	if err != nil {
		return 0, "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Topic", msg.Topic)
	req.Header.Set("X-Webhook-Id", msg.MsgID)
	req.Header.Set("X-Webhook-Sequence", strconv.Itoa(msg.Sequence))
	if tenant.WebhookAPIKey != "" {
		req.Header.Set("X-API-Key", tenant.WebhookAPIKey)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, string(raw), fmt.Errorf("tenant webhook returned %d: %s", resp.StatusCode, raw)
	}
	return resp.StatusCode, string(raw), nil
}

// abandon closes msg as the final attempt and hands its history to the dead-letter sinks.
func (d *Dispatcher) abandon(ctx context.Context, msg *models.TenantWebhookMessage) error {
	msg.State = models.WebhookStateAbandoned
	msg.NextAttemptAt = nil
	if err := d.store.UpdateWebhookMessage(ctx, msg); err != nil {
		return fmt.Errorf("record abandoned message: %w", err)
	}
	telemetry.WebhookDeliveries.WithLabelValues("abandoned").Inc()
	telemetry.WebhookAbandoned.Inc()

	log := d.log.With(zap.String("msg_id", msg.MsgID), zap.String("wallet_id", msg.WalletID))
	if d.dlq != nil {
		if err := d.dlq.DLQPush(ctx, msg.MsgID); err != nil {
			log.Warn("dead-letter abandoned message", zap.Error(err))
		}
	}
	if d.archiver != nil {
		history, err := d.store.ListWebhookMessages(ctx, msg.MsgID)
		if err != nil {
			log.Warn("load abandoned message history", zap.Error(err))
			return nil
		}
		location, err := d.archiver.Archive(ctx, history)
		if err != nil {
			log.Warn("archive abandoned message", zap.Error(err))
			return nil
		}
		log.Info("abandoned message archived", zap.String("location", location))
	}
	return nil
}

func (d *Dispatcher) tenant(ctx context.Context, walletID string) (models.Tenant, error) {
	tenant, err := d.store.GetTenantByWallet(ctx, walletID)
	if errors.Is(err, store.ErrNotFound) {
		return models.Tenant{}, fmt.Errorf("wallet %s: %w", walletID, ErrNoWebhookURL)
	}
	if err != nil {
		return models.Tenant{}, err
	}
	if tenant.WebhookURL == "" {
		return models.Tenant{}, fmt.Errorf("wallet %s: %w", walletID, ErrNoWebhookURL)
	}
	return tenant, nil
}
