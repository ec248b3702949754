package webhook

import (
	"context"
	"time"

	"go.uber.org/zap"

	"tenant-orchestrator/internal/queue"
	"tenant-orchestrator/internal/ratelimit"
	"tenant-orchestrator/internal/store"
	"tenant-orchestrator/internal/telemetry"
)

// RetryQueue is the schedule of pending attempts.
type RetryQueue interface {
	Scheduler
	ScheduleIfAbsent(ctx context.Context, e queue.Entry, runAt time.Time) (bool, error)
	ClaimDue(ctx context.Context, now time.Time, limit int64) ([]queue.Entry, error)
	Ack(ctx context.Context, e queue.Entry) error
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]queue.Entry, error)
	Depth(ctx context.Context) (int64, error)
}

// Throttle limits redelivery per wallet.
type Throttle interface {
	Allow(ctx context.Context, walletID string) (ratelimit.Decision, error)
}

// defaultReconcileEvery is how many polls pass between reconcile passes.
const defaultReconcileEvery = 30

// Resender redelivers NEW rows when their retry comes due. Every reconcileEvery polls
// it also schedules overdue NEW rows that are missing from the schedule.
type Resender struct {
	queue          RetryQueue
	dispatcher     *Dispatcher
	messages       store.WebhookStore
	throttle       Throttle
	poll           time.Duration
	batch          int
	reconcileEvery int
	grace          time.Duration
	passes         int
	log            *zap.Logger
	now            func() time.Time
}

// NewResender builds a resender. throttle may be nil.
func NewResender(q RetryQueue, d *Dispatcher, messages store.WebhookStore, throttle Throttle, poll time.Duration, batch int, log *zap.Logger) *Resender {
	if log == nil {
		log = zap.NewNop()
	}
	if poll <= 0 {
		poll = time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	grace := 2 * d.opts.Timeout
	if grace < poll {
		grace = poll
	}
	return &Resender{
		queue:          q,
		dispatcher:     d,
		messages:       messages,
		throttle:       throttle,
		poll:           poll,
		batch:          batch,
		reconcileEvery: defaultReconcileEvery,
		grace:          grace,
		log:            log,
		now:            time.Now,
	}
}

// Recover schedules every NEW row found in the store, so retries survive a lost schedule.
func (r *Resender) Recover(ctx context.Context) (int, error) {
	pending, err := r.messages.ListPendingWebhookMessages(ctx, 0)
	if err != nil {
		return 0, err
	}
	for _, msg := range pending {
		runAt := r.now()
		if msg.NextAttemptAt != nil {
			runAt = *msg.NextAttemptAt
		}
		if err := r.queue.Schedule(ctx, queue.Entry{MsgID: msg.MsgID, Sequence: msg.Sequence}, runAt); err != nil {
			return 0, err
		}
	}
	if len(pending) > 0 {
		r.log.Info("recovered pending webhook messages", zap.Int("count", len(pending)))
	}
	return len(pending), nil
}

// reconcile schedules NEW rows whose attempt is overdue by more than the grace period
// and that are neither scheduled nor leased. Rows younger than the grace period may
// still have a delivery in flight.
func (r *Resender) reconcile(ctx context.Context) (int, error) {
	pending, err := r.messages.ListPendingWebhookMessages(ctx, 0)
	if err != nil {
		return 0, err
	}
	cutoff := r.now().Add(-r.grace)
	added := 0
	for _, msg := range pending {
		due := msg.CreatedAt
		if msg.NextAttemptAt != nil {
			due = *msg.NextAttemptAt
		}
		if due.After(cutoff) {
			continue
		}
		ok, err := r.queue.ScheduleIfAbsent(ctx, queue.Entry{MsgID: msg.MsgID, Sequence: msg.Sequence}, due)
		if err != nil {
			return added, err
		}
		if ok {
			added++
		}
	}
	return added, nil
}

// Run polls the schedule until ctx is cancelled.
func (r *Resender) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()
	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.log.Warn("webhook resend pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce handles every entry due now and returns how many deliveries were attempted.
func (r *Resender) RunOnce(ctx context.Context) (int, error) {
	if r.passes%r.reconcileEvery == 0 {
		if n, err := r.reconcile(ctx); err != nil {
			r.log.Warn("reconcile pending webhook messages", zap.Error(err))
		} else if n > 0 {
			r.log.Info("scheduled stranded webhook messages", zap.Int("count", n))
		}
	}
	r.passes++

	now := r.now()
	if reclaimed, err := r.queue.RequeueExpired(ctx, now, int64(r.batch)); err == nil && len(reclaimed) > 0 {
		r.log.Info("reclaimed expired webhook leases", zap.Int("count", len(reclaimed)))
	}
	if depth, err := r.queue.Depth(ctx); err == nil {
		telemetry.ScheduledRetries.Set(float64(depth))
	}

	due, err := r.queue.ClaimDue(ctx, now, int64(r.batch))
	if err != nil {
		return 0, err
	}
	attempted := 0
	for _, e := range due {
		if ctx.Err() != nil {
			return attempted, ctx.Err()
		}
		if r.process(ctx, e) {
			attempted++
		}
	}
	return attempted, nil
}

func (r *Resender) process(ctx context.Context, e queue.Entry) bool {
	log := r.log.With(zap.String("msg_id", e.MsgID), zap.Int("sequence", e.Sequence))
	defer func() {
		if err := r.queue.Ack(ctx, e); err != nil {
			log.Warn("ack webhook retry", zap.Error(err))
		}
	}()

	if r.throttle != nil {
		msg, err := r.messages.LatestWebhookMessage(ctx, e.MsgID)
		if err == nil {
			d, err := r.throttle.Allow(ctx, msg.WalletID)
			if err != nil {
				log.Warn("rate limiter unavailable, delivering anyway", zap.Error(err))
			} else if !d.Allowed {
				telemetry.RetryThrottled.Inc()
				if err := r.queue.Schedule(ctx, e, r.now().Add(d.RetryAfter)); err != nil {
					log.Warn("reschedule throttled retry", zap.Error(err))
				}
				return false
			}
		}
	}

	_, attempted, err := r.dispatcher.Redeliver(ctx, e)
	if err != nil {
		log.Error("redeliver webhook", zap.Error(err))
	}
	return attempted
}
