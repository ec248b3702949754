package jobs

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"tenant-orchestrator/internal/events"
	"tenant-orchestrator/internal/models"
	"tenant-orchestrator/internal/profile"
	"tenant-orchestrator/internal/store"
	"tenant-orchestrator/internal/telemetry"
)

// Runner drives job state machines. Work on one (wallet, job type) pair is serialized
// and status-change events are published after the lock is released, so a job's
// dependents (itself included) can react without deadlocking.
type Runner struct {
	reg      *Registry
	profiles profile.Factory
	locks    *keyedMutex
	log      *zap.Logger
}

// NewRunner builds a runner over a validated registry.
func NewRunner(reg *Registry, profiles profile.Factory, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{reg: reg, profiles: profiles, locks: newKeyedMutex(), log: log}
}

// Initiate creates a pending job. Only one open job per wallet and type may exist.
func (r *Runner) Initiate(ctx context.Context, walletID string, t models.JobType) (models.Job, error) {
	if _, ok := r.reg.defs[t]; !ok {
		return models.Job{}, fmt.Errorf("%w %q", ErrUnknownJobType, t)
	}
	unlock := r.locks.Lock(lockKey(walletID, t))
	defer unlock()
	return r.create(ctx, walletID, t)
}

// Approve moves a pending job to approved and starts it once its upstream jobs have
// reached the statuses its edges require.
func (r *Runner) Approve(ctx context.Context, jobID string) (models.Job, error) {
	job, err := r.profiles.Store.GetJob(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}
	var out models.Job
	err = r.locked(ctx, job.WalletID, job.Type, func(p *profile.Profile) ([]models.Job, error) {
		job, err := r.profiles.Store.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		out = job
		if job.Status != models.StatusPending {
			return nil, fmt.Errorf("approve job %s in status %s: %w", jobID, job.Status, ErrBackwardTransition)
		}
		fired, err := r.apply(ctx, job, []Transition{{Status: models.StatusApproved, State: "approved"}})
		if err != nil {
			return fired, err
		}
		out = last(fired, out)
		ready, err := r.upstreamSatisfied(ctx, job.WalletID, job.Type)
		if err != nil || !ready {
			return fired, err
		}
		started, err := r.start(ctx, p, out)
		out = last(started, out)
		return append(fired, started...), err
	})
	return out, err
}

// Restart replaces a job in error with a fresh pending job and approves it. It is the
// only way out of the error status.
func (r *Runner) Restart(ctx context.Context, jobID string) (models.Job, error) {
	old, err := r.profiles.Store.GetJob(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}
	if old.Status != models.StatusError {
		return models.Job{}, fmt.Errorf("restart job %s in status %s: %w", jobID, old.Status, ErrNotRestartable)
	}
	fresh, err := r.Initiate(ctx, old.WalletID, old.Type)
	if err != nil {
		return models.Job{}, err
	}
	r.audit(ctx, old.JobID, "restarted", fresh.JobID)
	return r.Approve(ctx, fresh.JobID)
}

// Dispatch routes an event from one of the job type's topics to the handler named by key.
// A missing job is an error; a job that already finished ignores the event.
func (r *Runner) Dispatch(ctx context.Context, walletID string, t models.JobType, key string, ev events.Event) error {
	def, ok := r.reg.defs[t]
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownJobType, t)
	}
	return r.locked(ctx, walletID, t, func(p *profile.Profile) ([]models.Job, error) {
		job, err := p.Store.LatestJob(ctx, walletID, t)
		if err != nil {
			return nil, fmt.Errorf("dispatch %s to %s: %w", ev.Topic, t, err)
		}
		if job.Status.Terminal() {
			p.Log.Debug("event for finished job ignored", zap.String("job_id", job.JobID), zap.String("topic", ev.Topic))
			return nil, nil
		}
		h, ok := def.handler(key)
		if !ok {
			return nil, nil
		}
		return r.handle(ctx, p, job, h, ev)
	})
}

// Trigger reacts to an upstream job reaching edge.Status. An absent dependent is created
// and started, a pending or approved one is started, any other open one gets the
// handler registered for the trigger status.
func (r *Runner) Trigger(ctx context.Context, walletID string, edge Edge, ev events.Event) error {
	def, ok := r.reg.defs[edge.Dependent]
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownJobType, edge.Dependent)
	}
	return r.locked(ctx, walletID, edge.Dependent, func(p *profile.Profile) ([]models.Job, error) {
		job, err := p.Store.LatestJob(ctx, walletID, edge.Dependent)
		switch {
		case errors.Is(err, store.ErrNotFound):
			job, err = r.create(ctx, walletID, edge.Dependent)
			if err != nil {
				return nil, err
			}
			return r.start(ctx, p, job)
		case err != nil:
			return nil, err
		}

		switch job.Status {
		case models.StatusPending, models.StatusApproved:
			return r.start(ctx, p, job)
		case models.StatusCompleted, models.StatusError:
			p.Log.Debug("dependency trigger for finished job ignored",
				zap.String("job_id", job.JobID), zap.String("trigger", string(edge.Trigger)))
			return nil, nil
		}
		h, ok := def.handler(string(edge.Status))
		if !ok {
			return nil, nil
		}
		return r.handle(ctx, p, job, h, ev)
	})
}

func (r *Runner) locked(ctx context.Context, walletID string, t models.JobType, fn func(p *profile.Profile) ([]models.Job, error)) error {
	p := r.profiles.ForWallet(ctx, walletID)
	unlock := r.locks.Lock(lockKey(walletID, t))
	fired, err := fn(p)
	unlock()
	r.fire(ctx, p, fired)
	return err
}

func (r *Runner) create(ctx context.Context, walletID string, t models.JobType) (models.Job, error) {
	job := &models.Job{WalletID: walletID, Type: t, Status: models.StatusPending, Data: map[string]any{}}
	if err := r.profiles.Store.CreateJob(ctx, job); err != nil {
		return models.Job{}, fmt.Errorf("create %s job: %w", t, err)
	}
	r.audit(ctx, job.JobID, "created", string(t))
	r.log.Info("job created", zap.String("job_id", job.JobID), zap.String("wallet_id", walletID), zap.String("job_type", string(t)))
	return *job, nil
}

func (r *Runner) start(ctx context.Context, p *profile.Profile, job models.Job) ([]models.Job, error) {
	ts, err := r.reg.defs[job.Type].Start(ctx, p, job)
	if err != nil {
		return r.fail(ctx, job, "start", err)
	}
	return r.apply(ctx, job, ts)
}

func (r *Runner) handle(ctx context.Context, p *profile.Profile, job models.Job, h HandlerFunc, ev events.Event) ([]models.Job, error) {
	ts, err := h(ctx, p, job, ev)
	if err != nil {
		return r.fail(ctx, job, ev.Topic, err)
	}
	return r.apply(ctx, job, ts)
}

// fail records a failed external call by moving the job to error.
func (r *Runner) fail(ctx context.Context, job models.Job, step string, cause error) ([]models.Job, error) {
	fired, err := r.apply(ctx, job, []Transition{{
		Status: models.StatusError,
		State:  "failed",
		Data:   map[string]any{"error": cause.Error(), "failed_step": step},
	}})
	return fired, multierr.Append(fmt.Errorf("%s job %s %s: %w", job.Type, job.JobID, step, cause), err)
}

// apply persists transitions in order and returns the snapshots whose status changed.
func (r *Runner) apply(ctx context.Context, job models.Job, ts []Transition) ([]models.Job, error) {
	var fired []models.Job
	cur := job
	for _, t := range ts {
		if err := checkTransition(cur.Status, t.Status); err != nil {
			return fired, fmt.Errorf("job %s: %w", cur.JobID, err)
		}
		next := cur
		next.Status = t.Status
		if t.State != "" {
			next.State = t.State
		}
		next.Data = mergeData(cur.Data, t.Data)
		if err := r.profiles.Store.UpdateJob(ctx, next, cur); err != nil {
			return fired, fmt.Errorf("persist job %s: %w", cur.JobID, err)
		}
		r.audit(ctx, cur.JobID, "status:"+string(next.Status), next.State)
		if next.Status != cur.Status {
			telemetry.JobTransitions.WithLabelValues(string(next.Type), string(next.Status)).Inc()
			r.log.Info("job transition",
				zap.String("job_id", next.JobID),
				zap.String("wallet_id", next.WalletID),
				zap.String("job_type", string(next.Type)),
				zap.String("from", string(cur.Status)),
				zap.String("to", string(next.Status)),
				zap.String("state", next.State))
			fired = append(fired, next)
		}
		cur = next
	}
	return fired, nil
}

// fire publishes tenant::EVENT::<job_type> for each status change. Subscriber failures
// are logged by the bus and do not undo the transition.
func (r *Runner) fire(ctx context.Context, p *profile.Profile, jobs []models.Job) {
	for _, job := range jobs {
		err := p.Notify(ctx, string(job.Type), map[string]any{
			"job_id": job.JobID,
			"status": string(job.Status),
			"state":  job.State,
			"data":   job.Data,
		})
		if err != nil {
			r.log.Debug("job event subscribers failed", zap.String("job_id", job.JobID), zap.Error(err))
		}
	}
}

func (r *Runner) upstreamSatisfied(ctx context.Context, walletID string, t models.JobType) (bool, error) {
	for _, e := range r.reg.Upstream(t) {
		up, err := r.profiles.Store.LatestJob(ctx, walletID, e.Trigger)
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if !up.Status.Reached(e.Status) {
			return false, nil
		}
	}
	return true, nil
}

func (r *Runner) audit(ctx context.Context, jobID, event, detail string) {
	if err := r.profiles.Store.AppendAudit(ctx, jobID, event, detail); err != nil {
		r.log.Warn("append job audit", zap.String("job_id", jobID), zap.Error(err))
	}
}

func lockKey(walletID string, t models.JobType) string {
	return walletID + "/" + string(t)
}

func last(jobs []models.Job, fallback models.Job) models.Job {
	if len(jobs) == 0 {
		return fallback
	}
	return jobs[len(jobs)-1]
}
