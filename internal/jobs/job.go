// Package jobs runs the per-wallet workflow state machines and the dependency graph
// that chains them.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"

	"tenant-orchestrator/internal/events"
	"tenant-orchestrator/internal/models"
	"tenant-orchestrator/internal/profile"
)

var (
	// ErrBackwardTransition rejects a status regression.
	ErrBackwardTransition = errors.New("backward status transition")
	// ErrTerminal rejects changes to completed or errored jobs.
	ErrTerminal = errors.New("job is terminal")
	// ErrNotRestartable rejects restarting a job that is not in error.
	ErrNotRestartable = errors.New("only errored jobs restart")
	// ErrConfig marks an invalid job graph; it is fatal at startup.
	ErrConfig = errors.New("invalid job configuration")
	// ErrUnknownJobType is a configuration error naming a job type with no definition.
	ErrUnknownJobType = fmt.Errorf("%w: unknown job type", ErrConfig)
)

// Transition is one persisted step. An empty State keeps the current sub-state and Data
// is merged into the job's data.
type Transition struct {
	Status models.JobStatus
	State  string
	Data   map[string]any
}

// StartFunc issues the first external call of a job.
type StartFunc func(ctx context.Context, p *profile.Profile, job models.Job) ([]Transition, error)

// HandlerFunc reacts to an event aimed at a job. Returning no transitions ignores the event.
type HandlerFunc func(ctx context.Context, p *profile.Profile, job models.Job, ev events.Event) ([]Transition, error)

// Definition describes one job type.
type Definition struct {
	Type  models.JobType
	Start StartFunc
	// Handlers is keyed by status or protocol state name; lookup is case-insensitive.
	Handlers map[string]HandlerFunc
	// Topics are tenant event names whose payload "state" is routed to Handlers.
	Topics []string
}

func (d Definition) handler(key string) (HandlerFunc, bool) {
	h, ok := d.Handlers[strings.ToLower(key)]
	return h, ok
}

func normalize(d Definition) Definition {
	handlers := make(map[string]HandlerFunc, len(d.Handlers))
	for k, h := range d.Handlers {
		handlers[strings.ToLower(k)] = h
	}
	d.Handlers = handlers
	return d
}

func checkTransition(from, to models.JobStatus) error {
	if from.Terminal() {
		return fmt.Errorf("%w: %s", ErrTerminal, from)
	}
	if _, ok := models.ParseJobStatus(string(to)); !ok {
		return fmt.Errorf("unknown status %q", to)
	}
	if to == models.StatusError {
		return nil
	}
	if to.Rank() < from.Rank() {
		return fmt.Errorf("%w: %s -> %s", ErrBackwardTransition, from, to)
	}
	return nil
}

func mergeData(cur, add map[string]any) map[string]any {
	out := maps.Clone(cur)
	if out == nil {
		out = make(map[string]any, len(add))
	}
	for k, v := range add {
		out[k] = v
	}
	return out
}

func ignore(context.Context, *profile.Profile, models.Job, events.Event) ([]Transition, error) {
	return nil, nil
}

func payloadString(payload map[string]any, key string) string {
	s, _ := payload[key].(string)
	return s
}
