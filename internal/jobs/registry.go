package jobs

import (
	"context"
	"fmt"

	"tenant-orchestrator/internal/events"
	"tenant-orchestrator/internal/models"
)

// Edge starts or notifies Dependent when Trigger reaches Status for the same wallet.
type Edge struct {
	Dependent models.JobType
	Trigger   models.JobType
	Status    models.JobStatus
}

func (e Edge) String() string {
	return fmt.Sprintf("%s<-%s@%s", e.Dependent, e.Trigger, e.Status)
}

// DefaultEdges chains endorser -> public_did -> issuer. The endorser self-loop lets the
// endorser job observe its own activation.
var DefaultEdges = []Edge{
	{Dependent: models.JobTypePublicDID, Trigger: models.JobTypeEndorser, Status: models.StatusActive},
	{Dependent: models.JobTypeIssuer, Trigger: models.JobTypePublicDID, Status: models.StatusActive},
	{Dependent: models.JobTypeEndorser, Trigger: models.JobTypeEndorser, Status: models.StatusActive},
}

// Registry holds the job definitions and the dependency graph between them.
type Registry struct {
	defs  map[models.JobType]Definition
	order []models.JobType
	edges []Edge
}

// NewRegistry validates definitions and edges. Every returned error wraps ErrConfig.
func NewRegistry(defs []Definition, edges []Edge) (*Registry, error) {
	reg := &Registry{defs: make(map[models.JobType]Definition, len(defs))}
	for _, d := range defs {
		if d.Type == "" {
			return nil, fmt.Errorf("%w: job definition without type", ErrConfig)
		}
		if _, dup := reg.defs[d.Type]; dup {
			return nil, fmt.Errorf("%w: duplicate job type %q", ErrConfig, d.Type)
		}
		if d.Start == nil {
			return nil, fmt.Errorf("%w: job type %q has no start function", ErrConfig, d.Type)
		}
		reg.defs[d.Type] = normalize(d)
		reg.order = append(reg.order, d.Type)
	}
	for _, e := range edges {
		if _, ok := reg.defs[e.Dependent]; !ok {
			return nil, fmt.Errorf("%w %q in edge %s", ErrUnknownJobType, e.Dependent, e)
		}
		if _, ok := reg.defs[e.Trigger]; !ok {
			return nil, fmt.Errorf("%w %q in edge %s", ErrUnknownJobType, e.Trigger, e)
		}
		if e.Status.Rank() < 0 {
			return nil, fmt.Errorf("%w: edge %s triggers on non-forward status", ErrConfig, e)
		}
		if _, ok := reg.defs[e.Dependent].handler(string(e.Status)); !ok {
			return nil, fmt.Errorf("%w: job type %q has no handler for %q required by edge %s", ErrConfig, e.Dependent, e.Status, e)
		}
		reg.edges = append(reg.edges, e)
	}
	if err := reg.checkCycles(); err != nil {
		return nil, err
	}
	return reg, nil
}

// Types lists registered job types in registration order.
func (r *Registry) Types() []models.JobType {
	return append([]models.JobType(nil), r.order...)
}

// Upstream lists the edges a job type waits on, excluding self-loops.
func (r *Registry) Upstream(t models.JobType) []Edge {
	var out []Edge
	for _, e := range r.edges {
		if e.Dependent == t && e.Trigger != t {
			out = append(out, e)
		}
	}
	return out
}

// checkCycles rejects cycles between distinct job types; self-loops are allowed.
func (r *Registry) checkCycles() error {
	const (
		unvisited = iota
		visiting
		done
	)
	next := make(map[models.JobType][]models.JobType)
	for _, e := range r.edges {
		if e.Trigger != e.Dependent {
			next[e.Trigger] = append(next[e.Trigger], e.Dependent)
		}
	}
	mark := make(map[models.JobType]int, len(r.defs))
	var visit func(t models.JobType, path []models.JobType) error
	visit = func(t models.JobType, path []models.JobType) error {
		switch mark[t] {
		case visiting:
			return fmt.Errorf("%w: dependency cycle %v", ErrConfig, append(path, t))
		case done:
			return nil
		}
		mark[t] = visiting
		for _, d := range next[t] {
			if err := visit(d, append(path, t)); err != nil {
				return err
			}
		}
		mark[t] = done
		return nil
	}
	for _, t := range r.order {
		if err := visit(t, nil); err != nil {
			return err
		}
	}
	return nil
}

// Wire subscribes the runner to the bus: one handler per edge on the trigger's
// tenant::EVENT topic, and one per job topic routing payload "state" to the job.
func (r *Runner) Wire(bus *events.Bus) {
	for _, e := range r.reg.edges {
		edge := e
		bus.Subscribe(events.TenantTopic(string(edge.Trigger)), "edge:"+edge.String(), func(ctx context.Context, ev events.Event) error {
			status, ok := models.ParseJobStatus(payloadString(ev.Payload, "status"))
			if !ok || status != edge.Status {
				return nil
			}
			return r.Trigger(ctx, walletOf(ev), edge, ev)
		})
	}
	for _, t := range r.reg.order {
		jobType := t
		for _, topic := range r.reg.defs[jobType].Topics {
			bus.Subscribe(events.TenantTopic(topic), "job:"+string(jobType)+":"+topic, func(ctx context.Context, ev events.Event) error {
				key := payloadString(ev.Payload, "state")
				if key == "" {
					return nil
				}
				return r.Dispatch(ctx, walletOf(ev), jobType, key, ev)
			})
		}
	}
}

func walletOf(ev events.Event) string {
	if ev.WalletID != "" {
		return ev.WalletID
	}
	return payloadString(ev.Payload, "wallet_id")
}
