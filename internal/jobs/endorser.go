package jobs

import (
	"context"
	"encoding/json"
	"errors"

	"tenant-orchestrator/internal/agent"
	"tenant-orchestrator/internal/events"
	"tenant-orchestrator/internal/models"
	"tenant-orchestrator/internal/profile"
)

// TopicEndorserConnection carries connection state changes for the endorser connection.
const TopicEndorserConnection = "endorser_connection"

// EndorserOptions name and locate the endorser the tenant connects to.
type EndorserOptions struct {
	Alias      string
	Invitation json.RawMessage
}

// Endorser connects the wallet to the endorser. It is active once the connection is.
func Endorser(client agent.Client, opts EndorserOptions) Definition {
	processing := onEndorserConnection(models.StatusProcessing)
	active := onEndorserConnection(models.StatusActive)
	failed := onEndorserConnection(models.StatusError)
	return Definition{
		Type: models.JobTypeEndorser,
		Start: func(ctx context.Context, p *profile.Profile, job models.Job) ([]Transition, error) {
			if len(opts.Invitation) == 0 {
				return nil, errors.New("endorser invitation is not configured")
			}
			conn, err := client.ReceiveInvitation(ctx, p.WalletID, opts.Alias, opts.Invitation)
			if err != nil {
				return nil, err
			}
			state := conn.State
			if state == "" {
				state = "invitation"
			}
			return []Transition{{
				Status: models.StatusProcessing,
				State:  state,
				Data:   map[string]any{"connection_id": conn.ConnectionID, "endorser_alias": opts.Alias},
			}}, nil
		},
		Handlers: map[string]HandlerFunc{
			"invitation": processing,
			"request":    processing,
			"response":   processing,
			"active":     active,
			"completed":  active,
			"abandoned":  failed,
			"error":      failed,
		},
		Topics: []string{TopicEndorserConnection},
	}
}

// onEndorserConnection ignores events for other connections and late events that would
// move the job backwards. The endorser's own activation event carries no connection_id
// and is ignored here.
func onEndorserConnection(status models.JobStatus) HandlerFunc {
	return func(_ context.Context, _ *profile.Profile, job models.Job, ev events.Event) ([]Transition, error) {
		connID := payloadString(ev.Payload, "connection_id")
		if connID == "" || connID != job.Data["connection_id"] {
			return nil, nil
		}
		if status != models.StatusError && status.Rank() < job.Status.Rank() {
			return nil, nil
		}
		return []Transition{{Status: status, State: payloadString(ev.Payload, "state")}}, nil
	}
}
