package jobs

import (
	"context"
	"fmt"

	"tenant-orchestrator/internal/agent"
	"tenant-orchestrator/internal/events"
	"tenant-orchestrator/internal/models"
	"tenant-orchestrator/internal/profile"
)

// TopicEndorseTransaction carries endorsement transaction state changes.
const TopicEndorseTransaction = "endorse_transaction"

// PublicDID registers a DID on the ledger through the endorser connection. It is
// active once the endorsed transaction is acknowledged.
func PublicDID(client agent.Client) Definition {
	return Definition{
		Type: models.JobTypePublicDID,
		Start: func(ctx context.Context, p *profile.Profile, job models.Job) ([]Transition, error) {
			endorser, err := p.Store.LatestJob(ctx, p.WalletID, models.JobTypeEndorser)
			if err != nil {
				return nil, fmt.Errorf("find endorser connection: %w", err)
			}
			connID, _ := endorser.Data["connection_id"].(string)
			if connID == "" {
				return nil, fmt.Errorf("endorser job %s has no connection", endorser.JobID)
			}
			reg, err := client.RegisterPublicDID(ctx, p.WalletID, connID)
			if err != nil {
				return nil, err
			}
			return []Transition{{
				Status: models.StatusProcessing,
				State:  "transaction_requested",
				Data: map[string]any{
					"did":            reg.DID,
					"verkey":         reg.Verkey,
					"transaction_id": reg.TransactionID,
				},
			}}, nil
		},
		Handlers: map[string]HandlerFunc{
			// Re-activation of the endorser after the DID request went out needs nothing.
			"active":                ignore,
			"transaction_endorsed":  onTransaction(models.StatusProcessing),
			"transaction_acked":     onTransaction(models.StatusActive),
			"transaction_refused":   onTransaction(models.StatusError),
			"transaction_cancelled": onTransaction(models.StatusError),
		},
		Topics: []string{TopicEndorseTransaction},
	}
}

func onTransaction(status models.JobStatus) HandlerFunc {
	return func(_ context.Context, _ *profile.Profile, job models.Job, ev events.Event) ([]Transition, error) {
		txID := payloadString(ev.Payload, "transaction_id")
		if txID == "" || txID != job.Data["transaction_id"] {
			return nil, nil
		}
		if status != models.StatusError && status.Rank() < job.Status.Rank() {
			return nil, nil
		}
		return []Transition{{Status: status, State: payloadString(ev.Payload, "state")}}, nil
	}
}
