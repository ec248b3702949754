package protocols

import (
	"context"

	"go.uber.org/multierr"

	"tenant-orchestrator/internal/jobs"
	"tenant-orchestrator/internal/models"
	"tenant-orchestrator/internal/profile"
)

// TopicConnections is the agent connection callback topic.
const TopicConnections = "connections"

// Connections mirrors connection records into contacts. Callbacks for the connection
// aliased endorserAlias are also published as endorser_connection.
func Connections(endorserAlias string) Protocol {
	return Protocol{
		Topic: TopicConnections,
		Record: func(ctx context.Context, p *profile.Profile, payload map[string]any) error {
			connID, err := field(payload, "connection_id")
			if err != nil {
				return err
			}
			return p.Store.UpsertContact(ctx, &models.Contact{
				ConnectionID: connID,
				WalletID:     p.WalletID,
				Alias:        str(payload, "alias"),
				TheirLabel:   str(payload, "their_label"),
				TheirDID:     str(payload, "their_did"),
				Role:         str(payload, "their_role"),
				State:        str(payload, "state"),
			})
		},
		Hooks: map[string]Hook{
			"abandoned": problemReport("connection"),
		},
		AfterAll: func(ctx context.Context, p *profile.Profile, payload map[string]any) error {
			err := p.Notify(ctx, TopicConnections, payload)
			if endorserAlias != "" && str(payload, "alias") == endorserAlias {
				err = multierr.Append(err, p.Notify(ctx, jobs.TopicEndorserConnection, payload))
			}
			return err
		},
	}
}
