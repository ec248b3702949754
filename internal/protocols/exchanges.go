package protocols

import (
	"context"

	"tenant-orchestrator/internal/jobs"
	"tenant-orchestrator/internal/models"
	"tenant-orchestrator/internal/profile"
)

// Agent webhook topics for credential exchanges.
const (
	TopicIssueCredential = "issue_credential_v2_0"
	TopicPresentProof    = "present_proof_v2_0"
)

// IssueCredential mirrors issue-credential v2 exchanges and publishes issue_credential.
func IssueCredential() Protocol {
	return Protocol{
		Topic: TopicIssueCredential,
		Record: func(ctx context.Context, p *profile.Profile, payload map[string]any) error {
			id, err := field(payload, "cred_ex_id")
			if err != nil {
				return err
			}
			return p.Store.UpsertCredential(ctx, &models.Credential{
				CredExID:     id,
				WalletID:     p.WalletID,
				ConnectionID: str(payload, "connection_id"),
				Role:         str(payload, "role"),
				State:        str(payload, "state"),
			})
		},
		Hooks: map[string]Hook{
			"abandoned": problemReport("credential exchange"),
		},
		AfterAll: notify("issue_credential"),
	}
}

// PresentProof mirrors present-proof v2 exchanges and publishes present_proof.
func PresentProof() Protocol {
	return Protocol{
		Topic: TopicPresentProof,
		Record: func(ctx context.Context, p *profile.Profile, payload map[string]any) error {
			id, err := field(payload, "pres_ex_id")
			if err != nil {
				return err
			}
			return p.Store.UpsertPresentation(ctx, &models.Presentation{
				PresExID:     id,
				WalletID:     p.WalletID,
				ConnectionID: str(payload, "connection_id"),
				Role:         str(payload, "role"),
				State:        str(payload, "state"),
				Verified:     str(payload, "verified"),
			})
		},
		Hooks: map[string]Hook{
			"abandoned": problemReport("presentation exchange"),
		},
		AfterAll: notify("present_proof"),
	}
}

// EndorseTransaction publishes endorsement progress for the public DID job. There is no
// local record; the job keeps the transaction id.
func EndorseTransaction() Protocol {
	return Protocol{
		Topic: jobs.TopicEndorseTransaction,
		Record: func(_ context.Context, _ *profile.Profile, payload map[string]any) error {
			_, err := field(payload, "transaction_id")
			return err
		},
		AfterAll: notify(jobs.TopicEndorseTransaction),
	}
}
