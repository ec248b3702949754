package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tenant-orchestrator/internal/agent"
	"tenant-orchestrator/internal/models"
	"tenant-orchestrator/internal/profile"
	"tenant-orchestrator/internal/store"
)

// Issuer promotes the wallet's public DID to issuer and records it on the tenant.
func Issuer(client agent.Client) Definition {
	return Definition{
		Type: models.JobTypeIssuer,
		Start: func(ctx context.Context, p *profile.Profile, job models.Job) ([]Transition, error) {
			pub, err := p.Store.LatestJob(ctx, p.WalletID, models.JobTypePublicDID)
			if err != nil {
				return nil, fmt.Errorf("find public did: %w", err)
			}
			did, _ := pub.Data["did"].(string)
			if did == "" {
				return nil, fmt.Errorf("public_did job %s has no did", pub.JobID)
			}
			if err := client.PromoteToIssuer(ctx, p.WalletID, did); err != nil {
				return nil, err
			}
			if err := recordIssuer(ctx, p, did); err != nil {
				return nil, err
			}
			return []Transition{
				{Status: models.StatusProcessing, State: "promoting", Data: map[string]any{"public_did": did}},
				{Status: models.StatusActive, State: "issuer"},
			}, nil
		},
		Handlers: map[string]HandlerFunc{
			"active": ignore,
		},
	}
}

// recordIssuer upgrades a registered tenant to carry its issuer profile. Unregistered
// wallets are left alone.
func recordIssuer(ctx context.Context, p *profile.Profile, did string) error {
	tenant, err := p.Store.GetTenantByWallet(ctx, p.WalletID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	tenant.Issuer = &models.IssuerProfile{PublicDID: did, PromotedAt: time.Now().UTC()}
	return p.Store.UpsertTenant(ctx, &tenant)
}

// Definitions returns the endorser, public_did and issuer jobs.
func Definitions(client agent.Client, opts EndorserOptions) []Definition {
	return []Definition{Endorser(client, opts), PublicDID(client), Issuer(client)}
}
