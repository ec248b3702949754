// Package profile carries per-tenant execution context through handlers and jobs.
package profile

import (
	"context"
	"maps"

	"go.uber.org/zap"

	"tenant-orchestrator/internal/events"
	"tenant-orchestrator/internal/store"
)

// Profile is scoped to one request or background task and is never persisted.
type Profile struct {
	TenantID string
	WalletID string
	Store    store.Repository
	Bus      *events.Bus
	Log      *zap.Logger
}

// New builds a profile for walletID.
func New(tenantID, walletID string, st store.Repository, bus *events.Bus, log *zap.Logger) *Profile {
	if log == nil {
		log = zap.NewNop()
	}
	return &Profile{
		TenantID: tenantID,
		WalletID: walletID,
		Store:    st,
		Bus:      bus,
		Log:      log.With(zap.String("wallet_id", walletID)),
	}
}

// Notify publishes tenant::EVENT::<topic> for this wallet. The payload is copied and
// stamped with wallet_id.
func (p *Profile) Notify(ctx context.Context, topic string, payload map[string]any) error {
	body := maps.Clone(payload)
	if body == nil {
		body = map[string]any{}
	}
	body["wallet_id"] = p.WalletID
	return p.Bus.Publish(ctx, events.Event{
		Topic:    events.TenantTopic(topic),
		WalletID: p.WalletID,
		Payload:  body,
	})
}

// Factory creates profiles sharing one store and bus.
type Factory struct {
	Store store.Repository
	Bus   *events.Bus
	Log   *zap.Logger
}

// ForWallet resolves the tenant for walletID when known; unknown wallets still get a profile.
func (f Factory) ForWallet(ctx context.Context, walletID string) *Profile {
	tenantID := ""
	if t, err := f.Store.GetTenantByWallet(ctx, walletID); err == nil {
		tenantID = t.TenantID
	}
	return New(tenantID, walletID, f.Store, f.Bus, f.Log)
}
