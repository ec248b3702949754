package profile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"tenant-orchestrator/internal/events"
	"tenant-orchestrator/internal/models"
	"tenant-orchestrator/internal/store"
)

func TestNotify_PublishesTenantEvent(t *testing.T) {
	log := zaptest.NewLogger(t)
	bus := events.NewBus(log)
	var got events.Event
	bus.Subscribe(events.TenantTopic("connections"), "recorder", func(_ context.Context, ev events.Event) error {
		got = ev
		return nil
	})

	p := New("T1", "W1", store.NewMemory(), bus, log)
	payload := map[string]any{"state": "active"}
	require.NoError(t, p.Notify(context.Background(), "connections", payload))

	assert.Equal(t, "tenant::EVENT::connections", got.Topic)
	assert.Equal(t, "W1", got.WalletID)
	assert.Equal(t, "W1", got.Payload["wallet_id"])
	assert.NotContains(t, payload, "wallet_id")
}

func TestFactory_ResolvesTenant(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	require.NoError(t, st.UpsertTenant(ctx, &models.Tenant{TenantID: "T1", WalletID: "W1", Name: "acme"}))

	f := Factory{Store: st, Bus: events.NewBus(nil)}
	assert.Equal(t, "T1", f.ForWallet(ctx, "W1").TenantID)
	assert.Empty(t, f.ForWallet(ctx, "W2").TenantID)
}
