package store

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenant-orchestrator/internal/models"
)

func TestMemory_OneOpenJobPerWalletAndType(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	first := &models.Job{WalletID: "W1", Type: models.JobTypeEndorser}
	require.NoError(t, m.CreateJob(ctx, first))
	assert.NotEmpty(t, first.JobID)
	assert.Equal(t, models.StatusPending, first.Status)

	err := m.CreateJob(ctx, &models.Job{WalletID: "W1", Type: models.JobTypeEndorser})
	require.ErrorIs(t, err, ErrJobExists)

	require.NoError(t, m.CreateJob(ctx, &models.Job{WalletID: "W2", Type: models.JobTypeEndorser}))

	failed := *first
	failed.Status = models.StatusError
	require.NoError(t, m.UpdateJob(ctx, failed, *first))
	second := &models.Job{WalletID: "W1", Type: models.JobTypeEndorser}
	require.NoError(t, m.CreateJob(ctx, second))

	latest, err := m.LatestJob(ctx, "W1", models.JobTypeEndorser)
	require.NoError(t, err)
	assert.Equal(t, second.JobID, latest.JobID)
}

func TestMemory_UpdateJobCompareAndSet(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	job := &models.Job{WalletID: "W1", Type: models.JobTypeIssuer}
	require.NoError(t, m.CreateJob(ctx, job))

	next := *job
	next.Status = models.StatusProcessing
	require.NoError(t, m.UpdateJob(ctx, next, *job))

	stale := *job
	stale.Status = models.StatusActive
	require.ErrorIs(t, m.UpdateJob(ctx, stale, *job), ErrConflict)

	_, err := m.GetJob(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_WebhookHistory(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	first := &models.TenantWebhookMessage{MsgID: "m1", WalletID: "W1", Sequence: 1, State: models.WebhookStateNew}
	require.NoError(t, m.CreateWebhookMessage(ctx, first))
	require.ErrorIs(t, m.CreateWebhookMessage(ctx, &models.TenantWebhookMessage{MsgID: "m1", Sequence: 1}), ErrConflict)

	first.State = models.WebhookStateError
	require.NoError(t, m.UpdateWebhookMessage(ctx, first))
	require.NoError(t, m.CreateWebhookMessage(ctx, &models.TenantWebhookMessage{MsgID: "m1", WalletID: "W1", Sequence: 2, State: models.WebhookStateNew}))

	latest, err := m.LatestWebhookMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Sequence)

	pending, err := m.ListPendingWebhookMessages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 2, pending[0].Sequence)
}

func TestMigrations_EnforceOpenJobIndex(t *testing.T) {
	names, err := migrationNames()
	require.NoError(t, err)
	require.NotEmpty(t, names)
	assert.Equal(t, "001_jobs.sql", names[0])

	content, err := migrationFiles.ReadFile("migrations/001_jobs.sql")
	require.NoError(t, err)
	sql := string(content)
	assert.True(t, strings.Contains(sql, "CREATE UNIQUE INDEX IF NOT EXISTS jobs_one_open_per_wallet_type"))
	assert.True(t, strings.Contains(sql, "WHERE status NOT IN ('completed', 'error')"))
}
