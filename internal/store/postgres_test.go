package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"tenant-orchestrator/internal/models"
)

func newPostgres(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres container tests are skipped in short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("tenants"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute)),
	)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Errorf("terminate container: %s", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	st, err := New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(st.Close)
	require.NoError(t, st.RunMigrations(ctx))
	require.NoError(t, st.RunMigrations(ctx), "migrations are idempotent")
	return st
}

func TestPostgres(t *testing.T) {
	st := newPostgres(t)
	ctx := context.Background()

	t.Run("one open job per wallet and type", func(t *testing.T) {
		first := &models.Job{WalletID: "W1", Type: models.JobTypeEndorser}
		require.NoError(t, st.CreateJob(ctx, first))

		err := st.CreateJob(ctx, &models.Job{WalletID: "W1", Type: models.JobTypeEndorser})
		require.ErrorIs(t, err, ErrJobExists)
		require.NoError(t, st.CreateJob(ctx, &models.Job{WalletID: "W1", Type: models.JobTypePublicDID}))

		failed := *first
		failed.Status = models.StatusError
		require.NoError(t, st.UpdateJob(ctx, failed, *first))
		second := &models.Job{WalletID: "W1", Type: models.JobTypeEndorser}
		require.NoError(t, st.CreateJob(ctx, second))

		latest, err := st.LatestJob(ctx, "W1", models.JobTypeEndorser)
		require.NoError(t, err)
		assert.Equal(t, second.JobID, latest.JobID)
	})

	t.Run("update job is compare-and-set", func(t *testing.T) {
		job := &models.Job{WalletID: "W2", Type: models.JobTypeIssuer}
		require.NoError(t, st.CreateJob(ctx, job))

		next := *job
		next.Status = models.StatusProcessing
		next.State = "promoting"
		next.Data = map[string]any{"did": "did:sov:1"}
		require.NoError(t, st.UpdateJob(ctx, next, *job))

		stale := *job
		stale.Status = models.StatusActive
		require.ErrorIs(t, st.UpdateJob(ctx, stale, *job), ErrConflict)

		got, err := st.GetJob(ctx, job.JobID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusProcessing, got.Status)
		assert.Equal(t, "promoting", got.State)
		assert.Equal(t, "did:sov:1", got.Data["did"])

		missing := next
		missing.JobID = uuid.New().String()
		require.ErrorIs(t, st.UpdateJob(ctx, missing, next), ErrNotFound)
	})

	t.Run("webhook attempts", func(t *testing.T) {
		msgID := uuid.New().String()
		first := &models.TenantWebhookMessage{
			MsgID: msgID, WalletID: "W1", Topic: "connections",
			Payload: []byte(`{"state":"active"}`), State: models.WebhookStateNew, Sequence: 1,
		}
		require.NoError(t, st.CreateWebhookMessage(ctx, first))
		require.ErrorIs(t, st.CreateWebhookMessage(ctx, first), ErrConflict)

		code := 500
		first.State = models.WebhookStateError
		first.ResponseCode = &code
		require.NoError(t, st.UpdateWebhookMessage(ctx, first))

		runAt := time.Now().Add(time.Minute).UTC()
		require.NoError(t, st.CreateWebhookMessage(ctx, &models.TenantWebhookMessage{
			MsgID: msgID, WalletID: "W1", Topic: "connections",
			Payload: first.Payload, State: models.WebhookStateNew, Sequence: 2, NextAttemptAt: &runAt,
		}))

		latest, err := st.LatestWebhookMessage(ctx, msgID)
		require.NoError(t, err)
		assert.Equal(t, 2, latest.Sequence)

		history, err := st.ListWebhookMessages(ctx, msgID)
		require.NoError(t, err)
		require.Len(t, history, 2)
		require.NotNil(t, history[0].ResponseCode)
		assert.Equal(t, 500, *history[0].ResponseCode)

		pending, err := st.ListPendingWebhookMessages(ctx, 0)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, msgID, pending[0].MsgID)
		assert.Equal(t, 2, pending[0].Sequence)
	})
}
