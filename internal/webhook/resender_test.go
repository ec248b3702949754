package webhook

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"tenant-orchestrator/internal/models"
	"tenant-orchestrator/internal/queue"
	"tenant-orchestrator/internal/ratelimit"
	"tenant-orchestrator/internal/store"
)

type denyThrottle struct{}

func (denyThrottle) Allow(context.Context, string) (ratelimit.Decision, error) {
	return ratelimit.Decision{Allowed: false, RetryAfter: time.Minute}, nil
}

type failingScheduler struct{}

func (failingScheduler) Schedule(context.Context, queue.Entry, time.Time) error {
	return errors.New("redis down")
}

func newRetryQueue(t *testing.T) *queue.RetryQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return queue.NewRetryQueue(client, time.Minute)
}

func immediateDispatcher(t *testing.T, st *store.Memory, q *queue.RetryQueue) *Dispatcher {
	t.Helper()
	d := NewDispatcher(st, q, testOptions(), zaptest.NewLogger(t))
	d.backoff = func(int) time.Duration { return 0 }
	return d
}

func TestResender_RedeliversDueRows(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	srv, calls := statusServer(t, http.StatusServiceUnavailable, http.StatusOK)
	seedTenant(t, st, "W1", srv.URL)
	q := newRetryQueue(t)
	d := immediateDispatcher(t, st, q)
	r := NewResender(q, d, st, nil, time.Millisecond, 10, zaptest.NewLogger(t))

	msg, err := d.PostTenantWebhook(ctx, "connections", []byte(`{}`), "W1")
	require.NoError(t, err)
	require.Equal(t, models.WebhookStateNew, msg.State)

	attempted, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, attempted)
	assert.Equal(t, int32(2), calls.Load())

	latest, err := st.LatestWebhookMessage(ctx, msg.MsgID)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Sequence)
	assert.Equal(t, models.WebhookStateOK, latest.State)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestResender_RecoverSchedulesPendingRows(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	srv, _ := statusServer(t, http.StatusOK)
	seedTenant(t, st, "W1", srv.URL)
	q := newRetryQueue(t)
	d := immediateDispatcher(t, st, q)
	r := NewResender(q, d, st, nil, time.Millisecond, 10, zaptest.NewLogger(t))

	past := time.Now().Add(-time.Minute)
	require.NoError(t, st.CreateWebhookMessage(ctx, &models.TenantWebhookMessage{
		MsgID: "m1", WalletID: "W1", Topic: "connections", Payload: []byte(`{}`),
		State: models.WebhookStateError, Sequence: 1,
	}))
	require.NoError(t, st.CreateWebhookMessage(ctx, &models.TenantWebhookMessage{
		MsgID: "m1", WalletID: "W1", Topic: "connections", Payload: []byte(`{}`),
		State: models.WebhookStateNew, Sequence: 2, NextAttemptAt: &past,
	}))

	n, err := r.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	attempted, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, attempted)

	latest, err := st.LatestWebhookMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, models.WebhookStateOK, latest.State)
}

func TestResender_ThrottledRetryIsRescheduled(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	srv, calls := statusServer(t, http.StatusInternalServerError)
	seedTenant(t, st, "W1", srv.URL)
	q := newRetryQueue(t)
	d := immediateDispatcher(t, st, q)
	r := NewResender(q, d, st, denyThrottle{}, time.Millisecond, 10, zaptest.NewLogger(t))

	msg, err := d.PostTenantWebhook(ctx, "connections", []byte(`{}`), "W1")
	require.NoError(t, err)

	attempted, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, attempted)
	assert.Equal(t, int32(1), calls.Load())

	latest, err := st.LatestWebhookMessage(ctx, msg.MsgID)
	require.NoError(t, err)
	assert.Equal(t, models.WebhookStateNew, latest.State)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestResender_RunStopsOnCancel(t *testing.T) {
	st := store.NewMemory()
	q := newRetryQueue(t)
	r := NewResender(q, immediateDispatcher(t, st, q), st, nil, 5*time.Millisecond, 10, zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, r.Run(ctx), context.DeadlineExceeded)
}

func TestResender_ReconcilesRowsMissingFromSchedule(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	srv, calls := statusServer(t, http.StatusInternalServerError, http.StatusOK)
	seedTenant(t, st, "W1", srv.URL)
	q := newRetryQueue(t)

	// The first attempt fails and its retry never reaches the schedule.
	lost := NewDispatcher(st, failingScheduler{}, testOptions(), zaptest.NewLogger(t))
	lost.backoff = func(int) time.Duration { return 0 }
	msg, err := lost.PostTenantWebhook(ctx, "connections", []byte(`{}`), "W1")
	require.NoError(t, err)
	require.Equal(t, 2, msg.Sequence)

	r := NewResender(q, immediateDispatcher(t, st, q), st, nil, time.Millisecond, 10, zaptest.NewLogger(t))
	r.reconcileEvery = 3
	r.now = func() time.Time { return time.Now().Add(time.Hour) }

	attempted, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, attempted)
	assert.Equal(t, int32(2), calls.Load())

	latest, err := st.LatestWebhookMessage(ctx, msg.MsgID)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Sequence)
	assert.Equal(t, models.WebhookStateOK, latest.State)

	for i := 0; i < 5; i++ {
		_, err := r.RunOnce(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), calls.Load())
}

func TestResender_ReconcileLeavesFreshRowsAlone(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	srv, calls := statusServer(t, http.StatusOK)
	seedTenant(t, st, "W1", srv.URL)
	q := newRetryQueue(t)
	r := NewResender(q, immediateDispatcher(t, st, q), st, nil, time.Millisecond, 10, zaptest.NewLogger(t))

	require.NoError(t, st.CreateWebhookMessage(ctx, &models.TenantWebhookMessage{
		MsgID: "m1", WalletID: "W1", Topic: "connections", Payload: []byte(`{}`),
		State: models.WebhookStateNew, Sequence: 1,
	}))

	attempted, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, attempted)
	assert.Zero(t, calls.Load())
}
