package protocols

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"tenant-orchestrator/internal/events"
	"tenant-orchestrator/internal/profile"
	"tenant-orchestrator/internal/store"
)

type fixture struct {
	store  *store.Memory
	bus    *events.Bus
	topics []string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t)
	f := &fixture{store: store.NewMemory(), bus: events.NewBus(log)}
	f.bus.Subscribe(events.TenantTopic("*"), "recorder", func(_ context.Context, ev events.Event) error {
		f.topics = append(f.topics, ev.Topic)
		return nil
	})
	Register(f.bus, profile.Factory{Store: f.store, Bus: f.bus, Log: log}, All("endorser")...)
	return f
}

func (f *fixture) callback(topic, walletID string, payload map[string]any) error {
	return f.bus.Publish(context.Background(), events.Event{Topic: events.AgentTopic(topic), WalletID: walletID, Payload: payload})
}

func TestConnections_IdempotentUpsert(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	payload := map[string]any{
		"connection_id": "c1",
		"alias":         "alice",
		"their_label":   "Alice",
		"their_did":     "did:peer:1",
		"their_role":    "invitee",
		"state":         "active",
	}

	require.NoError(t, f.callback(TopicConnections, "W1", payload))
	once, err := f.store.GetContact(ctx, "W1", "c1")
	require.NoError(t, err)

	require.NoError(t, f.callback(TopicConnections, "W1", payload))
	twice, err := f.store.GetContact(ctx, "W1", "c1")
	require.NoError(t, err)

	once.UpdatedAt, twice.UpdatedAt = time.Time{}, time.Time{}
	assert.Equal(t, once, twice)
	assert.Equal(t, "active", twice.State)
	assert.Equal(t, "Alice", twice.TheirLabel)
}

func TestConnections_EndorserAliasPublishesEndorserConnection(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.callback(TopicConnections, "W1", map[string]any{"connection_id": "c1", "alias": "alice", "state": "request"}))
	assert.Equal(t, []string{"tenant::EVENT::connections"}, f.topics)

	f.topics = nil
	require.NoError(t, f.callback(TopicConnections, "W1", map[string]any{"connection_id": "c2", "alias": "endorser", "state": "active"}))
	assert.Equal(t, []string{"tenant::EVENT::connections", "tenant::EVENT::endorser_connection"}, f.topics)
}

func TestProtocol_MissingIdentifiersAreDataErrors(t *testing.T) {
	f := newFixture(t)

	err := f.callback(TopicConnections, "W1", map[string]any{"state": "active"})
	require.ErrorIs(t, err, ErrMissingField)

	err = f.callback(TopicIssueCredential, "", map[string]any{"cred_ex_id": "x", "state": "done"})
	require.ErrorIs(t, err, ErrMissingField)
	assert.Empty(t, f.topics)
}

func TestProtocol_WalletFromPayload(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.callback(TopicIssueCredential, "", map[string]any{
		"wallet_id":     "W2",
		"cred_ex_id":    "cx1",
		"connection_id": "c1",
		"role":          "issuer",
		"state":         "offer-sent",
	}))
	cred, err := f.store.GetCredential(ctx, "W2", "cx1")
	require.NoError(t, err)
	assert.Equal(t, "offer-sent", cred.State)
	assert.Equal(t, []string{"tenant::EVENT::issue_credential"}, f.topics)
}

func TestPresentProof_RecordsVerification(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.callback(TopicPresentProof, "W1", map[string]any{
		"pres_ex_id": "px1",
		"role":       "verifier",
		"state":      "done",
		"verified":   "true",
	}))
	pres, err := f.store.GetPresentation(ctx, "W1", "px1")
	require.NoError(t, err)
	assert.Equal(t, "true", pres.Verified)
	assert.Equal(t, []string{"tenant::EVENT::present_proof"}, f.topics)
}

func TestEndorseTransaction_Notifies(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.callback("endorse_transaction", "W1", map[string]any{"transaction_id": "tx-1", "state": "transaction_acked"}))
	assert.Equal(t, []string{"tenant::EVENT::endorse_transaction"}, f.topics)

	require.ErrorIs(t, f.callback("endorse_transaction", "W1", map[string]any{"state": "transaction_acked"}), ErrMissingField)
}

func TestProtocol_StateHookRunsBetweenRecordAndAfterAll(t *testing.T) {
	var order []string
	step := func(name string) Hook {
		return func(context.Context, *profile.Profile, map[string]any) error {
			order = append(order, name)
			return nil
		}
	}
	log := zaptest.NewLogger(t)
	bus := events.NewBus(log)
	Register(bus, profile.Factory{Store: store.NewMemory(), Bus: bus, Log: log}, Protocol{
		Topic:    "basicmessages",
		Record:   step("record"),
		Hooks:    map[string]Hook{"Received": step("received")},
		AfterAll: step("after_all"),
	})
	require.NoError(t, bus.Publish(context.Background(), events.Event{
		Topic:    events.AgentTopic("basicmessages"),
		WalletID: "W1",
		Payload:  map[string]any{"state": "RECEIVED"},
	}))
	assert.Equal(t, []string{"record", "received", "after_all"}, order)
}

func TestConnections_FailingSubscriberDoesNotBlockEndorserConnection(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("boom")
	f.bus.Subscribe(events.TenantTopic(TopicConnections), "failing", func(context.Context, events.Event) error {
		return boom
	})

	err := f.callback(TopicConnections, "W1", map[string]any{"connection_id": "c1", "alias": "endorser", "state": "active"})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"tenant::EVENT::connections", "tenant::EVENT::endorser_connection"}, f.topics)
}

func TestProtocol_FailingStateHookStillRunsAfterAll(t *testing.T) {
	var ran bool
	boom := errors.New("boom")
	log := zaptest.NewLogger(t)
	bus := events.NewBus(log)
	Register(bus, profile.Factory{Store: store.NewMemory(), Bus: bus, Log: log}, Protocol{
		Topic: "basicmessages",
		Hooks: map[string]Hook{"received": func(context.Context, *profile.Profile, map[string]any) error {
			return boom
		}},
		AfterAll: func(context.Context, *profile.Profile, map[string]any) error {
			ran = true
			return nil
		},
	})
	err := bus.Publish(context.Background(), events.Event{
		Topic:    events.AgentTopic("basicmessages"),
		WalletID: "W1",
		Payload:  map[string]any{"state": "received"},
	})
	require.ErrorIs(t, err, boom)
	assert.True(t, ran)
}

func TestProtocol_SuffixedTopicReachesHandler(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.bus.Publish(ctx, events.Event{
		Topic:    events.AgentTopic(TopicConnections) + "::retry",
		WalletID: "W1",
		Payload:  map[string]any{"connection_id": "c9", "alias": "bob", "state": "response"},
	}))

	contact, err := f.store.GetContact(ctx, "W1", "c9")
	require.NoError(t, err)
	assert.Equal(t, "response", contact.State)
	assert.Equal(t, []string{"tenant::EVENT::connections"}, f.topics)
}
