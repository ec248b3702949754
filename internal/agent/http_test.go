package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_UnknownMode(t *testing.T) {
	_, err := New("askar-profile", Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "multitenant, single")
}

func TestHTTPClient_RegisterPublicDID(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		assert.Equal(t, "W1", r.Header.Get(WalletHeader))
		assert.Equal(t, "secret", r.Header.Get("X-API-Key"))
		switch r.URL.Path {
		case "/wallet/did/create":
			_, _ = w.Write([]byte(`{"result":{"did":"did:sov:abc","verkey":"vk"}}`))
		case "/ledger/register-nym":
			assert.Equal(t, "did:sov:abc", r.URL.Query().Get("did"))
			assert.Equal(t, "conn-1", r.URL.Query().Get("conn_id"))
			_, _ = w.Write([]byte(`{"txn":{"transaction_id":"txn-9"}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client, err := New("multitenant", Options{URL: srv.URL, APIKey: "secret", Timeout: time.Second})
	require.NoError(t, err)

	reg, err := client.RegisterPublicDID(context.Background(), "W1", "conn-1")
	require.NoError(t, err)
	assert.Equal(t, DIDRegistration{DID: "did:sov:abc", Verkey: "vk", TransactionID: "txn-9"}, reg)
	assert.Equal(t, []string{"/wallet/did/create", "/ledger/register-nym"}, paths)
}

func TestHTTPClient_SingleModeOmitsWalletHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get(WalletHeader))
		var inv map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&inv))
		assert.Equal(t, "endorser", r.URL.Query().Get("alias"))
		_, _ = w.Write([]byte(`{"connection_id":"c1","state":"request"}`))
	}))
	defer srv.Close()

	client, err := New("single", Options{URL: srv.URL})
	require.NoError(t, err)
	conn, err := client.ReceiveInvitation(context.Background(), "W1", "endorser", json.RawMessage(`{"@type":"invitation"}`))
	require.NoError(t, err)
	assert.Equal(t, "c1", conn.ConnectionID)
}

func TestHTTPClient_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("ledger unavailable"))
	}))
	defer srv.Close()

	client := NewHTTPClient(Options{URL: srv.URL}, walletHeader)
	err := client.PromoteToIssuer(context.Background(), "W1", "did:sov:abc")

	var agentErr *Error
	require.True(t, errors.As(err, &agentErr))
	assert.Equal(t, http.StatusBadGateway, agentErr.StatusCode)
	assert.Contains(t, agentErr.Body, "ledger unavailable")
}

func TestHTTPClient_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	client := NewHTTPClient(Options{URL: srv.URL, Timeout: 20 * time.Millisecond}, nil)
	_, err := client.CreateConnectionInvitation(context.Background(), "W1", "x")
	require.Error(t, err)
}
