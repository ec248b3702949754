// Package agent talks to the external agent's administrative API.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Connection is the agent's view of a DIDComm connection.
type Connection struct {
	ConnectionID  string `json:"connection_id"`
	State         string `json:"state"`
	Alias         string `json:"alias,omitempty"`
	InvitationURL string `json:"invitation_url,omitempty"`
}

// DIDRegistration is the result of asking the agent to write a DID through the endorser.
type DIDRegistration struct {
	DID           string `json:"did"`
	Verkey        string `json:"verkey"`
	TransactionID string `json:"transaction_id"`
}

// Client is the subset of the agent admin API the jobs depend on.
type Client interface {
	CreateConnectionInvitation(ctx context.Context, walletID, alias string) (Connection, error)
	ReceiveInvitation(ctx context.Context, walletID, alias string, invitation json.RawMessage) (Connection, error)
	RegisterPublicDID(ctx context.Context, walletID, endorserConnectionID string) (DIDRegistration, error)
	PromoteToIssuer(ctx context.Context, walletID, did string) error
}

// Options configure a client built through New.
type Options struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// Factory builds a Client for one multitenancy mode.
type Factory func(Options) (Client, error)

var providers = map[string]Factory{
	"multitenant": func(o Options) (Client, error) { return NewHTTPClient(o, walletHeader), nil },
	"single":      func(o Options) (Client, error) { return NewHTTPClient(o, nil), nil },
}

// New resolves mode in the provider table.
func New(mode string, o Options) (Client, error) {
	factory, ok := providers[strings.ToLower(mode)]
	if !ok {
		known := make([]string, 0, len(providers))
		for k := range providers {
			known = append(known, k)
		}
		sort.Strings(known)
		return nil, fmt.Errorf("unknown agent mode %q (known: %s)", mode, strings.Join(known, ", "))
	}
	return factory(o)
}
