package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// WalletHeader carries the sub-wallet id in multitenant mode.
const WalletHeader = "X-Wallet-Id"

type headerFunc func(req *http.Request, walletID string)

func walletHeader(req *http.Request, walletID string) {
	req.Header.Set(WalletHeader, walletID)
}

// HTTPClient is an HTTP implementation of Client with an explicit request timeout.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	scope      headerFunc
}

// NewHTTPClient builds a client; scope may be nil for single-wallet agents.
func NewHTTPClient(o Options, scope headerFunc) *HTTPClient {
	timeout := o.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL:    o.URL,
		apiKey:     o.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		scope:      scope,
	}
}

func (c *HTTPClient) CreateConnectionInvitation(ctx context.Context, walletID, alias string) (Connection, error) {
	var conn Connection
	q := url.Values{"alias": {alias}}
	err := c.do(ctx, walletID, http.MethodPost, "/connections/create-invitation?"+q.Encode(), struct{}{}, &conn)
	return conn, err
}

func (c *HTTPClient) ReceiveInvitation(ctx context.Context, walletID, alias string, invitation json.RawMessage) (Connection, error) {
	var conn Connection
	q := url.Values{"alias": {alias}, "auto_accept": {"true"}}
	err := c.do(ctx, walletID, http.MethodPost, "/connections/receive-invitation?"+q.Encode(), invitation, &conn)
	return conn, err
}

func (c *HTTPClient) RegisterPublicDID(ctx context.Context, walletID, endorserConnectionID string) (DIDRegistration, error) {
	var created struct {
		Result struct {
			DID    string `json:"did"`
			Verkey string `json:"verkey"`
		} `json:"result"`
	}
	if err := c.do(ctx, walletID, http.MethodPost, "/wallet/did/create", struct{}{}, &created); err != nil {
		return DIDRegistration{}, err
	}

	var nym struct {
		Txn struct {
			TransactionID string `json:"transaction_id"`
		} `json:"txn"`
	}
	q := url.Values{
		"did":                             {created.Result.DID},
		"verkey":                          {created.Result.Verkey},
		"conn_id":                         {endorserConnectionID},
		"create_transaction_for_endorser": {"true"},
	}
	if err := c.do(ctx, walletID, http.MethodPost, "/ledger/register-nym?"+q.Encode(), nil, &nym); err != nil {
		return DIDRegistration{}, err
	}
	return DIDRegistration{
		DID:           created.Result.DID,
		Verkey:        created.Result.Verkey,
		TransactionID: nym.Txn.TransactionID,
	}, nil
}

func (c *HTTPClient) PromoteToIssuer(ctx context.Context, walletID, did string) error {
	q := url.Values{"did": {did}}
	return c.do(ctx, walletID, http.MethodPost, "/wallet/did/public?"+q.Encode(), nil, nil)
}

func (c *HTTPClient) do(ctx context.Context, walletID, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	if c.scope != nil {
		c.scope(req, walletID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("agent %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &Error{Method: method, Path: path, StatusCode: resp.StatusCode, Body: string(snippet)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode agent response: %w", err)
	}
	return nil
}

// Error is a non-2xx agent response.
type Error struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("agent %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}
