package models

import "time"

// TenantKind discriminates the tenant variants stored in one table.
type TenantKind string

const (
	TenantKindInnkeeper TenantKind = "innkeeper"
	TenantKindTenant    TenantKind = "tenant"
)

// Tenant is a wallet owner. Issuer is only set once the tenant has been promoted.
type Tenant struct {
	TenantID      string         `json:"tenant_id"`
	WalletID      string         `json:"wallet_id"`
	Name          string         `json:"name"`
	Kind          TenantKind     `json:"kind"`
	WebhookURL    string         `json:"webhook_url,omitempty"`
	WebhookAPIKey string         `json:"-"`
	Issuer        *IssuerProfile `json:"issuer,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// IssuerProfile holds the issuer-only fields of a tenant.
type IssuerProfile struct {
	PublicDID  string    `json:"public_did"`
	PromotedAt time.Time `json:"promoted_at"`
}
