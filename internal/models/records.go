package models

import "time"

// Contact mirrors an agent connection record.
type Contact struct {
	ConnectionID string    `json:"connection_id"`
	WalletID     string    `json:"wallet_id"`
	Alias        string    `json:"alias"`
	TheirLabel   string    `json:"their_label"`
	TheirDID     string    `json:"their_did"`
	Role         string    `json:"role"`
	State        string    `json:"state"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Credential mirrors an issue-credential exchange.
type Credential struct {
	CredExID     string    `json:"cred_ex_id"`
	WalletID     string    `json:"wallet_id"`
	ConnectionID string    `json:"connection_id"`
	Role         string    `json:"role"`
	State        string    `json:"state"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Presentation mirrors a present-proof exchange.
type Presentation struct {
	PresExID     string    `json:"pres_ex_id"`
	WalletID     string    `json:"wallet_id"`
	ConnectionID string    `json:"connection_id"`
	Role         string    `json:"role"`
	State        string    `json:"state"`
	Verified     string    `json:"verified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}
