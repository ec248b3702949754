package models

import (
	"encoding/json"
	"time"
)

// Webhook message states.
const (
	WebhookStateNew       = "NEW"
	WebhookStateOK        = "OK"
	WebhookStateError     = "ERROR"
	WebhookStateAbandoned = "ABANDONED"
)

// TenantWebhookMessage is one delivery attempt of a logical message. Rows sharing MsgID
// form the attempt history; the highest Sequence is authoritative.
type TenantWebhookMessage struct {
	MsgID         string          `json:"msg_id"`
	WalletID      string          `json:"wallet_id"`
	Topic         string          `json:"topic"`
	Payload       json.RawMessage `json:"payload"`
	State         string          `json:"state"`
	Sequence      int             `json:"sequence"`
	ResponseCode  *int            `json:"response_code,omitempty"`
	Response      string          `json:"response,omitempty"`
	NextAttemptAt *time.Time      `json:"next_attempt_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}
