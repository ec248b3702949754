// Package store persists jobs, tenants, tenant webhook messages and protocol records.
package store

import (
	"context"
	"errors"

	"tenant-orchestrator/internal/models"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrJobExists is returned when a non-terminal job already exists for the wallet and type.
	ErrJobExists = errors.New("non-terminal job already exists")
	// ErrConflict is returned when a compare-and-set update lost a race.
	ErrConflict = errors.New("concurrent modification")
)

// JobStore persists jobs and their audit trail.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, jobID string) (models.Job, error)
	// LatestJob returns the most recently created job for the wallet and type.
	LatestJob(ctx context.Context, walletID string, jobType models.JobType) (models.Job, error)
	// UpdateJob writes next only if the stored status and state still equal prev's.
	UpdateJob(ctx context.Context, next, prev models.Job) error
	ListJobs(ctx context.Context, walletID string) ([]models.Job, error)
	AppendAudit(ctx context.Context, jobID, event, detail string) error
	ListAudit(ctx context.Context, jobID string) ([]models.JobAudit, error)
}

// TenantStore resolves tenants by wallet.
type TenantStore interface {
	UpsertTenant(ctx context.Context, t *models.Tenant) error
	GetTenantByWallet(ctx context.Context, walletID string) (models.Tenant, error)
}

// WebhookStore keeps the append-only attempt history of tenant webhook messages.
type WebhookStore interface {
	CreateWebhookMessage(ctx context.Context, msg *models.TenantWebhookMessage) error
	// UpdateWebhookMessage updates the attempt identified by MsgID and Sequence in place.
	UpdateWebhookMessage(ctx context.Context, msg *models.TenantWebhookMessage) error
	LatestWebhookMessage(ctx context.Context, msgID string) (models.TenantWebhookMessage, error)
	ListWebhookMessages(ctx context.Context, msgID string) ([]models.TenantWebhookMessage, error)
	// ListPendingWebhookMessages returns NEW attempts ordered by next attempt time.
	ListPendingWebhookMessages(ctx context.Context, limit int) ([]models.TenantWebhookMessage, error)
}

// RecordStore keeps the protocol records mirrored from agent callbacks.
type RecordStore interface {
	UpsertContact(ctx context.Context, c *models.Contact) error
	GetContact(ctx context.Context, walletID, connectionID string) (models.Contact, error)
	UpsertCredential(ctx context.Context, c *models.Credential) error
	GetCredential(ctx context.Context, walletID, credExID string) (models.Credential, error)
	UpsertPresentation(ctx context.Context, p *models.Presentation) error
	GetPresentation(ctx context.Context, walletID, presExID string) (models.Presentation, error)
}

// Repository is the database handle handed to profiles.
type Repository interface {
	JobStore
	TenantStore
	WebhookStore
	RecordStore
}
