package store

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"tenant-orchestrator/internal/models"
)

// Memory is an in-process Repository used by tests and by dev runs without Postgres.
type Memory struct {
	mu            sync.Mutex
	jobs          map[string]models.Job
	jobOrder      []string
	audit         map[string][]models.JobAudit
	tenants       map[string]models.Tenant
	messages      map[string][]models.TenantWebhookMessage
	contacts      map[string]models.Contact
	credentials   map[string]models.Credential
	presentations map[string]models.Presentation
	now           func() time.Time
}

var _ Repository = (*Memory)(nil)

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		jobs:          make(map[string]models.Job),
		audit:         make(map[string][]models.JobAudit),
		tenants:       make(map[string]models.Tenant),
		messages:      make(map[string][]models.TenantWebhookMessage),
		contacts:      make(map[string]models.Contact),
		credentials:   make(map[string]models.Credential),
		presentations: make(map[string]models.Presentation),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) CreateJob(_ context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.jobOrder {
		existing := m.jobs[id]
		if existing.WalletID == job.WalletID && existing.Type == job.Type && !existing.Status.Terminal() {
			return fmt.Errorf("%w: %s for wallet %s", ErrJobExists, job.Type, job.WalletID)
		}
	}
	if job.JobID == "" {
		job.JobID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = models.StatusPending
	}
	now := m.now()
	job.CreatedAt, job.UpdatedAt = now, now
	stored := *job
	stored.Data = maps.Clone(job.Data)
	m.jobs[job.JobID] = stored
	m.jobOrder = append(m.jobOrder, job.JobID)
	return nil
}

func (m *Memory) GetJob(_ context.Context, jobID string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return models.Job{}, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	return cloneJob(job), nil
}

func (m *Memory) LatestJob(_ context.Context, walletID string, jobType models.JobType) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.jobOrder) - 1; i >= 0; i-- {
		job := m.jobs[m.jobOrder[i]]
		if job.WalletID == walletID && job.Type == jobType {
			return cloneJob(job), nil
		}
	}
	return models.Job{}, fmt.Errorf("%s job for wallet %s: %w", jobType, walletID, ErrNotFound)
}

func (m *Memory) UpdateJob(_ context.Context, next, prev models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.jobs[next.JobID]
	if !ok {
		return fmt.Errorf("job %s: %w", next.JobID, ErrNotFound)
	}
	if cur.Status != prev.Status || cur.State != prev.State {
		return fmt.Errorf("job %s: %w", next.JobID, ErrConflict)
	}
	cur.Status = next.Status
	cur.State = next.State
	cur.Data = maps.Clone(next.Data)
	cur.UpdatedAt = m.now()
	m.jobs[next.JobID] = cur
	return nil
}

func (m *Memory) ListJobs(_ context.Context, walletID string) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Job
	for _, id := range m.jobOrder {
		if job := m.jobs[id]; job.WalletID == walletID {
			out = append(out, cloneJob(job))
		}
	}
	return out, nil
}

func (m *Memory) AppendAudit(_ context.Context, jobID, event, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit[jobID] = append(m.audit[jobID], models.JobAudit{JobID: jobID, Event: event, Detail: detail, Recorded: m.now()})
	return nil
}

func (m *Memory) ListAudit(_ context.Context, jobID string) ([]models.JobAudit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.JobAudit(nil), m.audit[jobID]...), nil
}

func (m *Memory) UpsertTenant(_ context.Context, t *models.Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if existing, ok := m.tenants[t.WalletID]; ok {
		t.CreatedAt = existing.CreatedAt
	} else {
		t.CreatedAt = now
	}
	if t.TenantID == "" {
		t.TenantID = uuid.New().String()
	}
	t.UpdatedAt = now
	m.tenants[t.WalletID] = *t
	return nil
}

func (m *Memory) GetTenantByWallet(_ context.Context, walletID string) (models.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[walletID]
	if !ok {
		return models.Tenant{}, fmt.Errorf("tenant for wallet %s: %w", walletID, ErrNotFound)
	}
	return t, nil
}

func (m *Memory) CreateWebhookMessage(_ context.Context, msg *models.TenantWebhookMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.messages[msg.MsgID] {
		if existing.Sequence == msg.Sequence {
			return fmt.Errorf("webhook message %s/%d: %w", msg.MsgID, msg.Sequence, ErrConflict)
		}
	}
	now := m.now()
	msg.CreatedAt, msg.UpdatedAt = now, now
	m.messages[msg.MsgID] = append(m.messages[msg.MsgID], *msg)
	return nil
}

func (m *Memory) UpdateWebhookMessage(_ context.Context, msg *models.TenantWebhookMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.messages[msg.MsgID]
	for i := range rows {
		if rows[i].Sequence == msg.Sequence {
			msg.UpdatedAt = m.now()
			rows[i].State = msg.State
			rows[i].ResponseCode = msg.ResponseCode
			rows[i].Response = msg.Response
			rows[i].NextAttemptAt = msg.NextAttemptAt
			rows[i].UpdatedAt = msg.UpdatedAt
			return nil
		}
	}
	return fmt.Errorf("webhook message %s/%d: %w", msg.MsgID, msg.Sequence, ErrNotFound)
}

func (m *Memory) LatestWebhookMessage(_ context.Context, msgID string) (models.TenantWebhookMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.messages[msgID]
	if len(rows) == 0 {
		return models.TenantWebhookMessage{}, fmt.Errorf("webhook message %s: %w", msgID, ErrNotFound)
	}
	latest := rows[0]
	for _, r := range rows[1:] {
		if r.Sequence > latest.Sequence {
			latest = r
		}
	}
	return latest, nil
}

func (m *Memory) ListWebhookMessages(_ context.Context, msgID string) ([]models.TenantWebhookMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]models.TenantWebhookMessage(nil), m.messages[msgID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (m *Memory) ListPendingWebhookMessages(_ context.Context, limit int) ([]models.TenantWebhookMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.TenantWebhookMessage
	for _, rows := range m.messages {
		for _, r := range rows {
			if r.State == models.WebhookStateNew {
				out = append(out, r)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return nextAttempt(out[i]).Before(nextAttempt(out[j])) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) UpsertContact(_ context.Context, c *models.Contact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.UpdatedAt = m.now()
	m.contacts[recordKey(c.WalletID, c.ConnectionID)] = *c
	return nil
}

func (m *Memory) GetContact(_ context.Context, walletID, connectionID string) (models.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contacts[recordKey(walletID, connectionID)]
	if !ok {
		return models.Contact{}, fmt.Errorf("contact %s: %w", connectionID, ErrNotFound)
	}
	return c, nil
}

func (m *Memory) UpsertCredential(_ context.Context, c *models.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.UpdatedAt = m.now()
	m.credentials[recordKey(c.WalletID, c.CredExID)] = *c
	return nil
}

func (m *Memory) GetCredential(_ context.Context, walletID, credExID string) (models.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.credentials[recordKey(walletID, credExID)]
	if !ok {
		return models.Credential{}, fmt.Errorf("credential %s: %w", credExID, ErrNotFound)
	}
	return c, nil
}

func (m *Memory) UpsertPresentation(_ context.Context, p *models.Presentation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.UpdatedAt = m.now()
	m.presentations[recordKey(p.WalletID, p.PresExID)] = *p
	return nil
}

func (m *Memory) GetPresentation(_ context.Context, walletID, presExID string) (models.Presentation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.presentations[recordKey(walletID, presExID)]
	if !ok {
		return models.Presentation{}, fmt.Errorf("presentation %s: %w", presExID, ErrNotFound)
	}
	return p, nil
}

func recordKey(walletID, id string) string {
	return walletID + "/" + id
}

func cloneJob(j models.Job) models.Job {
	j.Data = maps.Clone(j.Data)
	return j
}

func nextAttempt(m models.TenantWebhookMessage) time.Time {
	if m.NextAttemptAt != nil {
		return *m.NextAttemptAt
	}
	return m.CreatedAt
}
