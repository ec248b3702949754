package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"tenant-orchestrator/internal/models"
)

const uniqueViolation = "23505"

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

var _ Repository = (*Store)(nil)

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const jobColumns = `job_id, wallet_id, job_type, status, state, data, created_at, updated_at`

// CreateJob inserts a job row. The partial unique index rejects a second open job per wallet and type.
func (s *Store) CreateJob(ctx context.Context, job *models.Job) error {
	if job.JobID == "" {
		job.JobID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = models.StatusPending
	}
	dataJSON, err := marshalData(job.Data)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (job_id, wallet_id, job_type, status, state, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`, job.JobID, job.WalletID, string(job.Type), string(job.Status), job.State, dataJSON, now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s for wallet %s", ErrJobExists, job.Type, job.WalletID)
		}
		return fmt.Errorf("insert job: %w", err)
	}
	job.CreatedAt, job.UpdatedAt = now, now
	return nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, jobID string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = $1`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	return job, err
}

// LatestJob returns the newest job for the wallet and type.
func (s *Store) LatestJob(ctx context.Context, walletID string, jobType models.JobType) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE wallet_id = $1 AND job_type = $2
		ORDER BY created_at DESC
		LIMIT 1
	`, walletID, string(jobType))
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("%s job for wallet %s: %w", jobType, walletID, ErrNotFound)
	}
	return job, err
}

// UpdateJob is a compare-and-set on (status, state).
func (s *Store) UpdateJob(ctx context.Context, next, prev models.Job) error {
	dataJSON, err := marshalData(next.Data)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, state = $3, data = $4, updated_at = NOW()
		WHERE job_id = $1 AND status = $5 AND state = $6
	`, next.JobID, string(next.Status), next.State, dataJSON, string(prev.Status), prev.State)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetJob(ctx, next.JobID); err != nil {
			return err
		}
		return fmt.Errorf("job %s: %w", next.JobID, ErrConflict)
	}
	return nil
}

// ListJobs returns the wallet's jobs oldest first.
func (s *Store) ListJobs(ctx context.Context, walletID string) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE wallet_id = $1 ORDER BY created_at
	`, walletID)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_audit (job_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	return err
}

// ListAudit returns a job's audit rows oldest first.
func (s *Store) ListAudit(ctx context.Context, jobID string) ([]models.JobAudit, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, event, detail, ts FROM job_audit WHERE job_id = $1 ORDER BY id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var out []models.JobAudit
	for rows.Next() {
		var a models.JobAudit
		if err := rows.Scan(&a.JobID, &a.Event, &a.Detail, &a.Recorded); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpsertTenant inserts or replaces the tenant keyed by wallet id.
func (s *Store) UpsertTenant(ctx context.Context, t *models.Tenant) error {
	if t.TenantID == "" {
		t.TenantID = uuid.New().String()
	}
	if t.Kind == "" {
		t.Kind = models.TenantKindTenant
	}
	var publicDID *string
	var promotedAt *time.Time
	if t.Issuer != nil {
		publicDID = &t.Issuer.PublicDID
		promotedAt = &t.Issuer.PromotedAt
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO tenants (wallet_id, tenant_id, name, kind, webhook_url, webhook_api_key, public_did, promoted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (wallet_id) DO UPDATE SET
			name = EXCLUDED.name,
			kind = EXCLUDED.kind,
			webhook_url = EXCLUDED.webhook_url,
			webhook_api_key = EXCLUDED.webhook_api_key,
			public_did = EXCLUDED.public_did,
			promoted_at = EXCLUDED.promoted_at,
			updated_at = NOW()
		RETURNING tenant_id, created_at, updated_at
	`, t.WalletID, t.TenantID, t.Name, string(t.Kind), t.WebhookURL, t.WebhookAPIKey, publicDID, promotedAt).
		Scan(&t.TenantID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert tenant: %w", err)
	}
	return nil
}

// GetTenantByWallet resolves the tenant that owns walletID.
func (s *Store) GetTenantByWallet(ctx context.Context, walletID string) (models.Tenant, error) {
	var t models.Tenant
	var kind string
	var publicDID pgtype.Text
	var promotedAt pgtype.Timestamptz
	err := s.pool.QueryRow(ctx, `
		SELECT wallet_id, tenant_id, name, kind, webhook_url, webhook_api_key, public_did, promoted_at, created_at, updated_at
		FROM tenants WHERE wallet_id = $1
	`, walletID).Scan(&t.WalletID, &t.TenantID, &t.Name, &kind, &t.WebhookURL, &t.WebhookAPIKey, &publicDID, &promotedAt, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Tenant{}, fmt.Errorf("tenant for wallet %s: %w", walletID, ErrNotFound)
	}
	if err != nil {
		return models.Tenant{}, fmt.Errorf("scan tenant: %w", err)
	}
	t.Kind = models.TenantKind(kind)
	if publicDID.Valid {
		t.Issuer = &models.IssuerProfile{PublicDID: publicDID.String, PromotedAt: promotedAt.Time}
	}
	return t, nil
}

const webhookColumns = `msg_id, sequence, wallet_id, topic, payload, state, response_code, response, next_attempt_at, created_at, updated_at`

// CreateWebhookMessage appends an attempt row; (msg_id, sequence) is the primary key.
func (s *Store) CreateWebhookMessage(ctx context.Context, msg *models.TenantWebhookMessage) error {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tenant_webhook_messages (msg_id, sequence, wallet_id, topic, payload, state, response_code, response, next_attempt_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
	`, msg.MsgID, msg.Sequence, msg.WalletID, msg.Topic, msg.Payload, msg.State, msg.ResponseCode, msg.Response, msg.NextAttemptAt, now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("webhook message %s/%d: %w", msg.MsgID, msg.Sequence, ErrConflict)
		}
		return fmt.Errorf("insert webhook message: %w", err)
	}
	msg.CreatedAt, msg.UpdatedAt = now, now
	return nil
}

// UpdateWebhookMessage records the outcome of one attempt.
func (s *Store) UpdateWebhookMessage(ctx context.Context, msg *models.TenantWebhookMessage) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tenant_webhook_messages
		SET state = $3, response_code = $4, response = $5, next_attempt_at = $6, updated_at = NOW()
		WHERE msg_id = $1 AND sequence = $2
	`, msg.MsgID, msg.Sequence, msg.State, msg.ResponseCode, msg.Response, msg.NextAttemptAt)
	if err != nil {
		return fmt.Errorf("update webhook message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("webhook message %s/%d: %w", msg.MsgID, msg.Sequence, ErrNotFound)
	}
	return nil
}

// LatestWebhookMessage returns the authoritative attempt for msgID.
func (s *Store) LatestWebhookMessage(ctx context.Context, msgID string) (models.TenantWebhookMessage, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+webhookColumns+` FROM tenant_webhook_messages
		WHERE msg_id = $1 ORDER BY sequence DESC LIMIT 1
	`, msgID)
	msg, err := scanWebhookMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.TenantWebhookMessage{}, fmt.Errorf("webhook message %s: %w", msgID, ErrNotFound)
	}
	return msg, err
}

// ListWebhookMessages returns every attempt for msgID ordered by sequence.
func (s *Store) ListWebhookMessages(ctx context.Context, msgID string) ([]models.TenantWebhookMessage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+webhookColumns+` FROM tenant_webhook_messages
		WHERE msg_id = $1 ORDER BY sequence
	`, msgID)
	if err != nil {
		return nil, fmt.Errorf("query webhook messages: %w", err)
	}
	return collectWebhookMessages(rows)
}

// ListPendingWebhookMessages returns NEW attempts, earliest due first. A limit of zero
// returns all of them.
func (s *Store) ListPendingWebhookMessages(ctx context.Context, limit int) ([]models.TenantWebhookMessage, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+webhookColumns+` FROM tenant_webhook_messages
		WHERE state = $1
		ORDER BY COALESCE(next_attempt_at, created_at)
		LIMIT $2
	`, models.WebhookStateNew, lim)
	if err != nil {
		return nil, fmt.Errorf("query pending webhook messages: %w", err)
	}
	return collectWebhookMessages(rows)
}

func (s *Store) UpsertContact(ctx context.Context, c *models.Contact) error {
	return s.pool.QueryRow(ctx, `
		INSERT INTO contacts (wallet_id, connection_id, alias, their_label, their_did, role, state, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (wallet_id, connection_id) DO UPDATE SET
			alias = EXCLUDED.alias, their_label = EXCLUDED.their_label, their_did = EXCLUDED.their_did,
			role = EXCLUDED.role, state = EXCLUDED.state, updated_at = NOW()
		RETURNING updated_at
	`, c.WalletID, c.ConnectionID, c.Alias, c.TheirLabel, c.TheirDID, c.Role, c.State).Scan(&c.UpdatedAt)
}

func (s *Store) GetContact(ctx context.Context, walletID, connectionID string) (models.Contact, error) {
	var c models.Contact
	err := s.pool.QueryRow(ctx, `
		SELECT wallet_id, connection_id, alias, their_label, their_did, role, state, updated_at
		FROM contacts WHERE wallet_id = $1 AND connection_id = $2
	`, walletID, connectionID).Scan(&c.WalletID, &c.ConnectionID, &c.Alias, &c.TheirLabel, &c.TheirDID, &c.Role, &c.State, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return c, fmt.Errorf("contact %s: %w", connectionID, ErrNotFound)
	}
	return c, err
}

func (s *Store) UpsertCredential(ctx context.Context, c *models.Credential) error {
	return s.pool.QueryRow(ctx, `
		INSERT INTO credentials (wallet_id, cred_ex_id, connection_id, role, state, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (wallet_id, cred_ex_id) DO UPDATE SET
			connection_id = EXCLUDED.connection_id, role = EXCLUDED.role, state = EXCLUDED.state, updated_at = NOW()
		RETURNING updated_at
	`, c.WalletID, c.CredExID, c.ConnectionID, c.Role, c.State).Scan(&c.UpdatedAt)
}

func (s *Store) GetCredential(ctx context.Context, walletID, credExID string) (models.Credential, error) {
	var c models.Credential
	err := s.pool.QueryRow(ctx, `
		SELECT wallet_id, cred_ex_id, connection_id, role, state, updated_at
		FROM credentials WHERE wallet_id = $1 AND cred_ex_id = $2
	`, walletID, credExID).Scan(&c.WalletID, &c.CredExID, &c.ConnectionID, &c.Role, &c.State, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return c, fmt.Errorf("credential %s: %w", credExID, ErrNotFound)
	}
	return c, err
}

func (s *Store) UpsertPresentation(ctx context.Context, p *models.Presentation) error {
	return s.pool.QueryRow(ctx, `
		INSERT INTO presentations (wallet_id, pres_ex_id, connection_id, role, state, verified, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (wallet_id, pres_ex_id) DO UPDATE SET
			connection_id = EXCLUDED.connection_id, role = EXCLUDED.role, state = EXCLUDED.state,
			verified = EXCLUDED.verified, updated_at = NOW()
		RETURNING updated_at
	`, p.WalletID, p.PresExID, p.ConnectionID, p.Role, p.State, p.Verified).Scan(&p.UpdatedAt)
}

func (s *Store) GetPresentation(ctx context.Context, walletID, presExID string) (models.Presentation, error) {
	var p models.Presentation
	err := s.pool.QueryRow(ctx, `
		SELECT wallet_id, pres_ex_id, connection_id, role, state, verified, updated_at
		FROM presentations WHERE wallet_id = $1 AND pres_ex_id = $2
	`, walletID, presExID).Scan(&p.WalletID, &p.PresExID, &p.ConnectionID, &p.Role, &p.State, &p.Verified, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return p, fmt.Errorf("presentation %s: %w", presExID, ErrNotFound)
	}
	return p, err
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var jobType, status string
	var dataJSON []byte
	if err := row.Scan(&job.JobID, &job.WalletID, &jobType, &status, &job.State, &dataJSON, &job.CreatedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, err
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.Type = models.JobType(jobType)
	job.Status = models.JobStatus(status)
	if len(dataJSON) > 0 {
		if err := json.Unmarshal(dataJSON, &job.Data); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal job data: %w", err)
		}
	}
	return job, nil
}

func scanWebhookMessage(row pgx.Row) (models.TenantWebhookMessage, error) {
	var msg models.TenantWebhookMessage
	var code pgtype.Int4
	var next pgtype.Timestamptz
	if err := row.Scan(&msg.MsgID, &msg.Sequence, &msg.WalletID, &msg.Topic, &msg.Payload, &msg.State, &code, &msg.Response, &next, &msg.CreatedAt, &msg.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return msg, err
		}
		return msg, fmt.Errorf("scan webhook message: %w", err)
	}
	if code.Valid {
		c := int(code.Int32)
		msg.ResponseCode = &c
	}
	if next.Valid {
		t := next.Time
		msg.NextAttemptAt = &t
	}
	return msg, nil
}

func collectWebhookMessages(rows pgx.Rows) ([]models.TenantWebhookMessage, error) {
	defer rows.Close()
	var out []models.TenantWebhookMessage
	for rows.Next() {
		msg, err := scanWebhookMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func marshalData(data map[string]any) ([]byte, error) {
	if data == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal job data: %w", err)
	}
	return b, nil
}
