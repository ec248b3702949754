package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"tenant-orchestrator/internal/agent"
	"tenant-orchestrator/internal/config"
	"tenant-orchestrator/internal/events"
	"tenant-orchestrator/internal/jobs"
	"tenant-orchestrator/internal/logging"
	"tenant-orchestrator/internal/models"
	"tenant-orchestrator/internal/store"
	"tenant-orchestrator/internal/telemetry"
)

// DeadLetters lists abandoned webhook message ids.
type DeadLetters interface {
	DLQPeek(ctx context.Context, count int64) ([]string, error)
}

// Server wires HTTP handlers for the agent callback endpoint and the admin API.
type Server struct {
	cfg    config.Config
	store  store.Repository
	bus    *events.Bus
	runner *jobs.Runner
	dlq    DeadLetters
	log    *zap.Logger
}

// New constructs the API server. dlq may be nil.
func New(cfg config.Config, st store.Repository, bus *events.Bus, runner *jobs.Runner, dlq DeadLetters, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{cfg: cfg, store: st, bus: bus, runner: runner, dlq: dlq, log: log}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.With(s.requireAPIKey).Post("/webhook/topic/{topic}", s.handleAgentWebhook)

	r.Put("/tenants/{wallet}", s.handlePutTenant)
	r.Get("/tenants/{wallet}", s.handleGetTenant)
	r.Get("/tenants/{wallet}/jobs", s.handleListJobs)
	r.Post("/tenants/{wallet}/workflows/issuer", s.handleIssuerWorkflow)

	r.Get("/jobs/{id}", s.handleGetJob)
	r.Post("/jobs/{id}/approve", s.handleApprove)
	r.Post("/jobs/{id}/restart", s.handleRestart)

	r.Get("/webhooks/dlq", s.handleDLQ)
	r.Get("/webhooks/{msg_id}", s.handleWebhookHistory)
	return r
}

func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.InboundAPIKey != "" {
			got := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.InboundAPIKey)) != 1 {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// handleAgentWebhook publishes an agent callback on agent::WEBHOOK::<topic>. Subscriber
// failures are logged; the agent always gets 200 once the payload is accepted.
func (s *Server) handleAgentWebhook(w http.ResponseWriter, r *http.Request) {
	topic := chi.URLParam(r, "topic")
	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	walletID := r.Header.Get(agent.WalletHeader)
	if walletID == "" {
		walletID, _ = payload["wallet_id"].(string)
	}

	log := s.log.With(
		zap.String("topic", topic),
		zap.String("wallet_id", walletID),
		zap.String("request_id", middleware.GetReqID(r.Context())))
	ctx := logging.NewContext(r.Context(), log)
	err := s.bus.Publish(ctx, events.Event{
		Topic:    events.AgentTopic(topic),
		WalletID: walletID,
		Payload:  payload,
	})
	if err != nil {
		log.Warn("agent webhook handled with errors", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

type tenantRequest struct {
	Name          string `json:"name"`
	Kind          string `json:"kind"`
	WebhookURL    string `json:"webhook_url"`
	WebhookAPIKey string `json:"webhook_api_key"`
}

func (s *Server) handlePutTenant(w http.ResponseWriter, r *http.Request) {
	walletID := chi.URLParam(r, "wallet")
	var req tenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	kind := models.TenantKind(req.Kind)
	switch kind {
	case "":
		kind = models.TenantKindTenant
	case models.TenantKindTenant, models.TenantKindInnkeeper:
	default:
		http.Error(w, "kind must be tenant or innkeeper", http.StatusBadRequest)
		return
	}

	tenant := models.Tenant{WalletID: walletID}
	if existing, err := s.store.GetTenantByWallet(r.Context(), walletID); err == nil {
		tenant = existing
	} else if !errors.Is(err, store.ErrNotFound) {
		s.writeError(w, err)
		return
	}
	tenant.Name = req.Name
	tenant.Kind = kind
	tenant.WebhookURL = req.WebhookURL
	tenant.WebhookAPIKey = req.WebhookAPIKey
	if err := s.store.UpsertTenant(r.Context(), &tenant); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tenant)
}

func (s *Server) handleGetTenant(w http.ResponseWriter, r *http.Request) {
	tenant, err := s.store.GetTenantByWallet(r.Context(), chi.URLParam(r, "wallet"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tenant)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListJobs(r.Context(), chi.URLParam(r, "wallet"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if list == nil {
		list = []models.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": list})
}

// handleIssuerWorkflow creates the pending endorser, public_did and issuer jobs. Approving
// the endorser job starts the chain.
func (s *Server) handleIssuerWorkflow(w http.ResponseWriter, r *http.Request) {
	walletID := chi.URLParam(r, "wallet")
	created := make([]models.Job, 0, 3)
	for _, t := range []models.JobType{models.JobTypeEndorser, models.JobTypePublicDID, models.JobTypeIssuer} {
		job, err := s.runner.Initiate(r.Context(), walletID, t)
		if err != nil {
			s.writeError(w, err)
			return
		}
		created = append(created, job)
	}
	writeJSON(w, http.StatusCreated, map[string]any{"jobs": created})
}

type jobResponse struct {
	Job   models.Job        `json:"job"`
	Audit []models.JobAudit `json:"audit,omitempty"`
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	audit, err := s.store.ListAudit(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobResponse{Job: job, Audit: audit})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	job, err := s.runner.Approve(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobResponse{Job: job})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	job, err := s.runner.Restart(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobResponse{Job: job})
}

func (s *Server) handleWebhookHistory(w http.ResponseWriter, r *http.Request) {
	msgID := chi.URLParam(r, "msg_id")
	rows, err := s.store.ListWebhookMessages(r.Context(), msgID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if len(rows) == 0 {
		http.Error(w, "webhook message not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"msg_id": msgID, "attempts": rows})
}

// handleDLQ returns abandoned webhook message ids.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	if s.dlq == nil {
		writeJSON(w, http.StatusOK, map[string]any{"items": []string{}})
		return
	}
	items, err := s.dlq.DLQPeek(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dlq", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var agentErr *agent.Error
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, store.ErrJobExists),
		errors.Is(err, store.ErrConflict),
		errors.Is(err, jobs.ErrBackwardTransition),
		errors.Is(err, jobs.ErrTerminal),
		errors.Is(err, jobs.ErrNotRestartable):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, jobs.ErrUnknownJobType):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.As(err, &agentErr):
		http.Error(w, err.Error(), http.StatusBadGateway)
	default:
		s.log.Error("request failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
