package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/markless/backend/internal/jobstate"
	"github.com/markless/backend/internal/ledger"
	"github.com/markless/backend/internal/middleware"
	"github.com/markless/backend/internal/models"
)

// Request/response structs use snake_case JSON.

type CreateJobRequest struct {
	SourceURL       string `json:"source_url"`
	DurationSeconds int    `json:"duration_seconds"`
}

type JobResponse struct {
	ID              string  `json:"id"`
	SourceURL       string  `json:"source_url"`
	OutputURL       *string `json:"output_url,omitempty"`
	Status          string  `json:"status"`
	CreditsRequired int64   `json:"credits_required"`
	CreditsCharged  *int64  `json:"credits_charged,omitempty"`
	ErrorCode       *string `json:"error_code,omitempty"`
	CreatedAt       string  `json:"created_at"`
}

// EventLister returns a job's recorded status history.
type EventLister interface {
	ListByJob(ctx context.Context, jobID uuid.UUID) ([]*models.JobEvent, error)
}

// CreditEntryLister returns the ledger entries a job produced.
type CreditEntryLister interface {
	ListByJob(ctx context.Context, jobID uuid.UUID) ([]*models.LedgerEntry, error)
}

type Handler struct {
	svc     *Service
	events  EventLister
	entries CreditEntryLister
	log     *slog.Logger
}

func NewHandler(svc *Service, events EventLister, entries CreditEntryLister, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, events: events, entries: entries, log: log}
}

// Create handles POST /api/v1/jobs.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.SourceURL == "" {
		http.Error(w, `{"error":"source_url is required"}`, http.StatusBadRequest)
		return
	}
	if req.DurationSeconds <= 0 {
		http.Error(w, `{"error":"duration_seconds must be > 0"}`, http.StatusBadRequest)
		return
	}

	job, err := h.svc.Submit(r.Context(), acc.ID, req.SourceURL, req.DurationSeconds)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientCredits) {
			writeJSON(w, http.StatusPaymentRequired, map[string]string{"error": "insufficient_credits"})
			return
		}
		h.log.Error("submit job failed", "error", err)
		http.Error(w, `{"error":"submit job failed"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, jobToResponse(job))
}

// List handles GET /api/v1/jobs.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	list, err := h.svc.ListByUser(r.Context(), acc.ID)
	if err != nil {
		h.log.Error("list jobs failed", "error", err)
		http.Error(w, `{"error":"list jobs failed"}`, http.StatusInternalServerError)
		return
	}
	resp := make([]JobResponse, 0, len(list))
	for _, j := range list {
		resp = append(resp, jobToResponse(j))
	}
	writeJSON(w, http.StatusOK, resp)
}

// Get handles GET /api/v1/jobs/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	job, ok := h.jobFromPath(w, r)
	if !ok {
		return
	}
	if job.UserID != acc.ID {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, jobToResponse(job))
}

// Cancel handles POST /api/v1/jobs/{id}/cancel.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid job id"}`, http.StatusBadRequest)
		return
	}
	if err := h.svc.Cancel(r.Context(), acc.ID, id); err != nil {
		if errors.Is(err, jobstate.ErrInvalidTransition) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "invalid_transition"})
			return
		}
		if errors.Is(err, pgx.ErrNoRows) || errors.Is(err, ErrNotJobOwner) {
			http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
			return
		}
		h.log.Error("cancel job failed", "job_id", id, "error", err)
		http.Error(w, `{"error":"cancel failed"}`, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type historyResponse struct {
	Events        []*models.JobEvent    `json:"events"`
	CreditEntries []*models.LedgerEntry `json:"credit_entries"`
}

// History handles GET /api/v1/jobs/{id}/events: the job's status history
// and the credit movements it produced.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	job, ok := h.jobFromPath(w, r)
	if !ok {
		return
	}
	if job.UserID != acc.ID {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	events, err := h.events.ListByJob(r.Context(), job.ID)
	if err != nil {
		h.log.Error("list job events failed", "job_id", job.ID, "error", err)
		http.Error(w, `{"error":"list events failed"}`, http.StatusInternalServerError)
		return
	}
	entries, err := h.entries.ListByJob(r.Context(), job.ID)
	if err != nil {
		h.log.Error("list job ledger entries failed", "job_id", job.ID, "error", err)
		http.Error(w, `{"error":"list entries failed"}`, http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []*models.JobEvent{}
	}
	if entries == nil {
		entries = []*models.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, historyResponse{Events: events, CreditEntries: entries})
}

type jobEventRequest struct {
	Type         string          `json:"type"` // progress | completed | failed | timed_out
	From         string          `json:"from,omitempty"`
	To           string          `json:"to,omitempty"`
	OutputURL    string          `json:"output_url,omitempty"`
	CreditsUsed  int64           `json:"credits_used,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Retryable    bool            `json:"retryable,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
}

// Events handles POST /api/v1/jobs/{id}/events — the executor's progress
// and outcome reports. Guarded by the internal service token.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid job id"}`, http.StatusBadRequest)
		return
	}
	var req jobEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}

	switch req.Type {
	case "progress":
		err = h.svc.ReportProgress(r.Context(), id, req.From, req.To, req.Metadata)
	case "completed":
		err = h.svc.Complete(r.Context(), id, req.OutputURL, req.CreditsUsed)
	case "failed":
		err = h.svc.Fail(r.Context(), id, req.ErrorCode, req.ErrorMessage, req.Retryable)
	case "timed_out":
		err = h.svc.TimeOut(r.Context(), id, req.ErrorMessage)
	default:
		http.Error(w, `{"error":"unknown event type"}`, http.StatusBadRequest)
		return
	}
	if err != nil {
		if errors.Is(err, jobstate.ErrInvalidTransition) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "invalid_transition"})
			return
		}
		if errors.Is(err, pgx.ErrNoRows) {
			http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
			return
		}
		h.log.Error("apply job event failed", "job_id", id, "type", req.Type, "error", err)
		http.Error(w, `{"error":"apply event failed"}`, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) jobFromPath(w http.ResponseWriter, r *http.Request) (*models.Job, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid job id"}`, http.StatusBadRequest)
		return nil, false
	}
	job, err := h.svc.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
			return nil, false
		}
		h.log.Error("get job failed", "job_id", id, "error", err)
		http.Error(w, `{"error":"get job failed"}`, http.StatusInternalServerError)
		return nil, false
	}
	return job, true
}

func jobToResponse(j *models.Job) JobResponse {
	return JobResponse{
		ID:              j.ID.String(),
		SourceURL:       j.SourceURL,
		OutputURL:       j.OutputURL,
		Status:          j.Status,
		CreditsRequired: j.CreditsRequired,
		CreditsCharged:  j.CreditsCharged,
		ErrorCode:       j.ErrorCode,
		CreatedAt:       j.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
