package credits

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/markless/backend/internal/ledger"
	"github.com/markless/backend/internal/middleware"
	"github.com/markless/backend/internal/models"
)

// LedgerService is the ledger surface the credits handler exposes over HTTP.
type LedgerService interface {
	GetBalance(ctx context.Context, userID uuid.UUID) (int64, error)
	SumEntries(ctx context.Context, userID uuid.UUID) (int64, error)
}

// Granter awards credits and queues the confirmation notification in one
// transaction.
type Granter interface {
	Grant(ctx context.Context, userID uuid.UUID, amount int64, entryType, description, eventID string) (int64, error)
}

// EntryLister lists a user's ledger history.
type EntryLister interface {
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.LedgerEntry, error)
}

// grantTypes are the entry types the internal grant endpoint may write:
// the results of verified payment events, plus manual support adjustments.
var grantTypes = map[string]bool{
	models.EntryPurchase:     true,
	models.EntrySubscription: true,
	models.EntryRefund:       true,
	models.EntryAdjustment:   true,
}

type Handler struct {
	ledger  LedgerService
	granter Granter
	entries EntryLister
	log     *slog.Logger
}

func NewHandler(ledger LedgerService, granter Granter, entries EntryLister, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{ledger: ledger, granter: granter, entries: entries, log: log}
}

type balanceResponse struct {
	Balance int64 `json:"balance"`
}

// Balance handles GET /api/v1/credits/balance.
func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	balance, err := h.ledger.GetBalance(r.Context(), acc.ID)
	if err != nil {
		h.log.Error("get balance failed", "user_id", acc.ID, "error", err)
		http.Error(w, `{"error":"get balance failed"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{Balance: balance})
}

// Ledger handles GET /api/v1/credits/ledger.
func (h *Handler) Ledger(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	list, err := h.entries.ListByUser(r.Context(), acc.ID, 100)
	if err != nil {
		h.log.Error("list ledger failed", "user_id", acc.ID, "error", err)
		http.Error(w, `{"error":"list ledger failed"}`, http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []*models.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, list)
}

type grantRequest struct {
	UserID  string `json:"user_id"`
	Amount  int64  `json:"amount"`
	Type    string `json:"type"`
	Note    string `json:"note"`
	EventID string `json:"event_id"`
}

type grantResponse struct {
	NewBalance int64 `json:"new_balance"`
}

// Grant handles POST /api/v1/credits/grant. The payment integration calls
// this after verifying a provider event; this endpoint only consumes the
// result and is guarded by the internal service token.
func (h *Handler) Grant(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		http.Error(w, `{"error":"invalid user_id"}`, http.StatusBadRequest)
		return
	}
	if !grantTypes[req.Type] {
		http.Error(w, `{"error":"invalid entry type"}`, http.StatusBadRequest)
		return
	}
	if req.Amount == 0 {
		http.Error(w, `{"error":"amount must be nonzero"}`, http.StatusBadRequest)
		return
	}
	if req.EventID == "" {
		http.Error(w, `{"error":"event_id is required"}`, http.StatusBadRequest)
		return
	}

	newBalance, err := h.granter.Grant(r.Context(), userID, req.Amount, req.Type, req.Note, req.EventID)
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidAmount) {
			http.Error(w, `{"error":"invalid amount for entry type"}`, http.StatusBadRequest)
			return
		}
		if errors.Is(err, ledger.ErrInsufficientCredits) {
			writeJSON(w, http.StatusPaymentRequired, map[string]string{"error": "insufficient_credits"})
			return
		}
		h.log.Error("grant credits failed", "user_id", userID, "error", err)
		http.Error(w, `{"error":"grant failed"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, grantResponse{NewBalance: newBalance})
}

// Reconcile handles GET /api/v1/credits/reconcile — an internal audit
// endpoint comparing the materialized balance against the entry sum.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(r.URL.Query().Get("user_id"))
	if err != nil {
		http.Error(w, `{"error":"invalid user_id"}`, http.StatusBadRequest)
		return
	}
	balance, err := h.ledger.GetBalance(r.Context(), userID)
	if err != nil {
		http.Error(w, `{"error":"get balance failed"}`, http.StatusInternalServerError)
		return
	}
	sum, err := h.ledger.SumEntries(r.Context(), userID)
	if err != nil {
		http.Error(w, `{"error":"sum entries failed"}`, http.StatusInternalServerError)
		return
	}
	if balance != sum {
		h.log.Error("ledger divergence detected", "user_id", userID, "balance", balance, "entry_sum", sum)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"balance":    balance,
		"entry_sum":  sum,
		"consistent": balance == sum,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
