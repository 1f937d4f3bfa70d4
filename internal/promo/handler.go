package promo

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/jackc/pgx/v5"

	"github.com/markless/backend/internal/middleware"
	"github.com/markless/backend/internal/models"
)

// CampaignResolver maps a public campaign code to its campaign.
type CampaignResolver interface {
	GetCampaignByCode(ctx context.Context, code string) (*models.PromoCampaign, error)
}

type Handler struct {
	svc      *Service
	resolver CampaignResolver
	log      *slog.Logger
}

func NewHandler(svc *Service, resolver CampaignResolver, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, resolver: resolver, log: log}
}

type redeemRequest struct {
	Code  string `json:"code"`
	Token string `json:"token"`
}

// Redeem handles POST /api/v1/promos/redeem. Raw token, client IP, and
// user agent are hashed here; the service and store only ever see digests.
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	var req redeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.Code == "" || req.Token == "" {
		http.Error(w, `{"error":"code and token are required"}`, http.StatusBadRequest)
		return
	}

	campaign, err := h.resolver.GetCampaignByCode(r.Context(), req.Code)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeResult(w, &RedemptionResult{ErrorCode: CodeCampaignNotFound})
			return
		}
		h.log.Error("resolve campaign", "code", req.Code, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	result, err := h.svc.Redeem(r.Context(), acc.ID, campaign.ID,
		hashValue(req.Token), hashValue(clientIP(r)), hashValue(r.UserAgent()))
	if err != nil {
		h.log.Error("redeem promo", "campaign", req.Code, "user_id", acc.ID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeResult(w, result)
}

// writeResult maps the closed error-code set onto HTTP statuses.
func writeResult(w http.ResponseWriter, result *RedemptionResult) {
	status := http.StatusOK
	switch result.ErrorCode {
	case "":
	case CodeCampaignNotFound:
		status = http.StatusNotFound
	case CodeAlreadyRedeemed, CodeCampaignMaxed:
		status = http.StatusConflict
	case CodeCampaignExpired:
		status = http.StatusGone
	case CodeUserNotNew, CodeCampaignDisabled, CodeCampaignNotStarted:
		status = http.StatusForbidden
	default:
		status = http.StatusBadRequest
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(result)
}

func hashValue(v string) string {
	sum := sha256.Sum256([]byte(v))
	return hex.EncodeToString(sum[:])
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
