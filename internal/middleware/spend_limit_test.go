package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/markless/backend/internal/models"
)

// injectAccount wraps a handler to pre-set the account in context,
// simulating what JWTAuth would do upstream.
func injectAccount(acc *models.Account, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(WithAccount(r.Context(), acc)))
	})
}

// limit200 is a handler that writes 200 OK; it proves the middleware let the
// request through.
var limit200 = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
})

// oneCreditPer30s mirrors the production cost formula.
func oneCreditPer30s(seconds int) int64 {
	n := int64((seconds + 29) / 30)
	if n < 1 {
		n = 1
	}
	return n
}

func TestSpendLimit_WithinLimits(t *testing.T) {
	original := dailySpendFn
	dailySpendFn = func(_ context.Context, _ *pgxpool.Pool, _ uuid.UUID) (int64, error) {
		return 0, nil
	}
	defer func() { dailySpendFn = original }()

	acc := &models.Account{ID: uuid.New(), Plan: "free"}
	handler := injectAccount(acc, SpendLimit(nil, oneCreditPer30s)(limit200))

	body := `{"source_url":"https://cdn.example.com/v.mp4","duration_seconds":90}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestSpendLimit_ExceedsDailyCap(t *testing.T) {
	original := dailySpendFn
	dailySpendFn = func(_ context.Context, _ *pgxpool.Pool, _ uuid.UUID) (int64, error) {
		return 198, nil // nearly at the free cap of 200
	}
	defer func() { dailySpendFn = original }()

	acc := &models.Account{ID: uuid.New(), Plan: "free"}
	handler := injectAccount(acc, SpendLimit(nil, oneCreditPer30s)(limit200))

	// 198 spent + 3 needed = 201 > 200 limit
	body := `{"source_url":"https://cdn.example.com/v.mp4","duration_seconds":90}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "exceeds plan limit") {
		t.Errorf("expected plan limit error message, got: %s", rec.Body.String())
	}
}

func TestSpendLimit_ProPlanGetsHigherCap(t *testing.T) {
	original := dailySpendFn
	dailySpendFn = func(_ context.Context, _ *pgxpool.Pool, _ uuid.UUID) (int64, error) {
		return 198, nil
	}
	defer func() { dailySpendFn = original }()

	acc := &models.Account{ID: uuid.New(), Plan: "pro"}
	handler := injectAccount(acc, SpendLimit(nil, oneCreditPer30s)(limit200))

	body := `{"source_url":"https://cdn.example.com/v.mp4","duration_seconds":90}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestSpendLimit_InvalidBody(t *testing.T) {
	acc := &models.Account{ID: uuid.New(), Plan: "free"}
	handler := injectAccount(acc, SpendLimit(nil, oneCreditPer30s)(limit200))

	cases := []struct {
		name string
		body string
	}{
		{"not json", "not-json"},
		{"missing duration", `{"source_url":"https://cdn.example.com/v.mp4"}`},
		{"negative duration", `{"duration_seconds":-5}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tc.body))
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestSpendLimit_BodyRestoredForHandler(t *testing.T) {
	original := dailySpendFn
	dailySpendFn = func(_ context.Context, _ *pgxpool.Pool, _ uuid.UUID) (int64, error) {
		return 0, nil
	}
	defer func() { dailySpendFn = original }()

	body := `{"source_url":"https://cdn.example.com/v.mp4","duration_seconds":60}`
	var seen string
	echo := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b := make([]byte, len(body))
		n, _ := r.Body.Read(b)
		seen = string(b[:n])
		w.WriteHeader(http.StatusOK)
	})

	acc := &models.Account{ID: uuid.New(), Plan: "free"}
	handler := injectAccount(acc, SpendLimit(nil, oneCreditPer30s)(echo))

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if seen != body {
		t.Errorf("handler saw body %q, want %q", seen, body)
	}
}
