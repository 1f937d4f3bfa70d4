package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// planDailyCaps limits how many credits a plan may reserve per day (UTC).
// Unknown plans get the free cap.
var planDailyCaps = map[string]int64{
	"free": 200,
	"pro":  5000,
}

// jobCreatePeek mirrors the job submission body fields the spend limit
// needs. The handler re-parses the full request afterwards.
type jobCreatePeek struct {
	DurationSeconds int `json:"duration_seconds"`
}

// SpendLimit rejects job submissions that would push the account past its
// plan's daily reservation cap. Reads the body to extract the duration,
// then replaces r.Body so the handler can re-read it. cost converts a
// duration in seconds to a credit cost.
func SpendLimit(pool *pgxpool.Pool, cost func(seconds int) int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			acc := AccountFromCtx(r.Context())
			if acc == nil {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}

			bodyBytes, err := io.ReadAll(r.Body)
			r.Body.Close()
			if err != nil {
				http.Error(w, `{"error":"failed to read body"}`, http.StatusBadRequest)
				return
			}
			// Restore body for the handler.
			r.Body = io.NopCloser(bytes.NewReader(bodyBytes))

			var peek jobCreatePeek
			if err := json.Unmarshal(bodyBytes, &peek); err != nil {
				http.Error(w, `{"error":"invalid JSON body"}`, http.StatusBadRequest)
				return
			}
			if peek.DurationSeconds <= 0 {
				http.Error(w, `{"error":"duration_seconds must be > 0"}`, http.StatusBadRequest)
				return
			}

			limit, ok := planDailyCaps[acc.Plan]
			if !ok {
				limit = planDailyCaps["free"]
			}

			needed := cost(peek.DurationSeconds)
			spent, err := dailySpendFn(r.Context(), pool, acc.ID)
			if err != nil {
				http.Error(w, `{"error":"failed to check daily spend"}`, http.StatusInternalServerError)
				return
			}
			if spent+needed > limit {
				http.Error(w, fmt.Sprintf(`{"error":"daily spend %d + cost %d exceeds plan limit %d"}`, spent, needed, limit), http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// dailySpendFn is the function used to compute today's reserved credits.
// Tests can replace this to avoid hitting a real database.
var dailySpendFn = defaultDailySpend

// defaultDailySpend sums job_reserve amounts for the user today (UTC).
// Reservations are negative entries, so the sum is negated.
func defaultDailySpend(ctx context.Context, pool *pgxpool.Pool, userID uuid.UUID) (int64, error) {
	var total int64
	err := pool.QueryRow(ctx, `
		SELECT COALESCE(-SUM(amount), 0)
		FROM ledger_entries
		WHERE user_id = $1 AND entry_type = 'job_reserve'
		  AND created_at >= CURRENT_DATE
	`, userID).Scan(&total)
	return total, err
}
