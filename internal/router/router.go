package router

import (
	"net/http"

	"github.com/markless/backend/internal/auth"
	"github.com/markless/backend/internal/credits"
	"github.com/markless/backend/internal/jobs"
	"github.com/markless/backend/internal/promo"
)

// Middleware wraps a handler with a cross-cutting concern.
type Middleware func(http.Handler) http.Handler

// New returns an http.Handler that serves the API under /api/v1.
// authMW guards user endpoints, internalMW guards service-to-service
// endpoints, and spendMW rate-limits job submission by plan.
func New(
	authHandler *auth.Handler,
	creditsHandler *credits.Handler,
	jobsHandler *jobs.Handler,
	promoHandler *promo.Handler,
	authMW, internalMW, spendMW Middleware,
) http.Handler {
	mux := http.NewServeMux()
	base := "/api/v1"

	mux.HandleFunc("POST "+base+"/auth/register", authHandler.Register)
	mux.HandleFunc("POST "+base+"/auth/login", authHandler.Login)
	mux.Handle("GET "+base+"/account/me", authMW(http.HandlerFunc(authHandler.Me)))

	mux.Handle("GET "+base+"/credits/balance", authMW(http.HandlerFunc(creditsHandler.Balance)))
	mux.Handle("GET "+base+"/credits/ledger", authMW(http.HandlerFunc(creditsHandler.Ledger)))
	mux.Handle("POST "+base+"/credits/grant", internalMW(http.HandlerFunc(creditsHandler.Grant)))
	mux.Handle("GET "+base+"/credits/reconcile", internalMW(http.HandlerFunc(creditsHandler.Reconcile)))

	mux.Handle("POST "+base+"/jobs", authMW(spendMW(http.HandlerFunc(jobsHandler.Create))))
	mux.Handle("GET "+base+"/jobs", authMW(http.HandlerFunc(jobsHandler.List)))
	mux.Handle("GET "+base+"/jobs/{id}", authMW(http.HandlerFunc(jobsHandler.Get)))
	mux.Handle("POST "+base+"/jobs/{id}/cancel", authMW(http.HandlerFunc(jobsHandler.Cancel)))
	mux.Handle("GET "+base+"/jobs/{id}/events", authMW(http.HandlerFunc(jobsHandler.History)))
	mux.Handle("POST "+base+"/jobs/{id}/events", internalMW(http.HandlerFunc(jobsHandler.Events)))

	mux.Handle("POST "+base+"/promos/redeem", authMW(http.HandlerFunc(promoHandler.Redeem)))

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return mux
}
