package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/clearlane/payguard/internal/auth"
)

// NewRouter mounts the gateway routes. Everything under /v1 sits behind the
// bearer gate; health stays open for probes.
func NewRouter(handler *Handler, authenticator auth.Authenticator) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", handler.Healthz)

	r.Route("/v1", func(r chi.Router) {
		r.Use(requireAuth(authenticator))

		r.Post("/payments", handler.Pay)
		r.Post("/payments/{transactionID}/confirm", handler.Confirm)
		r.Post("/payments/{transactionID}/cancel", handler.Cancel)

		r.Get("/transactions/{transactionID}", handler.GetTransaction)
		r.Get("/transactions/{transactionID}/pack", handler.AuditPack)
		r.Get("/users/{userID}/transactions", handler.GetHistory)

		r.Post("/consent", handler.IssueConsent)
		r.Post("/feedback", handler.Feedback)

		r.Get("/ledger/transactions/{transactionID}", handler.LedgerByTransaction)
		r.Get("/ledger/users/{userID}", handler.LedgerByUser)
		r.Get("/ledger/recent", handler.LedgerRecent)
		r.Get("/ledger/validate", handler.LedgerValidate)
	})

	return r
}

func requireAuth(authenticator auth.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, err := authenticator.Authenticate(r); err != nil {
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
