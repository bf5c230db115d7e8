/**
 * @description
 * This file sets up the HTTP router for the funds-service using the go-chi/chi router.
 * It applies logging, recovery, CORS and authentication middleware and maps the routes to
 * their handlers. Administrative routes additionally require the privileged role.
 */
package api

import (
	"net/http"
	"time"

	"github.com/bms/funds-service/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig carries what the router needs beyond the handlers.
type RouterConfig struct {
	JWTSecret []byte
	JWTIssuer string
	Users     store.UserStore
	// Metrics serves /metrics when set.
	Metrics http.Handler
}

// NewRouter creates a new Chi router and registers the funds-service routes.
func NewRouter(h *Handlers, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("healthy"))
	})
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.JWTSecret, cfg.JWTIssuer, cfg.Users))

		r.Route("/accounts", func(r chi.Router) {
			r.Get("/", h.handleListAccounts)
			r.Post("/", h.handleCreateAccount)
			r.Get("/{accountID}", h.handleGetAccount)
			r.Post("/{accountID}/deposit", h.handleDeposit)
			r.Post("/{accountID}/withdraw", h.handleWithdraw)
			r.Get("/{accountID}/transactions", h.handleListTransactions)
		})

		r.Route("/transactions", func(r chi.Router) {
			r.Get("/search", h.handleSearchTransactions)
			r.Get("/stats", h.handleTransactionStats)
			r.Post("/filter", h.handleFilterTransactions)
			r.Get("/{reference}", h.handleGetTransactionByReference)
		})

		r.Route("/transfers", func(r chi.Router) {
			r.Post("/", h.handleInitiateTransfer)
			r.Post("/{reference}/complete", h.handleCompleteTransfer)
			r.Post("/{reference}/otp", h.handleResendTransferOtp)
		})

		r.Get("/notifications", h.handleListNotifications)
		r.Post("/notifications/{notificationID}/read", h.handleMarkNotificationRead)

		r.Route("/admin", func(r chi.Router) {
			r.Use(RequirePrivileged)

			r.Post("/accounts/{accountID}/freeze", h.handleFreezeAccount)
			r.Post("/accounts/{accountID}/unfreeze", h.handleUnfreezeAccount)
			r.Post("/accounts/{accountID}/close", h.handleCloseAccount)
			r.Put("/accounts/{accountID}/limits", h.handleUpdateAccountLimits)
			r.Get("/transactions/pending", h.handleListPendingTransactions)
			r.Post("/transactions/{transactionID}/approve", h.handleApproveTransaction)
			r.Post("/transactions/{transactionID}/reject", h.handleRejectTransaction)
		})
	})

	return r
}
