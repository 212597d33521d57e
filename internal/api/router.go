/**
 * @description
 * HTTP router of the corebanking service. Every business route lives under /v1 and
 * requires a staff token; write routes are additionally gated by role.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: routing and standard middleware.
 * - github.com/go-chi/cors: CORS for the back-office web client.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/serenityneo/corebanking-service/internal/domain"
)

// RouterConfig carries the HTTP-level settings.
type RouterConfig struct {
	JWTSecret      string
	JWTIssuer      string
	AllowedOrigins []string
}

// NewRouter creates the chi router and registers every route.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"https://*", "http://*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(AuthMiddleware([]byte(cfg.JWTSecret), cfg.JWTIssuer))

		r.Route("/exchange-rate", func(r chi.Router) {
			r.Get("/", h.handleGetRate)
			r.Get("/history", h.handleRateHistory)
			r.Get("/stats", h.handleRateStats)
			r.With(RequireRole(domain.RoleAdmin)).Put("/", h.handleSetRate)
		})
		r.Get("/convert", h.handleConvert)

		r.Post("/customers", h.handleRegisterCustomer)
		r.Route("/customers/{customerID}", func(r chi.Router) {
			r.Get("/accounts", h.handleListAccounts)
			r.Post("/accounts", h.handleOpenAccounts)
			r.Get("/credits", h.handleListCustomerCredits)
			r.Get("/eligibility", h.handleEvaluateEligibility)

			r.Route("/allocation/{currency}", func(r chi.Router) {
				r.Get("/", h.handleGetAllocation)
				r.Get("/movements", h.handleAllocationMovements)
				r.With(RequireRole(domain.RoleManager)).Post("/disbursements", h.handleAllocationDisburse)
				r.Post("/draws", h.handleAllocationDraw)
				r.Post("/repayments", h.handleAllocationRepay)
			})
		})

		r.Route("/accounts/{accountID}", func(r chi.Router) {
			r.Get("/", h.handleGetAccount)
			r.Get("/transactions", h.handleListTransactions)
			r.Post("/deposits", h.handleDeposit)
			r.Post("/withdrawals", h.handleWithdraw)
		})
		r.Post("/transfers", h.handleTransfer)

		r.Post("/credits", h.handleApplyCredit)
		r.Route("/credits/{creditID}", func(r chi.Router) {
			r.Get("/", h.handleGetCredit)
			r.Get("/history", h.handleCreditHistory)
			r.Post("/repayments", h.handleRepayCredit)
			r.Post("/cancel", h.handleCancelCredit)
			r.Group(func(r chi.Router) {
				r.Use(RequireRole(domain.RoleManager))
				r.Post("/approve", h.handleApproveCredit)
				r.Post("/activate", h.handleActivateCredit)
				r.Post("/overdue", h.handleMarkOverdue)
			})
		})

		r.Route("/approvals", func(r chi.Router) {
			r.Get("/", h.handleListApprovals)
			r.Post("/", h.handleSubmitApproval)
			r.Get("/{requestID}", h.handleGetApproval)
			r.Post("/{requestID}/approve", h.handleApproveRequest)
			r.Post("/{requestID}/reject", h.handleRejectRequest)
			r.Post("/{requestID}/cancel", h.handleCancelRequest)
		})
	})

	return r
}
