package rest

import (
	"database/sql"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"

	"github.com/frahmantamala/escrow-settlement/api"
	"github.com/frahmantamala/escrow-settlement/internal/auth"
	"github.com/frahmantamala/escrow-settlement/internal/job"
	"github.com/frahmantamala/escrow-settlement/internal/payment"
	"github.com/frahmantamala/escrow-settlement/internal/settlement"
	"github.com/frahmantamala/escrow-settlement/internal/transport/middleware"
	"github.com/frahmantamala/escrow-settlement/internal/transport/swagger"
	"github.com/frahmantamala/escrow-settlement/internal/user"
)

// Handlers groups the HTTP handlers mounted under /api/v1. A nil handler
// leaves its routes unmounted.
type Handlers struct {
	Auth    *auth.Handler
	User    *user.Handler
	Job     *job.Handler
	Payment *payment.Handler
	Escrow  *settlement.Handler
}

type Options struct {
	DB             *sql.DB
	Ledger         LedgerStatus
	RBAC           *auth.RBACAuthorization
	AllowedOrigins []string
	// Metrics is served at MetricsPath when set.
	Metrics     http.Handler
	MetricsPath string
	Logger      *slog.Logger
}

func RegisterAllRoutes(router *chi.Mux, h Handlers, opts Options) {
	healthHandler := NewHealthHandler(opts.DB, opts.Ledger)
	rbac := opts.RBAC
	if rbac == nil {
		rbac = auth.NewRBACAuthorization(auth.NewPermissionChecker(), opts.Logger)
	}

	// Apply global middleware
	router.Use(middleware.CORS(middleware.CORSConfig{AllowedOrigins: opts.AllowedOrigins}))
	router.Use(middleware.RequestID)
	router.Use(middleware.RecoveryMiddleware(opts.Logger))
	router.Use(middleware.LoggingMiddleware(opts.Logger))

	// Serve OpenAPI spec at root (outside API prefix)
	router.Get("/openapi.yml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/yaml")
		_, _ = w.Write(api.Spec())
	})
	router.Handle("/swagger/*", swagger.Handler())

	if opts.Metrics != nil {
		path := opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		router.Handle(path, opts.Metrics)
	}

	// Mount API under /api/v1 to match the OpenAPI server url
	router.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", healthHandler.healthCheckHandler)
		r.Get("/ping", healthHandler.pingHandler)

		if h.Auth == nil {
			return
		}

		r.Route("/auth", func(sr chi.Router) {
			sr.Post("/login", h.Auth.Login)
			sr.Post("/refresh", h.Auth.RefreshToken)
			sr.With(h.Auth.AuthMiddleware).Post("/logout", h.Auth.Logout)
		})

		// Protected routes that require authentication
		r.Group(func(pr chi.Router) {
			pr.Use(h.Auth.AuthMiddleware)
			pr.Use(middleware.ActorContext)

			if h.User != nil {
				pr.Get("/users/me", h.User.GetCurrentUser)
				pr.Put("/users/me/wallet", h.User.RegisterWallet)
			}

			pr.Route("/jobs", func(jr chi.Router) {
				if h.Job != nil {
					jr.Post("/", h.Job.CreateJob)
					jr.Get("/", h.Job.ListMyJobs)
					jr.Get("/{jobId}", h.Job.GetJob)
				}
				if h.Payment != nil {
					jr.Get("/{jobId}/payment", h.Payment.GetJobPayment)
				}
			})

			if h.Payment != nil {
				pr.Route("/payments", func(pmr chi.Router) {
					pmr.Post("/", h.Payment.CreatePayment)
					pmr.Get("/", h.Payment.ListMyPayments)
					pmr.With(rbac.RequirePermission(auth.PermissionPaymentReconcile)).
						Post("/reconcile", h.Payment.Reconcile)
					pmr.Get("/{id}", h.Payment.GetPayment)
					pmr.Patch("/{id}/status", h.Payment.UpdatePaymentStatus)
				})
			}

			if h.Escrow != nil {
				pr.Route("/escrows", func(er chi.Router) {
					er.Get("/status", h.Escrow.Status)
					er.Post("/", h.Escrow.CreateEscrow)
					er.Get("/{escrowId}", h.Escrow.GetEscrow)
					er.Post("/{escrowId}/confirm", h.Escrow.ConfirmCompletion)
					er.Post("/{escrowId}/release", h.Escrow.ReleasePayment)
					er.Post("/{escrowId}/dispute", h.Escrow.RaiseDispute)

					// Admin-only; the bridge checks again against the escrow.
					er.With(rbac.RequirePermission(auth.PermissionEscrowResolve)).
						Post("/{escrowId}/resolve", h.Escrow.ResolveDispute)
				})
			}
		})
	})
}
