package payment

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi"

	errors "github.com/frahmantamala/escrow-settlement/internal"
	"github.com/frahmantamala/escrow-settlement/internal/transport"
	"github.com/frahmantamala/escrow-settlement/pkg/logger"
)

type ServiceAPI interface {
	CreateManualPayment(ctx context.Context, actor *errors.Actor, dto *CreateManualPaymentDTO) (*Payment, error)
	UpdateManualStatus(ctx context.Context, actor *errors.Actor, id int64, dto *UpdateStatusDTO) (*Payment, error)
	GetPayment(ctx context.Context, actor *errors.Actor, id int64) (*Payment, error)
	GetPaymentByJob(ctx context.Context, actor *errors.Actor, jobID string) (*Payment, error)
	ListMyPayments(ctx context.Context, actor *errors.Actor, limit, offset int) ([]*Payment, error)
}

type ReconcilerAPI interface {
	ReconcileEscrow(ctx context.Context, escrowID uint64) (*ApplyResult, error)
	ReconcileJob(ctx context.Context, jobID string) (*ApplyResult, error)
	ReconcilePending(ctx context.Context) (*Summary, error)
}

type Handler struct {
	*transport.BaseHandler
	Service    ServiceAPI
	Reconciler ReconcilerAPI
}

func NewHandler(service ServiceAPI, reconciler ReconcilerAPI) *Handler {
	lg := logger.LoggerWrapper()
	if lg == nil {
		lg = slog.Default()
	}
	return &Handler{
		BaseHandler: transport.NewBaseHandler(lg),
		Service:     service,
		Reconciler:  reconciler,
	}
}

// CreatePayment handles POST /api/v1/payments
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.Actor(w, r)
	if !ok {
		return
	}

	var dto CreateManualPaymentDTO
	if appErr := h.DecodeJSON(r, &dto); appErr != nil {
		h.HandleError(w, appErr)
		return
	}

	p, err := h.Service.CreateManualPayment(r.Context(), actor, &dto)
	if err != nil {
		h.Logger.Error("CreatePayment: service error", "error", err, "job_id", dto.JobID, "user_id", actor.UserID)
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusCreated, p)
}

// UpdatePaymentStatus handles PATCH /api/v1/payments/{id}/status
func (h *Handler) UpdatePaymentStatus(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.Actor(w, r)
	if !ok {
		return
	}

	id, appErr := paymentID(r)
	if appErr != nil {
		h.HandleError(w, appErr)
		return
	}

	var dto UpdateStatusDTO
	if appErr := h.DecodeJSON(r, &dto); appErr != nil {
		h.HandleError(w, appErr)
		return
	}

	p, err := h.Service.UpdateManualStatus(r.Context(), actor, id, &dto)
	if err != nil {
		h.Logger.Error("UpdatePaymentStatus: service error", "error", err, "payment_id", id, "user_id", actor.UserID)
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, p)
}

// GetPayment handles GET /api/v1/payments/{id}
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.Actor(w, r)
	if !ok {
		return
	}

	id, appErr := paymentID(r)
	if appErr != nil {
		h.HandleError(w, appErr)
		return
	}

	p, err := h.Service.GetPayment(r.Context(), actor, id)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, p)
}

// GetJobPayment handles GET /api/v1/jobs/{jobId}/payment
func (h *Handler) GetJobPayment(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.Actor(w, r)
	if !ok {
		return
	}

	p, err := h.Service.GetPaymentByJob(r.Context(), actor, chi.URLParam(r, "jobId"))
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, p)
}

// ListMyPayments handles GET /api/v1/payments
func (h *Handler) ListMyPayments(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.Actor(w, r)
	if !ok {
		return
	}

	limit, offset := transport.Pagination(r)
	payments, err := h.Service.ListMyPayments(r.Context(), actor, limit, offset)
	if err != nil {
		h.Logger.Error("ListMyPayments: service error", "error", err, "user_id", actor.UserID)
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"payments": payments,
		"limit":    limit,
		"offset":   offset,
	})
}

// Reconcile handles POST /api/v1/payments/reconcile
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.Actor(w, r)
	if !ok {
		return
	}
	if !actor.IsAdmin() {
		h.HandleError(w, errors.ErrUnauthorizedActor)
		return
	}

	var req ReconcileRequest
	if r.ContentLength != 0 {
		if appErr := h.DecodeJSON(r, &req); appErr != nil {
			h.HandleError(w, appErr)
			return
		}
	}

	var (
		result interface{}
		err    error
	)
	switch {
	case req.EscrowID != 0 && req.JobID != "":
		h.HandleError(w, errors.NewValidationError("provide escrow_id or job_id, not both", errors.ErrCodeValidationFailed))
		return
	case req.EscrowID != 0:
		result, err = h.Reconciler.ReconcileEscrow(r.Context(), req.EscrowID)
	case req.JobID != "":
		result, err = h.Reconciler.ReconcileJob(r.Context(), req.JobID)
	default:
		result, err = h.Reconciler.ReconcilePending(r.Context())
	}
	if err != nil {
		h.Logger.Error("Reconcile: failed", "error", err, "escrow_id", req.EscrowID, "job_id", req.JobID)
		h.HandleServiceError(w, err)
		return
	}

	h.Logger.Info("Reconcile: completed", "escrow_id", req.EscrowID, "job_id", req.JobID, "user_id", actor.UserID)
	h.WriteJSON(w, http.StatusOK, result)
}

func paymentID(r *http.Request) (int64, *errors.AppError) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.NewValidationFieldError("id", "invalid payment id", errors.ErrCodeValidationFailed)
	}
	return id, nil
}
