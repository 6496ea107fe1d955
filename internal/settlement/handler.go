package settlement

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

type BridgeAPI interface {
	Status() errors.FeatureState
	CreateEscrow(ctx context.Context, actor *errors.Actor, dto *CreateEscrowDTO) (*Result, error)
	GetEscrow(ctx context.Context, actor *errors.Actor, escrowID uint64) (*EscrowView, error)
	ConfirmCompletion(ctx context.Context, actor *errors.Actor, escrowID uint64) (*Result, error)
	ReleasePayment(ctx context.Context, actor *errors.Actor, escrowID uint64) (*Result, error)
	RaiseDispute(ctx context.Context, actor *errors.Actor, escrowID uint64, dto *DisputeDTO) (*Result, error)
	ResolveDispute(ctx context.Context, actor *errors.Actor, escrowID uint64, dto *ResolveDTO) (*Result, error)
}

type Handler struct {
	*transport.BaseHandler
	Bridge BridgeAPI
}

func NewHandler(bridge BridgeAPI) *Handler {
	lg := logger.LoggerWrapper()
	if lg == nil {
		lg = slog.Default()
	}
	return &Handler{
		BaseHandler: transport.NewBaseHandler(lg),
		Bridge:      bridge,
	}
}

// Status handles GET /api/v1/escrows/status
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	h.WriteJSON(w, http.StatusOK, h.Bridge.Status())
}

// CreateEscrow handles POST /api/v1/escrows
func (h *Handler) CreateEscrow(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.Actor(w, r)
	if !ok {
		return
	}

	var dto CreateEscrowDTO
	if appErr := h.DecodeJSON(r, &dto); appErr != nil {
		h.HandleError(w, appErr)
		return
	}

	res, err := h.Bridge.CreateEscrow(r.Context(), actor, &dto)
	if err != nil {
		h.Logger.Error("CreateEscrow: bridge error", "error", err, "job_id", dto.JobID, "user_id", actor.UserID)
		h.HandleServiceError(w, err)
		return
	}

	status := http.StatusCreated
	if res.AlreadyApplied {
		status = http.StatusOK
	}
	h.writeResult(w, status, res)
}

// GetEscrow handles GET /api/v1/escrows/{escrowId}
func (h *Handler) GetEscrow(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.Actor(w, r)
	if !ok {
		return
	}

	id, appErr := escrowID(r)
	if appErr != nil {
		h.HandleError(w, appErr)
		return
	}

	view, err := h.Bridge.GetEscrow(r.Context(), actor, id)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, view)
}

// ConfirmCompletion handles POST /api/v1/escrows/{escrowId}/confirm
func (h *Handler) ConfirmCompletion(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "ConfirmCompletion", func(ctx context.Context, actor *errors.Actor, id uint64) (*Result, error) {
		return h.Bridge.ConfirmCompletion(ctx, actor, id)
	})
}

// ReleasePayment handles POST /api/v1/escrows/{escrowId}/release
func (h *Handler) ReleasePayment(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "ReleasePayment", func(ctx context.Context, actor *errors.Actor, id uint64) (*Result, error) {
		return h.Bridge.ReleasePayment(ctx, actor, id)
	})
}

// RaiseDispute handles POST /api/v1/escrows/{escrowId}/dispute
func (h *Handler) RaiseDispute(w http.ResponseWriter, r *http.Request) {
	var dto DisputeDTO
	if appErr := h.DecodeJSON(r, &dto); appErr != nil {
		h.HandleError(w, appErr)
		return
	}
	h.transition(w, r, "RaiseDispute", func(ctx context.Context, actor *errors.Actor, id uint64) (*Result, error) {
		return h.Bridge.RaiseDispute(ctx, actor, id, &dto)
	})
}

// ResolveDispute handles POST /api/v1/escrows/{escrowId}/resolve
func (h *Handler) ResolveDispute(w http.ResponseWriter, r *http.Request) {
	var dto ResolveDTO
	if appErr := h.DecodeJSON(r, &dto); appErr != nil {
		h.HandleError(w, appErr)
		return
	}
	h.transition(w, r, "ResolveDispute", func(ctx context.Context, actor *errors.Actor, id uint64) (*Result, error) {
		return h.Bridge.ResolveDispute(ctx, actor, id, &dto)
	})
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, name string, run func(context.Context, *errors.Actor, uint64) (*Result, error)) {
	actor, ok := h.Actor(w, r)
	if !ok {
		return
	}

	id, appErr := escrowID(r)
	if appErr != nil {
		h.HandleError(w, appErr)
		return
	}

	res, err := run(r.Context(), actor, id)
	if err != nil {
		h.Logger.Error(name+": bridge error", "error", err, "escrow_id", id, "user_id", actor.UserID)
		h.HandleServiceError(w, err)
		return
	}

	h.writeResult(w, http.StatusOK, res)
}

// writeResult answers 202 while the transaction awaits confirmation.
func (h *Handler) writeResult(w http.ResponseWriter, status int, res *Result) {
	if res.Pending {
		status = http.StatusAccepted
	}
	h.WriteJSON(w, status, res)
}

func escrowID(r *http.Request) (uint64, *errors.AppError) {
	id, err := strconv.ParseUint(chi.URLParam(r, "escrowId"), 10, 64)
	if err != nil || id == 0 {
		return 0, errors.NewValidationFieldError("escrowId", "invalid escrow id", errors.ErrCodeValidationFailed)
	}
	return id, nil
}
