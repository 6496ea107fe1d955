package job

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"

	errors "github.com/frahmantamala/escrow-settlement/internal"
	"github.com/frahmantamala/escrow-settlement/internal/transport"
	"github.com/frahmantamala/escrow-settlement/pkg/logger"
)

type ServiceAPI interface {
	CreateJob(ctx context.Context, actor *errors.Actor, dto *CreateJobDTO) (*Job, error)
	GetJobForActor(ctx context.Context, actor *errors.Actor, id string) (*Job, error)
	ListEmployerJobs(ctx context.Context, employerID int64, limit, offset int) ([]*Job, error)
}

type Handler struct {
	*transport.BaseHandler
	Service ServiceAPI
}

func NewHandler(service ServiceAPI) *Handler {
	lg := logger.LoggerWrapper()
	if lg == nil {
		lg = slog.Default()
	}
	return &Handler{
		BaseHandler: transport.NewBaseHandler(lg),
		Service:     service,
	}
}

// CreateJob handles POST /api/v1/jobs
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.Actor(w, r)
	if !ok {
		return
	}

	var dto CreateJobDTO
	if appErr := h.DecodeJSON(r, &dto); appErr != nil {
		h.HandleError(w, appErr)
		return
	}

	j, err := h.Service.CreateJob(r.Context(), actor, &dto)
	if err != nil {
		h.Logger.Error("CreateJob: service error", "error", err, "user_id", actor.UserID)
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusCreated, j)
}

// GetJob handles GET /api/v1/jobs/{jobId}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.Actor(w, r)
	if !ok {
		return
	}

	jobID := chi.URLParam(r, "jobId")
	j, err := h.Service.GetJobForActor(r.Context(), actor, jobID)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, j)
}

// ListMyJobs handles GET /api/v1/jobs
func (h *Handler) ListMyJobs(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.Actor(w, r)
	if !ok {
		return
	}

	limit, offset := transport.Pagination(r)
	jobs, err := h.Service.ListEmployerJobs(r.Context(), actor.UserID, limit, offset)
	if err != nil {
		h.Logger.Error("ListMyJobs: service error", "error", err, "user_id", actor.UserID)
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":   jobs,
		"limit":  limit,
		"offset": offset,
	})
}
