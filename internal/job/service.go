package job

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	errors "github.com/frahmantamala/escrow-settlement/internal"
)

// Repository defines the data access methods for jobs
type Repository interface {
	Create(ctx context.Context, job *Job) error
	GetByID(ctx context.Context, id string) (*Job, error)
	GetByEmployerID(ctx context.Context, employerID int64, limit, offset int) ([]*Job, error)
	UpdateStatus(ctx context.Context, id string, status string) error
	AssignWorker(ctx context.Context, id string, workerID int64) error
}

// Service handles job lookups and the progress updates driven by settlement.
type Service struct {
	repo   Repository
	logger *slog.Logger
}

func NewService(repo Repository, logger *slog.Logger) *Service {
	return &Service{
		repo:   repo,
		logger: logger,
	}
}

func (s *Service) CreateJob(ctx context.Context, actor *errors.Actor, dto *CreateJobDTO) (*Job, error) {
	if actor == nil {
		return nil, errors.ErrUnauthorizedActor
	}
	if actor.Role != errors.RoleEmployer && !actor.IsAdmin() {
		return nil, errors.ErrUnauthorizedActor.WithMessage("only employers can post jobs")
	}
	if err := dto.Validate(); err != nil {
		s.logger.Error("job validation failed", "error", err, "user_id", actor.UserID)
		return nil, err
	}

	now := time.Now().UTC()
	j := &Job{
		ID:          dto.ID,
		EmployerID:  actor.UserID,
		WorkerID:    dto.WorkerID,
		Title:       dto.Title,
		Description: dto.Description,
		Budget:      dto.Budget,
		Status:      StatusOpen,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.Create(ctx, j); err != nil {
		s.logger.Error("failed to create job", "error", err, "job_id", dto.ID, "user_id", actor.UserID)
		return nil, fmt.Errorf("failed to create job %s: %w", dto.ID, err)
	}

	s.logger.Info("job created", "job_id", j.ID, "employer_id", j.EmployerID, "budget", j.Budget.String())
	return j, nil
}

func (s *Service) GetJob(ctx context.Context, id string) (*Job, error) {
	j, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return j, nil
}

// GetJobForActor returns the job if the actor is a party to it or an admin.
func (s *Service) GetJobForActor(ctx context.Context, actor *errors.Actor, id string) (*Job, error) {
	j, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.IsAdmin() || j.IsOwnedBy(actor.UserID) || j.IsAssignedTo(actor.UserID) {
		return j, nil
	}
	return nil, errors.ErrUnauthorizedActor
}

func (s *Service) ListEmployerJobs(ctx context.Context, employerID int64, limit, offset int) ([]*Job, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.GetByEmployerID(ctx, employerID, limit, offset)
}

// AssignWorker records the worker an escrow was opened for.
func (s *Service) AssignWorker(ctx context.Context, id string, workerID int64) error {
	if err := s.repo.AssignWorker(ctx, id, workerID); err != nil {
		s.logger.Error("failed to assign worker", "error", err, "job_id", id, "worker_id", workerID)
		return fmt.Errorf("failed to assign worker to job %s: %w", id, err)
	}
	return nil
}

func (s *Service) UpdateStatus(ctx context.Context, id string, status string) error {
	if err := s.repo.UpdateStatus(ctx, id, status); err != nil {
		s.logger.Error("failed to update job status", "error", err, "job_id", id, "status", status)
		return fmt.Errorf("failed to update job %s status: %w", id, err)
	}
	s.logger.Info("job status updated", "job_id", id, "status", status)
	return nil
}
