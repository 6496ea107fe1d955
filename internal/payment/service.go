package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/frahmantamala/escrow-settlement/internal"
	"github.com/frahmantamala/escrow-settlement/internal/core/events"
	"github.com/frahmantamala/escrow-settlement/internal/job"
)

// EscrowState is one observation of the escrow behind a payment.
type EscrowState struct {
	EscrowID      uint64
	Status        string
	TxHash        string
	DisputeReason string
	ObservedAt    time.Time
}

// ApplyResult describes what a mirror write changed.
type ApplyResult struct {
	Payment  *Payment `json:"payment"`
	Previous string   `json:"previous_status"`
	Changed  bool     `json:"changed"`
	Credited bool     `json:"credited"`
	// Stale is set when the observation predates the last mirrored write and
	// was dropped.
	Stale bool `json:"stale,omitempty"`
}

type Repository interface {
	Create(ctx context.Context, p *Payment) error
	GetByID(ctx context.Context, id int64) (*Payment, error)
	GetByJobID(ctx context.Context, jobID string) (*Payment, error)
	GetByEscrowID(ctx context.Context, escrowID uint64) (*Payment, error)
	ListByUser(ctx context.Context, userID int64, limit, offset int) ([]*Payment, error)
	ListUnsettled(ctx context.Context, afterID int64, limit int) ([]*Payment, error)
	UpdateManualStatus(ctx context.Context, id int64, status string, paidDate *time.Time) (*Payment, error)

	MarkEscrowAttempt(ctx context.Context, p *Payment) (*Payment, error)
	RecordSubmission(ctx context.Context, id int64, txHash string) error
	AbandonEscrowAttempt(ctx context.Context, id int64) error
	ApplyEscrowState(ctx context.Context, id int64, state EscrowState) (*ApplyResult, error)
}

// JobStore is the part of the job service payments depend on.
type JobStore interface {
	GetJob(ctx context.Context, id string) (*job.Job, error)
	UpdateStatus(ctx context.Context, id string, status string) error
	AssignWorker(ctx context.Context, id string, workerID int64) error
}

// Service is the manual payment path. It never touches the mirrored
// escrow columns; payments the bridge manages are refused by the store.
type Service struct {
	repo      Repository
	jobs      JobStore
	publisher events.Publisher
	logger    *slog.Logger
}

func NewService(repo Repository, jobs JobStore, publisher events.Publisher, logger *slog.Logger) *Service {
	return &Service{
		repo:      repo,
		jobs:      jobs,
		publisher: publisher,
		logger:    logger,
	}
}

// CreateManualPayment records a pending, non-escrowed payment for a job.
// It stays available while the ledger is unreachable.
func (s *Service) CreateManualPayment(ctx context.Context, actor *internal.Actor, dto *CreateManualPaymentDTO) (*Payment, error) {
	if err := dto.Validate(); err != nil {
		return nil, err
	}

	j, err := s.jobs.GetJob(ctx, dto.JobID)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin() && !j.IsOwnedBy(actor.UserID) {
		return nil, internal.ErrUnauthorizedActor.WithMessage("only the job's employer can create its payment")
	}
	if j.IsClosed() {
		return nil, internal.NewPreconditionError(fmt.Sprintf("job is %s", j.Status))
	}

	if _, err := s.repo.GetByJobID(ctx, dto.JobID); err == nil {
		return nil, internal.ErrDuplicatePayment
	} else if !errors.Is(err, ErrPaymentNotFound) {
		return nil, fmt.Errorf("failed to look up payment for job %s: %w", dto.JobID, err)
	}

	p := &Payment{
		JobID:            dto.JobID,
		EmployerID:       j.EmployerID,
		WorkerID:         dto.WorkerID,
		Amount:           dto.Amount,
		Status:           StatusPending,
		BlockchainStatus: BlockchainStatusNone,
		UseBlockchain:    false,
	}
	if err := s.repo.Create(ctx, p); err != nil {
		s.logger.Error("failed to create manual payment", "error", err, "job_id", dto.JobID)
		return nil, fmt.Errorf("failed to create payment for job %s: %w", dto.JobID, err)
	}

	s.logger.Info("manual payment created", "payment_id", p.ID, "job_id", p.JobID, "amount", p.Amount.String())
	return p, nil
}

// UpdateManualStatus moves a manual payment between pending, paid and
// overdue. Bridge-managed payments fail with ErrBlockchainManaged.
func (s *Service) UpdateManualStatus(ctx context.Context, actor *internal.Actor, id int64, dto *UpdateStatusDTO) (*Payment, error) {
	if err := dto.Validate(); err != nil {
		return nil, err
	}

	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin() && p.EmployerID != actor.UserID {
		return nil, internal.ErrUnauthorizedActor.WithMessage("only the job's employer can update its payment")
	}
	if p.UseBlockchain {
		return nil, ErrBlockchainManaged
	}

	var paidDate *time.Time
	if dto.Status == StatusPaid {
		now := time.Now().UTC()
		if p.PaidDate != nil {
			now = *p.PaidDate
		}
		paidDate = &now
	}

	updated, err := s.repo.UpdateManualStatus(ctx, id, dto.Status, paidDate)
	if err != nil {
		if errors.Is(err, ErrBlockchainManaged) {
			s.logger.Warn("manual update raced an escrow attempt", "payment_id", id, "job_id", p.JobID)
		}
		return nil, err
	}

	if dto.Status == StatusPaid {
		if err := s.jobs.UpdateStatus(ctx, updated.JobID, job.StatusPaid); err != nil {
			s.logger.Error("failed to mark job paid", "error", err, "job_id", updated.JobID, "payment_id", id)
		}
		s.publish(ctx, updated)
	}

	s.logger.Info("manual payment status updated", "payment_id", id, "job_id", updated.JobID, "status", dto.Status)
	return updated, nil
}

func (s *Service) publish(ctx context.Context, p *Payment) {
	if s.publisher == nil {
		return
	}
	ev := events.NewEscrowEvent(events.EventTypeManualPaid, events.EscrowEventFields{
		JobID:      p.JobID,
		PaymentID:  p.ID,
		EmployerID: p.EmployerID,
		WorkerID:   p.WorkerID,
		Status:     p.Status,
		Amount:     p.Amount.String(),
		Source:     events.SourceManual,
	})
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Error("failed to publish payment event", "error", err, "payment_id", p.ID)
	}
}

// GetPayment returns a payment to either party or an admin.
func (s *Service) GetPayment(ctx context.Context, actor *internal.Actor, id int64) (*Payment, error) {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin() && !p.IsParty(actor.UserID) {
		return nil, internal.ErrUnauthorizedActor
	}
	return p, nil
}

func (s *Service) GetPaymentByJob(ctx context.Context, actor *internal.Actor, jobID string) (*Payment, error) {
	p, err := s.repo.GetByJobID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin() && !p.IsParty(actor.UserID) {
		return nil, internal.ErrUnauthorizedActor
	}
	return p, nil
}

func (s *Service) ListMyPayments(ctx context.Context, actor *internal.Actor, limit, offset int) ([]*Payment, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListByUser(ctx, actor.UserID, limit, offset)
}
