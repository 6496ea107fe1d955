package payment

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/frahmantamala/escrow-settlement/internal/core/events"
	"github.com/frahmantamala/escrow-settlement/internal/escrow"
	"github.com/frahmantamala/escrow-settlement/internal/job"
)

// Metrics is the subset of bridge metrics the payment side reports.
type Metrics interface {
	ObserveDivergence(status string)
	ObserveReconcileBatch(size int)
}

type noopMetrics struct{}

func (noopMetrics) ObserveDivergence(string)  {}
func (noopMetrics) ObserveReconcileBatch(int) {}

// Mirror is the only writer of the escrow columns of a payment. Both the
// bridge and the reconciler go through it, so job progress and events
// follow every confirmed change exactly once.
type Mirror struct {
	repo      Repository
	jobs      JobStore
	publisher events.Publisher
	metrics   Metrics
	logger    *slog.Logger
}

func NewMirror(repo Repository, jobs JobStore, publisher events.Publisher, metrics Metrics, logger *slog.Logger) *Mirror {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Mirror{
		repo:      repo,
		jobs:      jobs,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger,
	}
}

// Begin marks a payment as escrow-managed before anything is broadcast.
// A zero ID creates the row. A job without a worker gets the payee.
func (m *Mirror) Begin(ctx context.Context, p *Payment) (*Payment, error) {
	saved, err := m.repo.MarkEscrowAttempt(ctx, p)
	if err != nil {
		return nil, err
	}

	j, err := m.jobs.GetJob(ctx, saved.JobID)
	if err != nil {
		return nil, err
	}
	if j.WorkerID == nil {
		if err := m.jobs.AssignWorker(ctx, j.ID, saved.WorkerID); err != nil {
			return nil, err
		}
	}
	return saved, nil
}

func (m *Mirror) RecordSubmission(ctx context.Context, id int64, txHash string) error {
	return m.repo.RecordSubmission(ctx, id, txHash)
}

// Abandon returns a payment to the manual path after a failed attempt that
// never reached the ledger.
func (m *Mirror) Abandon(ctx context.Context, id int64) error {
	return m.repo.AbandonEscrowAttempt(ctx, id)
}

// Apply records a confirmed escrow state. The ledger is authoritative: a
// state the stored status cannot reach is still written, with a warning.
func (m *Mirror) Apply(ctx context.Context, p *Payment, state EscrowState, source string) (*ApplyResult, error) {
	res, err := m.repo.ApplyEscrowState(ctx, p.ID, state)
	if err != nil {
		return nil, fmt.Errorf("failed to mirror escrow %d onto payment %d: %w", state.EscrowID, p.ID, err)
	}
	if res.Stale {
		m.logger.Debug("dropped stale escrow observation",
			"payment_id", p.ID,
			"escrow_id", state.EscrowID,
			"observed", state.Status,
			"source", source)
		return res, nil
	}
	if regressed(res.Previous, state.Status) {
		m.logger.Warn("mirrored escrow status regressed on chain",
			"payment_id", p.ID,
			"escrow_id", state.EscrowID,
			"stored", res.Previous,
			"chain", state.Status,
			"source", source)
	}
	if !res.Changed {
		return res, nil
	}

	if source == events.SourceReconciler {
		m.metrics.ObserveDivergence(state.Status)
		m.logger.Info("reconciler corrected payment",
			"payment_id", p.ID,
			"escrow_id", state.EscrowID,
			"from", res.Previous,
			"to", state.Status)
	}

	if status, ok := job.StatusForEscrow(state.Status); ok {
		if err := m.jobs.UpdateStatus(ctx, res.Payment.JobID, status); err != nil {
			m.logger.Error("failed to update job progress",
				"error", err,
				"job_id", res.Payment.JobID,
				"status", status)
		}
	}

	m.publish(ctx, res.Payment, state, source)
	return res, nil
}

func (m *Mirror) publish(ctx context.Context, p *Payment, state EscrowState, source string) {
	if m.publisher == nil {
		return
	}
	eventType, ok := events.TypeForStatus(state.Status)
	if !ok {
		return
	}
	ev := events.NewEscrowEvent(eventType, events.EscrowEventFields{
		JobID:      p.JobID,
		EscrowID:   state.EscrowID,
		PaymentID:  p.ID,
		EmployerID: p.EmployerID,
		WorkerID:   p.WorkerID,
		Status:     state.Status,
		Amount:     p.Amount.String(),
		TxHash:     state.TxHash,
		Source:     source,
	})
	if err := m.publisher.Publish(ctx, ev); err != nil {
		m.logger.Error("failed to publish escrow event", "error", err, "event", eventType, "payment_id", p.ID)
	}
}

func regressed(stored, observed string) bool {
	if stored == "" || stored == BlockchainStatusNone || stored == observed {
		return false
	}
	from, err := escrow.ParseStatus(stored)
	if err != nil {
		return false
	}
	to, err := escrow.ParseStatus(observed)
	if err != nil {
		return false
	}
	return !escrow.Reachable(from, to)
}
