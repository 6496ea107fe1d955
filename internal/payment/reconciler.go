package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/frahmantamala/escrow-settlement/internal"
	"github.com/frahmantamala/escrow-settlement/internal/core/events"
	"github.com/frahmantamala/escrow-settlement/internal/escrow"
	"github.com/frahmantamala/escrow-settlement/internal/ledger"
)

// Summary reports one reconciliation sweep.
type Summary struct {
	Visited   int64 `json:"visited"`
	Corrected int64 `json:"corrected"`
	Credited  int64 `json:"credited"`
	Failed    int64 `json:"failed"`
}

// Reconciler reads escrows back from the ledger and repairs the mirror
// after crashes, pending confirmations or out-of-band contract calls.
type Reconciler struct {
	reader    ledger.Reader
	mirror    *Mirror
	repo      Repository
	metrics   Metrics
	logger    *slog.Logger
	workers   int
	batchSize int
	now       func() time.Time
}

type ReconcilerConfig struct {
	Workers   int
	BatchSize int
}

func NewReconciler(reader ledger.Reader, mirror *Mirror, repo Repository, metrics Metrics, cfg ReconcilerConfig, logger *slog.Logger) *Reconciler {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Reconciler{
		reader:    reader,
		mirror:    mirror,
		repo:      repo,
		metrics:   metrics,
		logger:    logger,
		workers:   cfg.Workers,
		batchSize: cfg.BatchSize,
		now:       time.Now,
	}
}

// ReconcileEscrow mirrors one escrow by its ledger id.
func (r *Reconciler) ReconcileEscrow(ctx context.Context, escrowID uint64) (*ApplyResult, error) {
	observed := r.now().UTC()
	snap, err := r.reader.GetEscrow(ctx, escrowID)
	if err != nil {
		return nil, ledger.AsAppError(err)
	}

	p, err := r.repo.GetByEscrowID(ctx, escrowID)
	if errors.Is(err, ErrPaymentNotFound) {
		p, err = r.repo.GetByJobID(ctx, snap.JobID)
	}
	if err != nil {
		return nil, err
	}
	return r.apply(ctx, p, snap, observed)
}

// ReconcileJob mirrors the escrow behind a job's payment.
func (r *Reconciler) ReconcileJob(ctx context.Context, jobID string) (*ApplyResult, error) {
	p, err := r.repo.GetByJobID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return r.ReconcilePayment(ctx, p)
}

// ReconcilePayment looks the payment's escrow up by id, or by job when no
// escrow was linked yet. A payment with no escrow on the ledger is left
// untouched.
func (r *Reconciler) ReconcilePayment(ctx context.Context, p *Payment) (*ApplyResult, error) {
	escrowID := uint64(0)
	if p.HasEscrow() {
		escrowID = *p.EscrowID
	} else {
		id, found, err := r.reader.EscrowIDByJob(ctx, p.JobID)
		if err != nil {
			return nil, ledger.AsAppError(err)
		}
		if !found {
			return &ApplyResult{Payment: p, Previous: p.BlockchainStatus}, nil
		}
		escrowID = id
	}

	observed := r.now().UTC()
	snap, err := r.reader.GetEscrow(ctx, escrowID)
	if err != nil {
		return nil, ledger.AsAppError(err)
	}
	return r.apply(ctx, p, snap, observed)
}

// apply mirrors a snapshot stamped with the time taken before it was read, so
// a write that lands during the read is never overwritten.
func (r *Reconciler) apply(ctx context.Context, p *Payment, snap *escrow.Escrow, observed time.Time) (*ApplyResult, error) {
	if snap.JobID != p.JobID {
		return nil, internal.ErrProtocolMismatch.WithMessage(
			fmt.Sprintf("escrow %d belongs to job %s, not %s", snap.ID, snap.JobID, p.JobID))
	}
	return r.mirror.Apply(ctx, p, EscrowState{
		EscrowID:      snap.ID,
		Status:        snap.Status.String(),
		DisputeReason: snap.DisputeReason,
		ObservedAt:    observed,
	}, events.SourceReconciler)
}

// ReconcilePending sweeps every escrow-managed payment that has not reached
// a terminal status. One failing payment never stops the sweep.
func (r *Reconciler) ReconcilePending(ctx context.Context) (*Summary, error) {
	pool := NewPool(ctx, r.workers, r.batchSize, r.logger)
	defer pool.Shutdown()

	var (
		summary Summary
		afterID int64
	)
	for {
		if err := ctx.Err(); err != nil {
			return &summary, err
		}

		batch, err := r.repo.ListUnsettled(ctx, afterID, r.batchSize)
		if err != nil {
			return &summary, fmt.Errorf("failed to list unsettled payments: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		r.metrics.ObserveReconcileBatch(len(batch))

		var wg sync.WaitGroup
		for _, p := range batch {
			p := p
			wg.Add(1)
			queued := pool.Submit(Task{
				PaymentID: p.ID,
				Run: func(ctx context.Context) {
					defer wg.Done()
					r.reconcileOne(ctx, p, &summary)
				},
				Drop: wg.Done,
			})
			if !queued {
				wg.Done()
			}
		}
		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		// on cancellation the deferred Shutdown drops the queued tasks, which
		// releases the waiter
		select {
		case <-done:
		case <-ctx.Done():
			return &summary, ctx.Err()
		}

		afterID = batch[len(batch)-1].ID
		if len(batch) < r.batchSize {
			break
		}
	}

	r.logger.Info("reconciliation sweep finished",
		"visited", summary.Visited,
		"corrected", summary.Corrected,
		"credited", summary.Credited,
		"failed", summary.Failed)
	return &summary, nil
}

func (r *Reconciler) reconcileOne(ctx context.Context, p *Payment, summary *Summary) {
	atomic.AddInt64(&summary.Visited, 1)

	res, err := r.ReconcilePayment(ctx, p)
	if err != nil {
		atomic.AddInt64(&summary.Failed, 1)
		r.logger.Warn("failed to reconcile payment", "error", err, "payment_id", p.ID, "job_id", p.JobID)
		return
	}
	if res.Changed {
		atomic.AddInt64(&summary.Corrected, 1)
	}
	if res.Credited {
		atomic.AddInt64(&summary.Credited, 1)
	}
}
