package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	paymentDatamodel "github.com/frahmantamala/escrow-settlement/internal/core/datamodel/payment"
	userDatamodel "github.com/frahmantamala/escrow-settlement/internal/core/datamodel/user"
	paymentpkg "github.com/frahmantamala/escrow-settlement/internal/payment"
)

type PaymentRepository struct {
	db  *gorm.DB
	now func() time.Time
}

func NewPaymentRepository(db *gorm.DB) *PaymentRepository {
	return &PaymentRepository{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (r *PaymentRepository) Create(ctx context.Context, p *paymentpkg.Payment) error {
	model := paymentpkg.ToDataModel(p)
	if model.BlockchainStatus == "" {
		model.BlockchainStatus = paymentpkg.BlockchainStatusNone
	}
	if model.Status == "" {
		model.Status = paymentpkg.StatusPending
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	*p = *paymentpkg.FromDataModel(model)
	return nil
}

func (r *PaymentRepository) GetByID(ctx context.Context, id int64) (*paymentpkg.Payment, error) {
	return r.first(r.db.WithContext(ctx).Where("id = ?", id))
}

func (r *PaymentRepository) GetByJobID(ctx context.Context, jobID string) (*paymentpkg.Payment, error) {
	return r.first(r.db.WithContext(ctx).Where("job_id = ?", jobID))
}

func (r *PaymentRepository) GetByEscrowID(ctx context.Context, escrowID uint64) (*paymentpkg.Payment, error) {
	return r.first(r.db.WithContext(ctx).Where("escrow_id = ?", escrowID))
}

func (r *PaymentRepository) first(q *gorm.DB) (*paymentpkg.Payment, error) {
	var model paymentDatamodel.Payment
	if err := q.First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, paymentpkg.ErrPaymentNotFound
		}
		return nil, err
	}
	return paymentpkg.FromDataModel(&model), nil
}

func (r *PaymentRepository) ListByUser(ctx context.Context, userID int64, limit, offset int) ([]*paymentpkg.Payment, error) {
	var models []*paymentDatamodel.Payment
	err := r.db.WithContext(ctx).
		Where("employer_id = ? OR worker_id = ?", userID, userID).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return fromModels(models), nil
}

// ListUnsettled pages, by id, through bridge-managed payments whose escrow
// can still change.
func (r *PaymentRepository) ListUnsettled(ctx context.Context, afterID int64, limit int) ([]*paymentpkg.Payment, error) {
	var models []*paymentDatamodel.Payment
	err := r.db.WithContext(ctx).
		Where("use_blockchain = ? AND id > ?", true, afterID).
		Where("blockchain_status NOT IN ?", []string{
			paymentpkg.BlockchainStatusReleased,
			paymentpkg.BlockchainStatusRefunded,
			paymentpkg.BlockchainStatusCancelled,
		}).
		Order("id ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return fromModels(models), nil
}

// UpdateManualStatus changes the business status of a payment the bridge
// does not manage. Marking it paid credits the worker once.
func (r *PaymentRepository) UpdateManualStatus(ctx context.Context, id int64, status string, paidDate *time.Time) (*paymentpkg.Payment, error) {
	var out *paymentpkg.Payment
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&paymentDatamodel.Payment{}).
			Where("id = ? AND use_blockchain = ?", id, false).
			Updates(map[string]interface{}{
				"status":     status,
				"paid_date":  paidDate,
				"updated_at": r.now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			if _, err := r.first(tx.Where("id = ?", id)); err != nil {
				return err
			}
			return paymentpkg.ErrBlockchainManaged
		}

		current, err := r.first(tx.Where("id = ?", id))
		if err != nil {
			return err
		}
		if status == paymentpkg.StatusPaid {
			credited, err := r.creditOnce(tx, current)
			if err != nil {
				return err
			}
			current.EarningsCredited = current.EarningsCredited || credited
		}
		out = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MarkEscrowAttempt records that an escrow is about to be submitted for the
// payment, creating the row when p.ID is zero. A payment that already has
// an escrow or was paid manually is never taken over.
func (r *PaymentRepository) MarkEscrowAttempt(ctx context.Context, p *paymentpkg.Payment) (*paymentpkg.Payment, error) {
	if p.ID == 0 {
		p.UseBlockchain = true
		p.Status = paymentpkg.StatusPending
		p.BlockchainStatus = paymentpkg.BlockchainStatusNone
		if err := r.Create(ctx, p); err != nil {
			return nil, fmt.Errorf("create payment for job %s: %w", p.JobID, err)
		}
		return p, nil
	}

	res := r.db.WithContext(ctx).Model(&paymentDatamodel.Payment{}).
		Where("id = ? AND escrow_id IS NULL AND status <> ?", p.ID, paymentpkg.StatusPaid).
		Updates(map[string]interface{}{
			"use_blockchain": true,
			"worker_id":      p.WorkerID,
			"amount":         p.Amount,
			"updated_at":     r.now(),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, paymentpkg.ErrBlockchainManaged
	}
	return r.GetByID(ctx, p.ID)
}

func (r *PaymentRepository) RecordSubmission(ctx context.Context, id int64, txHash string) error {
	res := r.db.WithContext(ctx).Model(&paymentDatamodel.Payment{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"blockchain_tx_hash": txHash,
			"updated_at":         r.now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return paymentpkg.ErrPaymentNotFound
	}
	return nil
}

// AbandonEscrowAttempt hands a payment back to the manual path when the
// escrow was rejected before anything reached the ledger.
func (r *PaymentRepository) AbandonEscrowAttempt(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).Model(&paymentDatamodel.Payment{}).
		Where("id = ? AND escrow_id IS NULL AND blockchain_tx_hash IS NULL", id).
		Updates(map[string]interface{}{
			"use_blockchain": false,
			"updated_at":     r.now(),
		}).Error
}

// ApplyEscrowState overwrites the mirrored escrow columns with an observed
// ledger state. Observations older than last_reconciled_at are dropped. A release marks the payment paid and credits the worker's
// earnings at most once, guarded by earnings_credited in the same transaction.
func (r *PaymentRepository) ApplyEscrowState(ctx context.Context, id int64, state paymentpkg.EscrowState) (*paymentpkg.ApplyResult, error) {
	result := &paymentpkg.ApplyResult{}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := r.first(tx.Where("id = ?", id))
		if err != nil {
			return err
		}
		if current.HasEscrow() && *current.EscrowID != state.EscrowID {
			return fmt.Errorf("payment %d is linked to escrow %d, not %d", id, *current.EscrowID, state.EscrowID)
		}
		result.Previous = current.BlockchainStatus

		observedAt := state.ObservedAt
		if observedAt.IsZero() {
			observedAt = r.now()
		}
		observedAt = observedAt.Truncate(time.Microsecond)
		// a read taken before the last mirrored write must not overwrite it
		if current.LastReconciledAt != nil && observedAt.Before(*current.LastReconciledAt) {
			result.Payment = current
			result.Stale = true
			return nil
		}
		updates := map[string]interface{}{
			"blockchain_status":  state.Status,
			"escrow_id":          state.EscrowID,
			"use_blockchain":     true,
			"last_reconciled_at": observedAt,
			"updated_at":         r.now(),
		}
		if state.TxHash != "" {
			updates["blockchain_tx_hash"] = state.TxHash
		}
		if state.DisputeReason != "" {
			updates["dispute_reason"] = state.DisputeReason
		}
		if state.Status == paymentpkg.BlockchainStatusReleased {
			updates["status"] = paymentpkg.StatusPaid
			if current.PaidDate == nil {
				updates["paid_date"] = observedAt
			}
		}
		if err := tx.Model(&paymentDatamodel.Payment{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return err
		}

		if state.Status == paymentpkg.BlockchainStatusReleased {
			credited, err := r.creditOnce(tx, current)
			if err != nil {
				return err
			}
			result.Credited = credited
		}

		updated, err := r.first(tx.Where("id = ?", id))
		if err != nil {
			return err
		}
		result.Payment = updated
		result.Changed = result.Previous != updated.BlockchainStatus || !current.HasEscrow()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// creditOnce flips earnings_credited and, only if this call flipped it,
// adds the payment amount to the worker's total.
func (r *PaymentRepository) creditOnce(tx *gorm.DB, p *paymentpkg.Payment) (bool, error) {
	flip := tx.Model(&paymentDatamodel.Payment{}).
		Where("id = ? AND earnings_credited = ?", p.ID, false).
		Update("earnings_credited", true)
	if flip.Error != nil {
		return false, flip.Error
	}
	if flip.RowsAffected == 0 {
		return false, nil
	}

	res := tx.Model(&userDatamodel.User{}).
		Where("id = ?", p.WorkerID).
		Updates(map[string]interface{}{
			"total_earnings": gorm.Expr("total_earnings + ?", p.Amount),
			"updated_at":     r.now(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("credit earnings for worker %d: %w", p.WorkerID, res.Error)
	}
	if res.RowsAffected == 0 {
		return false, fmt.Errorf("credit earnings: worker %d not found", p.WorkerID)
	}
	return true, nil
}

func fromModels(models []*paymentDatamodel.Payment) []*paymentpkg.Payment {
	out := make([]*paymentpkg.Payment, 0, len(models))
	for _, m := range models {
		out = append(out, paymentpkg.FromDataModel(m))
	}
	return out
}

var _ paymentpkg.Repository = (*PaymentRepository)(nil)
