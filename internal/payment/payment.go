package payment

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/frahmantamala/escrow-settlement/internal"
	paymentDatamodel "github.com/frahmantamala/escrow-settlement/internal/core/datamodel/payment"
	"github.com/frahmantamala/escrow-settlement/internal/escrow"
)

const (
	StatusPending = paymentDatamodel.StatusPending
	StatusPaid    = paymentDatamodel.StatusPaid
	StatusOverdue = paymentDatamodel.StatusOverdue
)

const (
	BlockchainStatusNone      = paymentDatamodel.BlockchainStatusNone
	BlockchainStatusCreated   = paymentDatamodel.BlockchainStatusCreated
	BlockchainStatusFunded    = paymentDatamodel.BlockchainStatusFunded
	BlockchainStatusCompleted = paymentDatamodel.BlockchainStatusCompleted
	BlockchainStatusReleased  = paymentDatamodel.BlockchainStatusReleased
	BlockchainStatusDisputed  = paymentDatamodel.BlockchainStatusDisputed
	BlockchainStatusRefunded  = paymentDatamodel.BlockchainStatusRefunded
	BlockchainStatusCancelled = paymentDatamodel.BlockchainStatusCancelled
)

var (
	ErrPaymentNotFound   = internal.ErrPaymentNotFound
	ErrBlockchainManaged = internal.ErrBlockchainManaged
)

// Payment is the off-chain record of what a job owes its worker. Status is
// the business status; BlockchainStatus mirrors the escrow on the ledger.
type Payment struct {
	ID               int64           `json:"id"`
	JobID            string          `json:"job_id"`
	EmployerID       int64           `json:"employer_id"`
	WorkerID         int64           `json:"worker_id"`
	Amount           decimal.Decimal `json:"amount"`
	Status           string          `json:"status"`
	PaidDate         *time.Time      `json:"paid_date,omitempty"`
	BlockchainStatus string          `json:"blockchain_status"`
	EscrowID         *uint64         `json:"escrow_id,omitempty"`
	BlockchainTxHash *string         `json:"blockchain_tx_hash,omitempty"`
	UseBlockchain    bool            `json:"use_blockchain"`
	EarningsCredited bool            `json:"earnings_credited"`
	DisputeReason    *string         `json:"dispute_reason,omitempty"`
	LastReconciledAt *time.Time      `json:"last_reconciled_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

func (p *Payment) IsParty(userID int64) bool {
	return p.EmployerID == userID || p.WorkerID == userID
}

// HasEscrow reports whether a confirmed escrow is linked to the payment.
func (p *Payment) HasEscrow() bool {
	return p.EscrowID != nil && *p.EscrowID != 0
}

// IsSettled reports whether the mirrored escrow can no longer change.
func (p *Payment) IsSettled() bool {
	switch p.BlockchainStatus {
	case BlockchainStatusReleased, BlockchainStatusRefunded, BlockchainStatusCancelled:
		return true
	}
	return false
}

// FromEscrowStatus maps a ledger status onto the mirrored column value.
func FromEscrowStatus(s escrow.Status) string {
	switch s {
	case escrow.StatusCreated:
		return BlockchainStatusCreated
	case escrow.StatusFunded:
		return BlockchainStatusFunded
	case escrow.StatusCompleted:
		return BlockchainStatusCompleted
	case escrow.StatusReleased:
		return BlockchainStatusReleased
	case escrow.StatusDisputed:
		return BlockchainStatusDisputed
	case escrow.StatusRefunded:
		return BlockchainStatusRefunded
	case escrow.StatusCancelled:
		return BlockchainStatusCancelled
	}
	return BlockchainStatusNone
}

func ToDataModel(p *Payment) *paymentDatamodel.Payment {
	return &paymentDatamodel.Payment{
		ID:               p.ID,
		JobID:            p.JobID,
		EmployerID:       p.EmployerID,
		WorkerID:         p.WorkerID,
		Amount:           p.Amount,
		Status:           p.Status,
		PaidDate:         p.PaidDate,
		BlockchainStatus: p.BlockchainStatus,
		EscrowID:         p.EscrowID,
		BlockchainTxHash: p.BlockchainTxHash,
		UseBlockchain:    p.UseBlockchain,
		EarningsCredited: p.EarningsCredited,
		DisputeReason:    p.DisputeReason,
		LastReconciledAt: p.LastReconciledAt,
		CreatedAt:        p.CreatedAt,
		UpdatedAt:        p.UpdatedAt,
	}
}

func FromDataModel(p *paymentDatamodel.Payment) *Payment {
	return &Payment{
		ID:               p.ID,
		JobID:            p.JobID,
		EmployerID:       p.EmployerID,
		WorkerID:         p.WorkerID,
		Amount:           p.Amount,
		Status:           p.Status,
		PaidDate:         p.PaidDate,
		BlockchainStatus: p.BlockchainStatus,
		EscrowID:         p.EscrowID,
		BlockchainTxHash: p.BlockchainTxHash,
		UseBlockchain:    p.UseBlockchain,
		EarningsCredited: p.EarningsCredited,
		DisputeReason:    p.DisputeReason,
		LastReconciledAt: p.LastReconciledAt,
		CreatedAt:        p.CreatedAt,
		UpdatedAt:        p.UpdatedAt,
	}
}
