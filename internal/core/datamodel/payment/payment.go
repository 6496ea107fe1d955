package payment

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	StatusPending = "pending"
	StatusPaid    = "paid"
	StatusOverdue = "overdue"
)

const (
	BlockchainStatusNone      = "none"
	BlockchainStatusCreated   = "created"
	BlockchainStatusFunded    = "funded"
	BlockchainStatusCompleted = "completed"
	BlockchainStatusReleased  = "released"
	BlockchainStatusDisputed  = "disputed"
	BlockchainStatusRefunded  = "refunded"
	BlockchainStatusCancelled = "cancelled"
)

type Payment struct {
	ID               int64           `gorm:"primaryKey"`
	JobID            string          `gorm:"column:job_id;not null;uniqueIndex"`
	EmployerID       int64           `gorm:"column:employer_id;not null;index"`
	WorkerID         int64           `gorm:"column:worker_id;not null;index"`
	Amount           decimal.Decimal `gorm:"column:amount;type:numeric(36,18);not null"`
	Status           string          `gorm:"column:status;not null;default:pending"`
	PaidDate         *time.Time      `gorm:"column:paid_date"`
	BlockchainStatus string          `gorm:"column:blockchain_status;not null;default:none;index"`
	EscrowID         *uint64         `gorm:"column:escrow_id;uniqueIndex"`
	BlockchainTxHash *string         `gorm:"column:blockchain_tx_hash"`
	UseBlockchain    bool            `gorm:"column:use_blockchain;not null;default:false"`
	EarningsCredited bool            `gorm:"column:earnings_credited;not null;default:false"`
	DisputeReason    *string         `gorm:"column:dispute_reason"`
	LastReconciledAt *time.Time      `gorm:"column:last_reconciled_at"`
	CreatedAt        time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

func (Payment) TableName() string {
	return "payments"
}
