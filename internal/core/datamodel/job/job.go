package job

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	StatusOpen       = "open"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusDisputed   = "disputed"
	StatusPaid       = "paid"
	StatusRefunded   = "refunded"
	StatusCancelled  = "cancelled"
)

type Job struct {
	ID          string          `gorm:"primaryKey;column:id"`
	EmployerID  int64           `gorm:"column:employer_id;not null;index"`
	WorkerID    *int64          `gorm:"column:worker_id;index"`
	Title       string          `gorm:"column:title;not null"`
	Description string          `gorm:"column:description"`
	Budget      decimal.Decimal `gorm:"column:budget;type:numeric(36,18);not null"`
	Status      string          `gorm:"column:status;not null;default:open"`
	CreatedAt   time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

func (Job) TableName() string {
	return "jobs"
}
