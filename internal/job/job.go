package job

import (
	"time"

	"github.com/shopspring/decimal"

	errors "github.com/frahmantamala/escrow-settlement/internal"
	jobDatamodel "github.com/frahmantamala/escrow-settlement/internal/core/datamodel/job"
)

type Job struct {
	ID          string          `json:"id"`
	EmployerID  int64           `json:"employer_id"`
	WorkerID    *int64          `json:"worker_id,omitempty"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Budget      decimal.Decimal `json:"budget"`
	Status      string          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

const (
	StatusOpen       = jobDatamodel.StatusOpen
	StatusInProgress = jobDatamodel.StatusInProgress
	StatusCompleted  = jobDatamodel.StatusCompleted
	StatusDisputed   = jobDatamodel.StatusDisputed
	StatusPaid       = jobDatamodel.StatusPaid
	StatusRefunded   = jobDatamodel.StatusRefunded
	StatusCancelled  = jobDatamodel.StatusCancelled
)

var ErrJobNotFound = errors.ErrJobNotFound

func (j *Job) IsOwnedBy(userID int64) bool {
	return j != nil && j.EmployerID == userID
}

func (j *Job) IsAssignedTo(userID int64) bool {
	return j != nil && j.WorkerID != nil && *j.WorkerID == userID
}

// IsClosed reports whether the job can no longer take a new payment.
func (j *Job) IsClosed() bool {
	switch j.Status {
	case StatusPaid, StatusRefunded, StatusCancelled:
		return true
	}
	return false
}

func ToDataModel(j *Job) *jobDatamodel.Job {
	return &jobDatamodel.Job{
		ID:          j.ID,
		EmployerID:  j.EmployerID,
		WorkerID:    j.WorkerID,
		Title:       j.Title,
		Description: j.Description,
		Budget:      j.Budget,
		Status:      j.Status,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
	}
}

func FromDataModel(j *jobDatamodel.Job) *Job {
	return &Job{
		ID:          j.ID,
		EmployerID:  j.EmployerID,
		WorkerID:    j.WorkerID,
		Title:       j.Title,
		Description: j.Description,
		Budget:      j.Budget,
		Status:      j.Status,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
	}
}

// StatusForEscrow maps a mirrored escrow status onto the job's progress.
func StatusForEscrow(blockchainStatus string) (string, bool) {
	switch blockchainStatus {
	case "funded":
		return StatusInProgress, true
	case "completed":
		return StatusCompleted, true
	case "released":
		return StatusPaid, true
	case "disputed":
		return StatusDisputed, true
	case "refunded":
		return StatusRefunded, true
	case "cancelled":
		return StatusCancelled, true
	}
	return "", false
}
