package settlement

import (
	"github.com/shopspring/decimal"

	"github.com/frahmantamala/escrow-settlement/internal"
	"github.com/frahmantamala/escrow-settlement/internal/core/common/validation"
	"github.com/frahmantamala/escrow-settlement/internal/escrow"
)

// CreateEscrowDTO is the request body of POST /api/v1/escrows. Amount is the
// gross value locked, in ether units; the platform fee comes out of it.
type CreateEscrowDTO struct {
	JobID    string          `json:"job_id"`
	WorkerID int64           `json:"worker_id"`
	Amount   decimal.Decimal `json:"amount"`
}

func (d *CreateEscrowDTO) Validate() error {
	validator := validation.NewValidator()

	validator.Field("job_id", d.JobID).Required().MaxLength(64)
	validator.Field("worker_id", d.WorkerID).Required()
	validator.Field("amount", d.Amount).PositiveDecimal(escrow.Decimals)

	if appErr := validator.Validate(); appErr != nil {
		return appErr
	}
	return nil
}

// DisputeDTO is the request body of POST /api/v1/escrows/{escrowId}/dispute.
type DisputeDTO struct {
	Reason string `json:"reason"`
}

func (d *DisputeDTO) Validate() error {
	validator := validation.NewValidator()
	validator.Field("reason", d.Reason).Required().MaxLength(500)
	if appErr := validator.Validate(); appErr != nil {
		return appErr
	}
	return nil
}

// ResolveDTO is the request body of POST /api/v1/escrows/{escrowId}/resolve.
type ResolveDTO struct {
	ReleaseToWorker *bool `json:"release_to_worker"`
}

func (d *ResolveDTO) Validate() error {
	validator := validation.NewValidator()
	validator.Field("release_to_worker", d.ReleaseToWorker).Custom(func(v interface{}) *internal.AppError {
		if b, _ := v.(*bool); b == nil {
			return internal.NewValidationFieldError("release_to_worker", "release_to_worker is required", internal.ErrCodeValidationFailed)
		}
		return nil
	})
	if appErr := validator.Validate(); appErr != nil {
		return appErr
	}
	return nil
}
