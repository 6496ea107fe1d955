package payment

import (
	"github.com/shopspring/decimal"

	"github.com/frahmantamala/escrow-settlement/internal/core/common/validation"
)

// CreateManualPaymentDTO is the request body of POST /api/v1/payments.
type CreateManualPaymentDTO struct {
	JobID    string          `json:"job_id"`
	WorkerID int64           `json:"worker_id"`
	Amount   decimal.Decimal `json:"amount"`
}

func (d *CreateManualPaymentDTO) Validate() error {
	validator := validation.NewValidator()

	validator.Field("job_id", d.JobID).Required().MaxLength(64)
	validator.Field("worker_id", d.WorkerID).Required()
	validator.Field("amount", d.Amount).PositiveDecimal(18)

	if appErr := validator.Validate(); appErr != nil {
		return appErr
	}
	return nil
}

// UpdateStatusDTO is the request body of PATCH /api/v1/payments/{id}/status.
type UpdateStatusDTO struct {
	Status string `json:"status"`
}

func (d *UpdateStatusDTO) Validate() error {
	validator := validation.NewValidator()
	validator.Field("status", d.Status).Required().OneOf(StatusPending, StatusPaid, StatusOverdue)
	if appErr := validator.Validate(); appErr != nil {
		return appErr
	}
	return nil
}

// ReconcileRequest is the request body of POST /api/v1/payments/reconcile.
// Exactly one of EscrowID or JobID is expected; neither reconciles every
// unsettled payment.
type ReconcileRequest struct {
	EscrowID uint64 `json:"escrow_id,omitempty"`
	JobID    string `json:"job_id,omitempty"`
}
