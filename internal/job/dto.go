package job

import (
	"github.com/shopspring/decimal"

	"github.com/frahmantamala/escrow-settlement/internal/core/common/validation"
)

// CreateJobDTO is the request body of POST /api/v1/jobs.
type CreateJobDTO struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Budget      decimal.Decimal `json:"budget"`
	WorkerID    *int64          `json:"worker_id,omitempty"`
}

func (d *CreateJobDTO) Validate() error {
	validator := validation.NewValidator()

	validator.Field("id", d.ID).Required().MaxLength(64)
	validator.Field("title", d.Title).Required().MaxLength(200)
	validator.Field("description", d.Description).MaxLength(2000)
	validator.Field("budget", d.Budget).PositiveDecimal(18)

	if appErr := validator.Validate(); appErr != nil {
		return appErr
	}
	return nil
}
