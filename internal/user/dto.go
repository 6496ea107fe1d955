package user

import "github.com/frahmantamala/escrow-settlement/internal/core/common/validation"

// RegisterWalletDTO is the request body of PUT /api/v1/users/me/wallet.
type RegisterWalletDTO struct {
	WalletAddress string `json:"wallet_address"`
}

func (d *RegisterWalletDTO) Validate() error {
	validator := validation.NewValidator()
	validator.Field("wallet_address", d.WalletAddress).Required().Address()
	if appErr := validator.Validate(); appErr != nil {
		return appErr
	}
	return nil
}
