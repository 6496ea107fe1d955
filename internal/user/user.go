package user

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/frahmantamala/escrow-settlement/internal"
	userDatamodel "github.com/frahmantamala/escrow-settlement/internal/core/datamodel/user"
)

type User struct {
	ID            int64           `json:"id"`
	Email         string          `json:"email"`
	Name          string          `json:"name"`
	PasswordHash  string          `json:"-"`
	Role          internal.Role   `json:"role"`
	WalletAddress *string         `json:"wallet_address,omitempty"`
	TotalEarnings decimal.Decimal `json:"total_earnings"`
	IsActive      bool            `json:"is_active"`
	Permissions   []string        `json:"permissions,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

var ErrNotFound = internal.ErrUserNotFound

func (u *User) HasPermission(permission string) bool {
	for _, p := range u.Permissions {
		if p == permission {
			return true
		}
	}
	return false
}

func (u *User) IsAdmin() bool {
	return u.Role == internal.RoleAdmin || u.HasPermission("admin")
}

// Wallet returns the registered ledger address, if any.
func (u *User) Wallet() (common.Address, bool) {
	if u == nil || u.WalletAddress == nil || *u.WalletAddress == "" {
		return common.Address{}, false
	}
	return common.HexToAddress(*u.WalletAddress), true
}

// Actor is the identity the user acts under.
func (u *User) Actor() *internal.Actor {
	return &internal.Actor{
		UserID:      u.ID,
		Email:       u.Email,
		Role:        u.Role,
		Permissions: u.Permissions,
	}
}

func ToDataModel(u *User) *userDatamodel.User {
	return &userDatamodel.User{
		ID:            u.ID,
		Email:         u.Email,
		Name:          u.Name,
		PasswordHash:  u.PasswordHash,
		Role:          string(u.Role),
		WalletAddress: u.WalletAddress,
		TotalEarnings: u.TotalEarnings,
		IsActive:      u.IsActive,
		CreatedAt:     u.CreatedAt,
		UpdatedAt:     u.UpdatedAt,
	}
}

func FromDataModel(u *userDatamodel.User) *User {
	return &User{
		ID:            u.ID,
		Email:         u.Email,
		Name:          u.Name,
		PasswordHash:  u.PasswordHash,
		Role:          internal.Role(u.Role),
		WalletAddress: u.WalletAddress,
		TotalEarnings: u.TotalEarnings,
		IsActive:      u.IsActive,
		CreatedAt:     u.CreatedAt,
		UpdatedAt:     u.UpdatedAt,
		Permissions:   []string{},
	}
}

func FromDataModelWithPermissions(u *userDatamodel.User, permissions []string) *User {
	domainUser := FromDataModel(u)
	domainUser.Permissions = permissions
	return domainUser
}
