package user

import (
	"time"

	"github.com/shopspring/decimal"
)

type User struct {
	ID            int64           `gorm:"primaryKey" db:"id"`
	Email         string          `gorm:"column:email;uniqueIndex;not null" db:"email"`
	Name          string          `gorm:"column:name;not null" db:"name"`
	PasswordHash  string          `gorm:"column:password_hash;not null" db:"password_hash"`
	Role          string          `gorm:"column:role;not null;default:worker" db:"role"`
	WalletAddress *string         `gorm:"column:wallet_address;uniqueIndex" db:"wallet_address"`
	TotalEarnings decimal.Decimal `gorm:"column:total_earnings;type:numeric(36,18);not null;default:0" db:"total_earnings"`
	IsActive      bool            `gorm:"column:is_active;default:true" db:"is_active"`
	CreatedAt     time.Time       `gorm:"column:created_at;autoCreateTime" db:"created_at"`
	UpdatedAt     time.Time       `gorm:"column:updated_at;autoUpdateTime" db:"updated_at"`
}

func (User) TableName() string {
	return "users"
}

type Permission struct {
	ID          int64     `gorm:"primaryKey"`
	Name        string    `gorm:"column:name;uniqueIndex;not null"`
	Description string    `gorm:"column:description"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
}

type UserPermission struct {
	ID           int64     `gorm:"primaryKey"`
	UserID       int64     `gorm:"column:user_id;not null"`
	PermissionID int64     `gorm:"column:permission_id;not null"`
	GrantedBy    *int64    `gorm:"column:granted_by"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
}
