package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	userDatamodel "github.com/frahmantamala/escrow-settlement/internal/core/datamodel/user"
	"github.com/frahmantamala/escrow-settlement/internal/user"
)

const userColumns = `id, email, name, password_hash, role, wallet_address, total_earnings, is_active, created_at, updated_at`

// UserRepository reads users with sqlx. Queries are written with ? and
// rebound for the driver in use.
type UserRepository struct {
	db *sqlx.DB
}

func NewUserRepository(db *sqlx.DB) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) GetByID(ctx context.Context, id int64) (*user.User, error) {
	return r.getOne(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", id)
}

func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*user.User, error) {
	return r.getOne(ctx, "SELECT "+userColumns+" FROM users WHERE email = ?", email)
}

func (r *UserRepository) GetByWallet(ctx context.Context, address string) (*user.User, error) {
	return r.getOne(ctx, "SELECT "+userColumns+" FROM users WHERE LOWER(wallet_address) = LOWER(?)", address)
}

func (r *UserRepository) getOne(ctx context.Context, query string, arg interface{}) (*user.User, error) {
	var row userDatamodel.User
	if err := r.db.GetContext(ctx, &row, r.db.Rebind(query), arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, user.ErrNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return user.FromDataModel(&row), nil
}

func (r *UserRepository) GetPermissions(ctx context.Context, userID int64) ([]string, error) {
	query := r.db.Rebind(`
SELECT p.name
FROM permissions p
JOIN user_permissions up ON p.id = up.permission_id
WHERE up.user_id = ?
ORDER BY p.name`)

	perms := []string{}
	if err := r.db.SelectContext(ctx, &perms, query, userID); err != nil {
		return nil, fmt.Errorf("get permissions: %w", err)
	}
	return perms, nil
}

func (r *UserRepository) UpdateWallet(ctx context.Context, userID int64, address string) error {
	query := r.db.Rebind(`UPDATE users SET wallet_address = ?, updated_at = ? WHERE id = ?`)
	res, err := r.db.ExecContext(ctx, query, address, time.Now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("update wallet: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update wallet: %w", err)
	}
	if n == 0 {
		return user.ErrNotFound
	}
	return nil
}

var _ user.Repository = (*UserRepository)(nil)
