package postgres

import (
	"context"
	"database/sql"
	"errors"

	"gorm.io/gorm"

	"github.com/frahmantamala/escrow-settlement/internal"
	"github.com/frahmantamala/escrow-settlement/internal/auth"
)

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{
		db: db,
	}
}

func (r *Repository) GetCredentials(ctx context.Context, email string) (*auth.Credentials, error) {
	var (
		creds auth.Credentials
		role  string
	)
	query := `SELECT id, email, role, password_hash, is_active FROM users WHERE LOWER(email) = LOWER(?)`

	row := r.db.WithContext(ctx).Raw(query, email).Row()
	if err := row.Scan(&creds.UserID, &creds.Email, &role, &creds.PasswordHash, &creds.IsActive); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, internal.ErrUserNotFound
		}
		return nil, err
	}
	creds.Role = internal.Role(role)
	return &creds, nil
}

// GetActor loads an active user and their granted permissions.
func (r *Repository) GetActor(ctx context.Context, userID int64) (*internal.Actor, error) {
	var (
		actor internal.Actor
		role  string
	)
	query := `SELECT id, email, role FROM users WHERE id = ? AND is_active = ?`

	row := r.db.WithContext(ctx).Raw(query, userID, true).Row()
	if err := row.Scan(&actor.UserID, &actor.Email, &role); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, internal.ErrUserNotFound
		}
		return nil, err
	}
	actor.Role = internal.Role(role)

	permQuery := `SELECT p.name
	             FROM permissions p
	             JOIN user_permissions up ON p.id = up.permission_id
	             WHERE up.user_id = ?`

	rows, err := r.db.WithContext(ctx).Raw(permQuery, userID).Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		actor.Permissions = append(actor.Permissions, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &actor, nil
}

var _ auth.RepositoryAPI = (*Repository)(nil)
