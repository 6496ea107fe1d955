package user

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/frahmantamala/escrow-settlement/internal"
)

type Repository interface {
	GetByID(ctx context.Context, userID int64) (*User, error)
	GetPermissions(ctx context.Context, userID int64) ([]string, error)
	GetByWallet(ctx context.Context, address string) (*User, error)
	UpdateWallet(ctx context.Context, userID int64, address string) error
}

type Service struct {
	repo   Repository
	logger *slog.Logger
}

func NewService(repo Repository, logger *slog.Logger) *Service {
	return &Service{
		repo:   repo,
		logger: logger,
	}
}

func (s *Service) GetByID(ctx context.Context, userID int64) (*User, error) {
	u, err := s.repo.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get user by id: %w", err)
	}

	perms, err := s.repo.GetPermissions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user permissions: %w", err)
	}
	u.Permissions = perms

	return u, nil
}

// RegisterWallet stores the caller's ledger address in EIP-55 form. An
// address already registered to another user is rejected.
func (s *Service) RegisterWallet(ctx context.Context, userID int64, dto *RegisterWalletDTO) (*User, error) {
	if err := dto.Validate(); err != nil {
		return nil, err
	}
	checksummed := common.HexToAddress(dto.WalletAddress).Hex()

	owner, err := s.repo.GetByWallet(ctx, checksummed)
	switch {
	case err == nil && owner.ID != userID:
		s.logger.Warn("wallet already registered", "user_id", userID, "owner_id", owner.ID)
		return nil, internal.NewConflictError("wallet address is registered to another user", internal.ErrCodeInvalidAddress)
	case err != nil && !errors.Is(err, ErrNotFound):
		return nil, fmt.Errorf("failed to look up wallet owner: %w", err)
	}

	if err := s.repo.UpdateWallet(ctx, userID, checksummed); err != nil {
		s.logger.Error("failed to register wallet", "error", err, "user_id", userID)
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to register wallet for user %d: %w", userID, err)
	}

	s.logger.Info("wallet registered", "user_id", userID, "wallet", checksummed)
	return s.GetByID(ctx, userID)
}
