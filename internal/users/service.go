package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/parleyhq/parley/backend/internal/apperror"
	"github.com/parleyhq/parley/backend/internal/auth"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ServiceConfig describes the dependencies required for account lookups.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service answers credential checks and follower-audience queries.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
}

// NewService constructs the account service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, now: clock, logger: logger}, nil
}

// Authenticate verifies a username/password pair and returns the account.
// Credentials imported from a legacy snapshot may still be stored in
// plaintext; a successful plaintext match is upgraded to bcrypt in place.
func (s *Service) Authenticate(ctx context.Context, username, password string) (User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return User{}, apperror.Auth("invalid credentials")
	}

	var account User
	err := s.db.WithContext(ctx).Where("username = ?", username).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, apperror.Auth("invalid credentials")
	}
	if err != nil {
		return User{}, apperror.Internal(err)
	}

	ok, upgrade := auth.VerifyPassword(account.PasswordHash, password)
	if !ok {
		return User{}, apperror.Auth("invalid credentials")
	}
	if upgrade != "" {
		// Best effort: a failed upgrade leaves the plaintext row for the
		// next login to retry.
		if err := s.db.WithContext(ctx).Model(&User{}).
			Where("id = ?", account.ID).
			Update("password_hash", upgrade).Error; err != nil {
			s.logger.Warn("password upgrade failed", zap.String("user_id", account.ID), zap.Error(err))
		} else {
			account.PasswordHash = upgrade
		}
	}

	return account, nil
}

// FollowerIDs returns the identifiers of every account following userID.
func (s *Service) FollowerIDs(ctx context.Context, userID string) ([]string, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, apperror.Validation("user identifier is required")
	}
	var ids []string
	if err := s.db.WithContext(ctx).Model(&Follower{}).
		Where("user_id = ?", userID).
		Pluck("follower_id", &ids).Error; err != nil {
		return nil, apperror.Internal(err)
	}
	return ids, nil
}

// FolloweeIDs returns the identifiers of every account userID follows.
func (s *Service) FolloweeIDs(ctx context.Context, userID string) ([]string, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, apperror.Validation("user identifier is required")
	}
	var ids []string
	if err := s.db.WithContext(ctx).Model(&Follower{}).
		Where("follower_id = ?", userID).
		Pluck("user_id", &ids).Error; err != nil {
		return nil, apperror.Internal(err)
	}
	return ids, nil
}
