package database

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/parleyhq/parley/backend/internal/auth"
	"github.com/parleyhq/parley/backend/internal/codes"
	"github.com/parleyhq/parley/backend/internal/messages"
	"github.com/parleyhq/parley/backend/internal/posts"
	"github.com/parleyhq/parley/backend/internal/syncdoc"
	"github.com/parleyhq/parley/backend/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultPollInterval = 250 * time.Millisecond
	defaultPollDeadline = 30 * time.Second
)

var errNoSeedCredentials = errors.New("no seed credentials available")

// BootstrapConfig describes the one-time initialization parameters.
type BootstrapConfig struct {
	LockKeyClass int32
	LockKeyIndex int32

	AdminUsername string
	AdminPassword string
	AdminEmail    string

	// LegacyUserPath optionally points at a pre-migration single-user
	// record used when no admin credentials are configured.
	LegacyUserPath string

	PollInterval time.Duration
	PollDeadline time.Duration
}

// advisoryLocker serializes one-time initialization across processes.
type advisoryLocker interface {
	TryLock(ctx context.Context) (bool, error)
	Lock(ctx context.Context) error
	Unlock(ctx context.Context) error
}

// Bootstrap performs race-safe schema and seed initialization. Any
// number of processes may call it concurrently against one database:
// the advisory-lock winner applies idempotent DDL and seeds the admin,
// losers poll for readiness and escalate to a blocking acquire only if
// the winner appears to have crashed mid-initialization.
func Bootstrap(ctx context.Context, db *gorm.DB, cfg BootstrapConfig, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	// Advisory locks are session-scoped; pin a single connection for
	// the lock's lifetime while DDL runs on the pool.
	return db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		locker := &pgAdvisoryLock{conn: conn, class: cfg.LockKeyClass, index: cfg.LockKeyIndex}
		return runBootstrap(ctx, db, locker, cfg, logger)
	})
}

func runBootstrap(ctx context.Context, db *gorm.DB, locker advisoryLocker, cfg BootstrapConfig, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	acquired, err := locker.TryLock(ctx)
	if err != nil {
		return err
	}
	if acquired {
		defer unlock(ctx, locker, logger)
		return initialize(ctx, db, cfg, logger)
	}

	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	pollDeadline := cfg.PollDeadline
	if pollDeadline <= 0 {
		pollDeadline = defaultPollDeadline
	}

	logger.Info("waiting for another process to finish initialization")
	deadline := time.NewTimer(pollDeadline)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if schemaReady(db) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-deadline.C:
			// The winner crashed mid-initialization; take over behind a
			// blocking acquire.
			logger.Warn("initialization readiness deadline elapsed, taking over")
			if err := locker.Lock(ctx); err != nil {
				return err
			}
			defer unlock(ctx, locker, logger)
			if schemaReady(db) {
				return nil
			}
			return initialize(ctx, db, cfg, logger)
		}
	}
}

// initialize applies idempotent DDL and seeds the admin account.
// Schema failure is fatal; seeding is best-effort.
func initialize(ctx context.Context, db *gorm.DB, cfg BootstrapConfig, logger *zap.Logger) error {
	// The users table doubles as the readiness signal polled by losing
	// processes, so it migrates last.
	if err := db.WithContext(ctx).AutoMigrate(
		&syncdoc.SyncDocument{},
		&codes.VerificationCode{},
		&messages.Message{},
		&posts.Post{},
		&users.Follower{},
		&users.User{},
	); err != nil {
		return err
	}
	if err := syncdoc.EnsureDocument(ctx, db); err != nil {
		return err
	}

	if err := seedAdmin(ctx, db, cfg, logger); err != nil {
		logger.Warn("admin seeding skipped", zap.Error(err))
	}

	logger.Info("database initialized")
	return nil
}

func schemaReady(db *gorm.DB) bool {
	return db.Migrator().HasTable(&users.User{})
}

type seedCredentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email"`
}

func seedAdmin(ctx context.Context, db *gorm.DB, cfg BootstrapConfig, logger *zap.Logger) error {
	var count int64
	if err := db.WithContext(ctx).Model(&users.User{}).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	seed, err := resolveSeed(cfg)
	if err != nil {
		return err
	}
	if seed.Email != "" && !strings.Contains(seed.Email, "@") {
		return errors.New("malformed seed email")
	}

	admin := users.User{
		ID:           uuid.NewString(),
		Username:     seed.Username,
		Email:        seed.Email,
		PasswordHash: seed.Password,
		Role:         users.RoleAdmin,
		CreatedAtS:   time.Now().UTC().Unix(),
	}
	// Keyed by username so a late race with another initializer is a
	// no-op.
	if err := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "username"}},
		DoNothing: true,
	}).Create(&admin).Error; err != nil {
		return err
	}

	logger.Info("seed administrator created", zap.String("username", admin.Username))
	return nil
}

// resolveSeed prefers configured credentials (stored bcrypt-hashed)
// over a legacy single-user record (stored verbatim; a plaintext legacy
// password is upgraded in place on first successful login).
func resolveSeed(cfg BootstrapConfig) (seedCredentials, error) {
	if cfg.AdminUsername != "" && cfg.AdminPassword != "" {
		hash, err := auth.HashPassword(cfg.AdminPassword)
		if err != nil {
			return seedCredentials{}, err
		}
		return seedCredentials{Username: cfg.AdminUsername, Password: hash, Email: cfg.AdminEmail}, nil
	}

	if cfg.LegacyUserPath != "" {
		raw, err := os.ReadFile(cfg.LegacyUserPath)
		if err == nil {
			var legacy seedCredentials
			if err := json.Unmarshal(raw, &legacy); err == nil &&
				legacy.Username != "" && legacy.Password != "" {
				return legacy, nil
			}
		}
	}

	return seedCredentials{}, errNoSeedCredentials
}

func unlock(ctx context.Context, locker advisoryLocker, logger *zap.Logger) {
	if err := locker.Unlock(ctx); err != nil {
		logger.Warn("advisory unlock failed", zap.Error(err))
	}
}

// pgAdvisoryLock wraps the fixed two-component Postgres advisory lock
// used purely for inter-process coordination.
type pgAdvisoryLock struct {
	conn  *gorm.DB
	class int32
	index int32
}

func (l *pgAdvisoryLock) TryLock(ctx context.Context) (bool, error) {
	var acquired bool
	err := l.conn.WithContext(ctx).
		Raw("SELECT pg_try_advisory_lock(?, ?)", l.class, l.index).
		Scan(&acquired).Error
	return acquired, err
}

func (l *pgAdvisoryLock) Lock(ctx context.Context) error {
	return l.conn.WithContext(ctx).
		Exec("SELECT pg_advisory_lock(?, ?)", l.class, l.index).Error
}

func (l *pgAdvisoryLock) Unlock(ctx context.Context) error {
	return l.conn.WithContext(ctx).
		Exec("SELECT pg_advisory_unlock(?, ?)", l.class, l.index).Error
}
