package codes

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/parleyhq/parley/backend/internal/apperror"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultTTL         = 600 * time.Second
	defaultMaxAttempts = 10
	codeSpace          = 1000000
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingSecret   = errors.New("hmac secret is required")
)

// VaultConfig describes the dependencies of the code vault.
type VaultConfig struct {
	Database    *gorm.DB
	Secret      []byte
	TTL         time.Duration
	MaxAttempts int
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Vault issues and consumes one-time verification codes. Codes are
// stored as HMAC(secret, user‖purpose‖code) and are strictly single
// use: every consumption outcome except mismatch-below-limit deletes
// the row.
type Vault struct {
	db          *gorm.DB
	secret      []byte
	ttl         time.Duration
	maxAttempts int
	clock       func() time.Time
	logger      *zap.Logger
}

// NewVault constructs a Vault with sane defaults.
func NewVault(cfg VaultConfig) (*Vault, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if len(cfg.Secret) == 0 {
		return nil, errMissingSecret
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Vault{
		db:          cfg.Database,
		secret:      cfg.Secret,
		ttl:         ttl,
		maxAttempts: maxAttempts,
		clock:       clock,
		logger:      logger,
	}, nil
}

// Issue generates a fresh 6-digit code for (userID, purpose), replacing
// any pending code and resetting the attempt counter. The plaintext
// code is returned to the caller for delivery and never persisted.
func (v *Vault) Issue(ctx context.Context, userID string, purpose Purpose, targetEmail string) (string, error) {
	if userID == "" {
		return "", apperror.Validation("user identifier is required")
	}

	code, err := randomCode()
	if err != nil {
		return "", apperror.Internal(err)
	}

	record := VerificationCode{
		UserID:           userID,
		Purpose:          string(purpose),
		CodeHash:         v.hash(userID, purpose, code),
		TargetEmail:      targetEmail,
		Attempts:         0,
		ExpiresAtSeconds: v.clock().UTC().Add(v.ttl).Unix(),
	}
	err = v.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "purpose"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"code_hash", "target_email", "attempts", "expires_at_s",
		}),
	}).Create(&record).Error
	if err != nil {
		v.logger.Error("code issue failed", zap.String("user_id", userID), zap.Error(err))
		return "", apperror.Internal(err)
	}
	return code, nil
}

// ConsumeStatus enumerates consumption outcomes.
type ConsumeStatus int

const (
	ConsumeOK ConsumeStatus = iota
	ConsumeMissing
	ConsumeExpired
	ConsumeMismatch
)

// ConsumeResult reports the outcome and, on success, the email the code
// was issued for.
type ConsumeResult struct {
	Status      ConsumeStatus
	TargetEmail string
}

// Consume attempts to redeem a code. The row is locked for the duration
// of the check so concurrent redemptions serialize; at most one caller
// ever sees ConsumeOK for a given issued code.
func (v *Vault) Consume(ctx context.Context, userID string, purpose Purpose, supplied string) (ConsumeResult, error) {
	if userID == "" {
		return ConsumeResult{}, apperror.Validation("user identifier is required")
	}

	result := ConsumeResult{Status: ConsumeMissing}
	now := v.clock().UTC().Unix()
	txErr := v.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record VerificationCode
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ? AND purpose = ?", userID, string(purpose)).
			Take(&record).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			result = ConsumeResult{Status: ConsumeMissing}
			return nil
		}
		if err != nil {
			return err
		}

		if now >= record.ExpiresAtSeconds {
			result = ConsumeResult{Status: ConsumeExpired}
			return deleteCode(tx, userID, purpose)
		}

		expected := v.hash(userID, purpose, supplied)
		if !hmac.Equal([]byte(expected), []byte(record.CodeHash)) {
			result = ConsumeResult{Status: ConsumeMismatch}
			record.Attempts++
			if record.Attempts >= v.maxAttempts {
				// Exhausted: force a reissue rather than leaving a
				// guessable row behind.
				return deleteCode(tx, userID, purpose)
			}
			return tx.Model(&VerificationCode{}).
				Where("user_id = ? AND purpose = ?", userID, string(purpose)).
				Update("attempts", record.Attempts).Error
		}

		result = ConsumeResult{Status: ConsumeOK, TargetEmail: record.TargetEmail}
		return deleteCode(tx, userID, purpose)
	})
	if txErr != nil {
		v.logger.Error("code consume failed", zap.String("user_id", userID), zap.Error(txErr))
		return ConsumeResult{}, apperror.Internal(txErr)
	}
	return result, nil
}

func deleteCode(tx *gorm.DB, userID string, purpose Purpose) error {
	return tx.Where("user_id = ? AND purpose = ?", userID, string(purpose)).
		Delete(&VerificationCode{}).Error
}

// hash keys the HMAC by user and purpose so a code value is never valid
// across unrelated contexts.
func (v *Vault) hash(userID string, purpose Purpose, code string) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(userID))
	mac.Write([]byte{0})
	mac.Write([]byte(purpose))
	mac.Write([]byte{0})
	mac.Write([]byte(code))
	return hex.EncodeToString(mac.Sum(nil))
}

func randomCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(codeSpace))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
