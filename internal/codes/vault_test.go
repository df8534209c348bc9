package codes

import (
	"context"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestVault(t *testing.T, ttl time.Duration, maxAttempts int, clock *time.Time) *Vault {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access connection pool: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&VerificationCode{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	vault, err := NewVault(VaultConfig{
		Database:    db,
		Secret:      []byte("vault-secret"),
		TTL:         ttl,
		MaxAttempts: maxAttempts,
		Clock:       func() time.Time { return *clock },
	})
	if err != nil {
		t.Fatalf("failed to construct vault: %v", err)
	}
	return vault
}

func TestIssueReturnsSixDigitCode(t *testing.T) {
	now := time.Unix(1700000000, 0)
	vault := newTestVault(t, 10*time.Minute, 10, &now)

	code, err := vault.Issue(context.Background(), "u1", PurposeRegister, "u1@example.com")
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}
	if len(code) != 6 {
		t.Fatalf("expected 6-digit code, got %q", code)
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			t.Fatalf("expected numeric code, got %q", code)
		}
	}
}

func TestConsumeMatchingCodeIsSingleUse(t *testing.T) {
	now := time.Unix(1700000000, 0)
	vault := newTestVault(t, 10*time.Minute, 10, &now)

	code, err := vault.Issue(context.Background(), "u1", PurposeRegister, "u1@example.com")
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}

	result, err := vault.Consume(context.Background(), "u1", PurposeRegister, code)
	if err != nil {
		t.Fatalf("unexpected consume error: %v", err)
	}
	if result.Status != ConsumeOK {
		t.Fatalf("expected ok, got %v", result.Status)
	}
	if result.TargetEmail != "u1@example.com" {
		t.Fatalf("expected stored target email, got %q", result.TargetEmail)
	}

	// Second redemption of the same code must find nothing.
	result, err = vault.Consume(context.Background(), "u1", PurposeRegister, code)
	if err != nil {
		t.Fatalf("unexpected consume error: %v", err)
	}
	if result.Status != ConsumeMissing {
		t.Fatalf("expected missing on reuse, got %v", result.Status)
	}
}

func TestConsumeMismatchDeletesRowAtMaxAttempts(t *testing.T) {
	now := time.Unix(1700000000, 0)
	vault := newTestVault(t, 10*time.Minute, 10, &now)

	if _, err := vault.Issue(context.Background(), "u1", PurposeRegister, ""); err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}

	for attempt := 1; attempt <= 10; attempt++ {
		result, err := vault.Consume(context.Background(), "u1", PurposeRegister, "000000")
		if err != nil {
			t.Fatalf("unexpected consume error on attempt %d: %v", attempt, err)
		}
		if result.Status != ConsumeMismatch {
			t.Fatalf("expected mismatch on attempt %d, got %v", attempt, result.Status)
		}
	}

	result, err := vault.Consume(context.Background(), "u1", PurposeRegister, "000000")
	if err != nil {
		t.Fatalf("unexpected consume error: %v", err)
	}
	if result.Status != ConsumeMissing {
		t.Fatalf("expected missing after attempts exhausted, got %v", result.Status)
	}
}

func TestConsumeExpiredCodeDeletesRow(t *testing.T) {
	now := time.Unix(1700000000, 0)
	vault := newTestVault(t, 10*time.Minute, 10, &now)

	code, err := vault.Issue(context.Background(), "u1", PurposeRegister, "")
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}

	now = now.Add(10 * time.Minute)
	result, err := vault.Consume(context.Background(), "u1", PurposeRegister, code)
	if err != nil {
		t.Fatalf("unexpected consume error: %v", err)
	}
	if result.Status != ConsumeExpired {
		t.Fatalf("expected expired, got %v", result.Status)
	}

	// Expiry-on-read removes the row; the correct code is now useless.
	result, err = vault.Consume(context.Background(), "u1", PurposeRegister, code)
	if err != nil {
		t.Fatalf("unexpected consume error: %v", err)
	}
	if result.Status != ConsumeMissing {
		t.Fatalf("expected missing after expiry, got %v", result.Status)
	}
}

func TestIssueOverwritesPendingCodeAndResetsAttempts(t *testing.T) {
	now := time.Unix(1700000000, 0)
	vault := newTestVault(t, 10*time.Minute, 10, &now)

	first, err := vault.Issue(context.Background(), "u1", PurposeRegister, "old@example.com")
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := vault.Consume(context.Background(), "u1", PurposeRegister, "000000"); err != nil {
			t.Fatalf("unexpected consume error: %v", err)
		}
	}

	second, err := vault.Issue(context.Background(), "u1", PurposeRegister, "new@example.com")
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}

	// The replaced code is dead even if it differs from the new one.
	if first != second {
		result, err := vault.Consume(context.Background(), "u1", PurposeRegister, first)
		if err != nil {
			t.Fatalf("unexpected consume error: %v", err)
		}
		if result.Status != ConsumeMismatch {
			t.Fatalf("expected replaced code to mismatch, got %v", result.Status)
		}
	}

	result, err := vault.Consume(context.Background(), "u1", PurposeRegister, second)
	if err != nil {
		t.Fatalf("unexpected consume error: %v", err)
	}
	if result.Status != ConsumeOK {
		t.Fatalf("expected fresh code to redeem, got %v", result.Status)
	}
	if result.TargetEmail != "new@example.com" {
		t.Fatalf("expected refreshed target email, got %q", result.TargetEmail)
	}
}

func TestConsumeIsScopedByPurpose(t *testing.T) {
	now := time.Unix(1700000000, 0)
	vault := newTestVault(t, 10*time.Minute, 10, &now)

	code, err := vault.Issue(context.Background(), "u1", PurposeRegister, "")
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}

	result, err := vault.Consume(context.Background(), "u1", PurposeChangeEmail, code)
	if err != nil {
		t.Fatalf("unexpected consume error: %v", err)
	}
	if result.Status != ConsumeMissing {
		t.Fatalf("expected missing for foreign purpose, got %v", result.Status)
	}
}

func TestParsePurpose(t *testing.T) {
	if _, ok := ParsePurpose("register"); !ok {
		t.Fatalf("register should parse")
	}
	if _, ok := ParsePurpose("change_email"); !ok {
		t.Fatalf("change_email should parse")
	}
	if _, ok := ParsePurpose("reset_password"); ok {
		t.Fatalf("unknown purpose should not parse")
	}
}
