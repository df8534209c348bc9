package users

import (
	"context"
	"sort"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/parleyhq/parley/backend/internal/apperror"
	"github.com/parleyhq/parley/backend/internal/auth"
	"gorm.io/gorm"
)

func newUserDB(t *testing.T) *gorm.DB {
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
	if err := db.AutoMigrate(&User{}, &Follower{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func seedUser(t *testing.T, db *gorm.DB, id, username, storedPassword string) {
	t.Helper()
	account := User{
		ID:           id,
		Username:     username,
		PasswordHash: storedPassword,
		Role:         RoleMember,
		CreatedAtS:   time.Now().UTC().Unix(),
	}
	if err := db.Create(&account).Error; err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}
}

func TestAuthenticateWithHashedPassword(t *testing.T) {
	db := newUserDB(t)
	hash, err := auth.HashPassword("opensesame")
	if err != nil {
		t.Fatalf("failed to hash password: %v", err)
	}
	seedUser(t, db, "u1", "alice", hash)

	service, err := NewService(ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}

	account, err := service.Authenticate(context.Background(), "alice", "opensesame")
	if err != nil {
		t.Fatalf("authenticate failed: %v", err)
	}
	if account.ID != "u1" {
		t.Fatalf("unexpected account %+v", account)
	}

	if _, err := service.Authenticate(context.Background(), "alice", "wrong"); apperror.KindOf(err) != apperror.KindAuth {
		t.Fatalf("expected auth error for wrong password, got %v", err)
	}
	if _, err := service.Authenticate(context.Background(), "nobody", "opensesame"); apperror.KindOf(err) != apperror.KindAuth {
		t.Fatalf("expected auth error for unknown user, got %v", err)
	}
	if _, err := service.Authenticate(context.Background(), "alice", ""); apperror.KindOf(err) != apperror.KindAuth {
		t.Fatalf("expected auth error for empty password, got %v", err)
	}
}

func TestAuthenticateUpgradesPlaintextCredential(t *testing.T) {
	db := newUserDB(t)
	seedUser(t, db, "u1", "root", "legacy-plain")

	service, err := NewService(ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}

	account, err := service.Authenticate(context.Background(), "root", "legacy-plain")
	if err != nil {
		t.Fatalf("authenticate failed: %v", err)
	}
	if !strings.HasPrefix(account.PasswordHash, "$2") {
		t.Fatalf("returned account must carry the upgraded hash, got %q", account.PasswordHash)
	}

	var stored User
	if err := db.Take(&stored, "id = ?", "u1").Error; err != nil {
		t.Fatalf("failed to reload user: %v", err)
	}
	if !strings.HasPrefix(stored.PasswordHash, "$2") {
		t.Fatalf("stored credential must be upgraded in place, got %q", stored.PasswordHash)
	}

	// The same password keeps working against the upgraded row.
	if _, err := service.Authenticate(context.Background(), "root", "legacy-plain"); err != nil {
		t.Fatalf("authenticate after upgrade failed: %v", err)
	}
	// And the stored hash itself is not accepted as a password.
	if _, err := service.Authenticate(context.Background(), "root", stored.PasswordHash); apperror.KindOf(err) != apperror.KindAuth {
		t.Fatalf("expected auth error for hash-as-password, got %v", err)
	}
}

func TestFollowerAndFolloweeQueries(t *testing.T) {
	db := newUserDB(t)
	edges := []Follower{
		{UserID: "a", FollowerID: "b"},
		{UserID: "a", FollowerID: "c"},
		{UserID: "b", FollowerID: "a"},
	}
	for _, edge := range edges {
		if err := db.Create(&edge).Error; err != nil {
			t.Fatalf("failed to create follow edge: %v", err)
		}
	}

	service, err := NewService(ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}

	followers, err := service.FollowerIDs(context.Background(), "a")
	if err != nil {
		t.Fatalf("follower query failed: %v", err)
	}
	sort.Strings(followers)
	if len(followers) != 2 || followers[0] != "b" || followers[1] != "c" {
		t.Fatalf("unexpected followers of a: %v", followers)
	}

	followees, err := service.FolloweeIDs(context.Background(), "a")
	if err != nil {
		t.Fatalf("followee query failed: %v", err)
	}
	if len(followees) != 1 || followees[0] != "b" {
		t.Fatalf("unexpected followees of a: %v", followees)
	}

	none, err := service.FollowerIDs(context.Background(), "d")
	if err != nil {
		t.Fatalf("follower query failed: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected no followers for d, got %v", none)
	}

	if _, err := service.FollowerIDs(context.Background(), " "); apperror.KindOf(err) != apperror.KindValidation {
		t.Fatalf("expected validation error for blank user, got %v", err)
	}
}
