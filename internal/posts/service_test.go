package posts

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	sqlite "github.com/glebarez/sqlite"
	"github.com/parleyhq/parley/backend/internal/apperror"
	"github.com/parleyhq/parley/backend/internal/cache"
	"github.com/parleyhq/parley/backend/internal/users"
	"gorm.io/gorm"
)

type postFixture struct {
	db      *gorm.DB
	pages   *cache.Pages
	server  *miniredis.Miniredis
	service *Service
}

func newPostFixture(t *testing.T) *postFixture {
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
	if err := db.AutoMigrate(&Post{}, &users.Follower{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	server := miniredis.RunT(t)
	client := cache.NewClient(context.Background(), server.Addr(), nil)
	t.Cleanup(func() { _ = client.Close() })
	pages, err := cache.NewPages(cache.PagesConfig{
		Client:       client,
		FeedPageTTL:  30 * time.Second,
		ChatPageTTL:  20 * time.Second,
		FeedIndexTTL: 2 * time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to build page cache: %v", err)
	}

	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build user service: %v", err)
	}
	service, err := NewService(ServiceConfig{Database: db, Users: userService, Pages: pages})
	if err != nil {
		t.Fatalf("failed to build post service: %v", err)
	}
	return &postFixture{db: db, pages: pages, server: server, service: service}
}

func (f *postFixture) follow(t *testing.T, userID, followerID string) {
	t.Helper()
	if err := f.db.Create(&users.Follower{UserID: userID, FollowerID: followerID}).Error; err != nil {
		t.Fatalf("failed to create follow edge: %v", err)
	}
}

func TestCreateInvalidatesAuthorAndFollowerFeeds(t *testing.T) {
	fixture := newPostFixture(t)
	ctx := context.Background()

	// b and c follow a; d is a bystander.
	fixture.follow(t, "a", "b")
	fixture.follow(t, "a", "c")

	keys := map[string]string{}
	for _, subject := range []string{"a", "b", "c", "d"} {
		key := cache.FeedPageKey(subject, 0, 20)
		keys[subject] = key
		fixture.pages.StorePage(ctx, subject, key, []byte(`[]`), fixture.pages.FeedPageTTL())
	}

	if _, err := fixture.service.Create(ctx, "a", "fresh content"); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	for _, subject := range []string{"a", "b", "c"} {
		if fixture.server.Exists(keys[subject]) {
			t.Fatalf("feed page of %q must be invalidated", subject)
		}
	}
	if !fixture.server.Exists(keys["d"]) {
		t.Fatalf("feed page of an unrelated user must survive")
	}
}

func TestCreateValidation(t *testing.T) {
	fixture := newPostFixture(t)

	if _, err := fixture.service.Create(context.Background(), "", "body"); apperror.KindOf(err) != apperror.KindValidation {
		t.Fatalf("expected validation error for missing author, got %v", err)
	}
	if _, err := fixture.service.Create(context.Background(), "a", "  "); apperror.KindOf(err) != apperror.KindValidation {
		t.Fatalf("expected validation error for empty body, got %v", err)
	}
	if _, err := fixture.service.Create(context.Background(), "a", string(make([]byte, maxBodyBytes+1))); apperror.KindOf(err) != apperror.KindValidation {
		t.Fatalf("expected validation error for oversized body, got %v", err)
	}
}

func TestDeleteScopedToAuthor(t *testing.T) {
	fixture := newPostFixture(t)
	ctx := context.Background()

	created, err := fixture.service.Create(ctx, "a", "ephemeral")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if err := fixture.service.Delete(ctx, "b", created.ID); apperror.KindOf(err) != apperror.KindNotFound {
		t.Fatalf("deleting another author's post must report not found, got %v", err)
	}
	if err := fixture.service.Delete(ctx, "a", created.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := fixture.service.Delete(ctx, "a", created.ID); apperror.KindOf(err) != apperror.KindNotFound {
		t.Fatalf("repeated delete must report not found, got %v", err)
	}
}

func TestListFeedMergesFolloweesNewestFirst(t *testing.T) {
	fixture := newPostFixture(t)
	ctx := context.Background()

	// viewer follows a; c is unrelated.
	fixture.follow(t, "a", "viewer")

	stamps := map[string]int64{"old": 1000, "mine": 2000, "followed": 3000, "noise": 4000}
	insert := func(author, body string) {
		t.Helper()
		post := Post{AuthorID: author, Body: body, CreatedAtSeconds: stamps[body]}
		if err := fixture.db.Create(&post).Error; err != nil {
			t.Fatalf("failed to insert post: %v", err)
		}
	}
	insert("a", "old")
	insert("viewer", "mine")
	insert("a", "followed")
	insert("c", "noise")

	feed, err := fixture.service.ListFeed(ctx, "viewer", 0, 20)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(feed) != 3 {
		t.Fatalf("expected 3 feed entries, got %d", len(feed))
	}
	if feed[0].Body != "followed" || feed[1].Body != "mine" || feed[2].Body != "old" {
		t.Fatalf("unexpected feed ordering: %+v", feed)
	}

	if !fixture.server.Exists(cache.FeedPageKey("viewer", 0, 20)) {
		t.Fatalf("expected the listed feed page to be cached")
	}
}

func TestListFeedServedFromCache(t *testing.T) {
	fixture := newPostFixture(t)
	ctx := context.Background()

	if _, err := fixture.service.Create(ctx, "viewer", "only one"); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	first, err := fixture.service.ListFeed(ctx, "viewer", 0, 20)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("expected one post, got %d", len(first))
	}

	if err := fixture.db.Exec("DELETE FROM posts").Error; err != nil {
		t.Fatalf("failed to clear table: %v", err)
	}
	cached, err := fixture.service.ListFeed(ctx, "viewer", 0, 20)
	if err != nil {
		t.Fatalf("cached list failed: %v", err)
	}
	if len(cached) != 1 {
		t.Fatalf("expected cached page to survive the delete, got %d entries", len(cached))
	}
}
