package posts

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/parleyhq/parley/backend/internal/apperror"
	"github.com/parleyhq/parley/backend/internal/cache"
	"github.com/parleyhq/parley/backend/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxBodyBytes = 8192

var errMissingDatabase = errors.New("database handle is required")

// ServiceConfig describes the dependencies of the post service.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Users    *users.Service
	Pages    *cache.Pages
	Logger   *zap.Logger
}

// Service persists posts and invalidates the cached feed pages of the
// affected audience: the author plus every current follower. The feed
// is a broadcast-style view, so the audience is wide; invalidation is
// best-effort and never fails the write.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	users  *users.Service
	pages  *cache.Pages
	logger *zap.Logger
}

// NewService constructs the post service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     cfg.Database,
		clock:  clock,
		users:  cfg.Users,
		pages:  cfg.Pages,
		logger: logger,
	}, nil
}

// Create stores a post and invalidates the audience's cached feeds.
func (s *Service) Create(ctx context.Context, authorID, body string) (Post, error) {
	authorID = strings.TrimSpace(authorID)
	if authorID == "" {
		return Post{}, apperror.Validation("author is required")
	}
	if strings.TrimSpace(body) == "" {
		return Post{}, apperror.Validation("post body is required")
	}
	if len(body) > maxBodyBytes {
		return Post{}, apperror.Validation("post body too large")
	}

	post := Post{
		AuthorID:         authorID,
		Body:             body,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&post).Error; err != nil {
		s.logger.Error("post insert failed", zap.String("author_id", authorID), zap.Error(err))
		return Post{}, apperror.Internal(err)
	}

	s.invalidateAudience(ctx, authorID)
	return post, nil
}

// Delete removes the author's post and invalidates the same audience a
// creation would.
func (s *Service) Delete(ctx context.Context, authorID string, postID int64) error {
	result := s.db.WithContext(ctx).
		Where("id = ? AND author_id = ?", postID, authorID).
		Delete(&Post{})
	if result.Error != nil {
		return apperror.Internal(result.Error)
	}
	if result.RowsAffected == 0 {
		return apperror.NotFound("post not found")
	}
	s.invalidateAudience(ctx, authorID)
	return nil
}

func (s *Service) invalidateAudience(ctx context.Context, authorID string) {
	if s.pages == nil {
		return
	}
	audience := []string{authorID}
	if s.users != nil {
		followerIDs, err := s.users.FollowerIDs(ctx, authorID)
		if err != nil {
			// The write already committed; stale follower pages age out
			// via their TTL.
			s.logger.Warn("audience lookup failed", zap.String("author_id", authorID), zap.Error(err))
		} else {
			audience = append(audience, followerIDs...)
		}
	}
	s.pages.InvalidateSubjects(ctx, audience...)
}

// ListFeed returns one page of the viewer's feed (own posts plus posts
// of followed authors), newest first, serving from cache when possible.
func (s *Service) ListFeed(ctx context.Context, viewerID string, page, pageSize int) ([]Post, error) {
	if strings.TrimSpace(viewerID) == "" {
		return nil, apperror.Validation("viewer is required")
	}
	if page < 0 || pageSize <= 0 || pageSize > 100 {
		return nil, apperror.Validation("invalid pagination")
	}

	cacheKey := cache.FeedPageKey(viewerID, page, pageSize)
	if s.pages != nil {
		if payload, ok := s.pages.ReadPage(ctx, cacheKey); ok {
			var cached []Post
			if err := json.Unmarshal(payload, &cached); err == nil {
				return cached, nil
			}
		}
	}

	authorIDs := []string{viewerID}
	if s.users != nil {
		followeeIDs, err := s.users.FolloweeIDs(ctx, viewerID)
		if err != nil {
			return nil, err
		}
		authorIDs = append(authorIDs, followeeIDs...)
	}

	var result []Post
	err := s.db.WithContext(ctx).
		Where("author_id IN ?", authorIDs).
		Order("created_at_s DESC, id DESC").
		Offset(page * pageSize).
		Limit(pageSize).
		Find(&result).Error
	if err != nil {
		return nil, apperror.Internal(err)
	}

	if s.pages != nil {
		if payload, err := json.Marshal(result); err == nil {
			s.pages.StorePage(ctx, viewerID, cacheKey, payload, s.pages.FeedPageTTL())
		}
	}
	return result, nil
}
