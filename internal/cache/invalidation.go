package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const indexKeyPrefix = "cachekeys:"

var errMissingClient = errors.New("cache client is required")

// PagesConfig describes the TTL layout of the page cache.
type PagesConfig struct {
	Client       *Client
	FeedPageTTL  time.Duration
	ChatPageTTL  time.Duration
	FeedIndexTTL time.Duration
	Logger       *zap.Logger
}

// Pages caches paginated read views and tracks, per subject, the set of
// live page keys so a write can invalidate them wholesale. Every
// operation is best-effort: cache failures degrade to misses and
// skipped invalidations, never to request failures. A skipped
// invalidation self-heals when the index key expires.
type Pages struct {
	client       *Client
	feedPageTTL  time.Duration
	chatPageTTL  time.Duration
	feedIndexTTL time.Duration
	logger       *zap.Logger
}

// NewPages constructs the page cache.
func NewPages(cfg PagesConfig) (*Pages, error) {
	if cfg.Client == nil {
		return nil, errMissingClient
	}
	if cfg.FeedIndexTTL <= cfg.FeedPageTTL || cfg.FeedIndexTTL <= cfg.ChatPageTTL {
		return nil, fmt.Errorf("index TTL must exceed every page TTL")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pages{
		client:       cfg.Client,
		feedPageTTL:  cfg.FeedPageTTL,
		chatPageTTL:  cfg.ChatPageTTL,
		feedIndexTTL: cfg.FeedIndexTTL,
		logger:       logger,
	}, nil
}

// FeedPageKey names a cached feed page for a subject.
func FeedPageKey(subjectID string, page, pageSize int) string {
	return fmt.Sprintf("feed:%s:%d:%d", subjectID, page, pageSize)
}

// ChatPageKey names a cached dialog page as seen by a viewer.
func ChatPageKey(viewerID, otherID string, page, pageSize int) string {
	return fmt.Sprintf("chat:%s:%s:%d:%d", viewerID, otherID, page, pageSize)
}

// FeedPageTTL exposes the feed page lifetime for callers storing pages.
func (p *Pages) FeedPageTTL() time.Duration { return p.feedPageTTL }

// ChatPageTTL exposes the chat page lifetime for callers storing pages.
func (p *Pages) ChatPageTTL() time.Duration { return p.chatPageTTL }

// ReadPage returns a cached page, treating every failure as a miss.
func (p *Pages) ReadPage(ctx context.Context, key string) ([]byte, bool) {
	if !p.client.Available() {
		return nil, false
	}
	payload, err := p.client.Redis().Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	return payload, true
}

// StorePage caches a page under key and records the key in the
// subject's index so a later write can find and delete it.
func (p *Pages) StorePage(ctx context.Context, subjectID, key string, payload []byte, ttl time.Duration) {
	if !p.client.Available() {
		return
	}
	rdb := p.client.Redis()
	if err := rdb.Set(ctx, key, payload, ttl).Err(); err != nil {
		p.logger.Debug("page store skipped", zap.String("key", key), zap.Error(err))
		return
	}
	indexKey := indexKeyPrefix + subjectID
	if err := rdb.SAdd(ctx, indexKey, key).Err(); err != nil {
		p.logger.Debug("index update skipped", zap.String("key", indexKey), zap.Error(err))
		return
	}
	// Refresh on every store so the index always outlives its pages.
	if err := rdb.Expire(ctx, indexKey, p.feedIndexTTL).Err(); err != nil {
		p.logger.Debug("index expire skipped", zap.String("key", indexKey), zap.Error(err))
	}
}

// InvalidateSubjects drops every live cached page of every listed
// subject, then drops the indexes themselves. Failures are swallowed;
// stale pages age out via their own TTL.
func (p *Pages) InvalidateSubjects(ctx context.Context, subjectIDs ...string) {
	if !p.client.Available() || len(subjectIDs) == 0 {
		return
	}
	rdb := p.client.Redis()
	for _, subjectID := range subjectIDs {
		indexKey := indexKeyPrefix + subjectID
		pageKeys, err := rdb.SMembers(ctx, indexKey).Result()
		if err != nil {
			p.logger.Debug("invalidation skipped", zap.String("subject", subjectID), zap.Error(err))
			continue
		}
		if len(pageKeys) > 0 {
			if err := rdb.Del(ctx, pageKeys...).Err(); err != nil {
				p.logger.Debug("page delete skipped", zap.String("subject", subjectID), zap.Error(err))
			}
		}
		if err := rdb.Del(ctx, indexKey).Err(); err != nil {
			p.logger.Debug("index delete skipped", zap.String("subject", subjectID), zap.Error(err))
		}
	}
}
