package messages

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/parleyhq/parley/backend/internal/apperror"
	"github.com/parleyhq/parley/backend/internal/cache"
	"github.com/parleyhq/parley/backend/internal/realtime"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxBodyBytes = 4096

var errMissingDatabase = errors.New("database handle is required")

// Publisher fans a created message out to its participants, across
// processes when the shared topic is reachable.
type Publisher interface {
	PublishMessage(ctx context.Context, event realtime.MessageEvent)
}

// ServiceConfig describes the dependencies of the message service.
type ServiceConfig struct {
	Database  *gorm.DB
	Clock     func() time.Time
	Publisher Publisher
	Pages     *cache.Pages
	Logger    *zap.Logger
}

// Service persists direct messages and drives the write-path side
// effects: chat-cache invalidation for both participants and realtime
// fan-out. Both side effects are best-effort; only the insert itself
// can fail the request.
type Service struct {
	db        *gorm.DB
	clock     func() time.Time
	publisher Publisher
	pages     *cache.Pages
	logger    *zap.Logger
}

// NewService constructs the message service.
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
		db:        cfg.Database,
		clock:     clock,
		publisher: cfg.Publisher,
		pages:     cfg.Pages,
		logger:    logger,
	}, nil
}

// Create stores a message and triggers invalidation and fan-out.
func (s *Service) Create(ctx context.Context, senderID, receiverID, body string) (Message, error) {
	senderID = strings.TrimSpace(senderID)
	receiverID = strings.TrimSpace(receiverID)
	if senderID == "" || receiverID == "" {
		return Message{}, apperror.Validation("sender and receiver are required")
	}
	if senderID == receiverID {
		return Message{}, apperror.Validation("cannot message yourself")
	}
	if strings.TrimSpace(body) == "" {
		return Message{}, apperror.Validation("message body is required")
	}
	if len(body) > maxBodyBytes {
		return Message{}, apperror.Validation("message body too large")
	}

	message := Message{
		DialogID:         CanonicalDialogID(senderID, receiverID),
		SenderID:         senderID,
		ReceiverID:       receiverID,
		Body:             body,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&message).Error; err != nil {
		s.logger.Error("message insert failed", zap.String("dialog_id", message.DialogID), zap.Error(err))
		return Message{}, apperror.Internal(err)
	}

	if s.pages != nil {
		s.pages.InvalidateSubjects(ctx, senderID, receiverID)
	}
	if s.publisher != nil {
		s.publisher.PublishMessage(ctx, realtime.MessageEvent{
			ID:         message.ID,
			DialogID:   message.DialogID,
			SenderID:   message.SenderID,
			ReceiverID: message.ReceiverID,
			Body:       message.Body,
			CreatedAtS: message.CreatedAtSeconds,
		})
	}
	return message, nil
}

// ListDialog returns one page of the dialog between viewer and other,
// newest first, serving from cache when possible. This is also the
// recovery path for clients that missed realtime events.
func (s *Service) ListDialog(ctx context.Context, viewerID, otherID string, page, pageSize int) ([]Message, error) {
	if strings.TrimSpace(viewerID) == "" || strings.TrimSpace(otherID) == "" {
		return nil, apperror.Validation("both participants are required")
	}
	if page < 0 || pageSize <= 0 || pageSize > 100 {
		return nil, apperror.Validation("invalid pagination")
	}

	cacheKey := cache.ChatPageKey(viewerID, otherID, page, pageSize)
	if s.pages != nil {
		if payload, ok := s.pages.ReadPage(ctx, cacheKey); ok {
			var cached []Message
			if err := json.Unmarshal(payload, &cached); err == nil {
				return cached, nil
			}
		}
	}

	var result []Message
	err := s.db.WithContext(ctx).
		Where("dialog_id = ?", CanonicalDialogID(viewerID, otherID)).
		Order("created_at_s DESC, id DESC").
		Offset(page * pageSize).
		Limit(pageSize).
		Find(&result).Error
	if err != nil {
		return nil, apperror.Internal(err)
	}

	if s.pages != nil {
		if payload, err := json.Marshal(result); err == nil {
			s.pages.StorePage(ctx, viewerID, cacheKey, payload, s.pages.ChatPageTTL())
		}
	}
	return result, nil
}
