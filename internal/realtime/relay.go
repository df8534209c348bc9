package realtime

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/parleyhq/parley/backend/internal/cache"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var errMissingHub = errors.New("hub is required")

// RelayConfig describes the cross-process event relay.
type RelayConfig struct {
	// Client may be nil (or unavailable) for single-process deployments;
	// the relay then runs local-only.
	Client *cache.Client
	Topic  string
	Hub    *Hub
	Logger *zap.Logger
}

// Relay decouples "which process accepted the write" from "which
// process holds the relevant socket": every process publishes events on
// one shared topic and forwards received events to its own connections.
// When the topic is unreachable, publishing degrades to local-only
// delivery with no retry or buffering; clients recover missed events by
// re-reading through the ordinary query path.
type Relay struct {
	client *cache.Client
	topic  string
	hub    *Hub
	logger *zap.Logger
	pubsub *redis.PubSub
}

type envelope struct {
	Type      string        `json:"type"`
	Message   *MessageEvent `json:"message,omitempty"`
	Revision  uint64        `json:"revision,omitempty"`
	UpdatedAt int64         `json:"updated_at,omitempty"`
}

// NewRelay constructs a Relay.
func NewRelay(cfg RelayConfig) (*Relay, error) {
	if cfg.Hub == nil {
		return nil, errMissingHub
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		client: cfg.Client,
		topic:  cfg.Topic,
		hub:    cfg.Hub,
		logger: logger,
	}, nil
}

// Start subscribes to the shared topic and begins re-dispatching
// received events to local connections. A no-op in local-only mode.
func (r *Relay) Start(ctx context.Context) {
	if !r.shared() {
		r.logger.Warn("event relay running local-only", zap.String("topic", r.topic))
		return
	}
	r.pubsub = r.client.Redis().Subscribe(ctx, r.topic)
	// Wait for the subscription confirmation so no event published
	// after Start returns can be missed.
	if _, err := r.pubsub.Receive(ctx); err != nil {
		r.logger.Warn("topic subscription failed, running local-only", zap.Error(err))
		r.pubsub.Close()
		r.pubsub = nil
		return
	}
	go r.receiveLoop()
	r.logger.Info("event relay subscribed", zap.String("topic", r.topic))
}

func (r *Relay) receiveLoop() {
	for msg := range r.pubsub.Channel() {
		var env envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			r.logger.Debug("unparseable relay event", zap.Error(err))
			continue
		}
		switch env.Type {
		case EventMessageNew:
			if env.Message != nil {
				r.hub.DispatchMessage(*env.Message)
			}
		case EventDocumentUpdated:
			r.hub.DispatchDocumentUpdated(env.Revision, env.UpdatedAt)
		}
	}
}

// PublishMessage fans a created message out across processes, falling
// back to local delivery if the topic is unreachable.
func (r *Relay) PublishMessage(ctx context.Context, event MessageEvent) {
	if !r.shared() {
		r.hub.DispatchMessage(event)
		return
	}
	payload, err := json.Marshal(envelope{Type: EventMessageNew, Message: &event})
	if err != nil {
		r.hub.DispatchMessage(event)
		return
	}
	if err := r.client.Redis().Publish(ctx, r.topic, payload).Err(); err != nil {
		r.logger.Warn("event publish failed, delivering locally", zap.Error(err))
		r.hub.DispatchMessage(event)
	}
}

// DocumentUpdated broadcasts a sync-document revision notification.
// Implements the document store's broadcaster contract; the payload is
// never pushed, only the revision marker.
func (r *Relay) DocumentUpdated(revision uint64, updatedAt int64) {
	if !r.shared() {
		r.hub.DispatchDocumentUpdated(revision, updatedAt)
		return
	}
	payload, err := json.Marshal(envelope{Type: EventDocumentUpdated, Revision: revision, UpdatedAt: updatedAt})
	if err != nil {
		r.hub.DispatchDocumentUpdated(revision, updatedAt)
		return
	}
	if err := r.client.Redis().Publish(context.Background(), r.topic, payload).Err(); err != nil {
		r.logger.Warn("revision publish failed, delivering locally", zap.Error(err))
		r.hub.DispatchDocumentUpdated(revision, updatedAt)
	}
}

func (r *Relay) shared() bool {
	return r.client != nil && r.client.Available()
}

// Close unsubscribes from the shared topic.
func (r *Relay) Close() error {
	if r.pubsub == nil {
		return nil
	}
	if err := r.pubsub.Unsubscribe(context.Background(), r.topic); err != nil {
		r.logger.Debug("unsubscribe failed", zap.Error(err))
	}
	return r.pubsub.Close()
}
