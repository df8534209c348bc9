package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultProbeInterval = 30 * time.Second
	writeTimeout         = 10 * time.Second

	frameTypeAuth   = "auth"
	frameTypeAuthOK = "auth:ok"
	frameTypeError  = "error"

	// EventMessageNew announces a created direct message to its sender
	// and receiver.
	EventMessageNew = "message:new"
	// EventDocumentUpdated announces a new sync-document revision;
	// subscribers pull the document themselves.
	EventDocumentUpdated = "db:updated"
)

var errMissingVerifier = errors.New("token verifier is required")

// MessageEvent is the fan-out payload for a created message.
type MessageEvent struct {
	ID         int64  `json:"id"`
	DialogID   string `json:"dialog_id"`
	SenderID   string `json:"sender_id"`
	ReceiverID string `json:"receiver_id"`
	Body       string `json:"body"`
	CreatedAtS int64  `json:"created_at_s"`
}

// TokenVerifier validates a bearer token and returns the bound user id.
// The same signing secret backs HTTP requests and realtime frames.
type TokenVerifier interface {
	ValidateToken(token string) (string, error)
}

// HubConfig describes the dependencies of the connection hub.
type HubConfig struct {
	Verifier      TokenVerifier
	ProbeInterval time.Duration
	Logger        *zap.Logger
}

// Hub owns this process's persistent connections. Connections start
// unauthenticated and bind to a user either via a token supplied at
// upgrade time or via a first in-band auth frame; unauthenticated
// connections never receive application events.
type Hub struct {
	verifier      TokenVerifier
	probeInterval time.Duration
	logger        *zap.Logger
	upgrader      websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*session
	closed   bool
}

type session struct {
	id   string
	conn *websocket.Conn

	writeMu sync.Mutex

	mu     sync.Mutex
	userID string
	alive  bool
}

// NewHub constructs a Hub.
func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.Verifier == nil {
		return nil, errMissingVerifier
	}
	probeInterval := cfg.ProbeInterval
	if probeInterval <= 0 {
		probeInterval = defaultProbeInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		verifier:      cfg.Verifier,
		probeInterval: probeInterval,
		logger:        logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sessions: make(map[string]*session),
	}, nil
}

type inboundFrame struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

type authOKFrame struct {
	Type string `json:"type"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type messageFrame struct {
	Type    string       `json:"type"`
	Message MessageEvent `json:"message"`
}

type documentFrame struct {
	Type      string `json:"type"`
	Revision  uint64 `json:"revision"`
	UpdatedAt int64  `json:"updated_at"`
}

// HandleConnection upgrades the request and serves the connection until
// it disconnects.
func (h *Hub) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	sess := &session{id: uuid.NewString(), conn: conn, alive: true}
	conn.SetPongHandler(func(string) error {
		sess.mu.Lock()
		sess.alive = true
		sess.mu.Unlock()
		return nil
	})

	if !h.register(sess) {
		conn.Close()
		return
	}

	if token := r.URL.Query().Get("token"); token != "" {
		h.authenticate(sess, token)
	}

	h.readLoop(sess)
}

func (h *Hub) register(sess *session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.sessions[sess.id] = sess
	return true
}

func (h *Hub) unregister(sess *session) {
	h.mu.Lock()
	delete(h.sessions, sess.id)
	h.mu.Unlock()
}

func (h *Hub) readLoop(sess *session) {
	defer func() {
		h.unregister(sess)
		sess.conn.Close()
	}()

	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			// Malformed frames get an explicit error reply, not a
			// dropped connection.
			h.send(sess, errorFrame{Type: frameTypeError, Message: "malformed frame"})
			continue
		}
		switch frame.Type {
		case frameTypeAuth:
			if frame.Token == "" {
				h.send(sess, errorFrame{Type: frameTypeError, Message: "auth frame requires a token"})
				continue
			}
			h.authenticate(sess, frame.Token)
		default:
			h.send(sess, errorFrame{Type: frameTypeError, Message: "unsupported frame type"})
		}
	}
}

func (h *Hub) authenticate(sess *session, token string) {
	userID, err := h.verifier.ValidateToken(token)
	if err != nil {
		h.logger.Debug("connection auth failed", zap.Error(err))
		h.send(sess, errorFrame{Type: frameTypeError, Message: "invalid token"})
		return
	}
	sess.mu.Lock()
	sess.userID = userID
	sess.mu.Unlock()
	h.send(sess, authOKFrame{Type: frameTypeAuthOK})
}

// DispatchMessage forwards a message event to locally held connections
// bound to the sender or receiver.
func (h *Hub) DispatchMessage(event MessageEvent) {
	frame := messageFrame{Type: EventMessageNew, Message: event}
	for _, sess := range h.snapshot() {
		userID := sess.boundUser()
		if userID == "" {
			continue
		}
		if userID == event.SenderID || userID == event.ReceiverID {
			h.send(sess, frame)
		}
	}
}

// DispatchDocumentUpdated notifies every authenticated connection of a
// new document revision.
func (h *Hub) DispatchDocumentUpdated(revision uint64, updatedAt int64) {
	frame := documentFrame{Type: EventDocumentUpdated, Revision: revision, UpdatedAt: updatedAt}
	for _, sess := range h.snapshot() {
		if sess.boundUser() == "" {
			continue
		}
		h.send(sess, frame)
	}
}

// Run drives the liveness probe until ctx is cancelled. A connection
// that failed to answer the previous probe before the next one fires is
// forcibly closed, bounding the registry under network partition.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.probe()
		}
	}
}

func (h *Hub) probe() {
	for _, sess := range h.snapshot() {
		sess.mu.Lock()
		answered := sess.alive
		sess.alive = false
		sess.mu.Unlock()

		if !answered {
			// Read loop notices the close and unregisters.
			sess.conn.Close()
			continue
		}
		sess.writeMu.Lock()
		err := sess.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
		sess.writeMu.Unlock()
		if err != nil {
			sess.conn.Close()
		}
	}
}

// Close stops accepting connections and closes the open ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	remaining := make([]*session, 0, len(h.sessions))
	for _, sess := range h.sessions {
		remaining = append(remaining, sess)
	}
	h.sessions = make(map[string]*session)
	h.mu.Unlock()

	for _, sess := range remaining {
		sess.writeMu.Lock()
		_ = sess.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeTimeout),
		)
		sess.writeMu.Unlock()
		sess.conn.Close()
	}
}

// ConnectionCount reports the number of registered connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

func (h *Hub) snapshot() []*session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sessions := make([]*session, 0, len(h.sessions))
	for _, sess := range h.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

func (h *Hub) send(sess *session, payload any) {
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	sess.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := sess.conn.WriteJSON(payload); err != nil {
		h.logger.Debug("frame write failed", zap.String("session_id", sess.id), zap.Error(err))
	}
}

func (s *session) boundUser() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}
