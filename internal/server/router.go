package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/parleyhq/parley/backend/internal/apperror"
	"github.com/parleyhq/parley/backend/internal/codes"
	"github.com/parleyhq/parley/backend/internal/messages"
	"github.com/parleyhq/parley/backend/internal/posts"
	"github.com/parleyhq/parley/backend/internal/realtime"
	"github.com/parleyhq/parley/backend/internal/syncdoc"
	"github.com/parleyhq/parley/backend/internal/users"
	"go.uber.org/zap"
)

const (
	userIDContextKey = "parley_user_id"

	// Oversized sync payloads are rejected before parsing.
	maxSyncDocumentBytes = 1 << 20
)

var (
	errMissingTokenManager = errors.New("token manager dependency required")
	errMissingUserService  = errors.New("user service dependency required")
	errMissingSyncStore    = errors.New("sync store dependency required")
	errMissingVault        = errors.New("code vault dependency required")
	errMissingMessages     = errors.New("message service dependency required")
	errMissingPosts        = errors.New("post service dependency required")
)

// TokenManager issues and validates bearer tokens.
type TokenManager interface {
	IssueToken(ctx context.Context, userID string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// Dependencies wires the HTTP edge to the coordination core.
type Dependencies struct {
	TokenManager TokenManager
	Users        *users.Service
	SyncStore    *syncdoc.Store
	Vault        *codes.Vault
	Messages     *messages.Service
	Posts        *posts.Service
	Hub          *realtime.Hub
	Logger       *zap.Logger
}

// NewHTTPHandler builds the gin router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Users == nil {
		return nil, errMissingUserService
	}
	if deps.SyncStore == nil {
		return nil, errMissingSyncStore
	}
	if deps.Vault == nil {
		return nil, errMissingVault
	}
	if deps.Messages == nil {
		return nil, errMissingMessages
	}
	if deps.Posts == nil {
		return nil, errMissingPosts
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:    deps.TokenManager,
		users:     deps.Users,
		syncStore: deps.SyncStore,
		vault:     deps.Vault,
		messages:  deps.Messages,
		posts:     deps.Posts,
		hub:       deps.Hub,
		logger:    logger,
	}

	router.POST("/auth/login", handler.handleLogin)
	if deps.Hub != nil {
		router.GET("/ws", func(c *gin.Context) {
			deps.Hub.HandleConnection(c.Writer, c.Request)
		})
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/db", handler.handleSyncGet)
	protected.PUT("/db", handler.handleSyncPut)
	protected.POST("/messages", handler.handleMessageCreate)
	protected.GET("/dialogs/:user_id", handler.handleDialogList)
	protected.POST("/posts", handler.handlePostCreate)
	protected.DELETE("/posts/:post_id", handler.handlePostDelete)
	protected.GET("/feed", handler.handleFeedList)
	protected.POST("/codes/issue", handler.handleCodeIssue)
	protected.POST("/codes/consume", handler.handleCodeConsume)

	return router, nil
}

type httpHandler struct {
	tokens    TokenManager
	users     *users.Service
	syncStore *syncdoc.Store
	vault     *codes.Vault
	messages  *messages.Service
	posts     *posts.Service
	hub       *realtime.Hub
	logger    *zap.Logger
}

type loginRequestPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request loginRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		writeError(c, h.logger, apperror.Validation("invalid request body"))
		return
	}

	account, err := h.users.Authenticate(c.Request.Context(), request.Username, request.Password)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	token, expiresIn, err := h.tokens.IssueToken(c.Request.Context(), account.ID)
	if err != nil {
		h.logger.Error("failed to issue token", zap.Error(err))
		writeError(c, h.logger, apperror.Internal(err))
		return
	}

	c.JSON(http.StatusOK, loginResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

func (h *httpHandler) handleSyncGet(c *gin.Context) {
	snapshot, err := h.syncStore.Get(c.Request.Context())
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

type syncPutPayload struct {
	Revision uint64          `json:"revision"`
	State    json.RawMessage `json:"state"`
}

type syncPutResponse struct {
	Revision  uint64 `json:"revision"`
	UpdatedAt int64  `json:"updated_at"`
}

func (h *httpHandler) handleSyncPut(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxSyncDocumentBytes))
	if err != nil {
		writeError(c, h.logger, apperror.Validation("request body too large"))
		return
	}
	var request syncPutPayload
	if err := json.Unmarshal(body, &request); err != nil {
		writeError(c, h.logger, apperror.Validation("invalid request body"))
		return
	}

	accepted, err := h.syncStore.Put(c.Request.Context(), request.Revision, request.State)
	if err != nil {
		// A stale revision answers with the authoritative snapshot so
		// the caller can rebase.
		if appErr := apperror.As(err); appErr != nil && appErr.Kind == apperror.KindConflict {
			if snapshot, ok := appErr.Detail.(syncdoc.Snapshot); ok {
				c.JSON(http.StatusConflict, snapshot)
				return
			}
		}
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, syncPutResponse{Revision: accepted.Revision, UpdatedAt: accepted.UpdatedAt})
}

type messageCreatePayload struct {
	ReceiverID string `json:"receiver_id"`
	Body       string `json:"body"`
}

func (h *httpHandler) handleMessageCreate(c *gin.Context) {
	var request messageCreatePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		writeError(c, h.logger, apperror.Validation("invalid request body"))
		return
	}

	message, err := h.messages.Create(c.Request.Context(), c.GetString(userIDContextKey), request.ReceiverID, request.Body)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, message)
}

func (h *httpHandler) handleDialogList(c *gin.Context) {
	page, pageSize := paginationParams(c)
	result, err := h.messages.ListDialog(c.Request.Context(), c.GetString(userIDContextKey), c.Param("user_id"), page, pageSize)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": result})
}

type postCreatePayload struct {
	Body string `json:"body"`
}

func (h *httpHandler) handlePostCreate(c *gin.Context) {
	var request postCreatePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		writeError(c, h.logger, apperror.Validation("invalid request body"))
		return
	}

	post, err := h.posts.Create(c.Request.Context(), c.GetString(userIDContextKey), request.Body)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, post)
}

func (h *httpHandler) handlePostDelete(c *gin.Context) {
	postID, err := strconv.ParseInt(c.Param("post_id"), 10, 64)
	if err != nil {
		writeError(c, h.logger, apperror.Validation("invalid post id"))
		return
	}
	if err := h.posts.Delete(c.Request.Context(), c.GetString(userIDContextKey), postID); err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleFeedList(c *gin.Context) {
	page, pageSize := paginationParams(c)
	result, err := h.posts.ListFeed(c.Request.Context(), c.GetString(userIDContextKey), page, pageSize)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"posts": result})
}

type codeIssuePayload struct {
	Purpose     string `json:"purpose"`
	TargetEmail string `json:"target_email"`
}

func (h *httpHandler) handleCodeIssue(c *gin.Context) {
	var request codeIssuePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		writeError(c, h.logger, apperror.Validation("invalid request body"))
		return
	}
	purpose, ok := codes.ParsePurpose(request.Purpose)
	if !ok {
		writeError(c, h.logger, apperror.Validation("unknown purpose"))
		return
	}

	// The code goes out through the notification sender, never in the
	// HTTP response.
	_, err := h.vault.Issue(c.Request.Context(), c.GetString(userIDContextKey), purpose, request.TargetEmail)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "issued"})
}

type codeConsumePayload struct {
	Purpose string `json:"purpose"`
	Code    string `json:"code"`
}

func (h *httpHandler) handleCodeConsume(c *gin.Context) {
	var request codeConsumePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		writeError(c, h.logger, apperror.Validation("invalid request body"))
		return
	}
	purpose, ok := codes.ParsePurpose(request.Purpose)
	if !ok {
		writeError(c, h.logger, apperror.Validation("unknown purpose"))
		return
	}

	result, err := h.vault.Consume(c.Request.Context(), c.GetString(userIDContextKey), purpose, request.Code)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	switch result.Status {
	case codes.ConsumeOK:
		c.JSON(http.StatusOK, gin.H{"status": "ok", "target_email": result.TargetEmail})
	case codes.ConsumeMissing:
		writeError(c, h.logger, apperror.NotFound("no pending code"))
	case codes.ConsumeExpired:
		writeError(c, h.logger, apperror.Validation("code expired"))
	default:
		writeError(c, h.logger, apperror.Validation("code mismatch"))
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization header missing or invalid"})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization header missing or invalid"})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}

func paginationParams(c *gin.Context) (int, int) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "0"))
	if err != nil {
		page = 0
	}
	pageSize, err := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if err != nil {
		pageSize = 20
	}
	return page, pageSize
}
