package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cyclelink/backend/internal/chat"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const userIDContextKey = "cyclelink_user_id"

var (
	errMissingVerifier      = errors.New("credential verifier dependency required")
	errMissingRegistry      = errors.New("connection registry dependency required")
	errMissingRooms         = errors.New("room manager dependency required")
	errMissingRouter        = errors.New("message router dependency required")
	errMissingHistory       = errors.New("history dependency required")
	errMissingMembers       = errors.New("membership store dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// CredentialVerifier turns a bearer token presented at connection time into a
// verified user identity.
type CredentialVerifier interface {
	VerifyToken(ctx context.Context, token string) (string, error)
}

// IdentityRecorder refreshes last-seen bookkeeping for verified users.
type IdentityRecorder interface {
	TouchSeen(userID string) error
}

// Dependencies bundles everything the HTTP handler needs.
type Dependencies struct {
	Verifier   CredentialVerifier
	Registry   *chat.Registry
	Rooms      *chat.RoomManager
	Router     *chat.Router
	History    *chat.History
	Members    *chat.MembershipStore
	Identities IdentityRecorder
	Logger     *zap.Logger

	HandshakeTimeout time.Duration
	SendBuffer       int
}

// NewHTTPHandler builds the gin handler exposing the websocket endpoint and
// the chat REST surface.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Verifier == nil {
		return nil, errMissingVerifier
	}
	if deps.Registry == nil {
		return nil, errMissingRegistry
	}
	if deps.Rooms == nil {
		return nil, errMissingRooms
	}
	if deps.Router == nil {
		return nil, errMissingRouter
	}
	if deps.History == nil {
		return nil, errMissingHistory
	}
	if deps.Members == nil {
		return nil, errMissingMembers
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	handshakeTimeout := deps.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = 10 * time.Second
	}
	sendBuffer := deps.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = 32
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		verifier:         deps.Verifier,
		registry:         deps.Registry,
		rooms:            deps.Rooms,
		chatRouter:       deps.Router,
		history:          deps.History,
		members:          deps.Members,
		identities:       deps.Identities,
		logger:           logger,
		handshakeTimeout: handshakeTimeout,
		sendBuffer:       sendBuffer,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/chat/ws", handler.handleChatSocket)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/chat/conversations/:id/messages", handler.handleHistory)
	protected.POST("/chat/conversations", handler.handleCreateConversation)

	return router, nil
}

type httpHandler struct {
	verifier         CredentialVerifier
	registry         *chat.Registry
	rooms            *chat.RoomManager
	chatRouter       *chat.Router
	history          *chat.History
	members          *chat.MembershipStore
	identities       IdentityRecorder
	logger           *zap.Logger
	handshakeTimeout time.Duration
	sendBuffer       int
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type messagePayload struct {
	ConversationID string `json:"conversation_id"`
	Seq            int64  `json:"seq"`
	SenderID       string `json:"sender_id"`
	Body           string `json:"body"`
	CreatedAt      int64  `json:"created_at_s"`
}

func toMessagePayload(message chat.Message) messagePayload {
	return messagePayload{
		ConversationID: message.ConversationID,
		Seq:            message.Seq,
		SenderID:       message.SenderID,
		Body:           message.Body,
		CreatedAt:      message.CreatedAtSeconds,
	}
}

type historyResponsePayload struct {
	ConversationID string           `json:"conversation_id"`
	Messages       []messagePayload `json:"messages"`
}

func (h *httpHandler) handleHistory(c *gin.Context) {
	userID, ok := h.requestUser(c)
	if !ok {
		return
	}

	conversationID, err := chat.NewConversationID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_conversation_id"})
		return
	}

	var beforeSeq *int64
	if raw := strings.TrimSpace(c.Query("before_seq")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_before_seq"})
			return
		}
		beforeSeq = &parsed
	}

	limit := 0
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}

	page, err := h.history.FetchBefore(c.Request.Context(), conversationID, userID, beforeSeq, limit)
	if err != nil {
		if errors.Is(err, chat.ErrNotAMember) {
			c.JSON(http.StatusForbidden, gin.H{"error": "not_a_member"})
			return
		}
		h.logger.Error("history fetch failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history_failed"})
		return
	}

	response := historyResponsePayload{
		ConversationID: conversationID.String(),
		Messages:       make([]messagePayload, 0, len(page)),
	}
	for _, message := range page {
		response.Messages = append(response.Messages, toMessagePayload(message))
	}
	c.JSON(http.StatusOK, response)
}

type createConversationPayload struct {
	PeerID string `json:"peer_id"`
}

func (h *httpHandler) handleCreateConversation(c *gin.Context) {
	userID, ok := h.requestUser(c)
	if !ok {
		return
	}

	var request createConversationPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	peerID, err := chat.NewUserID(request.PeerID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_peer_id"})
		return
	}

	conversationID, err := h.members.EnsureDirectConversation(c.Request.Context(), userID, peerID)
	if err != nil {
		if errors.Is(err, chat.ErrSelfConversation) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "self_conversation"})
			return
		}
		h.logger.Error("conversation creation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "conversation_failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"conversation_id": conversationID.String()})
}

func (h *httpHandler) requestUser(c *gin.Context) (chat.UserID, bool) {
	raw := c.GetString(userIDContextKey)
	userID, err := chat.NewUserID(raw)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return userID, true
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.verifier.VerifyToken(c.Request.Context(), token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}
