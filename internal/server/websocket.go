package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cyclelink/backend/internal/chat"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameBytes  = 16 * 1024
	frameTypeAuth  = "auth"
	frameTypeJoin  = "join"
	frameTypeLeave = "leave"
	frameTypeSend  = "send"

	frameTypeReady    = "ready"
	frameTypeAck      = "ack"
	frameTypeError    = "error"
	frameTypeMessage  = "message"
	frameTypePresence = "presence"
)

var errSessionClosed = errors.New("session closed")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browsers enforce same-origin for credentials, not for websockets; the
	// bearer token presented at handshake is the actual gate.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// inboundFrame is the envelope for every client-to-server frame.
type inboundFrame struct {
	Type           string `json:"type"`
	Token          string `json:"token,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	Body           string `json:"body,omitempty"`
	ClientRef      string `json:"client_ref,omitempty"`
}

// outboundFrame is the envelope for every server-to-client frame.
type outboundFrame struct {
	Type           string `json:"type"`
	Code           string `json:"code,omitempty"`
	Reason         string `json:"reason,omitempty"`
	ClientRef      string `json:"client_ref,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	Seq            int64  `json:"seq,omitempty"`
	SenderID       string `json:"sender_id,omitempty"`
	Body           string `json:"body,omitempty"`
	CreatedAt      int64  `json:"created_at_s,omitempty"`
	UserID         string `json:"user_id,omitempty"`
	Online         *bool  `json:"online,omitempty"`
}

// wsSession is one live websocket connection. It implements chat.Conn; the
// writer goroutine is the only writer on the underlying connection.
type wsSession struct {
	id     string
	userID chat.UserID
	conn   *websocket.Conn
	send   chan outboundFrame
	done   chan struct{}
	once   sync.Once
	logger *zap.Logger
}

func newSession(conn *websocket.Conn, userID chat.UserID, buffer int, logger *zap.Logger) *wsSession {
	return &wsSession{
		id:     uuid.NewString(),
		userID: userID,
		conn:   conn,
		send:   make(chan outboundFrame, buffer),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// ID returns the process-unique connection identifier.
func (s *wsSession) ID() string {
	return s.id
}

// Deliver enqueues a message push. A full buffer means the client is not
// keeping up; the push is refused and the session torn down so the client
// reconnects and backfills via history.
func (s *wsSession) Deliver(message chat.Message) error {
	frame := outboundFrame{
		Type:           frameTypeMessage,
		ConversationID: message.ConversationID,
		Seq:            message.Seq,
		SenderID:       message.SenderID,
		Body:           message.Body,
		CreatedAt:      message.CreatedAtSeconds,
	}
	select {
	case <-s.done:
		return errSessionClosed
	case s.send <- frame:
		return nil
	default:
		s.close()
		return fmt.Errorf("send buffer full for connection %s", s.id)
	}
}

func (s *wsSession) enqueue(frame outboundFrame) bool {
	select {
	case <-s.done:
		return false
	case s.send <- frame:
		return true
	default:
		s.close()
		return false
	}
}

func (s *wsSession) close() {
	s.once.Do(func() {
		close(s.done)
	})
}

func (s *wsSession) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case <-s.done:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case frame := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(frame); err != nil {
				s.logger.Debug("websocket write failed",
					zap.String("connection_id", s.id),
					zap.Error(err))
				s.close()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close()
				return
			}
		}
	}
}

// handleChatSocket upgrades the connection, verifies the handshake
// credential within the configured window, registers the session, and runs
// the read loop until disconnect. No registration happens before the
// credential is verified.
func (h *httpHandler) handleChatSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	userID, err := h.performHandshake(c.Request, conn)
	if err != nil {
		h.logger.Warn("websocket handshake rejected", zap.Error(err))
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthenticated"))
		_ = conn.Close()
		return
	}

	if h.identities != nil {
		if err := h.identities.TouchSeen(userID.String()); err != nil {
			h.logger.Warn("identity upkeep failed",
				zap.String("user_id", userID.String()),
				zap.Error(err))
		}
	}

	session := newSession(conn, userID, h.sendBuffer, h.logger)
	go session.writePump()

	h.registry.Register(userID, session)
	defer func() {
		h.rooms.LeaveAll(session)
		h.registry.Unregister(session)
		session.close()
	}()

	session.enqueue(outboundFrame{Type: frameTypeReady, UserID: userID.String()})
	h.logger.Info("chat connection established",
		zap.String("user_id", userID.String()),
		zap.String("connection_id", session.ID()))

	h.readLoop(c.Request.Context(), session)
}

// performHandshake resolves the bearer credential from the HTTP request
// (query parameter or Authorization header) or, failing that, from the first
// frame, which must be an auth frame arriving within the handshake window.
func (h *httpHandler) performHandshake(r *http.Request, conn *websocket.Conn) (chat.UserID, error) {
	token := strings.TrimSpace(r.URL.Query().Get("access_token"))
	if token == "" {
		header := r.Header.Get("Authorization")
		if strings.HasPrefix(header, "Bearer ") {
			token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		}
	}

	if token == "" {
		_ = conn.SetReadDeadline(time.Now().Add(h.handshakeTimeout))
		var frame inboundFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return "", fmt.Errorf("auth frame not received: %w", err)
		}
		if frame.Type != frameTypeAuth || strings.TrimSpace(frame.Token) == "" {
			return "", errors.New("first frame must carry the auth token")
		}
		token = strings.TrimSpace(frame.Token)
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.handshakeTimeout)
	defer cancel()
	subject, err := h.verifier.VerifyToken(ctx, token)
	if err != nil {
		return "", err
	}
	return chat.NewUserID(subject)
}

func (h *httpHandler) readLoop(ctx context.Context, session *wsSession) {
	conn := session.conn
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var frame inboundFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				h.logger.Debug("websocket read failed",
					zap.String("connection_id", session.ID()),
					zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		h.handleFrame(ctx, session, frame)
	}
}

// handleFrame processes one inbound frame. Frames of a single connection are
// handled in arrival order; a disconnect observed afterwards never unwinds a
// completed send.
func (h *httpHandler) handleFrame(ctx context.Context, session *wsSession, frame inboundFrame) {
	switch frame.Type {
	case frameTypeJoin:
		h.handleJoin(ctx, session, frame)
	case frameTypeLeave:
		h.handleLeave(session, frame)
	case frameTypeSend:
		h.handleSend(ctx, session, frame)
	case frameTypeAuth:
		// Already authenticated; ignore.
	default:
		session.enqueue(outboundFrame{
			Type:      frameTypeError,
			Code:      "unknown_frame",
			Reason:    fmt.Sprintf("unsupported frame type %q", frame.Type),
			ClientRef: frame.ClientRef,
		})
	}
}

func (h *httpHandler) handleJoin(ctx context.Context, session *wsSession, frame inboundFrame) {
	conversationID, err := chat.NewConversationID(frame.ConversationID)
	if err != nil {
		session.enqueue(outboundFrame{
			Type:      frameTypeError,
			Code:      "invalid_payload",
			Reason:    "conversation_id required",
			ClientRef: frame.ClientRef,
		})
		return
	}
	if err := h.rooms.Join(ctx, session, session.userID, conversationID); err != nil {
		session.enqueue(outboundFrame{
			Type:           frameTypeError,
			Code:           chat.ErrorCode(err),
			ConversationID: conversationID.String(),
			ClientRef:      frame.ClientRef,
		})
		return
	}
	session.enqueue(outboundFrame{
		Type:           frameTypeReady,
		ConversationID: conversationID.String(),
		ClientRef:      frame.ClientRef,
	})
}

func (h *httpHandler) handleLeave(session *wsSession, frame inboundFrame) {
	conversationID, err := chat.NewConversationID(frame.ConversationID)
	if err != nil {
		return
	}
	h.rooms.Leave(session, conversationID)
}

func (h *httpHandler) handleSend(ctx context.Context, session *wsSession, frame inboundFrame) {
	conversationID, err := chat.NewConversationID(frame.ConversationID)
	if err != nil {
		session.enqueue(outboundFrame{
			Type:      frameTypeError,
			Code:      "invalid_payload",
			Reason:    "conversation_id required",
			ClientRef: frame.ClientRef,
		})
		return
	}

	message, err := h.chatRouter.Send(ctx, session, conversationID, frame.Body)
	if err != nil {
		session.enqueue(outboundFrame{
			Type:           frameTypeError,
			Code:           chat.ErrorCode(err),
			ConversationID: conversationID.String(),
			ClientRef:      frame.ClientRef,
		})
		return
	}

	session.enqueue(outboundFrame{
		Type:           frameTypeAck,
		ConversationID: message.ConversationID,
		Seq:            message.Seq,
		CreatedAt:      message.CreatedAtSeconds,
		ClientRef:      frame.ClientRef,
	})
}
