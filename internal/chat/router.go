package chat

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	errMissingRegistry = errors.New("connection registry is required")
	errMissingRooms    = errors.New("room manager is required")
	errMissingStore    = errors.New("message store is required")
)

// MessageAppender is the persistence collaborator of the router. The durable
// MessageStore implements it; tests substitute counting fakes.
type MessageAppender interface {
	Append(ctx context.Context, conversationID ConversationID, senderID UserID, body string) (Message, error)
}

// RouterConfig describes the dependencies and delivery policy of the router.
type RouterConfig struct {
	Registry     *Registry
	Rooms        *RoomManager
	Store        MessageAppender
	MaxBodyBytes int
	// EchoToSender controls whether the sender's other devices receive a push
	// of their own message. The sending connection itself never does; it gets
	// the acknowledgment.
	EchoToSender bool
	Logger       *zap.Logger
}

// Router validates, persists, and fans out messages. Persistence always
// happens before fan-out: a message is never pushed live unless it is already
// durable and retrievable via history.
type Router struct {
	registry     *Registry
	rooms        *RoomManager
	store        MessageAppender
	maxBodyBytes int
	echoToSender bool
	logger       *zap.Logger

	delivered atomic.Int64
	dropped   atomic.Int64
}

// NewRouter constructs a Router.
func NewRouter(cfg RouterConfig) (*Router, error) {
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	if cfg.Rooms == nil {
		return nil, errMissingRooms
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	maxBodyBytes := cfg.MaxBodyBytes
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultMaxLen
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Router{
		registry:     cfg.Registry,
		rooms:        cfg.Rooms,
		store:        cfg.Store,
		maxBodyBytes: maxBodyBytes,
		echoToSender: cfg.EchoToSender,
		logger:       logger,
	}, nil
}

// Send runs one message through the full pipeline: validate, authorize,
// persist, fan out. It returns the stored message carrying the assigned
// sequence number and timestamp for the sender's acknowledgment.
//
// Failures before persistence (ErrInvalidPayload, ErrUnauthenticated,
// ErrNotAMember) have no side effects; the store is never touched. A
// persistence failure surfaces as ErrPersistFailed with no fan-out and no
// retry. Individual delivery failures after persistence never affect the
// returned result.
func (r *Router) Send(ctx context.Context, conn Conn, conversationID ConversationID, body string) (Message, error) {
	if body == "" {
		return Message{}, fmt.Errorf("%w: empty body", ErrInvalidPayload)
	}
	if len(body) > r.maxBodyBytes {
		return Message{}, fmt.Errorf("%w: body is %d bytes, limit %d", ErrInvalidPayload, len(body), r.maxBodyBytes)
	}

	senderID, registered := r.registry.UserFor(conn.ID())
	if !registered {
		return Message{}, fmt.Errorf("%w: connection %s is not registered", ErrUnauthenticated, conn.ID())
	}

	if err := r.rooms.AssertMembership(ctx, conversationID, senderID); err != nil {
		return Message{}, err
	}

	message, err := r.store.Append(ctx, conversationID, senderID, body)
	if err != nil {
		r.logger.Error("message persistence failed",
			zap.String("conversation_id", conversationID.String()),
			zap.String("sender_id", senderID.String()),
			zap.Error(err))
		return Message{}, fmt.Errorf("%w: %v", ErrPersistFailed, err)
	}

	r.fanOut(ctx, conn, senderID, message)
	return message, nil
}

// fanOut pushes the persisted message to every live connection of every
// member, best-effort and independently per target.
func (r *Router) fanOut(ctx context.Context, sender Conn, senderID UserID, message Message) {
	conversationID := ConversationID(message.ConversationID)
	memberSet, err := r.rooms.ResolveMembers(ctx, conversationID)
	if err != nil {
		// The message is durable; recipients recover it via history fetch.
		r.logger.Warn("fan-out membership resolution failed",
			zap.String("conversation_id", message.ConversationID),
			zap.Int64("seq", message.Seq),
			zap.Error(err))
		return
	}

	for member := range memberSet {
		if member == senderID && !r.echoToSender {
			continue
		}
		for _, target := range r.registry.LiveConnections(member) {
			if target.ID() == sender.ID() {
				continue
			}
			if err := target.Deliver(message); err != nil {
				r.dropped.Add(1)
				r.logger.Warn("message delivery failed",
					zap.String("conversation_id", message.ConversationID),
					zap.Int64("seq", message.Seq),
					zap.String("user_id", member.String()),
					zap.String("connection_id", target.ID()),
					zap.Error(err))
				continue
			}
			r.delivered.Add(1)
		}
	}
}

// DeliveryCounts reports how many individual pushes succeeded and failed
// since startup.
func (r *Router) DeliveryCounts() (delivered int64, dropped int64) {
	return r.delivered.Load(), r.dropped.Load()
}
