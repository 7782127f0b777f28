package server

import (
	"context"
	"time"

	"github.com/cyclelink/backend/internal/chat"
	"go.uber.org/zap"
)

const presenceQueryTimeout = 5 * time.Second

// PresenceNotifier observes online/offline transitions from the connection
// registry and pushes a basic presence frame to the live connections of the
// user's conversation peers. Delivery is best-effort; peers that miss a
// frame simply see stale presence until the next transition.
type PresenceNotifier struct {
	registry *chat.Registry
	members  *chat.MembershipStore
	rooms    *chat.RoomManager
	logger   *zap.Logger
}

// NewPresenceNotifier constructs a PresenceNotifier.
func NewPresenceNotifier(registry *chat.Registry, members *chat.MembershipStore, rooms *chat.RoomManager, logger *zap.Logger) *PresenceNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PresenceNotifier{registry: registry, members: members, rooms: rooms, logger: logger}
}

// HandleTransition fans the transition out to peers. It is registered as the
// registry's presence callback and must not block the connect/disconnect
// path, so the peer lookup runs on its own goroutine.
func (n *PresenceNotifier) HandleTransition(userID chat.UserID, online bool) {
	n.logger.Info("presence transition",
		zap.String("user_id", userID.String()),
		zap.Bool("online", online))
	go n.broadcast(userID, online)
}

func (n *PresenceNotifier) broadcast(userID chat.UserID, online bool) {
	ctx, cancel := context.WithTimeout(context.Background(), presenceQueryTimeout)
	defer cancel()

	conversations, err := n.members.ConversationsOf(ctx, userID)
	if err != nil {
		n.logger.Warn("presence peer lookup failed",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return
	}

	frame := outboundFrame{
		Type:   frameTypePresence,
		UserID: userID.String(),
		Online: &online,
	}

	notified := make(map[string]struct{})
	for _, conversationID := range conversations {
		memberSet, err := n.rooms.ResolveMembers(ctx, conversationID)
		if err != nil {
			continue
		}
		for member := range memberSet {
			if member == userID {
				continue
			}
			if _, seen := notified[member.String()]; seen {
				continue
			}
			notified[member.String()] = struct{}{}
			for _, conn := range n.registry.LiveConnections(member) {
				if session, ok := conn.(*wsSession); ok {
					session.enqueue(frame)
				}
			}
		}
	}
}
