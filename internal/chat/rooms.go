package chat

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

const roomShardCount = 32

type memberCacheShard struct {
	mu      sync.RWMutex
	members map[ConversationID]map[UserID]struct{}
	// generations counts invalidations per conversation so a resolve that
	// raced with a mutation can tell its snapshot is already stale.
	generations map[ConversationID]uint64
}

type openRoomShard struct {
	mu    sync.Mutex
	rooms map[string]map[ConversationID]struct{}
}

// RoomManager resolves conversation membership for fan-out and tracks which
// rooms each connection currently has open. Member sets are cached and
// invalidated by push from the membership store, never by expiry, so fan-out
// never acts on stale membership.
type RoomManager struct {
	source      MembershipSource
	cacheShards [roomShardCount]memberCacheShard
	openShards  [roomShardCount]openRoomShard
	logger      *zap.Logger
}

// NewRoomManager constructs a RoomManager backed by the provided membership
// source.
func NewRoomManager(source MembershipSource, logger *zap.Logger) (*RoomManager, error) {
	if source == nil {
		return nil, fmt.Errorf("chat: membership source is required")
	}
	if logger == nil {
		logger = noOpLogger
	}
	manager := &RoomManager{source: source, logger: logger}
	for index := range manager.cacheShards {
		manager.cacheShards[index].members = make(map[ConversationID]map[UserID]struct{})
		manager.cacheShards[index].generations = make(map[ConversationID]uint64)
	}
	for index := range manager.openShards {
		manager.openShards[index].rooms = make(map[string]map[ConversationID]struct{})
	}
	return manager, nil
}

// ResolveMembers returns the member set of a conversation, consulting the
// cache first and the membership source on a miss. A mutation that commits
// while the source read is in flight bumps the conversation's generation,
// and the now-stale snapshot is returned to the caller but never cached.
func (m *RoomManager) ResolveMembers(ctx context.Context, conversationID ConversationID) (map[UserID]struct{}, error) {
	shard := m.cacheShardFor(conversationID)
	shard.mu.RLock()
	cached, ok := shard.members[conversationID]
	generation := shard.generations[conversationID]
	shard.mu.RUnlock()
	if ok {
		return cached, nil
	}

	resolved, err := m.source.MembersOf(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	memberSet := make(map[UserID]struct{}, len(resolved))
	for _, member := range resolved {
		memberSet[member] = struct{}{}
	}

	shard.mu.Lock()
	if shard.generations[conversationID] == generation {
		shard.members[conversationID] = memberSet
	}
	shard.mu.Unlock()
	return memberSet, nil
}

// Invalidate drops the cached member set of a conversation and advances its
// generation. The membership store calls it after every membership mutation.
func (m *RoomManager) Invalidate(conversationID ConversationID) {
	shard := m.cacheShardFor(conversationID)
	shard.mu.Lock()
	delete(shard.members, conversationID)
	shard.generations[conversationID]++
	shard.mu.Unlock()
	m.logger.Debug("membership cache invalidated",
		zap.String("conversation_id", conversationID.String()))
}

// AssertMembership fails with ErrNotAMember when the user does not belong to
// the conversation.
func (m *RoomManager) AssertMembership(ctx context.Context, conversationID ConversationID, userID UserID) error {
	memberSet, err := m.ResolveMembers(ctx, conversationID)
	if err != nil {
		return err
	}
	if _, ok := memberSet[userID]; !ok {
		return fmt.Errorf("%w: user %s in conversation %s", ErrNotAMember, userID.String(), conversationID.String())
	}
	return nil
}

// Join records that the connection has the room open. Joining requires
// durable membership; local bookkeeping never alters the member set.
func (m *RoomManager) Join(ctx context.Context, conn Conn, userID UserID, conversationID ConversationID) error {
	if err := m.AssertMembership(ctx, conversationID, userID); err != nil {
		return err
	}
	shard := m.openShardFor(conn.ID())
	shard.mu.Lock()
	open, ok := shard.rooms[conn.ID()]
	if !ok {
		open = make(map[ConversationID]struct{})
		shard.rooms[conn.ID()] = open
	}
	open[conversationID] = struct{}{}
	shard.mu.Unlock()
	return nil
}

// Leave removes the local open-room record. Leaving a room that was never
// joined is a no-op.
func (m *RoomManager) Leave(conn Conn, conversationID ConversationID) {
	shard := m.openShardFor(conn.ID())
	shard.mu.Lock()
	if open, ok := shard.rooms[conn.ID()]; ok {
		delete(open, conversationID)
		if len(open) == 0 {
			delete(shard.rooms, conn.ID())
		}
	}
	shard.mu.Unlock()
}

// LeaveAll clears all open-room records of a connection on disconnect and
// returns the rooms it had open.
func (m *RoomManager) LeaveAll(conn Conn) []ConversationID {
	shard := m.openShardFor(conn.ID())
	shard.mu.Lock()
	open := shard.rooms[conn.ID()]
	delete(shard.rooms, conn.ID())
	shard.mu.Unlock()

	rooms := make([]ConversationID, 0, len(open))
	for conversationID := range open {
		rooms = append(rooms, conversationID)
	}
	return rooms
}

// OpenRooms returns a snapshot of the rooms a connection currently has open.
func (m *RoomManager) OpenRooms(conn Conn) []ConversationID {
	shard := m.openShardFor(conn.ID())
	shard.mu.Lock()
	defer shard.mu.Unlock()
	rooms := make([]ConversationID, 0, len(shard.rooms[conn.ID()]))
	for conversationID := range shard.rooms[conn.ID()] {
		rooms = append(rooms, conversationID)
	}
	return rooms
}

func (m *RoomManager) cacheShardFor(conversationID ConversationID) *memberCacheShard {
	return &m.cacheShards[shardIndex(conversationID.String())]
}

func (m *RoomManager) openShardFor(connID string) *openRoomShard {
	return &m.openShards[shardIndex(connID)]
}
