package chat

import (
	"hash/fnv"
	"sync"

	"go.uber.org/zap"
)

const registryShardCount = 32

// Conn is one live bidirectional channel belonging to exactly one user. The
// transport layer implements it; the registry and router only ever address
// connections through this interface.
type Conn interface {
	// ID returns the process-unique connection identifier.
	ID() string
	// Deliver pushes a fully-assigned message to the connection. Delivery is
	// best-effort; an error means this connection missed the message and will
	// recover it via history fetch.
	Deliver(message Message) error
}

type userShard struct {
	mu          sync.RWMutex
	connections map[UserID]map[string]Conn
}

type connShard struct {
	mu     sync.RWMutex
	owners map[string]UserID
}

// Registry tracks the live connections of every user. A user may hold several
// connections at once (multi-device); a connection belongs to exactly one
// user. State is sharded by key hash so unrelated users never contend on one
// lock.
type Registry struct {
	userShards [registryShardCount]userShard
	connShards [registryShardCount]connShard
	onPresence func(userID UserID, online bool)
	logger     *zap.Logger
}

// NewRegistry constructs an empty connection registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = noOpLogger
	}
	registry := &Registry{logger: logger}
	for index := range registry.userShards {
		registry.userShards[index].connections = make(map[UserID]map[string]Conn)
	}
	for index := range registry.connShards {
		registry.connShards[index].owners = make(map[string]UserID)
	}
	return registry
}

// OnPresenceChange registers the callback observing online/offline
// transitions. The callback runs outside registry locks.
func (r *Registry) OnPresenceChange(callback func(userID UserID, online bool)) {
	r.onPresence = callback
}

// Register adds the connection under the user's live set. Registering the
// same connection id twice is a no-op. The user transitions online when this
// is their first live connection.
func (r *Registry) Register(userID UserID, conn Conn) {
	connShard := r.connShardFor(conn.ID())
	connShard.mu.Lock()
	if _, exists := connShard.owners[conn.ID()]; exists {
		connShard.mu.Unlock()
		return
	}
	connShard.owners[conn.ID()] = userID
	connShard.mu.Unlock()

	userShard := r.userShardFor(userID)
	userShard.mu.Lock()
	set, ok := userShard.connections[userID]
	if !ok {
		set = make(map[string]Conn)
		userShard.connections[userID] = set
	}
	wasOffline := len(set) == 0
	set[conn.ID()] = conn
	userShard.mu.Unlock()

	r.logger.Debug("connection registered",
		zap.String("user_id", userID.String()),
		zap.String("connection_id", conn.ID()))
	if wasOffline && r.onPresence != nil {
		r.onPresence(userID, true)
	}
}

// Unregister removes the connection. It is safe to call for connections that
// were never registered. The user transitions offline when this was their
// last live connection.
func (r *Registry) Unregister(conn Conn) {
	connShard := r.connShardFor(conn.ID())
	connShard.mu.Lock()
	userID, exists := connShard.owners[conn.ID()]
	if !exists {
		connShard.mu.Unlock()
		return
	}
	delete(connShard.owners, conn.ID())
	connShard.mu.Unlock()

	userShard := r.userShardFor(userID)
	userShard.mu.Lock()
	nowOffline := false
	if set, ok := userShard.connections[userID]; ok {
		delete(set, conn.ID())
		if len(set) == 0 {
			delete(userShard.connections, userID)
			nowOffline = true
		}
	}
	userShard.mu.Unlock()

	r.logger.Debug("connection unregistered",
		zap.String("user_id", userID.String()),
		zap.String("connection_id", conn.ID()))
	if nowOffline && r.onPresence != nil {
		r.onPresence(userID, false)
	}
}

// LiveConnections returns a snapshot of the user's live connections. A user
// with no connections yields an empty slice, not an error.
func (r *Registry) LiveConnections(userID UserID) []Conn {
	userShard := r.userShardFor(userID)
	userShard.mu.RLock()
	defer userShard.mu.RUnlock()
	set := userShard.connections[userID]
	snapshot := make([]Conn, 0, len(set))
	for _, conn := range set {
		snapshot = append(snapshot, conn)
	}
	return snapshot
}

// IsOnline reports whether the user has at least one live connection.
func (r *Registry) IsOnline(userID UserID) bool {
	userShard := r.userShardFor(userID)
	userShard.mu.RLock()
	defer userShard.mu.RUnlock()
	return len(userShard.connections[userID]) > 0
}

// UserFor resolves the owning user of a registered connection id.
func (r *Registry) UserFor(connID string) (UserID, bool) {
	connShard := r.connShardFor(connID)
	connShard.mu.RLock()
	defer connShard.mu.RUnlock()
	userID, ok := connShard.owners[connID]
	return userID, ok
}

func (r *Registry) userShardFor(userID UserID) *userShard {
	return &r.userShards[shardIndex(userID.String())]
}

func (r *Registry) connShardFor(connID string) *connShard {
	return &r.connShards[shardIndex(connID)]
}

func shardIndex(key string) int {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(key))
	return int(hasher.Sum32() % registryShardCount)
}
