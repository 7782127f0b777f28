package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opMembershipNew = "chat.membership.new"
	opMembersOf     = "chat.members_of"
	opAddMember     = "chat.add_member"
	opRemoveMember  = "chat.remove_member"
	opEnsureDirect  = "chat.ensure_direct"
	opConvsOf       = "chat.conversations_of"
)

// ErrSelfConversation indicates a direct conversation was requested between
// a user and themselves.
var ErrSelfConversation = errors.New("chat: direct conversation requires two distinct users")

// MembershipSource resolves the authoritative member set of a conversation.
// The Room Manager consults it on cache misses.
type MembershipSource interface {
	MembersOf(ctx context.Context, conversationID ConversationID) ([]UserID, error)
}

// MembershipStoreConfig describes the dependencies of the membership store.
type MembershipStoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// MembershipStore owns durable conversation membership. Mutations notify the
// registered invalidation callback so cached member sets never go stale.
type MembershipStore struct {
	db         *gorm.DB
	clock      func() time.Time
	logger     *zap.Logger
	invalidate func(ConversationID)
}

// NewMembershipStore constructs a MembershipStore.
func NewMembershipStore(cfg MembershipStoreConfig) (*MembershipStore, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opMembershipNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &MembershipStore{
		db:     cfg.Database,
		clock:  clock,
		logger: logger,
	}, nil
}

// OnMembershipChange registers the callback invoked with the conversation
// identifier after every membership mutation.
func (s *MembershipStore) OnMembershipChange(callback func(ConversationID)) {
	s.invalidate = callback
}

// MembersOf returns the member identities of a conversation. An unknown
// conversation yields an empty set, not an error.
func (s *MembershipStore) MembersOf(ctx context.Context, conversationID ConversationID) ([]UserID, error) {
	var rows []ConversationMember
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID.String()).
		Order("user_id ASC").
		Find(&rows).Error
	if err != nil {
		s.logger.Error("membership query failed",
			zap.String("operation", opMembersOf),
			zap.String("conversation_id", conversationID.String()),
			zap.Error(err))
		return nil, newStoreError(opMembersOf, "query_failed", err)
	}
	members := make([]UserID, 0, len(rows))
	for _, row := range rows {
		members = append(members, UserID(row.UserID))
	}
	return members, nil
}

// AddMember records durable membership. Adding an existing member is a no-op.
func (s *MembershipStore) AddMember(ctx context.Context, conversationID ConversationID, userID UserID) error {
	row := ConversationMember{
		ConversationID:  conversationID.String(),
		UserID:          userID.String(),
		JoinedAtSeconds: s.clock().UTC().Unix(),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error
	if err != nil {
		return newStoreError(opAddMember, "insert_failed", err)
	}
	s.notify(conversationID)
	return nil
}

// RemoveMember deletes durable membership. Removing an absent member is a no-op.
func (s *MembershipStore) RemoveMember(ctx context.Context, conversationID ConversationID, userID UserID) error {
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND user_id = ?", conversationID.String(), userID.String()).
		Delete(&ConversationMember{}).Error
	if err != nil {
		return newStoreError(opRemoveMember, "delete_failed", err)
	}
	s.notify(conversationID)
	return nil
}

// EnsureDirectConversation derives the stable 1:1 conversation identifier for
// the pair and inserts both membership rows idempotently.
func (s *MembershipStore) EnsureDirectConversation(ctx context.Context, first UserID, second UserID) (ConversationID, error) {
	if first == second {
		return "", newStoreError(opEnsureDirect, "self_conversation",
			fmt.Errorf("%w: %s", ErrSelfConversation, first.String()))
	}
	conversationID := DirectConversationID(first, second)
	joinedAt := s.clock().UTC().Unix()
	rows := []ConversationMember{
		{ConversationID: conversationID.String(), UserID: first.String(), JoinedAtSeconds: joinedAt},
		{ConversationID: conversationID.String(), UserID: second.String(), JoinedAtSeconds: joinedAt},
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&rows).Error
	if err != nil {
		return "", newStoreError(opEnsureDirect, "insert_failed", err)
	}
	s.notify(conversationID)
	return conversationID, nil
}

// ConversationsOf lists every conversation the user is a member of.
func (s *MembershipStore) ConversationsOf(ctx context.Context, userID UserID) ([]ConversationID, error) {
	var rows []ConversationMember
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Find(&rows).Error
	if err != nil {
		return nil, newStoreError(opConvsOf, "query_failed", err)
	}
	conversations := make([]ConversationID, 0, len(rows))
	for _, row := range rows {
		conversations = append(conversations, ConversationID(row.ConversationID))
	}
	return conversations, nil
}

func (s *MembershipStore) notify(conversationID ConversationID) {
	if s.invalidate != nil {
		s.invalidate(conversationID)
	}
}
