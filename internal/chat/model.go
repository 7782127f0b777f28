package chat

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("chat: invalid user id")
	// ErrInvalidConversationID indicates that a conversation identifier is empty or exceeds storage bounds.
	ErrInvalidConversationID = errors.New("chat: invalid conversation id")
)

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// ConversationID represents a validated conversation identifier.
type ConversationID string

// NewConversationID validates raw input and returns a ConversationID.
func NewConversationID(rawInput string) (ConversationID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidConversationID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidConversationID, maxIdentifierLength)
	}
	return ConversationID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ConversationID) String() string {
	return string(id)
}

// DirectConversationID derives the stable identifier for a 1:1 conversation.
// The two participant identifiers are sorted so both sides derive the same id.
func DirectConversationID(first UserID, second UserID) ConversationID {
	participants := []string{first.String(), second.String()}
	sort.Strings(participants)
	return ConversationID("dm:" + participants[0] + ":" + participants[1])
}

// NewGroupConversationID mints an identifier for a group conversation.
func NewGroupConversationID() (ConversationID, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return ConversationID("grp:" + value.String()), nil
}

// Message models a persisted chat message. Messages are immutable once stored;
// Seq is assigned by the store at append time and is strictly increasing and
// gap-free within one conversation.
type Message struct {
	ConversationID   string `gorm:"column:conversation_id;primaryKey;size:190;not null"`
	Seq              int64  `gorm:"column:seq;primaryKey;not null"`
	SenderID         string `gorm:"column:sender_id;size:190;not null"`
	Body             string `gorm:"column:body;type:text;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Message) TableName() string {
	return "chat_messages"
}

// ConversationMember records durable membership of a user in a conversation.
type ConversationMember struct {
	ConversationID  string `gorm:"column:conversation_id;primaryKey;size:190;not null"`
	UserID          string `gorm:"column:user_id;primaryKey;size:190;not null;index:idx_members_user"`
	JoinedAtSeconds int64  `gorm:"column:joined_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ConversationMember) TableName() string {
	return "chat_conversation_members"
}
