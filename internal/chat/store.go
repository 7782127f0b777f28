package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingSender   = errors.New("sender identifier is required")
	errEmptyBody       = errors.New("message body is required")
	noOpLogger         = zap.NewNop()
)

// StoreError carries an operation code alongside the underlying cause.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

func (e *StoreError) Code() string {
	return e.code
}

const (
	opStoreNew    = "chat.store.new"
	opAppend      = "chat.append"
	opReadBefore  = "chat.read_before"
	opLastSeq     = "chat.last_seq"
	maxPageUpper  = 1000
	defaultMaxLen = 4096
)

func newStoreError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &StoreError{code: code, err: cause}
}

// MessageStoreConfig describes the dependencies of the durable message store.
type MessageStoreConfig struct {
	Database     *gorm.DB
	Clock        func() time.Time
	MaxBodyBytes int
	Logger       *zap.Logger
}

// MessageStore persists conversation messages and assigns per-conversation
// sequence numbers at append time.
type MessageStore struct {
	db           *gorm.DB
	clock        func() time.Time
	maxBodyBytes int
	logger       *zap.Logger
}

// NewMessageStore constructs a MessageStore with sane defaults.
func NewMessageStore(cfg MessageStoreConfig) (*MessageStore, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	maxBodyBytes := cfg.MaxBodyBytes
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultMaxLen
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &MessageStore{
		db:           cfg.Database,
		clock:        clock,
		maxBodyBytes: maxBodyBytes,
		logger:       logger,
	}, nil
}

// MaxBodyBytes exposes the configured body bound so callers can validate
// before attempting persistence.
func (s *MessageStore) MaxBodyBytes() int {
	return s.maxBodyBytes
}

// Append durably stores a message and returns it with its assigned sequence
// number and server timestamp. The sequence is computed inside the insert
// transaction so concurrent appends to one conversation never produce gaps
// or duplicates.
func (s *MessageStore) Append(ctx context.Context, conversationID ConversationID, senderID UserID, body string) (Message, error) {
	if strings.TrimSpace(senderID.String()) == "" {
		return Message{}, newStoreError(opAppend, "missing_sender", errMissingSender)
	}
	if body == "" {
		return Message{}, newStoreError(opAppend, "empty_body", errEmptyBody)
	}
	if len(body) > s.maxBodyBytes {
		return Message{}, newStoreError(opAppend, "body_too_large",
			fmt.Errorf("body is %d bytes, limit %d", len(body), s.maxBodyBytes))
	}

	// SQLite allows one writer at a time and the pool is capped at a single
	// connection, so reading MAX(seq) inside the insert transaction is
	// race-free without row locking.
	var stored Message
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var lastSeq int64
		err := tx.Model(&Message{}).
			Where("conversation_id = ?", conversationID.String()).
			Select("COALESCE(MAX(seq), 0)").
			Scan(&lastSeq).Error
		if err != nil {
			s.logError(opAppend, "seq_query_failed", err,
				zap.String("conversation_id", conversationID.String()))
			return newStoreError(opAppend, "seq_query_failed", err)
		}

		stored = Message{
			ConversationID:   conversationID.String(),
			Seq:              lastSeq + 1,
			SenderID:         senderID.String(),
			Body:             body,
			CreatedAtSeconds: s.clock().UTC().Unix(),
		}
		if err := tx.Create(&stored).Error; err != nil {
			s.logError(opAppend, "insert_failed", err,
				zap.String("conversation_id", conversationID.String()),
				zap.Int64("seq", stored.Seq))
			return newStoreError(opAppend, "insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return Message{}, txErr
	}
	return stored, nil
}

// ReadBefore returns up to limit messages of a conversation ordered by
// descending sequence number, strictly before beforeSeq. A beforeSeq of
// zero or less means the newest page.
func (s *MessageStore) ReadBefore(ctx context.Context, conversationID ConversationID, beforeSeq int64, limit int) ([]Message, error) {
	if limit <= 0 {
		return nil, newStoreError(opReadBefore, "invalid_limit", fmt.Errorf("limit %d", limit))
	}
	if limit > maxPageUpper {
		limit = maxPageUpper
	}

	query := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID.String())
	if beforeSeq > 0 {
		query = query.Where("seq < ?", beforeSeq)
	}

	var messages []Message
	if err := query.Order("seq DESC").Limit(limit).Find(&messages).Error; err != nil {
		s.logError(opReadBefore, "query_failed", err,
			zap.String("conversation_id", conversationID.String()),
			zap.Int64("before_seq", beforeSeq))
		return nil, newStoreError(opReadBefore, "query_failed", err)
	}
	return messages, nil
}

// LastSeq reports the highest assigned sequence number of a conversation,
// zero when the conversation has no messages.
func (s *MessageStore) LastSeq(ctx context.Context, conversationID ConversationID) (int64, error) {
	var lastSeq int64
	err := s.db.WithContext(ctx).Model(&Message{}).
		Where("conversation_id = ?", conversationID.String()).
		Select("COALESCE(MAX(seq), 0)").
		Scan(&lastSeq).Error
	if err != nil {
		s.logError(opLastSeq, "query_failed", err,
			zap.String("conversation_id", conversationID.String()))
		return 0, newStoreError(opLastSeq, "query_failed", err)
	}
	return lastSeq, nil
}

func (s *MessageStore) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("message store error", attrs...)
}
