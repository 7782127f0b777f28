package chat

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

const (
	defaultHistoryPageSize = 50
	defaultHistoryPageMax  = 100
)

var errMissingReader = errors.New("history reader is required")

// HistoryReader is the read side of the persistence collaborator.
type HistoryReader interface {
	ReadBefore(ctx context.Context, conversationID ConversationID, beforeSeq int64, limit int) ([]Message, error)
}

// HistoryConfig describes the dependencies and paging bounds of the
// reconciler.
type HistoryConfig struct {
	Reader          HistoryReader
	Rooms           *RoomManager
	DefaultPageSize int
	MaxPageSize     int
	Logger          *zap.Logger
}

// History serves paginated backfill for reconnecting clients. Pages are
// ordered by descending sequence number so a client can walk backwards with
// beforeSeq and splice the result with live-delivered messages,
// de-duplicating by sequence number.
type History struct {
	reader          HistoryReader
	rooms           *RoomManager
	defaultPageSize int
	maxPageSize     int
	logger          *zap.Logger
}

// NewHistory constructs a History reconciler.
func NewHistory(cfg HistoryConfig) (*History, error) {
	if cfg.Reader == nil {
		return nil, errMissingReader
	}
	if cfg.Rooms == nil {
		return nil, errMissingRooms
	}
	defaultPageSize := cfg.DefaultPageSize
	if defaultPageSize <= 0 {
		defaultPageSize = defaultHistoryPageSize
	}
	maxPageSize := cfg.MaxPageSize
	if maxPageSize <= 0 {
		maxPageSize = defaultHistoryPageMax
	}
	if defaultPageSize > maxPageSize {
		defaultPageSize = maxPageSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &History{
		reader:          cfg.Reader,
		rooms:           cfg.Rooms,
		defaultPageSize: defaultPageSize,
		maxPageSize:     maxPageSize,
		logger:          logger,
	}, nil
}

// FetchBefore returns messages of the conversation strictly before beforeSeq
// (the newest page when beforeSeq is nil), ordered by descending sequence
// number. The limit is clamped to the configured maximum; requesting more
// never errors, it silently caps. A non-positive limit selects the default
// page size. The caller must be a member of the conversation.
func (h *History) FetchBefore(ctx context.Context, conversationID ConversationID, userID UserID, beforeSeq *int64, limit int) ([]Message, error) {
	if err := h.rooms.AssertMembership(ctx, conversationID, userID); err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = h.defaultPageSize
	}
	if limit > h.maxPageSize {
		limit = h.maxPageSize
	}

	boundary := int64(0)
	if beforeSeq != nil {
		boundary = *beforeSeq
	}

	messages, err := h.reader.ReadBefore(ctx, conversationID, boundary, limit)
	if err != nil {
		h.logger.Error("history read failed",
			zap.String("conversation_id", conversationID.String()),
			zap.Int64("before_seq", boundary),
			zap.Error(err))
		return nil, err
	}
	return messages, nil
}

// DefaultPageSize exposes the configured default page size.
func (h *History) DefaultPageSize() int {
	return h.defaultPageSize
}

// MaxPageSize exposes the configured page cap.
func (h *History) MaxPageSize() int {
	return h.maxPageSize
}
