package users

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ServiceConfig describes the dependencies required for identity upkeep.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service records which user identities have connected to the chat core and
// keeps their last-seen timestamps current.
type Service struct {
	db  *gorm.DB
	now func() time.Time
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{db: cfg.Database, now: clock}, nil
}

// TouchSeen upserts the identity record for a verified user at connection
// handshake, refreshing last-seen. Failures are reported but must not block
// the handshake; the identity table is bookkeeping, not authorization.
func (s *Service) TouchSeen(userID string) error {
	trimmed := strings.TrimSpace(userID)
	if trimmed == "" {
		return fmt.Errorf("users: user identifier required")
	}
	identity := Identity{
		UserID:     trimmed,
		LastSeenAt: s.now().UTC(),
	}
	return s.db.
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{"last_seen_at": identity.LastSeenAt}),
		}).
		Create(&identity).Error
}

// LastSeen returns the recorded last-seen time for a user, zero time when
// the user has never connected.
func (s *Service) LastSeen(userID string) (time.Time, error) {
	var identity Identity
	err := s.db.Where("user_id = ?", strings.TrimSpace(userID)).First(&identity).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	return identity.LastSeenAt, nil
}
