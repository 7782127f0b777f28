package users

import "time"

// Identity captures the canonical record of a user known to the chat core.
// The wider platform owns registration and profile data; this table only
// tracks the identities that have connected and when they were last seen.
type Identity struct {
	UserID      string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	DisplayName string    `gorm:"column:display_name;size:320"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the table backing user identities.
func (Identity) TableName() string {
	return "user_identities"
}
