package model

import (
	"time"

	"gorm.io/gorm"
)

// Session is an authenticated browser session. Only the keyed hash of the
// session id handed to the browser is stored.
type Session struct {
	ID         uint      `gorm:"primarykey"`
	TokenHash  string    `gorm:"size:64;not null;uniqueIndex"`
	UserID     uint      `gorm:"index;not null"`
	UserAgent  string    `gorm:"size:512;not null"`
	IP         string    `gorm:"size:45;not null"`
	ExpiresAt  time.Time `gorm:"index;not null"`
	LastSeenAt time.Time `gorm:"not null"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (s *Session) BeforeCreate(tx *gorm.DB) error {
	if s.ID == 0 {
		s.ID = GenerateID()
	}
	return nil
}
