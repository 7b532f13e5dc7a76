package model

import (
	"time"

	"gorm.io/gorm"
)

const (
	CodeStatusIssued   = "issued"
	CodeStatusConsumed = "consumed"
	CodeStatusExpired  = "expired"
	CodeStatusRevoked  = "revoked"
)

const (
	RefreshStatusActive  = "active"
	RefreshStatusRotated = "rotated"
	RefreshStatusRevoked = "revoked"
)

// AuthorizationCode is a single-use grant. FamilyID is shared by every token
// minted from it, so a replayed code can take the whole lineage down.
type AuthorizationCode struct {
	ID          uint      `gorm:"primarykey"`
	CodeHash    string    `gorm:"size:64;not null;uniqueIndex"`
	AttemptID   string    `gorm:"size:36;not null;index"`
	FamilyID    string    `gorm:"size:36;not null;index"`
	ClientID    string    `gorm:"size:64;not null;index"`
	UserID      uint      `gorm:"not null;index"`
	RedirectURI string    `gorm:"size:1024;not null"`
	Scope       string    `gorm:"size:1024;not null"`
	Status      string    `gorm:"size:16;not null;index"`
	ExpiresAt   time.Time `gorm:"index;not null"`
	ConsumedAt  *time.Time
	CreatedAt   time.Time
}

func (c *AuthorizationCode) BeforeCreate(tx *gorm.DB) error {
	if c.ID == 0 {
		c.ID = GenerateID()
	}
	return nil
}

// AccessToken is never mutated apart from being revoked.
type AccessToken struct {
	ID        uint      `gorm:"primarykey"`
	TokenHash string    `gorm:"size:64;not null;uniqueIndex"`
	FamilyID  string    `gorm:"size:36;not null;index"`
	ClientID  string    `gorm:"size:64;not null;index"`
	UserID    uint      `gorm:"not null;index"`
	Scope     string    `gorm:"size:1024;not null"`
	ExpiresAt time.Time `gorm:"index;not null"`
	RevokedAt *time.Time
	CreatedAt time.Time
}

func (t *AccessToken) BeforeCreate(tx *gorm.DB) error {
	if t.ID == 0 {
		t.ID = GenerateID()
	}
	return nil
}

type RefreshToken struct {
	ID        uint      `gorm:"primarykey"`
	TokenHash string    `gorm:"size:64;not null;uniqueIndex"`
	FamilyID  string    `gorm:"size:36;not null;index"`
	ParentID  uint      `gorm:"not null;default:0"` // refresh token this one was rotated from
	ClientID  string    `gorm:"size:64;not null;index"`
	UserID    uint      `gorm:"not null;index"`
	Scope     string    `gorm:"size:1024;not null"`
	Status    string    `gorm:"size:16;not null;index"`
	ExpiresAt time.Time `gorm:"index;not null"`
	RotatedAt *time.Time
	RevokedAt *time.Time
	CreatedAt time.Time
}

func (t *RefreshToken) BeforeCreate(tx *gorm.DB) error {
	if t.ID == 0 {
		t.ID = GenerateID()
	}
	return nil
}
