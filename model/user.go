package model

import (
	"time"

	"gorm.io/gorm"
)

// User stores user information. Users are never hard-deleted, only disabled.
type User struct {
	ID           uint   `gorm:"primarykey"`
	Username     string `gorm:"uniqueIndex;size:32;not null"`
	Email        string `gorm:"uniqueIndex;size:256;not null"`
	PasswordHash string `gorm:"size:64;not null"`
	Disabled     bool   `gorm:"default:false;not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == 0 {
		u.ID = GenerateID()
	}
	return nil
}
