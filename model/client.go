package model

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// OAuthClient is a registered client application. Redirect URIs are an exact-match set.
type OAuthClient struct {
	ID           uint                        `gorm:"primarykey"`
	ClientID     string                      `gorm:"size:64;not null;uniqueIndex"`
	SecretHash   string                      `gorm:"size:64;not null"`
	Name         string                      `gorm:"size:128;not null"`
	Description  string                      `gorm:"size:1024"`
	RedirectURIs datatypes.JSONSlice[string] `gorm:"not null"`
	Scopes       datatypes.JSONSlice[string] // allowed scopes, empty means unrestricted
	OwnerID      uint                        `gorm:"index;not null"`
	Active       bool                        `gorm:"default:true;not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (c *OAuthClient) BeforeCreate(tx *gorm.DB) error {
	if c.ID == 0 {
		c.ID = GenerateID()
	}
	return nil
}

func (c *OAuthClient) HasRedirectURI(uri string) bool {
	for _, registered := range c.RedirectURIs {
		if registered == uri {
			return true
		}
	}
	return false
}
