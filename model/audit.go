package model

import (
	"time"

	"gorm.io/datatypes"
)

// AuditEvent is append-only. Nothing in the codebase updates or deletes these rows.
type AuditEvent struct {
	ID           uint64         `gorm:"primaryKey;autoIncrement"`
	Action       string         `gorm:"size:64;not null;index"` // client_registered, code_redeemed...
	UserID       *uint          `gorm:"index"`                  // nil for system actions
	ActorType    string         `gorm:"size:16;not null"`       // user, client or system
	ActorID      string         `gorm:"size:64"`
	ResourceType string         `gorm:"size:32;index"`
	ResourceID   string         `gorm:"size:64;index"`
	Changes      datatypes.JSON // change payload, e.g. {"from":"issued","to":"consumed"}
	IP           string         `gorm:"size:45"`
	UserAgent    string         `gorm:"size:512"`
	CreatedAt    time.Time      `gorm:"autoCreateTime"`
}

func (AuditEvent) TableName() string {
	return "audit"
}
