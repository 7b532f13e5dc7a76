package model

import "time"

// AuthorizationAttempt tracks one run of the authorization code grant. Column
// sizes follow the params.Max*Length limits checked before insert.
type AuthorizationAttempt struct {
	ID          string    `gorm:"primaryKey;size:36"`
	ClientID    string    `gorm:"size:64;not null;index"`
	RedirectURI string    `gorm:"size:1024;not null"`
	Scope       string    `gorm:"size:1024;not null"`
	State       string    `gorm:"size:512"` // opaque client state echoed on redirect
	UserID      uint      `gorm:"not null;default:0;index"`
	Status      string    `gorm:"size:24;not null"`
	Reason      string    `gorm:"size:512"`
	ExpiresAt   time.Time `gorm:"index;not null"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

const (
	AttemptStart           = "START"
	AttemptAwaitingSession = "AWAITING_SESSION"
	AttemptAwaitingConsent = "AWAITING_CONSENT"
	AttemptCodeIssued      = "CODE_ISSUED"
	AttemptExchanged       = "EXCHANGED"
	AttemptDenied          = "DENIED"
	AttemptFailed          = "FAILED"
)

func (a *AuthorizationAttempt) IsTerminal() bool {
	switch a.Status {
	case AttemptExchanged, AttemptDenied, AttemptFailed:
		return true
	}
	return false
}
