package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/khanghh/oauthd/model"
	"github.com/spf13/cast"
	"github.com/valyala/bytebufferpool"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	ActionUserCreated           = "user_created"
	ActionUserDisabled          = "user_disabled"
	ActionLoginSuccess          = "login_success"
	ActionLoginFailure          = "login_failure"
	ActionSessionCreated        = "session_created"
	ActionSessionDestroyed      = "session_destroyed"
	ActionSessionExtended       = "session_extended"
	ActionSessionsDestroyed     = "sessions_destroyed"
	ActionClientRegistered      = "client_registered"
	ActionClientDeactivated     = "client_deactivated"
	ActionClientAuthFailure     = "client_auth_failure"
	ActionAttemptTransition     = "authorization_transition"
	ActionCodeIssued            = "code_issued"
	ActionCodeRedeemed          = "code_redeemed"
	ActionCodeRejected          = "code_rejected"
	ActionCodeReuse             = "code_reuse_detected"
	ActionCodesInvalidated      = "codes_invalidated"
	ActionTokensIssued          = "tokens_issued"
	ActionRefreshRotated        = "refresh_rotated"
	ActionRefreshReuse          = "refresh_reuse_detected"
	ActionTokenRevoked          = "token_revoked"
	ActionFamilyRevoked         = "token_family_revoked"
	ActionTokensRevokedByUser   = "tokens_revoked_for_user"
	ActionTokensRevokedByClient = "tokens_revoked_for_client"
)

const (
	ActorUser   = "user"
	ActorClient = "client"
	ActorSystem = "system"
)

const (
	ResourceUser    = "user"
	ResourceClient  = "client"
	ResourceSession = "session"
	ResourceAttempt = "authorization"
	ResourceCode    = "code"
	ResourceToken   = "token"
	ResourceFamily  = "token_family"
)

type Actor struct {
	Type string
	ID   string
}

func UserActor(userID uint) Actor {
	return Actor{Type: ActorUser, ID: strconv.FormatUint(uint64(userID), 10)}
}

func ClientActor(clientID string) Actor {
	return Actor{Type: ActorClient, ID: clientID}
}

func SystemActor() Actor {
	return Actor{Type: ActorSystem}
}

type Entry struct {
	Action       string
	UserID       uint // zero for system actions
	Actor        Actor
	ResourceType string
	ResourceID   string
	Changes      map[string]any
	IP           string
	UserAgent    string
}

// Transition describes a state change in an entry's change payload.
func Transition(from, to string) map[string]any {
	return map[string]any{"from": from, "to": to}
}

// Auditor is the append-only sink for security-relevant actions. Record
// returns only after the row is written, inside the caller's transaction
// when one is given.
type Auditor struct {
	repo AuditEventRepository
	now  func() time.Time
}

func encodeChanges(changes map[string]any) (datatypes.JSON, error) {
	if len(changes) == 0 {
		return nil, nil
	}
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	if err := json.NewEncoder(buf).Encode(changes); err != nil {
		return nil, err
	}
	// Encoder appends a newline
	out := make([]byte, buf.Len()-1)
	copy(out, buf.B)
	return datatypes.JSON(out), nil
}

func logAttrs(entry *Entry) []any {
	attrs := []any{
		"action", entry.Action,
		"actor", entry.Actor.Type,
		"actorID", entry.Actor.ID,
		"resource", entry.ResourceType,
		"resourceID", entry.ResourceID,
	}
	if entry.UserID != 0 {
		attrs = append(attrs, "userID", entry.UserID)
	}
	keys := make([]string, 0, len(entry.Changes))
	for key := range entry.Changes {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		attrs = append(attrs, key, cast.ToString(entry.Changes[key]))
	}
	return attrs
}

func (a *Auditor) Record(ctx context.Context, tx *gorm.DB, entry Entry) error {
	changes, err := encodeChanges(entry.Changes)
	if err != nil {
		return err
	}
	event := &model.AuditEvent{
		Action:       entry.Action,
		ActorType:    entry.Actor.Type,
		ActorID:      entry.Actor.ID,
		ResourceType: entry.ResourceType,
		ResourceID:   entry.ResourceID,
		Changes:      changes,
		IP:           entry.IP,
		UserAgent:    entry.UserAgent,
		CreatedAt:    a.now(),
	}
	if entry.UserID != 0 {
		userID := entry.UserID
		event.UserID = &userID
	}
	if event.ActorType == "" {
		event.ActorType = ActorSystem
	}

	repo := a.repo
	if tx != nil {
		repo = repo.WithTx(tx)
	}
	if err := repo.Create(ctx, event); err != nil {
		return err
	}
	slog.Debug("audit", logAttrs(&entry)...)
	return nil
}

func (a *Auditor) Find(ctx context.Context, filter Filter) ([]model.AuditEvent, error) {
	return a.repo.Find(ctx, filter)
}

func NewAuditor(repo AuditEventRepository, now func() time.Time) *Auditor {
	if now == nil {
		now = time.Now
	}
	return &Auditor{
		repo: repo,
		now:  now,
	}
}
