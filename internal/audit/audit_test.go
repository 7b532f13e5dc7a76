package audit

import (
	"context"
	"errors"
	"testing"

	"github.com/khanghh/oauthd/internal/testutil"
	"github.com/khanghh/oauthd/model"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestRecordPersistsEntry(t *testing.T) {
	db := testutil.OpenTestDB(t)
	clock := testutil.NewClock()
	auditor := NewAuditor(NewAuditEventRepository(db), clock.Now)
	ctx := context.Background()

	err := auditor.Record(ctx, nil, Entry{
		Action:       ActionCodeRedeemed,
		UserID:       42,
		Actor:        ClientActor("c1"),
		ResourceType: ResourceCode,
		ResourceID:   "7",
		Changes:      Transition("issued", "consumed"),
		IP:           "10.0.0.1",
	})
	require.NoError(t, err)

	events, err := auditor.Find(ctx, Filter{Action: ActionCodeRedeemed})
	require.NoError(t, err)
	require.Len(t, events, 1)
	ev := events[0]
	require.Equal(t, uint(42), *ev.UserID)
	require.Equal(t, ActorClient, ev.ActorType)
	require.Equal(t, "c1", ev.ActorID)
	require.JSONEq(t, `{"from":"issued","to":"consumed"}`, string(ev.Changes))
	require.True(t, clock.Now().Equal(ev.CreatedAt))
}

func TestRecordSystemActionHasNoUser(t *testing.T) {
	db := testutil.OpenTestDB(t)
	auditor := NewAuditor(NewAuditEventRepository(db), nil)
	ctx := context.Background()

	require.NoError(t, auditor.Record(ctx, nil, Entry{Action: ActionCodesInvalidated}))
	events, err := auditor.Find(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Nil(t, events[0].UserID)
	require.Equal(t, ActorSystem, events[0].ActorType)
}

func TestRecordRollsBackWithTransaction(t *testing.T) {
	db := testutil.OpenTestDB(t)
	auditor := NewAuditor(NewAuditEventRepository(db), nil)
	ctx := context.Background()
	errAbort := errors.New("abort")

	err := db.Transaction(func(tx *gorm.DB) error {
		if err := auditor.Record(ctx, tx, Entry{Action: ActionTokensIssued, UserID: 1}); err != nil {
			return err
		}
		return errAbort
	})
	require.ErrorIs(t, err, errAbort)

	var count int64
	require.NoError(t, db.Model(&model.AuditEvent{}).Count(&count).Error)
	require.Zero(t, count)
}
