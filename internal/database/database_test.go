package database

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	gomysql "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/khanghh/oauthd/internal/config"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type widget struct {
	ID   uint   `gorm:"primarykey"`
	Name string `gorm:"uniqueIndex;size:32"`
}

func TestIsDuplicateKey(t *testing.T) {
	require.False(t, IsDuplicateKey(nil))
	require.False(t, IsDuplicateKey(errors.New("boom")))
	require.True(t, IsDuplicateKey(fmt.Errorf("create: %w", gorm.ErrDuplicatedKey)))
	require.True(t, IsDuplicateKey(&gomysql.MySQLError{Number: 1062}))
	require.False(t, IsDuplicateKey(&gomysql.MySQLError{Number: 1213}))
	require.True(t, IsDuplicateKey(&pgconn.PgError{Code: pgerrcode.UniqueViolation}))
}

func TestOpenSQLiteDuplicate(t *testing.T) {
	db, err := Open(config.DatabaseConfig{
		Driver: "sqlite",
		Dsn:    filepath.Join(t.TempDir(), "test.db"),
	}, false)
	require.NoError(t, err)
	defer Close(db)

	require.NoError(t, db.AutoMigrate(&widget{}))
	require.NoError(t, db.Create(&widget{Name: "a"}).Error)
	err = db.Create(&widget{Name: "a"}).Error
	require.Error(t, err)
	require.True(t, IsDuplicateKey(err))

	var got widget
	require.NoError(t, Primary(db).Where("name = ?", "a").First(&got).Error)
}

func TestOpenUnsupported(t *testing.T) {
	_, err := Open(config.DatabaseConfig{Driver: "oracle"}, false)
	require.Error(t, err)
}
