package database

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/BaSui01/memstore/config"
)

// newMockMySQL 在 mock 驱动连接上打开 MySQL dialector，
// 无需真实服务器即可测试连接池路径。
func newMockMySQL(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()

	sqlDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	db, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{})
	require.NoError(t, err)
	return db, mock
}

func TestPoolOverMySQLConnection(t *testing.T) {
	db, mock := newMockMySQL(t)

	pool, err := NewPool(db, config.DefaultPoolConfig(), zap.NewNop())
	require.NoError(t, err)

	ctx := context.Background()
	handle, err := pool.Acquire(ctx)
	require.NoError(t, err)

	mock.ExpectPing()
	sqlDB, err := handle.DB().DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.PingContext(ctx))
	handle.Release()

	assert.NoError(t, mock.ExpectationsWereMet())

	shutdownCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, pool.Shutdown(shutdownCtx))
}

func TestPooledQueryErrorPropagates(t *testing.T) {
	db, mock := newMockMySQL(t)

	pool, err := NewPool(db, config.DefaultPoolConfig(), zap.NewNop())
	require.NoError(t, err)

	mock.ExpectQuery("SELECT").WillReturnError(sql.ErrConnDone)

	handle, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	var n int
	err = handle.DB().Raw("SELECT count(*) FROM records").Scan(&n).Error
	require.Error(t, err)
	assert.ErrorIs(t, err, sql.ErrConnDone)
	handle.Release()
}
