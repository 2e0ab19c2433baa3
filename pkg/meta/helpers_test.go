package meta

import (
	"context"
	"fmt"
	"testing"
	"time"

	"skyvault/pkg/core"
	"skyvault/pkg/skylink"
	"skyvault/pkg/types"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// -----------------------------------------------------------------------------
// 通用辅助函数 (Helpers)
// -----------------------------------------------------------------------------

// setupTestRepo 每个测试一个独立的内存数据库
func setupTestRepo(t *testing.T) *Repository {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	metaDB := NewWithConn(db)
	require.NoError(t, metaDB.AutoMigrate(&UploadRecord{}))
	return NewRepository(metaDB)
}

// mockLink 生成合法的测试用 skylink
func mockLink(t *testing.T, seed byte, size uint64) (skylink.Skylink, types.Hash) {
	t.Helper()
	root := types.Hash{seed}
	link, err := skylink.New(0, size, root)
	require.NoError(t, err)
	return link, root
}

// mustSaveUpload 写入一条记录，CreatedAt 可控以保证排序确定
func mustSaveUpload(t *testing.T, repo *Repository, seed byte, name string, at time.Time) *UploadRecord {
	t.Helper()
	link, root := mockLink(t, seed, 4096)
	rec, err := NewUploadRecord(link, root, core.Metadata{Filename: name, Length: 100}, "https://portal.test")
	require.NoError(t, err)
	rec.CreatedAt = at
	require.NoError(t, repo.SaveUpload(context.Background(), rec))
	return rec
}
