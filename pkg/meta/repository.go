package meta

import (
	"context"
	"errors"
	"fmt"

	"skyvault/pkg/skylink"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrUploadNotFound = errors.New("upload not found in ledger")

// Repository 封装所有对账本的 SQL 操作
type Repository struct {
	db *DB
}

func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// SaveUpload 写入一条上传记录
// ID 冲突时什么都不做，重复调用是幂等的。
func (r *Repository) SaveUpload(ctx context.Context, rec *UploadRecord) error {
	err := r.db.GetConn().WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoNothing: true,
		}).
		Create(rec).Error
	if err != nil {
		return fmt.Errorf("failed to save upload: %w", err)
	}
	return nil
}

// ListUploads 按时间倒序列出最近的上传，limit <= 0 表示不限制
func (r *Repository) ListUploads(ctx context.Context, limit int) ([]UploadRecord, error) {
	q := r.db.GetConn().WithContext(ctx).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []UploadRecord
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// FindBySkylink 返回该 skylink 最近的一次上传
func (r *Repository) FindBySkylink(ctx context.Context, link skylink.Skylink) (*UploadRecord, error) {
	var rec UploadRecord
	err := r.db.GetConn().WithContext(ctx).
		Where("skylink = ?", link.String()).
		Order("created_at DESC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUploadNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
