package meta

import (
	"fmt"
	"time"

	"skyvault/pkg/core"
	"skyvault/pkg/skylink"
	"skyvault/pkg/types"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// UploadRecord 是一次成功上传在本地账本中的记录
// 同一个 skylink 可以出现多次 (不同时间、不同 portal)。
type UploadRecord struct {
	ID uuid.UUID `gorm:"primaryKey;type:char(36)"`

	Skylink  string `gorm:"index;type:char(46);not null"`
	Root     string `gorm:"type:char(64);not null"`
	Filename string `gorm:"type:varchar(255)"`
	Size     int64
	Portal   string `gorm:"type:varchar(255)"`

	// Subfiles: 多文件上传的子文件表，单文件时为 null
	Subfiles datatypes.JSON

	CreatedAt time.Time `gorm:"index"`
}

// TableName 强制指定表名
func (UploadRecord) TableName() string {
	return "uploads"
}

// NewUploadRecord 把上传结果投影成一行记录
func NewUploadRecord(link skylink.Skylink, root types.Hash, md core.Metadata, portal string) (*UploadRecord, error) {
	rec := &UploadRecord{
		ID:       uuid.New(),
		Skylink:  link.String(),
		Root:     root.String(),
		Filename: md.Filename,
		Size:     md.Length,
		Portal:   portal,
	}
	if len(md.Subfiles) > 0 {
		raw, err := json.Marshal(md.Subfiles)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal subfiles: %w", err)
		}
		rec.Subfiles = datatypes.JSON(raw)
	}
	return rec, nil
}

// SubfileTable 解码子文件表
func (r *UploadRecord) SubfileTable() (map[string]core.Subfile, error) {
	if len(r.Subfiles) == 0 {
		return nil, nil
	}
	var out map[string]core.Subfile
	if err := json.Unmarshal(r.Subfiles, &out); err != nil {
		return nil, err
	}
	return out, nil
}
