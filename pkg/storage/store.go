package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"skyvault/pkg/core"
	"skyvault/pkg/types"
)

var (
	ErrNotFound = errors.New("object not found")
	ErrCorrupt  = errors.New("stored object does not match its root")
)

// Store defines the interface for a content-addressed storage backend.
// Objects are keyed by their Merkle root.
type Store interface {
	// Put 将一个核心对象持久化
	// 它不需要返回 Hash，因为 Root 已经在 core.Object 里了
	Put(ctx context.Context, obj core.Object) error

	// Get 根据 Root 读取原始数据
	// 返回 io.ReadCloser 以支持流式读取
	Get(ctx context.Context, root types.Hash) (io.ReadCloser, error)

	// Has 检查对象是否存在
	Has(ctx context.Context, root types.Hash) (bool, error)
}

// LoadSkyfile 读取并解码一个 skyfile，重新计算 Root 并与 key 比对
// 存储介质上的字节不被信任。
func LoadSkyfile(ctx context.Context, s Store, root types.Hash) (*core.Skyfile, error) {
	rc, err := s.Get(ctx, root)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", root.Short(), err)
	}
	sf, err := core.DecodeSkyfile(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if sf.ID() != root {
		return nil, fmt.Errorf("%w: key %s, content %s", ErrCorrupt, root.Short(), sf.ID().Short())
	}
	return sf, nil
}
