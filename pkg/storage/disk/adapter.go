package disk

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"skyvault/pkg/core"
	"skyvault/pkg/storage"
	"skyvault/pkg/types"

	"github.com/klauspost/compress/zstd"
)

// Adapter 实现了 storage.Store 接口，对象以 zstd 压缩后落盘
type Adapter struct {
	rootPath string // 比如: /home/user/.sky/objects
}

// NewAdapter 创建一个新的磁盘存储适配器
func NewAdapter(root string) (*Adapter, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create root storage dir: %w", err)
	}
	return &Adapter{rootPath: root}, nil
}

// layout 返回 Root 对应的物理路径
// 使用前 2 个 Hex 字符作为子目录: "aabbcc..." -> root/aa/bbcc...
func (s *Adapter) layout(root types.Hash) string {
	hex := root.String()
	return filepath.Join(s.rootPath, hex[:2], hex[2:])
}

func (s *Adapter) Put(ctx context.Context, obj core.Object) error {
	targetPath := s.layout(obj.ID())

	// 1. 幂等: 已存在直接跳过
	if _, err := os.Stat(targetPath); err == nil {
		return nil
	}

	// 2. 准备目录
	dir := filepath.Dir(targetPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	// 3. 原子写入: 先写临时文件再 Rename
	tempFile, err := os.CreateTemp(dir, "temp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tempFile.Name())

	enc, err := zstd.NewWriter(tempFile)
	if err != nil {
		tempFile.Close()
		return err
	}
	if _, err := enc.Write(obj.Bytes()); err != nil {
		enc.Close()
		tempFile.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		tempFile.Close()
		return err
	}
	if err := tempFile.Close(); err != nil {
		return err
	}

	// 4. 移动到最终位置
	return os.Rename(tempFile.Name(), targetPath)
}

func (s *Adapter) Get(ctx context.Context, root types.Hash) (io.ReadCloser, error) {
	f, err := os.Open(s.layout(root))
	if os.IsNotExist(err) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to open zstd stream: %w", err)
	}
	return &objectReader{dec: dec, file: f}, nil
}

func (s *Adapter) Has(ctx context.Context, root types.Hash) (bool, error) {
	_, err := os.Stat(s.layout(root))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// objectReader 关闭时同时释放解码器与文件
type objectReader struct {
	dec  *zstd.Decoder
	file *os.File
}

func (r *objectReader) Read(p []byte) (int, error) { return r.dec.Read(p) }

func (r *objectReader) Close() error {
	r.dec.Close()
	return r.file.Close()
}
