package exporter

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"skyvault/pkg/core"
)

var ErrUnsafePath = errors.New("subfile path escapes target directory")

// WriteFile 把 r 原子地写到 path
// 先写同目录下的临时文件再 rename，失败时不会留下半个文件。
func WriteFile(path string, r io.Reader) (int64, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, fmt.Errorf("failed to create dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".sky-download-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name()) // rename 成功后是 no-op

	n, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return n, fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return n, err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return n, fmt.Errorf("failed to move %s into place: %w", path, err)
	}
	return n, nil
}

type RestoreCallback func(path string, sf core.Subfile)

// RestoreDirectory 把多文件下载按子文件表还原到 targetDir
// content 是完整的已校验内容，子文件名是相对路径。
func RestoreDirectory(meta *core.Metadata, content io.ReaderAt, targetDir string, onRestore RestoreCallback) error {
	if len(meta.Subfiles) == 0 {
		return fmt.Errorf("%s is not a directory upload", meta.Filename)
	}

	base, err := filepath.Abs(targetDir)
	if err != nil {
		return err
	}
	for _, sf := range meta.SortedSubfiles() {
		full, err := safeJoin(base, sf.Filename)
		if err != nil {
			return err
		}
		r := io.NewSectionReader(content, sf.Offset, sf.Len)
		if _, err := WriteFile(full, r); err != nil {
			return err
		}
		if onRestore != nil {
			onRestore(full, sf)
		}
	}
	return nil
}

// safeJoin 拒绝绝对路径与 ".." 逃逸
func safeJoin(base, name string) (string, error) {
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	full := filepath.Join(base, filepath.FromSlash(name))
	if full != base && !strings.HasPrefix(full, base+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	return full, nil
}
