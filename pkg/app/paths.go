package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ensureParentDir 为 sqlite 文件创建目录，内存库跳过
func ensureParentDir(dsn string) error {
	if dsn == "" || strings.HasPrefix(dsn, "file:") || strings.Contains(dsn, ":memory:") {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
		return fmt.Errorf("failed to create ledger dir: %w", err)
	}
	return nil
}
