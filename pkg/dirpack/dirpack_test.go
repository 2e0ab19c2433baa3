package dirpack

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"skyvault/pkg/ingester"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 构造一个结构:
// site
//
//	├── index.html
//	├── css/a.css
//	├── empty.txt
//	├── debug.log    (被 .skyignore 忽略)
//	└── .skyignore
func writeSite(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "site")
	files := map[string]string{
		"index.html": "<html>",
		"css/a.css":  "body{}",
		"empty.txt":  "",
		"debug.log":  "noise",
		".skyignore": "*.log\n",
	}
	for name, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	}
	return dir
}

func TestBuild(t *testing.T) {
	p, err := Build(writeSite(t), Options{})
	require.NoError(t, err)

	assert.Equal(t, "site", p.Name)
	assert.Equal(t, DefaultIndex, p.DefaultPath)

	var paths []string
	for _, e := range p.Entries {
		paths = append(paths, e.Path)
	}
	assert.Equal(t, []string{"css/a.css", "empty.txt", "index.html"}, paths)
	assert.Equal(t, int64(12), p.Size())

	sub := p.Subfiles()
	assert.Equal(t, int64(0), sub["css/a.css"].Offset)
	assert.Equal(t, int64(6), sub["empty.txt"].Offset)
	assert.Equal(t, int64(6), sub["index.html"].Offset)
	assert.Contains(t, sub["index.html"].ContentType, "text/html")
}

func TestBuild_NestedIgnoreAndExtraRules(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "site")
	files := map[string]string{
		"index.html":          "<html>",
		"dist/app.js":         "js",
		"docs/.skyignore":     "/drafts/\n",
		"docs/drafts/a.md":    "draft",
		"docs/guide.md":       "guide",
		"blog/drafts/post.md": "post",
		"notes.tmp":           "tmp",
	}
	for name, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	}

	p, err := Build(dir, Options{Ignore: []string{"dist/", "*.tmp"}})
	require.NoError(t, err)

	var paths []string
	for _, e := range p.Entries {
		paths = append(paths, e.Path)
	}
	// docs 下的 /drafts/ 不影响 blog/drafts
	assert.Equal(t, []string{"blog/drafts/post.md", "docs/guide.md", "index.html"}, paths)
}

func TestPack_ReadAt(t *testing.T) {
	p, err := Build(writeSite(t), Options{})
	require.NoError(t, err)

	all, err := io.ReadAll(io.NewSectionReader(p, 0, p.Size()))
	require.NoError(t, err)
	assert.Equal(t, "body{}<html>", string(all))

	// 跨文件边界的读取
	buf := make([]byte, 4)
	n, err := p.ReadAt(buf, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "{}<h", string(buf))

	// 读到末尾
	n, err = p.ReadAt(buf, 10)
	assert.Equal(t, 2, n)
	assert.ErrorIs(t, err, io.EOF)
}

func TestPack_IngestMatchesSubfiles(t *testing.T) {
	p, err := Build(writeSite(t), Options{DefaultPath: "css/a.css"})
	require.NoError(t, err)

	m, err := ingester.NewIngester(4).Ingest(context.Background(), p.Input())
	require.NoError(t, err)
	assert.Equal(t, "site", m.Metadata.Filename)
	assert.Equal(t, "css/a.css", m.Metadata.DefaultPath)
	assert.Len(t, m.Metadata.Subfiles, 3)
}

func TestBuild_Errors(t *testing.T) {
	_, err := Build(t.TempDir(), Options{})
	assert.ErrorIs(t, err, ErrEmptyDirectory)

	_, err = Build(writeSite(t), Options{DefaultPath: "missing.html"})
	assert.ErrorIs(t, err, ErrNoDefaultPath)

	f := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(f, []byte("x"), 0644))
	_, err = Build(f, Options{})
	assert.Error(t, err)
}

func TestPack_FileChanged(t *testing.T) {
	dir := writeSite(t)
	p, err := Build(dir, Options{})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<"), 0644))
	_, err = io.ReadAll(io.NewSectionReader(p, 0, p.Size()))
	assert.ErrorIs(t, err, ErrFileChanged)
}
