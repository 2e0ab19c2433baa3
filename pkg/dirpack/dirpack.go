package dirpack

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sort"

	"skyvault/pkg/core"
	"skyvault/pkg/ignore"
	"skyvault/pkg/ingester"
)

const (
	DefaultIndex       = "index.html"
	DefaultContentType = "application/octet-stream"
)

var (
	ErrEmptyDirectory = errors.New("directory contains no files to upload")
	ErrNoDefaultPath  = errors.New("default path is not part of the upload")
	ErrFileChanged    = errors.New("file changed during upload")
)

// Entry 是目录中的一个文件，Offset 是它在拼接后内容中的位置
type Entry struct {
	Path        string // 相对路径，使用 "/" 分隔
	AbsPath     string
	Size        int64
	Offset      int64
	ContentType string
}

// Pack 把一个目录表示为按路径排序的文件拼接
// 它实现了 io.ReaderAt，读取时才打开对应的文件。
type Pack struct {
	Name        string
	DefaultPath string
	Entries     []Entry
	size        int64
}

type Options struct {
	// DefaultPath 为空时，若根目录下有 index.html 则使用它
	DefaultPath string
	// Ignore 是在默认规则与 .skyignore 之外追加的 gitignore 规则
	Ignore []string
}

// Build 遍历目录并生成上传用的 Pack
func Build(root string, opts Options) (*Pack, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	st, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}

	matcher, err := ignore.NewMatcher(abs, opts.Ignore...)
	if err != nil {
		return nil, fmt.Errorf("failed to load ignore rules: %w", err)
	}

	// 1. 遍历，跳过被忽略的路径
	var entries []Entry
	err = filepath.WalkDir(abs, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == abs {
			return nil
		}
		rel, err := filepath.Rel(abs, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if matcher.Match(rel, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			// 子目录的 .skyignore 只作用于它自己
			return matcher.Enter(rel)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		entries = append(entries, Entry{
			Path:        rel,
			AbsPath:     p,
			Size:        info.Size(),
			ContentType: contentType(rel),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", root, err)
	}
	if len(entries) == 0 {
		return nil, ErrEmptyDirectory
	}

	// 2. 按路径排序并分配 offset
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	var off int64
	for i := range entries {
		entries[i].Offset = off
		off += entries[i].Size
	}

	p := &Pack{
		Name:    filepath.Base(abs),
		Entries: entries,
		size:    off,
	}

	// 3. 默认路径
	switch {
	case opts.DefaultPath != "":
		if p.find(opts.DefaultPath) < 0 {
			return nil, fmt.Errorf("%w: %s", ErrNoDefaultPath, opts.DefaultPath)
		}
		p.DefaultPath = opts.DefaultPath
	case p.find(DefaultIndex) >= 0:
		p.DefaultPath = DefaultIndex
	}
	return p, nil
}

func contentType(name string) string {
	if ct := mime.TypeByExtension(path.Ext(name)); ct != "" {
		return ct
	}
	return DefaultContentType
}

func (p *Pack) find(rel string) int {
	for i, e := range p.Entries {
		if e.Path == rel {
			return i
		}
	}
	return -1
}

func (p *Pack) Size() int64 { return p.size }

// Subfiles 返回元数据中的子文件表
func (p *Pack) Subfiles() map[string]core.Subfile {
	out := make(map[string]core.Subfile, len(p.Entries))
	for _, e := range p.Entries {
		out[e.Path] = core.Subfile{
			Filename:    e.Path,
			ContentType: e.ContentType,
			Offset:      e.Offset,
			Len:         e.Size,
		}
	}
	return out
}

// Input 返回上传输入
func (p *Pack) Input() ingester.Input {
	return ingester.Input{
		Filename:    p.Name,
		Content:     p,
		Size:        p.size,
		Subfiles:    p.Subfiles(),
		DefaultPath: p.DefaultPath,
	}
}

// ReadAt 从拼接后的内容中读取
func (p *Pack) ReadAt(b []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	if off >= p.size {
		return 0, io.EOF
	}

	// 找到第一个包含 off 的文件
	i := sort.Search(len(p.Entries), func(i int) bool {
		e := p.Entries[i]
		return e.Offset+e.Size > off
	})

	n := 0
	for ; i < len(p.Entries) && n < len(b); i++ {
		e := p.Entries[i]
		if e.Size == 0 {
			continue
		}
		local := off + int64(n) - e.Offset
		want := min(int64(len(b)-n), e.Size-local)
		m, err := readFileAt(e, b[n:n+int(want)], local)
		n += m
		if err != nil {
			return n, err
		}
	}
	if n < len(b) {
		return n, io.EOF
	}
	return n, nil
}

func readFileAt(e Entry, b []byte, off int64) (int, error) {
	f, err := os.Open(e.AbsPath)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n, err := f.ReadAt(b, off)
	if n < len(b) {
		return n, fmt.Errorf("%w: %s", ErrFileChanged, e.Path)
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return n, err
	}
	return n, nil
}
