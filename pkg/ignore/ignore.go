package ignore

import (
	"os"
	"path"
	"path/filepath"
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"
)

// IgnoreFile 是目录上传时读取的用户规则文件，任何子目录下都可以有一份
const IgnoreFile = ".skyignore"

// DefaultRules 对每次目录上传强制生效
var DefaultRules = []string{
	// 本地缓存与上传记录
	".sky",
	".git",
	IgnoreFile,

	// 不应被发布的凭据
	"config.yaml",
	".env",

	".DS_Store",
	"Thumbs.db",
}

// layer 是某个目录下的一组规则，只作用于该目录之内
type layer struct {
	base  string // 相对上传目录的 slash 路径，上传目录本身为 ""
	rules *gitignore.GitIgnore
}

// Matcher 判断目录上传时一个路径是否应该被跳过
// 规则以所在目录为根: sub/.skyignore 里的 "/dist" 只匹配 sub/dist。
// 调用方在进入每个目录时调用 Enter，Matcher 不是并发安全的。
type Matcher struct {
	root   string
	layers []layer
}

// NewMatcher 编译默认规则、extra 以及 root 下的 .skyignore
func NewMatcher(root string, extra ...string) (*Matcher, error) {
	lines := append(append([]string{}, DefaultRules...), extra...)
	rules, err := compile(filepath.Join(root, IgnoreFile), lines)
	if err != nil {
		return nil, err
	}
	return &Matcher{root: root, layers: []layer{{rules: rules}}}, nil
}

// Enter 加载目录 dir (相对上传目录的 slash 路径) 下的 .skyignore
// 先于该目录的任何子项调用；没有规则文件时什么都不做。
func (m *Matcher) Enter(dir string) error {
	dir = strings.Trim(dir, "/")
	if dir == "" || dir == "." {
		return nil
	}
	file := filepath.Join(m.root, filepath.FromSlash(dir), IgnoreFile)
	if _, err := os.Stat(file); err != nil {
		return nil
	}
	rules, err := compile(file, nil)
	if err != nil {
		return err
	}
	m.layers = append(m.layers, layer{base: dir, rules: rules})
	return nil
}

// Match 检查相对上传目录的 slash 路径 rel 是否应被忽略
// 以 "/" 结尾的规则只匹配目录，所以目录本身要带上斜杠再匹配一次。
func (m *Matcher) Match(rel string, isDir bool) bool {
	rel = path.Clean(strings.TrimPrefix(rel, "/"))
	for _, l := range m.layers {
		sub, ok := within(rel, l.base)
		if !ok {
			continue
		}
		if l.rules.MatchesPath(sub) || (isDir && l.rules.MatchesPath(sub+"/")) {
			return true
		}
	}
	return false
}

// within 返回 rel 相对 base 的路径；rel 不在 base 之下时 ok 为 false
func within(rel, base string) (string, bool) {
	if base == "" {
		return rel, true
	}
	sub, ok := strings.CutPrefix(rel, base+"/")
	return sub, ok && sub != ""
}

func compile(file string, lines []string) (*gitignore.GitIgnore, error) {
	if _, err := os.Stat(file); err == nil {
		return gitignore.CompileIgnoreFileAndLines(file, lines...)
	}
	return gitignore.CompileIgnoreLines(lines...), nil
}
