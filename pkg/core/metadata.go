package core

import (
	"errors"
	"fmt"
	"sort"

	"skyvault/pkg/merkle"
	"skyvault/pkg/types"

	"github.com/goccy/go-json"
)

var ErrInvalidMetadata = errors.New("invalid skyfile metadata")

// Subfile 描述多文件上传中的一个子文件
// JSON 字段名与 portal 返回的 Skynet-File-Metadata 头一致。
type Subfile struct {
	Filename    string `json:"filename" cbor:"filename"`
	ContentType string `json:"contenttype" cbor:"contenttype"`
	Offset      int64  `json:"offset" cbor:"offset"`
	Len         int64  `json:"len" cbor:"len"`
}

// Range 返回子文件在内容中的字节区间
func (s Subfile) Range() types.ByteRange {
	return types.ByteRange{Offset: s.Offset, Length: s.Len}
}

// Metadata 是随下载一起返回的文件元数据
// 它本身作为第 0 个叶子参与 Merkle Root 计算，篡改元数据同样会被检测到。
type Metadata struct {
	Filename    string             `json:"filename" cbor:"filename"`
	Length      int64              `json:"length" cbor:"length"`
	Subfiles    map[string]Subfile `json:"subfiles,omitempty" cbor:"subfiles,omitempty"`
	DefaultPath string             `json:"defaultpath,omitempty" cbor:"defaultpath,omitempty"`
}

// ParseMetadataJSON 解析 portal 返回的 JSON 并校验
func ParseMetadataJSON(data []byte) (*Metadata, error) {
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// JSON 返回 HTTP 头中使用的 JSON 形式
func (m *Metadata) JSON() ([]byte, error) {
	return json.Marshal(m)
}

// Validate 检查长度与子文件区间
func (m *Metadata) Validate() error {
	if m.Length < 0 {
		return fmt.Errorf("%w: negative length %d", ErrInvalidMetadata, m.Length)
	}
	for name, sf := range m.Subfiles {
		if !sf.Range().Within(m.Length) {
			return fmt.Errorf("%w: subfile %q range %s outside [0, %d)", ErrInvalidMetadata, name, sf.Range(), m.Length)
		}
	}
	if m.DefaultPath != "" {
		if _, ok := m.Subfiles[m.DefaultPath]; !ok {
			return fmt.Errorf("%w: default path %q is not a subfile", ErrInvalidMetadata, m.DefaultPath)
		}
	}
	return nil
}

// SortedSubfiles 按 offset 升序返回子文件
func (m *Metadata) SortedSubfiles() []Subfile {
	out := make([]Subfile, 0, len(m.Subfiles))
	for _, sf := range m.Subfiles {
		out = append(out, sf)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Offset != out[j].Offset {
			return out[i].Offset < out[j].Offset
		}
		return out[i].Filename < out[j].Filename
	})
	return out
}

// LeafBytes 返回参与哈希的规范化字节 (CBOR)，与 JSON 字段顺序无关
func (m *Metadata) LeafBytes() ([]byte, error) {
	return EncodeCanonical(m)
}

// LeafHash 返回元数据叶子的哈希
func (m *Metadata) LeafHash() (types.Hash, error) {
	b, err := m.LeafBytes()
	if err != nil {
		return types.Hash{}, err
	}
	return merkle.HashLeaf(b), nil
}
