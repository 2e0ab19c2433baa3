package core

import (
	"fmt"

	"skyvault/pkg/skylink"
	"skyvault/pkg/types"
)

// Skyfile 是一个完整的 (元数据, 内容) 对，存进 storage.Store 时按 Merkle Root 寻址
type Skyfile struct {
	// 自身标识
	root     types.Hash `cbor:"-"` // 不参与序列化
	rawBytes []byte     `cbor:"-"` // 缓存序列化后的数据

	// 核心数据
	TypeVal  ObjectType `cbor:"t"`  // 必须是 "skyfile"
	LeafSize int64      `cbor:"ls"` // 计算 Root 时使用的叶子大小
	Metadata Metadata   `cbor:"m"`
	Content  []byte     `cbor:"c"`
}

// NewSkyfile 计算 Root 并序列化
func NewSkyfile(meta Metadata, content []byte, leafSize int64) (*Skyfile, error) {
	if meta.Length != int64(len(content)) {
		return nil, fmt.Errorf("%w: length %d does not match content size %d", ErrInvalidMetadata, meta.Length, len(content))
	}
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	sf := &Skyfile{
		TypeVal:  TypeSkyfile,
		LeafSize: leafSize,
		Metadata: meta,
		Content:  content,
	}
	root, err := ComputeRoot(&sf.Metadata, content, leafSize)
	if err != nil {
		return nil, err
	}
	b, err := EncodeCanonical(sf)
	if err != nil {
		return nil, err
	}
	sf.root = root
	sf.rawBytes = b
	return sf, nil
}

// DecodeSkyfile 反序列化并重新计算 Root
// 存储层返回的字节不被信任，Root 总是现算。
func DecodeSkyfile(data []byte) (*Skyfile, error) {
	var sf Skyfile
	if err := DecodeObject(data, &sf); err != nil {
		return nil, fmt.Errorf("failed to decode skyfile: %w", err)
	}
	if sf.TypeVal != TypeSkyfile {
		return nil, fmt.Errorf("object is not a skyfile, got: %s", sf.TypeVal)
	}
	return NewSkyfile(sf.Metadata, sf.Content, sf.LeafSize)
}

func (s *Skyfile) Type() ObjectType { return TypeSkyfile }
func (s *Skyfile) ID() types.Hash   { return s.root }
func (s *Skyfile) Bytes() []byte    { return s.rawBytes }
func (s *Skyfile) Size() int64      { return s.Metadata.Length }

// Skylink 返回该文件的 v1 skylink
func (s *Skyfile) Skylink() (skylink.Skylink, error) {
	return SkylinkFor(s.root, s.Metadata.Length)
}
