package ingester

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"skyvault/pkg/chunker"
	"skyvault/pkg/core"
	"skyvault/pkg/merkle"
	"skyvault/pkg/skylink"
	"skyvault/pkg/types"
)

var ErrEmptyFilename = errors.New("filename is required")

// Input 描述一次上传的内容
// Content 必须支持随机读取: 先完整读一遍算 Root，再读一遍推给 portal。
type Input struct {
	Filename    string
	Content     io.ReaderAt
	Size        int64
	Subfiles    map[string]core.Subfile // 可选: 多文件上传的子文件表
	DefaultPath string
}

// Manifest 是上传前在本地算出的一切
// 网络请求发出之前，期望的 skylink 就已经确定。
type Manifest struct {
	Input         Input
	Metadata      core.Metadata
	Plan          *chunker.Plan
	MetadataLeaf  types.Hash
	ContentLeaves []types.Hash
	Root          types.Hash
	Skylink       skylink.Skylink
}

// Reader 返回从头读取内容的新 Reader (每次上传尝试各用一个)
func (m *Manifest) Reader() io.Reader {
	return io.NewSectionReader(m.Input.Content, 0, m.Input.Size)
}

type Ingester struct {
	leafSize int64
}

func NewIngester(leafSize int64) *Ingester {
	if leafSize <= 0 {
		leafSize = chunker.DefaultLeafSize
	}
	return &Ingester{leafSize: leafSize}
}

func (ing *Ingester) LeafSize() int64 { return ing.leafSize }

// Metadata 由上传输入构造元数据
func (ing *Ingester) Metadata(in Input) (core.Metadata, error) {
	if in.Filename == "" {
		return core.Metadata{}, ErrEmptyFilename
	}
	meta := core.Metadata{
		Filename:    in.Filename,
		Length:      in.Size,
		DefaultPath: in.DefaultPath,
	}
	if len(in.Subfiles) > 0 {
		meta.Subfiles = make(map[string]core.Subfile, len(in.Subfiles))
		for name, sf := range in.Subfiles {
			meta.Subfiles[name] = sf
		}
	}
	if err := meta.Validate(); err != nil {
		return core.Metadata{}, err
	}
	if err := checkSubfiles(meta); err != nil {
		return core.Metadata{}, err
	}
	return meta, nil
}

// checkSubfiles 要求子文件按 offset 首尾相接铺满整个内容
// portal 从 multipart 各部分重建子文件表，只有这样两边的元数据才一致。
func checkSubfiles(meta core.Metadata) error {
	if len(meta.Subfiles) == 0 {
		return nil
	}
	var next int64
	for _, sf := range meta.SortedSubfiles() {
		if meta.Subfiles[sf.Filename] != sf {
			return fmt.Errorf("%w: subfile %q is not keyed by its filename", core.ErrInvalidMetadata, sf.Filename)
		}
		if sf.Offset != next {
			return fmt.Errorf("%w: subfile %q starts at %d, expected %d", core.ErrInvalidMetadata, sf.Filename, sf.Offset, next)
		}
		next += sf.Len
	}
	if next != meta.Length {
		return fmt.Errorf("%w: subfiles cover %d of %d bytes", core.ErrInvalidMetadata, next, meta.Length)
	}
	return nil
}

// Ingest 读取内容，按叶子切分并计算 Merkle Root 和期望的 skylink
// 内存占用为一个叶子大小。
func (ing *Ingester) Ingest(ctx context.Context, in Input) (*Manifest, error) {
	// 1. 元数据
	meta, err := ing.Metadata(in)
	if err != nil {
		return nil, err
	}
	metaLeaf, err := meta.LeafHash()
	if err != nil {
		return nil, fmt.Errorf("failed to hash metadata: %w", err)
	}

	// 2. 切分计划
	plan, err := chunker.NewPlan(in.Size, ing.leafSize)
	if err != nil {
		return nil, err
	}

	// 3. 逐个叶子读取并哈希
	tree := &merkle.Tree{}
	tree.PushLeafHash(metaLeaf)

	leaves := plan.Leaves()
	contentLeaves := make([]types.Hash, 0, len(leaves))
	buf := make([]byte, min(ing.leafSize, max(in.Size, 0)))
	for _, l := range leaves {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data := buf[:l.Length]
		if l.Length > 0 {
			n, err := in.Content.ReadAt(data, l.Offset)
			// ReaderAt 读满时也可能返回 EOF
			if n < len(data) || (err != nil && !errors.Is(err, io.EOF)) {
				if err == nil {
					err = io.ErrUnexpectedEOF
				}
				return nil, fmt.Errorf("failed to read leaf %d: %w", l.Index, err)
			}
		}
		h := merkle.HashLeaf(data)
		contentLeaves = append(contentLeaves, h)
		tree.PushLeafHash(h)
	}

	// 4. Root -> skylink
	root := tree.Root()
	link, err := core.SkylinkFor(root, in.Size)
	if err != nil {
		return nil, err
	}

	return &Manifest{
		Input:         in,
		Metadata:      meta,
		Plan:          plan,
		MetadataLeaf:  metaLeaf,
		ContentLeaves: contentLeaves,
		Root:          root,
		Skylink:       link,
	}, nil
}

// IngestBytes 是内存数据的便捷入口
func (ing *Ingester) IngestBytes(ctx context.Context, filename string, data []byte) (*Manifest, error) {
	return ing.Ingest(ctx, Input{
		Filename: filename,
		Content:  bytes.NewReader(data),
		Size:     int64(len(data)),
	})
}
