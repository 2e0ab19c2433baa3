package core

import (
	"fmt"

	"skyvault/pkg/chunker"
	"skyvault/pkg/merkle"
	"skyvault/pkg/skylink"
	"skyvault/pkg/types"
)

// 内容寻址布局:
//
//	leaf 0     : 元数据 (规范化 CBOR)
//	leaf 1..N  : 内容，每 leafSize 字节一个叶子，最后一个可以较短
//
// 空内容也有一个长度为 0 的内容叶子，因此 Root 总是有定义。

// ContentLeafHashes 对内存中的内容按 leafSize 切分并计算叶子哈希
func ContentLeafHashes(content []byte, leafSize int64) ([]types.Hash, error) {
	plan, err := chunker.NewPlan(int64(len(content)), leafSize)
	if err != nil {
		return nil, err
	}
	leaves := plan.Leaves()
	out := make([]types.Hash, len(leaves))
	for i, l := range leaves {
		out[i] = merkle.HashLeaf(content[l.Offset:l.End()])
	}
	return out, nil
}

// Root 由元数据叶子和内容叶子计算 skyfile 的 Merkle Root
func Root(metaLeaf types.Hash, contentLeaves []types.Hash) types.Hash {
	leaves := make([]types.Hash, 0, len(contentLeaves)+1)
	leaves = append(leaves, metaLeaf)
	leaves = append(leaves, contentLeaves...)
	return merkle.BuildRoot(leaves)
}

// ComputeRoot 对完整的 (元数据, 内容) 计算 Merkle Root
func ComputeRoot(meta *Metadata, content []byte, leafSize int64) (types.Hash, error) {
	metaLeaf, err := meta.LeafHash()
	if err != nil {
		return types.Hash{}, err
	}
	contentLeaves, err := ContentLeafHashes(content, leafSize)
	if err != nil {
		return types.Hash{}, err
	}
	return Root(metaLeaf, contentLeaves), nil
}

// SkylinkFor 构造上传结果对应的 v1 skylink
// bitfield 描述基础对象: offset 0，长度为 min(size, 一个 container)。
func SkylinkFor(root types.Hash, size int64) (skylink.Skylink, error) {
	if size < 0 {
		return skylink.Skylink{}, fmt.Errorf("negative size %d", size)
	}
	length := min(uint64(size), skylink.ContainerSize)
	return skylink.New(0, length, root)
}
