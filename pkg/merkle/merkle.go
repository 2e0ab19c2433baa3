// Package merkle 实现网络所用的 Merkle 树: BLAKE2b-256，叶子前缀 0x00，
// 内部节点前缀 0x01。非 2 的幂的叶子数量不做填充，奇数节点原样上提。
package merkle

import (
	"skyvault/pkg/types"

	"golang.org/x/crypto/blake2b"
)

const (
	LeafPrefix = 0x00
	NodePrefix = 0x01
)

// HashLeaf 计算叶子哈希: H(0x00 || data)
func HashLeaf(data []byte) types.Hash {
	h, _ := blake2b.New256(nil) // 无 key 时不会返回错误
	h.Write([]byte{LeafPrefix})
	h.Write(data)
	var out types.Hash
	h.Sum(out[:0])
	return out
}

// Combine 计算内部节点哈希: H(0x01 || left || right)
func Combine(left, right types.Hash) types.Hash {
	var buf [1 + 2*types.HashSize]byte
	buf[0] = NodePrefix
	copy(buf[1:], left[:])
	copy(buf[1+types.HashSize:], right[:])
	return blake2b.Sum256(buf[:])
}

// BuildRoot 自底向上逐层构建根
// 每一层两两合并；落单的最后一个节点原样进入下一层，不与零值配对。
// 空序列返回零值 Hash。
func BuildRoot(leaves []types.Hash) types.Hash {
	if len(leaves) == 0 {
		return types.Hash{}
	}
	level := make([]types.Hash, len(leaves))
	copy(level, leaves)

	for len(level) > 1 {
		next := level[:0]
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i]) // carry-up
				continue
			}
			next = append(next, Combine(level[i], level[i+1]))
		}
		level = next
	}
	return level[0]
}

// Verify 重新计算根并与期望值比较
func Verify(root types.Hash, leaves []types.Hash) bool {
	if len(leaves) == 0 {
		return false
	}
	return BuildRoot(leaves) == root
}

// Tree 是增量版本的 BuildRoot，叶子可以边读边推入，内存占用为 O(log n)。
// 对同一叶子序列，Root() 与 BuildRoot 结果一致。
type Tree struct {
	stack []subtree
	count int
}

type subtree struct {
	height int
	sum    types.Hash
}

// PushLeafHash 推入一个已经计算好的叶子哈希
func (t *Tree) PushLeafHash(h types.Hash) {
	t.stack = append(t.stack, subtree{height: 0, sum: h})
	t.count++
	// 相同高度的两棵满子树立即合并
	for n := len(t.stack); n >= 2 && t.stack[n-1].height == t.stack[n-2].height; n = len(t.stack) {
		merged := subtree{height: t.stack[n-2].height + 1, sum: Combine(t.stack[n-2].sum, t.stack[n-1].sum)}
		t.stack = append(t.stack[:n-2], merged)
	}
}

// Push 计算并推入一个叶子
func (t *Tree) Push(data []byte) { t.PushLeafHash(HashLeaf(data)) }

// Len 返回已推入的叶子数
func (t *Tree) Len() int { return t.count }

// Root 从右向左折叠剩余的满子树
func (t *Tree) Root() types.Hash {
	if len(t.stack) == 0 {
		return types.Hash{}
	}
	acc := t.stack[len(t.stack)-1].sum
	for i := len(t.stack) - 2; i >= 0; i-- {
		acc = Combine(t.stack[i].sum, acc)
	}
	return acc
}
