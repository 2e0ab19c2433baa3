package chunker

import (
	"errors"
	"fmt"
)

// 默认参数 (单位: 字节)
const (
	DefaultLeafSize  = 64 * 1024       // 64KB 哈希叶子
	DefaultChunkSize = 4 * 1024 * 1024 // 4MB 传输块 (一个 sector)
)

var (
	ErrInvalidPlan     = errors.New("invalid chunk plan")
	ErrOutOfOrderChunk = errors.New("chunk missing or out of order")
)

// Span 是文件中的一段 [Offset, Offset+Length)
type Span struct {
	Index  int
	Offset int64
	Length int64
}

func (s Span) End() int64 { return s.Offset + s.Length }

// Plan 描述一个文件如何被切成叶子 (哈希单位)
// 叶子之间无空隙、无重叠，最后一个叶子可以较短。叶子按需计算，不预先分配。
type Plan struct {
	TotalSize int64
	LeafSize  int64
}

// NewPlan 对 [0, totalSize) 做定长切分
// totalSize <= leafSize 时只有一个叶子 (空文件也是一个长度为 0 的叶子)。
func NewPlan(totalSize, leafSize int64) (*Plan, error) {
	if leafSize <= 0 {
		return nil, fmt.Errorf("%w: leaf size must be positive, got %d", ErrInvalidPlan, leafSize)
	}
	if totalSize < 0 {
		return nil, fmt.Errorf("%w: negative size %d", ErrInvalidPlan, totalSize)
	}
	return &Plan{TotalSize: totalSize, LeafSize: leafSize}, nil
}

// NumLeaves 返回叶子个数，至少为 1
func (p *Plan) NumLeaves() int64 {
	return spanCount(p.TotalSize, p.LeafSize)
}

// Leaves 展开全部叶子，只用于已经在内存中的内容
func (p *Plan) Leaves() []Span {
	return p.spans(p.LeafSize)
}

// Chunks 把相邻叶子打包成传输块，每块 chunkSize 字节 (向下对齐到叶子边界，至少一个叶子)
// 返回的 Span.Index 是块序号。
func (p *Plan) Chunks(chunkSize int64) []Span {
	perChunk := max(chunkSize/p.LeafSize, 1)
	return p.spans(perChunk * p.LeafSize)
}

// spans 按 step 切分 [0, TotalSize)，不经过逐叶子展开
func (p *Plan) spans(step int64) []Span {
	n := spanCount(p.TotalSize, step)
	out := make([]Span, n)
	for i := range out {
		off := int64(i) * step
		out[i] = Span{Index: i, Offset: off, Length: min(step, p.TotalSize-off)}
	}
	return out
}

func spanCount(total, step int64) int64 {
	if total <= step {
		return 1
	}
	return (total-1)/step + 1
}

// Reassemble 按下标顺序拼接块；nil 表示该下标缺失
func Reassemble(chunks [][]byte) ([]byte, error) {
	total := 0
	for i, c := range chunks {
		if c == nil {
			return nil, fmt.Errorf("%w: index %d", ErrOutOfOrderChunk, i)
		}
		total += len(c)
	}
	out := make([]byte, 0, total)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out, nil
}
