// pkg/types/common.go
package types

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// HashSize 是 Merkle Root / 叶子哈希的字节长度 (BLAKE2b-256)
const HashSize = 32

// Hash 代表 32 字节的内容哈希 (Merkle Root 或叶子哈希)
// 这是一个“值对象”，数组语义保证了不可变与可比较 (==)。
type Hash [HashSize]byte

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

func (h Hash) IsZero() bool { return h == Hash{} }

// Short 返回前 8 个 Hex 字符，用于日志与 CLI 展示
func (h Hash) Short() string { return h.String()[:8] }

// ParseHash 从 64 字符 Hex 字符串还原 Hash
func ParseHash(s string) (Hash, error) {
	var h Hash
	if len(s) != HashSize*2 {
		return h, fmt.Errorf("invalid hash length %d", len(s))
	}
	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return h, fmt.Errorf("invalid hash hex: %w", err)
	}
	return h, nil
}

var ErrInvalidRange = errors.New("invalid byte range")

// ByteRange 描述 [Offset, Offset+Length) 的半开区间
type ByteRange struct {
	Offset int64
	Length int64
}

// End 返回区间的结束 offset (不包含)
func (r ByteRange) End() int64 { return r.Offset + r.Length }

// Within 检查区间是否完整落在 [0, size) 内
// 不计算 End()，避免 Offset+Length 溢出。
func (r ByteRange) Within(size int64) bool {
	return r.Offset >= 0 && r.Length >= 0 && r.Offset <= size && r.Length <= size-r.Offset
}

// HeaderValue 渲染为 HTTP Range 头的值 (闭区间语义)
func (r ByteRange) HeaderValue() string {
	return fmt.Sprintf("bytes=%d-%d", r.Offset, r.End()-1)
}

func (r ByteRange) String() string {
	return fmt.Sprintf("%d-%d", r.Offset, r.End())
}

// ParseByteRange 解析 CLI 风格的 "start-end" (end 不包含)
func ParseByteRange(s string) (ByteRange, error) {
	start, end, ok := strings.Cut(s, "-")
	if !ok {
		return ByteRange{}, fmt.Errorf("%w: %q (expected start-end)", ErrInvalidRange, s)
	}
	a, err := strconv.ParseInt(start, 10, 64)
	if err != nil {
		return ByteRange{}, fmt.Errorf("%w: %v", ErrInvalidRange, err)
	}
	b, err := strconv.ParseInt(end, 10, 64)
	if err != nil {
		return ByteRange{}, fmt.Errorf("%w: %v", ErrInvalidRange, err)
	}
	if a < 0 || b < a {
		return ByteRange{}, fmt.Errorf("%w: %q", ErrInvalidRange, s)
	}
	return ByteRange{Offset: a, Length: b - a}, nil
}
