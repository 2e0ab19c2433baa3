package skylink

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"skyvault/pkg/types"

	cristalbase64 "github.com/cristalhq/base64"
)

const (
	// RawSize: 2 字节 bitfield + 32 字节 Merkle Root
	RawSize = 2 + types.HashSize
	// TextSize: RawSize 字节的 raw URL base64 长度 (无 padding)
	TextSize = (RawSize*8 + 5) / 6

	// URIPrefix 是可选的 URI scheme 前缀，解析时会被剥离
	URIPrefix = "sia://"
)

var (
	ErrMalformedSkylink = errors.New("malformed skylink")
	ErrInvalidBitfield  = errors.New("invalid skylink bitfield")
	ErrNotAFileSkylink  = errors.New("skylink is not a version 1 file skylink")
)

// Version 嵌在 bitfield 的低 2 位中
type Version uint8

const (
	V1 Version = 1 // 单 Merkle Root 文件
	V2 Version = 2 // 间接链接 (registry entry)，只做无损往返
)

// Skylink 是 34 字节的不可变标识符。零值不是合法的 skylink。
type Skylink struct {
	bitfield uint16
	root     types.Hash
}

// New 构造 v1 文件 skylink
func New(offset, length uint64, root types.Hash) (Skylink, error) {
	return Encode(V1, offset, length, root)
}

// Encode 按版本构造 skylink
// v2 链接没有 offset/length，二者必须为 0。
func Encode(v Version, offset, length uint64, root types.Hash) (Skylink, error) {
	switch v {
	case V1:
		bf, err := encodeV1Bitfield(offset, length)
		if err != nil {
			return Skylink{}, err
		}
		return Skylink{bitfield: bf, root: root}, nil
	case V2:
		if offset != 0 || length != 0 {
			return Skylink{}, fmt.Errorf("%w: version 2 links carry no offset/length", ErrInvalidBitfield)
		}
		return Skylink{bitfield: v2BitfieldOnly, root: root}, nil
	default:
		return Skylink{}, fmt.Errorf("%w: unsupported version %d", ErrInvalidBitfield, v)
	}
}

func (s Skylink) Version() Version       { return Version(s.bitfield&3) + 1 }
func (s Skylink) Bitfield() uint16       { return s.bitfield }
func (s Skylink) MerkleRoot() types.Hash { return s.root }
func (s Skylink) IsZero() bool           { return s == Skylink{} }

// OffsetAndLength 解出 v1 链接在基础对象内的 (offset, fetch length)
func (s Skylink) OffsetAndLength() (offset, length uint64, err error) {
	if s.Version() != V1 {
		return 0, 0, ErrNotAFileSkylink
	}
	return decodeV1Bitfield(s.bitfield)
}

// Bytes 返回线上二进制形式: bitfield (小端) || root
func (s Skylink) Bytes() []byte {
	buf := make([]byte, RawSize)
	binary.LittleEndian.PutUint16(buf[:2], s.bitfield)
	copy(buf[2:], s.root[:])
	return buf
}

// FromBytes 解析 34 字节的二进制形式
func FromBytes(raw []byte) (Skylink, error) {
	if len(raw) != RawSize {
		return Skylink{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrMalformedSkylink, RawSize, len(raw))
	}
	s := Skylink{bitfield: binary.LittleEndian.Uint16(raw[:2])}
	copy(s.root[:], raw[2:])

	switch s.Version() {
	case V1:
		if _, _, err := decodeV1Bitfield(s.bitfield); err != nil {
			return Skylink{}, fmt.Errorf("%w: %v", ErrMalformedSkylink, err)
		}
	case V2:
		if s.bitfield != v2BitfieldOnly {
			return Skylink{}, fmt.Errorf("%w: version 2 bitfield must be %d", ErrMalformedSkylink, v2BitfieldOnly)
		}
	default:
		return Skylink{}, fmt.Errorf("%w: unknown version %d", ErrMalformedSkylink, s.Version())
	}
	return s, nil
}

// String 是文本形式 (toText)，固定 46 个字符
func (s Skylink) String() string {
	return cristalbase64.RawURLEncoding.EncodeToString(s.Bytes())
}

// Parse 解析文本形式 (fromText)，允许带 sia:// 前缀
func Parse(text string) (Skylink, error) {
	text = strings.TrimPrefix(text, URIPrefix)
	if len(text) != TextSize {
		return Skylink{}, fmt.Errorf("%w: expected %d characters, got %d", ErrMalformedSkylink, TextSize, len(text))
	}
	raw, err := cristalbase64.RawURLEncoding.DecodeString(text)
	if err != nil {
		return Skylink{}, fmt.Errorf("%w: %v", ErrMalformedSkylink, err)
	}
	s, err := FromBytes(raw)
	if err != nil {
		return Skylink{}, err
	}
	// 末尾字符有 4 个填充位，必须为 0，否则同一链接会有多种文本形式
	if s.String() != text {
		return Skylink{}, fmt.Errorf("%w: non-canonical encoding", ErrMalformedSkylink)
	}
	return s, nil
}

// MustParse 供测试与常量使用
func MustParse(text string) Skylink {
	s, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return s
}

func (s Skylink) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Skylink) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
