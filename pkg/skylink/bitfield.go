package skylink

import "fmt"

// Bitfield 布局 (uint16, 线上按小端序存放):
//
//	bit 0-1   : version - 1
//	接下来 n 个 1 + 一个 0 : 模式 (mode n, 0 <= n <= 7)
//	接下来 3 bit : fetch size 单位数 - 1
//	剩余 10-n bit : offset 单位数
//
// 模式 n 的粒度 (granularity) 固定为 4096 << n，由下表给出，运行时不推导。
const (
	// ContainerSize 是一个 skylink 所能寻址的基础对象大小 (一个 4 MiB sector)
	ContainerSize uint64 = 1 << 22

	maxMode        = 7
	unitsPerMode   = 8
	versionBits    = 2
	fetchSizeBits  = 3
	fetchSizeMask  = 1<<fetchSizeBits - 1
	v2BitfieldOnly = uint16(1)
)

// granularityTable: mode -> 对齐粒度 (字节)
var granularityTable = [maxMode + 1]uint64{
	4096,   // mode 0: fetch <= 32 KiB
	8192,   // mode 1: fetch <= 64 KiB
	16384,  // mode 2: fetch <= 128 KiB
	32768,  // mode 3: fetch <= 256 KiB
	65536,  // mode 4: fetch <= 512 KiB
	131072, // mode 5: fetch <= 1 MiB
	262144, // mode 6: fetch <= 2 MiB
	524288, // mode 7: fetch <= 4 MiB
}

// Granularity 返回 mode 对应的粒度，mode 越界返回 0
func Granularity(mode int) uint64 {
	if mode < 0 || mode > maxMode {
		return 0
	}
	return granularityTable[mode]
}

// encodeV1Bitfield 将 (offset, length) 压缩为 v1 bitfield
// length 会被向上取整到所选模式的粒度；length 为 0 时按一个单位处理。
func encodeV1Bitfield(offset, length uint64) (uint16, error) {
	if length > ContainerSize {
		return 0, fmt.Errorf("%w: length %d exceeds container size %d", ErrInvalidBitfield, length, ContainerSize)
	}

	// 1. 选出能装下 length 的最小模式
	mode := 0
	for length > unitsPerMode*granularityTable[mode] {
		mode++
	}
	gran := granularityTable[mode]

	// 2. offset 必须按该模式的粒度对齐
	if offset%gran != 0 {
		return 0, fmt.Errorf("%w: offset %d not aligned to %d", ErrInvalidBitfield, offset, gran)
	}

	units := (length + gran - 1) / gran
	if units == 0 {
		units = 1
	}
	if offset+units*gran > ContainerSize {
		return 0, fmt.Errorf("%w: offset %d + length %d exceeds container size", ErrInvalidBitfield, offset, units*gran)
	}

	// 3. 从高位往低位拼装
	b := uint16(offset / gran)
	b = b<<fetchSizeBits | uint16(units-1)
	b <<= 1 // 模式终止位 0
	b = b<<mode | uint16(1<<mode-1)
	b <<= versionBits // version 1 -> 0b00
	return b, nil
}

// decodeV1Bitfield 是 encodeV1Bitfield 的逆过程
func decodeV1Bitfield(bitfield uint16) (offset, length uint64, err error) {
	if bitfield&(1<<versionBits-1) != 0 {
		return 0, 0, ErrNotAFileSkylink
	}
	b := bitfield >> versionBits

	mode := 0
	for b&1 == 1 {
		b >>= 1
		mode++
		if mode > maxMode {
			return 0, 0, fmt.Errorf("%w: too many mode bits", ErrInvalidBitfield)
		}
	}
	b >>= 1
	gran := granularityTable[mode]

	length = (uint64(b&fetchSizeMask) + 1) * gran
	b >>= fetchSizeBits
	offset = uint64(b) * gran

	if offset+length > ContainerSize {
		return 0, 0, fmt.Errorf("%w: offset %d + length %d exceeds container size", ErrInvalidBitfield, offset, length)
	}
	return offset, length, nil
}
