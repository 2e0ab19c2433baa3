package chunker

import "fmt"

// Arena 为每个计划中的块预留一个槽位
// 并发任务各自只写自己的槽位，因此不需要锁；
// 读取 (Reassemble) 必须发生在所有写入者完成之后 (例如 errgroup.Wait 之后)。
type Arena struct {
	slots  [][]byte
	filled []bool
}

func NewArena(n int) *Arena {
	return &Arena{
		slots:  make([][]byte, n),
		filled: make([]bool, n),
	}
}

// Put 填充第 i 个槽位
func (a *Arena) Put(i int, data []byte) error {
	if i < 0 || i >= len(a.slots) {
		return fmt.Errorf("%w: index %d outside [0, %d)", ErrOutOfOrderChunk, i, len(a.slots))
	}
	a.slots[i] = data
	a.filled[i] = true
	return nil
}

// Missing 返回尚未填充的下标 (升序)
func (a *Arena) Missing() []int {
	var out []int
	for i, ok := range a.filled {
		if !ok {
			out = append(out, i)
		}
	}
	return out
}

// Reassemble 按升序拼接所有槽位，有缺失则报 ErrOutOfOrderChunk
func (a *Arena) Reassemble() ([]byte, error) {
	if missing := a.Missing(); len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing indices %v", ErrOutOfOrderChunk, missing)
	}
	chunks := make([][]byte, len(a.slots))
	for i, s := range a.slots {
		if s == nil {
			s = []byte{}
		}
		chunks[i] = s
	}
	return Reassemble(chunks)
}
