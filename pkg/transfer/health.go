package transfer

import (
	"sync"
	"time"
)

// portalHealth 是单个 portal 的可变健康状态，由自己的锁保护
type portalHealth struct {
	mu          sync.Mutex
	failures    int
	lastElapsed time.Duration
	skipUntil   time.Time
}

// Health 跟踪一组 portal 的连续失败次数
// map 在构造后只读，并发更新只会锁住对应 portal。
type Health struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time
	portals   map[string]*portalHealth
}

func NewHealth(names []string, threshold int, cooldown time.Duration) *Health {
	h := &Health{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		portals:   make(map[string]*portalHealth, len(names)),
	}
	for _, n := range names {
		h.portals[n] = &portalHealth{}
	}
	return h
}

// Observe 记录一次尝试
// 成功清零；连续失败达到阈值后进入冷却期。
func (h *Health) Observe(name string, ok bool, elapsed time.Duration) {
	p, found := h.portals[name]
	if !found {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastElapsed = elapsed
	if ok {
		p.failures = 0
		p.skipUntil = time.Time{}
		return
	}
	p.failures++
	if h.threshold > 0 && p.failures >= h.threshold {
		p.skipUntil = h.now().Add(h.cooldown)
	}
}

// Available 报告 portal 当前是否不在冷却期
func (h *Health) Available(name string) bool {
	p, found := h.portals[name]
	if !found {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return !h.now().Before(p.skipUntil)
}

// Failures 返回连续失败次数
func (h *Health) Failures(name string) int {
	p, found := h.portals[name]
	if !found {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures
}

// Order 按配置顺序返回可用的 portal，排除 exclude 中的
// 全部在冷却期时仍按原顺序返回，宁可再试一次也不直接失败。
func (h *Health) Order(names []string, exclude map[string]bool) []string {
	var candidates, ready []string
	for _, n := range names {
		if exclude[n] {
			continue
		}
		candidates = append(candidates, n)
		if h.Available(n) {
			ready = append(ready, n)
		}
	}
	if len(ready) == 0 {
		return candidates
	}
	return ready
}
