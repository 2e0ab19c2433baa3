package transfer

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"skyvault/pkg/server"
	"skyvault/pkg/storage/disk"

	"github.com/stretchr/testify/require"
)

// -----------------------------------------------------------------------------
// 测试网络: 多个 portal 共享同一个存储，各自可以注入故障
// -----------------------------------------------------------------------------

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type network struct {
	handler http.Handler
}

func newNetwork(t *testing.T, leafSize int64) *network {
	t.Helper()
	store, err := disk.NewAdapter(t.TempDir())
	require.NoError(t, err)
	return &network{
		handler: server.New(store, server.Options{LeafSize: leafSize, Logger: discardLogger}).Handler(),
	}
}

// hookFunc 决定如何处理一个请求，next 是正常的 portal 行为
type hookFunc func(w http.ResponseWriter, r *http.Request, next http.Handler)

type fakePortal struct {
	*httptest.Server

	mu   sync.Mutex
	reqs []string
	hook hookFunc
}

func (n *network) portal(t *testing.T, hook hookFunc) *fakePortal {
	t.Helper()
	p := &fakePortal{hook: hook}
	p.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		p.reqs = append(p.reqs, strings.TrimSpace(r.Method+" "+r.Header.Get("Range")))
		hook := p.hook
		p.mu.Unlock()

		if hook == nil {
			n.handler.ServeHTTP(w, r)
			return
		}
		hook(w, r, n.handler)
	}))
	t.Cleanup(p.Close)
	return p
}

func (p *fakePortal) setHook(h hookFunc) {
	p.mu.Lock()
	p.hook = h
	p.mu.Unlock()
}

// count 统计以 prefix 开头的请求 (例如 "POST"、"GET bytes=0-")
func (p *fakePortal) count(prefix string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, r := range p.reqs {
		if strings.HasPrefix(r, prefix) {
			n++
		}
	}
	return n
}

func (p *fakePortal) requests() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.reqs...)
}

// reject 读完请求体后返回错误状态，避免连接被重置
func reject(status int, header map[string]string) hookFunc {
	return func(w http.ResponseWriter, r *http.Request, _ http.Handler) {
		_, _ = io.Copy(io.Discard, r.Body)
		for k, v := range header {
			w.Header().Set(k, v)
		}
		http.Error(w, http.StatusText(status), status)
	}
}

// firstN 让前 n 个请求走 h，之后恢复正常
func firstN(n int, h hookFunc) hookFunc {
	var mu sync.Mutex
	seen := 0
	return func(w http.ResponseWriter, r *http.Request, next http.Handler) {
		mu.Lock()
		seen++
		hit := seen <= n
		mu.Unlock()
		if hit {
			h(w, r, next)
			return
		}
		next.ServeHTTP(w, r)
	}
}

// hang 一直阻塞到客户端放弃
func hang(w http.ResponseWriter, r *http.Request, _ http.Handler) {
	select {
	case <-r.Context().Done():
	case <-time.After(10 * time.Second):
	}
}

// corruptBodies 翻转每个 GET 响应体的第一个字节，头部保持不变
func corruptBodies(w http.ResponseWriter, r *http.Request, next http.Handler) {
	if r.Method != http.MethodGet {
		next.ServeHTTP(w, r)
		return
	}
	rec := httptest.NewRecorder()
	next.ServeHTTP(rec, r)
	body := rec.Body.Bytes()
	if len(body) > 0 {
		body[0] ^= 0xff
	}
	for k, v := range rec.Header() {
		w.Header()[k] = v
	}
	w.WriteHeader(rec.Code)
	_, _ = w.Write(body)
}

// truncateBodies 只返回每个 GET 响应体的前一半，然后断开
func truncateBodies(w http.ResponseWriter, r *http.Request, next http.Handler) {
	if r.Method != http.MethodGet {
		next.ServeHTTP(w, r)
		return
	}
	rec := httptest.NewRecorder()
	next.ServeHTTP(rec, r)
	body := rec.Body.Bytes()
	for k, v := range rec.Header() {
		w.Header()[k] = v
	}
	w.WriteHeader(rec.Code)
	_, _ = w.Write(body[:len(body)/2])
}

// -----------------------------------------------------------------------------
// Client 构造
// -----------------------------------------------------------------------------

type sleepRecorder struct {
	mu    sync.Mutex
	slept []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.slept = append(s.slept, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) durations() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.slept...)
}

func newTestClient(t *testing.T, opts Options, portals ...*fakePortal) (*Client, *sleepRecorder) {
	t.Helper()
	for _, p := range portals {
		opts.Portals = append(opts.Portals, p.URL)
	}
	if opts.BackoffBase == 0 {
		opts.BackoffBase = time.Millisecond
	}
	opts.Logger = discardLogger

	c, err := New(opts)
	require.NoError(t, err)
	rec := &sleepRecorder{}
	c.sleep = rec.sleep
	return c, rec
}
