package transfer

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"skyvault/pkg/core"
	"skyvault/pkg/dirpack"
	"skyvault/pkg/ingester"
	"skyvault/pkg/portal"
	"skyvault/pkg/skylink"
	"skyvault/pkg/storage/disk"
	"skyvault/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testLeaf = 1024

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func readAll(t *testing.T, res *DownloadResult) []byte {
	t.Helper()
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return b
}

// -----------------------------------------------------------------------------
// 1. 上传: 幂等、回退、退避提示、portal 作恶
// -----------------------------------------------------------------------------

func TestUpload_Idempotent(t *testing.T) {
	net := newNetwork(t, testLeaf)
	a := net.portal(t, firstN(2, reject(http.StatusServiceUnavailable, nil)))
	b := net.portal(t, nil)
	data := randomBytes(t, 5000)
	ctx := context.Background()

	// 两个 Client: portal 顺序不同，第一个还经历了重试
	c1, _ := newTestClient(t, Options{LeafSize: testLeaf}, a, b)
	c2, _ := newTestClient(t, Options{LeafSize: testLeaf}, b, a)

	r1, err := c1.UploadBytes(ctx, "model.bin", data)
	require.NoError(t, err)
	r2, err := c2.UploadBytes(ctx, "model.bin", data)
	require.NoError(t, err)
	r3, err := c1.UploadBytes(ctx, "model.bin", data)
	require.NoError(t, err)

	assert.Equal(t, r1.Skylink, r2.Skylink)
	assert.Equal(t, r1.Skylink, r3.Skylink)
	assert.Len(t, r1.Attempts, 3, "两次 503 之后成功")

	local, err := ingester.NewIngester(testLeaf).IngestBytes(ctx, "model.bin", data)
	require.NoError(t, err)
	assert.Equal(t, local.Skylink, r1.Skylink)
}

func TestUpload_FallsBackAfterThreeRetryables(t *testing.T) {
	net := newNetwork(t, testLeaf)
	a := net.portal(t, reject(http.StatusServiceUnavailable, nil))
	b := net.portal(t, nil)

	c, sleeps := newTestClient(t, Options{LeafSize: testLeaf, MaxAttempts: 3}, a, b)
	res, err := c.UploadBytes(context.Background(), "a.txt", []byte("hello"))
	require.NoError(t, err, "第二个 portal 成功时不应向调用方报错")

	assert.Equal(t, b.URL, res.Portal)
	assert.Equal(t, 3, a.count("POST"))
	assert.Equal(t, 1, b.count("POST"))
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, sleeps.durations())

	require.Len(t, res.Attempts, 4)
	for _, at := range res.Attempts[:3] {
		assert.Equal(t, portal.Retryable, at.Outcome)
	}
	assert.False(t, c.Health().Available(a.URL), "连续 3 次失败后进入冷却")
}

func TestUpload_PermanentSkipsRetries(t *testing.T) {
	net := newNetwork(t, testLeaf)
	a := net.portal(t, reject(http.StatusRequestEntityTooLarge, nil))
	b := net.portal(t, nil)

	c, sleeps := newTestClient(t, Options{LeafSize: testLeaf}, a, b)
	res, err := c.UploadBytes(context.Background(), "a.txt", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, b.URL, res.Portal)
	assert.Equal(t, 1, a.count("POST"))
	assert.Empty(t, sleeps.durations())
}

func TestUpload_RetryAfterHint(t *testing.T) {
	net := newNetwork(t, testLeaf)
	a := net.portal(t, firstN(1, reject(http.StatusTooManyRequests, map[string]string{"Retry-After": "2"})))

	c, sleeps := newTestClient(t, Options{LeafSize: testLeaf}, a)
	res, err := c.UploadBytes(context.Background(), "a.txt", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, a.URL, res.Portal)
	assert.Equal(t, []time.Duration{2 * time.Second}, sleeps.durations(), "退避使用 portal 的提示")
}

func TestUpload_RetryAfterHintIsCapped(t *testing.T) {
	net := newNetwork(t, testLeaf)
	a := net.portal(t, firstN(1, reject(http.StatusTooManyRequests, map[string]string{"Retry-After": "86400"})))

	c, sleeps := newTestClient(t, Options{LeafSize: testLeaf, BackoffMax: 50 * time.Millisecond}, a)
	_, err := c.UploadBytes(context.Background(), "a.txt", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{50 * time.Millisecond}, sleeps.durations())
}

func TestUpload_PortalIntegrityViolation(t *testing.T) {
	net := newNetwork(t, testLeaf)
	forged, err := skylink.New(0, 4096, types.Hash{7})
	require.NoError(t, err)
	liar := func(w http.ResponseWriter, r *http.Request, _ http.Handler) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"skylink":"`+forged.String()+`"}`)
	}

	// 只有作恶的 portal: 失败并说明原因
	a := net.portal(t, liar)
	c, _ := newTestClient(t, Options{LeafSize: testLeaf}, a)
	_, err = c.UploadBytes(context.Background(), "a.txt", []byte("hello"))
	require.ErrorIs(t, err, ErrAllPortalsExhausted)
	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	require.Len(t, ex.Attempts, 1, "作恶的 portal 不会被重试")
	assert.ErrorIs(t, ex.Attempts[0].Err, ErrPortalIntegrityViolation)

	// 有诚实的 portal 时回退过去
	b := net.portal(t, nil)
	c, _ = newTestClient(t, Options{LeafSize: testLeaf}, a, b)
	res, err := c.UploadBytes(context.Background(), "a.txt", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, b.URL, res.Portal)
}

func TestUpload_AttemptTimeout(t *testing.T) {
	net := newNetwork(t, testLeaf)
	a := net.portal(t, hang)
	b := net.portal(t, nil)

	c, _ := newTestClient(t, Options{LeafSize: testLeaf, AttemptTimeout: 50 * time.Millisecond}, a, b)
	res, err := c.UploadBytes(context.Background(), "a.txt", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, b.URL, res.Portal)
	assert.Equal(t, 3, a.count("POST"))
}

func TestUpload_DirectoryAndHook(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "site")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "css"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "css", "a.css"), []byte("body{}"), 0644))

	net := newNetwork(t, testLeaf)
	a := net.portal(t, nil)

	var hooked atomic.Int32
	c, _ := newTestClient(t, Options{
		LeafSize: testLeaf,
		OnUpload: func(ctx context.Context, res *UploadResult) { hooked.Add(1) },
	}, a)

	res, err := c.UploadDirectory(context.Background(), dir, dirpack.Options{})
	require.NoError(t, err)
	assert.Equal(t, int32(1), hooked.Load())
	assert.Equal(t, "site", res.Metadata.Filename)
	assert.Equal(t, "index.html", res.Metadata.DefaultPath)

	dl, err := c.Download(context.Background(), res.Skylink, nil)
	require.NoError(t, err)
	assert.Equal(t, "body{}<html>", string(readAll(t, dl)))
	assert.Equal(t, res.Metadata, dl.Metadata)

	sub := dl.Metadata.Subfiles["index.html"]
	dl, err = c.Download(context.Background(), res.Skylink, &types.ByteRange{Offset: sub.Offset, Length: sub.Len})
	require.NoError(t, err)
	assert.Equal(t, "<html>", string(readAll(t, dl)))
}

func TestUploadFile(t *testing.T) {
	net := newNetwork(t, testLeaf)
	a := net.portal(t, nil)
	c, _ := newTestClient(t, Options{LeafSize: testLeaf}, a)

	path := filepath.Join(t.TempDir(), "weights.bin")
	data := randomBytes(t, 3*testLeaf+7)
	require.NoError(t, os.WriteFile(path, data, 0644))

	res, err := c.UploadFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "weights.bin", res.Metadata.Filename)

	dl, err := c.Download(context.Background(), res.Skylink, nil)
	require.NoError(t, err)
	assert.Equal(t, data, readAll(t, dl))
}

// -----------------------------------------------------------------------------
// 2. 下载: 往返、区间、分块回退、完整性
// -----------------------------------------------------------------------------

func TestDownload_TenMiBRoundTrip(t *testing.T) {
	const leaf = 4 << 20
	net := newNetwork(t, leaf)
	a := net.portal(t, nil)
	c, _ := newTestClient(t, Options{LeafSize: leaf, ChunkSize: leaf, Fanout: 2}, a)

	data := randomBytes(t, 10<<20)
	ctx := context.Background()

	up, err := c.UploadBytes(ctx, "model.bin", data)
	require.NoError(t, err)

	dl, err := c.Download(ctx, up.Skylink, nil)
	require.NoError(t, err)
	got := readAll(t, dl)
	require.True(t, bytes.Equal(data, got), "下载的内容必须逐字节一致")

	// 三个块: {4, 4, 2} MiB
	assert.Equal(t, 1, a.count("GET bytes=0-4194303"))
	assert.Equal(t, 1, a.count("GET bytes=4194304-8388607"))
	assert.Equal(t, 1, a.count("GET bytes=8388608-10485759"))

	root, err := core.ComputeRoot(&dl.Metadata, got, leaf)
	require.NoError(t, err)
	assert.Equal(t, up.Root, root)
	assert.Equal(t, up.Skylink.MerkleRoot(), root)
}

func TestDownload_ByteRange(t *testing.T) {
	net := newNetwork(t, testLeaf)
	a := net.portal(t, nil)
	c, _ := newTestClient(t, Options{LeafSize: testLeaf, ChunkSize: 2 * testLeaf}, a)
	data := randomBytes(t, 5000)
	ctx := context.Background()

	up, err := c.UploadBytes(ctx, "a.bin", data)
	require.NoError(t, err)

	dl, err := c.Download(ctx, up.Skylink, &types.ByteRange{Offset: 100, Length: 200})
	require.NoError(t, err)
	assert.Equal(t, data[100:300], readAll(t, dl))
	assert.Equal(t, types.ByteRange{Offset: 100, Length: 200}, dl.Range)

	_, err = c.Download(ctx, up.Skylink, &types.ByteRange{Offset: 4900, Length: 200})
	assert.ErrorIs(t, err, types.ErrInvalidRange)
}

func TestDownload_EmptyFile(t *testing.T) {
	net := newNetwork(t, testLeaf)
	a := net.portal(t, nil)
	c, _ := newTestClient(t, Options{LeafSize: testLeaf}, a)

	up, err := c.UploadBytes(context.Background(), "empty", nil)
	require.NoError(t, err)
	dl, err := c.Download(context.Background(), up.Skylink, nil)
	require.NoError(t, err)
	assert.Empty(t, readAll(t, dl))
	assert.Equal(t, 0, a.count("GET"), "空文件不需要区间请求")
}

func TestDownload_ChunkLevelFallback(t *testing.T) {
	net := newNetwork(t, testLeaf)
	a := net.portal(t, nil)
	b := net.portal(t, nil)
	c, _ := newTestClient(t, Options{LeafSize: testLeaf, ChunkSize: testLeaf, Fanout: 1}, a, b)
	data := randomBytes(t, 3*testLeaf)
	ctx := context.Background()

	up, err := c.UploadBytes(ctx, "a.bin", data)
	require.NoError(t, err)

	// a 在最后一个块上一直失败
	a.setHook(func(w http.ResponseWriter, r *http.Request, next http.Handler) {
		if r.Header.Get("Range") == "bytes=2048-3071" {
			reject(http.StatusBadGateway, nil)(w, r, next)
			return
		}
		next.ServeHTTP(w, r)
	})

	dl, err := c.Download(ctx, up.Skylink, nil)
	require.NoError(t, err)
	assert.Equal(t, data, readAll(t, dl))

	assert.Equal(t, 1, a.count("GET bytes=0-"))
	assert.Equal(t, 1, a.count("GET bytes=1024-"))
	assert.Equal(t, 3, a.count("GET bytes=2048-"))
	assert.Equal(t, []string{"GET bytes=2048-3071"}, b.requests(), "只有失败的块被转到 b")
}

func TestDownload_TruncatedChunkFallsBack(t *testing.T) {
	net := newNetwork(t, testLeaf)
	a := net.portal(t, nil)
	b := net.portal(t, nil)
	c, _ := newTestClient(t, Options{LeafSize: testLeaf, ChunkSize: testLeaf, Fanout: 1}, a, b)
	data := randomBytes(t, 3*testLeaf)
	ctx := context.Background()

	up, err := c.UploadBytes(ctx, "a.bin", data)
	require.NoError(t, err)

	// a 在第二个块上总是只发一半
	a.setHook(func(w http.ResponseWriter, r *http.Request, next http.Handler) {
		if r.Header.Get("Range") == "bytes=1024-2047" {
			truncateBodies(w, r, next)
			return
		}
		next.ServeHTTP(w, r)
	})

	dl, err := c.Download(ctx, up.Skylink, nil)
	require.NoError(t, err)
	assert.Equal(t, data, readAll(t, dl))

	assert.Equal(t, 3, a.count("GET bytes=1024-"), "短响应可重试")
	assert.Equal(t, 1, b.count("GET bytes=1024-"))
	for _, at := range dl.Attempts {
		if at.Portal == a.URL && at.Target == "chunk 1" {
			assert.Equal(t, portal.Retryable, at.Outcome)
			assert.ErrorIs(t, at.Err, portal.ErrShortBody)
		}
	}
}

func TestDownload_IntegrityMismatchNeverReturnsData(t *testing.T) {
	net := newNetwork(t, testLeaf)
	a := net.portal(t, nil)
	c, _ := newTestClient(t, Options{LeafSize: testLeaf}, a)
	ctx := context.Background()

	up, err := c.UploadBytes(ctx, "a.bin", randomBytes(t, 4000))
	require.NoError(t, err)

	a.setHook(corruptBodies)
	res, err := c.Download(ctx, up.Skylink, nil)
	assert.Nil(t, res)
	require.ErrorIs(t, err, ErrIntegrityMismatch)

	var ie *IntegrityError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, up.Root, ie.Expected)
	assert.NotEqual(t, ie.Expected, ie.Actual)
	assert.Equal(t, []string{a.URL}, ie.Suspects)
	assert.Contains(t, err.Error(), ie.Expected.String())
	assert.Contains(t, err.Error(), ie.Actual.String())
}

func TestDownload_IntegrityRetryExcludesSuspects(t *testing.T) {
	net := newNetwork(t, testLeaf)
	evil := net.portal(t, corruptBodies)
	good := net.portal(t, nil)
	c, _ := newTestClient(t, Options{LeafSize: testLeaf}, evil, good)
	ctx := context.Background()
	data := randomBytes(t, 4000)

	up, err := c.UploadBytes(ctx, "a.bin", data)
	require.NoError(t, err)

	dl, err := c.Download(ctx, up.Skylink, nil)
	require.NoError(t, err)
	assert.Equal(t, data, readAll(t, dl))
	assert.Equal(t, 1, evil.count("HEAD"), "第二轮不再访问可疑 portal")
	assert.GreaterOrEqual(t, c.Health().Failures(evil.URL), 1)
}

func TestDownload_ForgedMetadataLength(t *testing.T) {
	net := newNetwork(t, testLeaf)
	a := net.portal(t, nil)
	c, _ := newTestClient(t, Options{LeafSize: testLeaf}, a)
	up, err := c.UploadBytes(context.Background(), "a.bin", []byte("short"))
	require.NoError(t, err)

	a.setHook(func(w http.ResponseWriter, r *http.Request, next http.Handler) {
		w.Header().Set(portal.HeaderMetadata, `{"filename":"a.bin","length":1073741824}`)
	})
	_, err = c.GetMetadata(context.Background(), up.Skylink)
	require.ErrorIs(t, err, ErrAllPortalsExhausted)
	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.ErrorIs(t, ex.Attempts[0].Err, ErrPortalIntegrityViolation)
}

func TestDownload_ForgedLengthBeyondLimit(t *testing.T) {
	net := newNetwork(t, testLeaf)
	a := net.portal(t, func(w http.ResponseWriter, r *http.Request, next http.Handler) {
		// 任何 >= 一个 container 的长度都编码成同一个 bitfield
		w.Header().Set(portal.HeaderMetadata, `{"filename":"a.bin","length":4611686018427387904}`)
	})
	c, _ := newTestClient(t, Options{LeafSize: testLeaf}, a)

	link, err := skylink.New(0, 4<<20, types.Hash{0x7f})
	require.NoError(t, err)

	res, err := c.Download(context.Background(), link, nil)
	assert.Nil(t, res)
	require.ErrorIs(t, err, ErrAllPortalsExhausted)
	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.ErrorIs(t, ex.Attempts[0].Err, ErrPortalIntegrityViolation)
	assert.Zero(t, a.count("GET"), "不能按伪造的长度发起下载")

	// 上限可配置: 4 MiB 的声明长度超过 1 MiB 上限
	a.setHook(func(w http.ResponseWriter, r *http.Request, next http.Handler) {
		w.Header().Set(portal.HeaderMetadata, `{"filename":"a.bin","length":4194304}`)
	})
	small, _ := newTestClient(t, Options{LeafSize: testLeaf, MaxDownloadSize: 1 << 20}, a)
	_, err = small.GetMetadata(context.Background(), link)
	require.ErrorAs(t, err, &ex)
	assert.ErrorIs(t, ex.Attempts[0].Err, ErrPortalIntegrityViolation)
}

// -----------------------------------------------------------------------------
// 3. 取消与超时
// -----------------------------------------------------------------------------

func TestDownload_CancelAfterSecondChunk(t *testing.T) {
	net := newNetwork(t, testLeaf)
	a := net.portal(t, nil)
	c, _ := newTestClient(t, Options{LeafSize: testLeaf, ChunkSize: testLeaf, Fanout: 1}, a)

	up, err := c.UploadBytes(context.Background(), "a.bin", randomBytes(t, 5*testLeaf))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.setHook(func(w http.ResponseWriter, r *http.Request, next http.Handler) {
		next.ServeHTTP(w, r)
		if r.Header.Get("Range") == "bytes=1024-2047" {
			cancel()
		}
	})

	res, err := c.Download(ctx, up.Skylink, nil)
	assert.Nil(t, res, "取消后不返回部分数据")
	assert.ErrorIs(t, err, ErrCancelled)

	assert.Equal(t, 1, a.count("GET bytes=0-"))
	for _, prefix := range []string{"GET bytes=2048-", "GET bytes=3072-", "GET bytes=4096-"} {
		assert.Zero(t, a.count(prefix), "块 3-5 不应发出请求: %s", prefix)
	}
}

func TestOperationTimeout(t *testing.T) {
	net := newNetwork(t, testLeaf)
	a := net.portal(t, hang)
	c, _ := newTestClient(t, Options{LeafSize: testLeaf, OperationTimeout: 100 * time.Millisecond}, a)

	link, err := skylink.New(0, 4096, types.Hash{1})
	require.NoError(t, err)
	_, err = c.GetMetadata(context.Background(), link)
	assert.ErrorIs(t, err, ErrOperationTimeout)
	assert.False(t, errors.Is(err, ErrCancelled))
}

func TestCancelledBeforeStart(t *testing.T) {
	net := newNetwork(t, testLeaf)
	a := net.portal(t, nil)
	c, _ := newTestClient(t, Options{LeafSize: testLeaf}, a)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.UploadBytes(ctx, "a.txt", []byte("hello"))
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Zero(t, a.count("POST"))
}

// -----------------------------------------------------------------------------
// 4. 元数据、缓存、配置
// -----------------------------------------------------------------------------

func TestGetMetadata(t *testing.T) {
	net := newNetwork(t, testLeaf)
	a := net.portal(t, nil)
	c, _ := newTestClient(t, Options{LeafSize: testLeaf}, a)

	up, err := c.UploadBytes(context.Background(), "notes.txt", []byte("hello world"))
	require.NoError(t, err)

	meta, err := c.GetMetadata(context.Background(), up.Skylink)
	require.NoError(t, err)
	assert.Equal(t, core.Metadata{Filename: "notes.txt", Length: 11}, *meta)

	v2, err := skylink.Encode(skylink.V2, 0, 0, types.Hash{9})
	require.NoError(t, err)
	_, err = c.GetMetadata(context.Background(), v2)
	assert.ErrorIs(t, err, skylink.ErrNotAFileSkylink)
	_, err = c.Download(context.Background(), v2, nil)
	assert.ErrorIs(t, err, skylink.ErrNotAFileSkylink)
}

func TestDownload_VerifiedCache(t *testing.T) {
	net := newNetwork(t, testLeaf)
	a := net.portal(t, nil)
	cache, err := disk.NewAdapter(t.TempDir())
	require.NoError(t, err)
	c, _ := newTestClient(t, Options{LeafSize: testLeaf, Cache: cache}, a)
	data := randomBytes(t, 3000)
	ctx := context.Background()

	up, err := c.UploadBytes(ctx, "a.bin", data)
	require.NoError(t, err)

	first, err := c.Download(ctx, up.Skylink, nil)
	require.NoError(t, err)
	assert.False(t, first.FromCache)
	readAll(t, first)

	ok, err := cache.Has(ctx, up.Root)
	require.NoError(t, err)
	assert.True(t, ok, "校验通过的下载写入缓存")

	// portal 下线后仍然可以从缓存读取
	a.setHook(reject(http.StatusServiceUnavailable, nil))
	second, err := c.Download(ctx, up.Skylink, &types.ByteRange{Offset: 10, Length: 20})
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, data[10:30], readAll(t, second))
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{})
	assert.ErrorIs(t, err, ErrNoPortals)

	_, err = New(Options{Portals: []string{"ftp://nope"}})
	assert.ErrorIs(t, err, portal.ErrInvalidBaseURL)

	c, err := New(Options{Portals: []string{"https://a.example/", "https://a.example", "https://b.example"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, c.Portals())
	assert.Equal(t, int64(64<<10), c.LeafSize())
}

func TestBackoff(t *testing.T) {
	c := &Client{opts: Options{BackoffBase: 100 * time.Millisecond, BackoffMax: time.Second}}
	assert.Equal(t, 100*time.Millisecond, c.backoff(1, 0))
	assert.Equal(t, 400*time.Millisecond, c.backoff(3, 0))
	assert.Equal(t, time.Second, c.backoff(10, 0))
	assert.Equal(t, 300*time.Millisecond, c.backoff(1, 300*time.Millisecond), "portal 的提示优先")
	assert.Equal(t, time.Second, c.backoff(1, 24*time.Hour), "提示同样受 BackoffMax 限制")
}
