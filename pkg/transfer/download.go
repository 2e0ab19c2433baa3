package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"skyvault/pkg/chunker"
	"skyvault/pkg/core"
	"skyvault/pkg/portal"
	"skyvault/pkg/skylink"
	"skyvault/pkg/storage"
	"skyvault/pkg/types"

	"golang.org/x/sync/errgroup"
)

// DownloadResult 是校验通过的下载
// Body 只包含请求的区间 (未指定区间时为完整文件)。
type DownloadResult struct {
	OperationID string
	Skylink     skylink.Skylink
	Metadata    core.Metadata
	Range       types.ByteRange
	Body        io.ReadCloser
	FromCache   bool
	Attempts    []Attempt
}

// Download 下载并校验一个文件
// 数据只有在重算的 Merkle Root 与 skylink 一致时才会返回。
// rng 不为空时仍然下载并校验完整文件，再截取区间。
func (c *Client) Download(ctx context.Context, link skylink.Skylink, rng *types.ByteRange) (*DownloadResult, error) {
	op := c.begin("download", slog.String("skylink", link.String()))
	ctx, cancel := c.withCeiling(ctx)
	defer cancel()

	// 1. Planning
	if _, _, err := link.OffsetAndLength(); err != nil {
		return nil, op.fail(ctx, err)
	}
	root := link.MerkleRoot()

	if sf := c.fromCache(ctx, op, root); sf != nil {
		return c.finishDownload(op, link, sf.Metadata, sf.Content, rng, true)
	}

	// 2. Attempting -> Verifying，校验失败时排除可疑 portal 整体重试一次
	suspects := make(map[string]bool)
	var mismatch *IntegrityError
	for round := 0; round < 2; round++ {
		if round > 0 && len(c.health.Order(c.names, suspects)) == 0 {
			break
		}

		f, err := c.fetch(ctx, op, link, rng, suspects)
		if err != nil {
			if mismatch != nil && ctx.Err() == nil {
				// 重试也没能拿到数据，报告最初的校验失败
				op.log.Warn("integrity retry failed", slog.Any("err", err))
				break
			}
			return nil, op.fail(ctx, err)
		}

		op.transition(Verifying)
		actual, err := core.ComputeRoot(&f.meta, f.data, c.opts.LeafSize)
		if err != nil {
			return nil, op.fail(ctx, err)
		}
		if actual == root {
			c.toCache(ctx, op, f.meta, f.data)
			return c.finishDownload(op, link, f.meta, f.data, rng, false)
		}

		// 丢弃全部数据，所有贡献过字节的 portal 都视为可疑
		for _, p := range f.contributors {
			suspects[p] = true
			c.health.Observe(p, false, 0)
		}
		mismatch = &IntegrityError{Expected: root, Actual: actual, Suspects: sortedKeys(suspects)}
		op.log.Warn("integrity mismatch, retrying without suspects",
			slog.String("expected", root.String()),
			slog.String("actual", actual.String()),
			slog.Any("suspects", f.contributors),
		)
	}

	return nil, op.fail(ctx, mismatch)
}

// GetMetadata 读取文件元数据
// 只检查元数据长度与 skylink bitfield 一致；内容真实性需要完整下载才能证明。
func (c *Client) GetMetadata(ctx context.Context, link skylink.Skylink) (*core.Metadata, error) {
	op := c.begin("metadata", slog.String("skylink", link.String()))
	ctx, cancel := c.withCeiling(ctx)
	defer cancel()

	if _, _, err := link.OffsetAndLength(); err != nil {
		return nil, op.fail(ctx, err)
	}

	op.transition(Attempting)
	res, err := c.try(ctx, op, "metadata", nil, metadataAttempt(link), c.checkMetadata(link))
	if err != nil {
		return nil, op.fail(ctx, err)
	}
	op.done(slog.String("portal", res.Portal))
	return res.Metadata, nil
}

// fetched 是一轮下载收集到的数据
type fetched struct {
	meta         core.Metadata
	data         []byte
	contributors []string
}

// fetch 读取元数据并按块并发下载全部内容
// 每个块独立地在 portal 列表上重试与回退，最终按下标顺序拼接。
func (c *Client) fetch(ctx context.Context, op *operation, link skylink.Skylink, rng *types.ByteRange, exclude map[string]bool) (*fetched, error) {
	op.transition(Attempting)

	// 1. 元数据决定总长度
	mres, err := c.try(ctx, op, "metadata", exclude, metadataAttempt(link), c.checkMetadata(link))
	if err != nil {
		return nil, err
	}
	meta := *mres.Metadata
	if rng != nil && !rng.Within(meta.Length) {
		return nil, fmt.Errorf("%w: %s outside file of %d bytes", types.ErrInvalidRange, rng, meta.Length)
	}

	plan, err := chunker.NewPlan(meta.Length, c.opts.LeafSize)
	if err != nil {
		return nil, err
	}
	chunks := plan.Chunks(c.opts.ChunkSize)
	arena := chunker.NewArena(len(chunks))
	owners := make([]string, len(chunks))

	// 2. 有限并发拉取
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Fanout)
	for _, ch := range chunks {
		// 块之间检查取消
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if ch.Length == 0 {
				return arena.Put(ch.Index, []byte{})
			}
			r := types.ByteRange{Offset: ch.Offset, Length: ch.Length}
			res, err := c.try(gctx, op, fmt.Sprintf("chunk %d", ch.Index), exclude,
				func(actx context.Context, s *portal.Session) portal.Result {
					return s.AttemptDownload(actx, link, r)
				}, nil)
			if err != nil {
				return err
			}
			owners[ch.Index] = res.Portal
			return arena.Put(ch.Index, res.Body)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// 3. 全部到齐后才拼接
	data, err := arena.Reassemble()
	if err != nil {
		return nil, err
	}

	contributors := map[string]bool{mres.Portal: true}
	for _, o := range owners {
		if o != "" {
			contributors[o] = true
		}
	}
	return &fetched{meta: meta, data: data, contributors: sortedKeys(contributors)}, nil
}

func (c *Client) finishDownload(op *operation, link skylink.Skylink, meta core.Metadata, data []byte, rng *types.ByteRange, cached bool) (*DownloadResult, error) {
	r := types.ByteRange{Offset: 0, Length: int64(len(data))}
	if rng != nil {
		if !rng.Within(int64(len(data))) {
			return nil, op.fail(context.Background(), fmt.Errorf("%w: %s outside file of %d bytes", types.ErrInvalidRange, rng, len(data)))
		}
		r = *rng
	}
	op.done(slog.Bool("cached", cached), slog.Int64("bytes", r.Length))
	return &DownloadResult{
		OperationID: op.id,
		Skylink:     link,
		Metadata:    meta,
		Range:       r,
		Body:        io.NopCloser(bytes.NewReader(data[r.Offset:r.End()])),
		FromCache:   cached,
		Attempts:    op.Attempts(),
	}, nil
}

func (c *Client) fromCache(ctx context.Context, op *operation, root types.Hash) *core.Skyfile {
	if c.opts.Cache == nil {
		return nil
	}
	sf, err := storage.LoadSkyfile(ctx, c.opts.Cache, root)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			op.log.Warn("cache read failed", slog.Any("err", err))
		}
		return nil
	}
	op.log.Debug("served from cache")
	return sf
}

// toCache 只写入已经校验过的下载
func (c *Client) toCache(ctx context.Context, op *operation, meta core.Metadata, data []byte) {
	if c.opts.Cache == nil {
		return
	}
	sf, err := core.NewSkyfile(meta, data, c.opts.LeafSize)
	if err == nil {
		err = c.opts.Cache.Put(ctx, sf)
	}
	if err != nil {
		op.log.Warn("cache write failed", slog.Any("err", err))
	}
}

func metadataAttempt(link skylink.Skylink) attemptFunc {
	return func(actx context.Context, s *portal.Session) portal.Result {
		return s.AttemptMetadata(actx, link)
	}
}

// checkMetadata 拒绝长度与 bitfield 不符或超出上限的元数据，避免按伪造的长度下载
func (c *Client) checkMetadata(link skylink.Skylink) checkFunc {
	return func(res portal.Result) error {
		if res.Metadata.Length > c.opts.MaxDownloadSize {
			return fmt.Errorf("%w: metadata length %d exceeds limit %d", ErrPortalIntegrityViolation, res.Metadata.Length, c.opts.MaxDownloadSize)
		}
		want, err := core.SkylinkFor(link.MerkleRoot(), res.Metadata.Length)
		if err != nil || want.Bitfield() != link.Bitfield() {
			return fmt.Errorf("%w: metadata length %d does not match skylink", ErrPortalIntegrityViolation, res.Metadata.Length)
		}
		return nil
	}
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
