package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"skyvault/pkg/ingester"
	"skyvault/pkg/portal"
)

// Client 是上传/下载的入口
// 一个 Client 可以被多个 goroutine 同时使用，portal 列表构造后只读。
type Client struct {
	opts     Options
	names    []string
	sessions map[string]*portal.Session
	health   *Health
	ing      *ingester.Ingester
	log      *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// New 根据配置创建 Client
func New(opts Options) (*Client, error) {
	opts = opts.withDefaults()
	if len(opts.Portals) == 0 {
		return nil, ErrNoPortals
	}

	c := &Client{
		opts:     opts,
		sessions: make(map[string]*portal.Session, len(opts.Portals)),
		ing:      ingester.NewIngester(opts.LeafSize),
		log:      opts.Logger,
		sleep:    sleepCtx,
	}
	for _, base := range opts.Portals {
		s, err := portal.NewSession(base,
			portal.WithHTTPClient(opts.HTTPClient),
			portal.WithAPIKey(opts.APIKey),
			portal.WithUserAgent(opts.UserAgent),
		)
		if err != nil {
			return nil, err
		}
		// 重复配置的 portal 只保留第一次出现的位置
		if _, dup := c.sessions[s.Name()]; dup {
			continue
		}
		c.sessions[s.Name()] = s
		c.names = append(c.names, s.Name())
	}
	c.health = NewHealth(c.names, opts.FailureThreshold, opts.Cooldown)
	return c, nil
}

// Portals 返回按优先级排序的 portal 地址
func (c *Client) Portals() []string { return append([]string(nil), c.names...) }

func (c *Client) Health() *Health { return c.health }

func (c *Client) LeafSize() int64 { return c.opts.LeafSize }

// withCeiling 为整个操作加上墙钟上限
func (c *Client) withCeiling(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeoutCause(ctx, c.opts.OperationTimeout, ErrOperationTimeout)
}

// backoff 计算第 n 次失败后的等待时间，portal 给出的提示优先，但不超过 BackoffMax
func (c *Client) backoff(n int, hint time.Duration) time.Duration {
	if hint > 0 {
		return min(hint, c.opts.BackoffMax)
	}
	d := c.opts.BackoffBase << (n - 1)
	if d <= 0 || d > c.opts.BackoffMax {
		return c.opts.BackoffMax
	}
	return d
}

type attemptFunc func(ctx context.Context, s *portal.Session) portal.Result

// checkFunc 校验成功响应的内容，返回错误视为 portal 作恶
type checkFunc func(res portal.Result) error

// try 在 portal 列表上执行一次单请求操作
// 每个 portal 最多 MaxAttempts 次，Retryable 退避重试，Permanent 或校验失败立即换下一个。
func (c *Client) try(ctx context.Context, op *operation, target string, exclude map[string]bool, do attemptFunc, check checkFunc) (portal.Result, error) {
	var tried []Attempt
	order := c.health.Order(c.names, exclude)

	for i, name := range order {
		s := c.sessions[name]
		if i > 0 {
			op.log.Warn("falling back to next portal",
				slog.String("target", target),
				slog.String("portal", name),
				slog.String("previous", order[i-1]),
			)
		}

		for n := 1; n <= c.opts.MaxAttempts; n++ {
			// 两次尝试之间检查取消
			if err := ctx.Err(); err != nil {
				return portal.Result{}, err
			}

			actx, cancel := context.WithTimeout(ctx, c.opts.AttemptTimeout)
			res := do(actx, s)
			cancel()

			if res.OK() && check != nil {
				if err := check(res); err != nil {
					res.Outcome = portal.Permanent
					res.Err = err
				}
			}

			a := Attempt{
				Portal:     name,
				Target:     target,
				Number:     n,
				Outcome:    res.Outcome,
				StatusCode: res.StatusCode,
				Elapsed:    res.Elapsed,
				Err:        res.Err,
			}
			op.record(a)
			tried = append(tried, a)
			c.health.Observe(name, res.OK(), res.Elapsed)

			if res.OK() {
				return res, nil
			}
			if err := ctx.Err(); err != nil {
				return portal.Result{}, err
			}
			if errors.Is(res.Err, ErrPortalIntegrityViolation) {
				op.log.Error("portal integrity violation", slog.String("portal", name), slog.Any("err", res.Err))
			}
			if res.Outcome == portal.Permanent {
				break
			}
			if n < c.opts.MaxAttempts {
				if err := c.sleep(ctx, c.backoff(n, res.RetryAfter)); err != nil {
					return portal.Result{}, err
				}
			}
		}
	}

	return portal.Result{}, &ExhaustedError{Op: fmt.Sprintf("%s %s", op.kind, target), Attempts: tried}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
