package portal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"skyvault/pkg/core"
	"skyvault/pkg/skylink"
	"skyvault/pkg/types"
)

// HTTP 头
const (
	HeaderAPIKey    = "Skynet-Api-Key"
	HeaderMetadata  = "Skynet-File-Metadata"
	HeaderSkylink   = "Skynet-Skylink"
	HeaderPortalAPI = "Skynet-Portal-Api"

	DefaultUserAgent  = "skyvault"
	DefaultRetryAfter = time.Second

	UploadPath = "/skynet/skyfile"

	// 错误响应最多读取的字节数
	errorBodyLimit = 4 << 10
)

// Doer 是 HTTP 传输的最小接口 (*http.Client 满足)
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Session 封装一个 portal 端点
// 每个方法只做一次 HTTP 交换并返回分类后的 Result。
type Session struct {
	base       *url.URL
	client     Doer
	apiKey     string
	userAgent  string
	retryAfter time.Duration
	now        func() time.Time
}

type Option func(*Session)

func WithHTTPClient(c Doer) Option {
	return func(s *Session) {
		if c != nil {
			s.client = c
		}
	}
}

func WithAPIKey(key string) Option { return func(s *Session) { s.apiKey = key } }

func WithUserAgent(ua string) Option {
	return func(s *Session) {
		if ua != "" {
			s.userAgent = ua
		}
	}
}

// WithDefaultRetryAfter 设置 429 没有 Retry-After 头时的建议退避
func WithDefaultRetryAfter(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.retryAfter = d
		}
	}
}

// NewSession 解析 portal 地址
func NewSession(baseURL string, opts ...Option) (*Session, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBaseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidBaseURL, baseURL)
	}
	s := &Session{
		base:       u,
		client:     http.DefaultClient,
		userAgent:  DefaultUserAgent,
		retryAfter: DefaultRetryAfter,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Name 返回 portal 的规范地址，用作健康记录与日志的键
func (s *Session) Name() string { return s.base.String() }

func (s *Session) endpoint(path string, query url.Values) string {
	u := *s.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func (s *Session) newRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, s.endpoint(path, query), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", s.userAgent)
	if s.apiKey != "" {
		req.Header.Set(HeaderAPIKey, s.apiKey)
	}
	return req, nil
}

// do 执行请求，把连接层错误与非 2xx 状态统一分类
// 返回的 resp 只在 res.Outcome == Success 时有效，调用方负责关闭。
func (s *Session) do(req *http.Request, start time.Time) (*http.Response, Result) {
	res := Result{Portal: s.Name()}

	resp, err := s.client.Do(req)
	if err != nil {
		res.Elapsed = time.Since(start)
		res.Err = err
		// 本地载荷读取失败不是网络问题，换 portal 也无济于事
		if errors.Is(err, ErrPayload) {
			res.Outcome = Permanent
		} else {
			res.Outcome = Retryable
		}
		return nil, res
	}

	res.StatusCode = resp.StatusCode
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		res.Outcome = Success
		return resp, res
	}

	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	res.Elapsed = time.Since(start)
	res.Outcome = classifyStatus(resp.StatusCode)
	res.Err = statusError(resp, body)
	if resp.StatusCode == http.StatusTooManyRequests {
		if d, ok := parseRetryAfter(resp.Header.Get("Retry-After"), s.now()); ok {
			res.RetryAfter = d
		} else {
			res.RetryAfter = s.retryAfter
		}
	}
	return nil, res
}

// AttemptMetadata 通过 HEAD 请求读取文件元数据
// 返回的元数据未经校验，只有完整下载才能证明其真实性。
func (s *Session) AttemptMetadata(ctx context.Context, link skylink.Skylink) Result {
	start := time.Now()
	req, err := s.newRequest(ctx, http.MethodHead, "/"+link.String(), nil, nil)
	if err != nil {
		return Result{Portal: s.Name(), Outcome: Permanent, Err: err}
	}

	resp, res := s.do(req, start)
	if resp == nil {
		return res
	}
	defer resp.Body.Close()
	res.Elapsed = time.Since(start)

	raw := resp.Header.Get(HeaderMetadata)
	if raw == "" {
		res.Outcome = Permanent
		res.Err = fmt.Errorf("%w: missing %s header", ErrBadResponse, HeaderMetadata)
		return res
	}
	meta, err := core.ParseMetadataJSON([]byte(raw))
	if err != nil {
		res.Outcome = Permanent
		res.Err = fmt.Errorf("%w: %w", ErrBadResponse, err)
		return res
	}
	res.Metadata = meta
	res.Skylink = resp.Header.Get(HeaderSkylink)
	return res
}

// AttemptDownload 对一个字节区间发起 Range GET
// 206 是常规响应；portal 忽略 Range 返回 200 时截取所需区间。
// 响应体不足区间长度视为可重试的网络故障。
func (s *Session) AttemptDownload(ctx context.Context, link skylink.Skylink, r types.ByteRange) Result {
	start := time.Now()
	if r.Offset < 0 || r.Length <= 0 {
		return Result{Portal: s.Name(), Outcome: Permanent, Err: fmt.Errorf("%w: %s", types.ErrInvalidRange, r)}
	}

	req, err := s.newRequest(ctx, http.MethodGet, "/"+link.String(), nil, nil)
	if err != nil {
		return Result{Portal: s.Name(), Outcome: Permanent, Err: err}
	}
	req.Header.Set("Range", r.HeaderValue())

	resp, res := s.do(req, start)
	if resp == nil {
		return res
	}
	defer resp.Body.Close()

	var skip int64
	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusOK:
		skip = r.Offset
	default:
		res.Elapsed = time.Since(start)
		res.Outcome = Permanent
		res.Err = fmt.Errorf("%w: %s for ranged request", ErrStatus, resp.Status)
		return res
	}

	if skip > 0 {
		if _, err := io.CopyN(io.Discard, resp.Body, skip); err != nil {
			return shortBody(res, start, err)
		}
	}
	buf := make([]byte, r.Length)
	if _, err := io.ReadFull(resp.Body, buf); err != nil {
		return shortBody(res, start, err)
	}

	res.Elapsed = time.Since(start)
	res.Body = buf
	return res
}

func shortBody(res Result, start time.Time, err error) Result {
	res.Elapsed = time.Since(start)
	res.Outcome = Retryable
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		res.Err = ErrShortBody
	} else {
		res.Err = fmt.Errorf("failed to read body: %w", err)
	}
	return res
}
