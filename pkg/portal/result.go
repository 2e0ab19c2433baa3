package portal

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"skyvault/pkg/core"
)

// Outcome 是单次尝试的分类结果
type Outcome int

const (
	Success Outcome = iota
	Retryable
	Permanent
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Retryable:
		return "retryable"
	case Permanent:
		return "permanent"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

var (
	ErrShortBody      = errors.New("response body shorter than requested range")
	ErrBadResponse    = errors.New("malformed portal response")
	ErrPayload        = errors.New("failed to read upload payload")
	ErrStatus         = errors.New("unexpected portal status")
	ErrInvalidBaseURL = errors.New("invalid portal base url")
)

// Result 是 Session 对一次 HTTP 交换的描述
// Session 不重试，重试策略完全由调用方决定。
type Result struct {
	Portal     string
	Outcome    Outcome
	StatusCode int
	Elapsed    time.Duration

	// RetryAfter 是 429 时建议的退避时间
	RetryAfter time.Duration

	// 上传: portal 报告的 skylink 文本 (需要调用方与本地结果比对)
	Skylink string

	// 元数据 (HEAD) 与下载 (GET) 的载荷
	Metadata *core.Metadata
	Body     []byte

	Err error
}

func (r Result) OK() bool { return r.Outcome == Success }

func (r Result) String() string {
	if r.Err != nil {
		return fmt.Sprintf("%s %s (status %d): %v", r.Portal, r.Outcome, r.StatusCode, r.Err)
	}
	return fmt.Sprintf("%s %s (status %d)", r.Portal, r.Outcome, r.StatusCode)
}

// classifyStatus 把非成功的状态码映射到 Outcome
func classifyStatus(code int) Outcome {
	switch {
	case code == http.StatusTooManyRequests:
		return Retryable
	case code == http.StatusRequestTimeout:
		return Retryable
	case code >= 500:
		return Retryable
	default:
		return Permanent
	}
}

// statusError 读取一小段响应体作为错误上下文
func statusError(resp *http.Response, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return fmt.Errorf("%w: %s", ErrStatus, resp.Status)
	}
	return fmt.Errorf("%w: %s: %s", ErrStatus, resp.Status, msg)
}

// parseRetryAfter 支持秒数与 HTTP 日期两种格式
func parseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		return max(t.Sub(now), 0), true
	}
	return 0, false
}
