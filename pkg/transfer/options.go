package transfer

import (
	"context"
	"log/slog"
	"time"

	"skyvault/pkg/chunker"
	"skyvault/pkg/portal"
	"skyvault/pkg/storage"
)

// 默认参数
const (
	DefaultMaxAttempts      = 3
	DefaultBackoffBase      = 500 * time.Millisecond
	DefaultBackoffMax       = 30 * time.Second
	DefaultAttemptTimeout   = 2 * time.Minute
	DefaultOperationTimeout = 30 * time.Minute
	DefaultFanout           = 4
	DefaultFailureThreshold = 3
	DefaultCooldown         = 30 * time.Second
	// 下载内容整体放在内存中
	DefaultMaxDownloadSize = 4 << 30
)

// UploadHook 在上传成功后被调用 (例如写入本地上传记录)
type UploadHook func(ctx context.Context, res *UploadResult)

// Options 配置一个 Client
type Options struct {
	// Portals 按优先级排序
	Portals   []string
	APIKey    string
	UserAgent string

	// HTTPClient 为空时使用 http.DefaultClient
	HTTPClient portal.Doer

	// LeafSize 是全网一致的哈希单位，必须与 portal 相同
	LeafSize  int64
	ChunkSize int64

	MaxAttempts      int
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	AttemptTimeout   time.Duration
	OperationTimeout time.Duration
	Fanout           int
	// MaxDownloadSize 是可接受的元数据长度上限，超出视为 portal 作恶
	MaxDownloadSize int64

	FailureThreshold int
	Cooldown         time.Duration

	// Cache 可选: 已校验下载的本地缓存
	Cache storage.Store
	// OnUpload 可选
	OnUpload UploadHook

	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.LeafSize <= 0 {
		o.LeafSize = chunker.DefaultLeafSize
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = chunker.DefaultChunkSize
	}
	if o.MaxDownloadSize <= 0 {
		o.MaxDownloadSize = DefaultMaxDownloadSize
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = DefaultBackoffBase
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = DefaultBackoffMax
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = DefaultAttemptTimeout
	}
	if o.OperationTimeout <= 0 {
		o.OperationTimeout = DefaultOperationTimeout
	}
	if o.Fanout <= 0 {
		o.Fanout = DefaultFanout
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = DefaultFailureThreshold
	}
	if o.Cooldown <= 0 {
		o.Cooldown = DefaultCooldown
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}
