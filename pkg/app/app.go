package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"skyvault/pkg/meta"
	"skyvault/pkg/server"
	"skyvault/pkg/storage"
	"skyvault/pkg/storage/cache"
	"skyvault/pkg/storage/disk"
	"skyvault/pkg/storage/s3"
	"skyvault/pkg/transfer"

	"github.com/spf13/viper"
)

// App 是整个应用程序的依赖容器
// 它持有所有"单例"服务
type App struct {
	Client *transfer.Client
	// Cache 为空表示不缓存下载
	Cache storage.Store
	// Ledger 为空表示不记录上传
	Ledger *meta.Repository
	Logger *slog.Logger

	closers []io.Closer
}

// New 按 Viper 配置组装客户端、缓存与账本
func New(ctx context.Context) (*App, error) {
	a := &App{Logger: newLogger()}

	// 1. 下载缓存
	store, err := initStore(ctx, viper.GetString("cache.type"), viper.GetString("cache.path"))
	if err != nil {
		return nil, fmt.Errorf("failed to init cache: %w", err)
	}
	if store, err = a.withRedis(store); err != nil {
		return nil, err
	}
	a.Cache = store

	// 2. 上传账本
	if err := a.initLedger(ctx); err != nil {
		a.Close()
		return nil, err
	}

	// 3. 客户端
	opts := TransferOptions()
	opts.Cache = a.Cache
	opts.Logger = a.Logger
	if a.Ledger != nil {
		opts.OnUpload = a.recordUpload
	}
	client, err := transfer.New(opts)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to init client: %w", err)
	}
	a.Client = client
	return a, nil
}

// TransferOptions 从 Viper 读取传输参数
func TransferOptions() transfer.Options {
	return transfer.Options{
		Portals:          viper.GetStringSlice("portals"),
		APIKey:           viper.GetString("api_key"),
		UserAgent:        viper.GetString("user_agent"),
		LeafSize:         viper.GetInt64("transfer.leaf_size"),
		ChunkSize:        viper.GetInt64("transfer.chunk_size"),
		MaxAttempts:      viper.GetInt("transfer.max_attempts"),
		BackoffBase:      viper.GetDuration("transfer.backoff_base"),
		BackoffMax:       viper.GetDuration("transfer.backoff_max"),
		AttemptTimeout:   viper.GetDuration("transfer.attempt_timeout"),
		OperationTimeout: viper.GetDuration("transfer.operation_timeout"),
		Fanout:           viper.GetInt("transfer.fanout"),
		MaxDownloadSize:  viper.GetInt64("transfer.max_download_size"),
		FailureThreshold: viper.GetInt("health.failure_threshold"),
		Cooldown:         viper.GetDuration("health.cooldown"),
	}
}

// NewPortal 组装开发用 portal，数据放在 portal.store_type 指定的存储中
func NewPortal(ctx context.Context) (*server.Server, func() error, error) {
	kind := viper.GetString("portal.store_type")
	if kind == "" || kind == "none" {
		kind = "disk"
	}
	store, err := initStore(ctx, kind, viper.GetString("portal.store_path"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to init portal store: %w", err)
	}

	a := &App{Logger: newLogger()}
	if store, err = a.withRedis(store); err != nil {
		return nil, nil, err
	}

	srv := server.New(store, server.Options{
		LeafSize:      viper.GetInt64("transfer.leaf_size"),
		APIKey:        viper.GetString("api_key"),
		MaxUploadSize: viper.GetInt64("portal.max_upload_size"),
		Logger:        a.Logger,
	})
	return srv, a.Close, nil
}

// initStore 根据类型创建存储，"none" 返回 nil
func initStore(ctx context.Context, kind, path string) (storage.Store, error) {
	switch kind {
	case "", "none":
		return nil, nil
	case "disk":
		if path == "" {
			return nil, errors.New("storage path not set")
		}
		store, err := disk.NewAdapter(path)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "s3":
		cfg := s3.Config{
			Endpoint:        viper.GetString("s3.endpoint"),
			Region:          viper.GetString("s3.region"),
			Bucket:          viper.GetString("s3.bucket"),
			AccessKeyID:     viper.GetString("s3.access_key_id"),
			SecretAccessKey: viper.GetString("s3.secret_access_key"),
		}
		if cfg.Bucket == "" {
			return nil, errors.New("s3 bucket is required")
		}
		store, err := s3.NewAdapter(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %q", kind)
	}
}

// withRedis 配置了 redis 时为存储加一层存在性缓存
func (a *App) withRedis(store storage.Store) (storage.Store, error) {
	url := viper.GetString("cache.redis_url")
	if store == nil || url == "" {
		return store, nil
	}
	cached, err := cache.NewCachedStore(store, cache.Config{
		RedisURL: url,
		TTL:      viper.GetDuration("cache.redis_ttl"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init redis cache: %w", err)
	}
	a.closers = append(a.closers, cached)
	return cached, nil
}

func (a *App) initLedger(ctx context.Context) error {
	driver := viper.GetString("ledger.driver")
	if driver == "" || driver == meta.DriverNone {
		return nil
	}
	cfg := meta.Config{Driver: driver, DSN: viper.GetString("ledger.dsn")}
	if driver == meta.DriverSQLite {
		if err := ensureParentDir(cfg.DSN); err != nil {
			return err
		}
	}
	db, err := meta.NewDB(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to init ledger: %w", err)
	}
	a.closers = append(a.closers, db)
	a.Ledger = meta.NewRepository(db)
	return nil
}

// recordUpload 是 transfer.UploadHook，账本写入失败不影响上传结果
func (a *App) recordUpload(ctx context.Context, res *transfer.UploadResult) {
	rec, err := meta.NewUploadRecord(res.Skylink, res.Root, res.Metadata, res.Portal)
	if err == nil {
		err = a.Ledger.SaveUpload(ctx, rec)
	}
	if err != nil {
		a.Logger.Warn("failed to record upload",
			slog.String("skylink", res.Skylink.String()),
			slog.Any("err", err),
		)
	}
}

// Close 释放 redis 与数据库连接
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i].Close())
	}
	a.closers = nil
	return errors.Join(errs...)
}

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if viper.GetBool("verbose") {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
