package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"skyvault/pkg/chunker"
	"skyvault/pkg/server"
	"skyvault/pkg/transfer"

	"github.com/spf13/viper"
)

// Load 初始化 Viper 配置
// cfgFile: 可选，用户显式指定的配置文件路径
// 提示信息写到 out (CLI 为 stderr，避免污染下载到 stdout 的数据)
func Load(cfgFile string, out io.Writer) error {
	// 1. 设置默认值 (Defaults)
	setDefaults()

	// 2. 配置搜索路径
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}

		// 搜索顺序: 当前目录 -> ./.sky -> ~/.sky
		viper.AddConfigPath(".")
		viper.AddConfigPath(".sky")
		viper.AddConfigPath(filepath.Join(home, ".sky"))

		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	// 3. 读取环境变量 (SKY_API_KEY, SKY_TRANSFER_FANOUT 等)
	viper.SetEnvPrefix("SKY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// 4. 读取配置文件
	if err := viper.ReadInConfig(); err != nil {
		// 没找到配置文件不算错，格式错才是
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			fmt.Fprintln(out, "No config file found, using defaults/env vars")
		} else {
			return fmt.Errorf("fatal error config file: %w", err)
		}
	} else {
		fmt.Fprintln(out, "Using config file:", viper.ConfigFileUsed())
	}

	return nil
}

func setDefaults() {
	viper.SetDefault("portals", []string{"https://siasky.net"})
	viper.SetDefault("user_agent", "skyvault")

	// 传输
	viper.SetDefault("transfer.leaf_size", chunker.DefaultLeafSize)
	viper.SetDefault("transfer.chunk_size", chunker.DefaultChunkSize)
	viper.SetDefault("transfer.max_attempts", transfer.DefaultMaxAttempts)
	viper.SetDefault("transfer.backoff_base", transfer.DefaultBackoffBase)
	viper.SetDefault("transfer.backoff_max", transfer.DefaultBackoffMax)
	viper.SetDefault("transfer.attempt_timeout", transfer.DefaultAttemptTimeout)
	viper.SetDefault("transfer.operation_timeout", transfer.DefaultOperationTimeout)
	viper.SetDefault("transfer.fanout", transfer.DefaultFanout)
	viper.SetDefault("transfer.max_download_size", transfer.DefaultMaxDownloadSize)

	// 健康
	viper.SetDefault("health.failure_threshold", transfer.DefaultFailureThreshold)
	viper.SetDefault("health.cooldown", transfer.DefaultCooldown)

	// 本地数据目录
	wd, _ := os.Getwd()
	dataDir := filepath.Join(wd, ".sky")

	// 校验后的下载缓存
	viper.SetDefault("cache.type", "none")
	viper.SetDefault("cache.path", filepath.Join(dataDir, "cache"))
	viper.SetDefault("cache.redis_ttl", 24*time.Hour)
	viper.SetDefault("s3.region", "us-east-1")

	// 上传账本
	viper.SetDefault("ledger.driver", "sqlite")
	viper.SetDefault("ledger.dsn", filepath.Join(dataDir, "ledger.db"))

	// 开发用 portal
	viper.SetDefault("portal.listen", ":9980")
	viper.SetDefault("portal.store_path", filepath.Join(dataDir, "portal"))
	viper.SetDefault("portal.max_upload_size", server.DefaultMaxUploadSize)
}
