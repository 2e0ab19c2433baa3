package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"skyvault/pkg/app"
	"skyvault/pkg/config"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	// 全局应用实例，供子命令使用
	Sky *app.App
)

// offline 命令不需要客户端
var offline = map[string]bool{"decode": true, "help": true, "completion": true}

var rootCmd = &cobra.Command{
	Use:           "sky",
	Short:         "SkyVault: verified uploads and downloads over Skynet portals",
	SilenceUsage:  true,
	SilenceErrors: true,
	// PersistentPreRunE 会在所有子命令执行前运行
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if offline[cmd.Name()] {
			return nil
		}
		var err error
		Sky, err = app.New(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to initialize skyvault: %w", err)
		}
		return nil
	},
}

// Execute 是入口
// Ctrl-C 取消正在进行的传输
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return err
}

func init() {
	cobra.OnInitialize(initConfig)
	cobra.OnFinalize(closeApp)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.sky/config.yaml)")
	flags.StringSlice("portal", nil, "portal base URL, repeatable; tried in order")
	flags.String("api-key", "", "portal API key")
	flags.BoolP("verbose", "v", false, "log every transfer attempt")

	// 用户既可以在 yaml 里写，也可以用参数覆盖
	bind("portals", "portal")
	bind("api_key", "api-key")
	bind("verbose", "verbose")
}

func bind(key, flag string) {
	if err := viper.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
		fmt.Fprintln(os.Stderr, "Failed to bind flag:", err)
		os.Exit(1)
	}
}

// initConfig 读取配置文件和环境变量
func initConfig() {
	if err := config.Load(cfgFile, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "Config error:", err)
		os.Exit(1)
	}
}

// closeApp 在命令结束后运行，出错时也会运行
func closeApp() {
	if Sky == nil {
		return
	}
	if err := Sky.Close(); err != nil {
		fmt.Fprintln(os.Stderr, "Failed to close app:", err)
	}
	Sky = nil
}
