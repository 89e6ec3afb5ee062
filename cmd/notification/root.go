package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nao1215/staffhub/internal/config"
	"github.com/nao1215/staffhub/pkg/logger"
)

// version はビルド時に -ldflags で設定する。
var version = "dev"

// configPath は --config で指定された設定ファイルのパス。
var configPath string

var rootCmd = &cobra.Command{
	Use:   "notification",
	Short: "StaffHubの通知サービス",
	Long: `StaffHubの通知サービス。
通知の作成・既読管理を行うREST APIと、接続中のクライアントへ
通知をリアルタイムに配信するWebSocketゲートウェイを提供する。`,
	SilenceUsage: true,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	// サブコマンド無しで起動した場合はserveとして動く
	RunE: runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "設定ファイルのパス（YAML）")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.Version = version
}

// setup は設定を読み込み、設定に従ったロガーを生成する。
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	l, err := logger.New(cfg.App.Env, cfg.Log.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("ロガーの初期化に失敗: %w", err)
	}
	return cfg, l, nil
}
