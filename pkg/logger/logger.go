// Package logger はサービス共通のzapロガーを生成する。
package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EnvDevelopment は開発環境を表す環境名。
const EnvDevelopment = "development"

// New は環境名とログレベルに応じたzapロガーを生成する。
// 開発環境では人間が読みやすいコンソール形式、それ以外ではJSON形式で出力する。
func New(env, level string) (*zap.Logger, error) {
	var cfg zap.Config
	if env == EnvDevelopment {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}

	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("ログレベルの解析に失敗: %w", err)
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}

	l, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("ロガーの構築に失敗: %w", err)
	}
	return l, nil
}
