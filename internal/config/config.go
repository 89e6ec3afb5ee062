// Package config は通知サービスの設定を読み込む。
//
// 設定はデフォルト値、任意の設定ファイル（YAML等）、.envファイル、環境変数の順に
// 上書きされる。環境変数はキーのドットをアンダースコアに置き換えた大文字名
// （例: app.port → APP_PORT）で指定する。
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// AppConfig はサービス全体の設定。
type AppConfig struct {
	// Env は実行環境（development / production）。
	Env string `mapstructure:"env"`
	// Port はHTTPサーバーの待ち受けポート。
	Port string `mapstructure:"port"`
	// ShutdownTimeoutSeconds はグレースフルシャットダウンの猶予秒数。
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// LogConfig はロガーの設定。
type LogConfig struct {
	// Level はログレベル（debug, info, warn, error）。
	Level string `mapstructure:"level"`
}

// DatabaseConfig はデータベースの設定。
type DatabaseConfig struct {
	// DSN はSQLiteの接続文字列。":memory:" も指定できる。
	DSN string `mapstructure:"dsn"`
}

// JWTConfig はトークン検証の設定。
type JWTConfig struct {
	// Secret はHMAC署名の秘密鍵。認証サービスと共有する。
	Secret string `mapstructure:"secret"`
}

// CORSConfig はCORSの設定。
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// HTTPConfig はREST APIのレート制限設定。
type HTTPConfig struct {
	RateLimitPerMinute int `mapstructure:"rate_limit_per_minute"`
	RateLimitBurst     int `mapstructure:"rate_limit_burst"`
}

// WSConfig はWebSocketゲートウェイの設定。
type WSConfig struct {
	PingIntervalSeconds int   `mapstructure:"ping_interval_seconds"`
	WriteTimeoutSeconds int   `mapstructure:"write_timeout_seconds"`
	MaxMessageSizeBytes int64 `mapstructure:"max_message_size_bytes"`
	// SendBuffer は接続ごとの送信キューの長さ。満杯時は送信を破棄する。
	SendBuffer int `mapstructure:"send_buffer"`
	// SnapshotOnConnect は接続確立時に未読数と最近の通知を送るかどうか。
	SnapshotOnConnect bool `mapstructure:"snapshot_on_connect"`
	// RecentLimit は接続確立時に送る最近の通知の件数。
	RecentLimit            int `mapstructure:"recent_limit"`
	RateLimitWindowSeconds int `mapstructure:"rate_limit_window_seconds"`
	RateLimitMaxMessages   int `mapstructure:"rate_limit_max_messages"`
}

// RedisConfig はインスタンス間中継用Redisの設定。Addrが空の場合は中継しない。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

// KafkaConfig はKafkaの設定。Brokersが空の場合はコンシューマーとパブリッシャーを起動しない。
type KafkaConfig struct {
	Brokers       []string `mapstructure:"brokers"`
	RequestsTopic string   `mapstructure:"requests_topic"`
	EventsTopic   string   `mapstructure:"events_topic"`
	GroupID       string   `mapstructure:"group_id"`
}

// DirectoryConfig は部署メンバー解決の設定。URLが空の場合はローカルDBのusersテーブルを参照する。
type DirectoryConfig struct {
	URL            string `mapstructure:"url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// Config は通知サービスの全設定。
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Log       LogConfig       `mapstructure:"log"`
	Database  DatabaseConfig  `mapstructure:"database"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	CORS      CORSConfig      `mapstructure:"cors"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	WS        WSConfig        `mapstructure:"ws"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Directory DirectoryConfig `mapstructure:"directory"`

	// 以下は秒数指定から導出される値
	ShutdownTimeout  time.Duration `mapstructure:"-"`
	PingInterval     time.Duration `mapstructure:"-"`
	WriteTimeout     time.Duration `mapstructure:"-"`
	RateLimitWindow  time.Duration `mapstructure:"-"`
	DirectoryTimeout time.Duration `mapstructure:"-"`
}

// setDefaults は全キーのデフォルト値を登録する。
// AutomaticEnvはviperが知っているキーしか環境変数で上書きできないため、全キーを登録しておく。
func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8086")
	v.SetDefault("app.shutdown_timeout_seconds", 10)
	v.SetDefault("log.level", "info")
	v.SetDefault("database.dsn", "notification.db")
	v.SetDefault("jwt.secret", "dev-secret-key")
	v.SetDefault("cors.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("http.rate_limit_per_minute", 600)
	v.SetDefault("http.rate_limit_burst", 50)
	v.SetDefault("ws.ping_interval_seconds", 25)
	v.SetDefault("ws.write_timeout_seconds", 10)
	v.SetDefault("ws.max_message_size_bytes", 65536)
	v.SetDefault("ws.send_buffer", 64)
	v.SetDefault("ws.snapshot_on_connect", true)
	v.SetDefault("ws.recent_limit", 5)
	v.SetDefault("ws.rate_limit_window_seconds", 60)
	v.SetDefault("ws.rate_limit_max_messages", 100)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "staffhub:notifications")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.requests_topic", "notification.requests")
	v.SetDefault("kafka.events_topic", "notification.events")
	v.SetDefault("kafka.group_id", "notification-service")
	v.SetDefault("directory.url", "")
	v.SetDefault("directory.timeout_seconds", 5)
}

// Load は設定を読み込んで検証する。
// pathが空の場合は設定ファイルを読まず、デフォルト値と環境変数のみを使用する。
// カレントディレクトリに.envがあれば環境変数として読み込む（既存の環境変数は上書きしない）。
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf(".envの読み込みに失敗: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("設定のデコードに失敗: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	cfg.ShutdownTimeout = time.Duration(cfg.App.ShutdownTimeoutSeconds) * time.Second
	cfg.PingInterval = time.Duration(cfg.WS.PingIntervalSeconds) * time.Second
	cfg.WriteTimeout = time.Duration(cfg.WS.WriteTimeoutSeconds) * time.Second
	cfg.RateLimitWindow = time.Duration(cfg.WS.RateLimitWindowSeconds) * time.Second
	cfg.DirectoryTimeout = time.Duration(cfg.Directory.TimeoutSeconds) * time.Second
	return &cfg, nil
}

// validate は起動に必要な値が揃っているかを検証する。
func (c *Config) validate() error {
	var errs []error
	if c.App.Port == "" {
		errs = append(errs, errors.New("app.portが空です"))
	}
	if c.JWT.Secret == "" {
		errs = append(errs, errors.New("jwt.secretが空です"))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsnが空です"))
	}
	if c.HTTP.RateLimitPerMinute <= 0 || c.HTTP.RateLimitBurst <= 0 {
		errs = append(errs, errors.New("http.rate_limit_per_minuteとhttp.rate_limit_burstは正の値である必要があります"))
	}
	if c.WS.RateLimitWindowSeconds <= 0 || c.WS.RateLimitMaxMessages <= 0 {
		errs = append(errs, errors.New("ws.rate_limit_window_secondsとws.rate_limit_max_messagesは正の値である必要があります"))
	}
	if c.WS.PingIntervalSeconds <= 0 || c.WS.WriteTimeoutSeconds <= 0 {
		errs = append(errs, errors.New("ws.ping_interval_secondsとws.write_timeout_secondsは正の値である必要があります"))
	}
	if c.WS.SendBuffer <= 0 {
		errs = append(errs, errors.New("ws.send_bufferは正の値である必要があります"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("設定が不正です: %w", errors.Join(errs...))
	}
	return nil
}

// IsDevelopment は開発環境かどうかを返す。
func (c *Config) IsDevelopment() bool {
	return c.App.Env == "development"
}

// Addr はHTTPサーバーの待ち受けアドレスを返す。
func (c *Config) Addr() string {
	return ":" + c.App.Port
}
