package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// TestLoad は設定の読み込みを検証する。
// t.Setenvを使うためサブテストは並列実行しない。
func TestLoad(t *testing.T) {
	t.Run("デフォルト値で読み込めること", func(t *testing.T) {
		t.Chdir(t.TempDir())

		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load()でエラーが発生: %v", err)
		}
		if cfg.App.Port != "8086" {
			t.Errorf("App.Port = %q, want %q", cfg.App.Port, "8086")
		}
		if !cfg.IsDevelopment() {
			t.Error("IsDevelopment() = false, want true")
		}
		if cfg.WS.RateLimitMaxMessages != 100 {
			t.Errorf("WS.RateLimitMaxMessages = %d, want 100", cfg.WS.RateLimitMaxMessages)
		}
		if cfg.RateLimitWindow != 60*time.Second {
			t.Errorf("RateLimitWindow = %v, want 60s", cfg.RateLimitWindow)
		}
		if cfg.PingInterval != 25*time.Second {
			t.Errorf("PingInterval = %v, want 25s", cfg.PingInterval)
		}
		if diff := cmp.Diff([]string{"http://localhost:3000"}, cfg.CORS.AllowedOrigins); diff != "" {
			t.Errorf("CORS.AllowedOrigins mismatch (-want +got):\n%s", diff)
		}
		if len(cfg.Kafka.Brokers) != 0 {
			t.Errorf("Kafka.Brokers = %v, want empty", cfg.Kafka.Brokers)
		}
		if cfg.Addr() != ":8086" {
			t.Errorf("Addr() = %q, want %q", cfg.Addr(), ":8086")
		}
	})

	t.Run("環境変数で上書きできること", func(t *testing.T) {
		t.Chdir(t.TempDir())
		t.Setenv("APP_PORT", "9000")
		t.Setenv("JWT_SECRET", "from-env")
		t.Setenv("WS_RATE_LIMIT_MAX_MESSAGES", "5")
		t.Setenv("KAFKA_BROKERS", "kafka-1:9092,kafka-2:9092")

		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load()でエラーが発生: %v", err)
		}
		if cfg.App.Port != "9000" {
			t.Errorf("App.Port = %q, want %q", cfg.App.Port, "9000")
		}
		if cfg.JWT.Secret != "from-env" {
			t.Errorf("JWT.Secret = %q, want %q", cfg.JWT.Secret, "from-env")
		}
		if cfg.WS.RateLimitMaxMessages != 5 {
			t.Errorf("WS.RateLimitMaxMessages = %d, want 5", cfg.WS.RateLimitMaxMessages)
		}
		if diff := cmp.Diff([]string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers); diff != "" {
			t.Errorf("Kafka.Brokers mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("設定ファイルの値が反映されること", func(t *testing.T) {
		dir := t.TempDir()
		t.Chdir(dir)
		path := filepath.Join(dir, "config.yaml")
		content := "app:\n  env: production\nws:\n  snapshot_on_connect: false\nredis:\n  addr: localhost:6379\n"
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatalf("設定ファイルの作成に失敗: %v", err)
		}

		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load()でエラーが発生: %v", err)
		}
		if cfg.IsDevelopment() {
			t.Error("IsDevelopment() = true, want false")
		}
		if cfg.WS.SnapshotOnConnect {
			t.Error("WS.SnapshotOnConnect = true, want false")
		}
		if cfg.Redis.Addr != "localhost:6379" {
			t.Errorf("Redis.Addr = %q, want %q", cfg.Redis.Addr, "localhost:6379")
		}
	})

	t.Run(".envファイルの値が環境変数として読み込まれること", func(t *testing.T) {
		dir := t.TempDir()
		t.Chdir(dir)
		if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("DIRECTORY_URL=http://users:8081\n"), 0o600); err != nil {
			t.Fatalf(".envの作成に失敗: %v", err)
		}
		// godotenvが設定した環境変数を後続のテストに残さない
		t.Setenv("DIRECTORY_URL", "")
		os.Unsetenv("DIRECTORY_URL")

		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load()でエラーが発生: %v", err)
		}
		if cfg.Directory.URL != "http://users:8081" {
			t.Errorf("Directory.URL = %q, want %q", cfg.Directory.URL, "http://users:8081")
		}
	})

	t.Run("存在しない設定ファイルでエラーが返ること", func(t *testing.T) {
		t.Chdir(t.TempDir())

		if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
			t.Fatal("Load()がエラーを返すべきだが、nilが返った")
		}
	})

	t.Run("不正な値で検証エラーが返ること", func(t *testing.T) {
		t.Chdir(t.TempDir())
		t.Setenv("WS_RATE_LIMIT_MAX_MESSAGES", "0")

		if _, err := Load(""); err == nil {
			t.Fatal("Load()がエラーを返すべきだが、nilが返った")
		}
	})
}
