package notification

import (
	"context"
	"embed"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/nao1215/staffhub/pkg/migration"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// OpenDB はSQLiteデータベースを開く。外部キー制約を接続ごとに有効にする。
// SQLiteは単一ライターのため接続は1本に制限する（:memory:でも同じDBを共有するため）。
func OpenDB(dsn string) (*sqlx.DB, error) {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	db, err := sqlx.Open("sqlite", dsn+sep+"_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	return db, nil
}

// Migrate は未適用のマイグレーションを適用し、適用件数を返す。
func Migrate(ctx context.Context, db *sqlx.DB, logger *zap.Logger) (int, error) {
	n, err := migration.Run(ctx, db.DB, migrationsFS, "migrations", logger)
	if err != nil {
		return n, fmt.Errorf("スキーマの適用に失敗: %w", err)
	}
	return n, nil
}

// SchemaStatus はスキーマのマイグレーション適用状態を返す。
func SchemaStatus(ctx context.Context, db *sqlx.DB) ([]migration.State, error) {
	states, err := migration.Status(ctx, db.DB, migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("スキーマの状態取得に失敗: %w", err)
	}
	return states, nil
}
