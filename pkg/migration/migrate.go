// Package migration はSQLiteスキーマのバージョンを管理する。
// embed.FSの 000001_description.up.sql 形式のファイルを順に適用し、
// schema_migrations テーブルに適用済みバージョンを記録する。
package migration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"path"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

var (
	// ErrDuplicateVersion は同じバージョンのファイルが複数ある場合のエラー。
	ErrDuplicateVersion = errors.New("マイグレーションのバージョンが重複しています")
	// ErrInvalidFileName はファイル名が 000001_description.up.sql 形式でない場合のエラー。
	ErrInvalidFileName = errors.New("マイグレーションのファイル名が不正です")
	// ErrUnknownVersion はDBに記録されたバージョンに対応するファイルが無い場合のエラー。
	// 新しいバイナリで移行済みのDBを古いバイナリで開いたときに起きる。
	ErrUnknownVersion = errors.New("未知のスキーマバージョンが適用されています")
)

var fileNamePattern = regexp.MustCompile(`^(\d+)_([a-z0-9_]+)\.up\.sql$`)

// Migration は1つのマイグレーションファイル。
type Migration struct {
	Version int
	Name    string
	path    string
}

// State はマイグレーションの適用状態。AppliedAtが空なら未適用。
type State struct {
	Migration
	AppliedAt string
}

// Applied は適用済みかどうかを返す。
func (s State) Applied() bool { return s.AppliedAt != "" }

// Load はdir直下のup.sqlをバージョン順に返す。
// down.sqlとSQL以外のファイルは無視する。
func Load(fsys fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("マイグレーションファイルの収集に失敗: %w", err)
	}

	seen := make(map[int]string)
	var migrations []Migration
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || path.Ext(name) != ".sql" || strings.HasSuffix(name, ".down.sql") {
			continue
		}
		m := fileNamePattern.FindStringSubmatch(name)
		if m == nil {
			return nil, fmt.Errorf("%s: %w", name, ErrInvalidFileName)
		}
		version, err := strconv.Atoi(m[1])
		if err != nil || version <= 0 {
			return nil, fmt.Errorf("%s: %w", name, ErrInvalidFileName)
		}
		if prev, ok := seen[version]; ok {
			return nil, fmt.Errorf("%s と %s: %w", prev, name, ErrDuplicateVersion)
		}
		seen[version] = name
		migrations = append(migrations, Migration{Version: version, Name: m[2], path: path.Join(dir, name)})
	}

	slices.SortFunc(migrations, func(a, b Migration) int { return a.Version - b.Version })
	return migrations, nil
}

// Run は未適用のマイグレーションをバージョン順に適用し、適用した件数を返す。
// 途中で失敗した場合はそれまでの件数とエラーを返す。
func Run(ctx context.Context, db *sql.DB, fsys fs.FS, dir string, logger *zap.Logger) (int, error) {
	states, err := Status(ctx, db, fsys, dir)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, s := range states {
		if s.Applied() {
			continue
		}
		if err := apply(ctx, db, fsys, s.Migration); err != nil {
			return count, fmt.Errorf("マイグレーション %06d の適用に失敗: %w", s.Version, err)
		}
		count++
		logger.Info("マイグレーションを適用しました",
			zap.Int("version", s.Version),
			zap.String("name", s.Name),
		)
	}
	return count, nil
}

// Status は全マイグレーションの適用状態をバージョン順に返す。
func Status(ctx context.Context, db *sql.DB, fsys fs.FS, dir string) ([]State, error) {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
		)`); err != nil {
		return nil, fmt.Errorf("マイグレーション管理テーブルの作成に失敗: %w", err)
	}

	migrations, err := Load(fsys, dir)
	if err != nil {
		return nil, err
	}
	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("適用済みバージョンの取得に失敗: %w", err)
	}

	states := make([]State, 0, len(migrations))
	for _, m := range migrations {
		states = append(states, State{Migration: m, AppliedAt: applied[m.Version]})
		delete(applied, m.Version)
	}
	if len(applied) > 0 {
		unknown := slices.Sorted(maps.Keys(applied))
		return nil, fmt.Errorf("バージョン %v: %w", unknown, ErrUnknownVersion)
	}
	return states, nil
}

// appliedVersions はバージョンから適用日時への対応を返す。
func appliedVersions(ctx context.Context, db *sql.DB) (map[int]string, error) {
	rows, err := db.QueryContext(ctx, "SELECT version, CAST(applied_at AS TEXT) FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	applied := make(map[int]string)
	for rows.Next() {
		var (
			v  int
			at string
		)
		if err := rows.Scan(&v, &at); err != nil {
			return nil, err
		}
		applied[v] = at
	}
	return applied, rows.Err()
}

// apply は1つのマイグレーションとそのバージョン記録を同じトランザクションで実行する。
func apply(ctx context.Context, db *sql.DB, fsys fs.FS, m Migration) error {
	content, err := fs.ReadFile(fsys, m.path)
	if err != nil {
		return fmt.Errorf("ファイル読み込みに失敗: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("SQL実行に失敗: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (?)", m.Version); err != nil {
		return fmt.Errorf("バージョン記録に失敗: %w", err)
	}
	return tx.Commit()
}
