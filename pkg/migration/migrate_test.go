package migration

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"testing/fstest"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// openTestDB はテスト用のインメモリSQLiteを開く。
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("DBオープンに失敗: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// testFS はテスト用のマイグレーションファイル群。
func testFS() fstest.MapFS {
	return fstest.MapFS{
		"migrations/000002_add_index.up.sql":      {Data: []byte("CREATE INDEX idx_items_name ON items(name);")},
		"migrations/000001_create_items.up.sql":   {Data: []byte("CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT NOT NULL);")},
		"migrations/000001_create_items.down.sql": {Data: []byte("DROP TABLE items;")},
		"migrations/README.md":                    {Data: []byte("ignored")},
	}
}

// TestRun はマイグレーションの適用を検証する。
func TestRun(t *testing.T) {
	t.Parallel()

	t.Run("未適用のマイグレーションがバージョン順に適用されること", func(t *testing.T) {
		t.Parallel()

		db := openTestDB(t)
		n, err := Run(context.Background(), db, testFS(), "migrations", zap.NewNop())
		if err != nil {
			t.Fatalf("Run()でエラーが発生: %v", err)
		}
		if n != 2 {
			t.Errorf("適用件数 = %d, want 2", n)
		}

		var count int
		if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
			t.Fatalf("schema_migrationsの参照に失敗: %v", err)
		}
		if count != 2 {
			t.Errorf("schema_migrations = %d, want 2", count)
		}
	})

	t.Run("2回目の実行では何も適用されないこと", func(t *testing.T) {
		t.Parallel()

		db := openTestDB(t)
		if _, err := Run(context.Background(), db, testFS(), "migrations", zap.NewNop()); err != nil {
			t.Fatalf("1回目のRun()でエラーが発生: %v", err)
		}
		n, err := Run(context.Background(), db, testFS(), "migrations", zap.NewNop())
		if err != nil {
			t.Fatalf("2回目のRun()でエラーが発生: %v", err)
		}
		if n != 0 {
			t.Errorf("適用件数 = %d, want 0", n)
		}
	})

	t.Run("SQLが不正な場合はエラーが返りバージョンが記録されないこと", func(t *testing.T) {
		t.Parallel()

		db := openTestDB(t)
		fsys := fstest.MapFS{
			"migrations/000001_broken.up.sql": {Data: []byte("CREATE TABLE (")},
		}
		if _, err := Run(context.Background(), db, fsys, "migrations", zap.NewNop()); err == nil {
			t.Fatal("Run()がエラーを返すべきだが、nilが返った")
		}

		var count int
		if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
			t.Fatalf("schema_migrationsの参照に失敗: %v", err)
		}
		if count != 0 {
			t.Errorf("schema_migrations = %d, want 0", count)
		}
	})
}

// TestLoad はマイグレーションファイルの収集を検証する。
func TestLoad(t *testing.T) {
	t.Parallel()

	t.Run("up.sqlのみがバージョン順に返ること", func(t *testing.T) {
		t.Parallel()

		got, err := Load(testFS(), "migrations")
		if err != nil {
			t.Fatalf("Load()でエラーが発生: %v", err)
		}
		var names []string
		for _, m := range got {
			names = append(names, m.Name)
		}
		if diff := cmp.Diff([]string{"create_items", "add_index"}, names); diff != "" {
			t.Errorf("名前が一致しない (-want +got):\n%s", diff)
		}
	})

	t.Run("同じバージョンが複数あるとErrDuplicateVersionになること", func(t *testing.T) {
		t.Parallel()

		fsys := fstest.MapFS{
			"migrations/000001_create_users.up.sql":         {Data: []byte("SELECT 1;")},
			"migrations/000001_create_notifications.up.sql": {Data: []byte("SELECT 1;")},
		}
		if _, err := Load(fsys, "migrations"); !errors.Is(err, ErrDuplicateVersion) {
			t.Errorf("err = %v, want ErrDuplicateVersion", err)
		}
	})

	t.Run("形式外のSQLファイルはErrInvalidFileNameになること", func(t *testing.T) {
		t.Parallel()

		for _, name := range []string{"create_users.up.sql", "000000_zero.up.sql", "000003_Add-Index.up.sql"} {
			fsys := fstest.MapFS{"migrations/" + name: {Data: []byte("SELECT 1;")}}
			if _, err := Load(fsys, "migrations"); !errors.Is(err, ErrInvalidFileName) {
				t.Errorf("%s: err = %v, want ErrInvalidFileName", name, err)
			}
		}
	})
}

// TestStatus は適用状態の取得を検証する。
func TestStatus(t *testing.T) {
	t.Parallel()

	t.Run("未適用と適用済みが区別されること", func(t *testing.T) {
		t.Parallel()

		db := openTestDB(t)
		partial := fstest.MapFS{
			"migrations/000001_create_items.up.sql": testFS()["migrations/000001_create_items.up.sql"],
		}
		if _, err := Run(context.Background(), db, partial, "migrations", zap.NewNop()); err != nil {
			t.Fatalf("Run()でエラーが発生: %v", err)
		}

		states, err := Status(context.Background(), db, testFS(), "migrations")
		if err != nil {
			t.Fatalf("Status()でエラーが発生: %v", err)
		}
		var applied []bool
		for _, s := range states {
			applied = append(applied, s.Applied())
		}
		if diff := cmp.Diff([]bool{true, false}, applied); diff != "" {
			t.Errorf("適用状態が一致しない (-want +got):\n%s", diff)
		}
	})

	t.Run("ファイルに無いバージョンが適用済みならErrUnknownVersionになること", func(t *testing.T) {
		t.Parallel()

		db := openTestDB(t)
		if _, err := Run(context.Background(), db, testFS(), "migrations", zap.NewNop()); err != nil {
			t.Fatalf("Run()でエラーが発生: %v", err)
		}
		older := fstest.MapFS{
			"migrations/000001_create_items.up.sql": testFS()["migrations/000001_create_items.up.sql"],
		}
		if _, err := Run(context.Background(), db, older, "migrations", zap.NewNop()); !errors.Is(err, ErrUnknownVersion) {
			t.Errorf("err = %v, want ErrUnknownVersion", err)
		}
	})
}
