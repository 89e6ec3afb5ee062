package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nao1215/staffhub/internal/notification"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "開発用の部署とユーザーを登録する",
	Long: `開発用の部署とユーザーをローカルのディレクトリテーブルに登録する。
既に存在するIDは上書きするため、何度実行してもよい。`,
	RunE: runSeed,
}

// seedDepartments は開発用の部署。IDは配列の順に1から振る。
var seedDepartments = []string{"IT", "HR", "Finance", "Marketing", "Sales"}

func seedUsers() []notification.User {
	dept := func(id int64) *int64 { return &id }
	return []notification.User{
		{ID: 1, FullName: "Administrator", Role: "Admin", DepartmentID: dept(1)},
		{ID: 2, FullName: "Sample Employee", Role: "Employee", DepartmentID: dept(2)},
		{ID: 3, FullName: "Sample Manager", Role: "TeamLeader", DepartmentID: dept(3)},
	}
}

func runSeed(cmd *cobra.Command, _ []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	db, err := notification.OpenDB(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := cmd.Context()
	if _, err := notification.Migrate(ctx, db, log); err != nil {
		return err
	}

	dir := notification.NewSQLDirectory(db)
	for i, name := range seedDepartments {
		if err := dir.SaveDepartment(ctx, int64(i+1), name); err != nil {
			return err
		}
	}
	users := seedUsers()
	for _, u := range users {
		if err := dir.SaveUser(ctx, u); err != nil {
			return err
		}
	}
	log.Info("開発用データを登録しました",
		zap.Int("departments", len(seedDepartments)),
		zap.Int("users", len(users)),
	)
	return nil
}
