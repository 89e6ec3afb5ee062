package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nao1215/staffhub/internal/notification"
)

var migrateStatus bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "データベースのマイグレーションを適用する",
	RunE:  runMigrate,
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateStatus, "status", false, "適用せずに各マイグレーションの適用状態を表示する")
}

func runMigrate(cmd *cobra.Command, _ []string) error {
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

	if migrateStatus {
		states, err := notification.SchemaStatus(cmd.Context(), db)
		if err != nil {
			return err
		}
		for _, s := range states {
			at := "pending"
			if s.Applied() {
				at = s.AppliedAt
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%06d\t%s\t%s\n", s.Version, s.Name, at)
		}
		return nil
	}

	applied, err := notification.Migrate(cmd.Context(), db, log)
	if err != nil {
		return err
	}
	log.Info("マイグレーションが完了しました", zap.Int("applied", applied), zap.String("dsn", cfg.Database.DSN))
	return nil
}
