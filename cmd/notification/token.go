package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nao1215/staffhub/pkg/middleware"
)

var (
	tokenUserID int64
	tokenRole   string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "開発用のJWTトークンを発行する",
	Long: `設定の秘密鍵で署名した開発用のJWTトークンを標準出力へ書き出す。
REST APIのAuthorizationヘッダーやWebSocket接続のtokenクエリに使える。`,
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().Int64Var(&tokenUserID, "user-id", 1, "トークンのユーザーID")
	tokenCmd.Flags().StringVar(&tokenRole, "role", string(middleware.RoleEmployee), "ロール（Admin, TeamLeader, SeniorManager, Employee）")
}

func runToken(cmd *cobra.Command, _ []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if tokenUserID <= 0 {
		return fmt.Errorf("user-idは正の整数で指定してください: %d", tokenUserID)
	}
	role, err := parseRole(tokenRole)
	if err != nil {
		return err
	}
	tok, err := middleware.GenerateJWT(cfg.JWT.Secret, tokenUserID, role)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), tok)
	return nil
}

func parseRole(s string) (middleware.Role, error) {
	switch r := middleware.Role(s); r {
	case middleware.RoleAdmin, middleware.RoleTeamLeader, middleware.RoleSeniorManager, middleware.RoleEmployee:
		return r, nil
	default:
		return "", fmt.Errorf("未知のロールです: %s", s)
	}
}
