package notification

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/nao1215/staffhub/pkg/httpclient"
)

// Directory は部署メンバーを解決する協調サービス。
type Directory interface {
	// DepartmentMembers は部署に所属するユーザーIDを返す。
	// 部署が存在しないかメンバーが0人の場合はErrNotFoundを返す。
	DepartmentMembers(ctx context.Context, departmentID int64) ([]int64, error)
}

// SQLDirectory はローカルDBのusers/departmentsテーブルで部署メンバーを解決する。
type SQLDirectory struct {
	db *sqlx.DB
}

var _ Directory = (*SQLDirectory)(nil)

// NewSQLDirectory は新しいSQLDirectoryを生成する。
func NewSQLDirectory(db *sqlx.DB) *SQLDirectory {
	return &SQLDirectory{db: db}
}

// DepartmentMembers は部署に所属するユーザーIDを昇順で返す。
func (d *SQLDirectory) DepartmentMembers(ctx context.Context, departmentID int64) ([]int64, error) {
	var ids []int64
	if err := d.db.SelectContext(ctx, &ids,
		`SELECT user_id FROM users WHERE department_id = ? ORDER BY user_id`, departmentID); err != nil {
		return nil, fmt.Errorf("部署メンバーの取得に失敗: %w", err)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("部署 %d にメンバーがいません: %w", departmentID, ErrNotFound)
	}
	return ids, nil
}

// SaveDepartment は部署を登録する。同じIDが既にあれば名前を更新する。
func (d *SQLDirectory) SaveDepartment(ctx context.Context, id int64, name string) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO departments (department_id, name) VALUES (?, ?)
		ON CONFLICT(department_id) DO UPDATE SET name = excluded.name`, id, name)
	if err != nil {
		return fmt.Errorf("部署の保存に失敗: %w", err)
	}
	return nil
}

// SaveUser はユーザーを登録する。同じIDが既にあれば内容を更新する。
func (d *SQLDirectory) SaveUser(ctx context.Context, u User) error {
	_, err := d.db.NamedExecContext(ctx, `
		INSERT INTO users (user_id, full_name, role, department_id)
		VALUES (:user_id, :full_name, :role, :department_id)
		ON CONFLICT(user_id) DO UPDATE SET
			full_name = excluded.full_name,
			role = excluded.role,
			department_id = excluded.department_id`, u)
	if err != nil {
		return fmt.Errorf("ユーザーの保存に失敗: %w", err)
	}
	return nil
}

// placeholderDepartmentName は名前の分からない部署を複製する際の仮の名前。
func placeholderDepartmentName(id int64) string {
	return fmt.Sprintf("department-%d", id)
}

// EnsureMembers は部署とメンバーをローカルの複製に取り込む。
// 既存ユーザーは所属部署のみ更新し、氏名やロールは変更しない。
func (d *SQLDirectory) EnsureMembers(ctx context.Context, departmentID int64, userIDs []int64) error {
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO departments (department_id, name) VALUES (?, ?) ON CONFLICT DO NOTHING`,
		departmentID, placeholderDepartmentName(departmentID)); err != nil {
		return fmt.Errorf("部署の複製に失敗: %w", err)
	}
	for _, id := range userIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO users (user_id, full_name, department_id) VALUES (?, '', ?)
			ON CONFLICT(user_id) DO UPDATE SET department_id = excluded.department_id`,
			id, departmentID); err != nil {
			return fmt.Errorf("ユーザー %d の複製に失敗: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗: %w", err)
	}
	return nil
}

// ImportUser は外部から取得したユーザーを所属部署ごと複製する。
func (d *SQLDirectory) ImportUser(ctx context.Context, u User) error {
	if u.DepartmentID != nil {
		if _, err := d.db.ExecContext(ctx,
			`INSERT INTO departments (department_id, name) VALUES (?, ?) ON CONFLICT DO NOTHING`,
			*u.DepartmentID, placeholderDepartmentName(*u.DepartmentID)); err != nil {
			return fmt.Errorf("部署の複製に失敗: %w", err)
		}
	}
	if u.Role == "" {
		u.Role = "Employee"
	}
	return d.SaveUser(ctx, u)
}

// MissingUsers はidsのうちローカルに存在しないユーザーIDを返す。
func (d *SQLDirectory) MissingUsers(ctx context.Context, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT user_id FROM users WHERE user_id IN (?)`, ids)
	if err != nil {
		return nil, fmt.Errorf("クエリの構築に失敗: %w", err)
	}
	var found []int64
	if err := d.db.SelectContext(ctx, &found, d.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("ユーザーの確認に失敗: %w", err)
	}
	exists := make(map[int64]struct{}, len(found))
	for _, id := range found {
		exists[id] = struct{}{}
	}
	var missing []int64
	for _, id := range ids {
		if _, ok := exists[id]; !ok {
			missing = append(missing, id)
			exists[id] = struct{}{}
		}
	}
	return missing, nil
}

// GetUser は指定IDのユーザーを返す。
func (d *SQLDirectory) GetUser(ctx context.Context, id int64) (User, error) {
	var u User
	err := d.db.GetContext(ctx, &u,
		`SELECT user_id, full_name, role, department_id FROM users WHERE user_id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, fmt.Errorf("ユーザー %d: %w", id, ErrNotFound)
		}
		return User{}, fmt.Errorf("ユーザーの取得に失敗: %w", err)
	}
	return u, nil
}

// HTTPDirectory はユーザー管理サービスのREST APIで部署メンバーを解決する。
type HTTPDirectory struct {
	client *httpclient.Client
}

var _ Directory = (*HTTPDirectory)(nil)

// NewHTTPDirectory は新しいHTTPDirectoryを生成する。
func NewHTTPDirectory(client *httpclient.Client) *HTTPDirectory {
	return &HTTPDirectory{client: client}
}

// departmentMembersResponse はユーザー管理サービスの部署メンバー応答。
type departmentMembersResponse struct {
	UserIDs []int64 `json:"user_ids"`
}

// DepartmentMembers は GET /api/v1/departments/:id/members を呼び出す。
func (d *HTTPDirectory) DepartmentMembers(ctx context.Context, departmentID int64) ([]int64, error) {
	var resp departmentMembersResponse
	err := d.client.GetJSON(ctx, fmt.Sprintf("/api/v1/departments/%d/members", departmentID), &resp)
	if err != nil {
		var se *httpclient.StatusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			return nil, fmt.Errorf("部署 %d: %w", departmentID, ErrNotFound)
		}
		return nil, fmt.Errorf("部署メンバーの問い合わせに失敗: %w", err)
	}
	if len(resp.UserIDs) == 0 {
		return nil, fmt.Errorf("部署 %d にメンバーがいません: %w", departmentID, ErrNotFound)
	}
	return resp.UserIDs, nil
}

// User は GET /api/v1/users/:id を呼び出す。存在しない場合はErrNotFoundを返す。
func (d *HTTPDirectory) User(ctx context.Context, id int64) (User, error) {
	var u User
	if err := d.client.GetJSON(ctx, fmt.Sprintf("/api/v1/users/%d", id), &u); err != nil {
		var se *httpclient.StatusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			return User{}, fmt.Errorf("ユーザー %d: %w", id, ErrNotFound)
		}
		return User{}, fmt.Errorf("ユーザーの問い合わせに失敗: %w", err)
	}
	if u.ID == 0 {
		u.ID = id
	}
	return u, nil
}

// ReplicatingDirectory はユーザー管理サービスで解決した結果をローカルのusersテーブルへ複製する。
// 通知の参照整合性はローカルの複製で検査するため、外部ディレクトリを使う場合はこれを通す。
type ReplicatingDirectory struct {
	remote *HTTPDirectory
	local  *SQLDirectory
	logger *zap.Logger
}

var (
	_ Directory       = (*ReplicatingDirectory)(nil)
	_ RecipientSyncer = (*ReplicatingDirectory)(nil)
)

// NewReplicatingDirectory は新しいReplicatingDirectoryを生成する。
func NewReplicatingDirectory(remote *HTTPDirectory, local *SQLDirectory, logger *zap.Logger) *ReplicatingDirectory {
	return &ReplicatingDirectory{remote: remote, local: local, logger: logger.Named("directory")}
}

// DepartmentMembers は外部で解決したメンバーをローカルに取り込んでから返す。
func (d *ReplicatingDirectory) DepartmentMembers(ctx context.Context, departmentID int64) ([]int64, error) {
	ids, err := d.remote.DepartmentMembers(ctx, departmentID)
	if err != nil {
		return nil, err
	}
	if err := d.local.EnsureMembers(ctx, departmentID, ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// SyncRecipients はローカルに無い通知先を外部から取得して複製する。
// 外部に存在しないユーザーは取り込まないため、作成時にErrInvalidRecipientとなる。
func (d *ReplicatingDirectory) SyncRecipients(ctx context.Context, userIDs []int64) error {
	missing, err := d.local.MissingUsers(ctx, userIDs)
	if err != nil {
		return err
	}
	for _, id := range missing {
		u, err := d.remote.User(ctx, id)
		if errors.Is(err, ErrNotFound) {
			d.logger.Info("通知先ユーザーが存在しません", zap.Int64("user_id", id))
			continue
		}
		if err != nil {
			return err
		}
		if err := d.local.ImportUser(ctx, u); err != nil {
			return err
		}
	}
	return nil
}
