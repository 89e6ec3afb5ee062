package notification

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// notificationColumns はSELECTで取得する通知の列。
const notificationColumns = `notification_id, user_id, title, content, type, is_read, created_at`

// Store は通知の永続化を行う。データベースが通知の唯一の正となる状態を持つ。
type Store struct {
	// db はSQLiteデータベース接続。
	db *sqlx.DB
	// now は作成日時の取得に使う時計。テストで差し替える。
	now func() time.Time
}

// NewStore は新しいStoreを生成する。
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Insert は通知を保存し、採番されたIDと作成日時をnに設定する。
// 通知先ユーザーが存在しない場合はErrInvalidRecipientを返す。
func (s *Store) Insert(ctx context.Context, n *Notification) error {
	n.CreatedAt = s.now().UTC()
	n.IsRead = false

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (user_id, title, content, type, is_read, created_at)
		VALUES (?, ?, ?, ?, 0, ?)`,
		n.UserID, n.Title, n.Content, n.Type, n.CreatedAt,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("%w: user_id=%d", ErrInvalidRecipient, n.UserID)
		}
		return fmt.Errorf("通知の保存に失敗: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("通知IDの取得に失敗: %w", err)
	}
	n.ID = id
	return nil
}

// Get は指定IDの通知を返す。
func (s *Store) Get(ctx context.Context, id int64) (Notification, error) {
	var n Notification
	err := s.db.GetContext(ctx, &n,
		`SELECT `+notificationColumns+` FROM notifications WHERE notification_id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Notification{}, fmt.Errorf("通知 %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Notification{}, fmt.Errorf("通知の取得に失敗: %w", err)
	}
	return n, nil
}

// SetRead は既読フラグを設定する。同じ値の再設定もエラーにしない。
func (s *Store) SetRead(ctx context.Context, id int64, isRead bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET is_read = ? WHERE notification_id = ?`, isRead, id)
	if err != nil {
		return fmt.Errorf("既読状態の更新に失敗: %w", err)
	}
	return requireAffected(res, id)
}

// SetReadForUser はuserIDが所有する通知のみを既読にする。
// 通知が存在しないか他人の通知である場合はErrNotFoundを返す。
func (s *Store) SetReadForUser(ctx context.Context, userID, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET is_read = 1 WHERE notification_id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("既読状態の更新に失敗: %w", err)
	}
	return requireAffected(res, id)
}

// MarkAllRead はユーザーの未読通知をすべて既読にし、更新件数を返す。
func (s *Store) MarkAllRead(ctx context.Context, userID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET is_read = 1 WHERE user_id = ? AND is_read = 0`, userID)
	if err != nil {
		return 0, fmt.Errorf("全通知の既読処理に失敗: %w", err)
	}
	return res.RowsAffected()
}

// MarkReadByIDs はユーザーが所有する指定IDの未読通知を既読にし、更新件数を返す。
func (s *Store) MarkReadByIDs(ctx context.Context, userID int64, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query, args, err := sqlx.In(
		`UPDATE notifications SET is_read = 1 WHERE user_id = ? AND is_read = 0 AND notification_id IN (?)`,
		userID, ids,
	)
	if err != nil {
		return 0, fmt.Errorf("クエリの構築に失敗: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("通知の既読処理に失敗: %w", err)
	}
	return res.RowsAffected()
}

// CountUnread はユーザーの未読通知数を返す。
func (s *Store) CountUnread(ctx context.Context, userID int64) (int, error) {
	var count int
	if err := s.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM notifications WHERE user_id = ? AND is_read = 0`, userID); err != nil {
		return 0, fmt.Errorf("未読数の取得に失敗: %w", err)
	}
	return count, nil
}

// ListByUser はユーザーの通知を新しい順に返す。limitが0以下の場合は全件。
func (s *Store) ListByUser(ctx context.Context, userID int64, limit int) ([]Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications
		WHERE user_id = ? ORDER BY created_at DESC, notification_id DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.selectNotifications(ctx, query, args...)
}

// ListByUserPage はユーザーの通知をページ単位で返す。総件数も併せて返す。
func (s *Store) ListByUserPage(ctx context.Context, userID int64, offset, limit int) ([]Notification, int, error) {
	var total int
	if err := s.db.GetContext(ctx, &total,
		`SELECT COUNT(*) FROM notifications WHERE user_id = ?`, userID); err != nil {
		return nil, 0, fmt.Errorf("通知件数の取得に失敗: %w", err)
	}

	items, err := s.selectNotifications(ctx, `SELECT `+notificationColumns+` FROM notifications
		WHERE user_id = ? ORDER BY created_at DESC, notification_id DESC LIMIT ? OFFSET ?`,
		userID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// ListByCategory はユーザーの指定カテゴリの通知を新しい順に返す。
func (s *Store) ListByCategory(ctx context.Context, userID int64, category Category) ([]Notification, error) {
	return s.selectNotifications(ctx, `SELECT `+notificationColumns+` FROM notifications
		WHERE user_id = ? AND type = ? ORDER BY created_at DESC, notification_id DESC`,
		userID, category)
}

// ListAll は全ユーザーの通知を新しい順に返す。管理者向け。
func (s *Store) ListAll(ctx context.Context) ([]Notification, error) {
	return s.selectNotifications(ctx, `SELECT `+notificationColumns+` FROM notifications
		ORDER BY created_at DESC, notification_id DESC`)
}

// Delete は通知を物理削除する。
func (s *Store) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM notifications WHERE notification_id = ?`, id)
	if err != nil {
		return fmt.Errorf("通知の削除に失敗: %w", err)
	}
	return requireAffected(res, id)
}

// selectNotifications はクエリを実行し、結果を空でないスライスで返す。
func (s *Store) selectNotifications(ctx context.Context, query string, args ...any) ([]Notification, error) {
	items := []Notification{}
	if err := s.db.SelectContext(ctx, &items, query, args...); err != nil {
		return nil, fmt.Errorf("通知一覧の取得に失敗: %w", err)
	}
	return items, nil
}

// requireAffected は更新件数が0の場合にErrNotFoundを返す。
func requireAffected(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新件数の取得に失敗: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("通知 %d: %w", id, ErrNotFound)
	}
	return nil
}

// isForeignKeyViolation はSQLiteの外部キー制約違反かどうかを判定する。
func isForeignKeyViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code() == sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY
}
