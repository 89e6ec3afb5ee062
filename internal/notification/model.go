package notification

import (
	"fmt"
	"strings"
	"time"
)

// Category は通知の種類を表す。値は閉じた集合で、作成後は変更されない。
type Category string

const (
	// CategoryTask はタスク関連の通知。
	CategoryTask Category = "Task"
	// CategoryAssignment は課題関連の通知。
	CategoryAssignment Category = "Assignment"
	// CategoryTraining は研修関連の通知。
	CategoryTraining Category = "Training"
	// CategoryGeneral はその他一般の通知。
	CategoryGeneral Category = "General"
)

// categories は有効なカテゴリの一覧。
var categories = []Category{CategoryTask, CategoryAssignment, CategoryTraining, CategoryGeneral}

// ParseCategory は文字列をCategoryに変換する。大文字小文字は区別しない。
// 空文字列はGeneralとして扱い、それ以外の未知の値はErrInvalidCategoryを返す。
func ParseCategory(s string) (Category, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return CategoryGeneral, nil
	}
	for _, c := range categories {
		if strings.EqualFold(s, string(c)) {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidCategory, s)
}

// Notification は1人のユーザー宛ての永続化された通知。
type Notification struct {
	// ID は通知の一意識別子。
	ID int64 `db:"notification_id" json:"notification_id"`
	// UserID は通知先のユーザーID。
	UserID int64 `db:"user_id" json:"user_id"`
	// Title は通知のタイトル。
	Title string `db:"title" json:"title"`
	// Content は通知本文。
	Content string `db:"content" json:"content"`
	// Type は通知カテゴリ。
	Type Category `db:"type" json:"type"`
	// IsRead は既読状態。
	IsRead bool `db:"is_read" json:"is_read"`
	// CreatedAt は作成日時（UTC）。
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// CreateInput は通知作成の入力。
type CreateInput struct {
	UserID  int64
	Title   string
	Content string
	// Type はカテゴリ名。空の場合はGeneral。
	Type string
}

// BulkResult は一括作成の結果。個別の失敗は全体の失敗にしない。
type BulkResult struct {
	// Requested は要求されたユーザー数。
	Requested int `json:"requested"`
	// Succeeded は作成に成功した件数。
	Succeeded int `json:"succeeded"`
	// FailedUserIDs は作成に失敗したユーザーID。
	FailedUserIDs []int64 `json:"failed_user_ids"`
	// Created は作成された通知。
	Created []Notification `json:"-"`
}

// Page はページングされた通知一覧。
type Page struct {
	Items    []Notification `json:"items"`
	Total    int            `json:"total"`
	Page     int            `json:"page"`
	PageSize int            `json:"page_size"`
}

// User は部署メンバー解決に使うユーザー情報。ユーザー管理サービスが所有する。
type User struct {
	ID           int64  `db:"user_id" json:"user_id"`
	FullName     string `db:"full_name" json:"full_name"`
	Role         string `db:"role" json:"role"`
	DepartmentID *int64 `db:"department_id" json:"department_id"`
}
