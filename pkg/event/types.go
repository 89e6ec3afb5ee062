package event

import (
	"encoding/json"
	"time"
)

// AggregateType はイベントの対象となるエンティティの種類を表す。
type AggregateType string

const (
	// AggregateTypeNotification は通知エンティティを表す。
	AggregateTypeNotification AggregateType = "Notification"
	// AggregateTypeUser はユーザーエンティティを表す。
	AggregateTypeUser AggregateType = "User"
	// AggregateTypeDepartment は部署エンティティを表す。
	AggregateTypeDepartment AggregateType = "Department"
)

// Type はイベントの種類を表す。
type Type string

const (
	// TypeNotificationRequested は単一ユーザーへの通知作成が要求されたことを表す。
	TypeNotificationRequested Type = "NotificationRequested"
	// TypeBulkNotificationRequested は複数ユーザーへの一括通知作成が要求されたことを表す。
	TypeBulkNotificationRequested Type = "BulkNotificationRequested"
	// TypeDepartmentNotificationRequested は部署メンバー全員への通知作成が要求されたことを表す。
	TypeDepartmentNotificationRequested Type = "DepartmentNotificationRequested"

	// TypeNotificationSent は通知が作成され配信が試行されたことを表す。
	TypeNotificationSent Type = "NotificationSent"
)

// Event はサービス間でKafkaを介して交換されるイベントの封筒。
type Event struct {
	// ID はイベントの一意識別子（UUID）。
	ID string `json:"id"`
	// AggregateID は対象エンティティの識別子。
	AggregateID string `json:"aggregate_id"`
	// AggregateType は対象エンティティの種類。
	AggregateType AggregateType `json:"aggregate_type"`
	// EventType はイベントの種類。
	EventType Type `json:"event_type"`
	// Data はイベント固有のデータ（JSON形式）。
	Data json.RawMessage `json:"data"`
	// CreatedAt はイベントが作成された日時。
	CreatedAt time.Time `json:"created_at"`
}

// NotificationRequestedData はNotificationRequestedイベントのデータ。
type NotificationRequestedData struct {
	// UserID は通知先のユーザーID。
	UserID int64 `json:"user_id"`
	// Title は通知のタイトル。
	Title string `json:"title"`
	// Content は通知本文。
	Content string `json:"content"`
	// Type は通知カテゴリ（Task, Assignment, Training, General）。
	Type string `json:"type"`
}

// BulkNotificationRequestedData はBulkNotificationRequestedイベントのデータ。
type BulkNotificationRequestedData struct {
	// UserIDs は通知先のユーザーID一覧。
	UserIDs []int64 `json:"user_ids"`
	Title   string  `json:"title"`
	Content string  `json:"content"`
	Type    string  `json:"type"`
}

// DepartmentNotificationRequestedData はDepartmentNotificationRequestedイベントのデータ。
type DepartmentNotificationRequestedData struct {
	// DepartmentID は通知先の部署ID。
	DepartmentID int64  `json:"department_id"`
	Title        string `json:"title"`
	Content      string `json:"content"`
	Type         string `json:"type"`
}

// NotificationSentData はNotificationSentイベントのデータ。
type NotificationSentData struct {
	// NotificationID は作成された通知のID。
	NotificationID int64 `json:"notification_id"`
	// UserID は通知先のユーザーID。
	UserID int64 `json:"user_id"`
	// Title は通知のタイトル。
	Title string `json:"title"`
	// Type は通知カテゴリ。
	Type string `json:"type"`
}
