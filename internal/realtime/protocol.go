package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/nao1215/staffhub/internal/notification"
)

// クライアントから受信するイベント名。
const (
	EventMarkAsRead       = "mark_as_read"
	EventMarkAllAsRead    = "mark_all_as_read"
	EventGetNotifications = "get_notifications"
)

// クライアントへ送出するイベント名。
const (
	EventConnectionEstablished = "connection_established"
	EventNewNotification       = "new_notification"
	EventNotificationRead      = "notification_read"
	EventAllNotificationsRead  = "all_notifications_read"
	EventUnreadCount           = "unread_count"
	EventNotifications         = "notifications"
	EventBroadcast             = "broadcast"
	EventError                 = "error"
)

// rateLimitMessage はレート制限時にクライアントへ返すメッセージ。
const rateLimitMessage = "Rate limit exceeded. Please slow down."

// ErrMalformedCommand は受信メッセージを解釈できない場合のエラー。
var ErrMalformedCommand = errors.New("コマンドの形式が不正です")

// Command はクライアントから受信したコマンド。
// MarkAsRead, MarkAllAsRead, GetNotifications, Unknown のいずれか。
type Command interface {
	// Event はコマンドのイベント名を返す。
	Event() string
	command()
}

// MarkAsRead は1件の通知を既読にするコマンド。
type MarkAsRead struct {
	NotificationID int64
}

// MarkAllAsRead は全通知を既読にするコマンド。
type MarkAllAsRead struct{}

// GetNotifications は自分の通知一覧を要求するコマンド。
type GetNotifications struct{}

// Unknown は未知のイベント名のコマンド。
type Unknown struct {
	Name string
}

func (MarkAsRead) Event() string       { return EventMarkAsRead }
func (MarkAllAsRead) Event() string    { return EventMarkAllAsRead }
func (GetNotifications) Event() string { return EventGetNotifications }
func (u Unknown) Event() string        { return u.Name }

func (MarkAsRead) command()       {}
func (MarkAllAsRead) command()    {}
func (GetNotifications) command() {}
func (Unknown) command()          {}

// envelope は送受信メッセージの共通の外枠。
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// markAsReadData はmark_as_readのdata部。
type markAsReadData struct {
	NotificationID json.Number `json:"notificationId"`
}

// ParseCommand は受信メッセージを解釈する。
// dataに含まれるユーザーIDは参照しない。
func ParseCommand(b []byte) (Command, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("%w: eventがありません", ErrMalformedCommand)
	}

	switch env.Event {
	case EventMarkAsRead:
		id, err := parseNotificationID(env.Data)
		if err != nil {
			return nil, err
		}
		return MarkAsRead{NotificationID: id}, nil
	case EventMarkAllAsRead:
		return MarkAllAsRead{}, nil
	case EventGetNotifications:
		return GetNotifications{}, nil
	default:
		return Unknown{Name: env.Event}, nil
	}
}

func parseNotificationID(data json.RawMessage) (int64, error) {
	if len(data) == 0 {
		return 0, fmt.Errorf("%w: notificationIdがありません", ErrMalformedCommand)
	}
	var d markAsReadData
	if err := json.Unmarshal(data, &d); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}
	// 文字列で送るクライアントもあるため数値文字列も受け付ける
	raw := d.NotificationID.String()
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: notificationIdが不正です(%q)", ErrMalformedCommand, raw)
	}
	return id, nil
}

// frame はクライアントへ送出するメッセージ。
type frame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// encodeFrame はイベント名とdataを送出用のJSONにする。
func encodeFrame(event string, data any) ([]byte, error) {
	b, err := json.Marshal(frame{Event: event, Data: data})
	if err != nil {
		return nil, fmt.Errorf("イベント %s のエンコードに失敗しました: %w", event, err)
	}
	return b, nil
}

// establishedData はconnection_establishedのdata部。
type establishedData struct {
	UserID              int64                       `json:"userId"`
	UnreadCount         *int                        `json:"unreadCount,omitzero"`
	RecentNotifications []notification.Notification `json:"recentNotifications,omitzero"`
}

// notificationReadData はnotification_readのdata部。
type notificationReadData struct {
	NotificationID int64 `json:"notificationId"`
	UnreadCount    *int  `json:"unreadCount,omitzero"`
}

// allReadData はall_notifications_readのdata部。
type allReadData struct {
	UnreadCount int `json:"unreadCount"`
}

// unreadCountData はunread_countのdata部。
type unreadCountData struct {
	Count int `json:"count"`
}

// notificationsData はnotificationsのdata部。
type notificationsData struct {
	Notifications []notification.Notification `json:"notifications"`
}

// errorData はerrorのdata部。
type errorData struct {
	Message string `json:"message"`
}
