package event

import (
	"encoding/json"
	"testing"
)

// TestTypeConstants はKafka上で交換されるイベント種別の文字列値を検証する。
func TestTypeConstants(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		got  Type
		want string
	}{
		{name: "NotificationRequested", got: TypeNotificationRequested, want: "NotificationRequested"},
		{name: "BulkNotificationRequested", got: TypeBulkNotificationRequested, want: "BulkNotificationRequested"},
		{name: "DepartmentNotificationRequested", got: TypeDepartmentNotificationRequested, want: "DepartmentNotificationRequested"},
		{name: "NotificationSent", got: TypeNotificationSent, want: "NotificationSent"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if string(tt.got) != tt.want {
				t.Errorf("Type = %q, want %q", tt.got, tt.want)
			}
		})
	}
}

// TestEventJSONKeys はイベント封筒のJSONキー名を検証する。
func TestEventJSONKeys(t *testing.T) {
	t.Parallel()

	ev, err := New("7", AggregateTypeUser, TypeNotificationRequested, NotificationRequestedData{UserID: 7})
	if err != nil {
		t.Fatalf("New()でエラーが発生: %v", err)
	}
	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("json.Marshal()でエラーが発生: %v", err)
	}

	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("json.Unmarshal()でエラーが発生: %v", err)
	}
	for _, key := range []string{"id", "aggregate_id", "aggregate_type", "event_type", "data", "created_at"} {
		if _, ok := m[key]; !ok {
			t.Errorf("キー %q が存在しない", key)
		}
	}
	data, ok := m["data"].(map[string]any)
	if !ok {
		t.Fatalf("data がオブジェクトではない: %T", m["data"])
	}
	if data["user_id"] != float64(7) {
		t.Errorf("data.user_id = %v, want 7", data["user_id"])
	}
}
