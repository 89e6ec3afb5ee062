package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// newTestDB はマイグレーション適用済みのインメモリSQLiteを生成する。
func newTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := OpenDB(":memory:")
	if err != nil {
		t.Fatalf("インメモリDBの作成に失敗: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if _, err := Migrate(context.Background(), db, zap.NewNop()); err != nil {
		t.Fatalf("マイグレーションに失敗: %v", err)
	}
	return db
}

// seedUsers は部署と所属ユーザーを登録する。
func seedUsers(t *testing.T, db *sqlx.DB, departmentID int64, userIDs ...int64) {
	t.Helper()
	dir := NewSQLDirectory(db)
	if departmentID > 0 {
		if err := dir.SaveDepartment(context.Background(), departmentID, fmt.Sprintf("部署%d", departmentID)); err != nil {
			t.Fatalf("部署の登録に失敗: %v", err)
		}
	}
	for _, id := range userIDs {
		u := User{ID: id, FullName: "user", Role: "Employee"}
		if departmentID > 0 {
			d := departmentID
			u.DepartmentID = &d
		}
		if err := dir.SaveUser(context.Background(), u); err != nil {
			t.Fatalf("ユーザーの登録に失敗: %v", err)
		}
	}
}

// newTestStore は時計を固定値から1秒ずつ進めるStoreを生成する。
func newTestStore(t *testing.T, db *sqlx.DB) *Store {
	t.Helper()
	s := NewStore(db)
	base := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	tick := 0
	s.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return s
}

// pushCall はfakePusherが受け取った呼び出し。
type pushCall struct {
	Kind           string
	UserID         int64
	NotificationID int64
	UnreadCount    int
	Payload        string
}

// fakePusher は配信依頼を記録するPusher。
type fakePusher struct {
	mu    sync.Mutex
	calls []pushCall
}

func (p *fakePusher) record(c pushCall) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, c)
}

func (p *fakePusher) SendNotificationToUser(_ context.Context, userID int64, n Notification, unread int) {
	p.record(pushCall{Kind: "new", UserID: userID, NotificationID: n.ID, UnreadCount: unread})
}

func (p *fakePusher) NotifyRead(_ context.Context, userID, id int64, unread int) {
	p.record(pushCall{Kind: "read", UserID: userID, NotificationID: id, UnreadCount: unread})
}

func (p *fakePusher) NotifyAllRead(_ context.Context, userID int64) {
	p.record(pushCall{Kind: "all_read", UserID: userID})
}

func (p *fakePusher) SendUnreadCount(_ context.Context, userID int64, count int) {
	p.record(pushCall{Kind: "unread", UserID: userID, UnreadCount: count})
}

func (p *fakePusher) Broadcast(_ context.Context, payload json.RawMessage) {
	p.record(pushCall{Kind: "broadcast", Payload: string(payload)})
}

// Calls は記録された呼び出しのコピーを返す。
func (p *fakePusher) Calls() []pushCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]pushCall(nil), p.calls...)
}

// fakePublisher はNotificationSentの発行を記録するEventPublisher。
type fakePublisher struct {
	mu  sync.Mutex
	ids []int64
	err error
}

func (p *fakePublisher) PublishNotificationSent(_ context.Context, n Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ids = append(p.ids, n.ID)
	return p.err
}

// fakeDirectory は固定の部署メンバーを返すDirectory。
type fakeDirectory struct {
	members map[int64][]int64
}

func (d fakeDirectory) DepartmentMembers(_ context.Context, departmentID int64) ([]int64, error) {
	return d.members[departmentID], nil
}

// newTestService はテスト用のServiceとfakePusherを生成する。
func newTestService(t *testing.T, db *sqlx.DB, dir Directory) (*Service, *fakePusher) {
	t.Helper()
	if dir == nil {
		dir = NewSQLDirectory(db)
	}
	svc := NewService(newTestStore(t, db), dir, zap.NewNop())
	p := &fakePusher{}
	svc.SetPusher(p)
	return svc, p
}

// itoa はIDを文字列に変換する。
func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
