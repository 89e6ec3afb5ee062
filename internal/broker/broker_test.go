package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/nao1215/staffhub/internal/notification"
	"github.com/nao1215/staffhub/pkg/event"
)

// fakeNotifier は受け取った通知要求を記録する。
type fakeNotifier struct {
	mu          sync.Mutex
	created     []notification.CreateInput
	bulk        [][]int64
	departments []int64
	err         error
}

func (f *fakeNotifier) Create(_ context.Context, in notification.CreateInput) (notification.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return notification.Notification{}, f.err
	}
	f.created = append(f.created, in)
	return notification.Notification{ID: int64(len(f.created)), UserID: in.UserID}, nil
}

func (f *fakeNotifier) CreateBulk(_ context.Context, userIDs []int64, _, _, _ string) (notification.BulkResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return notification.BulkResult{}, f.err
	}
	f.bulk = append(f.bulk, userIDs)
	return notification.BulkResult{Requested: len(userIDs), Succeeded: len(userIDs)}, nil
}

func (f *fakeNotifier) CreateForDepartment(_ context.Context, departmentID int64, _, _, _ string) (notification.BulkResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return notification.BulkResult{}, f.err
	}
	f.departments = append(f.departments, departmentID)
	return notification.BulkResult{Requested: 2, Succeeded: 2}, nil
}

func (f *fakeNotifier) Created() []notification.CreateInput {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notification.CreateInput(nil), f.created...)
}

func mustEvent(t *testing.T, aggregateID string, aggregateType event.AggregateType, typ event.Type, data any) []byte {
	t.Helper()
	e, err := event.New(aggregateID, aggregateType, typ, data)
	if err != nil {
		t.Fatalf("event.New() error = %v", err)
	}
	b, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	return b
}

func TestProcessor(t *testing.T) {
	t.Parallel()

	t.Run("単一ユーザーへの通知要求を作成に変換する", func(t *testing.T) {
		t.Parallel()
		n := &fakeNotifier{}
		p := NewProcessor(n, zap.NewNop())

		msg := mustEvent(t, "7", event.AggregateTypeUser, event.TypeNotificationRequested, event.NotificationRequestedData{
			UserID: 7, Title: "研修", Content: "明日10時から", Type: "Training",
		})
		if err := p.Handle(context.Background(), msg); err != nil {
			t.Fatalf("Handle() error = %v", err)
		}

		want := []notification.CreateInput{{UserID: 7, Title: "研修", Content: "明日10時から", Type: "Training"}}
		if diff := cmp.Diff(want, n.Created()); diff != "" {
			t.Errorf("created mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("一括と部署の通知要求を変換する", func(t *testing.T) {
		t.Parallel()
		n := &fakeNotifier{}
		p := NewProcessor(n, zap.NewNop())

		bulk := mustEvent(t, "bulk", event.AggregateTypeUser, event.TypeBulkNotificationRequested, event.BulkNotificationRequestedData{
			UserIDs: []int64{1, 2, 3}, Title: "t", Content: "c", Type: "General",
		})
		dept := mustEvent(t, "10", event.AggregateTypeDepartment, event.TypeDepartmentNotificationRequested, event.DepartmentNotificationRequestedData{
			DepartmentID: 10, Title: "t", Content: "c", Type: "General",
		})
		for _, msg := range [][]byte{bulk, dept} {
			if err := p.Handle(context.Background(), msg); err != nil {
				t.Fatalf("Handle() error = %v", err)
			}
		}

		if diff := cmp.Diff([][]int64{{1, 2, 3}}, n.bulk); diff != "" {
			t.Errorf("bulk mismatch (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff([]int64{10}, n.departments); diff != "" {
			t.Errorf("departments mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("対象外のイベント種別はErrUnsupportedEvent", func(t *testing.T) {
		t.Parallel()
		p := NewProcessor(&fakeNotifier{}, zap.NewNop())
		msg := mustEvent(t, "1", event.AggregateTypeNotification, event.TypeNotificationSent, event.NotificationSentData{NotificationID: 1})

		if err := p.Handle(context.Background(), msg); !errors.Is(err, ErrUnsupportedEvent) {
			t.Errorf("Handle() error = %v, want ErrUnsupportedEvent", err)
		}
	})

	t.Run("壊れたメッセージはエラー", func(t *testing.T) {
		t.Parallel()
		p := NewProcessor(&fakeNotifier{}, zap.NewNop())
		for _, msg := range []string{`not json`, `{"id":"x"}`, `{"event_type":"NotificationRequested","data":"oops"}`} {
			if err := p.Handle(context.Background(), []byte(msg)); err == nil {
				t.Errorf("Handle(%s) error = nil", msg)
			}
		}
	})

	t.Run("通知サービスのエラーを返す", func(t *testing.T) {
		t.Parallel()
		p := NewProcessor(&fakeNotifier{err: notification.ErrInvalidRecipient}, zap.NewNop())
		msg := mustEvent(t, "9", event.AggregateTypeUser, event.TypeNotificationRequested, event.NotificationRequestedData{
			UserID: 9, Title: "t", Content: "c",
		})
		if err := p.Handle(context.Background(), msg); !errors.Is(err, notification.ErrInvalidRecipient) {
			t.Errorf("Handle() error = %v, want ErrInvalidRecipient", err)
		}
	})
}

// fakeReader は用意したメッセージを順に返し、尽きるとctxの終了まで待つ。
type fakeReader struct {
	mu       sync.Mutex
	messages []kafka.Message
	errs     []error
	closed   bool
}

func (r *fakeReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.errs) > 0 {
		err := r.errs[0]
		r.errs = r.errs[1:]
		r.mu.Unlock()
		return kafka.Message{}, err
	}
	if len(r.messages) > 0 {
		m := r.messages[0]
		r.messages = r.messages[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func TestConsumer(t *testing.T) {
	t.Parallel()

	t.Run("処理できないメッセージを読み飛ばして続行する", func(t *testing.T) {
		t.Parallel()
		n := &fakeNotifier{}
		core, logs := observer.New(zap.WarnLevel)
		good := mustEvent(t, "7", event.AggregateTypeUser, event.TypeNotificationRequested, event.NotificationRequestedData{
			UserID: 7, Title: "t", Content: "c", Type: "Task",
		})
		msgs := []kafka.Message{
			{Offset: 1, Value: []byte(`broken`)},
			{Offset: 2, Value: good},
		}
		reader := &fakeReader{messages: msgs, errs: []error{errors.New("broker unavailable")}}
		c := &Consumer{reader: reader, processor: NewProcessor(n, zap.NewNop()), logger: zap.New(core)}

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- c.Run(ctx) }()

		deadline := time.Now().Add(5 * time.Second)
		for len(n.Created()) == 0 && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
		cancel()
		if err := <-done; err != nil {
			t.Fatalf("Run() error = %v", err)
		}

		if got := len(n.Created()); got != 1 {
			t.Errorf("作成件数 = %d, want 1", got)
		}
		if got := logs.FilterMessage("通知要求を処理できませんでした").Len(); got != 1 {
			t.Errorf("処理失敗ログ = %d件, want 1", got)
		}
		if got := logs.FilterMessage("メッセージの読み込みに失敗しました").Len(); got != 1 {
			t.Errorf("読み込み失敗ログ = %d件, want 1", got)
		}
	})

	t.Run("Closeでリーダーを閉じる", func(t *testing.T) {
		t.Parallel()
		reader := &fakeReader{}
		c := &Consumer{reader: reader, processor: NewProcessor(&fakeNotifier{}, zap.NewNop()), logger: zap.NewNop()}
		if err := c.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
		if !reader.closed {
			t.Error("リーダーが閉じられていない")
		}
	})
}

// fakeWriter は書き込まれたメッセージを記録する。
type fakeWriter struct {
	messages []kafka.Message
	err      error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestPublisher(t *testing.T) {
	t.Parallel()

	t.Run("NotificationSentイベントをユーザーIDをキーに発行する", func(t *testing.T) {
		t.Parallel()
		w := &fakeWriter{}
		p := &Publisher{writer: w}

		n := notification.Notification{ID: 12, UserID: 7, Title: "研修", Type: notification.CategoryTraining}
		if err := p.PublishNotificationSent(context.Background(), n); err != nil {
			t.Fatalf("PublishNotificationSent() error = %v", err)
		}

		if len(w.messages) != 1 {
			t.Fatalf("messages = %d件, want 1", len(w.messages))
		}
		msg := w.messages[0]
		if got := string(msg.Key); got != "7" {
			t.Errorf("Key = %q, want 7", got)
		}
		e, err := event.Decode(msg.Value)
		if err != nil {
			t.Fatalf("event.Decode() error = %v", err)
		}
		if e.EventType != event.TypeNotificationSent || e.AggregateID != "12" || e.AggregateType != event.AggregateTypeNotification {
			t.Errorf("event = %+v", e)
		}
		data, err := event.DecodeData[event.NotificationSentData](e)
		if err != nil {
			t.Fatalf("DecodeData() error = %v", err)
		}
		want := event.NotificationSentData{NotificationID: 12, UserID: 7, Title: "研修", Type: "Training"}
		if diff := cmp.Diff(want, *data); diff != "" {
			t.Errorf("data mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("書き込みの失敗をラップして返す", func(t *testing.T) {
		t.Parallel()
		cause := errors.New("leader not available")
		p := &Publisher{writer: &fakeWriter{err: cause}}

		err := p.PublishNotificationSent(context.Background(), notification.Notification{ID: 1, UserID: 1})
		if !errors.Is(err, cause) {
			t.Errorf("error = %v, want %v", err, cause)
		}
	})
}
