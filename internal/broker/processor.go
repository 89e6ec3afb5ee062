package broker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/nao1215/staffhub/internal/notification"
	"github.com/nao1215/staffhub/pkg/event"
)

// ErrUnsupportedEvent は処理対象外のイベント種別を受け取った場合のエラー。
var ErrUnsupportedEvent = errors.New("処理対象外のイベントです")

// Notifier は通知要求を処理する通知サービスの操作。
type Notifier interface {
	Create(ctx context.Context, in notification.CreateInput) (notification.Notification, error)
	CreateBulk(ctx context.Context, userIDs []int64, title, content, typ string) (notification.BulkResult, error)
	CreateForDepartment(ctx context.Context, departmentID int64, title, content, typ string) (notification.BulkResult, error)
}

// Processor は通知要求イベントを通知サービスの呼び出しに変換する。
type Processor struct {
	notifier Notifier
	logger   *zap.Logger
}

// NewProcessor は新しいProcessorを生成する。
func NewProcessor(notifier Notifier, logger *zap.Logger) *Processor {
	return &Processor{notifier: notifier, logger: logger}
}

// Handle は1件のメッセージを処理する。
func (p *Processor) Handle(ctx context.Context, value []byte) error {
	e, err := event.Decode(value)
	if err != nil {
		return err
	}

	switch e.EventType {
	case event.TypeNotificationRequested:
		data, err := event.DecodeData[event.NotificationRequestedData](e)
		if err != nil {
			return err
		}
		n, err := p.notifier.Create(ctx, notification.CreateInput{
			UserID:  data.UserID,
			Title:   data.Title,
			Content: data.Content,
			Type:    data.Type,
		})
		if err != nil {
			return fmt.Errorf("通知の作成に失敗しました(event_id=%s): %w", e.ID, err)
		}
		p.logger.Debug("通知要求を処理しました", zap.String("event_id", e.ID), zap.Int64("notification_id", n.ID))

	case event.TypeBulkNotificationRequested:
		data, err := event.DecodeData[event.BulkNotificationRequestedData](e)
		if err != nil {
			return err
		}
		res, err := p.notifier.CreateBulk(ctx, data.UserIDs, data.Title, data.Content, data.Type)
		if err != nil {
			return fmt.Errorf("一括通知の作成に失敗しました(event_id=%s): %w", e.ID, err)
		}
		p.logBulk(e, res)

	case event.TypeDepartmentNotificationRequested:
		data, err := event.DecodeData[event.DepartmentNotificationRequestedData](e)
		if err != nil {
			return err
		}
		res, err := p.notifier.CreateForDepartment(ctx, data.DepartmentID, data.Title, data.Content, data.Type)
		if err != nil {
			return fmt.Errorf("部署通知の作成に失敗しました(event_id=%s): %w", e.ID, err)
		}
		p.logBulk(e, res)

	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedEvent, e.EventType)
	}
	return nil
}

func (p *Processor) logBulk(e *event.Event, res notification.BulkResult) {
	p.logger.Info("一括通知要求を処理しました",
		zap.String("event_id", e.ID),
		zap.String("event_type", string(e.EventType)),
		zap.Int("requested", res.Requested),
		zap.Int("succeeded", res.Succeeded),
	)
}
