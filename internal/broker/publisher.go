package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/segmentio/kafka-go"

	"github.com/nao1215/staffhub/internal/notification"
	"github.com/nao1215/staffhub/pkg/event"
)

// messageWriter はkafka.Writerのうち使用する操作。
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher は通知作成のドメインイベントをKafkaへ発行する。
// notification.EventPublisherを実装する。
type Publisher struct {
	writer messageWriter
}

var _ notification.EventPublisher = (*Publisher)(nil)

// NewPublisher は新しいPublisherを生成する。
func NewPublisher(brokers []string, topic string) *Publisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	return &Publisher{writer: w}
}

// PublishNotificationSent はNotificationSentイベントを発行する。
// 同じユーザーのイベントが同じパーティションに入るよう、キーにはユーザーIDを使う。
func (p *Publisher) PublishNotificationSent(ctx context.Context, n notification.Notification) error {
	e, err := event.New(strconv.FormatInt(n.ID, 10), event.AggregateTypeNotification, event.TypeNotificationSent, event.NotificationSentData{
		NotificationID: n.ID,
		UserID:         n.UserID,
		Title:          n.Title,
		Type:           string(n.Type),
	})
	if err != nil {
		return err
	}
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("イベントのシリアライズに失敗しました: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(strconv.FormatInt(n.UserID, 10)),
		Value: b,
		Time:  e.CreatedAt,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("NotificationSentイベントの発行に失敗しました: %w", err)
	}
	return nil
}

// Close はWriterを閉じる。
func (p *Publisher) Close() error {
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("Kafka Writerのクローズに失敗しました: %w", err)
	}
	return nil
}
