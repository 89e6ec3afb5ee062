package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// retryInterval は読み込み失敗後に再試行するまでの待ち時間。
const retryInterval = time.Second

// messageReader はkafka.Readerのうち使用する操作。
type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Consumer は通知要求トピックを購読し、Processorで処理する。
// 処理に失敗したメッセージはログに残して読み飛ばす。
type Consumer struct {
	reader    messageReader
	processor *Processor
	logger    *zap.Logger
}

// NewConsumer は新しいConsumerを生成する。
func NewConsumer(brokers []string, topic, groupID string, processor *Processor, logger *zap.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return &Consumer{
		reader:    r,
		processor: processor,
		logger:    logger.Named("consumer").With(zap.String("topic", topic)),
	}
}

// Run はctxが終了するまでメッセージを読み続ける。
// メッセージは受信順に1件ずつ処理する。
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("通知要求の購読を開始しました")
	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("メッセージの読み込みに失敗しました", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(retryInterval):
			}
			continue
		}

		if err := c.processor.Handle(ctx, m.Value); err != nil {
			c.logger.Warn("通知要求を処理できませんでした",
				zap.Int("partition", m.Partition),
				zap.Int64("offset", m.Offset),
				zap.Error(err),
			)
		}
	}
}

// Close はReaderを閉じる。
func (c *Consumer) Close() error {
	if err := c.reader.Close(); err != nil {
		return fmt.Errorf("Kafka Readerのクローズに失敗しました: %w", err)
	}
	return nil
}
