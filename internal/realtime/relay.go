package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Delivery は1件の配信依頼。複数インスタンス間で中継される。
type Delivery struct {
	// UserID は配信先ユーザー。Broadcastの場合は使わない。
	UserID int64 `json:"user_id,omitempty"`
	// Broadcast は全接続への配信かどうか。
	Broadcast bool `json:"broadcast,omitempty"`
	// Event はイベント名。
	Event string `json:"event"`
	// Frame はクライアントへそのまま送るJSON。
	Frame json.RawMessage `json:"frame"`
}

// Relay は配信依頼を全インスタンスへ中継する。
type Relay interface {
	Publish(ctx context.Context, d Delivery) error
}

// RedisRelay はRedisのPub/Subで配信依頼を中継する。
type RedisRelay struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger
}

// NewRedisRelay は新しいRedisRelayを生成する。
func NewRedisRelay(client *redis.Client, channel string, logger *zap.Logger) *RedisRelay {
	return &RedisRelay{
		client:  client,
		channel: channel,
		logger:  logger.Named("relay"),
	}
}

// Publish は配信依頼をチャンネルへ発行する。
func (r *RedisRelay) Publish(ctx context.Context, d Delivery) error {
	b, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("配信依頼のエンコードに失敗しました: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, b).Err(); err != nil {
		return fmt.Errorf("配信依頼の発行に失敗しました: %w", err)
	}
	return nil
}

// Run はチャンネルを購読し、受信した配信依頼をdeliverへ渡す。ctxが終了するまで戻らない。
func (r *RedisRelay) Run(ctx context.Context, deliver func(Delivery) int) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("チャンネル %s の購読に失敗しました: %w", r.channel, err)
	}
	r.logger.Info("中継チャンネルを購読しました", zap.String("channel", r.channel))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("購読チャンネルが閉じられました")
			}
			d, err := decodeDelivery([]byte(msg.Payload))
			if err != nil {
				r.logger.Warn("配信依頼を解釈できません", zap.Error(err))
				continue
			}
			deliver(d)
		}
	}
}

func decodeDelivery(b []byte) (Delivery, error) {
	var d Delivery
	if err := json.Unmarshal(b, &d); err != nil {
		return Delivery{}, fmt.Errorf("配信依頼のデコードに失敗しました: %w", err)
	}
	if d.Event == "" || len(d.Frame) == 0 {
		return Delivery{}, errors.New("配信依頼にeventまたはframeがありません")
	}
	if !d.Broadcast && d.UserID <= 0 {
		return Delivery{}, fmt.Errorf("配信先ユーザーが不正です(%d)", d.UserID)
	}
	return d, nil
}
