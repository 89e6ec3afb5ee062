// Package metrics は通知サービスのPrometheusメトリクスを定義する。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "staffhub"

var (
	// ConnectionsActive は現在接続中のWebSocket接続数。
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "realtime",
		Name:      "connections_active",
		Help:      "現在接続中のWebSocket接続数",
	})

	// ConnectionsRejected は認証に失敗して拒否された接続数。
	ConnectionsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "realtime",
		Name:      "connections_rejected_total",
		Help:      "認証に失敗して拒否された接続数",
	})

	// EventsPushed はクライアントへ送出したイベント数（イベント名別）。
	EventsPushed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "realtime",
		Name:      "events_pushed_total",
		Help:      "クライアントへ送出したイベント数",
	}, []string{"event"})

	// EventsDropped は送信バッファが満杯で破棄したイベント数。
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "realtime",
		Name:      "events_dropped_total",
		Help:      "送信バッファが満杯で破棄したイベント数",
	})

	// CommandsReceived はクライアントから受信したコマンド数（イベント名別）。
	CommandsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "realtime",
		Name:      "commands_received_total",
		Help:      "クライアントから受信したコマンド数",
	}, []string{"event"})

	// CommandsRateLimited はレート制限により破棄したコマンド数。
	CommandsRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "realtime",
		Name:      "commands_rate_limited_total",
		Help:      "レート制限により破棄したコマンド数",
	})

	// NotificationsCreated は作成に成功した通知数（カテゴリ別）。
	NotificationsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "notification",
		Name:      "created_total",
		Help:      "作成に成功した通知数",
	}, []string{"type"})

	// BulkFailures は一括作成で失敗した宛先数。
	BulkFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "notification",
		Name:      "bulk_failures_total",
		Help:      "一括作成で失敗した宛先数",
	})
)

// Handler はPrometheusのスクレイピング用http.Handlerを返す。
func Handler() http.Handler {
	return promhttp.Handler()
}
