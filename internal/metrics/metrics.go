// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ハブやミドルウェアから利用する。
type MetricsCollector interface {
	ConnectionOpened()
	ConnectionClosed()
	RecordHandshakeRejected()
	RecordBroadcast(receiverCount int)
	RecordSendDropped()
	RecordAuthFailure(cause string)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	activeConnections prometheus.Gauge
	handshakeRejected prometheus.Counter
	broadcastsRelayed prometheus.Counter
	messagesDelivered prometheus.Counter
	sendsDropped      prometheus.Counter
	authFailures      *prometheus.CounterVec
	httpStatus        *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatgate_active_connections",
			Help: "認証済みWebSocket接続の現在数",
		}),
		handshakeRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatgate_handshake_rejected_total",
			Help: "ハンドシェイク認証の拒否件数",
		}),
		broadcastsRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatgate_broadcasts_relayed_total",
			Help: "中継されたブロードキャストメッセージの合計数",
		}),
		messagesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatgate_messages_delivered_total",
			Help: "各接続に配送されたメッセージの合計数",
		}),
		sendsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatgate_sends_dropped_total",
			Help: "低速な受信側への送信中断件数",
		}),
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatgate_auth_failures_total",
			Help: "トークン検証失敗の原因別件数",
		}, []string{"cause"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatgate_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.activeConnections,
		c.handshakeRejected,
		c.broadcastsRelayed,
		c.messagesDelivered,
		c.sendsDropped,
		c.authFailures,
		c.httpStatus,
	)

	return c
}

// ConnectionOpened は認証済み接続の確立を記録する。
func (c *Collector) ConnectionOpened() {
	c.activeConnections.Inc()
}

// ConnectionClosed は接続の切断を記録する。
func (c *Collector) ConnectionClosed() {
	c.activeConnections.Dec()
}

// RecordHandshakeRejected はハンドシェイク認証の拒否を記録する。
func (c *Collector) RecordHandshakeRejected() {
	c.handshakeRejected.Inc()
}

// RecordBroadcast はブロードキャストの中継と配送先数を記録する。
func (c *Collector) RecordBroadcast(receiverCount int) {
	c.broadcastsRelayed.Inc()
	c.messagesDelivered.Add(float64(receiverCount))
}

// RecordSendDropped は低速受信側への送信中断を記録する。
func (c *Collector) RecordSendDropped() {
	c.sendsDropped.Inc()
}

// RecordAuthFailure はトークン検証失敗を原因別に記録する。
func (c *Collector) RecordAuthFailure(cause string) {
	c.authFailures.WithLabelValues(cause).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// compile-time interface check
var _ MetricsCollector = (*Collector)(nil)
