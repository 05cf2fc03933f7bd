// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// リプレイ結果のラベル値
const (
	ReplayResolved = "resolved"
	ReplayFailed   = "failed"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ミドルウェア・サービス層・ワーカーから利用する。
type MetricsCollector interface {
	RecordHTTPRequest(method, route string, statusCode int, duration time.Duration)
	RecordUserUpsert(outcome string)
	RecordSupportMessage()
	RecordReconcileFailure(source string)
	RecordReconcileEnqueued()
	RecordReconcileReplay(result string)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	httpRequests     *prometheus.CounterVec
	httpLatency      *prometheus.HistogramVec
	userUpserts      *prometheus.CounterVec
	supportMessages  prometheus.Counter
	reconcileFail    *prometheus.CounterVec
	reconcileQueued  prometheus.Counter
	reconcileReplays *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "citysphere_http_requests_total",
			Help: "HTTPリクエスト数（メソッド・ルート・ステータスコード別）",
		}, []string{"method", "route", "status_code"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "citysphere_http_request_duration_seconds",
			Help:    "HTTPリクエストの処理時間（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		userUpserts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "citysphere_user_upserts_total",
			Help: "ユーザーアップサート数（created/updated別）",
		}, []string{"outcome"}),
		supportMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "citysphere_support_messages_total",
			Help: "受け付けたお問い合わせメッセージの合計数",
		}),
		reconcileFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "citysphere_reconcile_failures_total",
			Help: "認証後のユーザーリコンサイル失敗数（signup/signin別）",
		}, []string{"source"}),
		reconcileQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "citysphere_reconcile_enqueued_total",
			Help: "再実行キューに登録されたリコンサイル要求の合計数",
		}),
		reconcileReplays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "citysphere_reconcile_replays_total",
			Help: "ワーカーによるリコンサイル再実行数（resolved/failed別）",
		}, []string{"result"}),
	}

	reg.MustRegister(
		c.httpRequests,
		c.httpLatency,
		c.userUpserts,
		c.supportMessages,
		c.reconcileFail,
		c.reconcileQueued,
		c.reconcileReplays,
	)

	return c
}

// RecordHTTPRequest はHTTPリクエストの件数と処理時間を記録する。
// routeにはchiのルートパターン（/api/users/{externalId}等）を渡し、ラベルの濃度を抑える。
func (c *Collector) RecordHTTPRequest(method, route string, statusCode int, duration time.Duration) {
	c.httpRequests.WithLabelValues(method, route, strconv.Itoa(statusCode)).Inc()
	c.httpLatency.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordUserUpsert はアップサート結果を記録する。
func (c *Collector) RecordUserUpsert(outcome string) {
	c.userUpserts.WithLabelValues(outcome).Inc()
}

// RecordSupportMessage はお問い合わせの受付を記録する。
func (c *Collector) RecordSupportMessage() {
	c.supportMessages.Inc()
}

// RecordReconcileFailure はリコンサイル失敗を記録する。
func (c *Collector) RecordReconcileFailure(source string) {
	c.reconcileFail.WithLabelValues(source).Inc()
}

// RecordReconcileEnqueued は再実行キューへの登録を記録する。
func (c *Collector) RecordReconcileEnqueued() {
	c.reconcileQueued.Inc()
}

// RecordReconcileReplay は再実行の結果を記録する。
func (c *Collector) RecordReconcileReplay(result string) {
	c.reconcileReplays.WithLabelValues(result).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

var _ MetricsCollector = (*Collector)(nil)
