// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// サービス層・ワーカー・ミドルウェアから利用する。
type MetricsCollector interface {
	RecordEntriesCreated(count int)
	RecordDuplicateRejected()
	RecordCacheHit(cache string)
	RecordCacheMiss(cache string)
	RecordHTTPStatus(statusCode int)
	RecordSyncSuccess(country string)
	RecordSyncFailure(country string)
	RecordFetchLatency(duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	entriesCreated prometheus.Counter
	duplicates     prometheus.Counter
	cacheHits      *prometheus.CounterVec
	cacheMisses    *prometheus.CounterVec
	httpStatus     *prometheus.CounterVec
	syncSuccess    *prometheus.CounterVec
	syncFail       *prometheus.CounterVec
	fetchLatency   prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		entriesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartman_entries_created_total",
			Help: "作成されたチャートエントリの合計数",
		}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartman_duplicates_rejected_total",
			Help: "identity key重複で拒否された登録の合計数",
		}),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chartman_cache_hits_total",
			Help: "キャッシュヒットの合計数",
		}, []string{"cache"}),
		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chartman_cache_misses_total",
			Help: "キャッシュミスの合計数",
		}, []string{"cache"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chartman_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		syncSuccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chartman_sync_success_total",
			Help: "チャート同期成功の合計数",
		}, []string{"country"}),
		syncFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chartman_sync_fail_total",
			Help: "チャート同期失敗の合計数",
		}, []string{"country"}),
		fetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chartman_fetch_latency_seconds",
			Help:    "外部チャートフィード取得のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.entriesCreated,
		c.duplicates,
		c.cacheHits,
		c.cacheMisses,
		c.httpStatus,
		c.syncSuccess,
		c.syncFail,
		c.fetchLatency,
	)

	return c
}

// RecordEntriesCreated は作成されたエントリ数を記録する。
func (c *Collector) RecordEntriesCreated(count int) {
	c.entriesCreated.Add(float64(count))
}

// RecordDuplicateRejected は重複拒否を記録する。
func (c *Collector) RecordDuplicateRejected() {
	c.duplicates.Inc()
}

// RecordCacheHit はキャッシュヒットを記録する。
func (c *Collector) RecordCacheHit(cache string) {
	c.cacheHits.WithLabelValues(cache).Inc()
}

// RecordCacheMiss はキャッシュミスを記録する。
func (c *Collector) RecordCacheMiss(cache string) {
	c.cacheMisses.WithLabelValues(cache).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordSyncSuccess はチャート同期成功を記録する。
func (c *Collector) RecordSyncSuccess(country string) {
	c.syncSuccess.WithLabelValues(country).Inc()
}

// RecordSyncFailure はチャート同期失敗を記録する。
func (c *Collector) RecordSyncFailure(country string) {
	c.syncFail.WithLabelValues(country).Inc()
}

// RecordFetchLatency は外部フィード取得のレイテンシを記録する。
func (c *Collector) RecordFetchLatency(duration time.Duration) {
	c.fetchLatency.Observe(duration.Seconds())
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

// Nop は何も記録しないコレクター。メトリクスが不要な文脈で使用する。
type Nop struct{}

func (Nop) RecordEntriesCreated(int)         {}
func (Nop) RecordDuplicateRejected()         {}
func (Nop) RecordCacheHit(string)            {}
func (Nop) RecordCacheMiss(string)           {}
func (Nop) RecordHTTPStatus(int)             {}
func (Nop) RecordSyncSuccess(string)         {}
func (Nop) RecordSyncFailure(string)         {}
func (Nop) RecordFetchLatency(time.Duration) {}

// compile-time interface checks
var _ MetricsCollector = (*Collector)(nil)
var _ MetricsCollector = Nop{}
