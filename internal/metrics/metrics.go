// Package metrics はPrometheusメトリクスの収集を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector は専用のレジストリを持つメトリクスコレクター。
// nilのCollectorに対する記録は何もしない。
type Collector struct {
	registry *prometheus.Registry

	MigrationsTotal    *prometheus.CounterVec
	MigrationDuration  *prometheus.HistogramVec
	SeedRecordsTotal   *prometheus.CounterVec
	IntegrityScore     prometheus.Gauge
	IntegrityRuleTotal *prometheus.CounterVec
	Instances          *prometheus.GaugeVec
	HTTPRequestsTotal  *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成する。
func NewCollector(namespace string) *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		MigrationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "migrations_total",
			Help:      "Total number of migration operations",
		}, []string{"operation", "status"}),
		MigrationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "migration_duration_seconds",
			Help:      "Duration of migration operations in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		SeedRecordsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "seed_records_total",
			Help:      "Total number of seed records processed",
		}, []string{"table", "status"}),
		IntegrityScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "integrity_score",
			Help:      "Score of the most recent integrity evaluation",
		}),
		IntegrityRuleTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "integrity_rules_total",
			Help:      "Total number of evaluated integrity rules",
		}, []string{"category", "status"}),
		Instances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "test_instances",
			Help:      "Number of test database instances by status",
		}, []string{"status"}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status_code"}),
	}

	reg.MustRegister(
		c.MigrationsTotal,
		c.MigrationDuration,
		c.SeedRecordsTotal,
		c.IntegrityScore,
		c.IntegrityRuleTotal,
		c.Instances,
		c.HTTPRequestsTotal,
	)
	return c
}

// Registry はコレクターのレジストリを返す。
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler はメトリクスを返すHTTPハンドラーを返す。
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordMigration はマイグレーション操作を記録する。
func (c *Collector) RecordMigration(operation string, err error, d time.Duration) {
	if c == nil {
		return
	}
	c.MigrationsTotal.WithLabelValues(operation, status(err)).Inc()
	c.MigrationDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// RecordSeed はテーブルごとの投入件数と失敗件数を記録する。
func (c *Collector) RecordSeed(table string, inserted, failed int) {
	if c == nil {
		return
	}
	c.SeedRecordsTotal.WithLabelValues(table, "inserted").Add(float64(inserted))
	c.SeedRecordsTotal.WithLabelValues(table, "failed").Add(float64(failed))
}

// RecordIntegrityRule はルール1件の評価結果を記録する。
func (c *Collector) RecordIntegrityRule(category string, passed bool) {
	if c == nil {
		return
	}
	s := "passed"
	if !passed {
		s = "failed"
	}
	c.IntegrityRuleTotal.WithLabelValues(category, s).Inc()
}

// SetIntegrityScore は直近の整合性スコアを設定する。
func (c *Collector) SetIntegrityScore(score int) {
	if c == nil {
		return
	}
	c.IntegrityScore.Set(float64(score))
}

// SetInstances は状態ごとのインスタンス数を設定する。
func (c *Collector) SetInstances(counts map[string]int) {
	if c == nil {
		return
	}
	c.Instances.Reset()
	for s, n := range counts {
		c.Instances.WithLabelValues(s).Set(float64(n))
	}
}

// RecordHTTPRequest はHTTPリクエストを記録する。
func (c *Collector) RecordHTTPRequest(method, path, statusCode string) {
	if c == nil {
		return
	}
	c.HTTPRequestsTotal.WithLabelValues(method, path, statusCode).Inc()
}

func status(err error) string {
	if err != nil {
		return "failed"
	}
	return "success"
}
