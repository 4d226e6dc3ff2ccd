package gateway

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// EventMetrics tracks event-related metrics
var EventMetrics = struct {
	EventsTotal    *prometheus.CounterVec
	GatewayLatency *prometheus.GaugeVec
}{
	EventsTotal: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_proxy_events_total",
			Help: "Total number of events processed, split by identifier and event type",
		},
		[]string{"application_identifier", "event_type"},
	),
	GatewayLatency: promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_proxy_gateway_latency_milliseconds",
			Help: "Gateway latency in milliseconds, measured by heartbeat",
		},
		[]string{"application_identifier"},
	),
}

func RecordEvent(identifier, eventType string) {
	EventMetrics.EventsTotal.WithLabelValues(identifier, eventType).Inc()
}

func UpdateGatewayLatency(identifier string, latency float64) {
	EventMetrics.GatewayLatency.WithLabelValues(identifier).Set(latency)
}

// ShardMetrics tracks shard-related metrics
var ShardMetrics = struct {
	ManagerStatus *prometheus.GaugeVec
	ShardStatus   *prometheus.GaugeVec
}{
	ManagerStatus: promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_proxy_manager_status",
			Help: "Status of the shard manager",
		},
		[]string{"application_identifier"},
	),
	ShardStatus: promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_proxy_shard_status",
			Help: "Status of the shard",
		},
		[]string{"application_identifier", "shard_id"},
	),
}

func UpdateManagerStatus(identifier string, status ManagerStatus) {
	ShardMetrics.ManagerStatus.WithLabelValues(identifier).Set(float64(status))
}

func UpdateShardStatus(identifier string, shardID int32, status ShardStatus) {
	ShardMetrics.ShardStatus.WithLabelValues(identifier, strconv.Itoa(int(shardID))).Set(float64(status))
}

// IdentifyMetrics tracks identify queue metrics
var IdentifyMetrics = struct {
	Waiting      prometheus.Gauge
	GrantsTotal  prometheus.Counter
	WaitDuration prometheus.Histogram
}{
	Waiting: promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_proxy_identify_waiting",
			Help: "Number of shards currently waiting for an identify grant",
		},
	),
	GrantsTotal: promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_proxy_identify_grants_total",
			Help: "Total number of identify grants issued",
		},
	),
	WaitDuration: promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gateway_proxy_identify_wait_duration_seconds",
			Help:    "Time spent waiting for an identify grant",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	),
}

func UpdateIdentifyWaiting(count int32) {
	IdentifyMetrics.Waiting.Set(float64(count))
}

func RecordIdentifyGrant() {
	IdentifyMetrics.GrantsTotal.Inc()
}

func ObserveIdentifyWait(duration time.Duration) {
	IdentifyMetrics.WaitDuration.Observe(duration.Seconds())
}

// ProxyMetrics tracks proxy-level metrics
var ProxyMetrics = struct {
	LifecycleDropped prometheus.Counter
}{
	LifecycleDropped: promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_proxy_lifecycle_events_dropped_total",
			Help: "Total number of lifecycle events dropped due to a slow consumer",
		},
	),
}

func RecordLifecycleDrop() {
	ProxyMetrics.LifecycleDropped.Inc()
}
