package service

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"zapps-voting/models"
	"zapps-voting/relayer"
)

// MetricsCollector exports prometheus collectors on its own registry and
// keeps a small JSON summary per operation. A nil collector ignores every
// call.
type MetricsCollector struct {
	registry *prometheus.Registry

	votesTotal       *prometheus.CounterVec
	workflowDuration prometheus.Histogram
	pollAttempts     prometheus.Histogram
	relayerEvents    *prometheus.CounterVec
	cacheLookups     *prometheus.CounterVec
	analyticsFetches *prometheus.CounterVec
	syncsTotal       *prometheus.CounterVec

	mu        sync.RWMutex
	voting    operationStats
	syncing   operationStats
	analytics operationStats
}

type operationStats struct {
	start time.Time
	end   time.Time
	count int
	total time.Duration
}

// OperationMetrics contains timing information for an operation
type OperationMetrics struct {
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time"`
	Count          int       `json:"count"`
	ProcessingTime int64     `json:"processing_time_ms"`
}

// MetricsResponse provides the metrics for all operations
type MetricsResponse struct {
	Voting    OperationMetrics `json:"voting"`
	Sync      OperationMetrics `json:"sync"`
	Analytics OperationMetrics `json:"analytics"`
}

func NewMetricsCollector() *MetricsCollector {
	mc := &MetricsCollector{
		registry: prometheus.NewRegistry(),
		votesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zapps_votes_total",
			Help: "Vote submissions by outcome.",
		}, []string{"outcome"}),
		workflowDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "zapps_vote_workflow_duration_seconds",
			Help:    "Time from submit to a terminal workflow state.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		pollAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "zapps_decryption_poll_attempts",
			Help:    "Decryption poll attempts used per vote.",
			Buckets: prometheus.LinearBuckets(1, 3, 11),
		}),
		relayerEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zapps_relayer_events_total",
			Help: "Relayer log events by type.",
		}, []string{"event"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zapps_rating_cache_lookups_total",
			Help: "Rating cache reads by result.",
		}, []string{"result"}),
		analyticsFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zapps_analytics_fetches_total",
			Help: "Analytics snapshots served, by source.",
		}, []string{"source"}),
		syncsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zapps_rating_syncs_total",
			Help: "Rating sync calls by kind.",
		}, []string{"kind"}),
	}

	mc.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		mc.votesTotal,
		mc.workflowDuration,
		mc.pollAttempts,
		mc.relayerEvents,
		mc.cacheLookups,
		mc.analyticsFetches,
		mc.syncsTotal,
	)
	return mc
}

// Handler serves the registry in the prometheus exposition format.
func (mc *MetricsCollector) Handler() http.Handler {
	if mc == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(mc.registry, promhttp.HandlerOpts{})
}

func (mc *MetricsCollector) Registry() *prometheus.Registry {
	if mc == nil {
		return nil
	}
	return mc.registry
}

func (s *operationStats) record(d time.Duration) {
	now := time.Now()
	if s.count == 0 {
		s.start = now.Add(-d)
	}
	s.count++
	s.end = now
	s.total += d
}

func (s operationStats) view() OperationMetrics {
	return OperationMetrics{
		StartTime:      s.start,
		EndTime:        s.end,
		Count:          s.count,
		ProcessingTime: s.total.Milliseconds(),
	}
}

// RecordVote records one finished vote workflow.
func (mc *MetricsCollector) RecordVote(outcome models.VoteOutcome, d time.Duration, pollAttempts int) {
	if mc == nil {
		return
	}
	mc.votesTotal.WithLabelValues(string(outcome)).Inc()
	mc.workflowDuration.Observe(d.Seconds())
	if pollAttempts > 0 {
		mc.pollAttempts.Observe(float64(pollAttempts))
	}

	mc.mu.Lock()
	mc.voting.record(d)
	mc.mu.Unlock()
}

// RecordSync records one AutoSync call; kind is "fetch" or "decrypt".
func (mc *MetricsCollector) RecordSync(kind string, d time.Duration) {
	if mc == nil {
		return
	}
	mc.syncsTotal.WithLabelValues(kind).Inc()

	mc.mu.Lock()
	mc.syncing.record(d)
	mc.mu.Unlock()
}

func (mc *MetricsCollector) RecordCacheLookup(hit bool) {
	if mc == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	mc.cacheLookups.WithLabelValues(result).Inc()
}

// RecordAnalytics records a served snapshot; source is "chain" or "cache".
func (mc *MetricsCollector) RecordAnalytics(source string, d time.Duration) {
	if mc == nil {
		return
	}
	mc.analyticsFetches.WithLabelValues(source).Inc()

	mc.mu.Lock()
	mc.analytics.record(d)
	mc.mu.Unlock()
}

// ObserveRelayer counts every entry of the relayer's log stream until the
// returned function is called.
func (mc *MetricsCollector) ObserveRelayer(logs *relayer.LogStream) func() {
	if mc == nil || logs == nil {
		return func() {}
	}
	return logs.Subscribe(func(e models.LogEntry) {
		mc.relayerEvents.WithLabelValues(e.Event).Inc()
	})
}

// GetMetrics returns current metrics for all operations
func (mc *MetricsCollector) GetMetrics() MetricsResponse {
	if mc == nil {
		return MetricsResponse{}
	}
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	return MetricsResponse{
		Voting:    mc.voting.view(),
		Sync:      mc.syncing.view(),
		Analytics: mc.analytics.view(),
	}
}

// Reset clears the JSON summary. Prometheus counters are monotonic and
// are left alone.
func (mc *MetricsCollector) Reset() {
	if mc == nil {
		return
	}
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.voting = operationStats{}
	mc.syncing = operationStats{}
	mc.analytics = operationStats{}
}
