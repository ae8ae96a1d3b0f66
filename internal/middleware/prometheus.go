package middleware

import (
	"strconv"
	"sync"
	"time"

	"github.com/apk-purifier/apk-purifier-go/internal/domain"
	"github.com/apk-purifier/apk-purifier-go/internal/toolprobe"
	"github.com/apk-purifier/apk-purifier-go/internal/worker"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// PrometheusMetrics Prometheus 指标收集器
//
// 每个实例使用独立的 Registry；同时实现 worker.Listener，
// 由任务状态迁移事件驱动业务指标。
type PrometheusMetrics struct {
	logger   *logrus.Logger
	registry *prometheus.Registry

	// HTTP 请求指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 任务指标
	jobsTotal         *prometheus.CounterVec
	jobsInProgress    prometheus.Gauge
	jobDuration       *prometheus.HistogramVec
	stageTransitions  *prometheus.CounterVec
	jobFailures       *prometheus.CounterVec
	backendSelections *prometheus.CounterVec

	// 工具指标
	toolAvailable *prometheus.GaugeVec

	// 系统指标
	memoryUsage     prometheus.Gauge
	goroutinesCount prometheus.Gauge
	gcCount         prometheus.Gauge

	// Worker Pool 指标
	workerPoolSize      prometheus.Gauge
	workerPoolActive    prometheus.Gauge
	workerPoolQueueSize prometheus.Gauge

	// 数据库指标
	dbConnectionsOpen  prometheus.Gauge
	dbConnectionsIdle  prometheus.Gauge
	dbConnectionsInUse prometheus.Gauge

	mu      sync.Mutex
	started map[string]time.Time // 运行中任务的开始时间
}

// NewPrometheusMetrics 创建 Prometheus 指标收集器
func NewPrometheusMetrics(logger *logrus.Logger, namespace string) *PrometheusMetrics {
	if namespace == "" {
		namespace = "apk_purifier"
	}
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	pm := &PrometheusMetrics{
		logger:   logger,
		registry: reg,
		started:  make(map[string]time.Time),

		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latencies in seconds",
				Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
			[]string{"method", "path"},
		),

		jobsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_total",
				Help:      "Total number of finished jobs",
			},
			[]string{"operation", "state"}, // state: DONE, FAILED
		),
		jobsInProgress: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "jobs_in_progress",
				Help:      "Number of jobs currently in the pipeline",
			},
		),
		jobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Job execution duration in seconds",
				Buckets:   []float64{10, 30, 60, 120, 300, 600, 1200, 1800, 3600},
			},
			[]string{"operation", "state"},
		),
		stageTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_transitions_total",
				Help:      "Total number of pipeline state transitions",
			},
			[]string{"state"},
		),
		jobFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "job_failures_total",
				Help:      "Total number of failed jobs by stage and failure kind",
			},
			[]string{"stage", "kind"},
		),
		backendSelections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_selections_total",
				Help:      "Total number of decompiler backend selections",
			},
			[]string{"backend", "fallback"},
		),

		toolAvailable: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tool_available",
				Help:      "Whether an external tool was available at the last probe (1/0)",
			},
			[]string{"tool"},
		),

		memoryUsage: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_usage_bytes",
				Help:      "Current memory usage in bytes",
			},
		),
		goroutinesCount: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutines_count",
				Help:      "Current number of goroutines",
			},
		),
		gcCount: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "gc_count",
				Help:      "Number of completed GC cycles",
			},
		),

		workerPoolSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_pool_size",
				Help:      "Total number of workers in the pool",
			},
		),
		workerPoolActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_pool_active",
				Help:      "Number of active workers",
			},
		),
		workerPoolQueueSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_pool_queue_size",
				Help:      "Number of jobs waiting in queue",
			},
		),

		dbConnectionsOpen: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_connections_open",
				Help:      "Number of open database connections",
			},
		),
		dbConnectionsIdle: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_connections_idle",
				Help:      "Number of idle database connections",
			},
		),
		dbConnectionsInUse: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_connections_in_use",
				Help:      "Number of database connections in use",
			},
		),
	}

	logger.Info("Prometheus metrics initialized")
	return pm
}

// HTTPMiddleware HTTP 请求监控中间件
func (pm *PrometheusMetrics) HTTPMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		pm.httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		pm.httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(duration)
	}
}

// Handler 返回 Prometheus HTTP Handler
func (pm *PrometheusMetrics) Handler() gin.HandlerFunc {
	h := promhttp.HandlerFor(pm.registry, promhttp.HandlerOpts{})
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// Registry 底层 Registry，测试和额外 collector 使用
func (pm *PrometheusMetrics) Registry() *prometheus.Registry {
	return pm.registry
}

// OnJobEvent 实现 worker.Listener
func (pm *PrometheusMetrics) OnJobEvent(e worker.Event) {
	pm.stageTransitions.WithLabelValues(string(e.State)).Inc()

	switch e.State {
	case domain.JobStateSelectBackend:
		pm.mu.Lock()
		if _, ok := pm.started[e.JobID]; !ok {
			pm.started[e.JobID] = e.At
			pm.jobsInProgress.Inc()
		}
		pm.mu.Unlock()

	case domain.JobStateDecompiling:
		if e.Backend != "" {
			pm.backendSelections.WithLabelValues(e.Backend, strconv.FormatBool(e.FallbackUsed)).Inc()
		}

	case domain.JobStateDone, domain.JobStateFailed:
		pm.jobsTotal.WithLabelValues(string(e.Operation), string(e.State)).Inc()
		if e.State == domain.JobStateFailed {
			pm.jobFailures.WithLabelValues(string(e.FailedStage), string(e.FailureKind)).Inc()
		}

		pm.mu.Lock()
		start, ok := pm.started[e.JobID]
		delete(pm.started, e.JobID)
		pm.mu.Unlock()
		if ok {
			pm.jobsInProgress.Dec()
			pm.jobDuration.WithLabelValues(string(e.Operation), string(e.State)).Observe(e.At.Sub(start).Seconds())
		}
	}
}

// UpdateToolAvailability 根据探测结果更新工具可用性
func (pm *PrometheusMetrics) UpdateToolAvailability(descs map[string]toolprobe.Descriptor) {
	for id, d := range descs {
		v := 0.0
		if d.Available {
			v = 1
		}
		pm.toolAvailable.WithLabelValues(id).Set(v)
	}
}

// UpdateMemoryStats 更新内存统计
func (pm *PrometheusMetrics) UpdateMemoryStats(stats MemoryStats) {
	pm.memoryUsage.Set(float64(stats.Alloc))
	pm.goroutinesCount.Set(float64(stats.Goroutines))
	pm.gcCount.Set(float64(stats.NumGC))
}

// UpdateWorkerPoolStats 更新 Worker Pool 统计
func (pm *PrometheusMetrics) UpdateWorkerPoolStats(size, active, queueSize int) {
	pm.workerPoolSize.Set(float64(size))
	pm.workerPoolActive.Set(float64(active))
	pm.workerPoolQueueSize.Set(float64(queueSize))
}

// UpdateDBStats 更新数据库连接统计
func (pm *PrometheusMetrics) UpdateDBStats(open, idle, inUse int) {
	pm.dbConnectionsOpen.Set(float64(open))
	pm.dbConnectionsIdle.Set(float64(idle))
	pm.dbConnectionsInUse.Set(float64(inUse))
}
