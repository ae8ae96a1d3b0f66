package middleware

import (
	"context"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// MemoryStats 内存统计
type MemoryStats struct {
	Alloc      uint64 `json:"alloc"` // 当前分配的内存 (字节)
	Sys        uint64 `json:"sys"`
	NumGC      uint32 `json:"num_gc"`
	Goroutines int    `json:"goroutines"`
	AllocMB    uint64 `json:"alloc_mb"`
	SysMB      uint64 `json:"sys_mb"`
}

// Sampler 周期采样的回调，例如 Worker 池和数据库连接统计
type Sampler func()

// MemoryMonitor 周期采样内存并驱动其它采样器
//
// 反编译大 APK 时 apktool 在子进程里，这里只反映本进程的占用。
type MemoryMonitor struct {
	logger   *logrus.Logger
	interval time.Duration
	metrics  *PrometheusMetrics
	samplers []Sampler

	mutex sync.RWMutex
	stats MemoryStats
}

// NewMemoryMonitor 创建监控器；metrics 可为 nil
func NewMemoryMonitor(logger *logrus.Logger, interval time.Duration, metrics *PrometheusMetrics, samplers ...Sampler) *MemoryMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &MemoryMonitor{
		logger:   logger,
		interval: interval,
		metrics:  metrics,
		samplers: samplers,
	}
}

// Run 采样直到 ctx 结束
func (m *MemoryMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Sample()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sample()
		}
	}
}

// Sample 立即采样一次
func (m *MemoryMonitor) Sample() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	stats := MemoryStats{
		Alloc:      ms.Alloc,
		Sys:        ms.Sys,
		NumGC:      ms.NumGC,
		Goroutines: runtime.NumGoroutine(),
		AllocMB:    ms.Alloc / 1024 / 1024,
		SysMB:      ms.Sys / 1024 / 1024,
	}

	m.mutex.Lock()
	m.stats = stats
	m.mutex.Unlock()

	if m.metrics != nil {
		m.metrics.UpdateMemoryStats(stats)
	}
	for _, s := range m.samplers {
		s()
	}

	m.logger.WithFields(logrus.Fields{
		"alloc_mb":   stats.AllocMB,
		"sys_mb":     stats.SysMB,
		"num_gc":     stats.NumGC,
		"goroutines": stats.Goroutines,
	}).Debug("Memory stats")

	if stats.AllocMB > 1536 {
		m.logger.WithField("alloc_mb", stats.AllocMB).Warn("High memory usage detected")
	}
}

// GetStats 获取当前统计信息
func (m *MemoryMonitor) GetStats() MemoryStats {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.stats
}

// MemoryEndpoint GET /api/system/memory
func (m *MemoryMonitor) MemoryEndpoint() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"memory": m.GetStats()})
	}
}
