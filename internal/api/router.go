package api

import (
	"net/http"
	"time"

	"github.com/apk-purifier/apk-purifier-go/internal/api/handlers"
	"github.com/apk-purifier/apk-purifier-go/internal/config"
	"github.com/apk-purifier/apk-purifier-go/internal/middleware"
	"github.com/apk-purifier/apk-purifier-go/internal/service"
	"github.com/apk-purifier/apk-purifier-go/internal/toolprobe"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Deps 路由依赖
type Deps struct {
	Jobs       service.JobService
	Tools      handlers.ToolProber
	Events     *handlers.EventHub
	Metrics    *middleware.PrometheusMetrics // 可为 nil
	MemMonitor *middleware.MemoryMonitor     // 可为 nil
}

func SetupRouter(cfg *config.Config, logger *logrus.Logger, deps Deps) *gin.Engine {
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	// 全局中间件
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(logger))
	r.Use(CORSMiddleware())

	if deps.Metrics != nil {
		r.Use(deps.Metrics.HTTPMiddleware())
		r.GET("/metrics", deps.Metrics.Handler())
	}

	jobHandler := handlers.NewJobHandler(deps.Jobs, logger)
	fileHandler := handlers.NewFileHandler(deps.Jobs, logger, cfg.Workspace.UploadDir, cfg.Server.MaxUploadMB)

	var onProbe func(map[string]toolprobe.Descriptor)
	if deps.Metrics != nil {
		onProbe = deps.Metrics.UpdateToolAvailability
	}
	toolHandler := handlers.NewToolHandler(deps.Tools, onProbe, logger)

	// 提交类接口限流
	submitLimit := RateLimitMiddleware(NewSubmitLimiter(cfg.Server))

	if deps.Events != nil {
		r.GET("/ws/jobs", deps.Events.HandleWebSocket)
		r.GET("/ws/jobs/:id", deps.Events.HandleWebSocket)
	}

	v1 := r.Group("/api")
	{
		// 健康检查（无需认证）
		v1.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"status":  "ok",
				"version": "1.0.0",
			})
		})

		authed := v1.Group("", middleware.AuthMiddleware(cfg.Server.APIToken))

		authed.GET("/stats", jobHandler.GetStats)

		// 任务管理
		authed.POST("/jobs", submitLimit, jobHandler.CreateJob)
		authed.GET("/jobs", jobHandler.ListJobs)
		authed.GET("/jobs/:id", jobHandler.GetJob)
		authed.POST("/jobs/:id/cancel", jobHandler.CancelJob)
		authed.GET("/jobs/:id/artifact", fileHandler.DownloadArtifact)

		// 文件上传
		authed.POST("/upload", submitLimit, fileHandler.UploadAPK)

		// 外部工具
		authed.GET("/tools", toolHandler.ListTools)
		authed.POST("/tools/refresh", toolHandler.RefreshTools)

		if deps.MemMonitor != nil {
			authed.GET("/system/memory", deps.MemMonitor.MemoryEndpoint())
		}
	}

	return r
}

// NewSubmitLimiter 按配置创建令牌桶；submit_rate 为 0 时返回 nil（不限流）
func NewSubmitLimiter(cfg config.ServerConfig) *rate.Limiter {
	if cfg.SubmitRate <= 0 {
		return nil
	}
	burst := cfg.SubmitBurst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(cfg.SubmitRate), burst)
}

// RateLimitMiddleware 超出速率时返回 429
func RateLimitMiddleware(limiter *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter != nil && !limiter.Allow() {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "too many submissions, slow down",
			})
			return
		}
		c.Next()
	}
}

// LoggerMiddleware 日志中间件
func LoggerMiddleware(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		c.Next()

		latency := time.Since(startTime)
		statusCode := c.Writer.Status()
		method := c.Request.Method
		path := c.Request.URL.Path

		logger.WithFields(logrus.Fields{
			"status":  statusCode,
			"method":  method,
			"path":    path,
			"latency": latency.Milliseconds(),
		}).Info("HTTP Request")
	}
}

// CORSMiddleware CORS 中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
