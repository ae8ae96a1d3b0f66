package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/apk-purifier/apk-purifier-go/internal/apkinfo"
	"github.com/apk-purifier/apk-purifier-go/internal/service"
	"github.com/apk-purifier/apk-purifier-go/internal/worker"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// JobHandler 任务处理器
type JobHandler struct {
	jobService service.JobService
	logger     *logrus.Logger
}

// NewJobHandler 创建任务处理器实例
func NewJobHandler(jobService service.JobService, logger *logrus.Logger) *JobHandler {
	return &JobHandler{
		jobService: jobService,
		logger:     logger,
	}
}

// statusFor 把服务层错误映射为 HTTP 状态码
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrDuplicateJob), errors.Is(err, service.ErrJobFinished):
		return http.StatusConflict
	case errors.Is(err, service.ErrUnknownOperation), errors.Is(err, apkinfo.ErrInvalidArchive):
		return http.StatusBadRequest
	case errors.Is(err, worker.ErrQueueFull), errors.Is(err, worker.ErrPoolStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// CreateJob 创建任务
// POST /api/jobs {"source_path": "/data/in/app.apk", "operation": "purify", "force": false}
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req service.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid request body: " + err.Error(),
		})
		return
	}

	job, err := h.jobService.CreateJob(c.Request.Context(), req)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			h.logger.WithError(err).Error("Failed to create job")
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, job)
}

// GetJob 获取任务详情（含扫描发现）
// GET /api/jobs/:id
func (h *JobHandler) GetJob(c *gin.Context) {
	job, err := h.jobService.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, job)
}

// ListJobs 获取任务列表
// GET /api/jobs?page=1&page_size=20&state=FAILED
func (h *JobHandler) ListJobs(c *gin.Context) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page <= 0 {
		page = 1
	}
	pageSize, err := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if err != nil || pageSize <= 0 {
		pageSize = 20
	}
	// 限制最大每页数量
	if pageSize > 100 {
		pageSize = 100
	}

	jobs, total, err := h.jobService.ListJobs(c.Request.Context(), page, pageSize, c.Query("state"))
	if err != nil {
		h.logger.WithError(err).Error("Failed to list jobs")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list jobs"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"jobs":        jobs,
		"total":       total,
		"page":        page,
		"page_size":   pageSize,
		"total_pages": (total + int64(pageSize) - 1) / int64(pageSize),
	})
}

// CancelJob 取消任务
// POST /api/jobs/:id/cancel
func (h *JobHandler) CancelJob(c *gin.Context) {
	id := c.Param("id")
	if err := h.jobService.CancelJob(c.Request.Context(), id); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"id":      id,
		"message": "cancellation requested",
	})
}

// GetStats 各状态任务数
// GET /api/stats
func (h *JobHandler) GetStats(c *gin.Context) {
	counts, total, err := h.jobService.GetStateCounts(c.Request.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to get state counts")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get stats"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"total":  total,
		"states": counts,
	})
}
