package handlers

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/apk-purifier/apk-purifier-go/internal/domain"
	"github.com/apk-purifier/apk-purifier-go/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// FileHandler 文件处理器：上传 APK、下载签名产物
type FileHandler struct {
	jobService service.JobService
	logger     *logrus.Logger
	uploadPath string
	maxSize    int64
}

// NewFileHandler 创建文件处理器实例
func NewFileHandler(jobService service.JobService, logger *logrus.Logger, uploadPath string, maxUploadMB int64) *FileHandler {
	if maxUploadMB <= 0 {
		maxUploadMB = 500
	}
	return &FileHandler{
		jobService: jobService,
		logger:     logger,
		uploadPath: uploadPath,
		maxSize:    maxUploadMB * 1024 * 1024,
	}
}

// UploadAPK 上传 APK 并创建任务
// POST /api/upload (multipart: file, operation, force)
func (h *FileHandler) UploadAPK(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing file field"})
		return
	}

	filename := filepath.Base(file.Filename)
	if !strings.HasSuffix(strings.ToLower(filename), ".apk") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "only .apk files are accepted"})
		return
	}
	if file.Size > h.maxSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error": fmt.Sprintf("file exceeds %dMB", h.maxSize/(1024*1024)),
		})
		return
	}

	// 每次上传独立子目录，同名文件互不覆盖
	dir := filepath.Join(h.uploadPath, uuid.New().String())
	if err := os.MkdirAll(dir, 0755); err != nil {
		h.logger.WithError(err).Error("Failed to create upload directory")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store upload"})
		return
	}
	destPath := filepath.Join(dir, filename)

	written, err := h.save(file, destPath)
	if err != nil {
		h.logger.WithError(err).Error("Failed to store uploaded file")
		os.RemoveAll(dir)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store upload"})
		return
	}

	h.logger.WithFields(logrus.Fields{
		"filename": filename,
		"size":     written,
		"path":     destPath,
	}).Info("APK file uploaded successfully")

	job, err := h.jobService.CreateJob(c.Request.Context(), service.CreateRequest{
		Operation:  domain.Operation(c.DefaultPostForm("operation", string(domain.OperationPurify))),
		SourcePath: destPath,
		Force:      c.PostForm("force") == "true",
	})
	if err != nil {
		os.RemoveAll(dir)
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, job)
}

func (h *FileHandler) save(file *multipart.FileHeader, destPath string) (int64, error) {
	src, err := file.Open()
	if err != nil {
		return 0, err
	}
	defer src.Close()

	dst, err := os.Create(destPath)
	if err != nil {
		return 0, err
	}
	written, err := io.Copy(dst, src)
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	return written, err
}

// DownloadArtifact 下载签名后的 APK
// GET /api/jobs/:id/artifact
func (h *FileHandler) DownloadArtifact(c *gin.Context) {
	job, err := h.jobService.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	if job.State != domain.JobStateDone || job.ArtifactPath == "" {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "job has no artifact",
			"state": job.State,
		})
		return
	}
	if _, err := os.Stat(job.ArtifactPath); err != nil {
		c.JSON(http.StatusGone, gin.H{"error": "artifact no longer exists"})
		return
	}

	c.FileAttachment(job.ArtifactPath, filepath.Base(job.ArtifactPath))
}
