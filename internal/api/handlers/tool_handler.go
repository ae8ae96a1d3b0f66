package handlers

import (
	"context"
	"net/http"

	"github.com/apk-purifier/apk-purifier-go/internal/toolprobe"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ToolProber 工具探测，toolprobe.Registry 实现该接口
type ToolProber interface {
	Probe(ctx context.Context) map[string]toolprobe.Descriptor
	Refresh(ctx context.Context) map[string]toolprobe.Descriptor
}

// ToolHandler 外部工具状态
type ToolHandler struct {
	prober ToolProber
	logger *logrus.Logger
	// 探测完成后的回调，用于刷新指标
	onProbe func(map[string]toolprobe.Descriptor)
}

// NewToolHandler 创建工具处理器；onProbe 可为 nil
func NewToolHandler(prober ToolProber, onProbe func(map[string]toolprobe.Descriptor), logger *logrus.Logger) *ToolHandler {
	return &ToolHandler{
		prober:  prober,
		logger:  logger,
		onProbe: onProbe,
	}
}

// ListTools 各后端的能力和可用性
// GET /api/tools
func (h *ToolHandler) ListTools(c *gin.Context) {
	descs := h.prober.Probe(c.Request.Context())
	h.notify(descs)
	c.JSON(http.StatusOK, gin.H{"tools": toolprobe.Sorted(descs)})
}

// RefreshTools 重新探测
// POST /api/tools/refresh
func (h *ToolHandler) RefreshTools(c *gin.Context) {
	descs := h.prober.Refresh(c.Request.Context())
	h.notify(descs)

	available := 0
	for _, d := range descs {
		if d.Available {
			available++
		}
	}
	h.logger.WithFields(logrus.Fields{
		"total":     len(descs),
		"available": available,
	}).Info("Tool registry refreshed")

	c.JSON(http.StatusOK, gin.H{"tools": toolprobe.Sorted(descs)})
}

func (h *ToolHandler) notify(descs map[string]toolprobe.Descriptor) {
	if h.onProbe != nil {
		h.onProbe(descs)
	}
}
