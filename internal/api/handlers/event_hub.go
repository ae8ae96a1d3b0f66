package handlers

import (
	"net/http"
	"sync"
	"time"

	"github.com/apk-purifier/apk-purifier-go/internal/worker"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// allJobs 订阅全部任务的客户端
const allJobs = "all"

// EventHub 通过 WebSocket 推送任务状态迁移
type EventHub struct {
	logger      *logrus.Logger
	upgrader    websocket.Upgrader
	clients     map[*websocket.Conn]string // 连接 -> 订阅的任务 ID
	clientMutex sync.RWMutex
	broadcast   chan worker.Event
	done        chan struct{}
	stopOnce    sync.Once
}

// NewEventHub 创建事件推送器
func NewEventHub(logger *logrus.Logger) *EventHub {
	return &EventHub{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients:   make(map[*websocket.Conn]string),
		broadcast: make(chan worker.Event, 256),
		done:      make(chan struct{}),
	}
}

// Start 启动广播服务
func (h *EventHub) Start() {
	go h.runBroadcaster()
}

// Stop 停止广播并断开所有客户端
func (h *EventHub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.clientMutex.Lock()
		for conn := range h.clients {
			conn.Close()
		}
		h.clients = make(map[*websocket.Conn]string)
		h.clientMutex.Unlock()
	})
}

// OnJobEvent 实现 worker.Listener；通道满时丢弃，不阻塞流水线
func (h *EventHub) OnJobEvent(e worker.Event) {
	select {
	case h.broadcast <- e:
	default:
		h.logger.WithField("job_id", e.JobID).Warn("Broadcast channel is full, dropping event")
	}
}

func (h *EventHub) runBroadcaster() {
	for {
		select {
		case <-h.done:
			return
		case e := <-h.broadcast:
			h.deliver(e)
		}
	}
}

func (h *EventHub) deliver(e worker.Event) {
	h.clientMutex.RLock()
	var failed []*websocket.Conn
	for conn, jobID := range h.clients {
		if jobID != allJobs && jobID != e.JobID {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(e); err != nil {
			h.logger.WithError(err).Warn("Failed to write to WebSocket client")
			failed = append(failed, conn)
		}
	}
	h.clientMutex.RUnlock()

	if len(failed) == 0 {
		return
	}
	h.clientMutex.Lock()
	for _, conn := range failed {
		conn.Close()
		delete(h.clients, conn)
	}
	h.clientMutex.Unlock()
}

// Clients 当前连接数
func (h *EventHub) Clients() int {
	h.clientMutex.RLock()
	defer h.clientMutex.RUnlock()
	return len(h.clients)
}

// HandleWebSocket 处理 WebSocket 连接
// GET /ws/jobs 订阅全部任务，GET /ws/jobs/:id 订阅单个任务
func (h *EventHub) HandleWebSocket(c *gin.Context) {
	jobID := c.Param("id")
	if jobID == "" {
		jobID = allJobs
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade to WebSocket")
		return
	}
	defer conn.Close()

	h.clientMutex.Lock()
	h.clients[conn] = jobID
	h.clientMutex.Unlock()

	h.logger.WithField("job_id", jobID).Info("WebSocket client connected")

	// 只读取以感知断开，客户端消息被忽略
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.WithError(err).Warn("WebSocket error")
			}
			break
		}
	}

	h.clientMutex.Lock()
	delete(h.clients, conn)
	h.clientMutex.Unlock()

	h.logger.WithField("job_id", jobID).Info("WebSocket client disconnected")
}
