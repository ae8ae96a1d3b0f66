package handlers

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/apk-purifier/apk-purifier-go/internal/domain"
	"github.com/apk-purifier/apk-purifier-go/internal/worker"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupHub(t *testing.T) (*EventHub, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	hub := NewEventHub(logger)
	hub.Start()
	t.Cleanup(hub.Stop)

	router := gin.New()
	router.GET("/ws/jobs", hub.HandleWebSocket)
	router.GET("/ws/jobs/:id", hub.HandleWebSocket)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) worker.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var e worker.Event
	require.NoError(t, conn.ReadJSON(&e))
	return e
}

func TestEventHub_FiltersByJob(t *testing.T) {
	hub, base := setupHub(t)

	all := dial(t, base+"/ws/jobs")
	one := dial(t, base+"/ws/jobs/job-b")
	require.Eventually(t, func() bool { return hub.Clients() == 2 }, 5*time.Second, 10*time.Millisecond)

	hub.OnJobEvent(worker.Event{JobID: "job-a", State: domain.JobStateDecompiling, Backend: "apktool"})
	hub.OnJobEvent(worker.Event{JobID: "job-b", State: domain.JobStateFailed, FailedStage: domain.JobStateSigning, FailureKind: domain.FailureKindSign})

	first := readEvent(t, all)
	assert.Equal(t, "job-a", first.JobID)
	assert.Equal(t, "apktool", first.Backend)
	assert.Equal(t, "job-b", readEvent(t, all).JobID)

	got := readEvent(t, one)
	assert.Equal(t, "job-b", got.JobID)
	assert.Equal(t, domain.JobStateSigning, got.FailedStage)
	assert.Equal(t, domain.FailureKindSign, got.FailureKind)
}

func TestEventHub_DropsDisconnectedClients(t *testing.T) {
	hub, base := setupHub(t)

	conn := dial(t, base+"/ws/jobs")
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 5*time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 0 }, 5*time.Second, 10*time.Millisecond)

	// 没有客户端时事件直接丢弃
	hub.OnJobEvent(worker.Event{JobID: "job-a", State: domain.JobStateDone})
}
