package worker

import (
	"sync"
	"time"

	"github.com/apk-purifier/apk-purifier-go/internal/domain"
)

// Event 任务状态迁移事件
type Event struct {
	JobID        string             `json:"job_id"`
	Operation    domain.Operation   `json:"operation"`
	State        domain.JobState    `json:"state"`
	FailedStage  domain.JobState    `json:"failed_stage,omitempty"`
	FailureKind  domain.FailureKind `json:"failure_kind,omitempty"`
	Reason       string             `json:"reason,omitempty"`
	Backend      string             `json:"backend,omitempty"`
	FallbackUsed bool               `json:"fallback_used,omitempty"`
	ArtifactPath string             `json:"artifact_path,omitempty"`
	At           time.Time          `json:"at"`
}

// Listener 接收状态迁移事件，实现方不能阻塞
type Listener interface {
	OnJobEvent(Event)
}

// ListenerFunc 函数适配器
type ListenerFunc func(Event)

func (f ListenerFunc) OnJobEvent(e Event) { f(e) }

// listeners 并发安全的监听器列表
type listeners struct {
	mu   sync.RWMutex
	list []Listener
}

func (l *listeners) add(li Listener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.list = append(l.list, li)
}

func (l *listeners) emit(e Event) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, li := range l.list {
		li.OnJobEvent(e)
	}
}
