package toolprobe

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/apk-purifier/apk-purifier-go/internal/backend"
	"github.com/sirupsen/logrus"
)

// Descriptor 一个后端的探测结果
type Descriptor struct {
	ID           string               `json:"id"`
	Kind         backend.Kind         `json:"kind"`
	Capabilities backend.Capabilities `json:"capabilities"`
	Available    bool                 `json:"available"`
	Version      string               `json:"version,omitempty"`
	Reason       string               `json:"reason,omitempty"`
	ProbedAt     time.Time            `json:"probed_at"`
}

// Registry 进程级的工具可用性状态
//
// 首次 Probe 初始化，之后只有显式 Refresh 才会重新探测。
// 读操作共享读锁；同一时刻只有一个探测者，写入结果时持有写锁。
type Registry struct {
	backends []backend.Backend
	byID     map[string]backend.Backend
	timeout  time.Duration
	logger   *logrus.Logger

	probeMu sync.Mutex

	mu     sync.RWMutex
	cache  map[string]Descriptor
	probed bool
}

// NewRegistry timeout 为单个后端探测的上限
func NewRegistry(backends []backend.Backend, timeout time.Duration, logger *logrus.Logger) *Registry {
	byID := make(map[string]backend.Backend, len(backends))
	for _, b := range backends {
		byID[b.ID()] = b
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Registry{
		backends: backends,
		byID:     byID,
		timeout:  timeout,
		logger:   logger,
		cache:    make(map[string]Descriptor),
	}
}

// Probe 返回探测结果；尚未探测过时先执行一次探测
func (r *Registry) Probe(ctx context.Context) map[string]Descriptor {
	r.mu.RLock()
	if r.probed {
		defer r.mu.RUnlock()
		return r.copyLocked()
	}
	r.mu.RUnlock()

	r.probeMu.Lock()
	defer r.probeMu.Unlock()
	// 等待期间可能已有其他调用者完成了首次探测
	r.mu.RLock()
	if r.probed {
		defer r.mu.RUnlock()
		return r.copyLocked()
	}
	r.mu.RUnlock()
	return r.probeLocked(ctx)
}

// Refresh 显式重新探测全部后端
func (r *Registry) Refresh(ctx context.Context) map[string]Descriptor {
	r.probeMu.Lock()
	defer r.probeMu.Unlock()
	return r.probeLocked(ctx)
}

// probeLocked 调用方持有 probeMu
//
// 探测不跟随调用方取消，只受 r.timeout 约束；被中断的结果不进入缓存。
func (r *Registry) probeLocked(ctx context.Context) map[string]Descriptor {
	ctx = context.WithoutCancel(ctx)
	results := make([]Descriptor, len(r.backends))
	complete := make([]bool, len(r.backends))
	var wg sync.WaitGroup
	for i, b := range r.backends {
		wg.Add(1)
		go func(i int, b backend.Backend) {
			defer wg.Done()
			results[i], complete[i] = r.probeOne(ctx, b)
		}(i, b)
	}
	wg.Wait()

	r.mu.Lock()
	next := make(map[string]Descriptor, len(results))
	allComplete := true
	for i, d := range results {
		if !complete[i] {
			allComplete = false
			if prev, ok := r.cache[d.ID]; ok {
				next[d.ID] = prev
				continue
			}
		}
		next[d.ID] = d
	}
	r.cache = next
	if allComplete {
		r.probed = true
	}
	out := r.copyLocked()
	r.mu.Unlock()

	for _, d := range results {
		entry := r.logger.WithFields(logrus.Fields{
			"backend":   d.ID,
			"available": d.Available,
		})
		if d.Available {
			entry.WithField("version", d.Version).Info("Backend probed")
		} else {
			entry.WithField("reason", d.Reason).Warn("Backend unavailable")
		}
	}
	return out
}

// probeOne 从不返回错误：任何失败都记为不可用。
// complete 为 false 表示探测被中断，结果不能说明工具状态
func (r *Registry) probeOne(ctx context.Context, b backend.Backend) (d Descriptor, complete bool) {
	d = Descriptor{
		ID:           b.ID(),
		Kind:         b.Kind(),
		Capabilities: b.Capabilities(),
		ProbedAt:     time.Now(),
	}
	if _, err := backend.Locate(b.Command()); err != nil {
		d.Reason = err.Error()
		return d, true
	}

	argv := append(b.Command(), b.VersionArgs()...)
	res, err := backend.RunProcess(ctx, r.logger, argv, r.timeout)
	switch {
	case errors.Is(err, backend.ErrToolUnavailable):
		d.Reason = err.Error()
	case err != nil:
		d.Reason = "probe interrupted: " + err.Error()
		return d, false
	case res.TimedOut:
		d.Reason = "version query timed out after " + r.timeout.String()
	case res.ExitCode != 0:
		d.Reason = fmt.Sprintf("version query exited with %d", res.ExitCode)
		if line := firstLine(res.Stderr); line != "" {
			d.Reason += ": " + line
		}
	default:
		d.Available = true
		d.Version = firstLine(res.Stdout)
		if d.Version == "" {
			d.Version = firstLine(res.Stderr)
		}
	}
	return d, true
}

func (r *Registry) copyLocked() map[string]Descriptor {
	out := make(map[string]Descriptor, len(r.cache))
	for k, v := range r.cache {
		out[k] = v
	}
	return out
}

// Snapshot 当前缓存；尚未探测时为空
func (r *Registry) Snapshot() map[string]Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.copyLocked()
}

// Probed 是否已完成首次探测
func (r *Registry) Probed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.probed
}

// Available 后端在最近一次探测中是否可用
func (r *Registry) Available(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cache[id].Available
}

// Backend 按 ID 查找后端
func (r *Registry) Backend(id string) (backend.Backend, bool) {
	b, ok := r.byID[id]
	return b, ok
}

// Backends 全部已配置后端，按 ID 排序
func (r *Registry) Backends() []backend.Backend {
	out := append([]backend.Backend(nil), r.backends...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Sorted 探测结果按 ID 排序，便于展示
func Sorted(m map[string]Descriptor) []Descriptor {
	out := make([]Descriptor, 0, len(m))
	for _, d := range m {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return strings.TrimSpace(s)
}
