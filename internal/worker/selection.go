package worker

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/apk-purifier/apk-purifier-go/internal/backend"
	"github.com/apk-purifier/apk-purifier-go/internal/config"
	"github.com/apk-purifier/apk-purifier-go/internal/domain"
	"github.com/apk-purifier/apk-purifier-go/internal/toolprobe"
)

// ErrNoEligibleBackend 没有满足能力要求且可用的后端
var ErrNoEligibleBackend = fmt.Errorf("no eligible backend: %w", backend.ErrToolUnavailable)

// SelectionPolicy 后端选择策略
type SelectionPolicy struct {
	// Preference 后端 ID 优先级，未列出的排在后面（按 ID）
	Preference      []string
	FallbackEnabled bool
	// AnalysisPreference 只读分析时优先使用 analysis-only 后端
	AnalysisPreference bool
}

// PolicyFromConfig 从工具配置构造选择策略
func PolicyFromConfig(cfg config.ToolsConfig) SelectionPolicy {
	return SelectionPolicy{
		Preference:         cfg.Preference,
		FallbackEnabled:    cfg.FallbackEnabled,
		AnalysisPreference: cfg.AnalysisPreference,
	}
}

// Selection 选择结果
type Selection struct {
	Primary backend.Backend
	// Fallback 反编译失败时的唯一备选，可为 nil
	Fallback backend.Backend
	// Degraded 首选后端不可用，Primary 本身就是备选
	Degraded bool
}

// SelectBackends 根据操作类型、能力和探测结果选择后端
//
// 需要回编译时只考虑 round-trip 后端，能力在这里检查而不是等到回编译失败。
// 首选后端不可用时，只有启用了 fallback 才会改用下一个可用后端。
func SelectBackends(op domain.Operation, backends []backend.Backend, descs map[string]toolprobe.Descriptor, policy SelectionPolicy) (Selection, error) {
	ordered := orderBackends(op, backends, policy)
	if len(ordered) == 0 {
		return Selection{}, fmt.Errorf("%w: no backend supports operation %q", ErrNoEligibleBackend, op)
	}

	var available []backend.Backend
	for _, b := range ordered {
		if descs[b.ID()].Available {
			available = append(available, b)
		}
	}
	if len(available) == 0 {
		return Selection{}, fmt.Errorf("%w: %s", ErrNoEligibleBackend, unavailableReasons(ordered, descs))
	}

	sel := Selection{Primary: available[0], Degraded: available[0] != ordered[0]}
	if sel.Degraded && !policy.FallbackEnabled {
		return Selection{}, fmt.Errorf("%w: preferred backend %s unavailable and fallback disabled: %s",
			ErrNoEligibleBackend, ordered[0].ID(), descs[ordered[0].ID()].Reason)
	}
	if policy.FallbackEnabled && len(available) > 1 {
		sel.Fallback = available[1]
	}
	return sel, nil
}

// orderBackends 过滤掉不满足能力要求的后端，并按策略排序
func orderBackends(op domain.Operation, backends []backend.Backend, policy SelectionPolicy) []backend.Backend {
	rank := make(map[string]int, len(policy.Preference))
	for i, id := range policy.Preference {
		if _, ok := rank[id]; !ok {
			rank[id] = i
		}
	}
	rankOf := func(b backend.Backend) int {
		if r, ok := rank[b.ID()]; ok {
			return r
		}
		return len(policy.Preference)
	}

	var out []backend.Backend
	for _, b := range backends {
		_, roundTrip := backend.AsRoundTrip(b)
		if op.RequiresRecompile() && !roundTrip {
			continue
		}
		out = append(out, b)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !op.RequiresRecompile() {
			// 只读分析：按 analysis 偏好决定类别先后，否则 round-trip 优先以保持一致
			ai := out[i].Kind() == backend.KindAnalysisOnly
			aj := out[j].Kind() == backend.KindAnalysisOnly
			if ai != aj {
				return ai == policy.AnalysisPreference
			}
		}
		ri, rj := rankOf(out[i]), rankOf(out[j])
		if ri != rj {
			return ri < rj
		}
		return out[i].ID() < out[j].ID()
	})
	return out
}

func unavailableReasons(bs []backend.Backend, descs map[string]toolprobe.Descriptor) string {
	parts := make([]string, 0, len(bs))
	for _, b := range bs {
		reason := descs[b.ID()].Reason
		if reason == "" {
			reason = "not probed"
		}
		parts = append(parts, b.ID()+": "+reason)
	}
	return strings.Join(parts, "; ")
}

// IsNoEligibleBackend 判断错误是否为无可用后端
func IsNoEligibleBackend(err error) bool {
	return errors.Is(err, ErrNoEligibleBackend)
}
