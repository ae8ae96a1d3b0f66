package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/apk-purifier/apk-purifier-go/internal/config"
	"github.com/apk-purifier/apk-purifier-go/internal/project"
	"github.com/sirupsen/logrus"
)

// Kind 后端能力类别
type Kind string

const (
	KindRoundTrip    Kind = "round_trip"    // 可反编译也可回编译
	KindAnalysisOnly Kind = "analysis_only" // 只能反编译用于分析
)

// Capabilities 后端能力标记
type Capabilities struct {
	SupportsRecompile        bool `json:"supports_recompile"`
	SupportsClassAnalysis    bool `json:"supports_class_analysis"`
	SupportsResourceAnalysis bool `json:"supports_resource_analysis"`
}

// Backend 反编译后端
//
// 变体集合是封闭的：只有本包内的 *Apktool 和 *Jadx 实现了该接口，
// 能力判断通过 AsRoundTrip 完成，不依赖运行时探测。
type Backend interface {
	ID() string
	Kind() Kind
	Capabilities() Capabilities
	// Command 完整命令前缀，探测和执行共用
	Command() []string
	// VersionArgs 探测时使用的轻量参数
	VersionArgs() []string
	Decompile(ctx context.Context, archive, outDir string) (*project.Project, error)

	sealed()
}

// RoundTripBackend 支持回编译的后端
type RoundTripBackend interface {
	Backend
	Recompile(ctx context.Context, projectDir, outArchive string) error
}

// AsRoundTrip 判断后端是否具备回编译能力
func AsRoundTrip(b Backend) (RoundTripBackend, bool) {
	switch v := b.(type) {
	case *Apktool:
		return v, true
	case *Jadx:
		return nil, false
	default:
		return nil, false
	}
}

// ErrToolUnavailable 工具缺失（可执行文件或 jar 不存在）
var ErrToolUnavailable = errors.New("tool unavailable")

// FailureKind 外部进程失败类别
type FailureKind string

const (
	FailureTimeout        FailureKind = "timeout"
	FailureProcessFailure FailureKind = "process_failure"
)

// ProcessFailure 外部进程运行失败的细节
type ProcessFailure struct {
	Backend  string
	Kind     FailureKind
	ExitCode int
	Stderr   string
	Err      error
}

func (f ProcessFailure) describe(op string) string {
	switch f.Kind {
	case FailureTimeout:
		return fmt.Sprintf("%s %s: timed out", f.Backend, op)
	default:
		msg := fmt.Sprintf("%s %s: exit code %d", f.Backend, op, f.ExitCode)
		if line := lastLine(f.Stderr); line != "" {
			msg += ": " + line
		}
		return msg
	}
}

// DecompileError 反编译失败
type DecompileError struct {
	ProcessFailure
}

func (e *DecompileError) Error() string { return e.describe("decompile") }
func (e *DecompileError) Unwrap() error { return e.Err }

// RecompileError 回编译失败
type RecompileError struct {
	ProcessFailure
}

func (e *RecompileError) Error() string { return e.describe("recompile") }
func (e *RecompileError) Unwrap() error { return e.Err }

// IsTimeout 判断错误是否为外部进程超时
func IsTimeout(err error) bool {
	var de *DecompileError
	if errors.As(err, &de) {
		return de.Kind == FailureTimeout
	}
	var re *RecompileError
	if errors.As(err, &re) {
		return re.Kind == FailureTimeout
	}
	return false
}

// New 按配置类型创建后端
func New(cfg config.BackendConfig, logger *logrus.Logger) (Backend, error) {
	typ := cfg.Type
	if typ == "" {
		typ = cfg.ID
	}
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("backend %q: command is required", cfg.ID)
	}
	switch typ {
	case "apktool":
		return NewApktool(cfg, logger), nil
	case "jadx":
		return NewJadx(cfg, logger), nil
	default:
		return nil, fmt.Errorf("backend %q: unknown type %q", cfg.ID, typ)
	}
}

// FromConfig 创建全部已配置的后端，ID 重复视为配置错误
func FromConfig(cfgs []config.BackendConfig, logger *logrus.Logger) ([]Backend, error) {
	seen := make(map[string]bool, len(cfgs))
	out := make([]Backend, 0, len(cfgs))
	for _, c := range cfgs {
		b, err := New(c, logger)
		if err != nil {
			return nil, err
		}
		if seen[b.ID()] {
			return nil, fmt.Errorf("duplicate backend id %q", b.ID())
		}
		seen[b.ID()] = true
		out = append(out, b)
	}
	return out, nil
}
