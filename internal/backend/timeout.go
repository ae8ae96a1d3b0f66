package backend

import (
	"math"
	"time"

	"github.com/apk-purifier/apk-purifier-go/internal/config"
)

// TimeoutPolicy 按输入大小计算超时：PerMB * MB，限定在 [Floor, Ceiling]
type TimeoutPolicy struct {
	PerMB   time.Duration
	Floor   time.Duration
	Ceiling time.Duration
}

// PolicyFromConfig 从配置构造超时策略
func PolicyFromConfig(cfg config.TimeoutConfig) TimeoutPolicy {
	return TimeoutPolicy{
		PerMB:   time.Duration(cfg.PerMBSeconds) * time.Second,
		Floor:   time.Duration(cfg.FloorSeconds) * time.Second,
		Ceiling: time.Duration(cfg.CeilingSeconds) * time.Second,
	}
}

// Timeout 计算给定字节数的超时，对 size 单调不减
func Timeout(size int64, p TimeoutPolicy) time.Duration {
	if size < 0 {
		size = 0
	}
	mb := float64(size) / (1024 * 1024)
	// 先在浮点域截断，超出 int64 的转换结果不可预期
	var d time.Duration
	switch f := mb * float64(p.PerMB); {
	case p.Ceiling > 0 && f >= float64(p.Ceiling):
		d = p.Ceiling
	case f >= math.MaxInt64:
		d = math.MaxInt64
	default:
		d = time.Duration(f)
	}

	if d < p.Floor {
		d = p.Floor
	}
	if p.Ceiling > 0 && d > p.Ceiling {
		d = p.Ceiling
	}
	return d
}
