package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Strategy 重试间隔策略
type Strategy string

const (
	StrategyFixed       Strategy = "fixed"       // 固定间隔
	StrategyLinear      Strategy = "linear"      // 线性递增
	StrategyExponential Strategy = "exponential" // 指数退避
)

// Config 重试配置
type Config struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Strategy        Strategy
	Logger          *logrus.Logger
}

// DefaultConfig 外部工具调用的默认重试：2 次尝试，指数退避
func DefaultConfig(logger *logrus.Logger) *Config {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Config{
		MaxAttempts:     2,
		InitialInterval: time.Second,
		MaxInterval:     10 * time.Second,
		Strategy:        StrategyExponential,
		Logger:          logger,
	}
}

// permanentError 标记不应重试的错误
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent 包装不可重试的错误，Do 遇到时立即返回原始错误
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsRetryable 判断错误是否值得重试
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var p *permanentError
	if errors.As(err, &p) {
		return false
	}
	switch {
	case errors.Is(err, context.Canceled):
		return false // 调用方取消
	case errors.Is(err, context.DeadlineExceeded):
		return false // 已经耗尽时长
	default:
		return true
	}
}

// Func 可重试的操作
type Func func(ctx context.Context, attempt int) error

// Do 执行 fn 直到成功、遇到不可重试错误或达到最大次数
//
// 返回的错误保留最后一次失败的原始错误链（Permanent 包装会被剥离）。
func Do(ctx context.Context, cfg *Config, op string, fn Func) error {
	if cfg == nil {
		cfg = DefaultConfig(nil)
	}
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	interval := cfg.InitialInterval
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		start := time.Now()
		err := fn(ctx, attempt)
		if err == nil {
			if attempt > 1 {
				cfg.Logger.WithFields(logrus.Fields{
					"op":      op,
					"attempt": attempt,
				}).Info("Operation succeeded after retry")
			}
			return nil
		}
		lastErr = err

		if !IsRetryable(err) {
			var p *permanentError
			if errors.As(err, &p) {
				return p.err
			}
			return err
		}

		cfg.Logger.WithFields(logrus.Fields{
			"op":       op,
			"attempt":  attempt,
			"max":      attempts,
			"duration": time.Since(start).String(),
			"error":    err.Error(),
		}).Warn("Operation failed")

		if attempt == attempts {
			break
		}

		interval = nextInterval(cfg.Strategy, cfg.InitialInterval, cfg.MaxInterval, attempt)
		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(interval):
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", op, attempts, lastErr)
}

// nextInterval 第 attempt 次失败后的等待时长
func nextInterval(strategy Strategy, initial, max time.Duration, attempt int) time.Duration {
	var next time.Duration
	switch strategy {
	case StrategyLinear:
		next = initial * time.Duration(attempt)
	case StrategyExponential:
		next = initial * time.Duration(1<<(attempt-1))
	default:
		next = initial
	}
	if max > 0 && next > max {
		next = max
	}
	return next
}
