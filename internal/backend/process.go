package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// stderr 只保留尾部，避免超大输出占用内存
	maxCapturedOutput = 64 * 1024
	waitDelay         = 5 * time.Second
)

// ProcessResult 外部进程执行结果
type ProcessResult struct {
	ExitCode int
	Stderr   string
	Stdout   string
	Duration time.Duration
	TimedOut bool
}

// tailBuffer 只保留最后 limit 字节的输出
type tailBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(p)
	t.buf.Write(p)
	if over := t.buf.Len() - t.limit; over > 0 {
		t.buf.Next(over)
	}
	return n, nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}

// Locate 解析命令的可执行位置
// "java -jar x.jar" 形式返回 jar 路径并检查其存在，否则在 PATH 中查找首个参数
func Locate(command []string) (string, error) {
	if len(command) == 0 {
		return "", fmt.Errorf("%w: empty command", ErrToolUnavailable)
	}
	for i := 0; i+1 < len(command); i++ {
		if command[i] == "-jar" {
			jar := command[i+1]
			if _, err := os.Stat(jar); err != nil {
				return "", fmt.Errorf("%w: %s: %v", ErrToolUnavailable, jar, err)
			}
			if _, err := exec.LookPath(command[0]); err != nil {
				return "", fmt.Errorf("%w: %s: %v", ErrToolUnavailable, command[0], err)
			}
			return jar, nil
		}
	}
	path, err := exec.LookPath(command[0])
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrToolUnavailable, command[0], err)
	}
	return path, nil
}

// RunProcess 在独立进程组中执行命令，超时或 ctx 取消时杀掉整个进程组
//
// 超时返回 TimedOut=true 且 err 为 nil；父 ctx 被取消时返回 ctx.Err()。
// 只有进程无法启动时才返回其他错误（缺失可执行文件包装为 ErrToolUnavailable）。
func RunProcess(ctx context.Context, logger *logrus.Logger, argv []string, timeout time.Duration) (*ProcessResult, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("%w: empty command", ErrToolUnavailable)
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	setProcessGroup(cmd)
	cmd.Cancel = func() error {
		return killProcessGroup(cmd)
	}
	cmd.WaitDelay = waitDelay

	stderr := &tailBuffer{limit: maxCapturedOutput}
	stdout := &tailBuffer{limit: maxCapturedOutput}
	cmd.Stderr = stderr
	cmd.Stdout = stdout

	logger.WithFields(logrus.Fields{
		"command": strings.Join(argv, " "),
		"timeout": timeout.String(),
	}).Debug("Running external process")

	start := time.Now()
	err := cmd.Run()
	result := &ProcessResult{
		Stderr:   stderr.String(),
		Stdout:   stdout.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		var execErr *exec.Error
		if errors.As(err, &execErr) || errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %v", ErrToolUnavailable, err)
		}
	}

	if ctx.Err() != nil {
		return result, ctx.Err()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		result.TimedOut = true
		result.ExitCode = -1
		return result, nil
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		// Wait 失败但没有退出码（例如 WaitDelay 到期），按失败处理
		result.ExitCode = -1
		return result, nil
	}

	return result, nil
}

// compilePatterns 编译致命错误模式，非法表达式跳过并记录
func compilePatterns(patterns []string, logger *logrus.Logger) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			logger.WithError(err).WithField("pattern", p).Warn("Invalid fatal pattern, ignored")
			continue
		}
		out = append(out, re)
	}
	return out
}

// matchFatal 返回 stderr 中匹配到的第一个致命模式
func matchFatal(stderr string, patterns []*regexp.Regexp) string {
	for _, re := range patterns {
		if loc := re.FindString(stderr); loc != "" {
			return loc
		}
	}
	return ""
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	if len(s) > 300 {
		s = s[:300]
	}
	return strings.TrimSpace(s)
}

// classify 把进程结果转换为失败描述，成功返回 nil
func classify(backendID string, res *ProcessResult, fatal []*regexp.Regexp) *ProcessFailure {
	if res.TimedOut {
		return &ProcessFailure{
			Backend:  backendID,
			Kind:     FailureTimeout,
			ExitCode: res.ExitCode,
			Stderr:   res.Stderr,
			Err:      context.DeadlineExceeded,
		}
	}
	if res.ExitCode != 0 {
		return &ProcessFailure{
			Backend:  backendID,
			Kind:     FailureProcessFailure,
			ExitCode: res.ExitCode,
			Stderr:   res.Stderr,
		}
	}
	if m := matchFatal(res.Stderr, fatal); m != "" {
		return &ProcessFailure{
			Backend:  backendID,
			Kind:     FailureProcessFailure,
			ExitCode: 0,
			Stderr:   m,
		}
	}
	return nil
}
