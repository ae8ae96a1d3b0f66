// Package signer 对回编译产物进行对齐和签名
package signer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/apk-purifier/apk-purifier-go/internal/backend"
	"github.com/apk-purifier/apk-purifier-go/internal/config"
	"github.com/apk-purifier/apk-purifier-go/internal/retry"
	"github.com/otiai10/copy"
	"github.com/sirupsen/logrus"
)

// Signer 签名能力
type Signer interface {
	// Sign 签名 input 并把结果写到 dest
	Sign(ctx context.Context, input, dest string) error
}

// ErrSignedOutputMissing 签名工具成功退出但没有产物
var ErrSignedOutputMissing = errors.New("signed apk not found")

// SignError 签名进程失败
type SignError struct {
	ExitCode int
	TimedOut bool
	Stderr   string
}

func (e *SignError) Error() string {
	if e.TimedOut {
		return "signer timed out"
	}
	msg := fmt.Sprintf("signer exit code %d", e.ExitCode)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		if i := strings.LastIndexByte(s, '\n'); i >= 0 {
			s = s[i+1:]
		}
		msg += ": " + s
	}
	return msg
}

// UberSigner 调用 uber-apk-signer；未配置 keystore 时使用调试签名
type UberSigner struct {
	command  []string
	keystore string
	ksPass   string
	alias    string
	keyPass  string
	timeout  time.Duration
	retry    *retry.Config
	logger   *logrus.Logger
}

// NewUberSigner 根据配置创建签名器，MaxRetries 为进程失败后的额外尝试次数
func NewUberSigner(cfg config.SignerConfig, logger *logrus.Logger) *UberSigner {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	rc := retry.DefaultConfig(logger)
	rc.MaxAttempts = 1 + cfg.MaxRetries
	return &UberSigner{
		command:  cfg.Command,
		keystore: cfg.Keystore,
		ksPass:   cfg.KeystorePass,
		alias:    cfg.KeyAlias,
		keyPass:  cfg.KeyPass,
		timeout:  timeout,
		retry:    rc,
		logger:   logger,
	}
}

// WithRetry 替换重试配置
func (s *UberSigner) WithRetry(cfg *retry.Config) *UberSigner {
	s.retry = cfg
	return s
}

// Debug 是否使用调试签名
func (s *UberSigner) Debug() bool {
	return s.keystore == ""
}

// Check 检查签名工具是否存在
func (s *UberSigner) Check() error {
	_, err := backend.Locate(s.command)
	return err
}

func (s *UberSigner) args(input, outDir string) []string {
	argv := append(append([]string(nil), s.command...), "--apks", input, "--out", outDir)
	if s.Debug() {
		argv = append(argv, "--debug")
	} else {
		argv = append(argv, "--ks", s.keystore)
		if s.ksPass != "" {
			argv = append(argv, "--ksPass", s.ksPass)
		}
		if s.alias != "" {
			argv = append(argv, "--ksAlias", s.alias)
		}
		if s.keyPass != "" {
			argv = append(argv, "--ksKeyPass", s.keyPass)
		}
	}
	return append(argv, "--allowResign", "--overwrite")
}

// Sign 在 dest 旁的临时目录中签名，成功后把产物移动到 dest
func (s *UberSigner) Sign(ctx context.Context, input, dest string) error {
	if err := s.Check(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	staging, err := os.MkdirTemp(filepath.Dir(dest), ".signing-*")
	if err != nil {
		return fmt.Errorf("create signing dir: %w", err)
	}
	defer os.RemoveAll(staging)

	argv := s.args(input, staging)
	err = retry.Do(ctx, s.retry, "sign", func(ctx context.Context, attempt int) error {
		res, err := backend.RunProcess(ctx, s.logger, argv, s.timeout)
		if err != nil {
			return retry.Permanent(err)
		}
		if res.TimedOut {
			return retry.Permanent(&SignError{TimedOut: true, ExitCode: res.ExitCode, Stderr: res.Stderr})
		}
		if res.ExitCode != 0 {
			return &SignError{ExitCode: res.ExitCode, Stderr: res.Stderr}
		}
		return nil
	})
	if err != nil {
		return err
	}

	base := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	signed, err := findSigned(staging, base)
	if err != nil {
		return err
	}
	if err := os.Rename(signed, dest); err != nil {
		// 跨设备时退化为复制
		if err := copy.Copy(signed, dest, copy.Options{Sync: true}); err != nil {
			return fmt.Errorf("move signed apk: %w", err)
		}
	}

	s.logger.WithFields(logrus.Fields{
		"input":  input,
		"output": dest,
		"debug":  s.Debug(),
	}).Info("APK signed")
	return nil
}

// findSigned 按 uber-apk-signer 的命名约定查找产物，找不到时取目录中第一个 apk
func findSigned(dir, base string) (string, error) {
	for _, suffix := range []string{"-aligned-debugSigned.apk", "-aligned-signed.apk", "-debugSigned.apk", "-signed.apk"} {
		p := filepath.Join(dir, base+suffix)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*.apk"))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", ErrSignedOutputMissing
	}
	sort.Strings(matches)
	return matches[0], nil
}
