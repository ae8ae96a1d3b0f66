package backend

import (
	"context"
	"fmt"
	"os"
	"regexp"

	"github.com/apk-purifier/apk-purifier-go/internal/config"
	"github.com/apk-purifier/apk-purifier-go/internal/project"
	"github.com/sirupsen/logrus"
)

// Apktool 往返后端：d 解包为 smali + 资源，b 重新打包
type Apktool struct {
	id          string
	command     []string
	versionArgs []string
	extraArgs   []string
	useAAPT2    bool
	policy      TimeoutPolicy
	fatal       []*regexp.Regexp
	logger      *logrus.Logger
}

// NewApktool 根据配置创建 apktool 后端
func NewApktool(cfg config.BackendConfig, logger *logrus.Logger) *Apktool {
	id := cfg.ID
	if id == "" {
		id = "apktool"
	}
	return &Apktool{
		id:          id,
		command:     cfg.Command,
		versionArgs: cfg.VersionArgs,
		extraArgs:   cfg.ExtraArgs,
		useAAPT2:    cfg.UseAAPT2,
		policy:      PolicyFromConfig(cfg.Timeout),
		fatal:       compilePatterns(cfg.FatalPatterns, logger),
		logger:      logger,
	}
}

func (a *Apktool) ID() string { return a.id }
func (a *Apktool) Kind() Kind { return KindRoundTrip }
func (a *Apktool) Command() []string {
	return append([]string(nil), a.command...)
}
func (a *Apktool) VersionArgs() []string { return a.versionArgs }
func (a *Apktool) sealed()               {}

func (a *Apktool) Capabilities() Capabilities {
	return Capabilities{
		SupportsRecompile:        true,
		SupportsClassAnalysis:    true,
		SupportsResourceAnalysis: true,
	}
}

// Decompile 解包 APK；首次失败时带 --keep-broken-res 重试一次
func (a *Apktool) Decompile(ctx context.Context, archive, outDir string) (*project.Project, error) {
	if _, err := Locate(a.command); err != nil {
		return nil, err
	}
	info, err := os.Stat(archive)
	if err != nil {
		return nil, fmt.Errorf("stat archive: %w", err)
	}
	timeout := Timeout(info.Size(), a.policy)

	attempts := [][]string{
		{"d", archive, "-o", outDir, "-f"},
		{"d", archive, "-o", outDir, "-f", "--keep-broken-res"},
	}

	var failure *ProcessFailure
	for i, args := range attempts {
		argv := append(a.Command(), args...)
		argv = append(argv, a.extraArgs...)

		res, err := RunProcess(ctx, a.logger, argv, timeout)
		if err != nil {
			return nil, err
		}
		failure = classify(a.id, res, a.fatal)
		if failure == nil {
			a.logger.WithFields(logrus.Fields{
				"backend":  a.id,
				"attempt":  i + 1,
				"duration": res.Duration.String(),
			}).Info("APK decompiled")
			return project.Open(outDir, project.LayoutSmali)
		}
		// 超时不重试，重试只会再耗一次完整时长
		if failure.Kind == FailureTimeout {
			break
		}
		a.logger.WithFields(logrus.Fields{
			"backend":   a.id,
			"attempt":   i + 1,
			"exit_code": failure.ExitCode,
		}).Warn("Decompile attempt failed")
	}

	return nil, &DecompileError{ProcessFailure: *failure}
}

// Recompile 重新打包项目目录；失败时切换 aapt 模式重试一次
func (a *Apktool) Recompile(ctx context.Context, projectDir, outArchive string) error {
	if _, err := Locate(a.command); err != nil {
		return err
	}
	size, err := dirSize(projectDir)
	if err != nil {
		return fmt.Errorf("measure project: %w", err)
	}
	timeout := Timeout(size, a.policy)

	var failure *ProcessFailure
	for i, aapt2 := range []bool{a.useAAPT2, !a.useAAPT2} {
		if i > 0 {
			os.Remove(outArchive)
		}
		argv := append(a.Command(), "b", projectDir, "-o", outArchive, "-f")
		if aapt2 {
			argv = append(argv, "--use-aapt2")
		}

		res, err := RunProcess(ctx, a.logger, argv, timeout)
		if err != nil {
			return err
		}
		failure = classify(a.id, res, a.fatal)
		if failure == nil {
			if _, err := os.Stat(outArchive); err != nil {
				failure = &ProcessFailure{
					Backend: a.id,
					Kind:    FailureProcessFailure,
					Stderr:  "no output archive produced",
					Err:     err,
				}
			}
		}
		if failure == nil {
			a.logger.WithFields(logrus.Fields{
				"backend":  a.id,
				"output":   outArchive,
				"attempt":  i + 1,
				"aapt2":    aapt2,
				"duration": res.Duration.String(),
			}).Info("Project recompiled")
			return nil
		}
		if failure.Kind == FailureTimeout {
			break
		}
		a.logger.WithFields(logrus.Fields{
			"backend":   a.id,
			"attempt":   i + 1,
			"aapt2":     aapt2,
			"exit_code": failure.ExitCode,
		}).Warn("Recompile attempt failed")
	}

	return &RecompileError{ProcessFailure: *failure}
}
