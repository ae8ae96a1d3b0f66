package backend

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"

	"github.com/apk-purifier/apk-purifier-go/internal/config"
	"github.com/apk-purifier/apk-purifier-go/internal/project"
	"github.com/sirupsen/logrus"
)

// Jadx 只读后端：反编译为 Java 源码，对混淆字节码还原度更好，不能回编译
type Jadx struct {
	id          string
	command     []string
	versionArgs []string
	extraArgs   []string
	policy      TimeoutPolicy
	fatal       []*regexp.Regexp
	logger      *logrus.Logger
}

func NewJadx(cfg config.BackendConfig, logger *logrus.Logger) *Jadx {
	id := cfg.ID
	if id == "" {
		id = "jadx"
	}
	return &Jadx{
		id:          id,
		command:     cfg.Command,
		versionArgs: cfg.VersionArgs,
		extraArgs:   cfg.ExtraArgs,
		policy:      PolicyFromConfig(cfg.Timeout),
		fatal:       compilePatterns(cfg.FatalPatterns, logger),
		logger:      logger,
	}
}

func (j *Jadx) ID() string { return j.id }
func (j *Jadx) Kind() Kind { return KindAnalysisOnly }
func (j *Jadx) Command() []string {
	return append([]string(nil), j.command...)
}
func (j *Jadx) VersionArgs() []string { return j.versionArgs }
func (j *Jadx) sealed()               {}

func (j *Jadx) Capabilities() Capabilities {
	return Capabilities{
		SupportsRecompile:        false,
		SupportsClassAnalysis:    true,
		SupportsResourceAnalysis: true,
	}
}

// Decompile 反编译 APK；失败时去掉 --no-debug-info 再试一次
func (j *Jadx) Decompile(ctx context.Context, archive, outDir string) (*project.Project, error) {
	if _, err := Locate(j.command); err != nil {
		return nil, err
	}
	info, err := os.Stat(archive)
	if err != nil {
		return nil, fmt.Errorf("stat archive: %w", err)
	}
	timeout := Timeout(info.Size(), j.policy)

	attempts := [][]string{
		{"-d", outDir, "--show-bad-code", "--no-imports", "--no-debug-info"},
		{"-d", outDir, "--show-bad-code", "--no-imports"},
	}

	var failure *ProcessFailure
	for i, args := range attempts {
		if err := os.RemoveAll(outDir); err != nil {
			return nil, fmt.Errorf("clean output dir: %w", err)
		}
		argv := append(j.Command(), args...)
		argv = append(argv, j.extraArgs...)
		argv = append(argv, archive)

		res, err := RunProcess(ctx, j.logger, argv, timeout)
		if err != nil {
			return nil, err
		}
		failure = classify(j.id, res, j.fatal)
		// jadx 对部分类反编译失败时也可能返回非零，只要产出了源码就接受
		if failure != nil && failure.Kind == FailureProcessFailure && failure.ExitCode != 0 && hasSources(outDir) && matchFatal(res.Stderr, j.fatal) == "" {
			j.logger.WithFields(logrus.Fields{
				"backend":   j.id,
				"exit_code": failure.ExitCode,
			}).Warn("jadx reported errors but produced sources, accepting partial output")
			failure = nil
		}
		if failure == nil {
			j.logger.WithFields(logrus.Fields{
				"backend":  j.id,
				"attempt":  i + 1,
				"duration": res.Duration.String(),
			}).Info("APK decompiled")
			return project.Open(outDir, project.LayoutJava)
		}
		if failure.Kind == FailureTimeout {
			break
		}
		j.logger.WithFields(logrus.Fields{
			"backend":   j.id,
			"attempt":   i + 1,
			"exit_code": failure.ExitCode,
		}).Warn("Decompile attempt failed")
	}

	return nil, &DecompileError{ProcessFailure: *failure}
}

func hasSources(dir string) bool {
	found := false
	_ = filepath.WalkDir(filepath.Join(dir, "sources"), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && filepath.Ext(path) == ".java" {
			found = true
			return filepath.SkipAll
		}
		return nil
	})
	return found
}

func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}
