package signer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/apk-purifier/apk-purifier-go/internal/apkinfo"
	"github.com/apk-purifier/apk-purifier-go/internal/backend"
	"github.com/apk-purifier/apk-purifier-go/internal/project"
	"github.com/sirupsen/logrus"
)

// Stage 收尾流水线阶段
type Stage string

const (
	StageRecompile Stage = "recompile"
	StageSign      Stage = "sign"
	StageVerify    Stage = "verify"
)

// FinalizeError 收尾失败，Stage 指明失败的步骤
type FinalizeError struct {
	Stage Stage
	Err   error
}

func (e *FinalizeError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *FinalizeError) Unwrap() error { return e.Err }

// FailedStage 提取失败阶段
func FailedStage(err error) (Stage, bool) {
	var fe *FinalizeError
	if errors.As(err, &fe) {
		return fe.Stage, true
	}
	return "", false
}

// Request 一次收尾的输入
type Request struct {
	Project *project.Project
	Backend backend.RoundTripBackend
	// BuildDir 存放未签名中间产物，不能位于项目目录内
	BuildDir string
	Output   string
	// OnStage 进入每个阶段前回调，用于推进任务状态
	OnStage func(Stage)
}

// Pipeline 回编译、签名、校验
type Pipeline struct {
	signer Signer
	logger *logrus.Logger
}

func NewPipeline(s Signer, logger *logrus.Logger) *Pipeline {
	return &Pipeline{signer: s, logger: logger}
}

// Finalize 依次回编译、签名、校验产物容器，返回签名产物路径
//
// 任一步骤失败时删除中间产物；输出文件只在本次签名写入后才会删除，
// 覆盖模式下签名前失败不影响已有的产物。
func (p *Pipeline) Finalize(ctx context.Context, req Request) (string, error) {
	if req.Backend == nil {
		return "", &FinalizeError{Stage: StageRecompile, Err: errors.New("backend cannot recompile")}
	}
	if err := os.MkdirAll(req.BuildDir, 0755); err != nil {
		return "", &FinalizeError{Stage: StageRecompile, Err: err}
	}
	unsigned := filepath.Join(req.BuildDir, "unsigned.apk")
	written := false

	fail := func(stage Stage, err error) (string, error) {
		os.Remove(unsigned)
		if written {
			os.Remove(req.Output)
		}
		p.logger.WithFields(logrus.Fields{
			"stage":          stage,
			"output":         req.Output,
			"output_removed": written,
		}).WithError(err).Warn("Finalize failed, partial outputs removed")
		return "", &FinalizeError{Stage: stage, Err: err}
	}
	enter := func(stage Stage) {
		if req.OnStage != nil {
			req.OnStage(stage)
		}
	}

	enter(StageRecompile)
	if err := req.Backend.Recompile(ctx, req.Project.Root, unsigned); err != nil {
		return fail(StageRecompile, err)
	}

	enter(StageSign)
	if err := ctx.Err(); err != nil {
		return fail(StageSign, err)
	}
	if err := p.signer.Sign(ctx, unsigned, req.Output); err != nil {
		return fail(StageSign, err)
	}
	written = true

	enter(StageVerify)
	if err := apkinfo.VerifyContainer(req.Output); err != nil {
		return fail(StageVerify, err)
	}
	os.Remove(unsigned)

	p.logger.WithFields(logrus.Fields{
		"backend": req.Backend.ID(),
		"output":  req.Output,
	}).Info("✅ Signed artifact verified")
	return req.Output, nil
}
