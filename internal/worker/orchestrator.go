package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/apk-purifier/apk-purifier-go/internal/apkinfo"
	"github.com/apk-purifier/apk-purifier-go/internal/backend"
	"github.com/apk-purifier/apk-purifier-go/internal/backup"
	"github.com/apk-purifier/apk-purifier-go/internal/config"
	"github.com/apk-purifier/apk-purifier-go/internal/domain"
	"github.com/apk-purifier/apk-purifier-go/internal/patch"
	"github.com/apk-purifier/apk-purifier-go/internal/patterns"
	"github.com/apk-purifier/apk-purifier-go/internal/project"
	"github.com/apk-purifier/apk-purifier-go/internal/repository"
	"github.com/apk-purifier/apk-purifier-go/internal/resolver"
	"github.com/apk-purifier/apk-purifier-go/internal/scanner"
	"github.com/apk-purifier/apk-purifier-go/internal/signer"
	"github.com/apk-purifier/apk-purifier-go/internal/toolprobe"
	"github.com/sirupsen/logrus"
)

var (
	// ErrOutputExists 输出文件已存在且未指定覆盖
	ErrOutputExists = errors.New("output already exists")
	// ErrJobFinished 任务已处于终止状态
	ErrJobFinished = errors.New("job already finished")
)

// Orchestrator 单个任务的流水线编排器
//
// 状态机：SELECT_BACKEND → DECOMPILING → {ANALYZING | PATCHING} → RECOMPILING → SIGNING → DONE，
// 任何非终止状态都可能进入 FAILED(stage, reason)。
type Orchestrator struct {
	repo        repository.JobRepository
	registry    *toolprobe.Registry
	backups     *backup.Manager
	pipeline    *signer.Pipeline
	workspace   config.WorkspaceConfig
	policy      SelectionPolicy
	patchCfg    config.PatchConfig
	patternsDir string
	listeners   listeners
	logger      *logrus.Logger
}

// NewOrchestrator 创建编排器，工作区路径全部来自配置
func NewOrchestrator(
	repo repository.JobRepository,
	registry *toolprobe.Registry,
	backups *backup.Manager,
	pipeline *signer.Pipeline,
	cfg *config.Config,
	logger *logrus.Logger,
) *Orchestrator {
	return &Orchestrator{
		repo:        repo,
		registry:    registry,
		backups:     backups,
		pipeline:    pipeline,
		workspace:   cfg.Workspace,
		policy:      PolicyFromConfig(cfg.Tools),
		patchCfg:    cfg.Patch,
		patternsDir: cfg.Patterns.Dir,
		logger:      logger,
	}
}

// AddListener 注册状态事件监听器（websocket 推送、指标等）
func (o *Orchestrator) AddListener(l Listener) {
	o.listeners.add(l)
}

// OutputPath 任务的签名产物路径
func (o *Orchestrator) OutputPath(job *domain.Job) string {
	if job.OutputPath != "" {
		return job.OutputPath
	}
	base := strings.TrimSuffix(filepath.Base(job.SourcePath), filepath.Ext(job.SourcePath))
	return filepath.Join(o.workspace.OutputDir, base+"-purified.apk")
}

// run 一次执行的可变状态，只属于执行它的 worker
type run struct {
	job     *domain.Job
	stage   domain.JobState
	guard   *backup.ArchiveGuard
	workDir string
	output  string
}

// Execute 执行任务直到终止状态
//
// 失败时返回错误，任务记录已写入失败阶段和原因，源 APK 保持原样。
// ctx 被取消会终止正在运行的外部进程并按失败处理。
func (o *Orchestrator) Execute(ctx context.Context, jobID string) error {
	// 取消后仍需写入失败记录
	store := context.WithoutCancel(ctx)

	job, err := o.repo.FindByID(store, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job.State.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrJobFinished, jobID, job.State)
	}

	r := &run{
		job:     job,
		stage:   domain.JobStateSelectBackend,
		workDir: filepath.Join(o.workspace.WorkDir, job.ID),
	}
	defer o.cleanup(r)

	o.logger.WithFields(logrus.Fields{
		"job_id":    job.ID,
		"operation": job.Operation,
		"source":    job.SourcePath,
	}).Info("Starting job execution")

	start := time.Now()
	if err := o.execute(ctx, store, r); err != nil {
		return o.fail(store, r, err)
	}

	o.logger.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"backend":  job.Backend,
		"fallback": job.FallbackUsed,
		"artifact": job.ArtifactPath,
		"duration": time.Since(start).String(),
	}).Info("✅ Job completed")
	return nil
}

func (o *Orchestrator) execute(ctx, store context.Context, r *run) error {
	job := r.job
	// 排队期间被取消
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := o.repo.MarkStarted(store, job.ID, r.workDir); err != nil {
		return fmt.Errorf("mark started: %w", err)
	}
	job.State = domain.JobStateSelectBackend
	o.emit(r, Event{})

	info, err := apkinfo.Inspect(job.SourcePath)
	if err != nil {
		return err
	}
	if info.PackageName != "" {
		job.PackageName = info.PackageName
		if err := o.repo.UpdatePackageName(store, job.ID, info.PackageName); err != nil {
			o.logger.WithError(err).WithField("job_id", job.ID).Warn("Failed to record package name")
		}
	}

	if job.Operation.RequiresRecompile() {
		r.output = o.OutputPath(job)
		if !job.Force {
			if _, err := os.Stat(r.output); err == nil {
				return fmt.Errorf("%w: %s", ErrOutputExists, r.output)
			}
		}
	}

	sets, err := patterns.Load(o.patternsDir)
	if err != nil {
		return fmt.Errorf("load patterns: %w", err)
	}

	r.guard, err = o.backups.GuardArchive(job.ID, job.SourcePath)
	if err != nil {
		return err
	}
	if job.Operation.RequiresRecompile() && o.workspace.KeepBackups {
		if job.BackupPath, err = o.backups.KeepCopy(job.SourcePath); err != nil {
			return err
		}
		if err := o.repo.UpdateBackupPath(store, job.ID, job.BackupPath); err != nil {
			return fmt.Errorf("record backup path: %w", err)
		}
	}

	sel, err := SelectBackends(job.Operation, o.registry.Backends(), o.registry.Probe(ctx), o.policy)
	if err != nil {
		return err
	}
	if err := o.recordBackend(store, r, sel.Primary.ID(), sel.Degraded); err != nil {
		return err
	}

	proj, used, err := o.decompile(ctx, store, r, sel)
	if err != nil {
		return err
	}

	findings, err := scanner.Scan(proj, sets)
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}

	if !job.Operation.RequiresRecompile() {
		if err := o.transition(ctx, store, r, domain.JobStateAnalyzing); err != nil {
			return err
		}
		if err := o.saveFindings(store, job.ID, findings); err != nil {
			return err
		}
		if err := o.repo.UpdateStats(store, job.ID, 0, 0, len(findings)); err != nil {
			return fmt.Errorf("update stats: %w", err)
		}
		job.FindingCount = len(findings)
		return o.complete(store, r, "")
	}

	if err := o.transition(ctx, store, r, domain.JobStatePatching); err != nil {
		return err
	}
	result, err := o.patch(ctx, r, proj, sets, findings)
	if err != nil {
		return err
	}
	if err := o.saveFindings(store, job.ID, append(findings, result.Skipped...)); err != nil {
		return err
	}
	applied := 0
	for _, a := range result.Applied {
		if a.Changes > 0 {
			applied++
		}
	}
	if err := o.repo.UpdateStats(store, job.ID, applied, len(result.Skipped), len(findings)); err != nil {
		return fmt.Errorf("update stats: %w", err)
	}
	job.Applied, job.Skipped, job.FindingCount = applied, len(result.Skipped), len(findings)

	rt, ok := backend.AsRoundTrip(used)
	if !ok {
		return fmt.Errorf("backend %s cannot recompile", used.ID())
	}
	signed, err := o.pipeline.Finalize(ctx, signer.Request{
		Project:  proj,
		Backend:  rt,
		BuildDir: filepath.Join(r.workDir, "build"),
		Output:   r.output,
		OnStage: func(s signer.Stage) {
			var next domain.JobState
			switch s {
			case signer.StageRecompile:
				next = domain.JobStateRecompiling
			case signer.StageSign:
				next = domain.JobStateSigning
			default:
				return
			}
			if err := o.transition(context.Background(), store, r, next); err != nil {
				o.logger.WithError(err).WithField("job_id", job.ID).Warn("Failed to record stage transition")
			}
		},
	})
	if err != nil {
		return err
	}
	return o.complete(store, r, signed)
}

// decompile 用首选后端反编译，失败时用备选后端重试一次
func (o *Orchestrator) decompile(ctx, store context.Context, r *run, sel Selection) (*project.Project, backend.Backend, error) {
	if err := o.transition(ctx, store, r, domain.JobStateDecompiling); err != nil {
		return nil, nil, err
	}
	dir := filepath.Join(r.workDir, "project")

	p, err := sel.Primary.Decompile(ctx, r.job.SourcePath, dir)
	if err == nil {
		return p, sel.Primary, nil
	}
	if ctx.Err() != nil || sel.Fallback == nil {
		return nil, nil, err
	}

	o.logger.WithError(err).WithFields(logrus.Fields{
		"job_id":   r.job.ID,
		"primary":  sel.Primary.ID(),
		"fallback": sel.Fallback.ID(),
	}).Warn("Decompile failed, retrying with fallback backend")

	if rmErr := os.RemoveAll(dir); rmErr != nil {
		return nil, nil, fmt.Errorf("clear project dir: %w", rmErr)
	}
	if err := o.recordBackend(store, r, sel.Fallback.ID(), true); err != nil {
		return nil, nil, err
	}
	p, ferr := sel.Fallback.Decompile(ctx, r.job.SourcePath, dir)
	if ferr != nil {
		return nil, nil, fmt.Errorf("fallback after %s failed (%v): %w", sel.Primary.ID(), err, ferr)
	}
	return p, sel.Fallback, nil
}

// patch 在备份作用域内执行净化和资源修复，任何错误都整体回滚
func (o *Orchestrator) patch(ctx context.Context, r *run, proj *project.Project, sets *patterns.Sets, findings []scanner.Finding) (*patch.Result, error) {
	scope := o.backups.Begin(r.job.ID, proj.Root)
	plan := patch.BuildPlan(sets, findings, patch.OptionsFromConfig(o.patchCfg))

	var result *patch.Result
	err := inScope(scope, func() error {
		var err error
		if result, err = patch.NewEngine(sets, o.logger).Apply(ctx, proj, plan, scope); err != nil {
			return err
		}
		_, err = resolver.New(o.logger, o.patchCfg.CascadePasses).Reconcile(ctx, proj, scope)
		return err
	})
	if err != nil {
		return nil, err
	}

	o.logger.WithFields(logrus.Fields{
		"job_id":          r.job.ID,
		"transformations": plan.Len(),
		"changes":         result.Changes(),
		"skipped":         len(result.Skipped),
	}).Info("Project purified")
	return result, nil
}

// inScope 执行 fn，离开时作用域一定已结算：成功提交，出错回滚；
// panic 时以 ErrScopeNotSettled 回滚后继续 panic
func inScope(scope *backup.Scope, fn func() error) (err error) {
	defer func() {
		if !scope.Settled() {
			err = scope.Rollback(backup.ErrScopeNotSettled)
		}
	}()
	if err := fn(); err != nil {
		return scope.Rollback(err)
	}
	return scope.Commit()
}

func (o *Orchestrator) recordBackend(store context.Context, r *run, id string, fallback bool) error {
	if err := o.repo.UpdateSelection(store, r.job.ID, id, fallback); err != nil {
		return fmt.Errorf("record backend: %w", err)
	}
	r.job.Backend = id
	r.job.FallbackUsed = fallback
	return nil
}

// transition 进入下一个阶段；阶段之间检查取消
func (o *Orchestrator) transition(ctx, store context.Context, r *run, state domain.JobState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := o.repo.UpdateState(store, r.job.ID, state); err != nil {
		return fmt.Errorf("update state: %w", err)
	}
	r.stage = state
	r.job.State = state
	o.emit(r, Event{})
	o.logger.WithFields(logrus.Fields{
		"job_id": r.job.ID,
		"state":  state,
	}).Debug("Job state changed")
	return nil
}

func (o *Orchestrator) complete(store context.Context, r *run, artifact string) error {
	if err := o.repo.MarkDone(store, r.job.ID, artifact); err != nil {
		return fmt.Errorf("mark done: %w", err)
	}
	r.job.State = domain.JobStateDone
	r.job.ArtifactPath = artifact
	o.emit(r, Event{ArtifactPath: artifact})
	return nil
}

// fail 恢复源 APK、记录失败阶段和原因
func (o *Orchestrator) fail(store context.Context, r *run, cause error) error {
	kind := classifyFailure(r.stage, cause)

	if r.guard != nil {
		if _, err := r.guard.Restore(); err != nil {
			o.logger.WithError(err).WithField("job_id", r.job.ID).Error("Failed to restore source archive")
		}
	}

	reason := cause.Error()
	if err := o.repo.MarkFailed(store, r.job.ID, r.stage, kind, reason); err != nil {
		o.logger.WithError(err).WithField("job_id", r.job.ID).Error("Failed to record job failure")
	}
	r.job.State = domain.JobStateFailed
	r.job.FailedStage = r.stage
	r.job.FailureKind = kind
	r.job.Reason = reason
	o.emit(r, Event{FailedStage: r.stage, FailureKind: kind, Reason: reason})

	return fmt.Errorf("job %s failed at %s: %w", r.job.ID, r.stage, cause)
}

func (o *Orchestrator) cleanup(r *run) {
	if r.guard != nil {
		if err := r.guard.Release(); err != nil {
			o.logger.WithError(err).WithField("job_id", r.job.ID).Warn("Failed to release archive snapshot")
		}
	}
	if o.workspace.RetainWorkDir {
		return
	}
	if err := os.RemoveAll(r.workDir); err != nil {
		o.logger.WithError(err).WithField("work_dir", r.workDir).Warn("Failed to remove work dir")
	}
}

func (o *Orchestrator) emit(r *run, e Event) {
	e.JobID = r.job.ID
	e.Operation = r.job.Operation
	e.State = r.job.State
	e.Backend = r.job.Backend
	e.FallbackUsed = r.job.FallbackUsed
	e.At = time.Now().UTC()
	o.listeners.emit(e)
}

func (o *Orchestrator) saveFindings(store context.Context, jobID string, findings []scanner.Finding) error {
	if len(findings) == 0 {
		return nil
	}
	rows := make([]domain.JobFinding, 0, len(findings))
	for _, f := range findings {
		rows = append(rows, domain.JobFinding{
			Category: string(f.Category),
			Location: f.Location,
			Offset:   f.Offset,
			Pattern:  f.Pattern,
			Severity: string(f.Severity),
			Detail:   f.Detail,
		})
	}
	if err := o.repo.SaveFindings(store, jobID, rows); err != nil {
		return fmt.Errorf("save findings: %w", err)
	}
	return nil
}

// classifyFailure 把错误映射为失败类型，stage 用于兜底
func classifyFailure(stage domain.JobState, err error) domain.FailureKind {
	switch {
	case backend.IsTimeout(err):
		return domain.FailureKindTimeout
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return domain.FailureKindCancelled
	case errors.Is(err, backend.ErrToolUnavailable):
		return domain.FailureKindToolUnavailable
	case errors.Is(err, apkinfo.ErrInvalidArchive), errors.Is(err, ErrOutputExists):
		return domain.FailureKindInvalidInput
	case errors.Is(err, resolver.ErrReconcileFailure):
		return domain.FailureKindReconcile
	}

	if s, ok := signer.FailedStage(err); ok {
		if s == signer.StageRecompile {
			return domain.FailureKindRecompile
		}
		return domain.FailureKindSign
	}
	var de *backend.DecompileError
	if errors.As(err, &de) {
		return domain.FailureKindProcess
	}
	if stage == domain.JobStatePatching {
		return domain.FailureKindPatch
	}
	return domain.FailureKindInternal
}
