package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/apk-purifier/apk-purifier-go/internal/backend"
	"github.com/apk-purifier/apk-purifier-go/internal/backend/backendtest"
	"github.com/apk-purifier/apk-purifier-go/internal/backup"
	"github.com/apk-purifier/apk-purifier-go/internal/config"
	"github.com/apk-purifier/apk-purifier-go/internal/domain"
	"github.com/apk-purifier/apk-purifier-go/internal/project/projecttest"
	"github.com/apk-purifier/apk-purifier-go/internal/repository"
	"github.com/apk-purifier/apk-purifier-go/internal/signer"
	"github.com/apk-purifier/apk-purifier-go/internal/toolprobe"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// testEnv 一套完整的假工具链和内存数据库
type testEnv struct {
	dir     string
	fixture string
	repo    repository.JobRepository
	cfg     *config.Config
	events  *eventLog
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) OnJobEvent(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) states(jobID string) []domain.JobState {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.JobState
	for _, e := range l.events {
		if e.JobID == jobID {
			out = append(out, e.State)
		}
	}
	return out
}

// setupTestEnv 创建测试环境
func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, repository.AutoMigrate(db, quietLogger()))

	dir := t.TempDir()
	fixture := filepath.Join(dir, "fixture")
	projecttest.Write(t, fixture, projecttest.SampleApp())

	cfg := config.Default()
	cfg.Workspace = config.WorkspaceConfig{
		WorkDir:   filepath.Join(dir, "work"),
		BackupDir: filepath.Join(dir, "backup"),
		OutputDir: filepath.Join(dir, "output"),
	}
	cfg.Tools.Preference = []string{"apktool", "apktool-alt", "jadx"}
	cfg.Tools.FallbackEnabled = true
	cfg.Tools.AnalysisPreference = false

	return &testEnv{
		dir:     dir,
		fixture: fixture,
		repo:    repository.NewJobRepository(db, quietLogger()),
		cfg:     cfg,
		events:  &eventLog{},
	}
}

func (e *testEnv) apktool(t *testing.T, id, hook string) config.BackendConfig {
	script := backendtest.ApktoolScript(t, e.dir, id, e.fixture, hook)
	return backendtest.BackendConfig(id, "apktool", script)
}

// jadx 假 jadx：写出一个含 root shell 特征的 Java 源文件和清单
func (e *testEnv) jadx(t *testing.T) config.BackendConfig {
	script := backendtest.Script(t, e.dir, "jadx", `if [ "$1" = "--version" ]; then echo 1.5.0; exit 0; fi
out=""
while [ $# -gt 0 ]; do
  if [ "$1" = "-d" ]; then out="$2"; fi
  shift
done
mkdir -p "$out/sources/com/example/app" "$out/resources"
echo 'class Dropper { String cmd = "su -c"; }' > "$out/sources/com/example/app/Dropper.java"
cat > "$out/resources/AndroidManifest.xml" <<'EOF'
<manifest xmlns:android="http://schemas.android.com/apk/res/android" package="com.example.app">
  <uses-permission android:name="android.permission.READ_SMS"/>
</manifest>
EOF
`)
	return backendtest.BackendConfig("jadx", "jadx", script)
}

func (e *testEnv) orchestrator(t *testing.T, signerScript string, cfgs ...config.BackendConfig) *Orchestrator {
	t.Helper()
	logger := quietLogger()
	bs, err := backend.FromConfig(cfgs, logger)
	require.NoError(t, err)

	if signerScript == "" {
		signerScript = backendtest.SignerScript(t, e.dir, "signer", "")
	}
	s := signer.NewUberSigner(config.SignerConfig{Command: []string{signerScript}, TimeoutSeconds: 30}, logger)

	o := NewOrchestrator(
		e.repo,
		toolprobe.NewRegistry(bs, 5*time.Second, logger),
		backup.NewManager(e.cfg.Workspace.BackupDir, logger),
		signer.NewPipeline(s, logger),
		e.cfg,
		logger,
	)
	o.AddListener(e.events)
	return o
}

func (e *testEnv) newJob(t *testing.T, op domain.Operation, archive string) *domain.Job {
	t.Helper()
	job := &domain.Job{
		ID:         uuid.New().String(),
		Operation:  op,
		SourcePath: backendtest.Archive(t, e.dir, archive),
	}
	require.NoError(t, e.repo.Create(context.Background(), job))
	return job
}

func (e *testEnv) reload(t *testing.T, id string) *domain.Job {
	t.Helper()
	job, err := e.repo.FindByID(context.Background(), id)
	require.NoError(t, err)
	return job
}

func readBytes(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

func TestOrchestrator_PurifyCompletes(t *testing.T) {
	env := setupTestEnv(t)
	o := env.orchestrator(t, "", env.apktool(t, "apktool", ""), env.jadx(t))
	job := env.newJob(t, domain.OperationPurify, "app.apk")
	original := readBytes(t, job.SourcePath)

	require.NoError(t, o.Execute(context.Background(), job.ID))

	got := env.reload(t, job.ID)
	assert.Equal(t, domain.JobStateDone, got.State)
	assert.Equal(t, "apktool", got.Backend)
	assert.False(t, got.FallbackUsed)
	assert.Equal(t, filepath.Join(env.cfg.Workspace.OutputDir, "app-purified.apk"), got.ArtifactPath)
	assert.FileExists(t, got.ArtifactPath)
	assert.NotNil(t, got.CompletedAt)
	assert.Greater(t, got.Applied, 0)
	assert.Equal(t, 1, got.Skipped)
	assert.Equal(t, 1, got.FindingCount)
	assert.Len(t, got.Findings, 2)

	assert.Equal(t, original, readBytes(t, job.SourcePath))
	assert.NoDirExists(t, filepath.Join(env.cfg.Workspace.WorkDir, job.ID))
	assert.NoDirExists(t, filepath.Join(env.cfg.Workspace.BackupDir, job.ID))

	assert.Equal(t, []domain.JobState{
		domain.JobStateSelectBackend,
		domain.JobStateDecompiling,
		domain.JobStatePatching,
		domain.JobStateRecompiling,
		domain.JobStateSigning,
		domain.JobStateDone,
	}, env.events.states(job.ID))

	// 已完成的任务不能再次执行
	assert.ErrorIs(t, o.Execute(context.Background(), job.ID), ErrJobFinished)
}

func TestOrchestrator_ScenarioB_FallbackWhenPrimaryUnavailable(t *testing.T) {
	env := setupTestEnv(t)
	missing := backendtest.BackendConfig("apktool", "apktool", filepath.Join(env.dir, "not-installed"))
	o := env.orchestrator(t, "", missing, env.apktool(t, "apktool-alt", ""))
	job := env.newJob(t, domain.OperationPurify, "app.apk")

	require.NoError(t, o.Execute(context.Background(), job.ID))

	got := env.reload(t, job.ID)
	assert.Equal(t, domain.JobStateDone, got.State)
	assert.Equal(t, "apktool-alt", got.Backend)
	assert.True(t, got.FallbackUsed)
}

func TestOrchestrator_FallbackAfterDecompileFailure(t *testing.T) {
	env := setupTestEnv(t)
	failing := env.apktool(t, "apktool", `if [ "$1" = "d" ]; then echo "brut.directory.PathNotExist" >&2; exit 1; fi
`)
	o := env.orchestrator(t, "", failing, env.apktool(t, "apktool-alt", ""))
	job := env.newJob(t, domain.OperationPurify, "app.apk")

	require.NoError(t, o.Execute(context.Background(), job.ID))

	got := env.reload(t, job.ID)
	assert.Equal(t, domain.JobStateDone, got.State)
	assert.Equal(t, "apktool-alt", got.Backend)
	assert.True(t, got.FallbackUsed)
}

func TestOrchestrator_DecompileFailsWithoutFallback(t *testing.T) {
	env := setupTestEnv(t)
	env.cfg.Tools.FallbackEnabled = false
	failing := env.apktool(t, "apktool", `if [ "$1" = "d" ]; then echo "brut.directory.PathNotExist" >&2; exit 1; fi
`)
	o := env.orchestrator(t, "", failing, env.apktool(t, "apktool-alt", ""))
	job := env.newJob(t, domain.OperationPurify, "app.apk")

	err := o.Execute(context.Background(), job.ID)
	var de *backend.DecompileError
	require.ErrorAs(t, err, &de)

	got := env.reload(t, job.ID)
	assert.Equal(t, domain.JobStateFailed, got.State)
	assert.Equal(t, domain.JobStateDecompiling, got.FailedStage)
	assert.Equal(t, domain.FailureKindProcess, got.FailureKind)
	assert.Contains(t, got.Reason, "PathNotExist")
}

func TestOrchestrator_ScenarioC_RecompileFailure(t *testing.T) {
	env := setupTestEnv(t)
	failing := env.apktool(t, "apktool", `if [ "$1" = "b" ]; then
  echo "error: public symbol drawable/banner_ad_bg declared here is not defined." >&2
  exit 1
fi
`)
	o := env.orchestrator(t, "", failing)
	job := env.newJob(t, domain.OperationPurify, "app.apk")
	original := readBytes(t, job.SourcePath)

	err := o.Execute(context.Background(), job.ID)
	require.Error(t, err)
	stage, ok := signer.FailedStage(err)
	require.True(t, ok)
	assert.Equal(t, signer.StageRecompile, stage)

	got := env.reload(t, job.ID)
	assert.Equal(t, domain.JobStateFailed, got.State)
	assert.Equal(t, domain.JobStateRecompiling, got.FailedStage)
	assert.Equal(t, domain.FailureKindRecompile, got.FailureKind)
	assert.Contains(t, got.Reason, "public symbol")
	assert.Empty(t, got.ArtifactPath)

	assert.Equal(t, original, readBytes(t, job.SourcePath))
	assert.NoFileExists(t, filepath.Join(env.cfg.Workspace.OutputDir, "app-purified.apk"))
	assert.NoDirExists(t, filepath.Join(env.cfg.Workspace.WorkDir, job.ID))

	states := env.events.states(job.ID)
	assert.Equal(t, domain.JobStateFailed, states[len(states)-1])
}

func TestOrchestrator_SignFailure(t *testing.T) {
	env := setupTestEnv(t)
	badSigner := backendtest.Script(t, env.dir, "bad-signer", "echo 'Keystore was tampered with' >&2\nexit 1\n")
	o := env.orchestrator(t, badSigner, env.apktool(t, "apktool", ""))
	job := env.newJob(t, domain.OperationPurify, "app.apk")

	require.Error(t, o.Execute(context.Background(), job.ID))

	got := env.reload(t, job.ID)
	assert.Equal(t, domain.JobStateSigning, got.FailedStage)
	assert.Equal(t, domain.FailureKindSign, got.FailureKind)
	assert.NoFileExists(t, filepath.Join(env.cfg.Workspace.OutputDir, "app-purified.apk"))
}

func TestOrchestrator_SourceArchiveRestoredAfterToolDamage(t *testing.T) {
	env := setupTestEnv(t)
	env.cfg.Tools.FallbackEnabled = false
	// 反编译时破坏输入文件后失败
	damaging := env.apktool(t, "apktool", `if [ "$1" = "d" ]; then echo garbage >> "$2"; exit 1; fi
`)
	o := env.orchestrator(t, "", damaging)
	job := env.newJob(t, domain.OperationPurify, "app.apk")
	original := readBytes(t, job.SourcePath)

	require.Error(t, o.Execute(context.Background(), job.ID))
	assert.Equal(t, original, readBytes(t, job.SourcePath))
}

func TestOrchestrator_ScanUsesAnalysisBackend(t *testing.T) {
	env := setupTestEnv(t)
	env.cfg.Tools.AnalysisPreference = true
	o := env.orchestrator(t, "", env.apktool(t, "apktool", ""), env.jadx(t))
	job := env.newJob(t, domain.OperationScan, "app.apk")

	require.NoError(t, o.Execute(context.Background(), job.ID))

	got := env.reload(t, job.ID)
	assert.Equal(t, domain.JobStateDone, got.State)
	assert.Equal(t, "jadx", got.Backend)
	assert.Empty(t, got.ArtifactPath)
	assert.Equal(t, 2, got.FindingCount)
	require.Len(t, got.Findings, 2)
	categories := []string{got.Findings[0].Category, got.Findings[1].Category}
	assert.ElementsMatch(t, []string{"suspicious-permission", "known-malware-signature"}, categories)

	assert.Equal(t, []domain.JobState{
		domain.JobStateSelectBackend,
		domain.JobStateDecompiling,
		domain.JobStateAnalyzing,
		domain.JobStateDone,
	}, env.events.states(job.ID))
	_, err := os.Stat(env.cfg.Workspace.OutputDir)
	assert.True(t, os.IsNotExist(err))
}

func TestOrchestrator_PurifyRejectsAnalysisOnlyToolchain(t *testing.T) {
	env := setupTestEnv(t)
	env.cfg.Tools.AnalysisPreference = true
	o := env.orchestrator(t, "", env.jadx(t))
	job := env.newJob(t, domain.OperationPurify, "app.apk")

	err := o.Execute(context.Background(), job.ID)
	assert.ErrorIs(t, err, ErrNoEligibleBackend)

	got := env.reload(t, job.ID)
	assert.Equal(t, domain.JobStateSelectBackend, got.FailedStage)
	assert.Equal(t, domain.FailureKindToolUnavailable, got.FailureKind)
	assert.Empty(t, got.Backend)
}

func TestOrchestrator_InvalidInput(t *testing.T) {
	env := setupTestEnv(t)
	o := env.orchestrator(t, "", env.apktool(t, "apktool", ""))

	bogus := filepath.Join(env.dir, "bogus.apk")
	require.NoError(t, os.WriteFile(bogus, []byte("not a zip"), 0644))
	job := &domain.Job{ID: uuid.New().String(), Operation: domain.OperationPurify, SourcePath: bogus}
	require.NoError(t, env.repo.Create(context.Background(), job))

	require.Error(t, o.Execute(context.Background(), job.ID))
	got := env.reload(t, job.ID)
	assert.Equal(t, domain.JobStateSelectBackend, got.FailedStage)
	assert.Equal(t, domain.FailureKindInvalidInput, got.FailureKind)
	assert.Equal(t, []byte("not a zip"), readBytes(t, bogus))
}

func TestOrchestrator_OutputExistsRequiresForce(t *testing.T) {
	env := setupTestEnv(t)
	o := env.orchestrator(t, "", env.apktool(t, "apktool", ""))

	out := filepath.Join(env.cfg.Workspace.OutputDir, "app-purified.apk")
	require.NoError(t, os.MkdirAll(filepath.Dir(out), 0755))
	require.NoError(t, os.WriteFile(out, []byte("previous"), 0644))

	job := env.newJob(t, domain.OperationPurify, "app.apk")
	err := o.Execute(context.Background(), job.ID)
	assert.ErrorIs(t, err, ErrOutputExists)
	assert.Equal(t, domain.FailureKindInvalidInput, env.reload(t, job.ID).FailureKind)
	assert.Equal(t, []byte("previous"), readBytes(t, out))

	forced := &domain.Job{ID: uuid.New().String(), Operation: domain.OperationPurify, SourcePath: job.SourcePath, Force: true}
	require.NoError(t, env.repo.Create(context.Background(), forced))
	require.NoError(t, o.Execute(context.Background(), forced.ID))
	assert.NotEqual(t, []byte("previous"), readBytes(t, out))
}

func TestOrchestrator_CancelledBeforeStart(t *testing.T) {
	env := setupTestEnv(t)
	o := env.orchestrator(t, "", env.apktool(t, "apktool", ""))
	job := env.newJob(t, domain.OperationPurify, "app.apk")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, o.Execute(ctx, job.ID), context.Canceled)

	got := env.reload(t, job.ID)
	assert.Equal(t, domain.JobStateFailed, got.State)
	assert.Equal(t, domain.FailureKindCancelled, got.FailureKind)
	assert.True(t, got.FailureKind.CanRetry())
}

func TestClassifyFailure(t *testing.T) {
	timeout := &backend.DecompileError{ProcessFailure: backend.ProcessFailure{Kind: backend.FailureTimeout, Err: context.DeadlineExceeded}}
	assert.Equal(t, domain.FailureKindTimeout, classifyFailure(domain.JobStateDecompiling, timeout))
	assert.Equal(t, domain.FailureKindCancelled, classifyFailure(domain.JobStatePatching, context.Canceled))
	assert.Equal(t, domain.FailureKindToolUnavailable, classifyFailure(domain.JobStateDecompiling, backend.ErrToolUnavailable))
	assert.Equal(t, domain.FailureKindSign, classifyFailure(domain.JobStateSigning, &signer.FinalizeError{Stage: signer.StageVerify, Err: os.ErrNotExist}))
	assert.Equal(t, domain.FailureKindPatch, classifyFailure(domain.JobStatePatching, os.ErrPermission))
	assert.Equal(t, domain.FailureKindInternal, classifyFailure(domain.JobStateSelectBackend, os.ErrPermission))
}

func TestOrchestrator_KeepsSourceBackup(t *testing.T) {
	env := setupTestEnv(t)
	env.cfg.Workspace.KeepBackups = true
	o := env.orchestrator(t, "", env.apktool(t, "apktool", ""))

	job := env.newJob(t, domain.OperationPurify, "app.apk")
	original := readBytes(t, job.SourcePath)
	require.NoError(t, o.Execute(context.Background(), job.ID))

	got := env.reload(t, job.ID)
	assert.Equal(t, filepath.Join(env.cfg.Workspace.BackupDir, "app_backup.apk"), got.BackupPath)
	assert.Equal(t, original, readBytes(t, got.BackupPath))

	// 失败的任务同样保留副本，编号递增
	failing := env.orchestrator(t, "", env.apktool(t, "apktool-alt", `if [ "$1" = "b" ]; then exit 1; fi
`))
	second := &domain.Job{ID: uuid.New().String(), Operation: domain.OperationPurify, SourcePath: job.SourcePath, Force: true}
	require.NoError(t, env.repo.Create(context.Background(), second))
	require.Error(t, failing.Execute(context.Background(), second.ID))

	got = env.reload(t, second.ID)
	assert.Equal(t, domain.JobStateFailed, got.State)
	assert.Equal(t, filepath.Join(env.cfg.Workspace.BackupDir, "app_backup_1.apk"), got.BackupPath)
	assert.FileExists(t, got.BackupPath)

	// 扫描不修改任何文件，不备份
	scan := &domain.Job{ID: uuid.New().String(), Operation: domain.OperationScan, SourcePath: job.SourcePath}
	require.NoError(t, env.repo.Create(context.Background(), scan))
	require.NoError(t, o.Execute(context.Background(), scan.ID))
	assert.Empty(t, env.reload(t, scan.ID).BackupPath)
}

func TestOrchestrator_CancelDuringRecompileKillsProcess(t *testing.T) {
	env := setupTestEnv(t)
	pidFile := filepath.Join(env.dir, "apktool-b.pid")
	// 回编译阻塞，直到被杀死
	blocking := env.apktool(t, "apktool", `if [ "$1" = "b" ]; then echo $$ > `+pidFile+`; exec sleep 60; fi
`)
	o := env.orchestrator(t, "", blocking)
	job := env.newJob(t, domain.OperationPurify, "app.apk")
	original := readBytes(t, job.SourcePath)

	pool := NewPool(1, 4, o, quietLogger())
	pool.Start(context.Background())
	defer pool.Stop()
	require.NoError(t, pool.Submit(job.ID))

	var pid int
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(pidFile)
		if err != nil {
			return false
		}
		pid, err = strconv.Atoi(strings.TrimSpace(string(data)))
		return err == nil
	}, 20*time.Second, 20*time.Millisecond)

	start := time.Now()
	require.True(t, pool.Cancel(job.ID))
	result := nextResult(t, pool)
	assert.Equal(t, job.ID, result.JobID)
	assert.ErrorIs(t, result.Err, context.Canceled)
	assert.Less(t, time.Since(start), 20*time.Second)

	// 进程组已被杀死并回收
	assert.Eventually(t, func() bool {
		return errors.Is(syscall.Kill(pid, 0), syscall.ESRCH)
	}, 5*time.Second, 20*time.Millisecond)

	got := env.reload(t, job.ID)
	assert.Equal(t, domain.JobStateFailed, got.State)
	assert.Equal(t, domain.JobStateRecompiling, got.FailedStage)
	assert.Equal(t, domain.FailureKindCancelled, got.FailureKind)
	assert.Equal(t, original, readBytes(t, job.SourcePath))
	assert.NoFileExists(t, filepath.Join(env.cfg.Workspace.OutputDir, "app-purified.apk"))
	assert.NoDirExists(t, filepath.Join(env.cfg.Workspace.WorkDir, job.ID))
}

func TestInScope_SettlesOnEveryPath(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "AndroidManifest.xml")
	require.NoError(t, os.WriteFile(target, []byte("original"), 0644))
	backups := backup.NewManager(t.TempDir(), quietLogger())

	// 成功：提交
	scope := backups.Begin("job-ok", root)
	require.NoError(t, inScope(scope, func() error {
		return scope.WriteFile("AndroidManifest.xml", []byte("patched"))
	}))
	assert.True(t, scope.Settled())
	assert.Equal(t, []byte("patched"), readBytes(t, target))

	// 出错：回滚并保留原因
	cause := errors.New("reconcile failed")
	scope = backups.Begin("job-err", root)
	err := inScope(scope, func() error {
		require.NoError(t, scope.WriteFile("AndroidManifest.xml", []byte("broken")))
		return cause
	})
	assert.ErrorIs(t, err, cause)
	assert.True(t, scope.Settled())
	assert.Equal(t, []byte("patched"), readBytes(t, target))

	// panic：先回滚再继续 panic
	scope = backups.Begin("job-panic", root)
	assert.Panics(t, func() {
		_ = inScope(scope, func() error {
			require.NoError(t, scope.WriteFile("AndroidManifest.xml", []byte("half written")))
			require.NoError(t, scope.Remove("missing.xml"))
			panic("engine bug")
		})
	})
	assert.True(t, scope.Settled())
	assert.Equal(t, []byte("patched"), readBytes(t, target))
}
