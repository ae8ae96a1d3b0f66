package backend

import (
	"context"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/apk-purifier/apk-purifier-go/internal/backend/backendtest"
	"github.com/apk-purifier/apk-purifier-go/internal/config"
	"github.com/apk-purifier/apk-purifier-go/internal/project"
	"github.com/apk-purifier/apk-purifier-go/internal/project/projecttest"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func writeArchive(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "app.apk")
	require.NoError(t, os.WriteFile(path, []byte("PK fake"), 0644))
	return path
}

func fixtureDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	projecttest.Write(t, dir, projecttest.SampleApp())
	return dir
}

func TestTimeout_MonotonicAndClamped(t *testing.T) {
	p := TimeoutPolicy{PerMB: 10 * time.Second, Floor: 30 * time.Second, Ceiling: 5 * time.Minute}

	assert.Equal(t, 30*time.Second, Timeout(0, p))
	assert.Equal(t, 30*time.Second, Timeout(-5, p))
	assert.Equal(t, 30*time.Second, Timeout(2<<20, p))
	assert.Equal(t, 100*time.Second, Timeout(10<<20, p))
	assert.Equal(t, 5*time.Minute, Timeout(1<<30, p))

	prev := time.Duration(0)
	for size := int64(0); size < 64<<20; size += 1 << 19 {
		d := Timeout(size, p)
		assert.GreaterOrEqual(t, d, prev)
		prev = d
	}

	unbounded := TimeoutPolicy{PerMB: time.Second}
	assert.Equal(t, 100*time.Second, Timeout(100<<20, unbounded))

	// 极大输入不能溢出到下限以下
	huge := TimeoutPolicy{PerMB: time.Hour, Floor: time.Minute, Ceiling: 2 * time.Hour}
	assert.Equal(t, 2*time.Hour, Timeout(math.MaxInt64, huge))
	assert.Equal(t, time.Duration(math.MaxInt64), Timeout(math.MaxInt64, TimeoutPolicy{PerMB: time.Hour, Floor: time.Minute}))
	assert.GreaterOrEqual(t, Timeout(math.MaxInt64, unbounded), Timeout(1<<40, unbounded))
}

func TestFromConfig(t *testing.T) {
	bs, err := FromConfig(config.Default().Tools.Backends, testLogger())
	require.NoError(t, err)
	require.Len(t, bs, 2)

	_, ok := AsRoundTrip(bs[0])
	assert.True(t, ok)
	_, ok = AsRoundTrip(bs[1])
	assert.False(t, ok)
	assert.False(t, bs[1].Capabilities().SupportsRecompile)

	_, err = FromConfig([]config.BackendConfig{
		{ID: "a", Type: "apktool", Command: []string{"apktool"}},
		{ID: "a", Type: "jadx", Command: []string{"jadx"}},
	}, testLogger())
	assert.Error(t, err)

	_, err = New(config.BackendConfig{ID: "x", Type: "baksmali", Command: []string{"x"}}, testLogger())
	assert.Error(t, err)
	_, err = New(config.BackendConfig{ID: "apktool"}, testLogger())
	assert.Error(t, err)
}

func TestApktool_DecompileAndRecompile(t *testing.T) {
	dir := t.TempDir()
	script := backendtest.ApktoolScript(t, dir, "apktool", fixtureDir(t), "")
	a := NewApktool(backendtest.BackendConfig("apktool", "apktool", script), testLogger())

	out := filepath.Join(dir, "work")
	p, err := a.Decompile(context.Background(), writeArchive(t, dir), out)
	require.NoError(t, err)
	assert.Equal(t, project.LayoutSmali, p.Layout)
	assert.True(t, p.HasManifest())

	rebuilt := filepath.Join(dir, "rebuilt.apk")
	require.NoError(t, a.Recompile(context.Background(), out, rebuilt))
	assert.FileExists(t, rebuilt)
}

func TestApktool_RetriesWithKeepBrokenRes(t *testing.T) {
	dir := t.TempDir()
	// 不带 --keep-broken-res 时失败
	hook := `case "$*" in
  *--keep-broken-res*) ;;
  d*) echo "brut.androlib.AndrolibException: resource decode failed" >&2; exit 1 ;;
esac
`
	script := backendtest.ApktoolScript(t, dir, "apktool", fixtureDir(t), hook)
	a := NewApktool(backendtest.BackendConfig("apktool", "apktool", script), testLogger())

	_, err := a.Decompile(context.Background(), writeArchive(t, dir), filepath.Join(dir, "work"))
	require.NoError(t, err)
}

func TestApktool_RecompileRetriesWithOtherAAPTMode(t *testing.T) {
	dir := t.TempDir()
	calls := filepath.Join(dir, "calls")
	// aapt1 打包失败，只有 --use-aapt2 能成功
	hook := `if [ "$1" = "b" ]; then
  echo "$*" >> ` + calls + `
  case "$*" in
    *--use-aapt2*) ;;
    *) echo "brut.androlib.AndrolibException: aapt failed" >&2; exit 1 ;;
  esac
fi
`
	script := backendtest.ApktoolScript(t, dir, "apktool", fixtureDir(t), hook)
	a := NewApktool(backendtest.BackendConfig("apktool", "apktool", script), testLogger())

	rebuilt := filepath.Join(dir, "rebuilt.apk")
	require.NoError(t, a.Recompile(context.Background(), fixtureDir(t), rebuilt))
	assert.FileExists(t, rebuilt)

	data, err := os.ReadFile(calls)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.NotContains(t, lines[0], "--use-aapt2")
	assert.Contains(t, lines[1], "--use-aapt2")
}

func TestApktool_RecompileGivesUpAfterBothModes(t *testing.T) {
	dir := t.TempDir()
	calls := filepath.Join(dir, "calls")
	hook := `if [ "$1" = "b" ]; then
  echo "$*" >> ` + calls + `
  echo "W: resource compilation failed" >&2
  exit 1
fi
`
	script := backendtest.ApktoolScript(t, dir, "apktool", fixtureDir(t), hook)
	cfg := backendtest.BackendConfig("apktool", "apktool", script)
	cfg.UseAAPT2 = true
	a := NewApktool(cfg, testLogger())

	err := a.Recompile(context.Background(), fixtureDir(t), filepath.Join(dir, "out.apk"))
	var re *RecompileError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, 1, re.ExitCode)

	data, err := os.ReadFile(calls)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "--use-aapt2")
	assert.NotContains(t, lines[1], "--use-aapt2")
}

func TestApktool_DecompileFailure(t *testing.T) {
	dir := t.TempDir()
	script := backendtest.Script(t, dir, "apktool", "echo 'W: could not decode arsc' >&2\nexit 1\n")
	a := NewApktool(backendtest.BackendConfig("apktool", "apktool", script), testLogger())

	_, err := a.Decompile(context.Background(), writeArchive(t, dir), filepath.Join(dir, "work"))
	var de *DecompileError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, FailureProcessFailure, de.Kind)
	assert.Equal(t, 1, de.ExitCode)
	assert.Contains(t, err.Error(), "could not decode arsc")
	assert.False(t, IsTimeout(err))
	assert.False(t, errors.Is(err, ErrToolUnavailable))
}

func TestApktool_FatalPatternOnZeroExit(t *testing.T) {
	dir := t.TempDir()
	hook := `if [ "$1" = "b" ]; then
  echo "error: public symbol drawable/ad_bg declared here is not defined." >&2
  exit 0
fi
`
	script := backendtest.ApktoolScript(t, dir, "apktool", fixtureDir(t), hook)
	cfg := backendtest.BackendConfig("apktool", "apktool", script)
	cfg.FatalPatterns = config.Default().Tools.Backends[0].FatalPatterns
	a := NewApktool(cfg, testLogger())

	err := a.Recompile(context.Background(), fixtureDir(t), filepath.Join(dir, "out.apk"))
	var re *RecompileError
	require.ErrorAs(t, err, &re)
	assert.Contains(t, re.Stderr, "public symbol drawable/ad_bg declared here is not defined")
}

func TestApktool_TimeoutKillsProcess(t *testing.T) {
	dir := t.TempDir()
	script := backendtest.Script(t, dir, "apktool", "exec sleep 300\n")
	cfg := backendtest.BackendConfig("apktool", "apktool", script)
	cfg.Timeout = config.TimeoutConfig{FloorSeconds: 1, CeilingSeconds: 1}
	a := NewApktool(cfg, testLogger())

	start := time.Now()
	_, err := a.Decompile(context.Background(), writeArchive(t, dir), filepath.Join(dir, "work"))
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
	assert.Less(t, time.Since(start), 30*time.Second)
}

func TestApktool_MissingTool(t *testing.T) {
	dir := t.TempDir()
	a := NewApktool(backendtest.BackendConfig("apktool", "apktool", filepath.Join(dir, "missing")), testLogger())

	_, err := a.Decompile(context.Background(), writeArchive(t, dir), filepath.Join(dir, "work"))
	assert.ErrorIs(t, err, ErrToolUnavailable)

	jar := NewApktool(config.BackendConfig{ID: "apktool", Command: []string{"sh", "-jar", filepath.Join(dir, "apktool.jar")}}, testLogger())
	_, err = jar.Decompile(context.Background(), writeArchive(t, dir), filepath.Join(dir, "work"))
	assert.ErrorIs(t, err, ErrToolUnavailable)
}

func TestRunProcess_ParentCancellation(t *testing.T) {
	dir := t.TempDir()
	script := backendtest.Script(t, dir, "block", "exec sleep 300\n")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	_, err := RunProcess(ctx, testLogger(), []string{script}, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 30*time.Second)
}

func TestJadx_AcceptsPartialOutput(t *testing.T) {
	dir := t.TempDir()
	script := backendtest.Script(t, dir, "jadx", `out=""
while [ $# -gt 0 ]; do
  if [ "$1" = "-d" ]; then out="$2"; fi
  shift
done
mkdir -p "$out/sources/com/example" "$out/resources"
echo 'class A {}' > "$out/sources/com/example/A.java"
echo '<manifest package="com.example"/>' > "$out/resources/AndroidManifest.xml"
echo "ERROR - finished with errors, count: 3" >&2
exit 1
`)
	j := NewJadx(backendtest.BackendConfig("jadx", "jadx", script), testLogger())

	p, err := j.Decompile(context.Background(), writeArchive(t, dir), filepath.Join(dir, "out"))
	require.NoError(t, err)
	assert.Equal(t, project.LayoutJava, p.Layout)
	sources, err := p.SourceFiles()
	require.NoError(t, err)
	assert.Equal(t, []string{"sources/com/example/A.java"}, sources)
}

func TestJadx_NoOutputIsFailure(t *testing.T) {
	dir := t.TempDir()
	script := backendtest.Script(t, dir, "jadx", "echo 'java.lang.OutOfMemoryError' >&2\nexit 1\n")
	j := NewJadx(backendtest.BackendConfig("jadx", "jadx", script), testLogger())

	_, err := j.Decompile(context.Background(), writeArchive(t, dir), filepath.Join(dir, "out"))
	var de *DecompileError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "jadx", de.Backend)
}
