package toolprobe

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/apk-purifier/apk-purifier-go/internal/backend"
	"github.com/apk-purifier/apk-purifier-go/internal/backend/backendtest"
	"github.com/apk-purifier/apk-purifier-go/internal/config"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newBackends(t *testing.T, dir string) []backend.Backend {
	t.Helper()
	ok := backendtest.Script(t, dir, "apktool-ok", "echo 2.9.3\n")
	failing := backendtest.Script(t, dir, "jadx-broken", "echo 'no java runtime' >&2\nexit 3\n")
	slow := backendtest.Script(t, dir, "apktool-slow", "exec sleep 30\n")

	bs, err := backend.FromConfig([]config.BackendConfig{
		backendtest.BackendConfig("apktool", "apktool", ok),
		backendtest.BackendConfig("jadx", "jadx", failing),
		backendtest.BackendConfig("apktool-slow", "apktool", slow),
		backendtest.BackendConfig("apktool-missing", "apktool", filepath.Join(dir, "does-not-exist")),
	}, testLogger())
	require.NoError(t, err)
	return bs
}

func TestRegistry_ProbeClassifiesEveryBackend(t *testing.T) {
	r := NewRegistry(newBackends(t, t.TempDir()), 500*time.Millisecond, testLogger())
	assert.False(t, r.Probed())
	assert.Empty(t, r.Snapshot())

	got := r.Probe(context.Background())
	require.Len(t, got, 4)

	assert.True(t, got["apktool"].Available)
	assert.Equal(t, "2.9.3", got["apktool"].Version)
	assert.Equal(t, backend.KindRoundTrip, got["apktool"].Kind)
	assert.True(t, got["apktool"].Capabilities.SupportsRecompile)

	assert.False(t, got["jadx"].Available)
	assert.Contains(t, got["jadx"].Reason, "exited with 3")
	assert.Contains(t, got["jadx"].Reason, "no java runtime")
	assert.Equal(t, backend.KindAnalysisOnly, got["jadx"].Kind)

	assert.False(t, got["apktool-slow"].Available)
	assert.Contains(t, got["apktool-slow"].Reason, "timed out")

	assert.False(t, got["apktool-missing"].Available)
	assert.Contains(t, got["apktool-missing"].Reason, backend.ErrToolUnavailable.Error())

	assert.True(t, r.Probed())
	assert.True(t, r.Available("apktool"))
	assert.False(t, r.Available("unknown"))
}

func TestRegistry_CachedUntilRefresh(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "calls")
	script := backendtest.Script(t, dir, "apktool", "echo x >> "+marker+"\necho 2.9.3\n")
	bs, err := backend.FromConfig([]config.BackendConfig{backendtest.BackendConfig("apktool", "apktool", script)}, testLogger())
	require.NoError(t, err)

	r := NewRegistry(bs, time.Second, testLogger())
	r.Probe(context.Background())
	r.Probe(context.Background())
	assert.Equal(t, 1, countLines(t, marker))

	// 工具被移除后，缓存保持不变，直到显式刷新
	require.NoError(t, os.Remove(script))
	assert.True(t, r.Probe(context.Background())["apktool"].Available)

	refreshed := r.Refresh(context.Background())
	assert.False(t, refreshed["apktool"].Available)
	assert.False(t, r.Available("apktool"))
}

func TestRegistry_ConcurrentReadersDuringRefresh(t *testing.T) {
	r := NewRegistry(newBackends(t, t.TempDir()), 200*time.Millisecond, testLogger())
	r.Probe(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				snap := r.Snapshot()
				assert.Len(t, snap, 4)
				r.Available("apktool")
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.Refresh(context.Background())
	}()
	wg.Wait()

	assert.Len(t, Sorted(r.Snapshot()), 4)
	assert.Equal(t, "apktool", Sorted(r.Snapshot())[0].ID)
}

func TestRegistry_Lookup(t *testing.T) {
	r := NewRegistry(newBackends(t, t.TempDir()), time.Second, testLogger())

	b, ok := r.Backend("jadx")
	require.True(t, ok)
	_, roundTrip := backend.AsRoundTrip(b)
	assert.False(t, roundTrip)

	_, ok = r.Backend("nope")
	assert.False(t, ok)

	var ids []string
	for _, b := range r.Backends() {
		ids = append(ids, b.ID())
	}
	assert.Equal(t, []string{"apktool", "apktool-missing", "apktool-slow", "jadx"}, ids)
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	n := 0
	for _, b := range data {
		if b == '\n' {
			n++
		}
	}
	return n
}

func TestRegistry_CallerCancellationDoesNotPoisonCache(t *testing.T) {
	dir := t.TempDir()
	script := backendtest.Script(t, dir, "apktool", "sleep 0.3\necho 2.9.3\n")
	bs, err := backend.FromConfig([]config.BackendConfig{backendtest.BackendConfig("apktool", "apktool", script)}, testLogger())
	require.NoError(t, err)

	r := NewRegistry(bs, 5*time.Second, testLogger())

	// 首次探测的调用方已取消
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	assert.True(t, r.Probe(cancelled)["apktool"].Available)
	assert.True(t, r.Probed())

	// 刷新过程中调用方断开
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	refreshed := r.Refresh(ctx)
	assert.True(t, refreshed["apktool"].Available)

	got := r.Probe(context.Background())["apktool"]
	assert.True(t, got.Available, got.Reason)
	assert.Equal(t, "2.9.3", got.Version)
}
