package patch

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/apk-purifier/apk-purifier-go/internal/backup"
	"github.com/apk-purifier/apk-purifier-go/internal/patterns"
	"github.com/apk-purifier/apk-purifier-go/internal/project"
	"github.com/apk-purifier/apk-purifier-go/internal/project/projecttest"
	"github.com/apk-purifier/apk-purifier-go/internal/resolver"
	"github.com/apk-purifier/apk-purifier-go/internal/scanner"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const adDomain = "googleads.g.doubleclick.net"

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func loadSets(t *testing.T) *patterns.Sets {
	t.Helper()
	sets, err := patterns.Load("")
	require.NoError(t, err)
	return sets
}

func fullPlan(sets *patterns.Sets) Plan {
	return BuildPlan(sets, nil, PlanOptions{
		DomainReplacement: true,
		ClassRemoval:      true,
		ManifestCleanup:   true,
		ResourceCleanup:   true,
	})
}

func purify(t *testing.T, p *project.Project, sets *patterns.Sets) *Result {
	t.Helper()
	m := project.DirectMutator{Project: p}
	result, err := NewEngine(sets, testLogger()).Apply(context.Background(), p, fullPlan(sets), m)
	require.NoError(t, err)
	_, err = resolver.New(testLogger(), 1).Reconcile(context.Background(), p, m)
	require.NoError(t, err)
	return result
}

func skippedDetails(t *testing.T, result *Result) []string {
	var out []string
	for _, f := range result.Skipped {
		assert.Equal(t, scanner.CategoryAmbiguousRemoval, f.Category)
		out = append(out, f.Detail)
	}
	return out
}

func TestEngine_ScenarioA(t *testing.T) {
	sets := loadSets(t)
	p := projecttest.Smali(t, projecttest.SampleApp())

	result := purify(t, p, sets)
	assert.Greater(t, result.Changes(), 0)

	files := projecttest.Snapshot(t, p.Root)
	for rel, content := range files {
		assert.NotContains(t, content, adDomain, rel)
	}
	assert.Contains(t, files["smali/com/example/app/MainActivity.smali"], `"https://`+Placeholder(adDomain)+`/pagead/ads"`)

	assert.NotContains(t, files, "res/layout/banner_ad_view.xml")
	assert.NotContains(t, files, "res/drawable/banner_ad_bg.xml")
	assert.NotContains(t, files["res/values/public.xml"], `name="banner_ad_view"`)
	assert.NotContains(t, files["res/values/public.xml"], `name="banner_ad_bg"`)
	assert.Contains(t, files["res/values/public.xml"], `name="activity_main"`)

	assert.NotContains(t, files, "smali/com/google/android/gms/ads/AdActivity.smali")
	assert.NotContains(t, files, "smali/com/google/android/gms/ads/AdView.smali")

	manifest := files["AndroidManifest.xml"]
	assert.NotContains(t, manifest, "com.google.android.gms.permission.AD_ID")
	assert.NotContains(t, manifest, "com.google.android.gms.ads.AdActivity")
	assert.Contains(t, manifest, "android.permission.INTERNET")
	// 可疑权限只在自动修复时删除
	assert.Contains(t, manifest, "android.permission.READ_SMS")
	assert.Contains(t, manifest, ".MainActivity")

	// 只按关键字命中的组件只报告
	assert.Contains(t, manifest, "com.example.app.AdsSyncService")
	details := skippedDetails(t, result)
	require.Len(t, details, 1)
	assert.Contains(t, details[0], "AdsSyncService")

	dangling, err := p.DanglingReferences(nil)
	require.NoError(t, err)
	assert.Empty(t, dangling)
}

func TestEngine_Idempotent(t *testing.T) {
	sets := loadSets(t)
	p := projecttest.Smali(t, projecttest.SampleApp())

	purify(t, p, sets)
	before := projecttest.Snapshot(t, p.Root)

	second := purify(t, p, sets)
	assert.Equal(t, 0, second.Changes())
	assert.Equal(t, before, projecttest.Snapshot(t, p.Root))
}

func TestEngine_AmbiguousClassIsKept(t *testing.T) {
	sets := loadSets(t)
	files := projecttest.SampleApp()
	files["smali/com/example/app/Banner.smali"] = `.class public Lcom/example/app/Banner;
.super Ljava/lang/Object;

.method public show()V
    .locals 1
    new-instance v0, Lcom/google/android/gms/ads/AdView;
    return-void
.end method
`
	p := projecttest.Smali(t, files)

	result := purify(t, p, sets)
	after := projecttest.Snapshot(t, p.Root)

	assert.Contains(t, after, "smali/com/google/android/gms/ads/AdView.smali")
	assert.NotContains(t, after, "smali/com/google/android/gms/ads/AdActivity.smali")
	// 保留的 AdView 仍引用布局，布局和它的背景一起保留
	assert.Contains(t, after, "res/layout/banner_ad_view.xml")
	assert.Contains(t, after, "res/drawable/banner_ad_bg.xml")
	assert.Contains(t, after["res/values/public.xml"], `name="banner_ad_view"`)

	var locations []string
	for _, f := range result.Skipped {
		locations = append(locations, f.Location)
	}
	assert.Contains(t, locations, "smali/com/google/android/gms/ads/AdView.smali")
	assert.Contains(t, locations, "res/layout/banner_ad_view.xml")
	assert.Contains(t, locations, "res/drawable/banner_ad_bg.xml")
}

func TestEngine_ComponentReferencedByKeptCodeIsKept(t *testing.T) {
	sets := loadSets(t)
	files := projecttest.SampleApp()
	files["smali/com/example/app/Launcher.smali"] = `.class public Lcom/example/app/Launcher;
.super Ljava/lang/Object;

.method public open()V
    .locals 1
    const-class v0, Lcom/google/android/gms/ads/AdActivity;
    return-void
.end method
`
	p := projecttest.Smali(t, files)

	result := purify(t, p, sets)
	after := projecttest.Snapshot(t, p.Root)

	assert.Contains(t, after["AndroidManifest.xml"], "com.google.android.gms.ads.AdActivity")
	assert.Contains(t, after, "smali/com/google/android/gms/ads/AdActivity.smali")
	// AdActivity 保留后，它引用的 AdView 也必须保留
	assert.Contains(t, after, "smali/com/google/android/gms/ads/AdView.smali")
	assert.NotEmpty(t, result.Skipped)
}

func TestEngine_ProtectedPermissionNeverRemoved(t *testing.T) {
	sets := loadSets(t)
	p := projecttest.Smali(t, projecttest.SampleApp())
	plan := Plan{Transformations: []Transformation{
		{Kind: KindPermissionRemove, Target: "android.permission.INTERNET"},
		{Kind: KindPermissionRemove, Target: "android.permission.CAMERA"},
		{Kind: KindPermissionRemove, Target: "android.permission.READ_SMS"},
	}}

	result, err := NewEngine(sets, testLogger()).Apply(context.Background(), p, plan, project.DirectMutator{Project: p})
	require.NoError(t, err)

	manifest := projecttest.Snapshot(t, p.Root)["AndroidManifest.xml"]
	assert.Contains(t, manifest, "android.permission.INTERNET")
	assert.NotContains(t, manifest, "android.permission.READ_SMS")
	var skipped []string
	for _, f := range result.Skipped {
		if strings.HasPrefix(f.Detail, string(KindPermissionRemove)) {
			skipped = append(skipped, f.Pattern)
		}
	}
	assert.Equal(t, []string{"android.permission.CAMERA", "android.permission.INTERNET"}, skipped)
	assert.True(t, IsProtectedPermission("android.permission.INTERNET"))
}

// failingMutator 在第 n 次写入时注入失败
type failingMutator struct {
	inner project.Mutator
	n     int
	calls int
}

var errInjected = errors.New("injected write failure")

func (f *failingMutator) step() error {
	f.calls++
	if f.calls >= f.n {
		return errInjected
	}
	return nil
}

func (f *failingMutator) WriteFile(rel string, data []byte) error {
	if err := f.step(); err != nil {
		return err
	}
	return f.inner.WriteFile(rel, data)
}

func (f *failingMutator) Remove(rel string) error {
	if err := f.step(); err != nil {
		return err
	}
	return f.inner.Remove(rel)
}

func TestEngine_RollbackAfterPartialApplication(t *testing.T) {
	sets := loadSets(t)

	for _, n := range []int{1, 2, 3, 4, 5} {
		p := projecttest.Smali(t, projecttest.SampleApp())
		before := projecttest.Snapshot(t, p.Root)

		scope := backup.NewManager(t.TempDir(), testLogger()).Begin("job", p.Root)
		m := &failingMutator{inner: scope, n: n}

		_, err := NewEngine(sets, testLogger()).Apply(context.Background(), p, fullPlan(sets), m)
		require.ErrorIs(t, err, errInjected, "failure at write %d", n)

		err = scope.Rollback(err)
		require.ErrorIs(t, err, errInjected)
		assert.Equal(t, before, projecttest.Snapshot(t, p.Root), "failure at write %d", n)
	}
}

func TestEngine_CancelledBetweenTransformations(t *testing.T) {
	sets := loadSets(t)
	p := projecttest.Smali(t, projecttest.SampleApp())
	before := projecttest.Snapshot(t, p.Root)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewEngine(sets, testLogger()).Apply(ctx, p, fullPlan(sets), project.DirectMutator{Project: p})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, before, projecttest.Snapshot(t, p.Root))
}

func TestEngine_RejectsJavaLayout(t *testing.T) {
	sets := loadSets(t)
	p := &project.Project{Root: t.TempDir(), Layout: project.LayoutJava}
	_, err := NewEngine(sets, testLogger()).Apply(context.Background(), p, fullPlan(sets), project.DirectMutator{Project: p})
	assert.ErrorIs(t, err, ErrUnsupportedLayout)
}

func TestPlaceholder(t *testing.T) {
	tests := []struct {
		domain string
		want   string
	}{
		{"googleads.g.doubleclick.net", strings.Repeat("x", 19) + ".invalid"},
		{"admob.com", "x.invalid"},
		{"ads.io", "xxxxxx"},
	}
	for _, tt := range tests {
		t.Run(tt.domain, func(t *testing.T) {
			got := Placeholder(tt.domain)
			assert.Equal(t, tt.want, got)
			assert.Len(t, got, len(tt.domain))
		})
	}
}

func TestReplaceDomain_OnlyStringLiterals(t *testing.T) {
	sets := &patterns.Sets{AdDomains: []string{"ads.example.com"}}
	p := projecttest.Smali(t, projecttest.Files{
		"AndroidManifest.xml": `<manifest package="a"/>`,
		"smali/a/B.smali": `.class public La/B;
# ads.example.com in a comment
    const-string v0, "see \"ads.example.com\" and ads.example.com"
`,
	})
	plan := BuildPlan(sets, nil, PlanOptions{DomainReplacement: true})

	result, err := NewEngine(sets, testLogger()).Apply(context.Background(), p, plan, project.DirectMutator{Project: p})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Changes())

	data, err := p.ReadFile("smali/a/B.smali")
	require.NoError(t, err)
	assert.Contains(t, string(data), "# ads.example.com in a comment")
	assert.Contains(t, string(data), `"see \"xxxxxxx.invalid\" and xxxxxxx.invalid"`)
}

func TestReplaceDomain_RequiresHostBoundary(t *testing.T) {
	sets := &patterns.Sets{AdDomains: []string{"admob.com"}}
	p := projecttest.Smali(t, projecttest.Files{
		"AndroidManifest.xml": `<manifest package="a"/>`,
		"smali/a/B.smali": `.class public La/B;
    const-string v0, "https://api.notadmob.com/v1"
    const-string v1, "admob.com.example.org"
    const-string v2, "https://ads.admob.com:443/x?q=1"
    const-string v3, "user@admob.com"
`,
	})
	plan := BuildPlan(sets, nil, PlanOptions{DomainReplacement: true})

	result, err := NewEngine(sets, testLogger()).Apply(context.Background(), p, plan, project.DirectMutator{Project: p})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Changes())

	data, err := p.ReadFile("smali/a/B.smali")
	require.NoError(t, err)
	got := string(data)
	assert.Contains(t, got, `"https://api.notadmob.com/v1"`)
	assert.Contains(t, got, `"admob.com.example.org"`)
	assert.Contains(t, got, `"https://ads.x.invalid:443/x?q=1"`)
	assert.Contains(t, got, `"user@x.invalid"`)
}

func TestHostMatches(t *testing.T) {
	tests := []struct {
		s    string
		want []int
	}{
		{"admob.com", []int{0}},
		{"\"admob.com\"", []int{1}},
		{"https://admob.com/", []int{8}},
		{"sub.admob.com#frag", []int{4}},
		{"notadmob.com", nil},
		{"admob.comx", nil},
		{"admob.com.evil.net", nil},
		{"admob.com. end", []int{0}},
		{"my-admob.com", nil},
	}
	for _, tt := range tests {
		t.Run(tt.s, func(t *testing.T) {
			assert.Equal(t, tt.want, hostMatches(tt.s, "admob.com"))
		})
	}
}

func TestEngine_ClassInflatedByKeptLayoutIsKept(t *testing.T) {
	sets := loadSets(t)
	files := projecttest.SampleApp()
	files["res/layout/activity_main.xml"] = `<?xml version="1.0" encoding="utf-8"?>
<LinearLayout xmlns:android="http://schemas.android.com/apk/res/android">
    <TextView android:id="@+id/title" android:text="@string/app_name"/>
    <com.google.android.gms.ads.AdView android:layout_width="match_parent"/>
</LinearLayout>
`
	p := projecttest.Smali(t, files)

	result := purify(t, p, sets)
	after := projecttest.Snapshot(t, p.Root)

	assert.Contains(t, after, "smali/com/google/android/gms/ads/AdView.smali")
	assert.Contains(t, after["res/layout/activity_main.xml"], "com.google.android.gms.ads.AdView")
	assert.NotContains(t, after, "smali/com/google/android/gms/ads/AdActivity.smali")

	var found bool
	for _, f := range result.Skipped {
		if f.Location == "smali/com/google/android/gms/ads/AdView.smali" {
			found = true
			assert.Equal(t, scanner.CategoryAmbiguousRemoval, f.Category)
			assert.Contains(t, f.Detail, "inflated by res/layout/activity_main.xml")
		}
	}
	assert.True(t, found)

	dangling, err := p.DanglingReferences(nil)
	require.NoError(t, err)
	assert.Empty(t, dangling)
}

func TestEngine_ClassInflatedOnlyByRemovedLayoutIsRemoved(t *testing.T) {
	sets := loadSets(t)
	files := projecttest.SampleApp()
	files["res/layout/banner_ad_view.xml"] = `<?xml version="1.0" encoding="utf-8"?>
<FrameLayout xmlns:android="http://schemas.android.com/apk/res/android" android:background="@drawable/banner_ad_bg">
    <com.google.android.gms.ads.AdView/>
</FrameLayout>
`
	p := projecttest.Smali(t, files)

	purify(t, p, sets)
	after := projecttest.Snapshot(t, p.Root)

	assert.NotContains(t, after, "res/layout/banner_ad_view.xml")
	assert.NotContains(t, after, "smali/com/google/android/gms/ads/AdView.smali")
}
