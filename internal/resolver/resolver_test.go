package resolver

import (
	"context"
	"io"
	"strings"
	"testing"

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

const manifestTemplate = `<?xml version="1.0" encoding="utf-8"?>
<manifest xmlns:android="http://schemas.android.com/apk/res/android" package="com.example.app">
    <application APP_ATTRS android:label="@string/app_name">
        <activity android:name=".MainActivity" android:theme="@style/AppTheme"/>
        ACTIVITIES
    </application>
</manifest>
`

func baseFiles(appAttrs, activities string, extraPublic ...string) projecttest.Files {
	manifest := strings.Replace(manifestTemplate, "APP_ATTRS", appAttrs, 1)
	manifest = strings.Replace(manifest, "ACTIVITIES", activities, 1)
	public := `<?xml version="1.0" encoding="utf-8"?>
<resources>
    <public type="layout" name="activity_main" id="0x7f0b0000"/>
    <public type="string" name="app_name" id="0x7f0f0000"/>
    <public type="style" name="AppTheme" id="0x7f100000"/>
` + strings.Join(extraPublic, "\n") + `
</resources>
`
	return projecttest.Files{
		"AndroidManifest.xml": manifest,
		"smali/com/example/app/MainActivity.smali": `.class public Lcom/example/app/MainActivity;
.super Landroid/app/Activity;

.method protected onCreate(Landroid/os/Bundle;)V
    .locals 1
    sget v0, Lcom/example/app/R$layout;->activity_main:I
    return-void
.end method
`,
		"res/layout/activity_main.xml": `<?xml version="1.0" encoding="utf-8"?>
<TextView xmlns:android="http://schemas.android.com/apk/res/android" android:text="@string/app_name"/>
`,
		"res/values/strings.xml": `<?xml version="1.0" encoding="utf-8"?>
<resources>
    <string name="app_name">Example</string>
</resources>
`,
		"res/values/styles.xml": `<?xml version="1.0" encoding="utf-8"?>
<resources>
    <style name="AppTheme" parent="@android:style/Theme.Material"/>
    <style name="AdStyle">
        <item name="android:background">@drawable/ad_bg</item>
    </style>
</resources>
`,
		"res/values/public.xml": public,
	}
}

func reconcile(t *testing.T, p *project.Project, passes int) (*Result, error) {
	t.Helper()
	return New(testLogger(), passes).Reconcile(context.Background(), p, project.DirectMutator{Project: p})
}

func TestReconcile_NoRemovalsIsNoop(t *testing.T) {
	files := baseFiles("", "", `    <public type="style" name="AdStyle" id="0x7f100001"/>`,
		`    <public type="drawable" name="ad_bg" id="0x7f080000"/>`)
	files["res/drawable/ad_bg.xml"] = `<shape/>`
	p := projecttest.Smali(t, files)
	before := projecttest.Snapshot(t, p.Root)

	result, err := reconcile(t, p, 1)
	require.NoError(t, err)
	assert.False(t, result.Changed())
	assert.Equal(t, 1, result.Passes)
	assert.Equal(t, before, projecttest.Snapshot(t, p.Root))
}

func TestReconcile_CascadeChain(t *testing.T) {
	files := baseFiles("", "",
		`    <public type="drawable" name="ad_bg" id="0x7f080000"/>`,
		`    <public type="style" name="AdStyle" id="0x7f100001"/>`,
		`    <public type="layout" name="ad_holder" id="0x7f0b0001"/>`)
	// ad_bg 已被删除；AdStyle 引用它，ad_holder 引用 AdStyle
	files["res/layout/ad_holder.xml"] = `<FrameLayout style="@style/AdStyle"/>`
	p := projecttest.Smali(t, files)

	result, err := reconcile(t, p, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"drawable/ad_bg", "layout/ad_holder", "style/AdStyle"}, result.Pruned)
	assert.Equal(t, []string{"res/values/styles.xml#style/AdStyle", "res/layout/ad_holder.xml"}, result.Cascaded)

	after := projecttest.Snapshot(t, p.Root)
	assert.NotContains(t, after, "res/layout/ad_holder.xml")
	assert.NotContains(t, after["res/values/styles.xml"], "AdStyle")
	assert.Contains(t, after["res/values/styles.xml"], "AppTheme")
	public := after["res/values/public.xml"]
	assert.NotContains(t, public, "ad_bg")
	assert.NotContains(t, public, "AdStyle")
	assert.NotContains(t, public, "ad_holder")
	assert.Contains(t, public, "activity_main")

	dangling, err := p.DanglingReferences(nil)
	require.NoError(t, err)
	assert.Empty(t, dangling)

	again, err := reconcile(t, p, 1)
	require.NoError(t, err)
	assert.False(t, again.Changed())
}

func TestReconcile_ChainBeyondBoundFails(t *testing.T) {
	files := baseFiles("", "",
		`    <public type="drawable" name="ad_bg" id="0x7f080000"/>`,
		`    <public type="style" name="AdStyle" id="0x7f100001"/>`,
		`    <public type="layout" name="ad_holder" id="0x7f0b0001"/>`)
	files["res/layout/ad_holder.xml"] = `<FrameLayout style="@style/AdStyle"/>`
	p := projecttest.Smali(t, files)

	_, err := reconcile(t, p, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrReconcileFailure)
}

func TestReconcile_ManifestComponentCascade(t *testing.T) {
	files := baseFiles("", `<activity android:name=".AdActivity" android:icon="@drawable/ad_icon"/>`,
		`    <public type="drawable" name="ad_icon" id="0x7f080001"/>`)
	p := projecttest.Smali(t, files)

	result, err := reconcile(t, p, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"drawable/ad_icon"}, result.Pruned)
	assert.Equal(t, []string{"AndroidManifest.xml#activity:.AdActivity"}, result.Cascaded)
	assert.Equal(t, 2, result.Passes)

	manifest := projecttest.Snapshot(t, p.Root)["AndroidManifest.xml"]
	assert.NotContains(t, manifest, ".AdActivity")
	assert.Contains(t, manifest, ".MainActivity")
}

func TestReconcile_ApplicationReferenceFails(t *testing.T) {
	files := baseFiles(`android:icon="@drawable/ad_icon"`, "",
		`    <public type="drawable" name="ad_icon" id="0x7f080001"/>`)
	p := projecttest.Smali(t, files)

	_, err := reconcile(t, p, 1)
	assert.ErrorIs(t, err, ErrReconcileFailure)
}

func TestReconcile_SourceReferenceToRemovedResourceFails(t *testing.T) {
	files := baseFiles("", "", `    <public type="drawable" name="ad_icon" id="0x7f080001"/>`)
	files["smali/com/example/app/Banner.smali"] = `.class public Lcom/example/app/Banner;
.super Ljava/lang/Object;

.method public icon()I
    .locals 1
    const v0, 0x7f080001
    return v0
.end method
`
	p := projecttest.Smali(t, files)

	_, err := reconcile(t, p, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrReconcileFailure)
	assert.Contains(t, err.Error(), "drawable/ad_icon")
}

func TestReconcile_Cancelled(t *testing.T) {
	p := projecttest.Smali(t, baseFiles("", ""))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(testLogger(), 1).Reconcile(ctx, p, project.DirectMutator{Project: p})
	assert.ErrorIs(t, err, context.Canceled)
}
