// Package projecttest 构造磁盘上的反编译项目，供各包测试使用
package projecttest

import (
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/apk-purifier/apk-purifier-go/internal/project"
	"github.com/stretchr/testify/require"
)

// Files 相对路径 -> 文件内容
type Files map[string]string

// Clone 复制一份，便于在测试中修改
func (f Files) Clone() Files {
	out := make(Files, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Write 把文件写入 root
func Write(t testing.TB, root string, files Files) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
}

// Smali 在临时目录中创建 apktool 布局的项目
func Smali(t testing.TB, files Files) *project.Project {
	t.Helper()
	root := t.TempDir()
	Write(t, root, files)
	p, err := project.Open(root, project.LayoutSmali)
	require.NoError(t, err)
	return p
}

// Snapshot 读取目录下全部文件内容
func Snapshot(t testing.TB, root string) Files {
	t.Helper()
	out := make(Files)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		out[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	require.NoError(t, err)
	return out
}

const manifest = `<?xml version="1.0" encoding="utf-8" standalone="no"?>
<manifest xmlns:android="http://schemas.android.com/apk/res/android" package="com.example.app">
    <uses-permission android:name="android.permission.INTERNET"/>
    <uses-permission android:name="com.google.android.gms.permission.AD_ID"/>
    <uses-permission android:name="android.permission.READ_SMS"/>
    <application android:icon="@drawable/ic_launcher" android:label="@string/app_name">
        <activity android:name=".MainActivity"/>
        <activity android:name="com.google.android.gms.ads.AdActivity"/>
        <service android:name="com.example.app.AdsSyncService"/>
    </application>
</manifest>
`

const mainActivity = `.class public Lcom/example/app/MainActivity;
.super Landroid/app/Activity;
.source "MainActivity.java"

.method protected onCreate(Landroid/os/Bundle;)V
    .locals 2

    invoke-super {p0, p1}, Landroid/app/Activity;->onCreate(Landroid/os/Bundle;)V

    sget v0, Lcom/example/app/R$layout;->activity_main:I

    invoke-virtual {p0, v0}, Lcom/example/app/MainActivity;->setContentView(I)V

    const-string v1, "https://googleads.g.doubleclick.net/pagead/ads"

    invoke-static {v1}, Lcom/example/app/Net;->ping(Ljava/lang/String;)V

    return-void
.end method
`

const adActivity = `.class public Lcom/google/android/gms/ads/AdActivity;
.super Landroid/app/Activity;

.field private view:Lcom/google/android/gms/ads/AdView;
`

const adView = `.class public Lcom/google/android/gms/ads/AdView;
.super Landroid/widget/FrameLayout;

.method public inflate()V
    .locals 1
    const v0, 0x7f0b0001
    return-void
.end method
`

const rLayout = `.class public final Lcom/example/app/R$layout;
.super Ljava/lang/Object;

.field public static final activity_main:I = 0x7f0b0000

.field public static final banner_ad_view:I = 0x7f0b0001
`

const publicXML = `<?xml version="1.0" encoding="utf-8" standalone="no"?>
<resources>
    <public type="drawable" name="banner_ad_bg" id="0x7f080000"/>
    <public type="drawable" name="ic_launcher" id="0x7f080001"/>
    <public type="layout" name="activity_main" id="0x7f0b0000"/>
    <public type="layout" name="banner_ad_view" id="0x7f0b0001"/>
    <public type="string" name="app_name" id="0x7f0f0000"/>
</resources>
`

// SampleApp 一个带广告 SDK 的最小应用：
// 一个广告域名字面量、两个广告类、一个广告权限、一个可疑权限、
// 一个只被广告代码使用的布局及其背景 drawable。
func SampleApp() Files {
	return Files{
		"AndroidManifest.xml":                               manifest,
		"apktool.yml":                                       "version: 2.9.3\napkFileName: app.apk\n",
		"smali/com/example/app/MainActivity.smali":          mainActivity,
		"smali/com/example/app/Net.smali":                   ".class public Lcom/example/app/Net;\n.super Ljava/lang/Object;\n",
		"smali/com/example/app/AdsSyncService.smali":        ".class public Lcom/example/app/AdsSyncService;\n.super Landroid/app/Service;\n",
		"smali/com/example/app/R$layout.smali":              rLayout,
		"smali/com/google/android/gms/ads/AdActivity.smali": adActivity,
		"smali/com/google/android/gms/ads/AdView.smali":     adView,
		"res/layout/activity_main.xml": `<?xml version="1.0" encoding="utf-8"?>
<LinearLayout xmlns:android="http://schemas.android.com/apk/res/android">
    <TextView android:id="@+id/title" android:text="@string/app_name"/>
</LinearLayout>
`,
		"res/layout/banner_ad_view.xml": `<?xml version="1.0" encoding="utf-8"?>
<FrameLayout xmlns:android="http://schemas.android.com/apk/res/android" android:background="@drawable/banner_ad_bg"/>
`,
		"res/drawable/banner_ad_bg.xml": `<?xml version="1.0" encoding="utf-8"?>
<shape xmlns:android="http://schemas.android.com/apk/res/android"/>
`,
		"res/drawable/ic_launcher.png": "\x89PNG",
		"res/values/strings.xml": `<?xml version="1.0" encoding="utf-8"?>
<resources>
    <string name="app_name">Example</string>
</resources>
`,
		"res/values/ids.xml": `<?xml version="1.0" encoding="utf-8"?>
<resources>
    <item type="id" name="title"/>
</resources>
`,
		"res/values/public.xml": publicXML,
	}
}
