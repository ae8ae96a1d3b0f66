// Package backendtest 用 shell 脚本模拟外部工具
package backendtest

import (
	"archive/zip"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/apk-purifier/apk-purifier-go/internal/config"
	"github.com/stretchr/testify/require"
)

// Script 在 dir 下写入可执行脚本并返回其路径
func Script(t testing.TB, dir, name, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not supported on windows")
	}
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755))
	return path
}

// ApktoolScript 模拟 apktool：
// --version 输出版本号；d 把 fixture 目录复制到 -o 目标并保留输入 APK；
// b 把保留的输入 APK 作为产物写到 -o 目标，没有时写一个空 zip。
// 额外的 shell 片段 hook 在每次调用的开头执行，可用于注入失败或阻塞。
func ApktoolScript(t testing.TB, dir, name, fixture, hook string) string {
	t.Helper()
	body := hook + `
case "$1" in
  -version|--version) echo "2.9.3"; exit 0 ;;
  d)
    archive="$2"
    out=""
    while [ $# -gt 0 ]; do
      if [ "$1" = "-o" ]; then out="$2"; fi
      shift
    done
    rm -rf "$out"
    mkdir -p "$out/original"
    cp -R "` + fixture + `/." "$out/"
    cp "$archive" "$out/original/source.apk"
    exit 0 ;;
  b)
    project="$2"
    out=""
    while [ $# -gt 0 ]; do
      if [ "$1" = "-o" ]; then out="$2"; fi
      shift
    done
    if [ -f "$project/original/source.apk" ]; then
      cp "$project/original/source.apk" "$out"
    else
      printf 'PK\005\006\000\000\000\000\000\000\000\000\000\000\000\000\000\000\000\000\000\000' > "$out"
    fi
    exit 0 ;;
esac
echo "unknown command $1" >&2
exit 2
`
	return Script(t, dir, name, body)
}

// SignerScript 模拟 uber-apk-signer：把 --apks 指向的文件复制为 --out 下的 *-aligned-debugSigned.apk
func SignerScript(t testing.TB, dir, name, hook string) string {
	t.Helper()
	body := hook + `
in=""
out=""
while [ $# -gt 0 ]; do
  case "$1" in
    --apks) in="$2"; shift ;;
    --out) out="$2"; shift ;;
  esac
  shift
done
mkdir -p "$out"
base=$(basename "$in" .apk)
cp "$in" "$out/$base-aligned-debugSigned.apk"
`
	return Script(t, dir, name, body)
}

// BackendConfig 直接执行脚本的后端配置
func BackendConfig(id, typ, script string) config.BackendConfig {
	return config.BackendConfig{
		ID:          id,
		Type:        typ,
		Command:     []string{script},
		VersionArgs: []string{"--version"},
		Timeout:     config.TimeoutConfig{PerMBSeconds: 10, FloorSeconds: 30, CeilingSeconds: 60},
	}
}

// Archive 写一个最小的 APK 容器：文本清单和一个 dex 占位
func Archive(t testing.TB, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for entry, content := range map[string]string{
		"AndroidManifest.xml": `<manifest package="com.example.app"/>`,
		"classes.dex":         "dex\n035\x00",
		"res/layout/main.xml": "<LinearLayout/>",
	} {
		w, err := zw.Create(entry)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return path
}
