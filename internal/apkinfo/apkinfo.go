package apkinfo

import (
	"archive/zip"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/shogo82148/androidbinary/apk"
)

// ErrInvalidArchive 输入不是可处理的 APK
var ErrInvalidArchive = errors.New("invalid apk archive")

// Info APK 元数据
type Info struct {
	Path        string `json:"path"`
	Size        int64  `json:"size"`
	SHA256      string `json:"sha256"`
	DexCount    int    `json:"dex_count"`
	PackageName string `json:"package_name,omitempty"`
	VersionName string `json:"version_name,omitempty"`
	VersionCode int32  `json:"version_code,omitempty"`
	MinSDK      int32  `json:"min_sdk,omitempty"`
	TargetSDK   int32  `json:"target_sdk,omitempty"`
	Label       string `json:"label,omitempty"`
}

// Validate 检查文件是 zip 容器且包含清单和至少一个 dex
func Validate(p string) error {
	_, err := dexCount(p)
	return err
}

func dexCount(p string) (int, error) {
	r, err := zip.OpenReader(p)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	defer r.Close()

	hasManifest := false
	dex := 0
	for _, f := range r.File {
		switch {
		case f.Name == "AndroidManifest.xml":
			hasManifest = true
		case !strings.Contains(f.Name, "/") && strings.HasPrefix(f.Name, "classes") && path.Ext(f.Name) == ".dex":
			dex++
		}
	}
	if !hasManifest {
		return 0, fmt.Errorf("%w: AndroidManifest.xml not found", ErrInvalidArchive)
	}
	if dex == 0 {
		return 0, fmt.Errorf("%w: no classes*.dex found", ErrInvalidArchive)
	}
	return dex, nil
}

// VerifyContainer 检查签名产物是完整的 zip：每个条目都能完整读出且 CRC 正确
func VerifyContainer(p string) error {
	r, err := zip.OpenReader(p)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	defer r.Close()

	if len(r.File) == 0 {
		return fmt.Errorf("%w: empty archive", ErrInvalidArchive)
	}
	hasManifest := false
	for _, f := range r.File {
		if f.Name == "AndroidManifest.xml" {
			hasManifest = true
		}
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidArchive, f.Name, err)
		}
		_, err = io.Copy(io.Discard, rc)
		rc.Close()
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidArchive, f.Name, err)
		}
	}
	if !hasManifest {
		return fmt.Errorf("%w: AndroidManifest.xml not found", ErrInvalidArchive)
	}
	return nil
}

// Inspect 校验并读取 APK 元数据
//
// 清单是二进制 XML 时解析包名、版本和 SDK；解析失败不影响返回的基本信息。
func Inspect(p string) (*Info, error) {
	n, err := dexCount(p)
	if err != nil {
		return nil, err
	}
	st, err := os.Stat(p)
	if err != nil {
		return nil, err
	}
	sum, err := hashFile(p)
	if err != nil {
		return nil, err
	}
	info := &Info{Path: p, Size: st.Size(), SHA256: sum, DexCount: n}

	pkg, err := apk.OpenFile(p)
	if err != nil {
		return info, nil
	}
	defer pkg.Close()

	m := pkg.Manifest()
	info.PackageName = pkg.PackageName()
	info.VersionName, _ = m.VersionName.String()
	info.VersionCode, _ = m.VersionCode.Int32()
	info.MinSDK, _ = m.SDK.Min.Int32()
	info.TargetSDK, _ = m.SDK.Target.Int32()
	if label, err := pkg.Label(nil); err == nil {
		info.Label = label
	}
	return info, nil
}

func hashFile(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
