package patterns

import (
	"bufio"
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

//go:embed data/*.txt
var defaults embed.FS

const (
	FileAdDomains         = "ad_domains.txt"
	FileAdClasses         = "ad_classes.txt"
	FileAdPermissions     = "ad_permissions.txt"
	FileAdResources       = "ad_resources.txt"
	FileComponentKeywords = "ad_component_keywords.txt"
	FileSuspiciousPerms   = "suspicious_permissions.txt"
	FileMalwareSignatures = "malware_signatures.txt"
)

// Severity 严重程度
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func parseSeverity(s string) (Severity, error) {
	switch Severity(strings.ToLower(strings.TrimSpace(s))) {
	case SeverityLow:
		return SeverityLow, nil
	case SeverityMedium:
		return SeverityMedium, nil
	case SeverityHigh:
		return SeverityHigh, nil
	case SeverityCritical:
		return SeverityCritical, nil
	}
	return "", fmt.Errorf("unknown severity %q", s)
}

// PermissionRule 可疑权限
type PermissionRule struct {
	Permission string
	Severity   Severity
}

// Signature 已知恶意代码特征（字面量匹配）
type Signature struct {
	Name     string
	Literal  string
	Severity Severity
}

// Sets 一次任务使用的全部规则集，加载后只读
type Sets struct {
	AdDomains         []string
	AdClasses         []string
	AdPermissions     []string
	AdResources       []string
	ComponentKeywords []string
	Suspicious        []PermissionRule
	Signatures        []Signature
}

// Load 加载规则集；dir 下存在同名文件时覆盖内置规则
func Load(dir string) (*Sets, error) {
	s := &Sets{}
	var err error

	if s.AdDomains, err = loadLines(dir, FileAdDomains); err != nil {
		return nil, err
	}
	if s.AdClasses, err = loadLines(dir, FileAdClasses); err != nil {
		return nil, err
	}
	for i, c := range s.AdClasses {
		// 允许写成 com.foo.ads 或 Lcom/foo/ads
		c = strings.TrimPrefix(c, "L")
		c = strings.TrimSuffix(c, ";")
		s.AdClasses[i] = strings.Trim(strings.ReplaceAll(c, ".", "/"), "/")
	}
	if s.AdPermissions, err = loadLines(dir, FileAdPermissions); err != nil {
		return nil, err
	}
	if s.AdResources, err = loadLines(dir, FileAdResources); err != nil {
		return nil, err
	}
	for _, p := range s.AdResources {
		if _, err := filepath.Match(p, ""); err != nil {
			return nil, fmt.Errorf("%s: bad pattern %q: %w", FileAdResources, p, err)
		}
	}
	if s.ComponentKeywords, err = loadLines(dir, FileComponentKeywords); err != nil {
		return nil, err
	}

	lines, err := loadLines(dir, FileSuspiciousPerms)
	if err != nil {
		return nil, err
	}
	for _, line := range lines {
		parts := strings.SplitN(line, "|", 2)
		rule := PermissionRule{Permission: strings.TrimSpace(parts[0]), Severity: SeverityMedium}
		if len(parts) == 2 {
			if rule.Severity, err = parseSeverity(parts[1]); err != nil {
				return nil, fmt.Errorf("%s: %w", FileSuspiciousPerms, err)
			}
		}
		s.Suspicious = append(s.Suspicious, rule)
	}

	if lines, err = loadLines(dir, FileMalwareSignatures); err != nil {
		return nil, err
	}
	for _, line := range lines {
		parts := strings.SplitN(line, "|", 3)
		if len(parts) != 3 || parts[2] == "" {
			return nil, fmt.Errorf("%s: malformed line %q", FileMalwareSignatures, line)
		}
		sev, err := parseSeverity(parts[0])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", FileMalwareSignatures, err)
		}
		s.Signatures = append(s.Signatures, Signature{
			Name:     strings.TrimSpace(parts[1]),
			Literal:  parts[2],
			Severity: sev,
		})
	}

	return s, nil
}

// loadLines 读取一行一条的规则文件，跳过空行和 # 注释
func loadLines(dir, name string) ([]string, error) {
	var data []byte
	var err error
	if dir != "" {
		data, err = os.ReadFile(filepath.Join(dir, name))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
	}
	if data == nil {
		if data, err = defaults.ReadFile("data/" + name); err != nil {
			return nil, fmt.Errorf("read builtin %s: %w", name, err)
		}
	}

	var out []string
	seen := make(map[string]bool)
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") || seen[line] {
			continue
		}
		seen[line] = true
		out = append(out, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", name, err)
	}
	return out, nil
}

// SuspiciousSeverity 返回权限的严重程度
func (s *Sets) SuspiciousSeverity(permission string) (Severity, bool) {
	for _, r := range s.Suspicious {
		if r.Permission == permission {
			return r.Severity, true
		}
	}
	return "", false
}
