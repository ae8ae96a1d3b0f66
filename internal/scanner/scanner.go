package scanner

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/apk-purifier/apk-purifier-go/internal/patterns"
	"github.com/apk-purifier/apk-purifier-go/internal/project"
)

// Category 发现类别
type Category string

const (
	CategorySuspiciousPermission Category = "suspicious-permission"
	CategoryMalwareSignature     Category = "known-malware-signature"
	// CategoryAmbiguousRemoval 删除候选无法安全判定，已跳过（由净化引擎产生）
	CategoryAmbiguousRemoval Category = "ambiguous-removal"
)

// Finding 一条扫描发现
type Finding struct {
	Category Category          `json:"category"`
	Location string            `json:"location"` // 项目相对路径
	Offset   int64             `json:"offset"`   // 文件内字节偏移
	Pattern  string            `json:"pattern"`
	Severity patterns.Severity `json:"severity,omitempty"`
	Detail   string            `json:"detail,omitempty"`
}

func (f Finding) String() string {
	return fmt.Sprintf("[%s] %s@%d %s", f.Category, f.Location, f.Offset, f.Pattern)
}

// Scan 只读扫描项目：清单中的可疑权限与源码中的已知恶意特征
//
// 相同的项目和规则集总是得到相同顺序的结果（路径、偏移、模式）。
func Scan(p *project.Project, sets *patterns.Sets) ([]Finding, error) {
	var findings []Finding

	if p.HasManifest() {
		fs, err := scanManifest(p, sets)
		if err != nil {
			return nil, err
		}
		findings = append(findings, fs...)
	}

	sources, err := p.SourceFiles()
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	for _, rel := range sources {
		data, err := p.ReadFile(rel)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", rel, err)
		}
		for _, sig := range sets.Signatures {
			needle := []byte(sig.Literal)
			for off := 0; ; {
				i := bytes.Index(data[off:], needle)
				if i < 0 {
					break
				}
				findings = append(findings, Finding{
					Category: CategoryMalwareSignature,
					Location: rel,
					Offset:   int64(off + i),
					Pattern:  sig.Literal,
					Severity: sig.Severity,
					Detail:   sig.Name,
				})
				off += i + len(needle)
			}
		}
	}

	SortFindings(findings)
	return findings, nil
}

func scanManifest(p *project.Project, sets *patterns.Sets) ([]Finding, error) {
	rel := p.ManifestRel()
	data, err := p.ReadFile(rel)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	doc, err := p.ReadXML(rel)
	if err != nil {
		return nil, err
	}

	var findings []Finding
	for _, tag := range []string{"uses-permission", "uses-permission-sdk-23"} {
		for _, el := range doc.Root().SelectElements(tag) {
			name := el.SelectAttrValue("android:name", "")
			sev, ok := sets.SuspiciousSeverity(name)
			if !ok {
				continue
			}
			findings = append(findings, Finding{
				Category: CategorySuspiciousPermission,
				Location: rel,
				Offset:   attrOffset(data, name),
				Pattern:  name,
				Severity: sev,
			})
		}
	}
	return findings, nil
}

// attrOffset 属性值在原始文本中的位置，找不到时为 -1
func attrOffset(data []byte, value string) int64 {
	i := bytes.Index(data, []byte(`"`+value+`"`))
	if i < 0 {
		return -1
	}
	return int64(i + 1)
}

// SortFindings 稳定排序：路径、偏移、模式、类别
func SortFindings(findings []Finding) {
	sort.SliceStable(findings, func(i, j int) bool {
		a, b := findings[i], findings[j]
		if a.Location != b.Location {
			return a.Location < b.Location
		}
		if a.Offset != b.Offset {
			return a.Offset < b.Offset
		}
		if a.Pattern != b.Pattern {
			return a.Pattern < b.Pattern
		}
		return a.Category < b.Category
	})
}
