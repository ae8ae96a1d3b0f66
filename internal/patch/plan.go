package patch

import (
	"sort"
	"strings"

	"github.com/apk-purifier/apk-purifier-go/internal/config"
	"github.com/apk-purifier/apk-purifier-go/internal/patterns"
	"github.com/apk-purifier/apk-purifier-go/internal/scanner"
)

// Kind 变换类型
type Kind string

const (
	KindDomainReplace    Kind = "domain-replace"
	KindClassRemove      Kind = "class-remove"
	KindPermissionRemove Kind = "manifest-permission-remove"
	KindComponentRemove  Kind = "manifest-component-remove"
	KindResourceRemove   Kind = "resource-remove"
)

// Transformation 一条幂等的删除类变换
//
// Target 的含义随 Kind 变化：域名字面量、类路径前缀（com/foo/ads）、
// 权限全名、组件类名前缀（com.foo.ads）、资源名通配（*banner_ad*）。
type Transformation struct {
	Kind   Kind   `json:"kind"`
	Target string `json:"target"`
}

// Plan 有序变换序列
type Plan struct {
	Transformations []Transformation `json:"transformations"`
}

// Len 变换数量
func (p Plan) Len() int { return len(p.Transformations) }

func (p *Plan) add(kind Kind, target string, seen map[Transformation]bool) {
	t := Transformation{Kind: kind, Target: target}
	if target == "" || seen[t] {
		return
	}
	seen[t] = true
	p.Transformations = append(p.Transformations, t)
}

// 净化方法名称
const (
	MethodDomainReplacement = "domain_replacement"
	MethodClassRemoval      = "class_removal"
	MethodManifestCleanup   = "manifest_cleanup"
	MethodResourceCleanup   = "resource_cleanup"
)

// PlanOptions 计划生成选项
type PlanOptions struct {
	DomainReplacement bool
	ClassRemoval      bool
	ManifestCleanup   bool
	ResourceCleanup   bool
	// AutoRemediate 把扫描发现追加进计划
	AutoRemediate bool
}

// OptionsFromConfig 根据配置生成计划选项
func OptionsFromConfig(cfg config.PatchConfig) PlanOptions {
	return PlanOptions{
		DomainReplacement: cfg.HasMethod(MethodDomainReplacement),
		ClassRemoval:      cfg.HasMethod(MethodClassRemoval),
		ManifestCleanup:   cfg.HasMethod(MethodManifestCleanup),
		ResourceCleanup:   cfg.HasMethod(MethodResourceCleanup),
		AutoRemediate:     cfg.AutoRemediate,
	}
}

// BuildPlan 由静态规则集和扫描发现生成计划
//
// 顺序固定：域名替换、清单权限、清单组件、类删除、资源删除。
// 域名按长度降序，保证长域名先于其后缀域名被替换。
func BuildPlan(sets *patterns.Sets, findings []scanner.Finding, opts PlanOptions) Plan {
	var plan Plan
	seen := make(map[Transformation]bool)

	if opts.DomainReplacement {
		domains := append([]string(nil), sets.AdDomains...)
		sort.SliceStable(domains, func(i, j int) bool { return len(domains[i]) > len(domains[j]) })
		for _, d := range domains {
			plan.add(KindDomainReplace, d, seen)
		}
	}

	var remediateClasses []string
	var remediatePerms []string
	if opts.AutoRemediate {
		for _, f := range findings {
			switch f.Category {
			case scanner.CategorySuspiciousPermission:
				remediatePerms = append(remediatePerms, f.Pattern)
			case scanner.CategoryMalwareSignature:
				if cp := classPathFromLocation(f.Location); cp != "" {
					remediateClasses = append(remediateClasses, cp)
				}
			}
		}
	}

	if opts.ManifestCleanup || opts.AutoRemediate {
		if opts.ManifestCleanup {
			for _, perm := range sets.AdPermissions {
				plan.add(KindPermissionRemove, perm, seen)
			}
		}
		for _, perm := range remediatePerms {
			plan.add(KindPermissionRemove, perm, seen)
		}
		if opts.ManifestCleanup {
			for _, c := range sets.AdClasses {
				plan.add(KindComponentRemove, strings.ReplaceAll(c, "/", "."), seen)
			}
		}
		for _, c := range remediateClasses {
			plan.add(KindComponentRemove, strings.ReplaceAll(c, "/", "."), seen)
		}
	}

	if opts.ClassRemoval {
		for _, c := range sets.AdClasses {
			plan.add(KindClassRemove, c, seen)
		}
	}
	for _, c := range remediateClasses {
		plan.add(KindClassRemove, c, seen)
	}

	if opts.ResourceCleanup {
		for _, g := range sets.AdResources {
			plan.add(KindResourceRemove, g, seen)
		}
	}

	return plan
}

// classPathFromLocation smali/com/x/Evil.smali -> com/x/Evil
func classPathFromLocation(loc string) string {
	i := strings.IndexByte(loc, '/')
	if i < 0 {
		return ""
	}
	rest := loc[i+1:]
	for _, ext := range []string{".smali", ".java"} {
		if strings.HasSuffix(rest, ext) {
			return strings.TrimSuffix(rest, ext)
		}
	}
	return ""
}
