package patch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/apk-purifier/apk-purifier-go/internal/patterns"
	"github.com/apk-purifier/apk-purifier-go/internal/project"
	"github.com/apk-purifier/apk-purifier-go/internal/scanner"
	"github.com/beevik/etree"
	"github.com/sirupsen/logrus"
)

// ErrUnsupportedLayout 只有 smali 布局的项目可以被净化
var ErrUnsupportedLayout = errors.New("patching requires a smali project")

// protectedPermissions 核心运行时权限，任何规则都不能删除
var protectedPermissions = map[string]bool{
	"android.permission.INTERNET":             true,
	"android.permission.ACCESS_NETWORK_STATE": true,
	"android.permission.ACCESS_WIFI_STATE":    true,
	"android.permission.WAKE_LOCK":            true,
	"android.permission.FOREGROUND_SERVICE":   true,
	"android.permission.POST_NOTIFICATIONS":   true,
	"android.permission.VIBRATE":              true,
}

// IsProtectedPermission 是否为受保护的核心权限
func IsProtectedPermission(name string) bool {
	return protectedPermissions[name]
}

// Applied 一条变换的执行结果
type Applied struct {
	Transformation Transformation `json:"transformation"`
	Targets        []string       `json:"targets,omitempty"`
	Changes        int            `json:"changes"`
}

// Result 净化结果
type Result struct {
	Applied []Applied         `json:"applied"`
	Skipped []scanner.Finding `json:"skipped,omitempty"`
}

// Changes 实际修改次数
func (r *Result) Changes() int {
	n := 0
	for _, a := range r.Applied {
		n += a.Changes
	}
	return n
}

// Engine 净化引擎
type Engine struct {
	sets   *patterns.Sets
	logger *logrus.Logger
}

// NewEngine sets 为本次任务加载的规则集
func NewEngine(sets *patterns.Sets, logger *logrus.Logger) *Engine {
	return &Engine{sets: sets, logger: logger}
}

func (e *Engine) removablePermission(name string) bool {
	if protectedPermissions[name] {
		return false
	}
	for _, p := range e.sets.AdPermissions {
		if p == name {
			return true
		}
	}
	_, ok := e.sets.SuspiciousSeverity(name)
	return ok
}

// Apply 按计划顺序执行变换
//
// 所有目标在任何修改之前一次性计算完成；写入全部经过 m。
// 返回错误时项目可能已部分修改，调用方负责回滚。
func (e *Engine) Apply(ctx context.Context, p *project.Project, plan Plan, m project.Mutator) (*Result, error) {
	if p.Layout != project.LayoutSmali {
		return nil, ErrUnsupportedLayout
	}

	resolved, skipped, err := e.resolve(p, plan)
	if err != nil {
		return nil, fmt.Errorf("resolve targets: %w", err)
	}

	result := &Result{Skipped: skipped}
	for i, t := range plan.Transformations {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		rt := resolved[i]
		var changes int
		var err error
		switch t.Kind {
		case KindDomainReplace:
			changes, err = e.replaceDomain(p, t.Target, rt.files, m)
		case KindClassRemove:
			changes, err = removeFiles(rt.files, m)
		case KindPermissionRemove:
			changes, err = e.editManifest(p, m, func(root *etree.Element) int {
				return removePermissions(root, rt.names)
			})
		case KindComponentRemove:
			changes, err = e.editManifest(p, m, func(root *etree.Element) int {
				return removeComponents(root, rt.names)
			})
		case KindResourceRemove:
			changes, err = e.removeResources(p, rt, m)
		default:
			err = fmt.Errorf("unknown transformation kind %q", t.Kind)
		}
		if err != nil {
			return result, fmt.Errorf("%s %q: %w", t.Kind, t.Target, err)
		}

		targets := rt.files
		if len(rt.names) > 0 {
			targets = rt.names
		}
		result.Applied = append(result.Applied, Applied{Transformation: t, Targets: targets, Changes: changes})
		if changes > 0 {
			e.logger.WithFields(logrus.Fields{
				"kind":    t.Kind,
				"target":  t.Target,
				"changes": changes,
			}).Info("Transformation applied")
		}
	}

	scanner.SortFindings(result.Skipped)
	return result, nil
}

// resolve 计算每条变换的目标，返回与计划同序的结果
func (e *Engine) resolve(p *project.Project, plan Plan) ([]*resolvedTarget, []scanner.Finding, error) {
	s, err := takeSnapshot(p)
	if err != nil {
		return nil, nil, err
	}

	var classTargets, componentTargets, resourceTargets []Transformation
	for _, t := range plan.Transformations {
		switch t.Kind {
		case KindClassRemove:
			classTargets = append(classTargets, t)
		case KindComponentRemove:
			componentTargets = append(componentTargets, t)
		case KindResourceRemove:
			resourceTargets = append(resourceTargets, t)
		}
	}

	// 组件与类互相约束：先假设匹配的组件全部删除，再迭代到稳定
	removedComponents := make(map[string]bool)
	for _, t := range componentTargets {
		for _, el := range s.components() {
			name := componentName(s.pkg, el.SelectAttrValue("android:name", ""))
			if matchDottedPrefix(name, t.Target) {
				removedComponents[name] = true
			}
		}
	}
	// 资源删除同样会影响类删除（布局 inflate 的类），外层迭代到删除集合稳定；
	// 每轮删除集合只减不增
	removedResFiles := s.resourceTargetFiles(resourceTargets)
	var (
		classFiles, componentNames                      map[string][]string
		classSkipped, componentSkipped, resourceSkipped []scanner.Finding
		resources                                       map[string]*resolvedTarget
		removedClasses                                  map[string]bool
	)
	for {
		for {
			classFiles, classSkipped = s.resolveClasses(classTargets, removedComponents, removedResFiles)
			removedClasses = classSet(s, classFiles)
			componentNames, componentSkipped = s.resolveComponents(componentTargets, removedClasses)
			next := make(map[string]bool)
			for _, names := range componentNames {
				for _, n := range names {
					next[n] = true
				}
			}
			if len(next) == len(removedComponents) {
				break
			}
			removedComponents = next
		}

		resources, resourceSkipped, err = s.resolveResources(resourceTargets, removedComponents, removedClasses)
		if err != nil {
			return nil, nil, err
		}
		next := make(map[string]bool)
		for _, rt := range resources {
			for _, rel := range rt.files {
				next[rel] = true
			}
		}
		if len(next) == len(removedResFiles) {
			break
		}
		removedResFiles = next
	}

	var skipped []scanner.Finding
	skipped = append(skipped, classSkipped...)
	skipped = append(skipped, componentSkipped...)
	skipped = append(skipped, resourceSkipped...)
	skipped = append(skipped, s.heuristicComponents(e.sets.ComponentKeywords, removedComponents)...)

	out := make([]*resolvedTarget, len(plan.Transformations))
	for i, t := range plan.Transformations {
		rt := &resolvedTarget{t: t}
		out[i] = rt
		switch t.Kind {
		case KindDomainReplace:
			for _, rel := range s.sources {
				if literalContains(s.contents[rel], t.Target) {
					rt.files = append(rt.files, rel)
				}
			}
		case KindClassRemove:
			rt.files = classFiles[t.Target]
		case KindComponentRemove:
			rt.names = componentNames[t.Target]
		case KindPermissionRemove:
			if !e.removablePermission(t.Target) {
				skipped = append(skipped, scanner.Finding{
					Category: scanner.CategoryAmbiguousRemoval,
					Location: p.ManifestRel(),
					Pattern:  t.Target,
					Detail:   string(KindPermissionRemove) + ": permission is protected or not in the removable list",
				})
				continue
			}
			if s.manifest != nil && hasPermission(s.manifest.Root(), t.Target) {
				rt.names = []string{t.Target}
			}
		case KindResourceRemove:
			if r := resources[t.Target]; r != nil {
				rt.files = r.files
				rt.decls = r.decls
			}
		}
	}
	return out, skipped, nil
}

func classSet(s *snapshot, classFiles map[string][]string) map[string]bool {
	out := make(map[string]bool)
	for _, files := range classFiles {
		for _, rel := range files {
			out[s.fileClasses[rel]] = true
		}
	}
	return out
}

// Placeholder 与域名等长、不可解析的占位域名
func Placeholder(domain string) string {
	n := len(domain)
	if n >= len("x.invalid") {
		return strings.Repeat("x", n-len(".invalid")) + ".invalid"
	}
	return strings.Repeat("x", n)
}

func isHostByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-' || c == '_'
}

// hostMatches 返回 domain 在 s 中作为完整主机名或其后缀出现的位置。
// notadmob.com 不匹配 admob.com，ads.admob.com 匹配
func hostMatches(s, domain string) []int {
	var out []int
	for from := 0; ; {
		i := strings.Index(s[from:], domain)
		if i < 0 {
			return out
		}
		i += from
		end := i + len(domain)
		before := i == 0 || !isHostByte(s[i-1])
		after := end == len(s) || !isHostByte(s[end]) && !(s[end] == '.' && end+1 < len(s) && isHostByte(s[end+1]))
		if before && after {
			out = append(out, i)
			from = end
		} else {
			from = i + 1
		}
	}
}

func replaceHost(s, domain, placeholder string) (string, int) {
	idx := hostMatches(s, domain)
	if len(idx) == 0 {
		return s, 0
	}
	var b strings.Builder
	last := 0
	for _, i := range idx {
		b.WriteString(s[last:i])
		b.WriteString(placeholder)
		last = i + len(domain)
	}
	b.WriteString(s[last:])
	return b.String(), len(idx)
}

func literalContains(data []byte, domain string) bool {
	for _, lit := range stringLiteralPattern.FindAll(data, -1) {
		if len(hostMatches(string(lit), domain)) > 0 {
			return true
		}
	}
	return false
}

// replaceDomain 只改写字符串字面量，调用点保持不变
func (e *Engine) replaceDomain(p *project.Project, domain string, files []string, m project.Mutator) (int, error) {
	placeholder := Placeholder(domain)
	changes := 0
	for _, rel := range files {
		data, err := p.ReadFile(rel)
		if err != nil {
			return changes, err
		}
		count := 0
		out := stringLiteralPattern.ReplaceAllFunc(data, func(lit []byte) []byte {
			replaced, n := replaceHost(string(lit), domain, placeholder)
			if n == 0 {
				return lit
			}
			count += n
			return []byte(replaced)
		})
		if count == 0 {
			continue
		}
		if err := m.WriteFile(rel, out); err != nil {
			return changes, err
		}
		changes += count
	}
	return changes, nil
}

func removeFiles(files []string, m project.Mutator) (int, error) {
	changes := 0
	for _, rel := range files {
		if err := m.Remove(rel); err != nil {
			return changes, err
		}
		changes++
	}
	return changes, nil
}

func (e *Engine) editManifest(p *project.Project, m project.Mutator, edit func(root *etree.Element) int) (int, error) {
	if !p.HasManifest() {
		return 0, nil
	}
	doc, err := p.ReadXML(p.ManifestRel())
	if err != nil {
		return 0, err
	}
	changes := edit(doc.Root())
	if changes == 0 {
		return 0, nil
	}
	return changes, project.WriteXML(m, p.ManifestRel(), doc)
}

func hasPermission(root *etree.Element, name string) bool {
	for _, tag := range []string{"uses-permission", "uses-permission-sdk-23"} {
		for _, el := range root.SelectElements(tag) {
			if el.SelectAttrValue("android:name", "") == name {
				return true
			}
		}
	}
	return false
}

func removePermissions(root *etree.Element, names []string) int {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	removed := 0
	for _, tag := range []string{"uses-permission", "uses-permission-sdk-23"} {
		for _, el := range root.SelectElements(tag) {
			if want[el.SelectAttrValue("android:name", "")] {
				root.RemoveChild(el)
				removed++
			}
		}
	}
	return removed
}

func removeComponents(root *etree.Element, names []string) int {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	pkg := root.SelectAttrValue("package", "")
	removed := 0
	for _, app := range root.SelectElements("application") {
		for _, el := range app.ChildElements() {
			if componentTags[el.Tag] && want[componentName(pkg, el.SelectAttrValue("android:name", ""))] {
				app.RemoveChild(el)
				removed++
			}
		}
	}
	return removed
}

func (e *Engine) removeResources(p *project.Project, rt *resolvedTarget, m project.Mutator) (int, error) {
	changes, err := removeFiles(rt.files, m)
	if err != nil {
		return changes, err
	}
	for rel, ids := range rt.decls {
		if !p.Exists(rel) {
			continue
		}
		doc, err := p.ReadXML(rel)
		if err != nil {
			return changes, err
		}
		drop := make(map[project.ResourceID]bool, len(ids))
		for _, id := range ids {
			drop[id] = true
		}
		removed := 0
		root := doc.Root()
		for _, el := range root.ChildElements() {
			if id, ok := project.DeclaredID(el); ok && drop[id] {
				root.RemoveChild(el)
				removed++
			}
		}
		if removed == 0 {
			continue
		}
		if err := project.WriteXML(m, rel, doc); err != nil {
			return changes, err
		}
		changes += removed
	}
	return changes, nil
}
