package patch

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/apk-purifier/apk-purifier-go/internal/project"
	"github.com/apk-purifier/apk-purifier-go/internal/scanner"
	"github.com/beevik/etree"
)

var (
	// smali 中带转义的字符串字面量
	stringLiteralPattern = regexp.MustCompile(`"(?:[^"\\\n]|\\.)*"`)
	// Lcom/foo/Bar; 类型描述符
	classDescriptorPattern = regexp.MustCompile(`L([\w/$]+);`)
)

var componentTags = map[string]bool{
	"activity":       true,
	"activity-alias": true,
	"service":        true,
	"receiver":       true,
	"provider":       true,
}

// resolvedTarget 执行前计算好的目标集合
type resolvedTarget struct {
	t Transformation
	// domain-replace: 文件；class-remove: 文件；resource-remove: 资源文件
	files []string
	// resource-remove: values 文件 -> 要删除的声明
	decls map[string][]project.ResourceID
	// manifest 变换：权限名或组件全名
	names []string
}

// snapshot 解析阶段读取的项目状态，变换执行期间不再重新计算
type snapshot struct {
	p           *project.Project
	sources     []string
	contents    map[string][]byte
	pkg         string
	manifest    *etree.Document
	table       *project.SymbolTable
	classFiles  map[string]string // 类路径 -> 文件
	fileClasses map[string]string // 文件 -> 类路径
	resFiles    []project.ResourceFile
	resClasses  map[string][]string // 资源 XML -> 其中实例化的类路径
}

func takeSnapshot(p *project.Project) (*snapshot, error) {
	s := &snapshot{
		p:           p,
		contents:    make(map[string][]byte),
		classFiles:  make(map[string]string),
		fileClasses: make(map[string]string),
		resClasses:  make(map[string][]string),
	}
	sources, err := p.SourceFiles()
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	s.sources = sources
	for _, rel := range sources {
		data, err := p.ReadFile(rel)
		if err != nil {
			return nil, err
		}
		s.contents[rel] = data
		cp := p.ClassPath(rel)
		s.classFiles[cp] = rel
		s.fileClasses[rel] = cp
	}
	if p.HasManifest() {
		if s.manifest, err = p.ReadXML(p.ManifestRel()); err != nil {
			return nil, err
		}
		s.pkg = s.manifest.Root().SelectAttrValue("package", "")
	}
	if s.table, err = p.SymbolTable(); err != nil {
		return nil, err
	}
	if s.resFiles, err = p.ResourceFiles(); err != nil {
		return nil, err
	}
	for _, f := range s.resFiles {
		if !strings.HasSuffix(f.Rel, ".xml") {
			continue
		}
		doc, err := p.ReadXML(f.Rel)
		if err != nil {
			// res/raw 下的 .xml 不一定是 XML，也不会被 inflate
			continue
		}
		if classes := project.ClassReferences(doc); len(classes) > 0 {
			s.resClasses[f.Rel] = classes
		}
	}
	return s, nil
}

// componentName 解析清单中的相对类名
func componentName(pkg, name string) string {
	switch {
	case strings.HasPrefix(name, "."):
		return pkg + name
	case !strings.Contains(name, "."):
		return pkg + "." + name
	default:
		return name
	}
}

func matchClassPrefix(cp, prefix string) bool {
	return cp == prefix || strings.HasPrefix(cp, prefix+"/") || strings.HasPrefix(cp, prefix+"$")
}

func matchDottedPrefix(name, prefix string) bool {
	return name == prefix || strings.HasPrefix(name, prefix+".") || strings.HasPrefix(name, prefix+"$")
}

// components 清单中 application 下的组件元素
func (s *snapshot) components() []*etree.Element {
	if s.manifest == nil {
		return nil
	}
	var out []*etree.Element
	for _, app := range s.manifest.Root().SelectElements("application") {
		for _, el := range app.ChildElements() {
			if componentTags[el.Tag] {
				out = append(out, el)
			}
		}
	}
	return out
}

// classRefs 源文件中引用到的类路径
func classRefs(data []byte) map[string]bool {
	refs := make(map[string]bool)
	for _, m := range classDescriptorPattern.FindAllSubmatch(data, -1) {
		refs[string(m[1])] = true
	}
	return refs
}

// resolveClasses 计算类删除的最终集合
//
// 候选类只要被删除集合之外的类、未被删除的清单组件或保留的资源 XML 引用，
// 就连同它引用的候选类一起保留，并作为歧义项报告。
func (s *snapshot) resolveClasses(targets []Transformation, removedComponents, removedResFiles map[string]bool) (map[string][]string, []scanner.Finding) {
	candidates := make(map[string]string) // 类路径 -> 匹配的 target
	for _, t := range targets {
		for cp := range s.classFiles {
			if _, ok := candidates[cp]; !ok && matchClassPrefix(cp, t.Target) {
				candidates[cp] = t.Target
			}
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	kept := make(map[string]string) // 类路径 -> 原因
	var queue []string
	keep := func(cp, reason string) {
		if _, ok := kept[cp]; ok {
			return
		}
		kept[cp] = reason
		queue = append(queue, cp)
	}

	for _, rel := range s.sources {
		cp := s.fileClasses[rel]
		if _, isCandidate := candidates[cp]; isCandidate || s.p.IsGeneratedR(rel) {
			continue
		}
		for ref := range classRefs(s.contents[rel]) {
			if ref != cp {
				if _, ok := candidates[ref]; ok {
					keep(ref, "referenced by "+rel)
				}
			}
		}
	}

	for _, el := range s.components() {
		name := componentName(s.pkg, el.SelectAttrValue("android:name", ""))
		if removedComponents[name] {
			continue
		}
		cp := strings.ReplaceAll(name, ".", "/")
		if _, ok := candidates[cp]; ok {
			keep(cp, "declared by manifest component "+name)
		}
	}
	if s.manifest != nil {
		for _, app := range s.manifest.Root().SelectElements("application") {
			if name := app.SelectAttrValue("android:name", ""); name != "" {
				cp := strings.ReplaceAll(componentName(s.pkg, name), ".", "/")
				if _, ok := candidates[cp]; ok {
					keep(cp, "application class")
				}
			}
		}
	}

	// 布局中的自定义 View、fragment 在 inflate 时按类名加载
	resRels := make([]string, 0, len(s.resClasses))
	for rel := range s.resClasses {
		resRels = append(resRels, rel)
	}
	sort.Strings(resRels)
	for _, rel := range resRels {
		if removedResFiles[rel] {
			continue
		}
		for _, cp := range s.resClasses[rel] {
			if _, ok := candidates[cp]; ok {
				keep(cp, "inflated by "+rel)
			}
		}
	}

	// 保留类引用的候选类也必须保留
	for len(queue) > 0 {
		cp := queue[0]
		queue = queue[1:]
		for ref := range classRefs(s.contents[s.classFiles[cp]]) {
			if _, ok := candidates[ref]; ok && ref != cp {
				keep(ref, "required by kept class "+cp)
			}
		}
	}

	files := make(map[string][]string)
	var skipped []scanner.Finding
	for cp, target := range candidates {
		rel := s.classFiles[cp]
		if reason, ok := kept[cp]; ok {
			skipped = append(skipped, scanner.Finding{
				Category: scanner.CategoryAmbiguousRemoval,
				Location: rel,
				Pattern:  target,
				Detail:   string(KindClassRemove) + ": " + reason,
			})
			continue
		}
		files[target] = append(files[target], rel)
	}
	for t := range files {
		sort.Strings(files[t])
	}
	return files, skipped
}

// resolveComponents 计算要删除的组件全名
//
// 组件类仍被保留的源码引用（例如显式 Intent）时跳过并报告。
func (s *snapshot) resolveComponents(targets []Transformation, removedClasses map[string]bool) (map[string][]string, []scanner.Finding) {
	names := make(map[string][]string)
	var skipped []scanner.Finding
	for _, t := range targets {
		for _, el := range s.components() {
			name := componentName(s.pkg, el.SelectAttrValue("android:name", ""))
			if !matchDottedPrefix(name, t.Target) {
				continue
			}
			cp := strings.ReplaceAll(name, ".", "/")
			if user := s.classUser(cp, removedClasses); user != "" {
				skipped = append(skipped, scanner.Finding{
					Category: scanner.CategoryAmbiguousRemoval,
					Location: s.p.ManifestRel(),
					Pattern:  t.Target,
					Detail:   fmt.Sprintf("%s: %s still referenced by %s", KindComponentRemove, name, user),
				})
				continue
			}
			names[t.Target] = append(names[t.Target], name)
		}
	}
	return names, skipped
}

// classUser 返回引用类 cp 且不会被删除的第一个源文件
func (s *snapshot) classUser(cp string, removedClasses map[string]bool) string {
	for _, rel := range s.sources {
		own := s.fileClasses[rel]
		if own == cp || removedClasses[own] || s.p.IsGeneratedR(rel) {
			continue
		}
		if classRefs(s.contents[rel])[cp] {
			return rel
		}
	}
	return ""
}

// heuristicComponents 组件名包含广告关键字但不在删除集合内，只报告不删除
func (s *snapshot) heuristicComponents(keywords []string, removed map[string]bool) []scanner.Finding {
	var out []scanner.Finding
	for _, el := range s.components() {
		name := componentName(s.pkg, el.SelectAttrValue("android:name", ""))
		if removed[name] {
			continue
		}
		lower := strings.ToLower(name)
		for _, kw := range keywords {
			if strings.Contains(lower, strings.ToLower(kw)) {
				out = append(out, scanner.Finding{
					Category: scanner.CategoryAmbiguousRemoval,
					Location: s.p.ManifestRel(),
					Pattern:  kw,
					Detail:   fmt.Sprintf("%s: %s matches keyword only", KindComponentRemove, name),
				})
				break
			}
		}
	}
	return out
}

// resourceCandidate 资源删除候选
type resourceCandidate struct {
	id     project.ResourceID
	target string
	files  []string
	decls  map[string]bool // values 文件
}

func matchResourceTarget(targets []Transformation, typ, name string) (string, bool) {
	if typ != "layout" && typ != "drawable" {
		return "", false
	}
	for _, t := range targets {
		if ok, _ := filepath.Match(t.Target, name); ok {
			return t.Target, true
		}
	}
	return "", false
}

// resourceTargetFiles 匹配资源删除目标的全部文件，不考虑引用
func (s *snapshot) resourceTargetFiles(targets []Transformation) map[string]bool {
	out := make(map[string]bool)
	for _, f := range s.resFiles {
		if _, ok := matchResourceTarget(targets, f.ID.Type, project.ResourceName(filepath.Base(f.Rel))); ok {
			out[f.Rel] = true
		}
	}
	return out
}

// resolveResources 计算资源删除集合
//
// 候选资源被源码、未删除的清单元素或其它未删除的资源引用时保留并报告。
func (s *snapshot) resolveResources(targets []Transformation, removedComponents map[string]bool, removedClasses map[string]bool) (map[string]*resolvedTarget, []scanner.Finding, error) {
	p := s.p
	candidates := make(map[project.ResourceID]*resourceCandidate)

	matches := func(typ, name string) (string, bool) {
		return matchResourceTarget(targets, typ, name)
	}

	files := s.resFiles
	for _, f := range files {
		name := project.ResourceName(filepath.Base(f.Rel))
		target, ok := matches(f.ID.Type, name)
		if !ok {
			continue
		}
		c := candidates[f.ID]
		if c == nil {
			c = &resourceCandidate{id: f.ID, target: target, decls: make(map[string]bool)}
			candidates[f.ID] = c
		}
		c.files = append(c.files, f.Rel)
	}

	values, err := p.ValuesFiles()
	if err != nil {
		return nil, nil, err
	}
	valueDocs := make(map[string]*etree.Document)
	for _, rel := range values {
		doc, err := p.ReadXML(rel)
		if err != nil {
			return nil, nil, err
		}
		valueDocs[rel] = doc
		for _, el := range doc.Root().ChildElements() {
			id, ok := project.DeclaredID(el)
			if !ok {
				continue
			}
			target, ok := matches(id.Type, el.SelectAttrValue("name", ""))
			if !ok {
				continue
			}
			c := candidates[id]
			if c == nil {
				c = &resourceCandidate{id: id, target: target, decls: make(map[string]bool)}
				candidates[id] = c
			}
			c.decls[rel] = true
		}
	}
	if len(candidates) == 0 {
		return nil, nil, nil
	}

	// 引用图：谁引用了哪个候选资源
	type user struct {
		owner *project.ResourceID // 引用方本身是候选资源时非空
		where string
	}
	users := make(map[project.ResourceID][]user)

	for _, rel := range s.sources {
		if p.IsGeneratedR(rel) || removedClasses[s.fileClasses[rel]] {
			continue
		}
		for _, r := range project.SourceReferences(s.contents[rel], p.Layout, s.table) {
			if _, ok := candidates[r.ID]; ok {
				users[r.ID] = append(users[r.ID], user{where: rel})
			}
		}
	}

	if s.manifest != nil {
		var walk func(el *etree.Element)
		walk = func(el *etree.Element) {
			if componentTags[el.Tag] && removedComponents[componentName(s.pkg, el.SelectAttrValue("android:name", ""))] {
				return
			}
			for _, a := range el.Attr {
				for _, r := range project.XMLReferences([]byte(a.Value)) {
					if _, ok := candidates[r.ID]; ok {
						users[r.ID] = append(users[r.ID], user{where: p.ManifestRel()})
					}
				}
			}
			for _, c := range el.ChildElements() {
				walk(c)
			}
		}
		walk(s.manifest.Root())
	}

	for _, f := range files {
		if !strings.HasSuffix(f.Rel, ".xml") {
			continue
		}
		data, err := p.ReadFile(f.Rel)
		if err != nil {
			return nil, nil, err
		}
		var owner *project.ResourceID
		if _, ok := candidates[f.ID]; ok {
			id := f.ID
			owner = &id
		}
		for _, r := range project.XMLReferences(data) {
			if _, ok := candidates[r.ID]; ok && r.ID != f.ID {
				users[r.ID] = append(users[r.ID], user{owner: owner, where: f.Rel})
			}
		}
	}
	for _, rel := range values {
		for _, el := range valueDocs[rel].Root().ChildElements() {
			var owner *project.ResourceID
			if id, ok := project.DeclaredID(el); ok {
				if _, isCandidate := candidates[id]; isCandidate {
					owner = &id
				}
			}
			for _, ref := range project.ElementReferences(el) {
				if _, ok := candidates[ref]; ok && (owner == nil || *owner != ref) {
					users[ref] = append(users[ref], user{owner: owner, where: rel})
				}
			}
		}
	}

	// 被外部引用的候选保留；保留的候选所引用的候选也保留
	kept := make(map[project.ResourceID]string)
	changed := true
	for changed {
		changed = false
		for id, us := range users {
			if _, ok := kept[id]; ok {
				continue
			}
			for _, u := range us {
				external := u.owner == nil
				if !external {
					_, ownerKept := kept[*u.owner]
					external = ownerKept
				}
				if external {
					kept[id] = "referenced by " + u.where
					changed = true
					break
				}
			}
		}
	}

	resolved := make(map[string]*resolvedTarget)
	var skipped []scanner.Finding
	ids := make([]project.ResourceID, 0, len(candidates))
	for id := range candidates {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	for _, id := range ids {
		c := candidates[id]
		if reason, ok := kept[id]; ok {
			loc := ""
			if len(c.files) > 0 {
				loc = c.files[0]
			} else {
				for rel := range c.decls {
					if loc == "" || rel < loc {
						loc = rel
					}
				}
			}
			skipped = append(skipped, scanner.Finding{
				Category: scanner.CategoryAmbiguousRemoval,
				Location: loc,
				Pattern:  c.target,
				Detail:   fmt.Sprintf("%s: %s %s", KindResourceRemove, id, reason),
			})
			continue
		}
		rt := resolved[c.target]
		if rt == nil {
			rt = &resolvedTarget{decls: make(map[string][]project.ResourceID)}
			resolved[c.target] = rt
		}
		rt.files = append(rt.files, c.files...)
		for rel := range c.decls {
			rt.decls[rel] = append(rt.decls[rel], id)
		}
	}
	for _, rt := range resolved {
		sort.Strings(rt.files)
	}
	return resolved, skipped, nil
}
