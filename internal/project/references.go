package project

import (
	"regexp"
	"sort"
	"strings"

	"github.com/beevik/etree"
)

// Origin 引用出现的位置类别
type Origin string

const (
	OriginSource   Origin = "source"   // smali / java
	OriginManifest Origin = "manifest" // AndroidManifest.xml
	OriginResource Origin = "resource" // res 下的 XML
)

// Reference 一处资源引用
type Reference struct {
	ID     ResourceID
	File   string
	Offset int64
	Origin Origin
}

var (
	// @type/name 或 @pkg:type/name，@+id/name 是声明
	xmlRefPattern = regexp.MustCompile(`@(\*?[\w.]+:)?(\+)?([a-zA-Z][\w-]*)/([\w.$]+)`)
	// Lcom/app/R$layout;->main:I
	smaliFieldPattern = regexp.MustCompile(`L([\w/$]+)/R\$([a-z]+);->([\w$]+):I`)
	// R.layout.main（jadx 输出）
	javaFieldPattern = regexp.MustCompile(`\bR\.([a-z]+)\.(\w+)`)
	// 应用资源的数值 ID
	literalIDPattern = regexp.MustCompile(`0x7f[0-9a-fA-F]{6}\b`)
	// com.foo.Bar / com.foo.Bar$Inner
	qualifiedClassPattern = regexp.MustCompile(`^[A-Za-z_][\w$]*(\.[A-Za-z_][\w$]*)+$`)
)

// XMLReferences 提取 XML 文本中的资源引用（忽略带包名的引用和 @+id 声明）
func XMLReferences(data []byte) []Reference {
	var refs []Reference
	for _, m := range xmlRefPattern.FindAllSubmatchIndex(data, -1) {
		if m[2] >= 0 || m[4] >= 0 {
			continue
		}
		typ := string(data[m[6]:m[7]])
		name := string(data[m[8]:m[9]])
		refs = append(refs, Reference{ID: NewResourceID(typ, name), Offset: int64(m[0])})
	}
	return refs
}

func inlineIDDeclarations(data []byte) []ResourceID {
	var ids []ResourceID
	for _, m := range xmlRefPattern.FindAllSubmatchIndex(data, -1) {
		if m[2] >= 0 || m[4] < 0 {
			continue
		}
		ids = append(ids, NewResourceID(string(data[m[6]:m[7]]), string(data[m[8]:m[9]])))
	}
	return ids
}

// SourceReferences 提取字节码源文件中的资源引用；数值 ID 通过符号表反查
func SourceReferences(data []byte, layout Layout, table *SymbolTable) []Reference {
	var refs []Reference
	if layout == LayoutJava {
		for _, m := range javaFieldPattern.FindAllSubmatchIndex(data, -1) {
			if m[0] >= len("android.") && string(data[m[0]-len("android."):m[0]]) == "android." {
				continue
			}
			typ := string(data[m[2]:m[3]])
			if typ == "styleable" {
				continue
			}
			refs = append(refs, Reference{ID: NewResourceID(typ, string(data[m[4]:m[5]])), Offset: int64(m[0])})
		}
	} else {
		for _, m := range smaliFieldPattern.FindAllSubmatchIndex(data, -1) {
			pkg := string(data[m[2]:m[3]])
			typ := string(data[m[4]:m[5]])
			if pkg == "android" || typ == "styleable" {
				continue
			}
			refs = append(refs, Reference{ID: NewResourceID(typ, string(data[m[6]:m[7]])), Offset: int64(m[0])})
		}
	}
	if table != nil {
		for _, m := range literalIDPattern.FindAllIndex(data, -1) {
			if id, ok := table.LookupHex(string(data[m[0]:m[1]])); ok {
				refs = append(refs, Reference{ID: id, Offset: int64(m[0])})
			}
		}
	}
	sort.SliceStable(refs, func(i, j int) bool { return refs[i].Offset < refs[j].Offset })
	return refs
}

// References 收集整个项目中的资源引用
// table 用于反查数值 ID；调用方在删除前后应使用同一份符号表
func (p *Project) References(table *SymbolTable) ([]Reference, error) {
	var refs []Reference

	sources, err := p.SourceFiles()
	if err != nil {
		return nil, err
	}
	for _, rel := range sources {
		if p.IsGeneratedR(rel) {
			continue
		}
		data, err := p.ReadFile(rel)
		if err != nil {
			return nil, err
		}
		for _, r := range SourceReferences(data, p.Layout, table) {
			r.File, r.Origin = rel, OriginSource
			refs = append(refs, r)
		}
	}

	if p.HasManifest() {
		data, err := p.ReadFile(p.ManifestRel())
		if err != nil {
			return nil, err
		}
		for _, r := range XMLReferences(data) {
			r.File, r.Origin = p.ManifestRel(), OriginManifest
			refs = append(refs, r)
		}
	}

	xmlFiles, err := p.resourceXMLFiles()
	if err != nil {
		return nil, err
	}
	for _, rel := range xmlFiles {
		data, err := p.ReadFile(rel)
		if err != nil {
			return nil, err
		}
		for _, r := range XMLReferences(data) {
			r.File, r.Origin = rel, OriginResource
			refs = append(refs, r)
		}
	}
	return refs, nil
}

// resourceXMLFiles res 下的全部 XML（含 values，不含 public.xml）
func (p *Project) resourceXMLFiles() ([]string, error) {
	files, err := p.ResourceFiles()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, f := range files {
		if strings.HasSuffix(f.Rel, ".xml") {
			out = append(out, f.Rel)
		}
	}
	values, err := p.ValuesFiles()
	if err != nil {
		return nil, err
	}
	out = append(out, values...)
	sort.Strings(out)
	return out, nil
}

// DanglingReferences 字节码源文件和清单中无法在当前符号表中解析的引用
//
// lookup 只用于反查源码中的数值 ID：传入删除前的符号表，指向已删除资源的字面量也会被发现；
// 为 nil 时使用当前符号表。没有 public.xml 的项目（jadx 布局）以实际存在的资源作为符号表。
func (p *Project) DanglingReferences(lookup *SymbolTable) ([]Reference, error) {
	current, err := p.SymbolTable()
	if err != nil {
		return nil, err
	}
	if lookup == nil {
		lookup = current
	}
	known := current.IDs()
	if current.Len() == 0 {
		if known, err = p.PresentResources(); err != nil {
			return nil, err
		}
	}

	refs, err := p.References(lookup)
	if err != nil {
		return nil, err
	}
	var dangling []Reference
	for _, r := range refs {
		if r.Origin == OriginResource {
			continue
		}
		if !known.Has(r.ID) {
			dangling = append(dangling, r)
		}
	}
	return dangling, nil
}

// ElementReferences 元素（含子元素）属性和文本中的资源引用
func ElementReferences(el *etree.Element) []ResourceID {
	var ids []ResourceID
	var walk func(e *etree.Element)
	walk = func(e *etree.Element) {
		for _, a := range e.Attr {
			for _, r := range XMLReferences([]byte(a.Value)) {
				ids = append(ids, r.ID)
			}
		}
		if text := e.Text(); text != "" {
			for _, r := range XMLReferences([]byte(text)) {
				ids = append(ids, r.ID)
			}
		}
		for _, c := range e.ChildElements() {
			walk(c)
		}
	}
	walk(el)
	return ids
}

// ClassReferences 资源 XML 中按全限定名实例化的类：
// 自定义 View 标签、<view class=...>、<fragment android:name=...>。
// 返回类路径形式（com/foo/Bar），已去重并排序
func ClassReferences(doc *etree.Document) []string {
	seen := make(map[string]bool)
	add := func(name string) {
		if qualifiedClassPattern.MatchString(name) {
			seen[strings.ReplaceAll(name, ".", "/")] = true
		}
	}
	var walk func(e *etree.Element)
	walk = func(e *etree.Element) {
		add(e.Tag)
		add(e.SelectAttrValue("class", ""))
		add(e.SelectAttrValue("android:name", ""))
		for _, c := range e.ChildElements() {
			walk(c)
		}
	}
	if root := doc.Root(); root != nil {
		walk(root)
	}
	out := make([]string, 0, len(seen))
	for cp := range seen {
		out = append(out, cp)
	}
	sort.Strings(out)
	return out
}
