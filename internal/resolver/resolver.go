package resolver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/apk-purifier/apk-purifier-go/internal/project"
	"github.com/beevik/etree"
	"github.com/sirupsen/logrus"
)

// ErrReconcileFailure 级联修复超出轮次上限，或仍有悬空引用
var ErrReconcileFailure = errors.New("resource symbols could not be reconciled")

// Result 一次对齐的结果
type Result struct {
	// Pruned 从 public.xml 删除的符号（type/name）
	Pruned []string `json:"pruned,omitempty"`
	// Cascaded 因引用已删除资源而被连带删除的声明，格式 file 或 file#type/name
	Cascaded []string `json:"cascaded,omitempty"`
	Passes   int      `json:"passes"`
}

// Changed 是否修改了项目
func (r *Result) Changed() bool {
	return len(r.Pruned) > 0 || len(r.Cascaded) > 0
}

// Resolver 资源符号表一致性修复
type Resolver struct {
	logger *logrus.Logger
	// cascadePasses 首轮之后允许的级联轮数
	cascadePasses int
}

// New cascadePasses 小于 0 时按 0 处理
func New(logger *logrus.Logger, cascadePasses int) *Resolver {
	if cascadePasses < 0 {
		cascadePasses = 0
	}
	return &Resolver{logger: logger, cascadePasses: cascadePasses}
}

// Reconcile 删除指向已不存在资源的 public 声明，并级联删除引用它们的声明
//
// 没有任何删除发生时为空操作。所有写入经过 m。
func (r *Resolver) Reconcile(ctx context.Context, p *project.Project, m project.Mutator) (*Result, error) {
	// 删除前的符号表用于反查源码中的数值 ID
	lookup, err := p.SymbolTable()
	if err != nil {
		return nil, err
	}

	result := &Result{}
	removed := make(project.ResourceSet)
	converged := false
	for pass := 0; pass <= r.cascadePasses; pass++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Passes = pass + 1

		if err := r.prune(p, m, removed, result); err != nil {
			return result, err
		}
		n, err := r.cascade(p, m, removed, result, false)
		if err != nil {
			return result, err
		}
		if n == 0 {
			converged = true
			break
		}
	}

	if !converged {
		// 最后一轮级联产生的新缺失只允许被剪除，不允许再需要级联
		if err := r.prune(p, m, removed, result); err != nil {
			return result, err
		}
		n, err := r.cascade(p, m, removed, result, true)
		if err != nil {
			return result, err
		}
		if n > 0 {
			return result, fmt.Errorf("%w: %d declarations still reference removed resources after %d passes",
				ErrReconcileFailure, n, result.Passes)
		}
	}

	dangling, err := p.DanglingReferences(lookup)
	if err != nil {
		return result, err
	}
	if len(dangling) > 0 {
		first := dangling[0]
		return result, fmt.Errorf("%w: %d dangling references, first %s at %s@%d",
			ErrReconcileFailure, len(dangling), first.ID, first.File, first.Offset)
	}

	sort.Strings(result.Pruned)
	if result.Changed() {
		r.logger.WithFields(logrus.Fields{
			"pruned":   len(result.Pruned),
			"cascaded": len(result.Cascaded),
			"passes":   result.Passes,
		}).Info("Resource symbols reconciled")
	}
	return result, nil
}

// prune 删除 public.xml 中已不存在的条目
func (r *Resolver) prune(p *project.Project, m project.Mutator, removed project.ResourceSet, result *Result) error {
	present, err := p.PresentResources()
	if err != nil {
		return err
	}
	publics, err := p.PublicFiles()
	if err != nil {
		return err
	}
	for _, rel := range publics {
		doc, err := p.ReadXML(rel)
		if err != nil {
			return err
		}
		root := doc.Root()
		changed := false
		for _, el := range root.SelectElements("public") {
			id := project.NewResourceID(el.SelectAttrValue("type", ""), el.SelectAttrValue("name", ""))
			if id.Type == "" || id.Name == "" || present.Has(id) {
				continue
			}
			root.RemoveChild(el)
			changed = true
			if !removed.Has(id) {
				removed.Add(id)
				result.Pruned = append(result.Pruned, id.String())
			}
		}
		if changed {
			if err := project.WriteXML(m, rel, doc); err != nil {
				return err
			}
		}
	}
	return nil
}

// cascade 删除引用了 removed 中资源的声明，返回删除数量；dryRun 时只计数
func (r *Resolver) cascade(p *project.Project, m project.Mutator, removed project.ResourceSet, result *Result, dryRun bool) (int, error) {
	if len(removed) == 0 {
		return 0, nil
	}
	hits := func(refs []project.ResourceID) bool {
		for _, id := range refs {
			if removed.Has(id) {
				return true
			}
		}
		return false
	}
	count := 0

	files, err := p.ResourceFiles()
	if err != nil {
		return 0, err
	}
	for _, f := range files {
		if !strings.HasSuffix(f.Rel, ".xml") {
			continue
		}
		data, err := p.ReadFile(f.Rel)
		if err != nil {
			return count, err
		}
		var ids []project.ResourceID
		for _, ref := range project.XMLReferences(data) {
			if ref.ID != f.ID {
				ids = append(ids, ref.ID)
			}
		}
		if !hits(ids) {
			continue
		}
		count++
		if dryRun {
			continue
		}
		if err := m.Remove(f.Rel); err != nil {
			return count, err
		}
		result.Cascaded = append(result.Cascaded, f.Rel)
	}

	values, err := p.ValuesFiles()
	if err != nil {
		return count, err
	}
	for _, rel := range values {
		doc, err := p.ReadXML(rel)
		if err != nil {
			return count, err
		}
		root := doc.Root()
		changed := false
		for _, el := range root.ChildElements() {
			if !hits(project.ElementReferences(el)) {
				continue
			}
			count++
			if dryRun {
				continue
			}
			root.RemoveChild(el)
			changed = true
			desc := rel
			if id, ok := project.DeclaredID(el); ok {
				desc += "#" + id.String()
			}
			result.Cascaded = append(result.Cascaded, desc)
		}
		if changed {
			if err := project.WriteXML(m, rel, doc); err != nil {
				return count, err
			}
		}
	}

	if p.HasManifest() {
		n, err := r.cascadeManifest(p, m, hits, result, dryRun)
		count += n
		if err != nil {
			return count, err
		}
	}
	return count, nil
}

// cascadeManifest 删除引用已删除资源的清单元素（application 或 manifest 的直接子元素）
func (r *Resolver) cascadeManifest(p *project.Project, m project.Mutator, hits func([]project.ResourceID) bool, result *Result, dryRun bool) (int, error) {
	rel := p.ManifestRel()
	doc, err := p.ReadXML(rel)
	if err != nil {
		return 0, err
	}
	root := doc.Root()

	ownRefs := func(el *etree.Element) []project.ResourceID {
		var ids []project.ResourceID
		for _, a := range el.Attr {
			for _, ref := range project.XMLReferences([]byte(a.Value)) {
				ids = append(ids, ref.ID)
			}
		}
		return ids
	}
	if hits(ownRefs(root)) {
		return 0, fmt.Errorf("%w: manifest root references a removed resource", ErrReconcileFailure)
	}

	count := 0
	drop := func(parent, el *etree.Element) {
		count++
		if dryRun {
			return
		}
		parent.RemoveChild(el)
		result.Cascaded = append(result.Cascaded, rel+"#"+el.Tag+":"+el.SelectAttrValue("android:name", ""))
	}
	for _, el := range root.ChildElements() {
		if el.Tag != "application" {
			if hits(project.ElementReferences(el)) {
				drop(root, el)
			}
			continue
		}
		if hits(ownRefs(el)) {
			return count, fmt.Errorf("%w: application element references a removed resource", ErrReconcileFailure)
		}
		for _, child := range el.ChildElements() {
			if hits(project.ElementReferences(child)) {
				drop(el, child)
			}
		}
	}
	if count == 0 || dryRun {
		return count, nil
	}
	return count, project.WriteXML(m, rel, doc)
}
