package project

import (
	"sort"
	"strings"

	"github.com/beevik/etree"
)

// ResourceID 资源标识 type/name
//
// 名称中的 '.' 统一为 '_'，与 R 类字段名一致（Theme.App -> Theme_App）。
type ResourceID struct {
	Type string
	Name string
}

func NewResourceID(typ, name string) ResourceID {
	return ResourceID{Type: typ, Name: strings.ReplaceAll(name, ".", "_")}
}

func (id ResourceID) String() string {
	return id.Type + "/" + id.Name
}

// ResourceSet 资源标识集合
type ResourceSet map[ResourceID]struct{}

func (s ResourceSet) Add(id ResourceID) { s[id] = struct{}{} }

func (s ResourceSet) Has(id ResourceID) bool {
	_, ok := s[id]
	return ok
}

// Sorted 按 type/name 排序输出
func (s ResourceSet) Sorted() []ResourceID {
	out := make([]ResourceID, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// valueTagTypes values 文档中元素标签到资源类型的映射
var valueTagTypes = map[string]string{
	"string":            "string",
	"color":             "color",
	"dimen":             "dimen",
	"bool":              "bool",
	"integer":           "integer",
	"style":             "style",
	"attr":              "attr",
	"declare-styleable": "styleable",
	"array":             "array",
	"string-array":      "array",
	"integer-array":     "array",
	"plurals":           "plurals",
	"fraction":          "fraction",
	"drawable":          "drawable",
	"id":                "id",
}

// DeclaredID values 文档中一个顶层元素声明的资源
func DeclaredID(el *etree.Element) (ResourceID, bool) {
	name := el.SelectAttrValue("name", "")
	if name == "" {
		return ResourceID{}, false
	}
	if el.Tag == "item" {
		typ := el.SelectAttrValue("type", "")
		if typ == "" {
			return ResourceID{}, false
		}
		return NewResourceID(typ, name), true
	}
	typ, ok := valueTagTypes[el.Tag]
	if !ok {
		return ResourceID{}, false
	}
	return NewResourceID(typ, name), true
}

// SymbolEntry public.xml 中的一条声明
type SymbolEntry struct {
	ID      ResourceID
	RawName string
	Hex     string // 0x7f...
	File    string
}

// SymbolTable 资源标识到声明的映射（来自 values*/public.xml）
type SymbolTable struct {
	entries map[ResourceID][]SymbolEntry
	byHex   map[string]ResourceID
}

func newSymbolTable() *SymbolTable {
	return &SymbolTable{
		entries: make(map[ResourceID][]SymbolEntry),
		byHex:   make(map[string]ResourceID),
	}
}

// Has 标识是否在符号表中
func (t *SymbolTable) Has(id ResourceID) bool {
	return len(t.entries[id]) > 0
}

// Len 符号数量
func (t *SymbolTable) Len() int {
	return len(t.entries)
}

// LookupHex 按数值 ID 查找资源
func (t *SymbolTable) LookupHex(hex string) (ResourceID, bool) {
	id, ok := t.byHex[strings.ToLower(hex)]
	return id, ok
}

// IDs 符号表中全部标识
func (t *SymbolTable) IDs() ResourceSet {
	set := make(ResourceSet, len(t.entries))
	for id := range t.entries {
		set.Add(id)
	}
	return set
}

// SymbolTable 读取全部 public.xml
func (p *Project) SymbolTable() (*SymbolTable, error) {
	table := newSymbolTable()
	files, err := p.PublicFiles()
	if err != nil {
		return nil, err
	}
	for _, rel := range files {
		doc, err := p.ReadXML(rel)
		if err != nil {
			return nil, err
		}
		for _, el := range doc.Root().SelectElements("public") {
			typ := el.SelectAttrValue("type", "")
			name := el.SelectAttrValue("name", "")
			if typ == "" || name == "" {
				continue
			}
			entry := SymbolEntry{
				ID:      NewResourceID(typ, name),
				RawName: name,
				Hex:     strings.ToLower(el.SelectAttrValue("id", "")),
				File:    rel,
			}
			table.entries[entry.ID] = append(table.entries[entry.ID], entry)
			if entry.Hex != "" {
				table.byHex[entry.Hex] = entry.ID
			}
		}
	}
	return table, nil
}

// PresentResources 计算实际存在的资源：资源文件、values 声明以及 @+id 声明
func (p *Project) PresentResources() (ResourceSet, error) {
	set := make(ResourceSet)

	files, err := p.ResourceFiles()
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		set.Add(f.ID)
		if strings.HasSuffix(f.Rel, ".xml") {
			data, err := p.ReadFile(f.Rel)
			if err != nil {
				return nil, err
			}
			for _, id := range inlineIDDeclarations(data) {
				set.Add(id)
			}
		}
	}

	values, err := p.ValuesFiles()
	if err != nil {
		return nil, err
	}
	for _, rel := range values {
		doc, err := p.ReadXML(rel)
		if err != nil {
			return nil, err
		}
		for _, el := range doc.Root().ChildElements() {
			if id, ok := DeclaredID(el); ok {
				set.Add(id)
			}
		}
	}

	if p.HasManifest() {
		data, err := p.ReadFile(p.ManifestRel())
		if err != nil {
			return nil, err
		}
		for _, id := range inlineIDDeclarations(data) {
			set.Add(id)
		}
	}
	return set, nil
}
