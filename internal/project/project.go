package project

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/beevik/etree"
)

// Layout 反编译输出布局
type Layout string

const (
	// LayoutSmali apktool 输出：AndroidManifest.xml、res/、smali*/
	LayoutSmali Layout = "smali"
	// LayoutJava jadx 输出：resources/AndroidManifest.xml、resources/res/、sources/
	LayoutJava Layout = "java"
)

// ErrNotAProject 目录不是可识别的反编译项目
var ErrNotAProject = errors.New("not a decompiled project")

// Mutator 项目文件的写入口，备份作用域通过它在修改前捕获原始内容
type Mutator interface {
	WriteFile(rel string, data []byte) error
	Remove(rel string) error
}

// Project 磁盘上的反编译项目
type Project struct {
	Root   string
	Layout Layout
}

// Open 打开反编译输出目录
func Open(root string, layout Layout) (*Project, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotAProject, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrNotAProject, root)
	}
	p := &Project{Root: root, Layout: layout}
	if layout == LayoutSmali {
		if _, err := os.Stat(p.Abs(p.ManifestRel())); err != nil {
			return nil, fmt.Errorf("%w: missing manifest: %v", ErrNotAProject, err)
		}
	}
	return p, nil
}

// Abs 项目相对路径转绝对路径
func (p *Project) Abs(rel string) string {
	return filepath.Join(p.Root, filepath.FromSlash(rel))
}

func (p *Project) rel(abs string) string {
	r, err := filepath.Rel(p.Root, abs)
	if err != nil {
		return abs
	}
	return filepath.ToSlash(r)
}

func (p *Project) ManifestRel() string {
	if p.Layout == LayoutJava {
		return "resources/AndroidManifest.xml"
	}
	return "AndroidManifest.xml"
}

func (p *Project) ResRel() string {
	if p.Layout == LayoutJava {
		return "resources/res"
	}
	return "res"
}

// SourceExt 字节码源文件扩展名
func (p *Project) SourceExt() string {
	if p.Layout == LayoutJava {
		return ".java"
	}
	return ".smali"
}

// HasManifest 清单文件是否存在
func (p *Project) HasManifest() bool {
	_, err := os.Stat(p.Abs(p.ManifestRel()))
	return err == nil
}

// Exists 相对路径是否存在
func (p *Project) Exists(rel string) bool {
	_, err := os.Stat(p.Abs(rel))
	return err == nil
}

// ReadFile 读取项目内文件
func (p *Project) ReadFile(rel string) ([]byte, error) {
	return os.ReadFile(p.Abs(rel))
}

func (p *Project) sourceRoots() ([]string, error) {
	if p.Layout == LayoutJava {
		return []string{"sources"}, nil
	}
	entries, err := os.ReadDir(p.Root)
	if err != nil {
		return nil, err
	}
	var roots []string
	for _, e := range entries {
		// smali、smali_classes2 ... 以及 smali_assets 等
		if e.IsDir() && strings.HasPrefix(e.Name(), "smali") {
			roots = append(roots, e.Name())
		}
	}
	sort.Strings(roots)
	return roots, nil
}

// SourceFiles 返回全部字节码源文件（每个类一个），按路径排序
func (p *Project) SourceFiles() ([]string, error) {
	roots, err := p.sourceRoots()
	if err != nil {
		return nil, err
	}
	ext := p.SourceExt()
	var files []string
	for _, root := range roots {
		dir := p.Abs(root)
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && strings.HasSuffix(path, ext) {
				files = append(files, p.rel(path))
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	sort.Strings(files)
	return files, nil
}

// ClassPath 源文件对应的类路径（com/foo/Bar），不属于源码目录时返回空
func (p *Project) ClassPath(rel string) string {
	rel = strings.TrimSuffix(rel, p.SourceExt())
	i := strings.IndexByte(rel, '/')
	if i < 0 {
		return ""
	}
	return rel[i+1:]
}

// IsGeneratedR 是否为生成的 R 类（只声明资源常量，不算引用方）
func (p *Project) IsGeneratedR(rel string) bool {
	base := filepath.Base(rel)
	if p.Layout == LayoutJava {
		return base == "R.java"
	}
	return base == "R.smali" || strings.HasPrefix(base, "R$")
}

// resDirs 返回 res 下的一级目录名
func (p *Project) resDirs() ([]string, error) {
	entries, err := os.ReadDir(p.Abs(p.ResRel()))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		}
	}
	sort.Strings(dirs)
	return dirs, nil
}

// ResourceType 资源目录名到资源类型：drawable-hdpi -> drawable
func ResourceType(dir string) string {
	if i := strings.IndexByte(dir, '-'); i >= 0 {
		return dir[:i]
	}
	return dir
}

// ResourceName 文件名到资源名：ic_ad.9.png -> ic_ad
func ResourceName(file string) string {
	if strings.HasSuffix(file, ".9.png") {
		return strings.TrimSuffix(file, ".9.png")
	}
	return strings.TrimSuffix(file, filepath.Ext(file))
}

// ResourceFile 基于文件的资源（layout、drawable、xml、raw ...）
type ResourceFile struct {
	Rel string
	ID  ResourceID
}

// ResourceFiles 返回 values* 以外所有资源文件
func (p *Project) ResourceFiles() ([]ResourceFile, error) {
	dirs, err := p.resDirs()
	if err != nil {
		return nil, err
	}
	var out []ResourceFile
	for _, dir := range dirs {
		typ := ResourceType(dir)
		if typ == "values" {
			continue
		}
		entries, err := os.ReadDir(p.Abs(p.ResRel() + "/" + dir))
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			out = append(out, ResourceFile{
				Rel: p.ResRel() + "/" + dir + "/" + e.Name(),
				ID:  NewResourceID(typ, ResourceName(e.Name())),
			})
		}
	}
	return out, nil
}

// ValuesFiles 返回 values*/ 下除 public.xml 之外的 XML 文件
func (p *Project) ValuesFiles() ([]string, error) {
	return p.valuesFiles(func(name string) bool { return name != "public.xml" })
}

// PublicFiles 返回存在的 values*/public.xml
func (p *Project) PublicFiles() ([]string, error) {
	return p.valuesFiles(func(name string) bool { return name == "public.xml" })
}

func (p *Project) valuesFiles(keep func(string) bool) ([]string, error) {
	dirs, err := p.resDirs()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, dir := range dirs {
		if ResourceType(dir) != "values" {
			continue
		}
		entries, err := os.ReadDir(p.Abs(p.ResRel() + "/" + dir))
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() || filepath.Ext(e.Name()) != ".xml" || !keep(e.Name()) {
				continue
			}
			out = append(out, p.ResRel()+"/"+dir+"/"+e.Name())
		}
	}
	return out, nil
}

// ReadXML 解析项目内 XML 文件
func (p *Project) ReadXML(rel string) (*etree.Document, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromFile(p.Abs(rel)); err != nil {
		return nil, fmt.Errorf("parse %s: %w", rel, err)
	}
	if doc.Root() == nil {
		return nil, fmt.Errorf("parse %s: empty document", rel)
	}
	return doc, nil
}

// WriteXML 通过 Mutator 写回 XML 文档
func WriteXML(m Mutator, rel string, doc *etree.Document) error {
	data, err := doc.WriteToBytes()
	if err != nil {
		return fmt.Errorf("serialize %s: %w", rel, err)
	}
	return m.WriteFile(rel, data)
}

// DirectMutator 不做备份的直接写入
type DirectMutator struct {
	Project *Project
}

func (d DirectMutator) WriteFile(rel string, data []byte) error {
	path := d.Project.Abs(rel)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func (d DirectMutator) Remove(rel string) error {
	err := os.Remove(d.Project.Abs(rel))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
