package backup

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	// ErrScopeNotSettled 离开 PATCHING 时作用域既未提交也未回滚
	ErrScopeNotSettled = errors.New("backup scope left open")
	// ErrScopeSettled 作用域已提交或回滚，不能再修改
	ErrScopeSettled = errors.New("backup scope already settled")
)

type scopeState int

const (
	scopeOpen scopeState = iota
	scopeCommitted
	scopeRolledBack
)

type entry struct {
	data    []byte
	mode    fs.FileMode
	existed bool
}

// Scope 一次净化的备份集合：路径 -> 修改前的字节内容
//
// 文件在第一次被修改或删除之前才被捕获。作用域实现 project.Mutator，
// 净化引擎和资源修复只通过它写文件。
type Scope struct {
	jobID  string
	root   string
	logger *logrus.Logger

	mu      sync.Mutex
	state   scopeState
	entries map[string]entry
	order   []string
}

// Capture 捕获文件当前内容，同一路径只捕获一次
func (s *Scope) Capture(rel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != scopeOpen {
		return ErrScopeSettled
	}
	return s.captureLocked(rel)
}

func (s *Scope) captureLocked(rel string) error {
	if _, ok := s.entries[rel]; ok {
		return nil
	}
	path := s.abs(rel)
	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		s.entries[rel] = entry{existed: false}
		s.order = append(s.order, rel)
		return nil
	}
	if err != nil {
		return fmt.Errorf("capture %s: %w", rel, err)
	}
	if info.IsDir() {
		return fmt.Errorf("capture %s: is a directory", rel)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("capture %s: %w", rel, err)
	}
	s.entries[rel] = entry{data: data, mode: info.Mode().Perm(), existed: true}
	s.order = append(s.order, rel)
	return nil
}

// WriteFile 捕获后覆盖写入
func (s *Scope) WriteFile(rel string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != scopeOpen {
		return ErrScopeSettled
	}
	if err := s.captureLocked(rel); err != nil {
		return err
	}
	path := s.abs(rel)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	mode := s.entries[rel].mode
	if mode == 0 {
		mode = 0644
	}
	return os.WriteFile(path, data, mode)
}

// Remove 捕获后删除，文件不存在时为空操作
func (s *Scope) Remove(rel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != scopeOpen {
		return ErrScopeSettled
	}
	if err := s.captureLocked(rel); err != nil {
		return err
	}
	err := os.Remove(s.abs(rel))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Captured 已捕获的路径（排序）
func (s *Scope) Captured() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]string(nil), s.order...)
	sort.Strings(out)
	return out
}

// Settled 是否已提交或回滚
func (s *Scope) Settled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state != scopeOpen
}

// Commit 丢弃备份
func (s *Scope) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != scopeOpen {
		return ErrScopeSettled
	}
	s.state = scopeCommitted
	s.logger.WithFields(logrus.Fields{
		"job_id":   s.jobID,
		"captured": len(s.entries),
	}).Debug("Backup scope committed")
	s.entries = nil
	s.order = nil
	return nil
}

// Rollback 把每个捕获的文件恢复到修改前的内容，并返回包装了 cause 的错误
func (s *Scope) Rollback(cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != scopeOpen {
		return ErrScopeSettled
	}
	s.state = scopeRolledBack

	var errs []error
	// 逆序恢复，保证先删除后重建的路径也能还原
	for i := len(s.order) - 1; i >= 0; i-- {
		rel := s.order[i]
		e := s.entries[rel]
		path := s.abs(rel)
		if !e.existed {
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, fmt.Errorf("restore %s: %w", rel, err))
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			errs = append(errs, fmt.Errorf("restore %s: %w", rel, err))
			continue
		}
		if err := os.WriteFile(path, e.data, e.mode); err != nil {
			errs = append(errs, fmt.Errorf("restore %s: %w", rel, err))
		}
	}

	s.logger.WithFields(logrus.Fields{
		"job_id":   s.jobID,
		"restored": len(s.order),
		"cause":    fmt.Sprint(cause),
	}).Warn("↩️ Backup scope rolled back")

	s.entries = nil
	s.order = nil

	if len(errs) > 0 {
		return fmt.Errorf("rolled back after %w; restore errors: %w", cause, errors.Join(errs...))
	}
	return fmt.Errorf("rolled back after: %w", cause)
}

func (s *Scope) abs(rel string) string {
	return filepath.Join(s.root, filepath.FromSlash(rel))
}
