package backup

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/otiai10/copy"
	"github.com/sirupsen/logrus"
)

// Manager 备份与恢复管理器
type Manager struct {
	backupDir string
	logger    *logrus.Logger

	keepMu sync.Mutex
}

// NewManager backupDir 为原始 APK 快照目录，由外部应用传入
func NewManager(backupDir string, logger *logrus.Logger) *Manager {
	return &Manager{backupDir: backupDir, logger: logger}
}

// Begin 为一个任务开启备份作用域，root 为反编译项目根目录
func (m *Manager) Begin(jobID, root string) *Scope {
	return &Scope{
		jobID:   jobID,
		root:    root,
		logger:  m.logger,
		entries: make(map[string]entry),
	}
}

// ArchiveGuard 原始 APK 的快照，任务失败时用于把源文件恢复为原始字节
type ArchiveGuard struct {
	source   string
	snapshot string
	digest   string
	logger   *logrus.Logger
}

// GuardArchive 把源 APK 复制到 backupDir/<jobID>/ 并记录摘要
func (m *Manager) GuardArchive(jobID, source string) (*ArchiveGuard, error) {
	digest, err := fileDigest(source)
	if err != nil {
		return nil, fmt.Errorf("hash source archive: %w", err)
	}
	snapshot := filepath.Join(m.backupDir, jobID, filepath.Base(source))
	if err := copy.Copy(source, snapshot, copy.Options{Sync: true, PreserveTimes: true}); err != nil {
		return nil, fmt.Errorf("snapshot source archive: %w", err)
	}
	m.logger.WithFields(logrus.Fields{
		"job_id":   jobID,
		"snapshot": snapshot,
	}).Debug("Source archive snapshot created")
	return &ArchiveGuard{
		source:   source,
		snapshot: snapshot,
		digest:   digest,
		logger:   m.logger,
	}, nil
}

// Digest 原始 APK 的 sha256
func (g *ArchiveGuard) Digest() string { return g.digest }

// Restore 源文件缺失或内容变化时从快照恢复，返回是否发生了恢复
func (g *ArchiveGuard) Restore() (bool, error) {
	current, err := fileDigest(g.source)
	if err == nil && current == g.digest {
		return false, nil
	}
	if err := copy.Copy(g.snapshot, g.source, copy.Options{Sync: true, PreserveTimes: true}); err != nil {
		return false, fmt.Errorf("restore source archive: %w", err)
	}
	g.logger.WithField("source", g.source).Warn("↩️ Source archive restored from snapshot")
	return true, nil
}

// Release 删除快照
func (g *ArchiveGuard) Release() error {
	return os.RemoveAll(filepath.Dir(g.snapshot))
}

// KeepCopy 在 backupDir 下保留源 APK 的持久副本：<name>_backup.apk，
// 重名时依次使用 <name>_backup_1.apk、<name>_backup_2.apk ...
func (m *Manager) KeepCopy(source string) (string, error) {
	m.keepMu.Lock()
	defer m.keepMu.Unlock()

	if err := os.MkdirAll(m.backupDir, 0755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}
	ext := filepath.Ext(source)
	stem := strings.TrimSuffix(filepath.Base(source), ext)
	path := filepath.Join(m.backupDir, stem+"_backup"+ext)
	for n := 1; ; n++ {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			break
		} else if err != nil {
			return "", fmt.Errorf("stat backup: %w", err)
		}
		path = filepath.Join(m.backupDir, fmt.Sprintf("%s_backup_%d%s", stem, n, ext))
	}
	if err := copy.Copy(source, path, copy.Options{Sync: true, PreserveTimes: true}); err != nil {
		return "", fmt.Errorf("back up source archive: %w", err)
	}
	m.logger.WithFields(logrus.Fields{
		"source": source,
		"backup": path,
	}).Info("💾 Source archive backed up")
	return path, nil
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
