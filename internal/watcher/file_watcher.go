package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/apk-purifier/apk-purifier-go/internal/config"
	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// FileHandler 文件处理函数，通常是创建净化任务
type FileHandler func(ctx context.Context, filePath string) error

// FileWatcher 收件目录监控：新 APK 写入完成后交给 handler
type FileWatcher struct {
	watcher  *fsnotify.Watcher
	watchDir string
	pattern  string
	handler  FileHandler
	logger   *logrus.Logger
	debounce time.Duration
	// 判断写入完成的两次 stat 间隔
	settle time.Duration

	mu         sync.Mutex
	timers     map[string]*time.Timer
	processing map[string]bool
	wg         sync.WaitGroup
	stopOnce   sync.Once
	stopChan   chan struct{}
}

// NewFileWatcher 创建文件监控器
func NewFileWatcher(cfg config.WatcherConfig, handler FileHandler, logger *logrus.Logger) (*FileWatcher, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("watcher dir is not configured")
	}
	pattern := cfg.Pattern
	if pattern == "" {
		pattern = "*.apk"
	}
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid watcher pattern %q: %w", pattern, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to create watch directory: %w", err)
	}
	if err := watcher.Add(cfg.Dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to add watch directory: %w", err)
	}

	debounce := time.Duration(cfg.DebounceMS) * time.Millisecond
	if debounce <= 0 {
		debounce = 2 * time.Second
	}

	fw := &FileWatcher{
		watcher:    watcher,
		watchDir:   cfg.Dir,
		pattern:    pattern,
		handler:    handler,
		logger:     logger,
		debounce:   debounce,
		settle:     500 * time.Millisecond,
		timers:     make(map[string]*time.Timer),
		processing: make(map[string]bool),
		stopChan:   make(chan struct{}),
	}

	logger.WithFields(logrus.Fields{
		"watch_dir": cfg.Dir,
		"pattern":   pattern,
		"debounce":  debounce.String(),
	}).Info("File watcher created")

	return fw, nil
}

// Start 启动事件循环；scanExisting 为 true 时先处理目录里已有的文件
func (fw *FileWatcher) Start(ctx context.Context, scanExisting bool) error {
	if scanExisting {
		if err := fw.scanExistingFiles(ctx); err != nil {
			fw.logger.WithError(err).Warn("Failed to scan existing files")
		}
	}

	fw.wg.Add(1)
	go fw.eventLoop(ctx)

	fw.logger.Info("File watcher started successfully")
	return nil
}

func (fw *FileWatcher) scanExistingFiles(ctx context.Context) error {
	entries, err := os.ReadDir(fw.watchDir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !fw.matchPattern(entry.Name()) {
			continue
		}
		fw.logger.WithField("file", entry.Name()).Info("Found existing file")
		fw.schedule(ctx, filepath.Join(fw.watchDir, entry.Name()))
	}
	return nil
}

func (fw *FileWatcher) eventLoop(ctx context.Context) {
	defer fw.wg.Done()

	for {
		select {
		case <-ctx.Done():
			fw.logger.Info("File watcher context done")
			return
		case <-fw.stopChan:
			return
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			// 只处理创建、写入和移入（rename 到目录内表现为 Create）
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !fw.matchPattern(filepath.Base(event.Name)) {
				continue
			}

			fw.logger.WithFields(logrus.Fields{
				"event": event.Op.String(),
				"file":  filepath.Base(event.Name),
			}).Debug("File event detected")
			fw.schedule(ctx, event.Name)

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.WithError(err).Error("Watcher error")
		}
	}
}

// schedule 防抖：同一文件在 debounce 内多次触发只处理一次
func (fw *FileWatcher) schedule(ctx context.Context, path string) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if timer, ok := fw.timers[path]; ok {
		timer.Stop()
	}
	fw.timers[path] = time.AfterFunc(fw.debounce, func() {
		fw.mu.Lock()
		delete(fw.timers, path)
		select {
		case <-fw.stopChan:
			fw.mu.Unlock()
			return
		default:
		}
		if fw.processing[path] {
			fw.mu.Unlock()
			fw.logger.WithField("file", path).Debug("File is already being processed")
			return
		}
		fw.processing[path] = true
		fw.wg.Add(1)
		fw.mu.Unlock()

		defer func() {
			fw.mu.Lock()
			delete(fw.processing, path)
			fw.mu.Unlock()
			fw.wg.Done()
		}()
		fw.handleFile(ctx, path)
	})
}

func (fw *FileWatcher) handleFile(ctx context.Context, path string) {
	if ctx.Err() != nil {
		return
	}
	if err := fw.waitForFileReady(ctx, path); err != nil {
		fw.logger.WithError(err).WithField("file", path).Warn("File not ready")
		return
	}

	fw.logger.WithField("file", path).Info("Processing file")
	if err := fw.handler(ctx, path); err != nil {
		fw.logger.WithError(err).WithField("file", path).Error("Failed to process file")
		return
	}
	fw.logger.WithField("file", path).Info("File processed successfully")
}

// waitForFileReady 大小连续两次相同且非零视为写入完成
func (fw *FileWatcher) waitForFileReady(ctx context.Context, path string) error {
	const maxAttempts = 10
	var last int64 = -1
	for i := 0; i < maxAttempts; i++ {
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("file does not exist")
			}
			return err
		}
		if info.Size() > 0 && info.Size() == last {
			return nil
		}
		last = info.Size()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(fw.settle):
		}
	}
	return fmt.Errorf("file not ready after %d attempts", maxAttempts)
}

func (fw *FileWatcher) matchPattern(name string) bool {
	ok, _ := filepath.Match(strings.ToLower(fw.pattern), strings.ToLower(name))
	return ok
}

// Stop 停止监控，等待进行中的处理结束
func (fw *FileWatcher) Stop() error {
	var err error
	fw.stopOnce.Do(func() {
		fw.logger.Info("Stopping file watcher")
		close(fw.stopChan)

		fw.mu.Lock()
		for path, timer := range fw.timers {
			timer.Stop()
			delete(fw.timers, path)
		}
		fw.mu.Unlock()

		err = fw.watcher.Close()
		fw.wg.Wait()
	})
	return err
}

// GetWatchDir 获取监控目录
func (fw *FileWatcher) GetWatchDir() string {
	return fw.watchDir
}
