// 配置文件变更监听器。
//
// 优先使用 fsnotify 监听文件所在目录（兼容编辑器的 rename 保存），
// fsnotify 不可用时回退到按修改时间轮询。事件经过防抖后再回调。
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// --- 文件监听器类型定义 ---

// FileOp represents file operation types
type FileOp int

const (
	FileOpCreate FileOp = iota
	FileOpWrite
	FileOpRemove
	FileOpRename
)

// String returns the string representation of FileOp
func (op FileOp) String() string {
	switch op {
	case FileOpCreate:
		return "CREATE"
	case FileOpWrite:
		return "WRITE"
	case FileOpRemove:
		return "REMOVE"
	case FileOpRename:
		return "RENAME"
	default:
		return "UNKNOWN"
	}
}

// FileEvent represents a file change event
type FileEvent struct {
	Path      string    `json:"path"`
	Op        FileOp    `json:"op"`
	Timestamp time.Time `json:"timestamp"`
}

// FileWatcher watches configuration files for changes
type FileWatcher struct {
	mu sync.RWMutex

	paths         map[string]bool
	debounceDelay time.Duration
	pollInterval  time.Duration
	forcePolling  bool

	running   bool
	stopChan  chan struct{}
	eventChan chan FileEvent
	fsw       *fsnotify.Watcher

	callbacks []func(event FileEvent)
	logger    *zap.Logger

	// 轮询回退的最后修改时间
	lastModTimes map[string]time.Time
}

// --- 文件监听器选项 ---

// WatcherOption configures the FileWatcher
type WatcherOption func(*FileWatcher)

// WithDebounceDelay sets the debounce delay for file events
func WithDebounceDelay(d time.Duration) WatcherOption {
	return func(w *FileWatcher) {
		w.debounceDelay = d
	}
}

// WithPolling forces the polling backend with the given interval.
func WithPolling(interval time.Duration) WatcherOption {
	return func(w *FileWatcher) {
		w.forcePolling = true
		w.pollInterval = interval
	}
}

// WithWatcherLogger sets the logger for the watcher
func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *FileWatcher) {
		w.logger = logger
	}
}

// --- 文件监听器实现 ---

// NewFileWatcher creates a new file watcher
func NewFileWatcher(paths []string, opts ...WatcherOption) (*FileWatcher, error) {
	w := &FileWatcher{
		paths:         make(map[string]bool, len(paths)),
		debounceDelay: 100 * time.Millisecond,
		pollInterval:  time.Second,
		stopChan:      make(chan struct{}),
		eventChan:     make(chan FileEvent, 100),
		lastModTimes:  make(map[string]time.Time),
		logger:        zap.NewNop(),
	}

	for _, opt := range opts {
		opt(w)
	}

	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve path %s: %w", p, err)
		}
		if _, err := os.Stat(abs); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to stat path %s: %w", abs, err)
			}
			w.logger.Warn("config file does not exist, will watch for creation", zap.String("path", abs))
		}
		w.paths[abs] = true
	}

	return w, nil
}

// OnChange registers a callback for file change events
func (w *FileWatcher) OnChange(callback func(FileEvent)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Start begins watching for file changes
func (w *FileWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("watcher already running")
	}
	w.running = true

	for path := range w.paths {
		if info, err := os.Stat(path); err == nil {
			w.lastModTimes[path] = info.ModTime()
		}
	}

	backend := "polling"
	if !w.forcePolling {
		if fsw, err := w.newNotify(); err == nil {
			w.fsw = fsw
			backend = "fsnotify"
		} else {
			w.logger.Warn("fsnotify unavailable, falling back to polling", zap.Error(err))
		}
	}
	w.mu.Unlock()

	if w.fsw != nil {
		go w.notifyLoop(ctx)
	} else {
		go w.pollLoop(ctx)
	}
	go w.dispatchLoop(ctx)

	w.logger.Info("config watcher started",
		zap.String("backend", backend),
		zap.Strings("paths", w.Paths()),
		zap.Duration("debounce_delay", w.debounceDelay))
	return nil
}

func (w *FileWatcher) newNotify() (*fsnotify.Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dirs := make(map[string]bool)
	for path := range w.paths {
		dirs[filepath.Dir(path)] = true
	}
	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			_ = fsw.Close()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	return fsw, nil
}

// Stop stops the file watcher
func (w *FileWatcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil
	}
	close(w.stopChan)
	w.running = false

	var err error
	if w.fsw != nil {
		err = w.fsw.Close()
	}
	w.logger.Info("config watcher stopped")
	return err
}

func (w *FileWatcher) notifyLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleNotify(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}

func (w *FileWatcher) handleNotify(ev fsnotify.Event) {
	path, err := filepath.Abs(ev.Name)
	if err != nil {
		return
	}
	w.mu.RLock()
	watched := w.paths[path]
	w.mu.RUnlock()
	if !watched {
		return
	}

	var op FileOp
	switch {
	case ev.Has(fsnotify.Create):
		op = FileOpCreate
	case ev.Has(fsnotify.Write):
		op = FileOpWrite
	case ev.Has(fsnotify.Remove):
		op = FileOpRemove
	case ev.Has(fsnotify.Rename):
		op = FileOpRename
	default:
		return
	}
	w.publish(FileEvent{Path: path, Op: op, Timestamp: time.Now()})
}

func (w *FileWatcher) publish(ev FileEvent) {
	select {
	case w.eventChan <- ev:
	case <-w.stopChan:
	}
}

// pollLoop polls files for changes
func (w *FileWatcher) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case <-ticker.C:
			for _, ev := range w.checkFiles() {
				w.publish(ev)
			}
		}
	}
}

// checkFiles compares modification times against the last seen ones.
func (w *FileWatcher) checkFiles() []FileEvent {
	w.mu.Lock()
	defer w.mu.Unlock()

	var events []FileEvent
	now := time.Now()
	for path := range w.paths {
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				if _, existed := w.lastModTimes[path]; existed {
					delete(w.lastModTimes, path)
					events = append(events, FileEvent{Path: path, Op: FileOpRemove, Timestamp: now})
				}
			}
			continue
		}

		lastMod, existed := w.lastModTimes[path]
		switch {
		case !existed:
			w.lastModTimes[path] = info.ModTime()
			events = append(events, FileEvent{Path: path, Op: FileOpCreate, Timestamp: now})
		case info.ModTime().After(lastMod):
			w.lastModTimes[path] = info.ModTime()
			events = append(events, FileEvent{Path: path, Op: FileOpWrite, Timestamp: now})
		}
	}
	return events
}

// dispatchLoop dispatches events to callbacks with debouncing
func (w *FileWatcher) dispatchLoop(ctx context.Context) {
	pending := make(map[string]FileEvent)
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case ev := <-w.eventChan:
			// 同一路径只保留最后一次事件
			pending[ev.Path] = ev
			timer.Reset(w.debounceDelay)
		case <-timer.C:
			w.mu.RLock()
			callbacks := append([]func(FileEvent){}, w.callbacks...)
			w.mu.RUnlock()

			for _, ev := range pending {
				w.logger.Debug("dispatching config file event",
					zap.String("path", ev.Path),
					zap.String("op", ev.Op.String()))
				for _, cb := range callbacks {
					cb(ev)
				}
			}
			pending = make(map[string]FileEvent)
		}
	}
}

// Paths returns the list of watched paths
func (w *FileWatcher) Paths() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()

	paths := make([]string, 0, len(w.paths))
	for p := range w.paths {
		paths = append(paths, p)
	}
	return paths
}

// IsRunning returns whether the watcher is running
func (w *FileWatcher) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}
