// Package filewatch polls keychain files for replacement or removal.
package filewatch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/houzhh15/pvasec/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var fileEvents = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pva_keychain_file_events_total",
		Help: "Keychain file changes observed by the watcher, by kind",
	},
	[]string{"kind"},
)

// Config 文件监视器配置
type Config struct {
	Paths        []string
	PollInterval time.Duration
	InitialDelay time.Duration
	OnDisable    func()
	OnEnable     func()
	// Validate 可选，在 OnEnable 之前检查新文件；返回错误则不调用 OnEnable
	Validate func(path string) error
	// Notify 启用 fsnotify，目录事件触发一次额外检查
	Notify bool
	Logger logging.Logger
}

// fileState 文件标识：存在性 + 大小 + 修改时间 + inode
type fileState struct {
	exists  bool
	size    int64
	modTime time.Time
	info    os.FileInfo
}

func (a fileState) equal(b fileState) bool {
	if a.exists != b.exists {
		return false
	}
	if !a.exists {
		return true
	}
	return a.size == b.size && a.modTime.Equal(b.modTime) && os.SameFile(a.info, b.info)
}

func statFile(path string) fileState {
	info, err := os.Stat(path)
	if err != nil {
		return fileState{}
	}
	return fileState{exists: true, size: info.Size(), modTime: info.ModTime(), info: info}
}

// Watcher 轮询式文件监视器，检查在单个 goroutine 中串行执行
type Watcher struct {
	paths        []string
	pollInterval time.Duration
	initialDelay time.Duration
	onDisable    func()
	onEnable     func()
	validate     func(string) error
	notify       bool
	logger       logging.Logger

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup

	lastMu sync.Mutex
	last   map[string]fileState
}

// New 创建文件监视器
func New(config *Config) (*Watcher, error) {
	if config == nil || len(config.Paths) == 0 {
		return nil, errors.New("filewatch: no paths to watch")
	}
	if config.OnDisable == nil || config.OnEnable == nil {
		return nil, errors.New("filewatch: OnDisable and OnEnable are required")
	}

	w := &Watcher{
		pollInterval: config.PollInterval,
		initialDelay: config.InitialDelay,
		onDisable:    config.OnDisable,
		onEnable:     config.OnEnable,
		validate:     config.Validate,
		notify:       config.Notify,
		logger:       config.Logger,
		last:         make(map[string]fileState),
	}
	for _, p := range config.Paths {
		w.paths = append(w.paths, filepath.Clean(p))
	}
	if w.pollInterval <= 0 {
		w.pollInterval = 60 * time.Second
	}
	if w.initialDelay <= 0 {
		w.initialDelay = w.pollInterval
	}
	if w.logger == nil {
		w.logger = logging.Nop()
	}
	return w, nil
}

// Start 记录基线并启动轮询
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return errors.New("filewatch: already running")
	}

	w.snapshot()

	var fsw *fsnotify.Watcher
	if w.notify {
		var err error
		fsw, err = w.newNotifier()
		if err != nil {
			// 退化为纯轮询
			w.logger.Warn("fsnotify unavailable, polling only", "error", err)
			fsw = nil
		}
	}

	w.stopChan = make(chan struct{})
	w.running = true
	w.wg.Add(1)
	go w.loop(w.stopChan, fsw)

	w.logger.Info("File watcher started",
		"paths", w.paths,
		"initial_delay", w.initialDelay.String(),
		"poll_interval", w.pollInterval.String())
	return nil
}

// Stop 停止轮询并等待 goroutine 退出；幂等，不可在回调中调用
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopChan)
	w.mu.Unlock()

	w.wg.Wait()
	w.logger.Info("File watcher stopped")
}

// IsRunning 是否在运行
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Rebaseline 以文件当前标识作为新基线，之后的检查不会把进程自己的写入当作替换
func (w *Watcher) Rebaseline() {
	w.snapshot()
	w.logger.Debug("File watcher baseline reset", "paths", w.paths)
}

func (w *Watcher) snapshot() {
	w.lastMu.Lock()
	defer w.lastMu.Unlock()
	for _, p := range w.paths {
		w.last[p] = statFile(p)
	}
}

func (w *Watcher) newNotifier() (*fsnotify.Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	dirs := make(map[string]struct{})
	for _, p := range w.paths {
		dirs[filepath.Dir(p)] = struct{}{}
	}
	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	return fsw, nil
}

func (w *Watcher) loop(stop <-chan struct{}, fsw *fsnotify.Watcher) {
	defer w.wg.Done()

	var events <-chan fsnotify.Event
	var errs <-chan error
	if fsw != nil {
		defer fsw.Close()
		events = fsw.Events
		errs = fsw.Errors
	}

	timer := time.NewTimer(w.initialDelay)
	defer timer.Stop()

	for {
		select {
		case <-stop:
			return
		case <-timer.C:
			w.tick()
			timer.Reset(w.pollInterval)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if w.tracked(ev.Name) {
				w.logger.Debug("Keychain file event", "path", ev.Name, "op", ev.Op.String())
				w.tick()
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			w.logger.Warn("fsnotify error", "error", err)
		}
	}
}

func (w *Watcher) tracked(name string) bool {
	name = filepath.Clean(name)
	for _, p := range w.paths {
		if p == name {
			return true
		}
	}
	return false
}

// tick 比较文件标识；有变化时先 OnDisable，文件全部存在且校验通过再 OnEnable
func (w *Watcher) tick() {
	changed, allPresent := w.compare()
	if !changed {
		return
	}

	w.onDisable()

	if !allPresent {
		return
	}
	if w.validate != nil {
		for _, p := range w.paths {
			if err := w.validate(p); err != nil {
				w.logger.Warn("Replacement keychain rejected", "path", p, "error", err)
				return
			}
		}
	}
	w.onEnable()
}

// compare 与基线比较并更新基线
func (w *Watcher) compare() (changed, allPresent bool) {
	w.lastMu.Lock()
	defer w.lastMu.Unlock()

	allPresent = true
	for _, p := range w.paths {
		cur := statFile(p)
		if !cur.equal(w.last[p]) {
			changed = true
			kind := "changed"
			if !cur.exists {
				kind = "removed"
			}
			fileEvents.WithLabelValues(kind).Inc()
			w.logger.Info("Keychain file changed", "path", p, "kind", kind)
		}
		w.last[p] = cur
		if !cur.exists {
			allPresent = false
		}
	}
	return changed, allPresent
}
