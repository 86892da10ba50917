// 配置文件变更监听器实现。
//
// 轮询配置文件的修改时间，变更后重新加载并校验，只把通过校验的配置交给回调。
package config

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// --- 文件监听器类型定义 ---

// ReloadCallback 在配置重新加载成功后被调用
type ReloadCallback func(cfg *Config)

// Watcher 监听单个配置文件，变更时通过 Loader 重新加载。
// 加载或校验失败的配置会被丢弃，当前生效配置保持不变。
type Watcher struct {
	mu sync.Mutex

	loader   *Loader
	path     string
	interval time.Duration

	running   bool
	lastMod   time.Time
	callbacks []ReloadCallback

	logger *zap.Logger
}

// --- 文件监听器选项 ---

// WatcherOption configures the Watcher
type WatcherOption func(*Watcher)

// WithPollInterval 设置轮询间隔
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatcherLogger sets the logger for the watcher
func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// --- 文件监听器实现 ---

// NewWatcher 创建配置文件监听器，loader 负责重新加载（需已设置同一配置路径）
func NewWatcher(loader *Loader, path string, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		loader:   loader,
		path:     path,
		interval: time.Second,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With(zap.String("component", "config_watcher"), zap.String("path", path))
	return w
}

// OnReload 注册重新加载回调
func (w *Watcher) OnReload(cb ReloadCallback) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

// Run 阻塞轮询直到 ctx 结束
func (w *Watcher) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("watcher already running")
	}
	w.running = true
	if info, err := os.Stat(w.path); err == nil {
		w.lastMod = info.ModTime()
	}
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	w.logger.Info("config watcher started", zap.Duration("interval", w.interval))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("config watcher stopped")
			return nil
		case <-ticker.C:
			w.check()
		}
	}
}

// check 检测修改时间变化并触发重新加载
func (w *Watcher) check() {
	info, err := os.Stat(w.path)
	if err != nil {
		if !os.IsNotExist(err) {
			w.logger.Warn("stat config file failed", zap.Error(err))
		}
		return
	}

	w.mu.Lock()
	if !info.ModTime().After(w.lastMod) {
		w.mu.Unlock()
		return
	}
	w.lastMod = info.ModTime()
	callbacks := make([]ReloadCallback, len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	cfg, err := w.loader.Load()
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		w.logger.Warn("config reload rejected, keeping current config", zap.Error(err))
		return
	}

	w.logger.Info("config reloaded")
	for _, cb := range callbacks {
		cb(cfg)
	}
}

// IsRunning returns whether the watcher is running
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}
