package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"cardstream/pkg/logx"
)

// reloadDebounce absorbs the burst of filesystem events one editor save
// produces, so half-written files are never parsed.
const reloadDebounce = 250 * time.Millisecond

// Manager owns the loaded configuration and pushes fresh copies to
// subscribers when the file on disk changes. A reload that fails to parse or
// validate keeps the previous config active.
type Manager struct {
	path string
	log  logx.Logger

	mu      sync.RWMutex
	current *Config
	subs    []chan *Config

	reloadMu sync.Mutex
	reload   *time.Timer
}

func NewManager(path string, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{path: path, log: log}
}

// Load reads the file and makes the result the current config.
func (m *Manager) Load() (*Config, error) {
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.current = cfg
	m.mu.Unlock()
	return cfg, nil
}

// Get returns the last successfully loaded config, nil before the first Load.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Subscribe returns a channel receiving each config accepted after a reload.
// Delivery is lossy: a subscriber that falls behind misses intermediate
// versions, never the fact that something changed (buffer >= 1).
func (m *Manager) Subscribe(buffer int) <-chan *Config {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan *Config, buffer)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

func (m *Manager) publish(cfg *Config) {
	m.mu.RLock()
	subs := append([]chan *Config(nil), m.subs...)
	m.mu.RUnlock()
	for _, ch := range subs {
		select {
		case ch <- cfg:
		default:
			m.log.Debug("slow config subscriber, update dropped")
		}
	}
}

// Watch blocks until ctx is done, reloading and republishing the config
// whenever the file changes.
func (m *Manager) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	// Watch the directory, not the file: editors replace the file on save
	// and a file watch would die with the old inode.
	if err := w.Add(filepath.Dir(m.path)); err != nil {
		return err
	}
	want := filepath.Clean(m.path)

	for {
		select {
		case <-ctx.Done():
			m.stopReload()
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != want {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				m.scheduleReload()
			}
		case werr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			m.log.Warn("config watcher error", logx.Err(werr))
		}
	}
}

func (m *Manager) scheduleReload() {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()
	if m.reload != nil {
		m.reload.Stop()
	}
	m.reload = time.AfterFunc(reloadDebounce, func() {
		cfg, err := m.Load()
		if err != nil {
			m.log.Warn("config reload rejected, keeping previous", logx.Err(err))
			return
		}
		m.publish(cfg)
		m.log.Info("config reloaded")
	})
}

func (m *Manager) stopReload() {
	m.reloadMu.Lock()
	if m.reload != nil {
		m.reload.Stop()
	}
	m.reloadMu.Unlock()
}
