package config

import (
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// ChangeHandler is called with the new configuration after a successful reload
type ChangeHandler func(cfg *Config)

// Manager owns the live configuration and reloads it when the file changes
type Manager struct {
	v        *viper.Viper
	path     string
	fromFile bool
	logger   *zap.Logger

	mu       sync.RWMutex
	current  *Config
	handlers []ChangeHandler
	watching bool
}

// NewManager loads the configuration at path (or ConfigPath() when empty)
func NewManager(path string, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path == "" {
		path = ConfigPath()
	}

	v := newViper()
	fromFile, err := readConfigFile(v, path)
	if err != nil {
		return nil, err
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	logger.Info("Configuration loaded",
		zap.String("path", path),
		zap.Bool("from_file", fromFile),
		zap.Int("provider_overrides", len(cfg.Providers)),
	)
	return &Manager{v: v, path: path, fromFile: fromFile, logger: logger, current: cfg}, nil
}

// Current returns the latest configuration
func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnChange registers a handler for reloads
func (m *Manager) OnChange(h ChangeHandler) {
	m.mu.Lock()
	m.handlers = append(m.handlers, h)
	m.mu.Unlock()
}

// Watch starts watching the config file. Invalid edits are logged and the previous
// configuration stays in effect.
func (m *Manager) Watch() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.watching {
		return nil
	}
	if !m.fromFile {
		return fmt.Errorf("no config file at %s to watch", m.path)
	}

	m.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		m.reload(e.Name)
	})
	m.v.WatchConfig()
	m.watching = true
	m.logger.Info("Watching configuration", zap.String("path", m.path))
	return nil
}

func (m *Manager) reload(file string) {
	cfg, err := decode(m.v)
	if err != nil {
		m.logger.Error("Configuration reload rejected", zap.String("file", file), zap.Error(err))
		return
	}

	m.mu.Lock()
	m.current = cfg
	handlers := append([]ChangeHandler(nil), m.handlers...)
	m.mu.Unlock()

	m.logger.Info("Configuration reloaded", zap.String("file", file))
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("Configuration handler panicked", zap.Any("panic", r))
				}
			}()
			h(cfg)
		}()
	}
}
