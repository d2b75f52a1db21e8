package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Defaults applied to fields left at their zero value.
const (
	DefaultBackend           = "host"
	DefaultMemoryBytes       = 64 << 20
	DefaultStreamQueueDepth  = 64
	DefaultMaxLoopIterations = 1_000_000
	DefaultLaunchCount       = 1
	DefaultLaunchTimeoutMs   = 5000
)

// ErrRejected is returned by Reload when an OnChange callback refused the
// new config.
var ErrRejected = errors.New("config rejected")

// Loader reads a YAML program file and watches it for changes.
type Loader struct {
	path     string
	mu       sync.RWMutex
	current  *ProgramConfig
	onChange []func(*ProgramConfig) error
	watcher  *fsnotify.Watcher
}

// NewLoader creates a Loader and performs the initial load.
func NewLoader(path string) (*Loader, error) {
	l := &Loader{path: path}
	cfg, err := l.load()
	if err != nil {
		return nil, err
	}
	l.current = cfg
	return l, nil
}

// Path returns the watched file.
func (l *Loader) Path() string { return l.path }

// Config returns the current (latest) configuration.
func (l *Loader) Config() *ProgramConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers a callback invoked whenever the config reloads. A
// callback error is reported by Reload but does not stop later callbacks.
func (l *Loader) OnChange(fn func(*ProgramConfig) error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// Watch starts a background goroutine that hot-reloads the config on file changes.
// Call the returned stop function to clean up.
func (l *Loader) Watch() (stop func(), err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	if err := w.Add(l.path); err != nil {
		w.Close()
		return nil, fmt.Errorf("config watcher add %s: %w", l.path, err)
	}
	l.watcher = w

	done := make(chan struct{})
	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
					if _, err := l.Reload(); err != nil {
						// Keep serving the previous program.
						slog.Warn("config reload failed", "path", l.path, "error", err)
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "path", l.path, "error", err)
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }, nil
}

// Reload forces an immediate re-read of the config file. When a callback
// rejects the new config, the config is returned along with an error
// wrapping ErrRejected.
func (l *Loader) Reload() (*ProgramConfig, error) {
	cfg, err := l.load()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current = cfg
	callbacks := make([]func(*ProgramConfig) error, len(l.onChange))
	copy(callbacks, l.onChange)
	l.mu.Unlock()
	var errs []error
	for _, fn := range callbacks {
		if err := fn(cfg); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return cfg, fmt.Errorf("%w: %w", ErrRejected, errors.Join(errs...))
	}
	return cfg, nil
}

func (l *Loader) load() (*ProgramConfig, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", l.path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", l.path, err)
	}
	return cfg, nil
}

// Parse decodes a YAML program and applies defaults. It does not validate.
func Parse(data []byte) (*ProgramConfig, error) {
	var cfg ProgramConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *ProgramConfig) {
	if cfg.Device.Backend == "" {
		cfg.Device.Backend = DefaultBackend
	}
	if cfg.Device.MemoryBytes == 0 {
		cfg.Device.MemoryBytes = DefaultMemoryBytes
	}
	if cfg.Device.StreamQueueDepth == 0 {
		cfg.Device.StreamQueueDepth = DefaultStreamQueueDepth
	}
	if cfg.Device.MaxLoopIterations == 0 {
		cfg.Device.MaxLoopIterations = DefaultMaxLoopIterations
	}
	if cfg.Launch.Count == 0 {
		cfg.Launch.Count = DefaultLaunchCount
	}
	if cfg.Launch.TimeoutMs == 0 {
		cfg.Launch.TimeoutMs = DefaultLaunchTimeoutMs
	}
}
