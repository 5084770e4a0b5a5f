// Package config loads corrald's TOML configuration file and watches it
// for changes, debouncing the burst of filesystem events a single save
// tends to produce into one reload.
package config

import (
	"fmt"
	"hash/fnv"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/OpenPeeDeeP/xdg"
	"github.com/fsnotify/fsnotify"
)

// debounceWindow coalesces the burst of fsnotify events a single editor
// save usually produces into one reload.
const debounceWindow = 200 * time.Millisecond

// Config holds the operator-controlled knobs that shape every spawned
// session and the daemon's own runtime behavior.
type Config struct {
	// Shell overrides the user's default login shell.
	Shell string `toml:"shell"`
	// NoRC suppresses rc-file loading; only meaningful for bash.
	NoRC bool `toml:"norc"`
	// Env is injected into every spawned shell's environment.
	Env map[string]string `toml:"env"`
	// Socket overrides the default runtime-dir socket path.
	Socket string `toml:"socket"`
	// LogLevel is one of debug/info/warn/error.
	LogLevel string `toml:"log_level"`
}

// Load reads and parses a TOML config file. A missing file yields a zero
// Config rather than an error, so the daemon can run with no config file
// present at all.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// DefaultSocketPath derives the unix socket path from $XDG_RUNTIME_DIR (or
// a fallback under $HOME), mixing a short stable hash of an operator
// override into the runtime subdirectory so two daemons on one host never
// collide.
func DefaultSocketPath(override string) (string, error) {
	dirs := xdg.New("corral", "corral")
	runtimeDir := dirs.RuntimeHome()
	if runtimeDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolving home directory: %w", err)
		}
		runtimeDir = filepath.Join(home, ".corral", "run")
	}

	if override == "" {
		if err := os.MkdirAll(runtimeDir, 0o700); err != nil {
			return "", err
		}
		return filepath.Join(runtimeDir, "corrald.sock"), nil
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(override))
	mixedDir := filepath.Join(runtimeDir, fmt.Sprintf("corrald-%08x", h.Sum32()))
	if err := os.MkdirAll(mixedDir, 0o700); err != nil {
		return "", err
	}
	return filepath.Join(mixedDir, filepath.Base(override)), nil
}

// Watcher watches a config file's closest existing ancestor directory and
// invokes reload whenever the file appears to have changed, debounced so a
// flurry of writes (as many editors produce via a temp-file-then-rename
// save) triggers a single reload.
type Watcher struct {
	path    string
	reload  func(*Config)
	watcher *fsnotify.Watcher

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher starts watching path in the background. reload is called
// with the newly parsed config each time the file changes; parse errors
// are logged and the previous config is kept in place.
func NewWatcher(path string, reload func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating config watcher: %w", err)
	}

	watchDir, _ := bestEffortAncestor(path)
	if err := fw.Add(watchDir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching %s: %w", watchDir, err)
	}

	w := &Watcher{path: path, reload: reload, watcher: fw}
	go w.loop()
	return w, nil
}

// bestEffortAncestor returns the closest existing ancestor of path.
// Config files are often absent until their first write, so we watch the
// nearest directory that does exist and recheck on every event under it.
func bestEffortAncestor(path string) (string, error) {
	dir := filepath.Dir(path)
	for {
		if _, err := os.Stat(dir); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return dir, fmt.Errorf("no existing ancestor of %s", path)
		}
		dir = parent
	}
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", "err", err)
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(debounceWindow, func() {
		cfg, err := Load(w.path)
		if err != nil {
			slog.Warn("config reload failed, keeping previous config", "err", err)
			return
		}
		slog.Info("reloaded config", "path", w.path)
		w.reload(cfg)
	})
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
