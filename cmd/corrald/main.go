// Command corrald is the session daemon: it hosts one PTY per named
// session and lets corral attach to them.
package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/lmittmann/tint"

	"github.com/ianremillard/corral/internal/config"
	"github.com/ianremillard/corral/internal/daemon"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to corrald.toml")
		socketFlag = flag.String("socket", "", "override the unix socket path")
	)
	flag.Parse()

	log := slog.New(tint.NewHandler(os.Stderr, &tint.Options{NoColor: !isTerminal(os.Stderr)}))
	slog.SetDefault(log)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("loading config", "err", err)
		os.Exit(1)
	}
	if *socketFlag != "" {
		cfg.Socket = *socketFlag
	}
	if cfg.LogLevel != "" {
		if lvl, ok := parseLevel(cfg.LogLevel); ok {
			log = slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: lvl, NoColor: !isTerminal(os.Stderr)}))
			slog.SetDefault(log)
		}
	}

	socketPath, err := config.DefaultSocketPath(cfg.Socket)
	if err != nil {
		log.Error("resolving socket path", "err", err)
		os.Exit(1)
	}

	d := daemon.New(cfg, log)
	if err := d.Listen(socketPath); err != nil {
		log.Error("listen", "err", err)
		os.Exit(1)
	}

	if *configPath != "" {
		watcher, err := config.NewWatcher(*configPath, d.SetConfig)
		if err != nil {
			log.Warn("config watcher disabled", "err", err)
		} else {
			defer watcher.Close()
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("shutting down", "signal", sig.String())
		d.Shutdown()
	}()

	if err := d.Serve(); err != nil {
		log.Error("serve", "err", err)
		os.Exit(1)
	}
}

func parseLevel(s string) (slog.Level, bool) {
	switch s {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return 0, false
	}
}

func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}
