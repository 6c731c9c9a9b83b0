// Package main is the entry point for the lodestar session host.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/mseaton/lodestar/internal/config"
	"github.com/mseaton/lodestar/internal/feature"
	"github.com/mseaton/lodestar/internal/resolve"
	"github.com/mseaton/lodestar/internal/session"
	"github.com/mseaton/lodestar/internal/status"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath  string
		workspace   string
		verbose     bool
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "Path to settings file")
	flag.StringVar(&configPath, "c", "", "Path to settings file (shorthand)")
	flag.StringVar(&workspace, "workspace", "", "Workspace directory (default: discovered from cwd)")
	flag.BoolVar(&verbose, "verbose", false, "Enable debug logging")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("lodestar %s (%s, %s)\n", version, commit, date)
		return 0
	}

	log, err := newLogger(verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to initialize logging: %v\n", err)
		return 1
	}
	defer log.Sync()

	if configPath == "" {
		configPath = defaultConfigPath()
	}

	provider, err := config.NewProvider(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	snap := provider.Load()
	if workspace == "" {
		workspace = snap.WorkspaceRoot
	}

	manager := session.NewManager(
		provider,
		resolve.DefaultExecutable(),
		resolve.DefaultWorkspace(workspace),
		session.WithLogger(log),
		session.WithStatusSink(status.NewLogSink(log)),
		session.WithErrorReporter(func(err error) {
			log.Error("analysis server unavailable", zap.Error(err))
			fmt.Fprintf(os.Stderr, "Error: analysis server unavailable: %v\n", err)
		}),
	)
	manager.AddObserver(feature.NewInfoProbe(log))

	cancelChange := provider.OnChange(manager.HandleSettingsChange)
	defer cancelChange()

	watcher, err := config.NewWatcher(configPath, config.DefaultDebounce, func() {
		if _, err := provider.Reload(); err != nil {
			log.Warn("settings reload failed", zap.Error(err))
		}
	})
	if err != nil {
		log.Warn("settings watcher unavailable, live reload disabled", zap.Error(err))
	} else {
		defer watcher.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := manager.Start(ctx); err != nil {
		// Already reported; stay up so a settings fix can restart us.
		log.Debug("initial start failed", zap.Error(err))
	}
	defer manager.Stop()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signals
	log.Info("shutting down", zap.String("signal", sig.String()))

	return 0
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}

// defaultConfigPath returns the per-user settings file location.
func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "lodestar.toml"
	}
	return filepath.Join(dir, "lodestar", "settings.toml")
}
