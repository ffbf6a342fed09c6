package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/codefionn/flowsync/internal/analyzer"
	"github.com/codefionn/flowsync/internal/collab"
	"github.com/codefionn/flowsync/internal/config"
	"github.com/codefionn/flowsync/internal/logger"
	"github.com/codefionn/flowsync/internal/media"
	"github.com/codefionn/flowsync/internal/pidfile"
	"github.com/codefionn/flowsync/internal/pprof"
	"github.com/codefionn/flowsync/internal/store"
	"github.com/codefionn/flowsync/internal/web"
)

type serveOptions struct {
	configPath string
	addr       string
	logLevel   string
	pidFile    string
	profile    pprof.Config
}

// serveReady is called with the bound address once the server accepts
// connections.
var serveReady func(addr string)

func newServeCommand() *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the collaboration server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Configuration file path")
	flags.StringVar(&opts.addr, "addr", "", "Listen address (host:port)")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error, none")
	flags.StringVar(&opts.pidFile, "pid-file", "", "Refuse to start while another instance holds this PID file")
	flags.StringVar(&opts.profile.HTTPAddr, "pprof-addr", "", "Serve /debug/pprof on this address")
	flags.StringVar(&opts.profile.CPUProfile, "cpu-profile", "", "Write a CPU profile to this file until shutdown")
	flags.StringVar(&opts.profile.HeapProfile, "heap-profile", "", "Write a heap profile to this file on shutdown")

	return cmd
}

// loadServeConfig layers .env, the config file, FLOWSYNC_* variables and
// command-line flags, in that order.
func loadServeConfig(opts serveOptions) (*config.Config, string, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, "", fmt.Errorf("load .env: %w", err)
	}

	path := opts.configPath
	if path == "" {
		path = config.GetConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, "", err
	}
	if opts.addr != "" {
		cfg.Server.Addr = opts.addr
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	if err := unlockSecrets(cfg); err != nil {
		return nil, "", err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, path, nil
}

func runServe(ctx context.Context, opts serveOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, cfgPath, err := loadServeConfig(opts)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		if closeErr := logger.Global().Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close logger: %v\n", closeErr)
		}
	}()

	if opts.pidFile != "" {
		pf := pidfile.New(opts.pidFile)
		if err := pf.Acquire(); err != nil {
			return err
		}
		defer func() {
			if err := pf.Release(); err != nil {
				logger.Warn("%v", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.profile.Enabled() {
		profiler := pprof.NewHandler(opts.profile)
		if err := profiler.Start(); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
			defer cancel()
			if err := profiler.Stop(shutdownCtx); err != nil {
				logger.Warn("Failed to stop profiling: %v", err)
			}
		}()
	}

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Warn("Failed to close store: %v", closeErr)
		}
	}()
	logger.Info("Opened store at %s", st.Path())

	deps := web.Deps{Store: st, Media: media.NewRunner(cfg.Media)}
	az, err := analyzer.New(ctx, cfg.Analyzer)
	switch {
	case errors.Is(err, analyzer.ErrDisabled):
		logger.Info("Content analyzer disabled")
	case err != nil:
		return err
	default:
		logger.Info("Content analyzer: %s/%s", az.Provider(), az.Model())
		deps.Analyzer = az
	}

	engine := collab.NewEngine(collab.Options{
		MailboxSize: cfg.Collab.MailboxSize,
		Sink:        st,
		Logger:      logger.Global().WithPrefix("collab"),
	})
	// The engine outlives the signal context. Disconnects still queued when
	// it stops are dropped; Stop archives every live session instead.
	if err := engine.Start(context.Background()); err != nil {
		return fmt.Errorf("failed to start collaboration engine: %w", err)
	}
	deps.Engine = engine

	server := web.NewServer(cfg, deps)
	if err := server.Start(); err != nil {
		_ = engine.Stop(context.Background())
		return err
	}

	watcher, err := config.NewWatcher(cfgPath, func(next *config.Config) {
		level := logger.ParseLevel(next.LogLevel)
		logger.Global().SetLevel(level)
		logger.Info("Config reloaded, log level %s", level)
	})
	if err != nil {
		logger.Warn("Config hot reload disabled: %v", err)
	} else {
		defer watcher.Close()
	}

	if serveReady != nil {
		serveReady(server.Addr())
	}

	<-ctx.Done()
	logger.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()

	if stopErr := server.Stop(shutdownCtx); stopErr != nil {
		logger.Warn("%v", stopErr)
	}
	if stopErr := engine.Stop(shutdownCtx); stopErr != nil {
		logger.Warn("Failed to stop collaboration engine: %v", stopErr)
	}
	return nil
}
