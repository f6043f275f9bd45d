package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pseudocoder/filesync/internal/config"
	"github.com/pseudocoder/filesync/internal/editor"
	"github.com/pseudocoder/filesync/internal/fileservice"
	"github.com/pseudocoder/filesync/internal/logging"
	"github.com/pseudocoder/filesync/internal/savequeue"
	"github.com/pseudocoder/filesync/internal/server"
	"github.com/pseudocoder/filesync/internal/storage"
	"github.com/pseudocoder/filesync/internal/tabs"
	"github.com/pseudocoder/filesync/internal/watch"
)

// shutdownTimeout bounds how long pending saves may take to flush on exit.
const shutdownTimeout = 10 * time.Second

type serveFlags struct {
	configPath string
	root       string
	addr       string
	database   string
	logLevel   string
	logFormat  string
	quietMs    int
	noWatch    bool
	initConfig bool
}

func newServeCmd() *cobra.Command {
	var f serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a directory to editor clients",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadServeConfig(cmd, &f)
			if err != nil {
				return err
			}
			return serve(cmd, cfg)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.configPath, "config", "", "config file (default ~/.filesync/config.toml)")
	fl.StringVar(&f.root, "root", "", "directory to serve")
	fl.StringVar(&f.addr, "addr", "", "listen address")
	fl.StringVar(&f.database, "db", "", "session database path")
	fl.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error")
	fl.StringVar(&f.logFormat, "log-format", "", "console or json")
	fl.IntVar(&f.quietMs, "quiet-ms", 0, "save debounce window in milliseconds")
	fl.BoolVar(&f.noWatch, "no-watch", false, "do not watch the root for external changes")
	fl.BoolVar(&f.initConfig, "init", false, "write a default config file if none exists")
	return cmd
}

// loadServeConfig reads the config file and lets explicitly set flags win.
func loadServeConfig(cmd *cobra.Command, f *serveFlags) (*config.Config, error) {
	if f.initConfig {
		path := f.configPath
		if path == "" {
			var err error
			if path, err = config.DefaultConfigPath(); err != nil {
				return nil, err
			}
		}
		root := f.root
		if root == "" {
			root = config.DefaultRoot
		}
		if abs, err := filepath.Abs(root); err == nil {
			root = abs
		}
		if err := config.WriteDefault(path, root); err != nil {
			return nil, err
		}
		f.configPath = path
	}

	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}

	changed := cmd.Flags().Changed
	if changed("root") {
		cfg.Root = f.root
	}
	if changed("addr") {
		cfg.Addr = f.addr
	}
	if changed("db") {
		cfg.Database = f.database
	}
	if changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if changed("log-format") {
		cfg.LogFormat = f.logFormat
	}
	if changed("quiet-ms") {
		cfg.QuietPeriodMs = f.quietMs
	}
	if changed("no-watch") {
		watchOn := !f.noWatch
		cfg.Watch = &watchOn
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func serve(cmd *cobra.Command, cfg *config.Config) error {
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return err
	}
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return fmt.Errorf("root %s is not a directory", root)
	}

	db, session, err := openSession(cfg, root, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	files := fileservice.NewLocal(root, cfg.MaxFileBytes, logger)
	sched := savequeue.New(files, savequeue.Config{
		QuietPeriod: cfg.QuietPeriod(),
		Logger:      logger,
		Metrics:     savequeue.NewMetrics(reg),
	})
	store := tabs.NewStore()
	ed := editor.New(store, sched, files, editor.Options{
		SavedDisplay: cfg.SavedDisplay(),
		Logger:       logger,
		Sessions:     db,
		SessionID:    session.ID,
	})

	// The scheduler outlives the signal context so shutdown can still flush.
	sched.Start(context.Background())
	defer sched.Stop()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	restored, err := ed.RestoreSession(ctx)
	if err != nil {
		logger.Warn("restore session", zap.Error(err))
	}

	var watcher *watch.Watcher
	if cfg.WatchEnabled() {
		watcher = watch.New(root, ed, watch.Options{
			Logger: logger,
			IsOpen: func(path string) bool {
				_, ok := store.Get(path)
				return ok
			},
		})
		if err := watcher.Start(context.Background()); err != nil {
			logger.Warn("filesystem watcher disabled", zap.Error(err))
			watcher = nil
		}
	}

	srv := server.NewServer(cfg.Addr, ed, server.Options{
		Logger:      logger,
		Files:       fileservice.NewHandler(files, logger),
		Preferences: db,
		Gatherer:    reg,
		FocusRate:   cfg.FocusRatePerSec,
	})
	if err := <-srv.StartAsync(); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "filesync %s serving %s on http://%s (session %s, %d tabs restored)\n",
		Version, root, cfg.Addr, session.ID, restored)

	<-ctx.Done()
	fmt.Fprintln(cmd.OutOrStdout(), "stopping, flushing pending saves...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if watcher != nil {
		watcher.Stop()
	}
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Warn("server shutdown", zap.Error(err))
	}
	if err := ed.Shutdown(shutdownCtx); err != nil {
		logger.Error("pending saves lost", zap.Int("queued", sched.Len()), zap.Error(err))
		return err
	}
	return nil
}

// openSession opens the database and resumes the latest session for root,
// or starts a new one.
func openSession(cfg *config.Config, root string, logger *zap.Logger) (*storage.SQLiteStore, *storage.Session, error) {
	dbPath, err := cfg.DatabasePath()
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := storage.NewSQLiteStore(dbPath, logger)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	session, err := db.LatestSession(root)
	switch {
	case errors.Is(err, storage.ErrSessionNotFound):
		session = &storage.Session{ID: uuid.NewString(), Root: root, StartedAt: now}
	case err != nil:
		db.Close()
		return nil, nil, err
	}
	session.LastSeen = now

	if err := db.SaveSession(session); err != nil {
		db.Close()
		return nil, nil, err
	}
	return db, session, nil
}
