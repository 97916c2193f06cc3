package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"windowd/internal/clipboard"
	"windowd/internal/config"
	"windowd/internal/eventloop"
	"windowd/internal/health"
	"windowd/internal/logging"
	"windowd/internal/metrics"
	"windowd/internal/server"
	"windowd/internal/store"
)

const (
	crashRetention = 30 * 24 * time.Hour
	minJournalFree = 64 << 20
)

// cmdServe runs the daemon until SIGINT/SIGTERM and returns the exit code.
func cmdServe() int {
	loader := config.NewLoader(resolvedConfigPath())
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return 1
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
			return 1
		}
	}
	if err := cfg.EnsureDirectories(); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating directories: %v\n", err)
		return 1
	}

	logCfg, err := logging.FromSettings(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error configuring logging: %v\n", err)
		return 1
	}
	logger, err := logging.New(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening log: %v\n", err)
		return 1
	}
	defer logger.Close()

	crash, err := logging.NewCrashHandler(&logging.CrashHandlerConfig{
		CrashDir:  cfg.Logging.CrashDir,
		Version:   Version,
		Component: "windowd",
		Logger:    logger.Logger,
	})
	if err != nil {
		logger.Error("crash handler unavailable", "error", err)
		return 1
	}
	if err := crash.CleanupOld(crashRetention); err != nil {
		logger.Warn("crash report cleanup failed", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d := &daemon{cfg: cfg, loader: loader, logger: logger}
	var runErr error
	if crash.Recover(func() { runErr = d.run(ctx) }) {
		return 2
	}
	if runErr != nil {
		if path, err := crash.ReportFatal(runErr, map[string]any{"config": loader.Path()}); err == nil {
			logger.Error("daemon stopped on error", "error", runErr, "report", path)
		} else {
			logger.Error("daemon stopped on error", "error", runErr)
		}
		return 1
	}
	logger.Info("daemon stopped")
	return 0
}

// daemon wires the event loop to its optional collaborators.
type daemon struct {
	cfg    *config.Config
	loader *config.Loader
	logger *logging.Logger

	journal *store.Store
	metrics *metrics.Metrics
}

func (d *daemon) run(ctx context.Context) error {
	d.metrics = metrics.New(nil)

	var journal server.Journal
	if path := d.cfg.Storage.JournalPath; path != "" {
		st, err := store.Open(path)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		if _, err := st.BeginRun(os.Getpid(), Version, time.Now()); err != nil {
			st.Close()
			return fmt.Errorf("begin run: %w", err)
		}
		d.journal = st
		journal = st
		defer d.closeJournal()
	}

	cb := clipboard.New(d.logger.WithComponent("clipboard").Logger)
	if d.cfg.Clipboard.DBus {
		svc := clipboard.NewDBusService(cb, nil, d.logger.WithComponent("dbus").Logger)
		if err := svc.Start(d.cfg.Clipboard.BusName); err != nil {
			d.logger.Warn("clipboard d-bus service disabled", "error", err)
		} else {
			defer svc.Stop()
		}
	}

	el, err := server.Open(d.cfg, server.Options{
		Version:   Version,
		Clipboard: cb,
		Journal:   journal,
		Metrics:   d.metrics,
		Logger:    d.logger.Logger,
	})
	if err != nil {
		return err
	}
	defer el.Close()

	checker := d.healthChecks(el)
	if srv := d.startHTTP(checker); srv != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}
	d.watchConfig(ctx)

	d.logger.Info("windowd started",
		"version", Version,
		"socket", d.cfg.IPC.SocketPath,
		"take_over", d.cfg.IPC.TakeOver,
		"pid", os.Getpid())

	checker.SetReady(true)
	defer checker.SetReady(false)
	return el.Run(ctx)
}

func (d *daemon) closeJournal() {
	if err := d.journal.EndRun(time.Now()); err != nil {
		d.logger.Warn("journal end run", "error", err)
	}
	d.journal.Close()
}

func (d *daemon) healthChecks(el *server.EventLoop) *health.Checker {
	checker := health.NewChecker()
	checker.Register("event_loop", true, health.FuncCheck(func() error {
		if el.State() == eventloop.StateStopped {
			return errors.New("event loop stopped")
		}
		return nil
	}))
	checker.Register("sessions", false, health.CapacityCheck(el.Registry().Len, d.cfg.IPC.MaxSessions))
	if d.journal != nil {
		checker.Register("journal", true, health.PingCheck(d.journal.DB().PingContext))
		checker.Register("journal_disk", false,
			health.DiskSpaceCheck(filepath.Dir(d.cfg.Storage.JournalPath), minJournalFree))
	}
	return checker
}

// startHTTP serves metrics and health endpoints when metrics.listen_addr is set.
func (d *daemon) startHTTP(checker *health.Checker) *http.Server {
	addr := d.cfg.Metrics.ListenAddr
	if addr == "" {
		return nil
	}
	handler := d.metrics.Registry().HTTPHandler()
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		d.metrics.UpdateUptime()
		handler.ServeHTTP(w, r)
	})
	checker.Mount(mux)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Error("metrics endpoint failed", "addr", addr, "error", err)
		}
	}()
	d.logger.Info("metrics and health endpoints listening", "addr", addr)
	return srv
}

// watchConfig applies log level changes from the config file while running.
// Other settings take effect on restart.
func (d *daemon) watchConfig(ctx context.Context) {
	if _, err := os.Stat(d.loader.Path()); err != nil {
		d.logger.Debug("config file absent, reload disabled", "path", d.loader.Path())
		return
	}
	d.loader.OnChange(func(old, updated *config.Config) {
		level, err := logging.ParseLevel(updated.Logging.Level)
		if err != nil {
			return
		}
		if old.Logging.Level != updated.Logging.Level {
			d.logger.SetLevel(level)
			d.logger.Info("log level changed", "level", updated.Logging.Level)
		}
	})
	if err := d.loader.Watch(); err != nil {
		d.logger.Warn("config reload disabled", "error", err)
		return
	}
	go func() {
		defer d.loader.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-d.loader.Errors():
				d.logger.Warn("config reload rejected", "error", err)
			}
		}
	}()
}
