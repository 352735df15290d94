package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"ibusd/internal/broker"
	"ibusd/internal/config"
	"ibusd/internal/health"
	"ibusd/internal/ipc"
	"ibusd/internal/logging"
	"ibusd/internal/metrics"
	"ibusd/internal/process"
	"ibusd/internal/registry"
	"ibusd/internal/store"
)

// daemon owns every long-lived piece of one ibusd run.
type daemon struct {
	cfg        *config.Config
	configPath string
	logger     *logging.Logger
	log        *slog.Logger
	runID      uuid.UUID

	metrics *metrics.Metrics
	store   *store.Store
	procs   *process.Manager
	server  *ipc.Server
	coord   *broker.Coordinator
	checker *health.Checker
	diag    *health.Server

	registry atomic.Pointer[registry.Registry]
}

func run(ctx context.Context, cfg *config.Config, configPath string, logger *logging.Logger) error {
	d := &daemon{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		log:        logger.Component("daemon"),
		runID:      uuid.New(),
		metrics:    metrics.New(),
	}
	return d.run(ctx)
}

func (d *daemon) run(ctx context.Context) error {
	crash := logging.NewCrashHandler("", d.runID.String(), d.logger.Component("crash"))

	if d.cfg.Store.Enabled {
		st, err := store.Open(d.cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()
		d.store = st
	}

	reg := d.loadRegistry("startup")

	d.procs = process.NewManager(d.logger.Component("process"), func(e process.Exit) {
		d.coord.ProcessExited(e)
	})

	server, err := ipc.NewServer(ipc.ServerConfig{
		Address: d.cfg.Bus.Address,
		Replace: d.cfg.Bus.Replace,
		Logger:  d.logger.Component("bus"),
	})
	if err != nil {
		return err
	}
	d.server = server
	defer d.server.Close()

	opts := broker.Options{
		Registry:       reg,
		Bus:            server,
		Launcher:       d.procs,
		Metrics:        d.metrics,
		Logger:         d.logger.Component("broker"),
		AttachRetries:  d.cfg.Process.AttachRetries,
		AttachInterval: d.cfg.AttachInterval(),
		CallTimeout:    d.cfg.CallTimeout(),
		Triggers:       d.cfg.Hotkey.Trigger,
		NextKeys:       d.cfg.Hotkey.NextEngine,
		PrevKeys:       d.cfg.Hotkey.PrevEngine,
		Introspection:  ipc.Introspect,
	}
	if d.store != nil {
		opts.History = d.store
		if err := d.store.BeginRun(d.runID, os.Getpid(), server.Address()); err != nil {
			d.log.Warn("record run start", "error", err)
		}
	}
	d.coord = broker.New(opts)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	coordErr := make(chan error, 1)
	serveErr := make(chan error, 1)
	go crash.Guard("coordinator", func() { coordErr <- d.coord.Run(runCtx) })
	go crash.Guard("bus", func() { serveErr <- server.Serve(runCtx, d.coord) })

	d.watchRegistry(runCtx, crash)
	loader := d.watchConfig(runCtx)
	if loader != nil {
		defer loader.Close()
	}
	if err := d.startDiagnostics(); err != nil {
		d.log.Warn("diagnostics server disabled", "error", err)
	}

	d.log.Info("ibusd started",
		"version", Version,
		"run", d.runID.String(),
		"address", server.Address(),
		"pid", os.Getpid())

	reason := "signal"
	var runErr error
	select {
	case <-ctx.Done():
	case <-d.coord.Killed():
		reason = "kill"
	case err := <-serveErr:
		reason = "bus"
		runErr = err
	case err := <-coordErr:
		reason = "coordinator"
		if err != nil && !errors.Is(err, context.Canceled) {
			runErr = err
		}
	}

	d.shutdown(cancel, reason)
	return runErr
}

func (d *daemon) shutdown(cancel context.CancelFunc, reason string) {
	d.log.Info("shutting down", "reason", reason)
	if d.checker != nil {
		d.checker.SetReady(false)
	}
	cancel()

	select {
	case <-d.coord.Done():
	case <-time.After(d.cfg.StopTimeout()):
		d.log.Warn("coordinator did not stop in time")
	}

	stopCtx, stop := context.WithTimeout(context.Background(), d.cfg.StopTimeout())
	defer stop()
	d.procs.StopAll(stopCtx)

	if d.diag != nil {
		if err := d.diag.Shutdown(stopCtx); err != nil {
			d.log.Warn("diagnostics shutdown", "error", err)
		}
	}
	if d.store != nil {
		if err := d.store.EndRun(reason); err != nil {
			d.log.Warn("record run end", "error", err)
		}
	}
}

// loadRegistry builds a registry from the configured directories. The
// cache is used when it is still fresh.
func (d *daemon) loadRegistry(source string) *registry.Registry {
	reg := registry.New(registry.Options{
		SystemDir: d.cfg.Registry.SystemDir,
		UserDir:   d.cfg.Registry.UserDir,
		CachePath: d.cfg.Registry.CachePath,
		Pattern:   d.cfg.Registry.ManifestPattern,
		Logger:    d.logger.Component("registry"),
	})
	reg.Load()
	if reg.LoadedFromCache() {
		source += "/cache"
	}
	d.metrics.RegistryLoaded(source, len(reg.Components()), len(reg.Engines()), nil)
	d.registry.Store(reg)
	return reg
}

func (d *daemon) watchRegistry(ctx context.Context, crash *logging.CrashHandler) {
	if !d.cfg.Registry.Watch {
		return
	}
	dirs := []string{d.cfg.Registry.SystemDir, d.cfg.Registry.UserDir}
	w, err := registry.NewWatcher(dirs, d.cfg.Debounce(), d.logger.Component("registry"))
	if err != nil {
		d.log.Warn("registry watch disabled", "error", err)
		return
	}
	if err := w.Start(); err != nil {
		d.log.Warn("registry watch disabled", "error", err)
		return
	}

	go crash.Guard("registry-watch", func() {
		defer w.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.Changes():
				reg := d.loadRegistry("watch")
				if err := d.coord.ReplaceRegistry(ctx, reg); err != nil {
					d.log.Warn("replace registry", "error", err)
					continue
				}
				d.log.Info("registry reloaded",
					"components", len(reg.Components()),
					"engines", len(reg.Engines()))
			case err := <-w.Errors():
				d.log.Warn("registry watch", "error", err)
			}
		}
	})
}

// watchConfig reloads hotkeys when the configuration file changes. Other
// settings take effect on restart.
func (d *daemon) watchConfig(ctx context.Context) *config.Loader {
	path := d.configPath
	if path == "" {
		path = config.ConfigPath()
	}
	if _, err := os.Stat(path); err != nil {
		d.log.Debug("config file not present, not watching", "path", path)
		return nil
	}

	loader := config.NewLoader(path)
	if _, err := loader.Load(); err != nil {
		d.log.Warn("config watch disabled", "path", path, "error", err)
		return nil
	}
	loader.OnChange(func(c *config.Config) {
		err := d.coord.SetHotkeys(ctx, c.Hotkey.Trigger, c.Hotkey.NextEngine, c.Hotkey.PrevEngine)
		if err != nil {
			d.log.Warn("apply hotkeys", "error", err)
			return
		}
		d.log.Info("hotkeys reloaded", "path", path)
	})
	if err := loader.Watch(); err != nil {
		d.log.Warn("config watch disabled", "path", path, "error", err)
		loader.Close()
		return nil
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-loader.Errors():
				if !ok {
					return
				}
				d.log.Warn("config reload", "path", path, "error", err)
			}
		}
	}()
	return loader
}

func (d *daemon) startDiagnostics() error {
	d.checker = health.NewChecker()
	d.checker.RegisterFunc("bus", true, health.PingProbe("bus", d.server.Ping))
	d.checker.RegisterFunc("registry", false, health.RegistryProbe(func() (int, int) {
		reg := d.registry.Load()
		return len(reg.Components()), len(reg.Engines())
	}))
	d.checker.SetReady(true)

	if !d.cfg.Metrics.Enabled {
		return nil
	}
	d.diag = health.NewServer(d.cfg.Metrics.Addr, d.checker, d.metrics.Handler(), d.logger.Component("diagnostics"))
	if err := d.diag.Start(); err != nil {
		d.diag = nil
		return err
	}
	return nil
}
