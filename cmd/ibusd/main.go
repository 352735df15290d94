// ibusd is the input method session broker.
//
// It claims org.freedesktop.IBus on the session bus, hands out input
// contexts to applications and routes their key events to engines
// provided by the components found in the component directories.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"ibusd/internal/config"
	"ibusd/internal/logging"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

type options struct {
	configPath     string
	address        string
	replace        bool
	logLevel       string
	metricsAddr    string
	attachRetries  int
	attachInterval time.Duration
	version        bool
}

func main() {
	var opts options
	fs := pflag.NewFlagSet("ibusd", pflag.ExitOnError)
	fs.StringVarP(&opts.configPath, "config", "c", "", "configuration file (default: "+config.ConfigPath()+")")
	fs.StringVarP(&opts.address, "address", "a", "", "bus address to join instead of the session bus")
	fs.BoolVarP(&opts.replace, "replace", "r", false, "replace a running daemon")
	fs.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	fs.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve metrics and health on this address")
	fs.IntVar(&opts.attachRetries, "attach-retries", -1, "polls for a factory after starting a component")
	fs.DurationVar(&opts.attachInterval, "attach-interval", -1, "sleep between factory polls")
	fs.BoolVarP(&opts.version, "version", "V", false, "print version and exit")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: ibusd [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}
	_ = fs.Parse(os.Args[1:])

	if opts.version {
		fmt.Printf("ibusd %s (built %s)\n", Version, BuildTime)
		return
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ibusd: %v\n", err)
		os.Exit(1)
	}

	settings, err := logging.FromSettings(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ibusd: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(settings)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ibusd: %v\n", err)
		os.Exit(1)
	}
	logging.SetDefault(logger)
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, opts.configPath, logger); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		logger.Error("daemon failed", "error", err)
		logger.Close()
		os.Exit(1)
	}
}

// loadConfig reads the file with its environment overrides, then applies
// command-line flags on top.
func loadConfig(opts options) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	applyFlags(cfg, opts)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("create directories: %w", err)
	}
	return cfg, nil
}

func applyFlags(cfg *config.Config, opts options) {
	if opts.address != "" {
		cfg.Bus.Address = opts.address
	}
	if opts.replace {
		cfg.Bus.Replace = true
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if opts.metricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Addr = opts.metricsAddr
	}
	if opts.attachRetries >= 0 {
		cfg.Process.AttachRetries = opts.attachRetries
	}
	if opts.attachInterval >= 0 {
		cfg.Process.AttachIntervalUs = int(opts.attachInterval / time.Microsecond)
	}
}
