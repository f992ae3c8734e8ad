package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/deepubuntu/cowcow/internal/auth"
	"github.com/deepubuntu/cowcow/internal/config"
	"github.com/deepubuntu/cowcow/internal/metrics"
)

const (
	serviceName    = "cowcow"
	serviceVersion = "1.0.0"
)

// errUsage marks command line mistakes; the message has already been printed.
var errUsage = errors.New("usage error")

type app struct {
	cfg        *config.Config
	configPath string
	paths      config.Paths
	logger     *slog.Logger
	registry   *prometheus.Registry
	metrics    *metrics.Metrics

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	global := flag.NewFlagSet(serviceName, flag.ContinueOnError)
	global.SetOutput(stderr)
	configPath := global.String("config", "", "Path to configuration file (default ~/.cowcow/config.yaml)")
	global.Usage = func() {
		usage(stderr)
		global.PrintDefaults()
	}
	if err := global.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	rest := global.Args()
	if len(rest) == 0 {
		usage(stderr)
		return 2
	}

	path := *configPath
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		path = p
	}

	cfg, err := config.Load(path)
	if err != nil {
		// A broken file can still be replaced with the defaults.
		if !isConfigReset(rest) {
			fmt.Fprintf(stderr, "Failed to load configuration: %v\n", err)
			return 1
		}
		cfg = config.Default()
	}

	logger, closeLog := initLogger(cfg.Logging, stdout, stderr)
	defer closeLog()

	paths, err := cfg.Paths()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	registry := prometheus.NewRegistry()
	a := &app{
		cfg:        cfg,
		configPath: path,
		paths:      paths,
		logger:     logger,
		registry:   registry,
		metrics:    metrics.NewMetrics(registry),
		stdin:      stdin,
		stdout:     stdout,
		stderr:     stderr,
	}

	logger.Debug("Configuration loaded",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", path),
		slog.String("data_dir", paths.DataDir),
		slog.String("endpoint", cfg.API.Endpoint))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = a.dispatch(ctx, rest[0], rest[1:])
	a.writeMetrics()
	return a.exitCode(err)
}

func isConfigReset(args []string) bool {
	return len(args) >= 2 && args[0] == "config" && args[1] == "reset"
}

func (a *app) exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, flag.ErrHelp):
		return 0
	case errors.Is(err, errUsage):
		return 2
	case errors.Is(err, auth.ErrNotAuthenticated):
		fmt.Fprintf(a.stderr, "Error: %v\nRun `cowcow auth login` to sign in.\n", err)
		return 1
	default:
		fmt.Fprintf(a.stderr, "Error: %v\n", err)
		return 1
	}
}

func (a *app) writeMetrics() {
	if a.cfg.Metrics.Textfile == "" {
		return
	}
	if err := metrics.WriteTextfile(a.cfg.Metrics.Textfile, a.registry); err != nil {
		a.logger.Warn("Failed to export metrics", slog.String("error", err.Error()))
	}
}

func usage(w io.Writer) {
	fmt.Fprintf(w, `Usage: cowcow [-config path] <command> [arguments]

Commands:
  record -lang <code> [-duration seconds] [-prompt text]
                        Record from the default microphone
  upload [-force]       Deliver pending recordings
  stats [-json]         Show ledger statistics
  doctor                Check the local setup and the collection service
  analyze <file.wav>    Measure the quality of an existing recording
  auth login|logout|status
  config show|set <key> <value>|reset|keys

`)
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig, stdout, stderr io.Writer) (*slog.Logger, func()) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	closeFn := func() {}
	var output io.Writer
	switch cfg.Output {
	case "stdout":
		output = stdout
	case "stderr", "":
		output = stderr
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(stderr, "Failed to open log file %s: %v, falling back to stderr\n", cfg.Output, err)
			output = stderr
		} else {
			output = file
			closeFn = func() { file.Close() }
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler), closeFn
}
