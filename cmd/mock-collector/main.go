package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/deepubuntu/cowcow/internal/metrics"
	"github.com/deepubuntu/cowcow/internal/server"
)

func main() {
	address := flag.String("address", "127.0.0.1", "Address to listen on")
	port := flag.Int("port", 8000, "Port to listen on")
	uploadDir := flag.String("upload-dir", "", "Directory for received recordings (empty discards them)")
	users := flag.String("users", "", "Comma-separated user:password pairs (empty accepts any login)")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(*logLevel)}))

	accounts, err := parseUsers(*users)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid -users: %v\n", err)
		os.Exit(2)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	appMetrics := metrics.NewMetrics(reg)

	srv := server.NewHTTPServer(server.Config{
		Address:   *address,
		Port:      *port,
		UploadDir: *uploadDir,
		Users:     accounts,
	}, logger, appMetrics, reg)

	if err := srv.Start(); err != nil {
		logger.Error("Failed to start collection server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Mock collector ready",
		slog.String("url", fmt.Sprintf("http://%s:%d", *address, *port)))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Received shutdown signal", slog.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping collection server", slog.String("error", err.Error()))
	}

	stats := srv.Stats()
	logger.Info("Final collector statistics",
		slog.Int("uploads", stats.Uploads),
		slog.Int("tokens_awarded", stats.TokensAwarded),
		slog.Float64("audio_seconds", stats.AudioSeconds))
}

func parseUsers(s string) (map[string]string, error) {
	accounts := make(map[string]string)
	if s == "" {
		return accounts, nil
	}
	for _, pair := range strings.Split(s, ",") {
		user, pass, ok := strings.Cut(pair, ":")
		if !ok || user == "" || pass == "" {
			return nil, fmt.Errorf("expected user:password, got %q", pair)
		}
		accounts[user] = pass
	}
	return accounts, nil
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
