// Command keel boots the kernel boundary daemon: capability-gated syscall
// dispatch, multilevel scheduling, bounded message passing, and the
// tamper-evident audit log.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Mindburn-Labs/keel/pkg/config"
	"github.com/Mindburn-Labs/keel/pkg/kernel"
	"github.com/Mindburn-Labs/keel/pkg/observability"
)

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	cfg := config.Load()
	if cfg.ProfilePath != "" {
		profile, err := config.LoadProfileFile(cfg.ProfilePath)
		if err != nil {
			fmt.Fprintf(stderr, "profile: %v\n", err)
			return 1
		}
		profile.Apply(cfg)
	}
	setupLogging(cfg.LogLevel, stderr)

	if len(args) > 1 && args[1] == "version" {
		fmt.Fprintln(stdout, "keel 1.0.0")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	k, err := kernel.Boot(ctx, cfg)
	if err != nil {
		slog.Error("boot failed", "error", err)
		return 1
	}

	if cfg.OTLPEndpoint != "" {
		provider, err := observability.New(ctx, &observability.Config{
			ServiceName:    "keel",
			ServiceVersion: "1.0.0",
			Environment:    "production",
			OTLPEndpoint:   cfg.OTLPEndpoint,
			SampleRate:     1.0,
			Enabled:        true,
		})
		if err != nil {
			slog.Error("observability init failed", "error", err)
			return 1
		}
		defer func() {
			_ = provider.Shutdown(context.Background())
		}()
		k.Dispatcher().WithObserver(provider)
		if err := provider.RegisterFairnessGauge(k.State().Sched.Fairness); err != nil {
			slog.Warn("fairness gauge registration failed", "error", err)
		}
	}

	if len(args) > 1 && args[1] == "status" {
		data, _ := json.MarshalIndent(k.Status(), "", "  ")
		fmt.Fprintln(stdout, string(data))
		return 0
	}

	slog.Info("keel running", "cores", cfg.Cores, "modules", cfg.ModuleRoot)
	if err := k.Run(ctx); err != nil {
		slog.Error("kernel stopped with error", "error", err)
		return 1
	}
	slog.Info("keel stopped")
	return 0
}

func setupLogging(level string, w io.Writer) {
	var lvl slog.Level
	switch level {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})))
}
