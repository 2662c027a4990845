// Package main runs the posture detection client as a long-lived process:
// it connects to the detection endpoint, buffers flagged postures, plays
// audio cues and optionally exports events to NATS.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/posturestream/aggregator"
	"github.com/c360/posturestream/alert"
	"github.com/c360/posturestream/config"
	"github.com/c360/posturestream/errors"
	"github.com/c360/posturestream/eventsink"
	"github.com/c360/posturestream/history"
	"github.com/c360/posturestream/identity"
	"github.com/c360/posturestream/metric"
	"github.com/c360/posturestream/session"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "posturestream"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	cliCfg, err := parseFlags(args)
	if err != nil {
		return err
	}
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		return nil
	}

	cfg, err := loadConfig(cliCfg.ConfigPaths)
	if err != nil {
		return err
	}
	if cliCfg.LogLevel != "" {
		cfg.Log.Level = cliCfg.LogLevel
	}
	if cliCfg.LogFormat != "" {
		cfg.Log.Format = cliCfg.LogFormat
	}

	logger := setupLogger(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	slog.Info("Starting posturestream",
		"version", Version,
		"build_time", BuildTime,
		"config_paths", cliCfg.ConfigPaths,
		"endpoint", cfg.Session.Transport.URL,
		"protocol", cfg.Session.Command.Protocol)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return runService(ctx, cfg, cliCfg, logger)
}

// loadConfig loads defaults, the given layers and environment overrides.
func loadConfig(paths []string) (*config.Config, error) {
	loader := config.NewLoader()
	for _, p := range paths {
		loader.AddLayer(p)
	}
	loader.EnableValidation(true)
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// newIdentity prefers configured credentials and otherwise reads the
// environment on every connect, which picks up rotated tokens.
func newIdentity(cfg config.IdentityConfig) identity.Provider {
	id := identity.Identity{ClientID: cfg.ClientID, Token: cfg.Token}
	if id.Valid() {
		return identity.NewStatic(id)
	}
	return identity.NewEnv()
}

func runService(ctx context.Context, cfg *config.Config, cliCfg *CLIConfig, logger *slog.Logger) error {
	registry := metric.NewMetricsRegistry()
	provider := newIdentity(cfg.Identity)

	opts := []session.Option{
		session.WithLogger(logger),
		session.WithRegistry(registry),
		session.WithPlayer(alert.NewPlayer(cfg.Session.Alert.Player, logger)),
	}

	if cfg.History.Enabled {
		client, err := history.NewClient(cfg.History, provider, history.WithLogger(logger), history.WithRegistry(registry))
		if err != nil {
			return fmt.Errorf("create history client: %w", err)
		}
		opts = append(opts, session.WithHistory(client))
	}

	if cfg.EventSink.Enabled {
		conn, err := eventsink.Dial(cfg.EventSink, logger)
		if err != nil {
			return fmt.Errorf("connect event sink: %w", err)
		}
		defer func() {
			if err := conn.Drain(); err != nil {
				logger.Warn("Event sink drain failed", "error", err)
			}
		}()
		id, _ := provider.Identity()
		sink, err := eventsink.New(cfg.EventSink, conn,
			eventsink.WithLogger(logger),
			eventsink.WithClientID(id.ClientID))
		if err != nil {
			return fmt.Errorf("create event sink: %w", err)
		}
		opts = append(opts, session.WithSink(sink))
	}

	svc, err := session.New(cfg.Session, provider, opts...)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	if err := svc.Start(gctx); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer func() {
		if err := svc.Stop(cliCfg.ShutdownTimeout); err != nil {
			logger.Error("Session shutdown failed", "error", err)
		}
	}()

	if err := svc.Alerts().PreloadAll(gctx); err != nil {
		logger.Warn("Some audio cues could not be preloaded", "error", err)
	}

	svc.OnFlagged(func(p aggregator.FlaggedPosture) {
		logger.Debug("Posture flagged", "label", p.Label, "confidence", p.Confidence)
	})

	if cfg.Metrics.Enabled {
		server := metric.NewServer(cfg.Metrics.Addr, cfg.Metrics.Path, registry, svc)
		g.Go(func() error {
			return server.Start(gctx)
		})
	}

	g.Go(func() error {
		return connect(gctx, svc, cfg.Session.Transport.Reconnect.Enabled, cliCfg.StartDetection, logger)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Received shutdown signal")
		return nil
	})

	slog.Info("posturestream started", "state", svc.State().String())
	err = g.Wait()
	svc.Disconnect()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("posturestream shutdown complete")
	return nil
}

// connect opens the detection connection and optionally starts detection.
// A fatal error such as an expired token ends the process.
func connect(ctx context.Context, svc *session.Service, withRetry, start bool, logger *slog.Logger) error {
	connectFn := svc.Connect
	if withRetry {
		connectFn = svc.ConnectWithRetry
	}

	began := time.Now()
	if err := connectFn(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("connect: %w", err)
	}
	info := svc.Info()
	logger.Info("Connected to detection endpoint",
		"connection_id", info.ID,
		"elapsed", time.Since(began))

	if !start {
		return nil
	}
	if err := svc.StartDetection(ctx); err != nil {
		return fmt.Errorf("start detection: %w", err)
	}
	return nil
}
