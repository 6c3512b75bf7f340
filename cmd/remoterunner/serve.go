package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jxucoder/remoterunner/internal/config"
	"github.com/jxucoder/remoterunner/internal/eventbus"
	"github.com/jxucoder/remoterunner/internal/materialize"
	"github.com/jxucoder/remoterunner/internal/sandbox"
	"github.com/jxucoder/remoterunner/internal/sandbox/docker"
	"github.com/jxucoder/remoterunner/internal/sandbox/kube"
	"github.com/jxucoder/remoterunner/internal/sandbox/local"
	"github.com/jxucoder/remoterunner/internal/sandbox/memory"
	"github.com/jxucoder/remoterunner/internal/server"
	"github.com/jxucoder/remoterunner/internal/session"
	"github.com/jxucoder/remoterunner/internal/store"
	"github.com/jxucoder/remoterunner/internal/telemetry"
	"github.com/jxucoder/remoterunner/internal/tree"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the remote runner server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger, err := newLogger(os.Stderr, cfg)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, shutdownTracing, err := telemetry.NewProvider(ctx, "remoterunner", version, telemetry.Config{
		Endpoint: cfg.Telemetry.OTLPEndpoint,
		File:     cfg.Telemetry.TraceFile,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown", "error", err)
		}
	}()

	rt, err := selectRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	if n, ok := rt.(interface {
		EnsureNetwork(context.Context, string) error
	}); ok && cfg.Sandbox.Network != "" {
		if err := n.EnsureNetwork(ctx, cfg.Sandbox.Network); err != nil {
			logger.Warn("could not create docker network", "network", cfg.Sandbox.Network, "error", err)
		}
	}

	parse := parseOptions(cfg)
	bus := eventbus.NewInMemoryBus()
	opts := []session.Option{
		session.WithBus(bus),
		session.WithLogger(logger),
		session.WithTracerProvider(tp),
	}
	srvOpts := server.Options{Addr: cfg.Addr, Parse: parse, Bus: bus, Logger: logger}

	if cfg.SnapshotsEnabled() {
		st, err := store.New(cfg.DatabasePath, parse)
		if err != nil {
			return fmt.Errorf("initializing store: %w", err)
		}
		defer st.Close()
		opts = append(opts, session.WithSnapshotSink(st))
		srvOpts.Snapshots = st
	}

	mat := materialize.New(rt, materialize.ForRuntime(rt, cfg.Sandbox.StripFlags), 0)
	mgr := session.New(rt, mat, sessionConfig(cfg), opts...)

	return server.New(mgr, srvOpts).Start(ctx)
}

// newLogger builds the process logger from the log section.
func newLogger(w io.Writer, cfg *config.Config) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	hopts := &slog.HandlerOptions{Level: level}
	if cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, hopts)), nil
	}
	return slog.New(slog.NewTextHandler(w, hopts)), nil
}

// selectRuntime builds the configured backend and probes it. The kubernetes
// client is only created when that backend is selected.
func selectRuntime(ctx context.Context, cfg *config.Config) (sandbox.Runtime, error) {
	sb := cfg.Sandbox
	cpus := cpuHint(sb.CPUs)

	mcfg := memory.DefaultConfig()
	mcfg.ExposeTimeout = sb.ExposeTimeout

	candidates := []sandbox.Runtime{
		memory.New(mcfg),
		local.New(local.Config{Root: sb.LocalRoot, ExposeTimeout: sb.ExposeTimeout}),
		docker.New(docker.Config{
			Image:         sb.Image,
			Network:       sb.Network,
			Workdir:       sb.Workdir,
			MemoryMB:      sb.MemoryMB,
			CPUs:          cpus,
			ExposeTimeout: sb.ExposeTimeout,
		}),
	}
	if sb.Backend == config.BackendKubernetes {
		client, err := kube.NewClient(cfg.Kubernetes.Kubeconfig)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, kube.New(client, kube.Config{
			Namespace:     cfg.Kubernetes.Namespace,
			Image:         sb.Image,
			DaemonPort:    cfg.Kubernetes.DaemonPort,
			MemoryMB:      sb.MemoryMB,
			CPUs:          cpus,
			ExposeTimeout: sb.ExposeTimeout,
		}))
	}

	sel, err := sandbox.Select(ctx, sb.Backend, candidates...)
	if err != nil {
		return nil, err
	}
	slog.Info("sandbox backend selected", "backend", sel.Runtime.Name())
	return sel.Runtime, nil
}

// cpuHint rounds a fractional CPU setting up to whole CPUs.
func cpuHint(cpus float64) int {
	return int(math.Ceil(cpus))
}

func sessionConfig(cfg *config.Config) session.Config {
	return session.Config{
		Command:          cfg.Sandbox.StartCommand,
		Port:             cfg.Sandbox.Port,
		Image:            cfg.Sandbox.Image,
		MemoryMB:         cfg.Sandbox.MemoryMB,
		CPUs:             cpuHint(cfg.Sandbox.CPUs),
		Env:              cfg.SandboxEnv(),
		PublicURL:        cfg.PublicURL,
		ProvisionTimeout: cfg.Sandbox.ProvisionTimeout,
		HealthTimeout:    cfg.Session.HealthTimeout,
		IdleTimeout:      cfg.Session.IdleTimeout,
		DegradedTimeout:  cfg.Session.DegradedTimeout,
		Retention:        cfg.Session.Retention,
		ReapInterval:     cfg.Session.ReapInterval,
		FailedProbes:     cfg.Session.FailedProbes,
	}
}

func parseOptions(cfg *config.Config) tree.ParseOptions {
	return tree.ParseOptions{
		MaxDepth:    cfg.Limits.MaxTreeDepth,
		MaxNodes:    cfg.Limits.MaxTreeNodes,
		MaxFileSize: cfg.Limits.MaxFileSize,
		Ignore:      &tree.DefaultIgnore,
	}
}
