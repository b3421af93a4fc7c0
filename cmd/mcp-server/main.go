// Command mcp-server serves MCP over stdio or HTTP. It is configured from
// the environment; see pkg/config for the variables.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/mcp-transport-go/pkg/auth"
	"github.com/ajitpratap0/mcp-transport-go/pkg/config"
	"github.com/ajitpratap0/mcp-transport-go/pkg/logging"
	"github.com/ajitpratap0/mcp-transport-go/pkg/observability"
	"github.com/ajitpratap0/mcp-transport-go/pkg/server"
	"github.com/ajitpratap0/mcp-transport-go/pkg/session"
	"github.com/ajitpratap0/mcp-transport-go/pkg/session/redisstore"
	"github.com/ajitpratap0/mcp-transport-go/pkg/transport"
)

const (
	serviceName    = "mcp-server"
	serviceVersion = "0.1.0"

	// shutdownGrace bounds how long we wait for the serve loop after
	// closing the transport. A stdio read on os.Stdin cannot be interrupted.
	shutdownGrace = 5 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(2)
	}
	logger := cfg.Logger().WithFields(logging.String("service", serviceName))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", logging.ErrorField(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger logging.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	metrics, err := observability.NewMetrics(observability.MetricsConfig{
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
		Addr:           cfg.MetricsAddr,
	})
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	tracing, err := newTracing(ctx, cfg)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	if tracing != nil {
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			if err := tracing.Shutdown(flushCtx); err != nil {
				logger.Warn("tracing shutdown failed", logging.ErrorField(err))
			}
		}()
	}

	sessions, err := newSessionManager(ctx, cfg, metrics, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := sessions.Shutdown(); err != nil {
			logger.Warn("session store close failed", logging.ErrorField(err))
		}
	}()

	authenticator, err := auth.NewFromConfig(ctx, cfg.Auth())
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	policy, err := server.ParseDuplicatePolicy(cfg.DuplicatePolicy)
	if err != nil {
		return err
	}
	registry := server.NewRegistry(server.WithDuplicatePolicy(policy))
	if err := registerCapabilities(registry, sessions); err != nil {
		return fmt.Errorf("register capabilities: %w", err)
	}

	dispatcher := server.NewDispatcher(registry.Snapshot(),
		server.WithObserver(observability.NewDispatchObserver(metrics, tracing)),
		server.WithDispatchLogger(logger.WithFields(logging.String("component", "dispatcher"))),
		server.WithServerInfo(serviceName, serviceVersion),
		server.WithHandlerTimeout(cfg.RequestTimeout),
		server.WithRequireAuth(authenticator != nil && cfg.Kind() == transport.KindHTTP),
	)

	t, err := transport.NewTransport(descriptor(cfg, sessions, authenticator, metrics, logger))
	if err != nil {
		return fmt.Errorf("transport: %w", err)
	}

	srv := server.NewServer(dispatcher,
		server.WithMaxConcurrency(cfg.MaxConcurrency),
		server.WithLogger(logger),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return metrics.Start(gctx) })
	// The stdio session lives as long as the process and never expires.
	if cfg.SessionIdleTimeout > 0 && cfg.Kind() == transport.KindHTTP {
		g.Go(func() error { return sessions.Run(gctx, cfg.SessionSweepInterval) })
	}

	served := make(chan error, 1)
	go func() { served <- srv.Serve(gctx, t) }()

	var serveErr error
	finished := false
	select {
	case serveErr = <-served:
		finished = true
		logger.Info("transport finished")
	case <-gctx.Done():
		logger.Info("shutting down")
	}

	cancel()
	if err := t.Close(); err != nil {
		logger.Warn("transport close failed", logging.ErrorField(err))
	}
	if !finished {
		select {
		case serveErr = <-served:
		case <-time.After(shutdownGrace):
			logger.Warn("serve loop did not stop in time")
		}
	}

	if err := g.Wait(); err != nil && serveErr == nil {
		serveErr = err
	}
	return serveErr
}

func newTracing(ctx context.Context, cfg *config.Config) (*observability.TracingProvider, error) {
	exporter := observability.ExporterType(cfg.TracingExporter)
	if exporter == "" || exporter == observability.ExporterTypeNone {
		return nil, nil
	}
	return observability.NewTracingProvider(ctx, observability.TracingConfig{
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
		ExporterType:   exporter,
		Endpoint:       cfg.TracingEndpoint,
		Insecure:       cfg.TracingInsecure,
		SampleRate:     cfg.TracingSampleRate,
		NeverSample:    []string{"ping"},
	})
}

func newSessionManager(ctx context.Context, cfg *config.Config, metrics *observability.Metrics, logger logging.Logger) (*session.Manager, error) {
	idle := cfg.SessionIdleTimeout
	if cfg.Kind() == transport.KindStdio {
		idle = 0
	}
	onCreate, onClose := observability.SessionHooks(metrics)
	opts := []session.Option{
		session.WithIdleTimeout(idle),
		session.WithLogger(logger.WithFields(logging.String("component", "sessions"))),
		session.WithHooks(onCreate, onClose),
	}

	if cfg.SessionStore == config.StoreRedis {
		store, err := redisstore.New(ctx, cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("session store: %w", err)
		}
		opts = append(opts, session.WithStore(store))
	}
	return session.NewManager(opts...), nil
}

func descriptor(cfg *config.Config, sessions *session.Manager, authenticator auth.Authenticator, metrics *observability.Metrics, logger logging.Logger) transport.Descriptor {
	middleware := []transport.Middleware{transport.NewObservabilityMiddleware(metrics, logger)}

	if cfg.Kind() == transport.KindStdio {
		return transport.Descriptor{
			Kind: transport.KindStdio,
			Config: transport.StdioConfig{
				Reader:         os.Stdin,
				Writer:         os.Stdout,
				MaxMessageSize: int(cfg.MaxMessageSize),
				Sessions:       sessions,
				Logger:         logger,
			},
			Middleware: middleware,
		}
	}

	return transport.Descriptor{
		Kind: transport.KindHTTP,
		Config: transport.HTTPConfig{
			Addr:            cfg.HTTPAddr,
			BasePath:        cfg.HTTPBasePath,
			Timeout:         cfg.RequestTimeout,
			MaxMessageSize:  cfg.MaxMessageSize,
			Sessions:        sessions,
			Authenticator:   authenticator,
			OnAuthenticated: observability.AuditHook(logger),
			OnRejected:      observability.RejectionHook(metrics, logger),
			Logger:          logger,
		},
		Middleware: middleware,
	}
}
