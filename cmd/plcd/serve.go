package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/RegistryAccord/registryaccord-plc-go/internal/config"
	"github.com/RegistryAccord/registryaccord-plc-go/internal/directory"
	"github.com/RegistryAccord/registryaccord-plc-go/internal/ledger"
	"github.com/RegistryAccord/registryaccord-plc-go/internal/plc"
	"github.com/RegistryAccord/registryaccord-plc-go/internal/server"
	"github.com/RegistryAccord/registryaccord-plc-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-plc-go/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the directory HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg, cmd.OutOrStdout())
			slog.SetDefault(logger)
			logger.Info("configuration loaded", "config", cfg.String())

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger, cmd.ErrOrStderr())
		},
	}
}

// newLogger returns a text logger in dev and a JSON logger elsewhere.
func newLogger(cfg config.Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.Env == "dev" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// backend is an opened operation log and how to release it.
type backend struct {
	log    storage.OperationLog
	pinger storage.Pinger
	close  func() error
}

func openBackend(ctx context.Context, cfg config.Config, logger *slog.Logger) (backend, error) {
	switch cfg.LogBackend {
	case config.BackendMemory:
		return backend{log: storage.NewMemory(), close: func() error { return nil }}, nil
	case config.BackendPostgres:
		s, err := storage.NewPostgres(ctx, cfg.DatabaseDSN)
		if err != nil {
			return backend{}, err
		}
		return backend{log: s, pinger: s, close: s.Close}, nil
	case config.BackendSQLite:
		s, err := storage.NewSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return backend{}, err
		}
		return backend{log: s, pinger: s, close: s.Close}, nil
	case config.BackendBolt:
		s, err := storage.NewBolt(cfg.BoltPath)
		if err != nil {
			return backend{}, err
		}
		return backend{log: s, pinger: s, close: s.Close}, nil
	case config.BackendLedger:
		r, err := ledger.Dial(ctx, ledger.Config{
			RPCURL:          cfg.RPCURL,
			ContractAddress: cfg.ContractAddress,
			PrivateKey:      cfg.PrivateKey,
			ChainID:         cfg.ChainID,
			GasLimit:        cfg.GasLimit,
			MineTimeout:     cfg.MineTimeout,
		}, logger)
		if err != nil {
			return backend{}, err
		}
		return backend{log: r, pinger: r, close: func() error { r.Close(); return nil }}, nil
	}
	return backend{}, fmt.Errorf("unknown log backend %q", cfg.LogBackend)
}

// serve runs the directory until ctx ends. Spans from the stdout trace
// exporter go to traceOut.
func serve(ctx context.Context, cfg config.Config, logger *slog.Logger, traceOut io.Writer) error {
	policy, err := plc.ParseSignaturePolicy(cfg.SignaturePolicy)
	if err != nil {
		return err
	}
	tracing, err := telemetry.Setup(ctx, cfg, traceOut)
	if err != nil {
		return err
	}
	defer func() {
		// ctx is already done here; flushing gets its own deadline
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tracing.Shutdown(flushCtx); err != nil {
			logger.Warn("flush traces", "error", err)
		}
	}()
	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open %s log: %w", cfg.LogBackend, err)
	}
	defer func() {
		if err := b.close(); err != nil {
			logger.Warn("close operation log", "error", err)
		}
	}()

	dir := directory.New(b.log, plc.NewValidator(policy), logger)
	h := server.New(cfg, dir, b.pinger, logger,
		server.WithTracerProvider(tracing.Provider),
		server.WithPropagator(tracing.Propagator),
	)

	servers := []*http.Server{{
		Addr:              cfg.Address,
		Handler:           h.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}}
	if cfg.MetricsAddress != "" {
		servers = append(servers, &http.Server{
			Addr:              cfg.MetricsAddress,
			Handler:           server.NewMetricsHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		})
	}
	listeners, err := listen(servers)
	if err != nil {
		return err
	}
	logger.Info("plcd starting", "addr", cfg.Address, "backend", cfg.LogBackend, "signaturePolicy", string(policy))
	return runServers(ctx, logger, servers, listeners)
}

// listen binds every server address up front so a busy port fails startup
// instead of a background goroutine.
func listen(servers []*http.Server) ([]net.Listener, error) {
	listeners := make([]net.Listener, 0, len(servers))
	for _, srv := range servers {
		ln, err := net.Listen("tcp", srv.Addr)
		if err != nil {
			for _, l := range listeners {
				l.Close()
			}
			return nil, fmt.Errorf("listen %s: %w", srv.Addr, err)
		}
		listeners = append(listeners, ln)
	}
	return listeners, nil
}

// runServers serves until ctx ends or a server fails, then shuts every
// server down gracefully.
func runServers(ctx context.Context, logger *slog.Logger, servers []*http.Server, listeners []net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)
	for i, srv := range servers {
		ln := listeners[i]
		g.Go(func() error {
			logger.Info("listening", "addr", ln.Addr().String())
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve %s: %w", ln.Addr(), err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, err)
			}
		}
		if err := errors.Join(errs...); err != nil {
			logger.Error("graceful shutdown failed", "error", err)
			return err
		}
		logger.Info("shutdown complete")
		return nil
	})
	return g.Wait()
}
