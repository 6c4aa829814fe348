package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/corray333/backend-labs/ingest/internal/config"
	"github.com/corray333/backend-labs/ingest/internal/otel"
	"github.com/corray333/backend-labs/ingest/internal/service/services/ingestsvc"
	httptransport "github.com/corray333/backend-labs/ingest/internal/transport/http"
	ingestworker "github.com/corray333/backend-labs/ingest/internal/worker/ingest"
	"golang.org/x/sync/errgroup"
)

// ErrWorkerStopped is returned by Run when the worker exits without a shutdown signal.
var ErrWorkerStopped = errors.New("ingest worker stopped unexpectedly")

// App represents the application.
type App struct {
	cfg            config.Config
	ingestSvc      *ingestsvc.IngestService
	ingestWorker   *ingestworker.Worker
	httpTransport  *httptransport.HTTPTransport
	otelController *otel.OtelController
}

// MustNewApp creates a new application from the configuration loaded by config.MustInit.
func MustNewApp() *App {
	return newApp(config.Get(), os.Stdout)
}

func newApp(cfg config.Config, out io.Writer) *App {
	otelController := otel.MustInitOtel(cfg.Tracing)

	ingestSvc := ingestsvc.MustNewIngestService(
		ingestsvc.WithOutput(out),
	)

	ingestWorker := ingestworker.NewWorker(
		ingestSvc,
		ingestworker.WithSettleTimeout(cfg.Queue.SettleTimeout),
	)

	a := &App{
		cfg:            cfg,
		ingestSvc:      ingestSvc,
		ingestWorker:   ingestWorker,
		otelController: otelController,
	}

	if cfg.Metrics.Enabled {
		a.httpTransport = httptransport.NewHTTPTransport(cfg.Metrics.Addr, a)
	}

	return a
}

// Healthy reports whether the worker is receiving.
func (a *App) Healthy() bool {
	return a.ingestWorker.State() == ingestworker.Running
}

// Run starts the application and blocks until a shutdown signal or a worker failure.
// Tracks interrupt signal to gracefully shut down the application.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.ingestWorker.Start(ctx, a.cfg.Queue); err != nil {
		slog.Error("Failed to start ingest worker", "error", err)
		a.shutdownTelemetry()

		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if a.httpTransport != nil {
		g.Go(func() error {
			return a.httpTransport.Run()
		})
	}

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-a.ingestWorker.Done():
			if err := a.ingestWorker.Err(); err != nil {
				return err
			}

			return ErrWorkerStopped
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			slog.Info("Shutdown signal received")
		}

		a.gracefulShutdown()

		return nil
	})

	return g.Wait()
}

// gracefulShutdown stops the worker first so the in-flight message is settled, then the metrics
// server and the tracer provider.
func (a *App) gracefulShutdown() {
	if err := a.ingestWorker.Stop(a.cfg.Worker.ShutdownTimeout); err != nil {
		slog.Error("Ingest worker shutdown error", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if a.httpTransport != nil {
		if err := a.httpTransport.Shutdown(ctx); err != nil {
			slog.Error("Metrics server shutdown error", "error", err)
		} else {
			slog.Info("Metrics server stopped gracefully")
		}
	}

	if err := a.otelController.Shutdown(ctx); err != nil {
		slog.Error("Otel trace provider shutdown error", "error", err)
	} else {
		slog.Info("Otel trace provider shut down gracefully")
	}

	select {
	case <-ctx.Done():
		slog.Warn("Shutdown timeout exceeded")
	default:
		slog.Info("Application shutdown complete")
	}
}

func (a *App) shutdownTelemetry() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.otelController.Shutdown(ctx); err != nil {
		slog.Error("Otel trace provider shutdown error", "error", err)
	}
}
