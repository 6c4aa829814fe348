package httptransport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/corray333/backend-labs/ingest/pkg/http/middleware/trace"
	"github.com/corray333/backend-labs/ingest/pkg/logger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// healthChecker reports whether the worker is still receiving.
type healthChecker interface {
	Healthy() bool
}

// HTTPTransport serves /metrics and /healthz for the worker.
type HTTPTransport struct {
	server *http.Server
	router *chi.Mux
	health healthChecker
}

func NewHTTPTransport(addr string, health healthChecker) *HTTPTransport {
	router := newRouter()
	h := &HTTPTransport{
		server: newServer(addr, router),
		router: router,
		health: health,
	}
	h.RegisterRoutes()

	return h
}

// Run serves until Shutdown is called.
func (h *HTTPTransport) Run() error {
	slog.Info("Metrics server started", "addr", h.server.Addr)

	if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// Shutdown stops accepting connections and waits for active requests.
func (h *HTTPTransport) Shutdown(ctx context.Context) error {
	return h.server.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (h *HTTPTransport) Handler() http.Handler {
	return h.router
}

// RegisterRoutes registers the routes for the HTTPTransport.
func (h *HTTPTransport) RegisterRoutes() {
	h.router.Handle("/metrics", promhttp.Handler())
	h.router.Get("/healthz", h.healthz)
}

func (h *HTTPTransport) healthz(w http.ResponseWriter, _ *http.Request) {
	if h.health != nil && !h.health.Healthy() {
		http.Error(w, "worker stopped", http.StatusServiceUnavailable)

		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func newRouter() *chi.Mux {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(trace.NewTraceMiddleware)
	router.Use(logger.NewLoggerMiddleware(slog.Default()))

	return router
}

func newServer(addr string, router http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
