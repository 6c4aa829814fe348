package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/corray333/backend-labs/ingest/internal/dal/interfaces/iqueue"
	"github.com/corray333/backend-labs/ingest/internal/dal/queue"
	"github.com/corray333/backend-labs/ingest/internal/metrics"
	"github.com/corray333/backend-labs/ingest/internal/service/models/outcome"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const defaultSettleTimeout = 5 * time.Second

// handler represents the service layer interface.
type handler interface {
	ProcessMessage(ctx context.Context, raw []byte) outcome.Outcome
}

// Opener connects a receiver for the configured queue.
type Opener func(ctx context.Context, cfg queue.Config) (iqueue.Receiver, error)

// State is the lifecycle state of a Worker.
type State int

const (
	Stopped State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}

	return "stopped"
}

// Settlement names the queue operation a delivery was settled with.
type Settlement string

const (
	SettleComplete   Settlement = "complete"
	SettleAbandon    Settlement = "abandon"
	SettleDeadLetter Settlement = "dead_letter"
)

// Worker receives messages one at a time and settles each before receiving the next.
type Worker struct {
	handler       handler
	open          Opener
	settleTimeout time.Duration

	mu       sync.Mutex
	state    State
	cancel   context.CancelFunc
	done     chan struct{}
	err      error
	closeErr error
	queue    string
}

// option is a function that configures the Worker.
type option func(*Worker)

// WithOpener replaces the queue adapter factory.
//
//goland:noinspection GoExportedFuncWithUnexportedType
func WithOpener(open Opener) option {
	return func(w *Worker) {
		w.open = open
	}
}

// WithSettleTimeout sets the settle timeout used when the queue config leaves it empty.
//
//goland:noinspection GoExportedFuncWithUnexportedType
func WithSettleTimeout(d time.Duration) option {
	return func(w *Worker) {
		w.settleTimeout = d
	}
}

// NewWorker creates a stopped worker that hands message bodies to h.
func NewWorker(h handler, opts ...option) *Worker {
	done := make(chan struct{})
	close(done)

	w := &Worker{
		handler:       h,
		open:          queue.Open,
		settleTimeout: defaultSettleTimeout,
		done:          done,
	}
	for _, opt := range opts {
		opt(w)
	}

	return w
}

// Start opens the queue described by cfg and launches the receive loop.
// ctx bounds opening the queue only; the loop runs until Stop or an unrecoverable receive error.
func (w *Worker) Start(ctx context.Context, cfg queue.Config) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == Running {
		return ErrAlreadyRunning
	}

	if err := cfg.Validate(); err != nil {
		return &StartupError{Driver: cfg.Driver, Queue: cfg.Name, Err: err}
	}

	rcv, err := w.open(ctx, cfg)
	if err != nil {
		return &StartupError{Driver: cfg.Driver, Queue: cfg.Name, Err: err}
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	w.state = Running
	w.cancel = cancel
	w.done = done
	w.err = nil
	w.closeErr = nil
	w.queue = cfg.Name

	metrics.SetRunning(cfg.Name, true)
	slog.Info("Ingest worker started",
		"driver", cfg.Driver,
		"queue", cfg.Name,
		"failure_policy", cfg.Policy(),
		"max_deliveries", cfg.MaxDeliveries,
	)

	go w.loop(loopCtx, rcv, cfg, done)

	return nil
}

// Stop cancels the pending receive and waits up to timeout for the in-flight message to be settled.
func (w *Worker) Stop(timeout time.Duration) error {
	w.mu.Lock()
	cancel, done, name := w.cancel, w.done, w.queue
	w.mu.Unlock()

	if cancel == nil {
		return ErrNotRunning
	}

	slog.Info("Stopping ingest worker", "queue", name, "timeout", timeout)
	cancel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		slog.Warn("Ingest worker shutdown timeout exceeded", "queue", name)

		return &ShutdownError{Queue: name, Err: ErrShutdownTimeout}
	}

	w.mu.Lock()
	closeErr := w.closeErr
	w.mu.Unlock()

	if closeErr != nil {
		return &ShutdownError{Queue: name, Err: closeErr}
	}

	slog.Info("Ingest worker stopped gracefully", "queue", name)

	return nil
}

// State reports whether the receive loop is running.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.state
}

// Done is closed when the current receive loop exits.
func (w *Worker) Done() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.done
}

// Err returns the receive error that stopped the loop, if any.
func (w *Worker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.err
}

func (w *Worker) loop(ctx context.Context, rcv iqueue.Receiver, cfg queue.Config, done chan struct{}) {
	var fatal error

	defer func() {
		closeErr := rcv.Close()
		if closeErr != nil {
			slog.Error("Failed to close queue receiver", "queue", cfg.Name, "error", closeErr)
		}

		w.mu.Lock()
		w.state = Stopped
		w.err = fatal
		w.closeErr = closeErr
		w.mu.Unlock()

		metrics.SetRunning(cfg.Name, false)
		close(done)
	}()

	for {
		d, err := rcv.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			slog.Error("Receive failed, stopping ingest worker", "queue", cfg.Name, "error", err)
			fatal = fmt.Errorf("receive from %s: %w", cfg.Name, err)

			return
		}

		w.handleDelivery(ctx, d, cfg)
	}
}

// handleDelivery runs the handler and settles the delivery on a context that shutdown does not cancel.
func (w *Worker) handleDelivery(ctx context.Context, d iqueue.Delivery, cfg queue.Config) {
	ctx, span := otel.Tracer("worker").Start(context.WithoutCancel(ctx), "Worker.handleDelivery")
	defer span.End()

	span.SetAttributes(
		attribute.String("messaging.destination", cfg.Name),
		attribute.String("messaging.message_id", d.ID()),
		attribute.Int("messaging.delivery_count", d.DeliveryCount()),
	)

	slog.InfoContext(ctx, "Message received",
		"queue", cfg.Name,
		"message_id", d.ID(),
		"delivery_count", d.DeliveryCount(),
	)

	start := time.Now()
	result := w.handler.ProcessMessage(ctx, d.Body())
	elapsed := time.Since(start)

	settlement := decide(result, cfg.Policy(), cfg.MaxDeliveries, d.DeliveryCount())
	span.SetAttributes(
		attribute.String("ingest.outcome", result.String()),
		attribute.String("ingest.settlement", string(settlement)),
	)

	if err := w.settle(ctx, d, settlement, w.settleTimeoutFor(cfg)); err != nil {
		slog.ErrorContext(ctx, "Failed to settle message",
			"queue", cfg.Name,
			"message_id", d.ID(),
			"settlement", settlement,
			"error", err,
		)
		span.RecordError(err)
		span.SetStatus(codes.Error, "settle failed")
		metrics.SettleFailures.WithLabelValues(cfg.Name, string(settlement)).Inc()
	}

	metrics.ObserveHandle(cfg.Name, result.String(), string(settlement), elapsed)
}

func (w *Worker) settleTimeoutFor(cfg queue.Config) time.Duration {
	if cfg.SettleTimeout > 0 {
		return cfg.SettleTimeout
	}
	if w.settleTimeout > 0 {
		return w.settleTimeout
	}

	return defaultSettleTimeout
}

func (w *Worker) settle(ctx context.Context, d iqueue.Delivery, s Settlement, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch s {
	case SettleComplete:
		return d.Complete(ctx)
	case SettleDeadLetter:
		return d.DeadLetter(ctx, "rejected by handler")
	default:
		return d.Abandon(ctx)
	}
}

// decide maps a handler outcome to a settlement. Anything but Complete counts as a rejection.
func decide(result outcome.Outcome, policy outcome.FailurePolicy, maxDeliveries, deliveryCount int) Settlement {
	if result == outcome.Complete {
		return SettleComplete
	}
	if policy == outcome.PolicyDeadLetter {
		return SettleDeadLetter
	}
	if maxDeliveries > 0 && deliveryCount >= maxDeliveries {
		return SettleDeadLetter
	}

	return SettleAbandon
}
