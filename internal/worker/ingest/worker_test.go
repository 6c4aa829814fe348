package ingest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/corray333/backend-labs/ingest/internal/dal/interfaces/iqueue"
	"github.com/corray333/backend-labs/ingest/internal/dal/queue"
	"github.com/corray333/backend-labs/ingest/internal/dal/queue/memory"
	"github.com/corray333/backend-labs/ingest/internal/service/models/outcome"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

type handlerFunc func(ctx context.Context, raw []byte) outcome.Outcome

func (f handlerFunc) ProcessMessage(ctx context.Context, raw []byte) outcome.Outcome {
	return f(ctx, raw)
}

func memoryConfig(name string) queue.Config {
	return queue.Config{Driver: queue.DriverMemory, Name: name, MaxDeliveries: 5}
}

// memoryOpener binds the worker to q and exposes the receiver it opened.
func memoryOpener(q *memory.Queue, opened chan<- *memory.Receiver) Opener {
	return func(context.Context, queue.Config) (iqueue.Receiver, error) {
		rcv := q.Receiver()
		if opened != nil {
			opened <- rcv
		}

		return rcv, nil
	}
}

func publish(t *testing.T, q *memory.Queue, bodies ...string) {
	t.Helper()

	for _, body := range bodies {
		require.NoError(t, q.Publish(context.Background(), []byte(body)))
	}
}

func TestMessagesAreHandledOneAtATime(t *testing.T) {
	q := memory.New("single-flight")
	publish(t, q, "first", "second", "third")

	var (
		active    atomic.Int32
		maxActive atomic.Int32
		mu        sync.Mutex
		seen      []string
		inflight  []int
	)

	h := handlerFunc(func(_ context.Context, raw []byte) outcome.Outcome {
		n := active.Add(1)
		defer active.Add(-1)
		if n > maxActive.Load() {
			maxActive.Store(n)
		}

		mu.Lock()
		seen = append(seen, string(raw))
		inflight = append(inflight, q.InFlight())
		mu.Unlock()

		time.Sleep(10 * time.Millisecond)

		return outcome.Complete
	})

	w := NewWorker(h, WithOpener(memoryOpener(q, nil)))
	require.NoError(t, w.Start(context.Background(), memoryConfig(q.Name())))

	require.Eventually(t, func() bool { return q.Completed() == 3 }, waitFor, 5*time.Millisecond)
	require.NoError(t, w.Stop(time.Second))

	mu.Lock()
	defer mu.Unlock()

	assert.Equal(t, []string{"first", "second", "third"}, seen)
	assert.Equal(t, []int{1, 1, 1}, inflight, "previous message must be settled before the next is received")
	assert.Equal(t, int32(1), maxActive.Load())
}

func TestStopWaitsForInFlightMessage(t *testing.T) {
	q := memory.New("graceful-stop")
	publish(t, q, `{"orderId":"A1"}`)

	started := make(chan struct{})
	release := make(chan struct{})
	h := handlerFunc(func(ctx context.Context, _ []byte) outcome.Outcome {
		close(started)
		<-release
		assert.NoError(t, ctx.Err(), "handler context must survive shutdown")

		return outcome.Complete
	})

	opened := make(chan *memory.Receiver, 1)
	w := NewWorker(h, WithOpener(memoryOpener(q, opened)))
	require.NoError(t, w.Start(context.Background(), memoryConfig(q.Name())))
	rcv := <-opened

	<-started

	stopped := make(chan error, 1)
	go func() { stopped <- w.Stop(5 * time.Second) }()

	select {
	case err := <-stopped:
		t.Fatalf("stop returned before the handler finished: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	assert.False(t, rcv.Closed())
	assert.Equal(t, Running, w.State())

	close(release)

	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("stop did not return after the handler finished")
	}

	assert.Equal(t, 1, q.Completed())
	assert.Equal(t, 0, q.InFlight())
	assert.True(t, rcv.Closed())
	assert.Equal(t, Stopped, w.State())
	assert.NoError(t, w.Err())
}

func TestStopTimeoutKeepsMessageSafe(t *testing.T) {
	q := memory.New("stop-timeout")
	publish(t, q, "slow")

	started := make(chan struct{})
	release := make(chan struct{})
	h := handlerFunc(func(context.Context, []byte) outcome.Outcome {
		close(started)
		<-release

		return outcome.Complete
	})

	opened := make(chan *memory.Receiver, 1)
	w := NewWorker(h, WithOpener(memoryOpener(q, opened)))
	require.NoError(t, w.Start(context.Background(), memoryConfig(q.Name())))
	rcv := <-opened
	<-started

	err := w.Stop(20 * time.Millisecond)

	var shutdownErr *ShutdownError
	require.ErrorAs(t, err, &shutdownErr)
	assert.ErrorIs(t, err, ErrShutdownTimeout)
	assert.False(t, rcv.Closed(), "receiver must stay open while the message is in flight")

	close(release)

	select {
	case <-w.Done():
	case <-time.After(waitFor):
		t.Fatal("loop did not exit after the handler finished")
	}

	assert.Equal(t, 1, q.Completed())
	assert.True(t, rcv.Closed())
}

func TestStopWhileIdle(t *testing.T) {
	q := memory.New("idle")
	opened := make(chan *memory.Receiver, 1)

	w := NewWorker(handlerFunc(func(context.Context, []byte) outcome.Outcome {
		return outcome.Complete
	}), WithOpener(memoryOpener(q, opened)))

	require.NoError(t, w.Start(context.Background(), memoryConfig(q.Name())))
	rcv := <-opened

	require.NoError(t, w.Stop(time.Second))
	assert.True(t, rcv.Closed())
	assert.Equal(t, Stopped, w.State())
}

func TestRejectedMessagesFollowFailurePolicy(t *testing.T) {
	tests := []struct {
		name          string
		policy        outcome.FailurePolicy
		maxDeliveries int
		wantCalls     int32
	}{
		{name: "dead letter immediately", policy: outcome.PolicyDeadLetter, wantCalls: 1},
		{name: "abandon until delivery limit", policy: outcome.PolicyAbandon, maxDeliveries: 3, wantCalls: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := memory.New("policy-" + string(tt.policy))
			publish(t, q, "{not valid json")

			var calls atomic.Int32
			w := NewWorker(handlerFunc(func(context.Context, []byte) outcome.Outcome {
				calls.Add(1)

				return outcome.Reject
			}), WithOpener(memoryOpener(q, nil)))

			cfg := memoryConfig(q.Name())
			cfg.FailurePolicy = tt.policy
			cfg.MaxDeliveries = tt.maxDeliveries
			require.NoError(t, w.Start(context.Background(), cfg))

			require.Eventually(t, func() bool { return len(q.DeadLettered()) == 1 }, waitFor, 5*time.Millisecond)
			require.NoError(t, w.Stop(time.Second))

			assert.Equal(t, tt.wantCalls, calls.Load())
			assert.Equal(t, 0, q.Len())
			assert.Equal(t, 0, q.Completed())
		})
	}
}

func TestAbandonRedeliversMessage(t *testing.T) {
	q := memory.New("abandon")
	publish(t, q, "flaky")

	var calls atomic.Int32
	w := NewWorker(handlerFunc(func(context.Context, []byte) outcome.Outcome {
		if calls.Add(1) == 1 {
			return outcome.Reject
		}

		return outcome.Complete
	}), WithOpener(memoryOpener(q, nil)))

	require.NoError(t, w.Start(context.Background(), memoryConfig(q.Name())))
	require.Eventually(t, func() bool { return q.Completed() == 1 }, waitFor, 5*time.Millisecond)
	require.NoError(t, w.Stop(time.Second))

	assert.Equal(t, int32(2), calls.Load())
	assert.Empty(t, q.DeadLettered())
}

type failingReceiver struct {
	err    error
	closed atomic.Bool
}

func (r *failingReceiver) Receive(context.Context) (iqueue.Delivery, error) {
	return nil, r.err
}

func (r *failingReceiver) Close() error {
	r.closed.Store(true)

	return nil
}

func TestReceiveErrorStopsWorker(t *testing.T) {
	rcv := &failingReceiver{err: iqueue.ErrClosed}
	w := NewWorker(handlerFunc(func(context.Context, []byte) outcome.Outcome {
		t.Error("handler must not be called")

		return outcome.Complete
	}), WithOpener(func(context.Context, queue.Config) (iqueue.Receiver, error) {
		return rcv, nil
	}))

	require.NoError(t, w.Start(context.Background(), memoryConfig("broken")))

	select {
	case <-w.Done():
	case <-time.After(waitFor):
		t.Fatal("worker did not stop after a receive error")
	}

	assert.Equal(t, Stopped, w.State())
	assert.ErrorIs(t, w.Err(), iqueue.ErrClosed)
	assert.True(t, rcv.closed.Load())
}

type stubDelivery struct {
	settleErr error
	completed atomic.Int32
}

func (d *stubDelivery) ID() string         { return "stub" }
func (d *stubDelivery) Body() []byte       { return []byte("{}") }
func (d *stubDelivery) DeliveryCount() int { return 1 }

func (d *stubDelivery) Complete(context.Context) error {
	d.completed.Add(1)

	return d.settleErr
}

func (d *stubDelivery) Abandon(context.Context) error            { return d.settleErr }
func (d *stubDelivery) DeadLetter(context.Context, string) error { return d.settleErr }

// scriptedReceiver hands out the given deliveries, then blocks until ctx is done.
type scriptedReceiver struct {
	deliveries chan iqueue.Delivery
}

func (r *scriptedReceiver) Receive(ctx context.Context) (iqueue.Delivery, error) {
	select {
	case d := <-r.deliveries:
		return d, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *scriptedReceiver) Close() error {
	return errors.New("connection already gone")
}

func TestSettleFailureIsNotFatal(t *testing.T) {
	first := &stubDelivery{settleErr: errors.New("channel closed")}
	second := &stubDelivery{}

	rcv := &scriptedReceiver{deliveries: make(chan iqueue.Delivery, 2)}
	rcv.deliveries <- first
	rcv.deliveries <- second

	w := NewWorker(handlerFunc(func(context.Context, []byte) outcome.Outcome {
		return outcome.Complete
	}), WithOpener(func(context.Context, queue.Config) (iqueue.Receiver, error) {
		return rcv, nil
	}), WithSettleTimeout(100*time.Millisecond))

	require.NoError(t, w.Start(context.Background(), memoryConfig("settle")))
	require.Eventually(t, func() bool { return second.completed.Load() == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, Running, w.State())

	err := w.Stop(time.Second)

	var shutdownErr *ShutdownError
	require.ErrorAs(t, err, &shutdownErr)
	assert.NotErrorIs(t, err, ErrShutdownTimeout)
	assert.Equal(t, int32(1), first.completed.Load())
}

func TestStartErrors(t *testing.T) {
	handler := handlerFunc(func(context.Context, []byte) outcome.Outcome { return outcome.Complete })

	t.Run("missing connection setting", func(t *testing.T) {
		w := NewWorker(handler)

		err := w.Start(context.Background(), queue.Config{Driver: queue.DriverRabbitMQ, Name: "orders"})

		var startupErr *StartupError
		require.ErrorAs(t, err, &startupErr)
		assert.Equal(t, "rabbitmq", startupErr.Driver)
		assert.Equal(t, "orders", startupErr.Queue)
		assert.ErrorIs(t, err, iqueue.ErrMissingSetting)
		assert.Equal(t, Stopped, w.State())
	})

	t.Run("unbounded redelivery", func(t *testing.T) {
		q := memory.New("unbounded")
		w := NewWorker(handler, WithOpener(memoryOpener(q, nil)))

		cfg := memoryConfig(q.Name())
		cfg.MaxDeliveries = 0
		err := w.Start(context.Background(), cfg)

		var startupErr *StartupError
		require.ErrorAs(t, err, &startupErr)
		assert.ErrorIs(t, err, queue.ErrInvalidSetting)
		assert.Equal(t, Stopped, w.State())
	})

	t.Run("opener failure", func(t *testing.T) {
		boom := errors.New("connection refused")
		w := NewWorker(handler, WithOpener(func(context.Context, queue.Config) (iqueue.Receiver, error) {
			return nil, boom
		}))

		err := w.Start(context.Background(), memoryConfig("orders"))

		var startupErr *StartupError
		require.ErrorAs(t, err, &startupErr)
		assert.ErrorIs(t, err, boom)
	})

	t.Run("already running", func(t *testing.T) {
		q := memory.New("twice")
		w := NewWorker(handler, WithOpener(memoryOpener(q, nil)))

		require.NoError(t, w.Start(context.Background(), memoryConfig(q.Name())))
		assert.ErrorIs(t, w.Start(context.Background(), memoryConfig(q.Name())), ErrAlreadyRunning)
		require.NoError(t, w.Stop(time.Second))
	})

	t.Run("restart after stop", func(t *testing.T) {
		q := memory.New("restart")
		w := NewWorker(handler, WithOpener(memoryOpener(q, nil)))

		require.NoError(t, w.Start(context.Background(), memoryConfig(q.Name())))
		require.NoError(t, w.Stop(time.Second))
		require.NoError(t, w.Start(context.Background(), memoryConfig(q.Name())))
		require.NoError(t, w.Stop(time.Second))
	})
}

func TestStopNeverStarted(t *testing.T) {
	w := NewWorker(handlerFunc(func(context.Context, []byte) outcome.Outcome { return outcome.Complete }))

	assert.ErrorIs(t, w.Stop(time.Second), ErrNotRunning)
	assert.Equal(t, Stopped, w.State())
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name          string
		result        outcome.Outcome
		policy        outcome.FailurePolicy
		maxDeliveries int
		count         int
		want          Settlement
	}{
		{"complete", outcome.Complete, outcome.PolicyDeadLetter, 0, 1, SettleComplete},
		{"reject abandon", outcome.Reject, outcome.PolicyAbandon, 0, 10, SettleAbandon},
		{"reject dead letter", outcome.Reject, outcome.PolicyDeadLetter, 0, 1, SettleDeadLetter},
		{"reject below limit", outcome.Reject, outcome.PolicyAbandon, 3, 2, SettleAbandon},
		{"reject at limit", outcome.Reject, outcome.PolicyAbandon, 3, 3, SettleDeadLetter},
		{"unknown outcome", outcome.Outcome(0), outcome.PolicyAbandon, 0, 1, SettleAbandon},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, decide(tt.result, tt.policy, tt.maxDeliveries, tt.count))
		})
	}
}
