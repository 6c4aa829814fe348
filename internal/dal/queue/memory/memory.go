// Package memory is an in-process queue backend for local runs and tests.
package memory

import (
	"context"
	"strconv"
	"sync"

	"github.com/corray333/backend-labs/ingest/internal/dal/interfaces/iqueue"
)

var (
	registryMu sync.Mutex
	registry   = map[string]*Queue{}
)

// Named returns the process-wide queue with the given name, creating it if absent.
func Named(name string) *Queue {
	registryMu.Lock()
	defer registryMu.Unlock()

	q, ok := registry[name]
	if !ok {
		q = New(name)
		registry[name] = q
	}

	return q
}

type message struct {
	id         string
	body       []byte
	deliveries int
}

// Queue is a FIFO queue with abandon and dead-letter support.
type Queue struct {
	name string

	mu        sync.Mutex
	nextID    int
	ready     []*message
	inflight  map[string]*message
	dead      []*message
	completed int
	notify    chan struct{}
}

// New creates an unregistered queue.
func New(name string) *Queue {
	return &Queue{
		name:     name,
		inflight: make(map[string]*message),
		notify:   make(chan struct{}, 1),
	}
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

// Publish appends a message to the queue.
func (q *Queue) Publish(_ context.Context, body []byte) error {
	q.mu.Lock()
	q.nextID++
	q.ready = append(q.ready, &message{
		id:   q.name + "-" + strconv.Itoa(q.nextID),
		body: append([]byte(nil), body...),
	})
	q.mu.Unlock()

	q.signal()

	return nil
}

// Close is a no-op; named queues live for the whole process.
func (q *Queue) Close() error {
	return nil
}

// Receiver returns a new receiver bound to the queue.
func (q *Queue) Receiver() *Receiver {
	return &Receiver{queue: q, closed: make(chan struct{})}
}

// Len returns the number of messages waiting for delivery.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.ready)
}

// InFlight returns the number of delivered but unsettled messages.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.inflight)
}

// Completed returns the number of completed messages.
func (q *Queue) Completed() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.completed
}

// DeadLettered returns the bodies of dead-lettered messages in order.
func (q *Queue) DeadLettered() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()

	bodies := make([][]byte, 0, len(q.dead))
	for _, m := range q.dead {
		bodies = append(bodies, m.body)
	}

	return bodies
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue) pop() (*message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.ready) == 0 {
		return nil, false
	}

	msg := q.ready[0]
	q.ready = q.ready[1:]
	msg.deliveries++
	q.inflight[msg.id] = msg

	if len(q.ready) > 0 {
		q.signal()
	}

	return msg, true
}

func (q *Queue) settle(id string, fn func(*message)) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	msg, ok := q.inflight[id]
	if !ok {
		return errNotInFlight(id)
	}
	delete(q.inflight, id)
	fn(msg)

	return nil
}

type errNotInFlight string

func (e errNotInFlight) Error() string {
	return "message " + string(e) + " is not in flight"
}

// Receiver hands out messages from a Queue.
type Receiver struct {
	queue     *Queue
	closeOnce sync.Once
	closed    chan struct{}
}

// Receive blocks until a message is available, ctx is done or the receiver is closed.
func (r *Receiver) Receive(ctx context.Context) (iqueue.Delivery, error) {
	for {
		select {
		case <-r.closed:
			return nil, iqueue.ErrClosed
		default:
		}

		if msg, ok := r.queue.pop(); ok {
			return &delivery{queue: r.queue, id: msg.id, body: msg.body, count: msg.deliveries}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-r.closed:
			return nil, iqueue.ErrClosed
		case <-r.queue.notify:
		}
	}
}

// Close stops the receiver. Messages still in flight stay in flight.
func (r *Receiver) Close() error {
	r.closeOnce.Do(func() { close(r.closed) })

	return nil
}

// Closed reports whether Close has been called.
func (r *Receiver) Closed() bool {
	select {
	case <-r.closed:
		return true
	default:
		return false
	}
}

type delivery struct {
	queue *Queue
	id    string
	body  []byte
	count int
}

func (d *delivery) ID() string         { return d.id }
func (d *delivery) Body() []byte       { return d.body }
func (d *delivery) DeliveryCount() int { return d.count }

func (d *delivery) Complete(context.Context) error {
	return d.queue.settle(d.id, func(*message) {
		d.queue.completed++
	})
}

func (d *delivery) Abandon(context.Context) error {
	err := d.queue.settle(d.id, func(m *message) {
		d.queue.ready = append(d.queue.ready, m)
	})
	if err == nil {
		d.queue.signal()
	}

	return err
}

func (d *delivery) DeadLetter(context.Context, string) error {
	return d.queue.settle(d.id, func(m *message) {
		d.queue.dead = append(d.queue.dead, m)
	})
}
