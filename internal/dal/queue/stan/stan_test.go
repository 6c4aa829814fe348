package stan

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/corray333/backend-labs/ingest/internal/dal/interfaces/iqueue"
	stan "github.com/nats-io/stan.go"
	"github.com/nats-io/stan.go/pb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	assert.ErrorIs(t, Config{}.Validate(), iqueue.ErrMissingSetting)
	assert.ErrorIs(t, Config{URL: "nats://localhost:4222"}.Validate(), iqueue.ErrMissingSetting)
	assert.NoError(t, Config{URL: "nats://localhost:4222", ClusterID: "test-cluster"}.Validate())
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults("orders")

	assert.Equal(t, defaultDurable, cfg.DurableName)
	assert.Equal(t, defaultQueueGroup, cfg.QueueGroup)
	assert.Equal(t, defaultAckWait, cfg.AckWait)
	assert.Equal(t, "orders.dlq", cfg.DeadLetterSubject)

	custom := Config{AckWait: 5 * time.Second, DeadLetterSubject: "dead"}.withDefaults("orders")
	assert.Equal(t, 5*time.Second, custom.AckWait)
	assert.Equal(t, "dead", custom.DeadLetterSubject)
}

func TestClientID(t *testing.T) {
	assert.Equal(t, "svc-1-worker", Config{ClientID: "svc-1"}.clientID("worker"))
	assert.True(t, strings.HasPrefix(Config{}.clientID("worker"), "ingest-worker-"))
}

func TestReceiveBridgesCallback(t *testing.T) {
	r := &Receiver{msgs: make(chan *stan.Msg), closed: make(chan struct{})}

	msg := &stan.Msg{MsgProto: pb.MsgProto{Sequence: 12, Data: []byte("payload"), RedeliveryCount: 2}}
	go r.enqueue(msg)

	d, err := r.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "12", d.ID())
	assert.Equal(t, []byte("payload"), d.Body())
	assert.Equal(t, 3, d.DeliveryCount())
	assert.NoError(t, d.Abandon(context.Background()))

	close(r.closed)
	_, err = r.Receive(context.Background())
	assert.ErrorIs(t, err, iqueue.ErrClosed)

	done := make(chan struct{})
	go func() {
		r.enqueue(msg)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("enqueue blocked after close")
	}
}
