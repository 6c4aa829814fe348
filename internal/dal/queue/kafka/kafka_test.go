package kafka

import (
	"testing"

	"github.com/corray333/backend-labs/ingest/internal/dal/interfaces/iqueue"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
)

func TestConfigValidate(t *testing.T) {
	assert.ErrorIs(t, Config{}.Validate(), iqueue.ErrMissingSetting)
	assert.ErrorIs(t, Config{Brokers: []string{"kafka:9092"}}.Validate(), iqueue.ErrMissingSetting)
	assert.NoError(t, Config{Brokers: []string{"kafka:9092"}, GroupID: "ingest"}.Validate())
}

func TestDeadLetterTopic(t *testing.T) {
	assert.Equal(t, "orders.dlq", Config{}.deadLetterTopic("orders"))
	assert.Equal(t, "parking-lot", Config{DeadLetterTopic: "parking-lot"}.deadLetterTopic("orders"))
}

func TestDeliveryCountHeader(t *testing.T) {
	assert.Equal(t, 1, deliveryCount(nil))
	assert.Equal(t, 1, deliveryCount([]kafka.Header{{Key: headerDeliveryCount, Value: []byte("junk")}}))
	assert.Equal(t, 3, deliveryCount([]kafka.Header{{Key: headerDeliveryCount, Value: []byte("3")}}))
}

func TestSetHeaderReplacesWithoutMutatingInput(t *testing.T) {
	in := []kafka.Header{
		{Key: headerMessageID, Value: []byte("m-1")},
		{Key: headerDeliveryCount, Value: []byte("1")},
	}

	out := setHeader(in, headerDeliveryCount, "2")

	assert.Equal(t, "1", header(in, headerDeliveryCount))
	assert.Equal(t, "2", header(out, headerDeliveryCount))
	assert.Equal(t, "m-1", header(out, headerMessageID))
	assert.Len(t, out, 2)
}

func TestDeliveryID(t *testing.T) {
	d := &delivery{msg: kafka.Message{Topic: "orders", Partition: 2, Offset: 41}}
	assert.Equal(t, "orders/2/41", d.ID())

	d.msg.Headers = []kafka.Header{{Key: headerMessageID, Value: []byte("abc")}}
	assert.Equal(t, "abc", d.ID())
}
