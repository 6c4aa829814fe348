package inbox

import (
	"time"
)

// InboxMessage represents a message stored in the postgres inbox queue.
type InboxMessage struct {
	ID             int64
	MessageID      string
	QueueName      string
	Payload        []byte
	DeliveryCount  int
	LastError      string
	EnqueuedAt     time.Time
	VisibleAt      time.Time
	DeadLetteredAt *time.Time
}
