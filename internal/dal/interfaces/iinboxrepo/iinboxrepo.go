package iinboxrepo

import (
	"context"
	"errors"
	"time"

	"github.com/corray333/backend-labs/ingest/internal/service/models/inbox"
)

// ErrEmpty is returned by Claim when no message is visible.
var ErrEmpty = errors.New("inbox is empty")

// IInboxRepository defines the interface for inbox operations.
type IInboxRepository interface {
	// Insert adds a new message to the inbox
	Insert(ctx context.Context, msg inbox.InboxMessage) error

	// Claim locks the oldest visible message and hides it for the visibility timeout
	Claim(ctx context.Context, queueName string, visibility time.Duration) (inbox.InboxMessage, error)

	// Delete removes a message from the inbox after successful processing
	Delete(ctx context.Context, id int64) error

	// Release makes a claimed message visible again
	Release(ctx context.Context, id int64, lastError string) error

	// MarkDead moves a message out of the ready set
	MarkDead(ctx context.Context, id int64, reason string) error
}
