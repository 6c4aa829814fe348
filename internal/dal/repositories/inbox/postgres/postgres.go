package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/corray333/backend-labs/ingest/internal/dal/interfaces/iinboxrepo"
	"github.com/corray333/backend-labs/ingest/internal/dal/postgres"
	"github.com/corray333/backend-labs/ingest/internal/service/models/inbox"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const table = "inbox"

var claimedColumns = []string{
	"id",
	"message_id",
	"queue_name",
	"payload",
	"delivery_count",
	"last_error",
	"enqueued_at",
	"visible_at",
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// InboxRepository implements the inbox repository for PostgreSQL.
type InboxRepository struct {
	db  querier
	now func() time.Time
}

var _ iinboxrepo.IInboxRepository = (*InboxRepository)(nil)

// NewInboxRepository creates a new inbox repository.
func NewInboxRepository(client *postgres.Client) *InboxRepository {
	return &InboxRepository{
		db:  client.Pool(),
		now: time.Now,
	}
}

// Insert adds a new message to the inbox.
func (r *InboxRepository) Insert(ctx context.Context, msg inbox.InboxMessage) error {
	query, args, err := insertQuery(msg, r.now())
	if err != nil {
		return fmt.Errorf("failed to build insert query: %w", err)
	}

	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert inbox message: %w", err)
	}

	return nil
}

// Claim locks the oldest visible message of the queue and pushes its visibility forward.
func (r *InboxRepository) Claim(
	ctx context.Context,
	queueName string,
	visibility time.Duration,
) (inbox.InboxMessage, error) {
	query, args, err := claimQuery(queueName, visibility, r.now())
	if err != nil {
		return inbox.InboxMessage{}, fmt.Errorf("failed to build claim query: %w", err)
	}

	var msg inbox.InboxMessage
	err = r.db.QueryRow(ctx, query, args...).Scan(
		&msg.ID,
		&msg.MessageID,
		&msg.QueueName,
		&msg.Payload,
		&msg.DeliveryCount,
		&msg.LastError,
		&msg.EnqueuedAt,
		&msg.VisibleAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return inbox.InboxMessage{}, iinboxrepo.ErrEmpty
	}
	if err != nil {
		return inbox.InboxMessage{}, fmt.Errorf("failed to claim inbox message: %w", err)
	}

	return msg, nil
}

// Delete removes a message from the inbox after successful processing.
func (r *InboxRepository) Delete(ctx context.Context, id int64) error {
	query, args, err := sq.Delete(table).
		Where(sq.Eq{"id": id}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build delete query: %w", err)
	}

	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to delete inbox message: %w", err)
	}

	return nil
}

// Release makes a claimed message visible again.
func (r *InboxRepository) Release(ctx context.Context, id int64, lastError string) error {
	query, args, err := releaseQuery(id, lastError, r.now())
	if err != nil {
		return fmt.Errorf("failed to build release query: %w", err)
	}

	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to release inbox message: %w", err)
	}

	return nil
}

// MarkDead stamps dead_lettered_at so the message is never claimed again.
func (r *InboxRepository) MarkDead(ctx context.Context, id int64, reason string) error {
	query, args, err := markDeadQuery(id, reason, r.now())
	if err != nil {
		return fmt.Errorf("failed to build dead-letter query: %w", err)
	}

	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to dead-letter inbox message: %w", err)
	}

	return nil
}

func insertQuery(msg inbox.InboxMessage, now time.Time) (string, []any, error) {
	return sq.Insert(table).
		Columns(
			"message_id",
			"queue_name",
			"payload",
			"enqueued_at",
			"visible_at",
		).
		Values(
			msg.MessageID,
			msg.QueueName,
			msg.Payload,
			now,
			now,
		).
		PlaceholderFormat(sq.Dollar).
		ToSql()
}

func claimQuery(queueName string, visibility time.Duration, now time.Time) (string, []any, error) {
	next := sq.Select("id").
		From(table).
		Where(sq.Eq{"queue_name": queueName}).
		Where(sq.Eq{"dead_lettered_at": nil}).
		Where(sq.LtOrEq{"visible_at": now}).
		OrderBy("visible_at ASC", "id ASC").
		Limit(1).
		Suffix("FOR UPDATE SKIP LOCKED")

	return sq.Update(table).
		Set("delivery_count", sq.Expr("delivery_count + 1")).
		Set("visible_at", now.Add(visibility)).
		Where(sq.Expr("id = (?)", next)).
		Suffix("RETURNING " + strings.Join(claimedColumns, ", ")).
		PlaceholderFormat(sq.Dollar).
		ToSql()
}

func releaseQuery(id int64, lastError string, now time.Time) (string, []any, error) {
	return sq.Update(table).
		Set("visible_at", now).
		Set("last_error", lastError).
		Where(sq.Eq{"id": id}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
}

func markDeadQuery(id int64, reason string, now time.Time) (string, []any, error) {
	return sq.Update(table).
		Set("dead_lettered_at", now).
		Set("last_error", reason).
		Where(sq.Eq{"id": id}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
}
