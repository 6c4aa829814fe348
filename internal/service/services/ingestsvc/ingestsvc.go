package ingestsvc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/corray333/backend-labs/ingest/internal/metrics"
	"github.com/corray333/backend-labs/ingest/internal/service/models/order"
	"github.com/corray333/backend-labs/ingest/internal/service/models/outcome"
	"github.com/corray333/backend-labs/ingest/internal/service/receipt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ErrProcessing wraps failures that happen after an order was decoded.
var ErrProcessing = errors.New("failed to process order")

// IngestService turns order messages into printed receipts.
type IngestService struct {
	mu  sync.Mutex
	out io.Writer
}

// option is a function that configures the IngestService.
type option func(*IngestService)

// MustNewIngestService creates a new IngestService writing receipts to stdout unless configured otherwise.
func MustNewIngestService(opts ...option) *IngestService {
	s := &IngestService{
		out: os.Stdout,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.out == nil {
		panic("ingestsvc: output writer is nil")
	}

	return s
}

// WithOutput sets the writer receipts are printed to.
//
//goland:noinspection GoExportedFuncWithUnexportedType
func WithOutput(w io.Writer) option {
	return func(s *IngestService) {
		s.out = w
	}
}

// ProcessMessage decodes raw, prints its receipt and reports how the message should be settled.
// It never panics and never returns an error: every failure becomes outcome.Reject.
func (s *IngestService) ProcessMessage(ctx context.Context, raw []byte) outcome.Outcome {
	ctx, span := otel.Tracer("service").Start(ctx, "Service.ProcessMessage")
	defer span.End()

	span.SetAttributes(attribute.Int("message.size", len(raw)))

	ord, err := order.Decode(raw)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to decode order", "size", len(raw), "error", err)
		span.SetStatus(codes.Error, "decode failed")

		return outcome.Reject
	}

	span.SetAttributes(attribute.String("order.id", ord.OrderID))

	if err := s.printReceipt(ord); err != nil {
		slog.ErrorContext(ctx, "Failed to print receipt", "order_id", ord.OrderID, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "print failed")

		return outcome.Reject
	}

	total, _ := ord.Total.Float64()
	metrics.OrderTotalAmount.Observe(total)

	slog.InfoContext(ctx, "Order processed successfully", "order_id", ord.OrderID, "items", len(ord.Items))

	return outcome.Complete
}

func (s *IngestService) printReceipt(ord order.Order) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic while printing receipt: %v", ErrProcessing, r)
		}
	}()

	text := receipt.Render(ord)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := io.WriteString(s.out, text); err != nil {
		return fmt.Errorf("%w: %w", ErrProcessing, err)
	}

	return nil
}
