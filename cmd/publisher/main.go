package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/corray333/backend-labs/ingest/internal/config"
	"github.com/corray333/backend-labs/ingest/internal/dal/queue"
	"github.com/corray333/backend-labs/ingest/internal/service/models/order"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func main() {
	sample := flag.Bool("sample", false, "publish a generated sample order instead of reading stdin")
	raw := flag.Bool("raw", false, "publish stdin as-is without validating it as an order")
	count := flag.Int("n", 1, "number of copies to publish")
	flag.Parse()

	config.MustInit()

	if err := run(context.Background(), config.Get().Queue, os.Stdin, *sample, *raw, *count); err != nil {
		slog.Error("Failed to publish", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg queue.Config, in io.Reader, sample, raw bool, count int) error {
	body, err := payload(in, sample, raw)
	if err != nil {
		return err
	}

	pub, err := queue.OpenPublisher(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := pub.Close(); err != nil {
			slog.Error("Failed to close publisher", "error", err)
		}
	}()

	for i := 0; i < count; i++ {
		if err := pub.Publish(ctx, body); err != nil {
			return fmt.Errorf("publish %d/%d: %w", i+1, count, err)
		}
	}

	slog.Info("Published orders", "driver", cfg.Driver, "queue", cfg.Name, "count", count, "size", len(body))

	return nil
}

func payload(in io.Reader, sample, raw bool) ([]byte, error) {
	if sample {
		return order.Encode(sampleOrder(time.Now()))
	}

	body, err := io.ReadAll(in)
	if err != nil {
		return nil, fmt.Errorf("read stdin: %w", err)
	}

	if !raw {
		if _, err := order.Decode(body); err != nil {
			return nil, err
		}
	}

	return body, nil
}

func sampleOrder(now time.Time) order.Order {
	price := decimal.RequireFromString("10.00")
	subtotal := price.Mul(decimal.NewFromInt(2))
	tax := subtotal.Mul(decimal.RequireFromString("0.08")).Round(2)
	shipping := decimal.RequireFromString("5.00")

	return order.Order{
		OrderID:           uuid.NewString(),
		OrderDate:         order.NewTimestamp(now.UTC().Truncate(time.Second)),
		CustomerSessionID: uuid.NewString(),
		Items: []order.OrderItem{
			{
				ProductID:   1,
				ProductName: "Widget",
				SKU:         "W-1",
				Price:       price,
				Quantity:    2,
				Subtotal:    subtotal,
			},
		},
		Subtotal: subtotal,
		Tax:      tax,
		Shipping: shipping,
		Total:    subtotal.Add(tax).Add(shipping),
	}
}
