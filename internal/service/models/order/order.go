package order

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout is the layout used to display order dates on receipts.
const DateLayout = "2006-01-02 15:04:05"

// ErrMissingField is returned when a required order field is absent.
var ErrMissingField = errors.New("missing required field")

// Order represents an order message received from the queue.
type Order struct {
	OrderID           string          `json:"orderId"`
	OrderDate         Timestamp       `json:"orderDate"`
	CustomerSessionID string          `json:"customerSessionId"`
	Items             []OrderItem     `json:"items"`
	Subtotal          decimal.Decimal `json:"subtotal"`
	Tax               decimal.Decimal `json:"tax"`
	Shipping          decimal.Decimal `json:"shipping"`
	Total             decimal.Decimal `json:"total"`
}

// OrderItem represents an item within an order.
type OrderItem struct {
	ProductID   int64           `json:"productId"`
	ProductName string          `json:"productName"`
	SKU         string          `json:"sku"`
	Price       decimal.Decimal `json:"price"`
	Quantity    int             `json:"quantity"`
	Subtotal    decimal.Decimal `json:"subtotal"`
}

// Validate checks that the fields every receipt needs are present.
func (o Order) Validate() error {
	if o.OrderID == "" {
		return fmt.Errorf("%w: orderId", ErrMissingField)
	}
	if o.OrderDate.IsZero() {
		return fmt.Errorf("%w: orderDate", ErrMissingField)
	}

	return nil
}

// DecodeError describes a message body that could not be turned into an Order.
// Only the payload size is kept so that logs stay bounded.
type DecodeError struct {
	Size int
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode order (%d bytes): %v", e.Size, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// FieldError reports an order field whose value could not be parsed. It never carries the value.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return e.Field + ": " + e.Reason
}

// Decode parses a raw message body into an Order.
func Decode(raw []byte) (Order, error) {
	var ord Order
	if err := json.Unmarshal(raw, &ord); err != nil {
		return Order{}, &DecodeError{Size: len(raw), Err: summarize(err)}
	}
	if err := ord.Validate(); err != nil {
		return Order{}, &DecodeError{Size: len(raw), Err: err}
	}

	return ord, nil
}

// summarize replaces a json error with a description that holds no part of the payload.
func summarize(err error) error {
	var (
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
		fieldErr  *FieldError
	)

	switch {
	case errors.As(err, &fieldErr):
		return fieldErr
	case errors.As(err, &syntaxErr):
		return fmt.Errorf("invalid json at offset %d", syntaxErr.Offset)
	case errors.As(err, &typeErr):
		kind, _, _ := strings.Cut(typeErr.Value, " ")
		return &FieldError{Field: typeErr.Field, Reason: fmt.Sprintf("cannot decode json %s into %s", kind, typeErr.Type)}
	case strings.HasPrefix(err.Error(), "error decoding"):
		// shopspring/decimal quotes the rejected literal in its message.
		return errors.New("invalid decimal amount")
	default:
		return errors.New("invalid field value")
	}
}

// Encode serializes an Order into the wire format accepted by Decode.
func Encode(ord Order) ([]byte, error) {
	return json.Marshal(ord)
}

// Timestamp is an order date that tolerates the layouts upstream producers emit.
// Values without a zone are taken as UTC.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	DateLayout,
}

// NewTimestamp wraps t.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t}
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}

	return json.Marshal(t.Format(time.RFC3339Nano))
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return &FieldError{Field: "orderDate", Reason: "expected a string"}
	}

	for _, layout := range timestampLayouts {
		parsed, err := time.Parse(layout, s)
		if err == nil {
			t.Time = parsed

			return nil
		}
	}

	return &FieldError{Field: "orderDate", Reason: "unsupported time format"}
}
