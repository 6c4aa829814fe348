// Package receipt renders orders as fixed-width text receipts.
package receipt

import (
	"fmt"
	"strings"

	"github.com/corray333/backend-labs/ingest/internal/service/models/order"
	"github.com/shopspring/decimal"
)

// Width is the number of columns of the receipt borders.
const Width = 50

const noItems = "(No items)"

// Render formats ord as a multi-line receipt. The output depends only on ord.
func Render(ord order.Order) string {
	border := strings.Repeat("=", Width)
	divider := strings.Repeat("-", Width)

	var b strings.Builder

	b.WriteString(border + "\n")
	b.WriteString(center("ORDER RECEIVED", Width) + "\n")
	b.WriteString(border + "\n")
	fmt.Fprintf(&b, "Order ID: %s\n", ord.OrderID)
	fmt.Fprintf(&b, "Order Date: %s\n", ord.OrderDate.Format(order.DateLayout))
	fmt.Fprintf(&b, "Customer Session: %s\n", ord.CustomerSessionID)
	b.WriteString(divider + "\n")

	b.WriteString("Items:\n")
	if len(ord.Items) == 0 {
		b.WriteString("  " + noItems + "\n")
	}
	for _, item := range ord.Items {
		fmt.Fprintf(&b, "  %s\n", item.ProductName)
		fmt.Fprintf(&b, "    SKU: %s | Product ID: %d\n", item.SKU, item.ProductID)
		fmt.Fprintf(&b, "    Quantity: %d × %s = %s\n", item.Quantity, Money(item.Price), Money(item.Subtotal))
	}
	b.WriteString(divider + "\n")

	fmt.Fprintf(&b, "Subtotal: %s\n", Money(ord.Subtotal))
	fmt.Fprintf(&b, "Tax: %s\n", Money(ord.Tax))
	fmt.Fprintf(&b, "Shipping: %s\n", Money(ord.Shipping))
	b.WriteString(divider + "\n")
	fmt.Fprintf(&b, "TOTAL: %s\n", Money(ord.Total))
	b.WriteString(border + "\n")

	return b.String()
}

// Money formats an amount in dollars with exactly two decimals, e.g. $10.00 or -$5.00.
func Money(d decimal.Decimal) string {
	d = d.Round(2)
	if d.IsNegative() {
		return "-$" + d.Neg().StringFixed(2)
	}

	return "$" + d.StringFixed(2)
}

func center(s string, width int) string {
	pad := width - len(s)
	if pad <= 0 {
		return s
	}

	return strings.Repeat(" ", pad/2) + s
}
