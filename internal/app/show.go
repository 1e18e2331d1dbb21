package app

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"order-settlement-engine/internal/domain"
)

// Show prints recent orders.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	backend, err := a.openBackend(ctx)
	if err != nil {
		return err
	}
	defer backend.Close()

	orders, err := backend.ListRecentOrders(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(orders) == 0 {
		fmt.Fprintln(os.Stdout, "no orders found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Created (UTC)\tOrder\tCurrency\tAmount\tTier\tStatus\tExpires")

	for _, order := range orders {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			order.CreatedAt.UTC().Format(time.RFC3339),
			shortHash(order.OrderID),
			order.Currency,
			order.Amount.String(),
			order.Tier,
			order.Status,
			formatExpiry(order),
		)
	}

	writer.Flush()
	return nil
}

func formatExpiry(order domain.Order) string {
	if order.ExpiresAt == nil {
		return "-"
	}
	return order.ExpiresAt.UTC().Format(time.RFC3339)
}

func shortHash(h interface{ Hex() string }) string {
	hex := h.Hex()
	if len(hex) <= 14 {
		return hex
	}
	return hex[:10] + ".." + hex[len(hex)-4:]
}
