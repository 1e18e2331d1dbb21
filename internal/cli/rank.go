package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"order-settlement-engine/internal/app"
)

var rankCmd = &cobra.Command{
	Use:   "rank <order-id>",
	Short: "Print the current provider ranking for an order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if args[0] == "" {
			return fmt.Errorf("order id is required")
		}
		return getApp().Rank(cmd.Context(), app.RankOptions{OrderID: args[0]})
	},
}
