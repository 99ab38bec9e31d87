package cli

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"tws-trailstop/internal/models"
	"tws-trailstop/pkg/utils"
)

// addStatusCommands adds the status and positions commands.
func addStatusCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newStatusCmd(app))
	rootCmd.AddCommand(newPositionsCmd(app))
}

func newStatusCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show gateway connection and cache status",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			state := app.Broker.State()
			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"connection":    string(state),
					"rule_entries":  app.Rules.Len(),
					"hours_entries": app.Hours.Len(),
				})
			}

			output.Bold("Gateway")
			label := string(state)
			switch state {
			case models.StateConnected:
				label = output.Green(label)
			case models.StateConnecting:
				label = output.Yellow(label)
			default:
				label = output.Red(label)
			}
			output.Printf("  Connection:   %s\n", label)
			output.Printf("  Host:         %s:%d\n", app.Config.Gateway.Host, app.Config.Gateway.Port)
			output.Printf("  Account:      %s\n", app.Config.Gateway.Account)
			output.Println()

			output.Bold("Caches")
			output.Printf("  Price rules:  %d\n", app.Rules.Len())
			output.Printf("  Hours:        %d\n", app.Hours.Len())
			return nil
		},
	}
}

func newPositionsCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "positions",
		Short: "Show portfolio positions at the broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			if err := app.Broker.Connect(ctx); err != nil {
				return err
			}
			positions, err := waitPositions(ctx, app)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(positions)
			}
			if len(positions) == 0 {
				output.Dim("No positions")
				return nil
			}

			table := NewTable(output, "CONID", "SYMBOL", "TYPE", "QTY", "AVG COST", "MKT PRICE", "VALUE", "PNL")
			for _, p := range positions {
				table.AddRow(
					strconv.FormatInt(p.Contract.ConID, 10),
					p.Contract.Symbol,
					string(p.Contract.SecType),
					utils.FormatQuantity(int64(p.Quantity)),
					fmt.Sprintf("%.2f", p.AvgCost),
					fmt.Sprintf("%.2f", p.MarketPrice),
					utils.FormatCurrency(p.MarketValue),
					output.FormatPnL(p.UnrealizedPnL),
				)
			}
			table.Render()
			return nil
		},
	}
}
