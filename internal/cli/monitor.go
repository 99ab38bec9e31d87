package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"tws-trailstop/internal/broker"
	"tws-trailstop/internal/models"
	"tws-trailstop/internal/monitor"
)

// addMonitorCommands adds the monitor run command.
func addMonitorCommands(rootCmd *cobra.Command, app *App) {
	var tickInterval time.Duration

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Run the trailing stop monitor",
		Long: `Load all groups from the store, connect to the gateway and run the trailing
stop loop until interrupted. Armed groups get a stop order placed on the
first price sample and re-priced as their watermark advances.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if app.Store == nil {
				return fmt.Errorf("store unavailable")
			}

			cfg := monitor.DefaultConfig()
			if tickInterval > 0 {
				cfg.TickInterval = tickInterval
			}
			mon := monitor.New(cfg, app.Broker, app.Rules, app.Hours, app.Store, app.Logger)

			groups, err := app.Store.ListGroups(cmd.Context())
			if err != nil {
				return err
			}
			active := 0
			for _, g := range groups {
				if g.State.Terminal() && g.State != models.GroupInactive {
					continue
				}
				mon.AddGroup(g)
				if g.IsActive() {
					active++
				}
			}
			output.Info("Monitoring %d groups (%d active)", len(mon.Groups()), active)

			// The gateway warms its caches from the monitor's contract set
			// and reconciles working orders on every reconnect.
			if gw, ok := app.Broker.(*broker.GatewayClient); ok {
				gw.SetContractSource(mon.Contracts)
				gw.OnReconcile(mon.Reconcile)
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if err := app.Broker.Connect(ctx); err != nil {
				return err
			}
			defer app.Broker.Disconnect()

			err = mon.Run(ctx)
			if err == context.Canceled {
				output.Println()
				output.Info("Monitor stopped")
				return nil
			}
			return err
		},
	}

	cmd.Flags().DurationVar(&tickInterval, "interval", 0, "price sampling interval (default 1s)")
	rootCmd.AddCommand(cmd)
}
