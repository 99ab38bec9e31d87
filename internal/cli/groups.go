package cli

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"tws-trailstop/internal/errors"
	"tws-trailstop/internal/models"
	"tws-trailstop/internal/stops"
	"tws-trailstop/pkg/utils"
)

// addGroupCommands adds the group management command tree.
func addGroupCommands(rootCmd *cobra.Command, app *App) {
	cmd := &cobra.Command{
		Use:   "group",
		Short: "Manage trailing stop groups",
		Long:  "Create, inspect, arm and remove trailing stop groups.",
	}

	cmd.AddCommand(newGroupAddCmd(app))
	cmd.AddCommand(newGroupListCmd(app))
	cmd.AddCommand(newGroupShowCmd(app))
	cmd.AddCommand(newGroupArmCmd(app))
	cmd.AddCommand(newGroupRemoveCmd(app))
	cmd.AddCommand(newGroupEventsCmd(app))

	rootCmd.AddCommand(cmd)
}

func newGroupAddCmd(app *App) *cobra.Command {
	var (
		name        string
		conIDs      []int64
		trailValue  float64
		trailMode   string
		trigger     string
		stopType    string
		limitOffset float64
		timeExit    string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a group from portfolio positions",
		Long: `Create a trailing stop group from positions currently held at the broker.
Legs are matched by contract ID; quantities and fill prices come from the
portfolio. Trail settings default to the configured values.`,
		Example: `  trailstop group add --name "spx spread" --conid 1001 --conid 1002
  trailstop group add --conid 2001 --trail 20 --mode percent --stop limit --limit-offset 0.10`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if app.Store == nil {
				return fmt.Errorf("store unavailable")
			}
			if len(conIDs) == 0 {
				return fmt.Errorf("at least one --conid is required")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			if err := app.Broker.Connect(ctx); err != nil {
				return err
			}
			positions, err := waitPositions(ctx, app)
			if err != nil {
				return err
			}

			legs, err := legsFromPositions(positions, conIDs)
			if err != nil {
				return err
			}

			g := &models.Group{
				ID:               uuid.NewString(),
				Name:             name,
				Legs:             legs,
				TrailMode:        models.TrailMode(trailMode),
				TrailValue:       trailValue,
				TriggerPriceType: models.TriggerPriceType(trigger),
				StopType:         models.StopType(stopType),
				LimitOffset:      limitOffset,
				State:            models.GroupInactive,
				CreatedAt:        time.Now(),
			}
			if timeExit != "" {
				g.TimeExitEnabled = true
				g.TimeExitAt = timeExit
				g.OCAGroupID = "trailstop-" + g.ID[:8]
			}
			g.IsCredit = entryCost(legs) < 0

			if err := app.Store.SaveGroup(ctx, g); err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(g)
			}
			output.Success("Group %s created (%d legs, %s)", g.ID, len(legs), direction(g.IsCredit))
			return nil
		},
	}

	defaults := app.Config.Trail
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().Int64SliceVar(&conIDs, "conid", nil, "contract ID of a leg (repeatable)")
	cmd.Flags().Float64Var(&trailValue, "trail", defaults.Value, "trail distance")
	cmd.Flags().StringVar(&trailMode, "mode", defaults.Mode, "trail mode: percent or absolute")
	cmd.Flags().StringVar(&trigger, "trigger", defaults.TriggerPriceType, "trigger price: mark, mid, bid, ask, last")
	cmd.Flags().StringVar(&stopType, "stop", defaults.StopType, "stop type: market or limit")
	cmd.Flags().Float64Var(&limitOffset, "limit-offset", defaults.LimitOffset, "stop-limit offset")
	cmd.Flags().StringVar(&timeExit, "time-exit", "", "flatten at HH:MM exchange time")
	return cmd
}

// waitPositions fetches positions with backoff, riding out the gateway's
// asynchronous connect.
func waitPositions(ctx context.Context, app *App) ([]models.PortfolioPosition, error) {
	cfg := utils.RetryConfig{
		MaxAttempts:   60,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      500 * time.Millisecond,
		BackoffFactor: 1.5,
	}
	return utils.RetryWithResult(ctx, cfg, func() ([]models.PortfolioPosition, error) {
		if app.Broker.State() != models.StateConnected {
			return nil, errors.ErrNotConnected
		}
		return app.Broker.Positions(ctx)
	})
}

func legsFromPositions(positions []models.PortfolioPosition, conIDs []int64) ([]models.Leg, error) {
	byConID := make(map[int64]models.PortfolioPosition, len(positions))
	for _, p := range positions {
		byConID[p.Contract.ConID] = p
	}

	legs := make([]models.Leg, 0, len(conIDs))
	for _, id := range conIDs {
		p, ok := byConID[id]
		if !ok {
			return nil, fmt.Errorf("no position for conId %d", id)
		}
		multiplier := p.Contract.Multiplier
		if multiplier == 0 {
			multiplier = 1
		}
		// FillPrice carries the per-unit magnitude; direction lives in Quantity.
		fill := math.Abs(p.AvgCost) / float64(multiplier)
		legs = append(legs, models.Leg{
			Contract:   p.Contract,
			Quantity:   p.Quantity,
			Multiplier: multiplier,
			FillPrice:  fill,
		})
	}
	return legs, nil
}

// entryCost is the signed per-unit entry of a set of legs.
func entryCost(legs []models.Leg) float64 {
	total := 0.0
	for _, leg := range legs {
		total += leg.FillPrice * leg.Quantity * float64(leg.Multiplier)
	}
	return total
}

func direction(credit bool) string {
	if credit {
		return "credit"
	}
	return "debit"
}

func newGroupListCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List trailing stop groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if app.Store == nil {
				return fmt.Errorf("store unavailable")
			}
			groups, err := app.Store.ListGroups(cmd.Context())
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(groups)
			}
			if len(groups) == 0 {
				output.Dim("No groups")
				return nil
			}

			table := NewTable(output, "ID", "NAME", "LEGS", "DIR", "TRAIL", "STATE", "WATERMARK", "ORDER")
			for _, g := range groups {
				trail := fmt.Sprintf("%.2f", g.TrailValue)
				if g.TrailMode == models.TrailPercent {
					trail = fmt.Sprintf("%.1f%%", g.TrailValue)
				}
				wm := "-"
				if p := g.Watermark(); p != nil {
					wm = utils.FormatPrice(*p, g.FirstLeg().Contract.MinTick)
				}
				order := "-"
				if g.StopOrderID != 0 {
					order = strconv.FormatInt(g.StopOrderID, 10)
				}
				table.AddRow(shortID(g.ID), g.Name, strconv.Itoa(len(g.Legs)),
					direction(g.IsCredit), trail, string(g.State), wm, order)
			}
			table.Render()
			return nil
		},
	}
}

func newGroupShowCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "show <group-id>",
		Short: "Show group details and live metrics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			g, err := findGroup(cmd.Context(), app, args[0])
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(g)
			}

			output.Bold("%s  (%s)", displayName(g), g.ID)
			output.Printf("  Direction:  %s\n", direction(g.IsCredit))
			output.Printf("  State:      %s\n", g.State)
			trailUnit := ""
			if g.TrailMode == models.TrailPercent {
				trailUnit = "%"
			}
			output.Printf("  Trail:      %.2f%s (%s, trigger %s)\n", g.TrailValue, trailUnit, g.TrailMode, g.TriggerPriceType)
			if p := g.Watermark(); p != nil {
				output.Printf("  Watermark:  %.2f\n", *p)
			}
			if g.StopOrderID != 0 {
				output.Printf("  Stop order: %d\n", g.StopOrderID)
			}
			if g.TimeExitEnabled {
				output.Printf("  Time exit:  %s\n", g.TimeExitAt)
			}
			output.Println()

			table := NewTable(output, "CONID", "SYMBOL", "TYPE", "STRIKE", "RIGHT", "QTY", "FILL")
			for _, leg := range g.Legs {
				table.AddRow(
					strconv.FormatInt(leg.Contract.ConID, 10),
					leg.Contract.Symbol,
					string(leg.Contract.SecType),
					fmt.Sprintf("%.2f", leg.Contract.Strike),
					leg.Contract.Right,
					fmt.Sprintf("%+.0f", leg.Quantity),
					utils.FormatPrice(leg.FillPrice, leg.Contract.MinTick),
				)
			}
			table.Render()

			showLiveMetrics(cmd.Context(), output, app, g)
			return nil
		},
	}
}

// showLiveMetrics prints current valuations when the broker is reachable.
func showLiveMetrics(ctx context.Context, output *Output, app *App, g *models.Group) {
	if app.Broker.State() != models.StateConnected {
		return
	}
	legQuotes := make([]stops.LegQuote, 0, len(g.Legs))
	for _, leg := range g.Legs {
		q, err := app.Broker.Snapshot(ctx, leg.Contract)
		if err != nil {
			return
		}
		legQuotes = append(legQuotes, stops.LegQuote{Leg: leg, Quote: q})
	}
	m := stops.ComputeMetrics(legQuotes, g.TriggerPriceType)

	output.Println()
	output.Bold("Live")
	output.Printf("  Mark:    %.2f   Mid: %.2f   Bid: %.2f   Ask: %.2f\n", m.Mark, m.Mid, m.Bid, m.Ask)
	output.Printf("  Entry:   %.2f\n", m.Entry)
	pct := 0.0
	if m.TotalEntryCost != 0 {
		pct = m.PnL / math.Abs(m.TotalEntryCost) * 100
	}
	output.Printf("  PnL:     %s (%s)\n", output.FormatPnL(m.PnL), utils.FormatPercent(pct))
}

func newGroupArmCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "arm <group-id>",
		Short: "Activate a group for monitoring",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			g, err := findGroup(cmd.Context(), app, args[0])
			if err != nil {
				return err
			}
			if g.State != models.GroupInactive {
				return fmt.Errorf("group %s is %s, only INACTIVE groups can be armed", shortID(g.ID), g.State)
			}
			g.State = models.GroupActive
			if err := app.Store.SaveGroup(cmd.Context(), g); err != nil {
				return err
			}
			output.Success("Group %s armed", shortID(g.ID))
			return nil
		},
	}
}

func newGroupRemoveCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <group-id>",
		Aliases: []string{"remove"},
		Short:   "Remove a group and its journal",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			g, err := findGroup(cmd.Context(), app, args[0])
			if err != nil {
				return err
			}
			if g.StopOrderID != 0 && !g.State.Terminal() {
				if app.Broker.State() == models.StateConnected {
					cancelGroupOrders(cmd.Context(), output, app, g)
				} else {
					output.Warning("Group %s still has working order %d; cancel it at the broker first", shortID(g.ID), g.StopOrderID)
				}
			}
			if err := app.Store.DeleteGroup(cmd.Context(), g.ID); err != nil {
				return err
			}
			output.Success("Group %s removed", shortID(g.ID))
			return nil
		},
	}
}

// cancelGroupOrders cancels a group's working orders at the broker: the OCA
// set when one exists, otherwise each order individually.
func cancelGroupOrders(ctx context.Context, output *Output, app *App, g *models.Group) {
	if g.OCAGroupID != "" {
		if err := app.Broker.CancelOCAGroup(ctx, g.OCAGroupID); err != nil {
			output.Warning("OCA cancel failed for group %s: %v", shortID(g.ID), err)
		}
		return
	}
	for _, orderID := range []int64{g.StopOrderID, g.TimeExitOrderID} {
		if orderID == 0 {
			continue
		}
		if err := app.Broker.CancelOrder(ctx, orderID); err != nil {
			output.Warning("Cancel failed for order %d: %v", orderID, err)
		}
	}
}

func newGroupEventsCmd(app *App) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "events <group-id>",
		Short: "Show the stop event journal for a group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			g, err := findGroup(cmd.Context(), app, args[0])
			if err != nil {
				return err
			}
			events, err := app.Store.GetEvents(cmd.Context(), g.ID, limit)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(events)
			}

			table := NewTable(output, "TIME", "KIND", "PRICE", "WATERMARK", "STOP", "ORDER")
			for _, ev := range events {
				table.AddRow(
					ev.Timestamp.Format("15:04:05"),
					string(ev.Kind),
					fmt.Sprintf("%.2f", ev.Price),
					fmt.Sprintf("%.2f", ev.Watermark),
					fmt.Sprintf("%.2f", ev.StopPrice),
					strconv.FormatInt(ev.OrderID, 10),
				)
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum events to show")
	return cmd
}

// findGroup resolves a full or prefix group ID.
func findGroup(ctx context.Context, app *App, id string) (*models.Group, error) {
	if app.Store == nil {
		return nil, fmt.Errorf("store unavailable")
	}
	groups, err := app.Store.ListGroups(ctx)
	if err != nil {
		return nil, err
	}
	var match *models.Group
	for _, g := range groups {
		if g.ID == id {
			return g, nil
		}
		if strings.HasPrefix(g.ID, id) {
			if match != nil {
				return nil, fmt.Errorf("group ID %q is ambiguous", id)
			}
			match = g
		}
	}
	if match == nil {
		return nil, fmt.Errorf("group %q not found", id)
	}
	return match, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func displayName(g *models.Group) string {
	if g.Name != "" {
		return g.Name
	}
	return g.Symbol()
}
