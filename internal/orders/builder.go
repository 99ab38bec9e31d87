// Package orders builds broker order payloads from group and stop engine
// state, applying the venue's sign and combo action conventions.
package orders

import (
	"math"

	"github.com/rs/zerolog"

	"tws-trailstop/internal/models"
)

// Builder assembles OrderIntents. It holds no state beyond a logger; every
// intent is rebuilt from scratch on each tick-driven modification.
type Builder struct {
	logger zerolog.Logger
}

// NewBuilder creates an order builder.
func NewBuilder(logger zerolog.Logger) *Builder {
	return &Builder{logger: logger}
}

// NaturalClosingActions returns the per-leg actions a human would expect
// when closing the group: the opposite of each leg's position direction.
func NaturalClosingActions(legs []models.Leg) []models.LegAction {
	actions := make([]models.LegAction, len(legs))
	for i, leg := range legs {
		action := models.OrderSideSell
		if !leg.IsLong() {
			action = models.OrderSideBuy
		}
		actions[i] = models.LegAction{
			ConID:  leg.Contract.ConID,
			Ratio:  legRatio(leg, legs),
			Action: action,
		}
	}
	return actions
}

// PreInvertLegActions flips every leg action once before submission.
//
// The venue inverts all leg actions of a combo order whose parent action is
// SELL, and every closing combo here is submitted as SELL with the economic
// direction carried by the price sign. Submitting the natural actions
// directly therefore yields swapped legs; submitting the pre-inverted
// actions lets the venue's inversion restore the natural mapping. This is
// an external protocol quirk kept as its own named transformation so a
// protocol change stays isolated here.
func PreInvertLegActions(actions []models.LegAction) []models.LegAction {
	inverted := make([]models.LegAction, len(actions))
	for i, a := range actions {
		inverted[i] = models.LegAction{
			ConID:  a.ConID,
			Ratio:  a.Ratio,
			Action: a.Action.Opposite(),
		}
	}
	return inverted
}

// BuildStopOrder assembles the stop order payload for a group at the given
// broker-legal stop price. stopPrice and limitPrice are signed: positive is
// a debit (proceeds received on close), negative a credit (cost paid).
// Prices must already be rounded to the contract's tick.
func (b *Builder) BuildStopOrder(g *models.Group, stopPrice, limitPrice float64) models.OrderIntent {
	orderType := models.OrderTypeStop
	if g.StopType == models.StopLimit {
		orderType = models.OrderTypeStopLimit
	}

	if len(g.Legs) == 1 {
		return b.buildSingleLegStop(g, orderType, stopPrice, limitPrice)
	}
	return b.buildComboStop(g, orderType, stopPrice, limitPrice)
}

// buildSingleLegStop closes one leg: long positions sell, short positions
// buy. Single-leg prices are unsigned magnitudes at the venue.
func (b *Builder) buildSingleLegStop(g *models.Group, orderType models.OrderType, stopPrice, limitPrice float64) models.OrderIntent {
	leg := g.Legs[0]
	side := models.OrderSideSell
	if !leg.IsLong() {
		side = models.OrderSideBuy
	}
	intent := models.OrderIntent{
		GroupID:    g.ID,
		Contract:   leg.Contract,
		Side:       side,
		Type:       orderType,
		Quantity:   int(math.Abs(leg.Quantity)),
		AuxPrice:   math.Abs(stopPrice),
		OCAGroupID: g.OCAGroupID,
		Transmit:   true,
	}
	if orderType == models.OrderTypeStopLimit {
		intent.LimitPrice = math.Abs(limitPrice)
	}
	b.logger.Debug().
		Str("group_id", g.ID).
		Str("side", string(side)).
		Float64("aux_price", intent.AuxPrice).
		Msg("Built single-leg stop order")
	return intent
}

// buildComboStop closes a multi-leg group. All closing combo orders are
// submitted as SELL regardless of economic direction; the signed price
// carries credit vs debit, and the leg actions are pre-inverted.
func (b *Builder) buildComboStop(g *models.Group, orderType models.OrderType, stopPrice, limitPrice float64) models.OrderIntent {
	legActions := PreInvertLegActions(NaturalClosingActions(g.Legs))
	intent := models.OrderIntent{
		GroupID:    g.ID,
		Contract:   ComboContract(g, legActions),
		Side:       models.OrderSideSell,
		Type:       orderType,
		Quantity:   g.NumUnits(),
		AuxPrice:   stopPrice,
		LegActions: legActions,
		OCAGroupID: g.OCAGroupID,
		Transmit:   true,
	}
	if orderType == models.OrderTypeStopLimit {
		intent.LimitPrice = limitPrice
	}
	b.logger.Debug().
		Str("group_id", g.ID).
		Int("legs", len(legActions)).
		Float64("aux_price", intent.AuxPrice).
		Bool("is_credit", g.IsCredit).
		Msg("Built combo stop order")
	return intent
}

// BuildTimeExitOrder assembles the market order that flattens the group at
// its configured exit time. It joins the group's OCA set so a stop fill
// cancels it, except for combos: OCA grouping does not function for BAG
// contracts at the venue, so combo time exits are placed ungrouped. That
// leaves a double-fill risk which is surfaced in the log rather than
// masked.
func (b *Builder) BuildTimeExitOrder(g *models.Group) models.OrderIntent {
	if len(g.Legs) == 1 {
		leg := g.Legs[0]
		side := models.OrderSideSell
		if !leg.IsLong() {
			side = models.OrderSideBuy
		}
		return models.OrderIntent{
			GroupID:    g.ID,
			Contract:   leg.Contract,
			Side:       side,
			Type:       models.OrderTypeMarket,
			Quantity:   int(math.Abs(leg.Quantity)),
			OCAGroupID: g.OCAGroupID,
			Transmit:   true,
		}
	}

	legActions := PreInvertLegActions(NaturalClosingActions(g.Legs))
	b.logger.Warn().
		Str("group_id", g.ID).
		Msg("OCA grouping unavailable for combo contracts; time exit placed ungrouped")
	return models.OrderIntent{
		GroupID:    g.ID,
		Contract:   ComboContract(g, legActions),
		Side:       models.OrderSideSell,
		Type:       models.OrderTypeMarket,
		Quantity:   g.NumUnits(),
		LegActions: legActions,
		OCAGroupID: "", // BAG orders reject OCA membership
		Transmit:   true,
	}
}

// ComboContract builds the BAG contract reference for a group from its legs
// and the actions they will be submitted with.
func ComboContract(g *models.Group, actions []models.LegAction) models.ContractRef {
	first := g.Legs[0].Contract
	legs := make([]models.ComboLeg, len(actions))
	for i, a := range actions {
		legs[i] = models.ComboLeg{
			ConID:    a.ConID,
			Ratio:    a.Ratio,
			Action:   a.Action,
			Exchange: g.Legs[i].Contract.Exchange,
		}
	}
	return models.ContractRef{
		Symbol:    first.Symbol,
		SecType:   models.SecTypeCombo,
		Exchange:  first.Exchange,
		Currency:  first.Currency,
		ComboLegs: legs,
	}
}

// legRatio reduces a leg's quantity to its per-unit ratio.
func legRatio(leg models.Leg, legs []models.Leg) int {
	g := &models.Group{Legs: legs}
	units := g.NumUnits()
	ratio := int(math.Abs(leg.Quantity)) / units
	if ratio < 1 {
		ratio = 1
	}
	return ratio
}
