package orders

import (
	"github.com/rs/zerolog"

	"tws-trailstop/internal/errors"
	"tws-trailstop/internal/models"
)

// allowedTransitions encodes the group order lifecycle. A group leaves
// INACTIVE when armed, holds ORDER_PLACED while a working stop rests,
// passes through MODIFYING during price updates, and lands in FILLED or
// CANCELLED at the end. UNKNOWN is reachable from any working state when
// reconciliation cannot classify the broker's answer. FILLED and
// CANCELLED have no outgoing edges.
var allowedTransitions = map[models.GroupState][]models.GroupState{
	models.GroupInactive: {
		models.GroupActive,
		models.GroupCancelled,
	},
	models.GroupActive: {
		models.GroupOrderPlaced,
		models.GroupInactive,
		models.GroupCancelled,
		models.GroupUnknown,
	},
	// A resting stop can report Filled without a separate trigger event,
	// so FILLED is reachable from any working state. The ACTIVE edge rolls
	// back a placement the broker rejected.
	models.GroupOrderPlaced: {
		models.GroupModifying,
		models.GroupTriggered,
		models.GroupFilled,
		models.GroupCancelled,
		models.GroupActive,
		models.GroupUnknown,
	},
	models.GroupModifying: {
		models.GroupOrderPlaced,
		models.GroupTriggered,
		models.GroupFilled,
		models.GroupCancelled,
		models.GroupUnknown,
	},
	models.GroupTriggered: {
		models.GroupFilled,
		models.GroupCancelled,
		models.GroupUnknown,
	},
	models.GroupUnknown: {
		models.GroupOrderPlaced,
		models.GroupActive,
		models.GroupCancelled,
		models.GroupFilled,
	},
}

// CanTransition reports whether a group may move between the two states.
// Self-transitions are always permitted.
func CanTransition(from, to models.GroupState) bool {
	if from == to {
		return true
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Advance moves a group to the target state, rejecting any edge the
// lifecycle does not define.
func Advance(g *models.Group, to models.GroupState, logger zerolog.Logger) error {
	if !CanTransition(g.State, to) {
		return errors.Wrapf(errors.ErrOrderTerminal, "group %s cannot move %s -> %s", g.ID, g.State, to)
	}
	if g.State != to {
		logger.Info().
			Str("group_id", g.ID).
			Str("from", string(g.State)).
			Str("to", string(to)).
			Msg("Group state transition")
	}
	g.State = to
	return nil
}

// StateFromOrderStatus maps a broker order status onto the group
// lifecycle. Statuses that do not change the working state return the
// current state unchanged.
func StateFromOrderStatus(current models.GroupState, status models.OrderStatus) models.GroupState {
	switch status {
	case models.OrderStatusFilled:
		return models.GroupFilled
	case models.OrderStatusCancelled, models.OrderStatusInactive:
		return models.GroupCancelled
	case models.OrderStatusSubmitted, models.OrderStatusPreSubmitted:
		if current == models.GroupModifying || current == models.GroupActive || current == models.GroupUnknown {
			return models.GroupOrderPlaced
		}
		return current
	default:
		return models.GroupUnknown
	}
}
