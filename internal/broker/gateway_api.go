package broker

import (
	"context"
	"encoding/json"
	"time"

	"tws-trailstop/internal/market"
	"tws-trailstop/internal/models"
)

// wireContract is the gateway's contract payload.
type wireContract struct {
	ConID      int64          `json:"conId,omitempty"`
	Symbol     string         `json:"symbol"`
	SecType    string         `json:"secType"`
	Exchange   string         `json:"exchange"`
	Currency   string         `json:"currency,omitempty"`
	Expiry     string         `json:"lastTradeDate,omitempty"`
	Strike     float64        `json:"strike,omitempty"`
	Right      string         `json:"right,omitempty"`
	Multiplier int            `json:"multiplier,omitempty"`
	ComboLegs  []wireComboLeg `json:"comboLegs,omitempty"`
}

type wireComboLeg struct {
	ConID    int64  `json:"conId"`
	Ratio    int    `json:"ratio"`
	Action   string `json:"action"`
	Exchange string `json:"exchange"`
}

func toWireContract(c models.ContractRef) wireContract {
	w := wireContract{
		ConID:      c.ConID,
		Symbol:     c.Symbol,
		SecType:    string(c.SecType),
		Exchange:   c.Exchange,
		Currency:   c.Currency,
		Expiry:     c.Expiry,
		Strike:     c.Strike,
		Right:      c.Right,
		Multiplier: c.Multiplier,
	}
	for _, leg := range c.ComboLegs {
		w.ComboLegs = append(w.ComboLegs, wireComboLeg{
			ConID:    leg.ConID,
			Ratio:    leg.Ratio,
			Action:   string(leg.Action),
			Exchange: leg.Exchange,
		})
	}
	return w
}

// wireOrder is the gateway's order payload.
type wireOrder struct {
	Contract   wireContract `json:"contract"`
	Action     string       `json:"action"`
	OrderType  string       `json:"orderType"`
	Quantity   int          `json:"totalQuantity"`
	AuxPrice   float64      `json:"auxPrice,omitempty"`
	LimitPrice float64      `json:"lmtPrice,omitempty"`
	OCAGroup   string       `json:"ocaGroup,omitempty"`
	OCAType    int          `json:"ocaType,omitempty"`
	Transmit   bool         `json:"transmit"`
}

func toWireOrder(intent models.OrderIntent) wireOrder {
	w := wireOrder{
		Contract:   toWireContract(intent.Contract),
		Action:     string(intent.Side),
		OrderType:  string(intent.Type),
		Quantity:   intent.Quantity,
		AuxPrice:   intent.AuxPrice,
		LimitPrice: intent.LimitPrice,
		OCAGroup:   intent.OCAGroupID,
		Transmit:   intent.Transmit,
	}
	if intent.OCAGroupID != "" {
		w.OCAType = 1 // cancel remaining orders on fill
	}
	return w
}

// Snapshot fetches a one-shot quote for a contract.
func (c *GatewayClient) Snapshot(ctx context.Context, contract models.ContractRef) (models.QuoteData, error) {
	raw, err := c.call(ctx, "md/snapshot", map[string]interface{}{
		"contract": toWireContract(contract),
	})
	if err != nil {
		return models.QuoteData{}, err
	}
	var q struct {
		Bid  float64 `json:"bid"`
		Ask  float64 `json:"ask"`
		Last float64 `json:"last"`
		Mark float64 `json:"markPrice"`
	}
	if err := json.Unmarshal(raw, &q); err != nil {
		return models.QuoteData{}, err
	}
	return models.QuoteData{
		ConID:     contract.ConID,
		Bid:       q.Bid,
		Ask:       q.Ask,
		Last:      q.Last,
		Mark:      q.Mark,
		Timestamp: time.Now(),
	}, nil
}

// Positions fetches the account's portfolio positions.
func (c *GatewayClient) Positions(ctx context.Context) ([]models.PortfolioPosition, error) {
	raw, err := c.call(ctx, "portfolio/positions", map[string]interface{}{
		"account": c.cfg.Account,
	})
	if err != nil {
		return nil, err
	}
	var positions []models.PortfolioPosition
	if err := json.Unmarshal(raw, &positions); err != nil {
		return nil, err
	}
	return positions, nil
}

// wireRuleRow is one bracket of the gateway's price increment response.
type wireRuleRow struct {
	LowEdge   float64 `json:"lowEdge"`
	Increment float64 `json:"increment"`
}

func tableFromRows(rows []wireRuleRow) market.PriceIncrementTable {
	increments := make([]market.PriceIncrement, len(rows))
	for i, row := range rows {
		increments[i] = market.PriceIncrement{LowEdge: row.LowEdge, Increment: row.Increment}
	}
	return market.NewPriceIncrementTable(increments)
}

// FetchMarketRule fetches the price increment ladder for a contract
// through the request channel. Used for on-demand refresh after the
// initial preload.
func (c *GatewayClient) FetchMarketRule(contract models.ContractRef) (market.PriceIncrementTable, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
	defer cancel()
	raw, err := c.call(ctx, "contract/rules", map[string]interface{}{
		"contract": toWireContract(contract),
	})
	if err != nil {
		return nil, err
	}
	var rows []wireRuleRow
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, err
	}
	return tableFromRows(rows), nil
}

// sessionRuleFetcher fetches rules on the raw session during cache warmup,
// before the request channel is open.
type sessionRuleFetcher struct {
	client *GatewayClient
	sess   session
}

func (f sessionRuleFetcher) FetchMarketRule(contract models.ContractRef) (market.PriceIncrementTable, error) {
	params, err := json.Marshal(map[string]interface{}{
		"contract": toWireContract(contract),
	})
	if err != nil {
		return nil, err
	}
	raw, err := f.client.directCall(f.sess, "contract/rules", params)
	if err != nil {
		return nil, err
	}
	var rows []wireRuleRow
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, err
	}
	return tableFromRows(rows), nil
}

// wireHours is the gateway's trading hours response.
type wireHours struct {
	TradingHours string `json:"tradingHours"`
	LiquidHours  string `json:"liquidHours"`
	TimeZoneID   string `json:"timeZoneId"`
}

func (c *GatewayClient) fetchHours(sess session, contract models.ContractRef) (market.HoursEntry, error) {
	params, err := json.Marshal(map[string]interface{}{
		"contract": toWireContract(contract),
	})
	if err != nil {
		return market.HoursEntry{}, err
	}
	raw, err := c.directCall(sess, "contract/hours", params)
	if err != nil {
		return market.HoursEntry{}, err
	}
	var h wireHours
	if err := json.Unmarshal(raw, &h); err != nil {
		return market.HoursEntry{}, err
	}
	return market.HoursEntry{
		CalendarDate: time.Now().Format("20060102"),
		TradingHours: h.TradingHours,
		LiquidHours:  h.LiquidHours,
		TimeZoneID:   h.TimeZoneID,
	}, nil
}

// FetchTradingHours fetches trading hours through the request channel for
// background refresh of flagged cache entries.
func (c *GatewayClient) FetchTradingHours(ctx context.Context, contract models.ContractRef) (market.HoursEntry, error) {
	raw, err := c.call(ctx, "contract/hours", map[string]interface{}{
		"contract": toWireContract(contract),
	})
	if err != nil {
		return market.HoursEntry{}, err
	}
	var h wireHours
	if err := json.Unmarshal(raw, &h); err != nil {
		return market.HoursEntry{}, err
	}
	return market.HoursEntry{
		CalendarDate: time.Now().Format("20060102"),
		TradingHours: h.TradingHours,
		LiquidHours:  h.LiquidHours,
		TimeZoneID:   h.TimeZoneID,
	}, nil
}

// PlaceOrder submits a new order and returns the gateway's order ID.
func (c *GatewayClient) PlaceOrder(ctx context.Context, intent models.OrderIntent) (int64, error) {
	raw, err := c.call(ctx, "order/place", toWireOrder(intent))
	if err != nil {
		return 0, err
	}
	var res struct {
		OrderID int64 `json:"orderId"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return 0, err
	}
	c.logger.Info().
		Str("group_id", intent.GroupID).
		Int64("order_id", res.OrderID).
		Str("action", string(intent.Side)).
		Str("order_type", string(intent.Type)).
		Float64("aux_price", intent.AuxPrice).
		Msg("Order placed")
	return res.OrderID, nil
}

// ModifyOrder resubmits an order under an existing ID with updated prices.
func (c *GatewayClient) ModifyOrder(ctx context.Context, orderID int64, intent models.OrderIntent) error {
	params := struct {
		OrderID int64 `json:"orderId"`
		wireOrder
	}{OrderID: orderID, wireOrder: toWireOrder(intent)}
	_, err := c.call(ctx, "order/modify", params)
	if err != nil {
		return err
	}
	c.logger.Info().
		Str("group_id", intent.GroupID).
		Int64("order_id", orderID).
		Float64("aux_price", intent.AuxPrice).
		Msg("Order modified")
	return nil
}

// CancelOrder cancels a working order.
func (c *GatewayClient) CancelOrder(ctx context.Context, orderID int64) error {
	_, err := c.call(ctx, "order/cancel", map[string]interface{}{"orderId": orderID})
	if err != nil {
		return err
	}
	c.logger.Info().Int64("order_id", orderID).Msg("Order cancelled")
	return nil
}

// CancelOCAGroup cancels every working order in an OCA set.
func (c *GatewayClient) CancelOCAGroup(ctx context.Context, ocaGroupID string) error {
	_, err := c.call(ctx, "order/cancelOca", map[string]interface{}{"ocaGroup": ocaGroupID})
	if err != nil {
		return err
	}
	c.logger.Info().Str("oca_group", ocaGroupID).Msg("OCA group cancelled")
	return nil
}

// OpenOrders fetches the gateway's working orders.
func (c *GatewayClient) OpenOrders(ctx context.Context) ([]models.OpenOrder, error) {
	raw, err := c.call(ctx, "order/open", nil)
	if err != nil {
		return nil, err
	}
	var orders []models.OpenOrder
	if err := json.Unmarshal(raw, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}
