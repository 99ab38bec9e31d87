// Package models provides domain models for the trailing stop engine.
package models

import "time"

// SecType identifies the security type of a contract.
type SecType string

const (
	SecTypeStock        SecType = "STK"
	SecTypeOption       SecType = "OPT"
	SecTypeFuture       SecType = "FUT"
	SecTypeFutureOption SecType = "FOP"
	SecTypeCombo        SecType = "BAG"
)

// OrderSide represents the side of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// Opposite returns the other side.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderType represents the type of an order.
type OrderType string

const (
	OrderTypeStop      OrderType = "STP"
	OrderTypeStopLimit OrderType = "STP LMT"
	OrderTypeMarket    OrderType = "MKT"
	OrderTypeLimit     OrderType = "LMT"
)

// TriggerPriceType selects which quote field drives the trailing stop.
type TriggerPriceType string

const (
	TriggerMark TriggerPriceType = "mark"
	TriggerMid  TriggerPriceType = "mid"
	TriggerBid  TriggerPriceType = "bid"
	TriggerAsk  TriggerPriceType = "ask"
	TriggerLast TriggerPriceType = "last"
)

// TrailMode tags how TrailValue is interpreted.
type TrailMode string

const (
	TrailPercent  TrailMode = "percent"
	TrailAbsolute TrailMode = "absolute"
)

// StopType selects between stop-market and stop-limit exits.
type StopType string

const (
	StopMarket StopType = "market"
	StopLimit  StopType = "limit"
)

// ComboLeg is one leg of a BAG contract as the venue encodes it.
type ComboLeg struct {
	ConID    int64
	Ratio    int
	Action   OrderSide
	Exchange string
}

// ContractRef identifies a contract at the venue. For combos the leg
// references are carried so tick-size resolution can delegate.
type ContractRef struct {
	ConID      int64
	Symbol     string
	SecType    SecType
	Exchange   string
	Currency   string
	Expiry     string // YYYYMMDD, empty for stock
	Strike     float64
	Right      string // "C", "P" or ""
	Multiplier int
	MinTick    float64
	ComboLegs  []ComboLeg
}

// IsCombo reports whether the contract is a multi-leg BAG.
func (c ContractRef) IsCombo() bool {
	return c.SecType == SecTypeCombo
}

// HoursKey returns the trading-hours cache key for this contract.
func (c ContractRef) HoursKey() string {
	return c.Symbol + "_" + string(c.SecType)
}

// PortfolioPosition is one position reported by the venue.
type PortfolioPosition struct {
	Contract      ContractRef
	Quantity      float64
	AvgCost       float64
	MarketPrice   float64
	MarketValue   float64
	UnrealizedPnL float64
}

// QuoteData is one market data sample for a contract.
type QuoteData struct {
	ConID     int64
	Bid       float64
	Ask       float64
	Last      float64
	Mark      float64
	Timestamp time.Time
}

// Mid returns the bid/ask midpoint, or zero when either side is missing.
func (q QuoteData) Mid() float64 {
	if q.Bid > 0 && q.Ask > 0 {
		return (q.Bid + q.Ask) / 2
	}
	return 0
}

// Price returns the quote field selected by the trigger price type.
func (q QuoteData) Price(t TriggerPriceType) float64 {
	switch t {
	case TriggerBid:
		return q.Bid
	case TriggerAsk:
		return q.Ask
	case TriggerMid:
		return q.Mid()
	case TriggerLast:
		return q.Last
	default:
		return q.Mark
	}
}

// ConnectionState represents the broker session state.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "DISCONNECTED"
	StateConnecting   ConnectionState = "CONNECTING"
	StateConnected    ConnectionState = "CONNECTED"
)
