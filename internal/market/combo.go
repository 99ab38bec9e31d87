package market

import "strings"

// The venue reports no contract details for BAG contracts (error 321), so
// combo net-price ticks cannot always be derived from a leg's ladder. This
// per-symbol override ladder covers the exchanges' published complex-order
// rules and is consulted only when leg delegation misses.
//
// Sources: CBOE SPX specifications (complex orders net price in $0.05
// increments even though legs trade in $0.01), CME ES rules, and the Penny
// Pilot program for liquid equity options.

// comboTicks maps an underlying symbol to its combo net-price tick.
var comboTicks = map[string]float64{
	"SPX":  0.05,
	"SPXW": 0.05,
	"ES":   0.05,
	"VIX":  0.05,
	"NDX":  0.05,
	"RUT":  0.05,
}

// pennyPilot holds equity option symbols whose spreads tick in $0.01.
var pennyPilot = map[string]bool{
	"AAPL": true, "AMZN": true, "AMD": true, "GOOGL": true, "GOOG": true,
	"META": true, "MSFT": true, "NVDA": true, "TSLA": true, "SPY": true,
	"QQQ": true, "IWM": true, "DIA": true, "XLF": true, "GLD": true,
	"SLV": true, "NFLX": true, "BA": true, "JPM": true, "BAC": true,
	"C": true, "WFC": true, "GS": true, "XOM": true, "CVX": true,
	"PFE": true, "JNJ": true, "UNH": true, "MRK": true, "ABBV": true,
}

// ComboTickOverride returns the combo net-price tick for a symbol, if one is
// defined by exchange rules.
func ComboTickOverride(symbol string) (float64, bool) {
	s := strings.ToUpper(symbol)
	if tick, ok := comboTicks[s]; ok {
		return tick, true
	}
	if pennyPilot[s] {
		return 0.01, true
	}
	return 0, false
}

// IsPennyPilot reports whether the symbol's spreads tick in $0.01.
func IsPennyPilot(symbol string) bool {
	return pennyPilot[strings.ToUpper(symbol)]
}
