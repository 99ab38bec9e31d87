package utils

import (
	"fmt"
	"math"
	"strings"
)

// FormatPrice formats a signed price with the precision implied by the
// tick increment. A 0.05 tick prints two decimals, a 0.001 tick three.
func FormatPrice(price, increment float64) string {
	decimals := 2
	if increment > 0 {
		decimals = int(math.Ceil(-math.Log10(increment)))
		if decimals < 0 {
			decimals = 0
		}
		if decimals > 6 {
			decimals = 6
		}
	}
	return fmt.Sprintf("%.*f", decimals, price)
}

// FormatCurrency formats a dollar amount with thousands separators.
func FormatCurrency(amount float64) string {
	negative := amount < 0
	if negative {
		amount = -amount
	}

	str := fmt.Sprintf("%.2f", amount)
	parts := strings.Split(str, ".")
	formatted := groupThousands(parts[0])

	result := "$" + formatted + "." + parts[1]
	if negative {
		result = "-" + result
	}
	return result
}

func groupThousands(s string) string {
	n := len(s)
	if n <= 3 {
		return s
	}
	result := s[n-3:]
	s = s[:n-3]
	for len(s) > 3 {
		result = s[len(s)-3:] + "," + result
		s = s[:len(s)-3]
	}
	return s + "," + result
}

// FormatPercent formats a percentage with sign.
func FormatPercent(value float64) string {
	sign := ""
	if value > 0 {
		sign = "+"
	}
	return fmt.Sprintf("%s%.2f%%", sign, value)
}

// FormatPnL formats P&L with an explicit sign for gains.
func FormatPnL(pnl float64) string {
	formatted := FormatCurrency(pnl)
	if pnl > 0 {
		return "+" + formatted
	}
	return formatted
}

// FormatQuantity formats a quantity with commas.
func FormatQuantity(qty int64) string {
	s := fmt.Sprintf("%d", qty)
	negative := strings.HasPrefix(s, "-")
	if negative {
		s = s[1:]
	}
	s = groupThousands(s)
	if negative {
		s = "-" + s
	}
	return s
}
