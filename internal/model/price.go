package model

import "github.com/shopspring/decimal"

// FormatPrice renders an amount in minor currency units with two decimals.
func FormatPrice(minor int64) string {
	return decimal.New(minor, -2).StringFixed(2)
}
