// Package trigger decides whether a price drop from entry crosses the
// configured hedge threshold. Pure, no I/O.
package trigger

import (
	"HedgeLedger/internal/errs"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Evaluation is the result of comparing the current price against entry.
type Evaluation struct {
	CurrentPrice     decimal.Decimal `json:"current_price"`
	EntryPrice       decimal.Decimal `json:"entry_price"`
	ThresholdPercent decimal.Decimal `json:"threshold_percent"`
	DropPercent      decimal.Decimal `json:"drop_percent"` // negative when price rose
	Triggered        bool            `json:"triggered"`
}

// Evaluate computes dropPercent = (entry - current) * 100 / entry and
// triggers strictly above the threshold. Equality does not trigger.
func Evaluate(currentPrice, entryPrice, thresholdPercent decimal.Decimal) (Evaluation, error) {
	const op = "trigger.Evaluate"

	if !currentPrice.IsPositive() {
		return Evaluation{}, errs.New(errs.KindInvalidInput, op, "current price must be positive, got %s", currentPrice)
	}
	if !entryPrice.IsPositive() {
		return Evaluation{}, errs.New(errs.KindInvalidInput, op, "entry price must be positive, got %s", entryPrice)
	}
	if !thresholdPercent.IsPositive() || thresholdPercent.GreaterThan(hundred) {
		return Evaluation{}, errs.New(errs.KindInvalidInput, op, "threshold must be in (0, 100], got %s", thresholdPercent)
	}

	// Multiply before dividing so exact boundaries stay exact.
	drop := entryPrice.Sub(currentPrice).Mul(hundred).Div(entryPrice)

	return Evaluation{
		CurrentPrice:     currentPrice,
		EntryPrice:       entryPrice,
		ThresholdPercent: thresholdPercent,
		DropPercent:      drop,
		Triggered:        drop.GreaterThan(thresholdPercent),
	}, nil
}
