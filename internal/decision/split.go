package decision

import (
	"HedgeLedger/internal/errs"
	"fmt"

	"github.com/shopspring/decimal"
)

// SplitPolicy says how a hedge amount is divided across target assets.
type SplitPolicy string

const (
	// SplitEven gives every target the same share.
	SplitEven SplitPolicy = "even"
	// SplitWeighted gives each target amount * w / sum(w) for caller weights.
	SplitWeighted SplitPolicy = "weighted"
)

// ParseSplitPolicy maps "" to SplitEven.
func ParseSplitPolicy(s string) (SplitPolicy, error) {
	switch SplitPolicy(s) {
	case "", SplitEven:
		return SplitEven, nil
	case SplitWeighted:
		return SplitWeighted, nil
	default:
		return "", errs.New(errs.KindInvalidInput, "decision.ParseSplitPolicy", "unknown split policy %q", s)
	}
}

// Allocation is one target's share of the hedge, in from-asset units.
type Allocation struct {
	Asset  Asset           `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
	Weight decimal.Decimal `json:"weight"`
}

// split divides amount across targets. Shares are truncated to places and the
// truncation dust goes to the first target, so allocations always sum to amount.
func split(amount decimal.Decimal, places int32, targets []Asset, policy SplitPolicy, weights []decimal.Decimal) ([]Allocation, error) {
	const op = "decision.split"

	w, err := effectiveWeights(len(targets), policy, weights)
	if err != nil {
		return nil, errs.New(errs.KindInvalidInput, op, "%v", err)
	}

	var sum decimal.Decimal
	for _, x := range w {
		sum = sum.Add(x)
	}

	out := make([]Allocation, len(targets))
	allocated := decimal.Zero
	for i, t := range targets {
		share := amount.Mul(w[i]).Div(sum).Truncate(places)
		out[i] = Allocation{Asset: t, Amount: share, Weight: w[i]}
		allocated = allocated.Add(share)
	}
	out[0].Amount = out[0].Amount.Add(amount.Sub(allocated))
	return out, nil
}

func effectiveWeights(n int, policy SplitPolicy, weights []decimal.Decimal) ([]decimal.Decimal, error) {
	switch policy {
	case SplitEven, "":
		if len(weights) != 0 {
			return nil, fmt.Errorf("weights are only accepted with the %q policy", SplitWeighted)
		}
		w := make([]decimal.Decimal, n)
		for i := range w {
			w[i] = decimal.NewFromInt(1)
		}
		return w, nil

	case SplitWeighted:
		if len(weights) != n {
			return nil, fmt.Errorf("got %d weights for %d targets", len(weights), n)
		}
		for i, x := range weights {
			if !x.IsPositive() {
				return nil, fmt.Errorf("weight %d must be positive, got %s", i, x)
			}
		}
		return weights, nil

	default:
		return nil, fmt.Errorf("unknown split policy %q", policy)
	}
}
