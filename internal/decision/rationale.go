package decision

import (
	"fmt"
	"strings"
)

// Explain renders a human-readable rationale for p. Deterministic.
func Explain(p *Proposal) string {
	drop := p.DropPercent.StringFixed(2)
	threshold := p.ThresholdPercent.String()

	if !p.Triggered {
		if p.DropPercent.IsNegative() {
			return fmt.Sprintf("No hedge proposed: %s is %s%% above entry, threshold is a %s%% drop.",
				p.FromAsset, p.DropPercent.Neg().StringFixed(2), threshold)
		}
		return fmt.Sprintf("No hedge proposed: %s dropped %s%%, which does not exceed the %s%% trigger threshold.",
			p.FromAsset, drop, threshold)
	}

	parts := make([]string, len(p.Allocations))
	for i, a := range p.Allocations {
		parts[i] = fmt.Sprintf("%s %s into %s", a.Amount.String(), p.FromAsset, a.Asset)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Hedge proposed because %s dropped %s%%, more than the %s%% trigger threshold. ",
		p.FromAsset, drop, threshold)
	fmt.Fprintf(&b, "Convert %s%% of the holding (%s %s): %s.",
		p.HedgePercent.String(), p.HedgeAmount.String(), p.FromAsset, strings.Join(parts, ", "))

	if p.Plan != nil {
		fmt.Fprintf(&b, " Auto-execute from %s: approve then %d swap(s), %s.",
			p.Plan.Account.Hex(), len(p.Plan.Steps)-1, p.Plan.Sponsorship)
	} else if p.AutoExecute {
		b.WriteString(" Auto-execute requested.")
	} else {
		b.WriteString(" Awaiting manual confirmation.")
	}
	return b.String()
}
