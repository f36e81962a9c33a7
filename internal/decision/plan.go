package decision

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// StepKind is the action of one plan step.
type StepKind string

const (
	StepApprove StepKind = "approve"
	StepSwap    StepKind = "swap"
)

// SelfFunded is the sponsorship note when no paymaster covers gas.
const SelfFunded = "self-funded"

// Step is one transaction of a plan. Amounts are in from-asset units.
type Step struct {
	Kind    StepKind        `json:"kind"`
	Token   Asset           `json:"token"`
	Target  Asset           `json:"target,omitempty"`
	Spender common.Address  `json:"spender,omitempty"`
	Amount  decimal.Decimal `json:"amount"`
}

// TxPlan is the ordered approve-then-swap batch for an auto-executed hedge.
type TxPlan struct {
	Account     common.Address  `json:"account"`
	Steps       []Step          `json:"steps"`
	Paymaster   *common.Address `json:"paymaster,omitempty"`
	Sponsorship string          `json:"sponsorship"`
}

// Sponsorship resolves gas sponsorship per executing account.
type Sponsorship struct {
	Default  common.Address
	Accounts map[common.Address]common.Address
}

func (s Sponsorship) resolve(account common.Address) *common.Address {
	if pm, ok := s.Accounts[account]; ok && pm != (common.Address{}) {
		return &pm
	}
	if s.Default != (common.Address{}) {
		pm := s.Default
		return &pm
	}
	return nil
}

func buildPlan(p *Proposal, account, spender common.Address, sponsors Sponsorship) *TxPlan {
	steps := make([]Step, 0, len(p.Allocations)+1)
	steps = append(steps, Step{
		Kind:    StepApprove,
		Token:   p.FromAsset,
		Spender: spender,
		Amount:  p.HedgeAmount,
	})
	for _, a := range p.Allocations {
		steps = append(steps, Step{
			Kind:   StepSwap,
			Token:  p.FromAsset,
			Target: a.Asset,
			Amount: a.Amount,
		})
	}

	plan := &TxPlan{Account: account, Steps: steps, Sponsorship: SelfFunded}
	if pm := sponsors.resolve(account); pm != nil {
		plan.Paymaster = pm
		plan.Sponsorship = "gas sponsored by paymaster " + pm.Hex()
	}
	return plan
}
