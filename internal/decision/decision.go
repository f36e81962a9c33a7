// Package decision turns a trigger evaluation and the user's hedge settings
// into a hedge proposal. It never touches the network, so every decision is
// re-runnable and cached per input tuple.
package decision

import (
	"HedgeLedger/internal/errs"
	"HedgeLedger/internal/observability"
	"HedgeLedger/internal/trigger"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var (
	hundred       = decimal.NewFromInt(100)
	minHedgePct   = decimal.NewFromInt(1)
	defaultCacheN = 1024
)

// Request is the full input tuple of one decision.
type Request struct {
	Evaluation   trigger.Evaluation
	FromAsset    Asset
	Holding      decimal.Decimal // in FromAsset units
	HedgePercent decimal.Decimal // 1..100
	Targets      []Asset
	Split        SplitPolicy
	Weights      []decimal.Decimal // only with SplitWeighted
	AutoExecute  bool
	Account      common.Address // executing account; required with AutoExecute
}

// Proposal is the engine's output. Never mutated after creation; callers
// receive their own copy.
type Proposal struct {
	Triggered        bool            `json:"triggered"`
	FromAsset        Asset           `json:"from_asset"`
	DropPercent      decimal.Decimal `json:"drop_percent"`
	ThresholdPercent decimal.Decimal `json:"threshold_percent"`
	HedgePercent     decimal.Decimal `json:"hedge_percent"`
	HedgeFraction    decimal.Decimal `json:"hedge_fraction"`
	HedgeAmount      decimal.Decimal `json:"hedge_amount"`
	Targets          []Asset         `json:"targets"`
	Split            SplitPolicy     `json:"split"`
	Allocations      []Allocation    `json:"allocations,omitempty"`
	AutoExecute      bool            `json:"auto_execute"`
	Account          common.Address  `json:"account"`
	Plan             *TxPlan         `json:"plan,omitempty"`
	Rationale        string          `json:"rationale"`
}

// Config is fixed at construction.
type Config struct {
	Spender     common.Address // contract granted the approval in plans
	Sponsorship Sponsorship
	CacheSize   int
}

// Engine produces proposals. Safe for concurrent use.
type Engine struct {
	cfg     Config
	cache   *Cache
	metrics *observability.Metrics
}

func NewEngine(cfg Config, metrics *observability.Metrics) *Engine {
	n := cfg.CacheSize
	if n <= 0 {
		n = defaultCacheN
	}
	return &Engine{cfg: cfg, cache: NewCache(n), metrics: metrics}
}

// Decide validates req and returns the proposal for it.
func (e *Engine) Decide(req Request) (*Proposal, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	key := cacheKey(req)
	if p, ok := e.cache.Get(key); ok {
		e.observeCache("hit")
		return p.clone(), nil
	}
	e.observeCache("miss")

	p, err := e.decide(req)
	if err != nil {
		return nil, err
	}
	e.cache.Add(key, p)
	return p.clone(), nil
}

func (e *Engine) decide(req Request) (*Proposal, error) {
	policy := req.Split
	if policy == "" {
		policy = SplitEven
	}

	p := &Proposal{
		Triggered:        req.Evaluation.Triggered,
		FromAsset:        req.FromAsset,
		DropPercent:      req.Evaluation.DropPercent,
		ThresholdPercent: req.Evaluation.ThresholdPercent,
		HedgePercent:     req.HedgePercent,
		HedgeFraction:    req.HedgePercent.Div(hundred),
		HedgeAmount:      decimal.Zero,
		Targets:          append([]Asset(nil), req.Targets...),
		Split:            policy,
		AutoExecute:      req.AutoExecute,
		Account:          req.Account,
	}

	if p.Triggered {
		places := req.FromAsset.Decimals()
		p.HedgeAmount = req.Holding.Mul(req.HedgePercent).Div(hundred).Truncate(places)

		allocs, err := split(p.HedgeAmount, places, req.Targets, policy, req.Weights)
		if err != nil {
			return nil, err
		}
		p.Allocations = allocs

		if req.AutoExecute {
			p.Plan = buildPlan(p, req.Account, e.cfg.Spender, e.cfg.Sponsorship)
		}
	}

	p.Rationale = Explain(p)
	return p, nil
}

func validate(req Request) error {
	const op = "decision.Decide"

	if _, ok := assetConfigs[req.FromAsset]; !ok {
		return errs.New(errs.KindInvalidInput, op, "unknown from asset %q", req.FromAsset)
	}
	if !req.Holding.IsPositive() {
		return errs.New(errs.KindInvalidInput, op, "holding must be positive, got %s", req.Holding)
	}
	if req.HedgePercent.LessThan(minHedgePct) || req.HedgePercent.GreaterThan(hundred) {
		return errs.New(errs.KindInvalidInput, op, "hedge percentage must be in [1, 100], got %s", req.HedgePercent)
	}
	if len(req.Targets) == 0 {
		return errs.New(errs.KindInvalidInput, op, "at least one hedge asset is required")
	}
	seen := make(map[Asset]bool, len(req.Targets))
	for _, t := range req.Targets {
		if !t.IsTarget() {
			return errs.New(errs.KindInvalidInput, op, "%q is not an allowed hedge asset", t)
		}
		if t == req.FromAsset {
			return errs.New(errs.KindInvalidInput, op, "cannot hedge %s into itself", t)
		}
		if seen[t] {
			return errs.New(errs.KindInvalidInput, op, "duplicate hedge asset %s", t)
		}
		seen[t] = true
	}
	if _, err := effectiveWeights(len(req.Targets), req.Split, req.Weights); err != nil {
		return errs.New(errs.KindInvalidInput, op, "%v", err)
	}
	if req.AutoExecute && req.Account == (common.Address{}) {
		return errs.New(errs.KindInvalidInput, op, "auto-execute requires an account")
	}
	return nil
}

// cacheKey canonicalizes the input tuple. Decimals are normalized so 30 and
// 30.0 share an entry.
func cacheKey(req Request) string {
	var b strings.Builder
	ev := req.Evaluation
	fmt.Fprintf(&b, "%t|%s|%s|%s|", ev.Triggered, ev.DropPercent.String(), ev.ThresholdPercent.String(), req.FromAsset)
	fmt.Fprintf(&b, "%s|%s|%s|", req.Holding.String(), req.HedgePercent.String(), req.Split)
	for _, t := range req.Targets {
		b.WriteString(string(t))
		b.WriteByte(',')
	}
	b.WriteByte('|')
	for _, w := range req.Weights {
		b.WriteString(w.String())
		b.WriteByte(',')
	}
	fmt.Fprintf(&b, "|%t|%s", req.AutoExecute, req.Account.Hex())
	return b.String()
}

func (e *Engine) observeCache(result string) {
	if e.metrics != nil {
		e.metrics.DecisionCache.WithLabelValues(result).Inc()
	}
}

func (p *Proposal) clone() *Proposal {
	c := *p
	c.Targets = append([]Asset(nil), p.Targets...)
	if p.Allocations != nil {
		c.Allocations = append([]Allocation(nil), p.Allocations...)
	}
	if p.Plan != nil {
		plan := *p.Plan
		plan.Steps = append([]Step(nil), p.Plan.Steps...)
		if p.Plan.Paymaster != nil {
			pm := *p.Plan.Paymaster
			plan.Paymaster = &pm
		}
		c.Plan = &plan
	}
	return &c
}
