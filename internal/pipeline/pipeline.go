// Package pipeline is the single hedge entry point shared by the scheduler
// and the HTTP boundary: price, trigger, decision and, when asked, settlement.
package pipeline

import (
	"HedgeLedger/internal/decision"
	"HedgeLedger/internal/errs"
	fpmath "HedgeLedger/internal/math"
	"HedgeLedger/internal/observability"
	"HedgeLedger/internal/orchestrator"
	"HedgeLedger/internal/pricefeed"
	"HedgeLedger/internal/trigger"
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Input is one pipeline run. CurrentPrice, when positive, replaces the feed
// lookup for the from-asset; zero means unset and a negative value is rejected.
type Input struct {
	Account          common.Address
	FromAsset        decision.Asset
	CurrentPrice     decimal.Decimal
	EntryPrice       decimal.Decimal
	ThresholdPercent decimal.Decimal
	Holding          decimal.Decimal
	HedgePercent     decimal.Decimal
	Targets          []decision.Asset
	Split            decision.SplitPolicy
	Weights          []decimal.Decimal
	AutoExecute      bool
}

// Output carries everything a run produced. Receipts holds one entry per
// attempted allocation, in allocation order, up to and including the first
// failure.
type Output struct {
	Evaluation trigger.Evaluation      `json:"evaluation"`
	Proposal   *decision.Proposal      `json:"proposal"`
	Receipts   []*orchestrator.Receipt `json:"receipts"`
}

// Executed reports whether every allocation settled.
func (o *Output) Executed() bool {
	if o == nil || o.Proposal == nil || len(o.Receipts) == 0 {
		return false
	}
	for _, r := range o.Receipts {
		if !r.Executed() {
			return false
		}
	}
	return true
}

// Config is fixed at construction.
type Config struct {
	Tokens      map[decision.Asset]common.Address
	SlippageBps uint64 // 0 disables the minimum-output bound
}

// Pipeline wires the stages together. Orchestrator may be nil, in which case
// auto-execute requests fail with ConfigurationMissing.
type Pipeline struct {
	feed    pricefeed.Feed
	engine  *decision.Engine
	orch    *orchestrator.Orchestrator
	cfg     Config
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func New(feed pricefeed.Feed, engine *decision.Engine, orch *orchestrator.Orchestrator, cfg Config, metrics *observability.Metrics, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		feed:    feed,
		engine:  engine,
		orch:    orch,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
	}
}

// Run evaluates the trigger, builds the proposal and, if it triggered with
// auto-execute, settles each allocation in order. Execution stops at the
// first failed allocation; earlier settlements stand.
func (p *Pipeline) Run(ctx context.Context, in Input) (*Output, error) {
	const op = "pipeline.Run"
	if in.FromAsset == "" {
		in.FromAsset = decision.BTC
	}

	price := in.CurrentPrice
	if price.IsNegative() {
		return nil, errs.New(errs.KindInvalidInput, op, "current price must not be negative, got %s", price)
	}
	if price.IsZero() {
		q, err := p.feed.GetPrice(ctx, string(in.FromAsset))
		if err != nil {
			return nil, err
		}
		price = q.Price
	}

	eval, err := trigger.Evaluate(price, in.EntryPrice, in.ThresholdPercent)
	if err != nil {
		p.observeTrigger("invalid")
		return nil, err
	}
	if eval.Triggered {
		p.observeTrigger("triggered")
	} else {
		p.observeTrigger("not_triggered")
	}

	proposal, err := p.engine.Decide(decision.Request{
		Evaluation:   eval,
		FromAsset:    in.FromAsset,
		Holding:      in.Holding,
		HedgePercent: in.HedgePercent,
		Targets:      in.Targets,
		Split:        in.Split,
		Weights:      in.Weights,
		AutoExecute:  in.AutoExecute,
		Account:      in.Account,
	})
	if err != nil {
		return nil, err
	}

	out := &Output{Evaluation: eval, Proposal: proposal, Receipts: []*orchestrator.Receipt{}}
	log := p.logger.With().
		Str("account", in.Account.Hex()).
		Str("drop_percent", eval.DropPercent.StringFixed(2)).
		Bool("triggered", eval.Triggered).
		Logger()

	if !proposal.Triggered || !proposal.AutoExecute {
		log.Debug().Msg("no settlement requested")
		return out, nil
	}
	if p.orch == nil {
		return out, errs.New(errs.KindConfigurationMissing, op, "auto-execute requested but no settlement path is configured")
	}

	orders, err := p.orders(ctx, in, price, proposal)
	if err != nil {
		return out, err
	}
	for _, order := range orders {
		r, err := p.orch.Execute(ctx, order)
		out.Receipts = append(out.Receipts, r)
		if err != nil {
			log.Warn().Err(err).
				Int("settled", len(out.Receipts)-1).
				Int("planned", len(orders)).
				Msg("hedge execution stopped at failed allocation")
			return out, err
		}
	}
	log.Info().Int("settlements", len(out.Receipts)).Str("hedge_amount", proposal.HedgeAmount.String()).Msg("hedge executed")
	return out, nil
}

// orders turns allocations into settlement orders for the configured mode.
// Zero-sized allocations are skipped.
func (p *Pipeline) orders(ctx context.Context, in Input, fromPrice decimal.Decimal, proposal *decision.Proposal) ([]orchestrator.Order, error) {
	const op = "pipeline.orders"
	fromToken, err := p.token(op, proposal.FromAsset)
	if err != nil {
		return nil, err
	}

	var orders []orchestrator.Order
	remaining := in.Holding
	for _, alloc := range proposal.Allocations {
		toToken, err := p.token(op, alloc.Asset)
		if err != nil {
			return nil, err
		}
		order := orchestrator.Order{
			User:      in.Account,
			FromToken: fromToken,
			ToToken:   toToken,
		}

		switch p.orch.Mode() {
		case orchestrator.ModeDirect:
			// Each hedge call takes a share of what the previous ones left.
			if !alloc.Amount.IsPositive() || !remaining.IsPositive() {
				continue
			}
			bps, err := fpmath.PercentToBps(alloc.Amount.Mul(hundred).Div(remaining))
			if err != nil {
				return nil, errs.New(errs.KindInvalidInput, op, "allocation %s of %s: %v", alloc.Amount, alloc.Asset, err)
			}
			remaining = remaining.Sub(alloc.Amount)
			if bps == 0 {
				continue
			}
			order.PercentBps = bps

		default:
			amount, err := fpmath.ToBaseUnits(alloc.Amount, proposal.FromAsset.Decimals(), fpmath.RoundDown)
			if err != nil {
				return nil, errs.New(errs.KindInvalidInput, op, "allocation %s of %s: %v", alloc.Amount, alloc.Asset, err)
			}
			if amount.IsZero() {
				continue
			}
			order.FromAmount = amount
			if p.cfg.SlippageBps > 0 {
				q, err := p.feed.GetPrice(ctx, string(alloc.Asset))
				if err != nil {
					return nil, err
				}
				expected, err := fpmath.ConvertAmount(amount, proposal.FromAsset.Decimals(), fromPrice, q.Price, alloc.Asset.Decimals())
				if err != nil {
					return nil, errs.Wrap(errs.KindPriceFeedUnavailable, op, err)
				}
				order.MinToAmount = fpmath.MulBps(expected, fpmath.BpsScale-p.cfg.SlippageBps, fpmath.RoundDown)
			}
		}
		orders = append(orders, order)
	}
	return orders, nil
}

func (p *Pipeline) token(op string, a decision.Asset) (common.Address, error) {
	addr, ok := p.cfg.Tokens[a]
	if !ok || addr == (common.Address{}) {
		return common.Address{}, errs.New(errs.KindConfigurationMissing, op, "no token address configured for %s", a)
	}
	return addr, nil
}

func (p *Pipeline) observeTrigger(result string) {
	if p.metrics != nil {
		p.metrics.TriggerEvaluations.WithLabelValues(result).Inc()
	}
}
