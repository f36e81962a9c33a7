package pipeline_test

import (
	"HedgeLedger/internal/decision"
	"HedgeLedger/internal/errs"
	"HedgeLedger/internal/ledger"
	"HedgeLedger/internal/orchestrator"
	"HedgeLedger/internal/pipeline"
	"HedgeLedger/internal/settlement"
	"HedgeLedger/internal/testutil"
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var (
	user   = common.HexToAddress("0x1111111111111111111111111111111111111111")
	signer = common.HexToAddress("0x5160000000000000000000000000000000000005")
	tokens = map[decision.Asset]common.Address{
		decision.BTC:  common.HexToAddress("0x00000000000000000000000000000000000000b7"),
		decision.USDT: common.HexToAddress("0x00000000000000000000000000000000000000d7"),
		decision.USDC: common.HexToAddress("0x00000000000000000000000000000000000000c7"),
	}
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	chain  *testutil.FakeChain
	feed   *testutil.FakeFeed
	ledger *ledger.Ledger
	log    *settlement.Log
	run    *pipeline.Pipeline
}

func newFixture(t *testing.T, mode orchestrator.Mode, slippageBps uint64) *fixture {
	t.Helper()
	f := &fixture{
		chain: testutil.NewFakeChain(signer),
		feed:  testutil.NewFakeFeed(map[string]string{"BTC": "60000", "USDT": "1", "USDC": "1"}),
	}
	f.chain.RateNum = 60_000 * 1_000_000
	f.chain.RateDen = 100_000_000
	f.ledger = ledger.New(f.chain, nil, zerolog.Nop())
	f.log = settlement.NewLog(settlement.NewMemoryStore(), f.chain, nil, zerolog.Nop())

	var settler orchestrator.Settler = orchestrator.NewCollateralSettler(f.ledger, f.chain, time.Second, zerolog.Nop())
	if mode == orchestrator.ModeDirect {
		settler = orchestrator.NewDirectSettler(f.chain, signer, time.Second)
	}
	orch := orchestrator.New(settler, f.log, nil, nil, zerolog.Nop())
	f.run = pipeline.New(f.feed, decision.NewEngine(decision.Config{}, nil), orch,
		pipeline.Config{Tokens: tokens, SlippageBps: slippageBps}, nil, zerolog.Nop())
	return f
}

func (f *fixture) deposit(t *testing.T, sats uint64) ledger.AccountKey {
	t.Helper()
	key := ledger.NewAccountKey(user, tokens[decision.BTC])
	_, err := f.ledger.Deposit(context.Background(), key, uint256.NewInt(sats))
	require.NoError(t, err)
	return key
}

func input(entry, threshold, holding, pct string, auto bool, targets ...decision.Asset) pipeline.Input {
	return pipeline.Input{
		Account:          user,
		FromAsset:        decision.BTC,
		EntryPrice:       d(entry),
		ThresholdPercent: d(threshold),
		Holding:          d(holding),
		HedgePercent:     d(pct),
		Targets:          targets,
		AutoExecute:      auto,
	}
}

func TestRun_NotTriggered(t *testing.T) {
	f := newFixture(t, orchestrator.ModeCollateral, 0)
	f.feed.Set("BTC", "67123.45")

	out, err := f.run.Run(context.Background(), input("70000", "5", "1", "30", true, decision.USDT))
	require.NoError(t, err)
	require.False(t, out.Evaluation.Triggered)
	require.Equal(t, "4.11", out.Evaluation.DropPercent.StringFixed(2))
	require.False(t, out.Proposal.Triggered)
	require.Empty(t, out.Receipts)
	require.False(t, out.Executed())
	require.Equal(t, 1, f.feed.Calls("BTC"))
	require.Zero(t, f.chain.Calls("lockCollateral"))
}

func TestRun_ProposalOnlyWithoutAutoExecute(t *testing.T) {
	f := newFixture(t, orchestrator.ModeCollateral, 0)

	out, err := f.run.Run(context.Background(), input("70000", "5", "1", "30", false, decision.USDT))
	require.NoError(t, err)
	require.True(t, out.Proposal.Triggered)
	require.Equal(t, "0.3", out.Proposal.HedgeAmount.String())
	require.Empty(t, out.Receipts)
}

func TestRun_CollateralSettlesEachAllocation(t *testing.T) {
	f := newFixture(t, orchestrator.ModeCollateral, 100)
	key := f.deposit(t, 100_000_000)

	out, err := f.run.Run(context.Background(), input("70000", "10", "1", "30", true, decision.USDT, decision.USDC))
	require.NoError(t, err)
	require.Len(t, out.Receipts, 2)
	require.True(t, out.Executed())

	for i, r := range out.Receipts {
		require.Equal(t, orchestrator.StateConfirmed, r.State)
		require.Equal(t, "15000000", r.FromAmount.Dec(), "receipt %d", i)
		require.Equal(t, "9000000000", r.ToAmount.Dec(), "receipt %d", i)
	}
	require.Equal(t, tokens[decision.USDT], out.Receipts[0].ToToken)
	require.Equal(t, tokens[decision.USDC], out.Receipts[1].ToToken)

	acct := f.ledger.Account(key)
	require.Equal(t, uint64(70_000_000), acct.Total.Uint64())
	require.True(t, acct.Locked.IsZero())

	hist, err := f.log.History(context.Background(), user)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	require.Equal(t, 1, f.feed.Calls("USDT"))
	require.Equal(t, 1, f.feed.Calls("USDC"))
}

func TestRun_StopsAtFirstFailure(t *testing.T) {
	f := newFixture(t, orchestrator.ModeCollateral, 100)
	key := f.deposit(t, 100_000_000)
	// Quoting USDT at half a dollar doubles the expected output, which the
	// settlement cannot meet.
	f.feed.Set("USDT", "0.5")

	out, err := f.run.Run(context.Background(), input("70000", "10", "1", "30", true, decision.USDT, decision.USDC))
	require.Equal(t, errs.KindRemoteCallReverted, errs.KindOf(err))
	require.Len(t, out.Receipts, 1)
	require.Equal(t, orchestrator.StateReverted, out.Receipts[0].State)
	require.False(t, out.Executed())
	require.Equal(t, int64(1), f.chain.Calls("executeSettlement"))

	acct := f.ledger.Account(key)
	require.Equal(t, uint64(100_000_000), acct.Total.Uint64())
	require.True(t, acct.Locked.IsZero())
}

func TestRun_InsufficientCollateral(t *testing.T) {
	f := newFixture(t, orchestrator.ModeCollateral, 0)
	f.deposit(t, 1_000)

	out, err := f.run.Run(context.Background(), input("70000", "10", "1", "30", true, decision.USDT))
	require.ErrorIs(t, err, errs.ErrInsufficientCollateral)
	require.Len(t, out.Receipts, 1)
	require.False(t, out.Receipts[0].Recorded)
	require.Zero(t, f.chain.Calls("executeSettlement"))
}

func TestRun_DirectUsesSequentialShares(t *testing.T) {
	f := newFixture(t, orchestrator.ModeDirect, 0)
	f.chain.Fund(ledger.NewAccountKey(signer, tokens[decision.BTC]), 100_000_000, 0)

	out, err := f.run.Run(context.Background(), input("70000", "10", "1", "50", true, decision.USDT, decision.USDC))
	require.NoError(t, err)
	require.Len(t, out.Receipts, 2)

	// 25% of the holding, then 33.33% of the remaining 75%.
	require.Equal(t, "25000000", out.Receipts[0].FromAmount.Dec())
	require.Equal(t, "24997500", out.Receipts[1].FromAmount.Dec())
	for _, r := range out.Receipts {
		require.Equal(t, signer, r.User)
	}
	total, _ := f.chain.Balance(ledger.NewAccountKey(signer, tokens[decision.BTC]))
	require.Equal(t, uint64(50_002_500), total)
}

func TestRun_CurrentPriceOverridesFeed(t *testing.T) {
	f := newFixture(t, orchestrator.ModeCollateral, 0)
	in := input("70000", "10", "1", "30", false, decision.USDT)
	in.CurrentPrice = d("69000")

	out, err := f.run.Run(context.Background(), in)
	require.NoError(t, err)
	require.False(t, out.Evaluation.Triggered)
	require.Zero(t, f.feed.Calls("BTC"))
}

func TestRun_Failures(t *testing.T) {
	t.Run("feed down", func(t *testing.T) {
		f := newFixture(t, orchestrator.ModeCollateral, 0)
		f.feed.Fail = true
		_, err := f.run.Run(context.Background(), input("70000", "10", "1", "30", false, decision.USDT))
		require.Equal(t, errs.KindPriceFeedUnavailable, errs.KindOf(err))
	})

	t.Run("negative current price", func(t *testing.T) {
		f := newFixture(t, orchestrator.ModeCollateral, 0)
		in := input("70000", "10", "1", "30", false, decision.USDT)
		in.CurrentPrice = d("-1")
		_, err := f.run.Run(context.Background(), in)
		require.Equal(t, errs.KindInvalidInput, errs.KindOf(err))
		require.Zero(t, f.feed.Calls("BTC"), "a rejected price must not fall back to the feed")
	})

	t.Run("bad threshold", func(t *testing.T) {
		f := newFixture(t, orchestrator.ModeCollateral, 0)
		_, err := f.run.Run(context.Background(), input("70000", "0", "1", "30", false, decision.USDT))
		require.Equal(t, errs.KindInvalidInput, errs.KindOf(err))
	})

	t.Run("unconfigured token", func(t *testing.T) {
		f := newFixture(t, orchestrator.ModeCollateral, 0)
		f.deposit(t, 100_000_000)
		_, err := f.run.Run(context.Background(), input("70000", "10", "1", "30", true, decision.DAI))
		require.Equal(t, errs.KindConfigurationMissing, errs.KindOf(err))
		require.Zero(t, f.chain.Calls("lockCollateral"))
	})

	t.Run("no settlement path", func(t *testing.T) {
		feed := testutil.NewFakeFeed(map[string]string{"BTC": "60000"})
		p := pipeline.New(feed, decision.NewEngine(decision.Config{}, nil), nil, pipeline.Config{Tokens: tokens}, nil, zerolog.Nop())
		out, err := p.Run(context.Background(), input("70000", "10", "1", "30", true, decision.USDT))
		require.Equal(t, errs.KindConfigurationMissing, errs.KindOf(err))
		require.True(t, out.Proposal.Triggered)
	})
}
