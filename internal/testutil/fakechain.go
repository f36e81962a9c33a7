package testutil

import (
	"HedgeLedger/internal/errs"
	"HedgeLedger/internal/ledger"
	"HedgeLedger/internal/settlement"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// FakeChain is an in-memory remote ledger. It implements ledger.Remote,
// settlement.Executor and settlement.History with the settlement contract's
// semantics, plus hooks for reverts and slow confirmations.
type FakeChain struct {
	mu       sync.Mutex
	balances map[ledger.AccountKey]*fakeBalance
	history  map[common.Address][]settlement.Record
	block    uint64
	nonce    uint64

	// Signer is the identity used for ExecuteHedgeSettlement.
	Signer common.Address
	// RateNum/RateDen convert from-amounts to to-amounts (default 1/1).
	RateNum, RateDen uint64
	// Delay is applied to every write before it confirms.
	Delay time.Duration
	// MethodDelay overrides Delay for the named write methods.
	MethodDelay map[string]time.Duration
	// LandAfterTimeout applies a write even when the caller stopped waiting.
	LandAfterTimeout bool

	revertNext atomic.Int32
	calls      sync.Map // method -> *atomic.Int64
}

type fakeBalance struct {
	total, locked uint256.Int
}

func NewFakeChain(signer common.Address) *FakeChain {
	return &FakeChain{
		balances: make(map[ledger.AccountKey]*fakeBalance),
		history:  make(map[common.Address][]settlement.Record),
		Signer:   signer,
		RateNum:  1,
		RateDen:  1,
	}
}

// RevertNext makes the next n writes revert.
func (f *FakeChain) RevertNext(n int) {
	f.revertNext.Store(int32(n))
}

// Calls returns how many times method was invoked.
func (f *FakeChain) Calls(method string) int64 {
	v, ok := f.calls.Load(method)
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load()
}

// Fund sets a balance directly, as if deposited before the test started.
func (f *FakeChain) Fund(key ledger.AccountKey, total, locked uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.balance(key)
	b.total.SetUint64(total)
	b.locked.SetUint64(locked)
}

// Balance returns the remote (total, locked) of key.
func (f *FakeChain) Balance(key ledger.AccountKey) (total, locked uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.balance(key)
	return b.total.Uint64(), b.locked.Uint64()
}

// === ledger.Remote ===

func (f *FakeChain) DepositCollateral(ctx context.Context, key ledger.AccountKey, amount *uint256.Int) (ledger.Confirmation, error) {
	return f.write(ctx, "depositCollateral", func() error {
		b := f.balance(key)
		b.total.Add(&b.total, amount)
		return nil
	})
}

func (f *FakeChain) WithdrawCollateral(ctx context.Context, key ledger.AccountKey, amount *uint256.Int) (ledger.Confirmation, error) {
	return f.write(ctx, "withdrawCollateral", func() error {
		b := f.balance(key)
		if new(uint256.Int).Sub(&b.total, &b.locked).Lt(amount) {
			return errs.New(errs.KindRemoteCallReverted, "withdrawCollateral", "Insufficient available collateral")
		}
		b.total.Sub(&b.total, amount)
		return nil
	})
}

func (f *FakeChain) LockCollateral(ctx context.Context, key ledger.AccountKey, amount *uint256.Int) (ledger.Confirmation, error) {
	return f.write(ctx, "lockCollateral", func() error {
		b := f.balance(key)
		if new(uint256.Int).Sub(&b.total, &b.locked).Lt(amount) {
			return errs.New(errs.KindRemoteCallReverted, "lockCollateral", "Insufficient available collateral")
		}
		b.locked.Add(&b.locked, amount)
		return nil
	})
}

func (f *FakeChain) UnlockCollateral(ctx context.Context, key ledger.AccountKey, amount *uint256.Int) (ledger.Confirmation, error) {
	return f.write(ctx, "unlockCollateral", func() error {
		b := f.balance(key)
		if b.locked.Lt(amount) {
			return errs.New(errs.KindRemoteCallReverted, "unlockCollateral", "Insufficient locked collateral")
		}
		b.locked.Sub(&b.locked, amount)
		return nil
	})
}

func (f *FakeChain) TotalCollateral(_ context.Context, key ledger.AccountKey) (*uint256.Int, error) {
	f.count("getTotalCollateral")
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(uint256.Int).Set(&f.balance(key).total), nil
}

func (f *FakeChain) LockedCollateral(_ context.Context, key ledger.AccountKey) (*uint256.Int, error) {
	f.count("getLockedCollateral")
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(uint256.Int).Set(&f.balance(key).locked), nil
}

// === settlement.Executor ===

func (f *FakeChain) ExecuteSettlement(ctx context.Context, call settlement.Call) (settlement.Result, error) {
	var res settlement.Result
	conf, err := f.write(ctx, "executeSettlement", func() error {
		fromKey := ledger.NewAccountKey(call.User, call.FromToken)
		b := f.balance(fromKey)
		if b.locked.Lt(call.FromAmount) {
			return errs.New(errs.KindRemoteCallReverted, "executeSettlement", "Insufficient locked collateral")
		}
		out := f.convert(call.FromAmount)
		if call.MinToAmount != nil && out.Lt(call.MinToAmount) {
			return errs.New(errs.KindRemoteCallReverted, "executeSettlement", "Slippage too high")
		}
		b.total.Sub(&b.total, call.FromAmount)
		b.locked.Sub(&b.locked, call.FromAmount)
		to := f.balance(ledger.NewAccountKey(call.User, call.ToToken))
		to.total.Add(&to.total, out)

		res = f.recordLocked(call.User, call.FromToken, call.ToToken, call.FromAmount, out)
		return nil
	})
	if err != nil {
		return settlement.Result{}, err
	}
	res.Confirmation = conf
	return res, nil
}

func (f *FakeChain) ExecuteHedgeSettlement(ctx context.Context, fromToken, toToken common.Address, percentBps uint64) (settlement.Result, error) {
	var res settlement.Result
	conf, err := f.write(ctx, "executeHedgeSettlement", func() error {
		if percentBps == 0 || percentBps > 10_000 {
			return errs.New(errs.KindRemoteCallReverted, "executeHedgeSettlement", "Invalid percent")
		}
		b := f.balance(ledger.NewAccountKey(f.Signer, fromToken))
		available := new(uint256.Int).Sub(&b.total, &b.locked)
		amount := new(uint256.Int).Mul(available, uint256.NewInt(percentBps))
		amount.Div(amount, uint256.NewInt(10_000))
		if amount.IsZero() {
			return errs.New(errs.KindRemoteCallReverted, "executeHedgeSettlement", "Nothing to hedge")
		}
		out := f.convert(amount)
		b.total.Sub(&b.total, amount)
		to := f.balance(ledger.NewAccountKey(f.Signer, toToken))
		to.total.Add(&to.total, out)

		res = f.recordLocked(f.Signer, fromToken, toToken, amount, out)
		return nil
	})
	if err != nil {
		return settlement.Result{}, err
	}
	res.Confirmation = conf
	return res, nil
}

// === settlement.History ===

func (f *FakeChain) SettlementCount(_ context.Context, user common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.history[user])), nil
}

func (f *FakeChain) Settlement(_ context.Context, user common.Address, index uint64) (settlement.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.history[user]
	if index >= uint64(len(list)) {
		return settlement.Record{}, errs.New(errs.KindNotFound, "getSettlement", "Invalid index")
	}
	return list[index], nil
}

// === internals ===

// write runs mutate under the chain lock after Delay, honouring ctx the way
// the real client does while waiting for a receipt.
func (f *FakeChain) write(ctx context.Context, method string, mutate func() error) (ledger.Confirmation, error) {
	f.count(method)

	delay := f.Delay
	if d, ok := f.MethodDelay[method]; ok {
		delay = d
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			if f.LandAfterTimeout {
				f.mu.Lock()
				_ = mutate()
				f.mu.Unlock()
			}
			return ledger.Confirmation{}, errs.Wrap(errs.KindRemoteCallTimeout, method, ctx.Err())
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if n := f.revertNext.Load(); n > 0 {
		f.revertNext.Add(-1)
		return ledger.Confirmation{}, errs.New(errs.KindRemoteCallReverted, method, "execution reverted")
	}
	if err := mutate(); err != nil {
		return ledger.Confirmation{}, err
	}

	f.block++
	f.nonce++
	return ledger.Confirmation{
		TxHash:      crypto.Keccak256Hash([]byte(method), uint256.NewInt(f.nonce).Bytes()),
		BlockNumber: f.block,
	}, nil
}

func (f *FakeChain) recordLocked(user, from, to common.Address, fromAmount, toAmount *uint256.Int) settlement.Result {
	r := settlement.Record{
		User:      user,
		Index:     uint64(len(f.history[user])),
		FromToken: from,
		ToToken:   to,
		Timestamp: time.Now().Unix(),
		Executed:  true,
	}
	r.FromAmount.Set(fromAmount)
	r.ToAmount.Set(toAmount)
	f.history[user] = append(f.history[user], r)

	return settlement.Result{
		FromAmount: r.FromAmount,
		ToAmount:   r.ToAmount,
		Timestamp:  r.Timestamp,
	}
}

func (f *FakeChain) convert(amount *uint256.Int) *uint256.Int {
	out := new(uint256.Int).Mul(amount, uint256.NewInt(f.RateNum))
	return out.Div(out, uint256.NewInt(f.RateDen))
}

func (f *FakeChain) balance(key ledger.AccountKey) *fakeBalance {
	b, ok := f.balances[key]
	if !ok {
		b = &fakeBalance{}
		f.balances[key] = b
	}
	return b
}

func (f *FakeChain) count(method string) {
	v, _ := f.calls.LoadOrStore(method, new(atomic.Int64))
	v.(*atomic.Int64).Add(1)
}
