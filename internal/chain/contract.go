package chain

import (
	"HedgeLedger/internal/errs"
	"HedgeLedger/internal/ledger"
	"HedgeLedger/internal/settlement"
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
)

// === Collateral writes ===

func (c *Client) DepositCollateral(ctx context.Context, key ledger.AccountKey, amount *uint256.Int) (ledger.Confirmation, error) {
	return c.collateralWrite(ctx, "depositCollateral", key, amount)
}

func (c *Client) WithdrawCollateral(ctx context.Context, key ledger.AccountKey, amount *uint256.Int) (ledger.Confirmation, error) {
	return c.collateralWrite(ctx, "withdrawCollateral", key, amount)
}

func (c *Client) LockCollateral(ctx context.Context, key ledger.AccountKey, amount *uint256.Int) (ledger.Confirmation, error) {
	return c.collateralWrite(ctx, "lockCollateral", key, amount)
}

func (c *Client) UnlockCollateral(ctx context.Context, key ledger.AccountKey, amount *uint256.Int) (ledger.Confirmation, error) {
	return c.collateralWrite(ctx, "unlockCollateral", key, amount)
}

func (c *Client) collateralWrite(ctx context.Context, method string, key ledger.AccountKey, amount *uint256.Int) (ledger.Confirmation, error) {
	receipt, err := c.transact(ctx, method, key.User, key.Token, amount.ToBig())
	if err != nil {
		return ledger.Confirmation{}, err
	}
	return confirmation(receipt), nil
}

// === Collateral reads ===

func (c *Client) TotalCollateral(ctx context.Context, key ledger.AccountKey) (*uint256.Int, error) {
	return c.amountView(ctx, nil, "getTotalCollateral", key.User, key.Token)
}

func (c *Client) LockedCollateral(ctx context.Context, key ledger.AccountKey) (*uint256.Int, error) {
	return c.amountView(ctx, nil, "getLockedCollateral", key.User, key.Token)
}

// AvailableCollateral is the contract's own view of total minus locked.
func (c *Client) AvailableCollateral(ctx context.Context, key ledger.AccountKey) (*uint256.Int, error) {
	return c.amountView(ctx, nil, "getAvailableCollateral", key.User, key.Token)
}

func (c *Client) amountView(ctx context.Context, block *big.Int, method string, args ...interface{}) (*uint256.Int, error) {
	out, err := c.call(ctx, block, method, args...)
	if err != nil {
		return nil, err
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, errs.New(errs.KindInternal, "chain."+method, "unexpected return type %T", out[0])
	}
	return toUint256("chain."+method, v)
}

// === Settlement ===

// ExecuteSettlement spends call.FromAmount out of the user's locked balance
// through the configured DEX and returns the recorded outcome.
func (c *Client) ExecuteSettlement(ctx context.Context, call settlement.Call) (settlement.Result, error) {
	minOut := new(big.Int)
	if call.MinToAmount != nil {
		minOut = call.MinToAmount.ToBig()
	}
	receipt, err := c.transact(ctx, "executeSettlement",
		call.User, call.FromToken, call.ToToken, call.FromAmount.ToBig(), minOut, c.dex)
	if err != nil {
		return settlement.Result{}, err
	}
	return c.readBack(ctx, receipt, call.User)
}

// ExecuteHedgeSettlement converts percentBps of the signer's own fromToken
// balance.
func (c *Client) ExecuteHedgeSettlement(ctx context.Context, fromToken, toToken common.Address, percentBps uint64) (settlement.Result, error) {
	receipt, err := c.transact(ctx, "executeHedgeSettlement",
		fromToken, toToken, new(big.Int).SetUint64(percentBps))
	if err != nil {
		return settlement.Result{}, err
	}
	return c.readBack(ctx, receipt, c.from)
}

// readBack loads the entry the confirmed transaction appended, pinned to the
// receipt's block so later settlements cannot be mistaken for it. On failure
// the returned result still carries the confirmation; see Result.Included.
func (c *Client) readBack(ctx context.Context, receipt *types.Receipt, user common.Address) (settlement.Result, error) {
	const op = "chain.readBack"
	res := settlement.Result{Confirmation: confirmation(receipt)}

	// The settlement is already final; a slow read must not turn it into a
	// timeout for the caller.
	readCtx := context.WithoutCancel(ctx)
	count, err := c.settlementCount(readCtx, receipt.BlockNumber, user)
	if err != nil {
		return res, errs.Wrap(errs.KindInternal, op, err)
	}
	if count == 0 {
		return res, errs.New(errs.KindInternal, op, "no settlement recorded for %s at block %s",
			user.Hex(), receipt.BlockNumber)
	}
	rec, err := c.settlement(readCtx, receipt.BlockNumber, user, count-1)
	if err != nil {
		return res, errs.Wrap(errs.KindInternal, op, err)
	}
	res.FromAmount = rec.FromAmount
	res.ToAmount = rec.ToAmount
	res.Timestamp = rec.Timestamp
	return res, nil
}

// SettlementCount is the number of entries in user's on-chain history.
func (c *Client) SettlementCount(ctx context.Context, user common.Address) (uint64, error) {
	return c.settlementCount(ctx, nil, user)
}

// Settlement reads entry index of user's on-chain history.
func (c *Client) Settlement(ctx context.Context, user common.Address, index uint64) (settlement.Record, error) {
	return c.settlement(ctx, nil, user, index)
}

func (c *Client) settlementCount(ctx context.Context, block *big.Int, user common.Address) (uint64, error) {
	n, err := c.amountView(ctx, block, "getSettlementCount", user)
	if err != nil {
		return 0, err
	}
	if !n.IsUint64() {
		return 0, errs.New(errs.KindInternal, "chain.getSettlementCount", "count overflows uint64: %s", n.Dec())
	}
	return n.Uint64(), nil
}

func (c *Client) settlement(ctx context.Context, block *big.Int, user common.Address, index uint64) (settlement.Record, error) {
	const op = "chain.getSettlement"
	out, err := c.call(ctx, block, "getSettlement", user, new(big.Int).SetUint64(index))
	if err != nil {
		return settlement.Record{}, err
	}
	return decodeSettlement(op, user, index, out)
}

func decodeSettlement(op string, user common.Address, index uint64, out []interface{}) (settlement.Record, error) {
	if len(out) != 6 {
		return settlement.Record{}, errs.New(errs.KindInternal, op, "expected 6 return values, got %d", len(out))
	}
	fromToken, ok1 := out[0].(common.Address)
	toToken, ok2 := out[1].(common.Address)
	fromAmount, ok3 := out[2].(*big.Int)
	toAmount, ok4 := out[3].(*big.Int)
	ts, ok5 := out[4].(*big.Int)
	executed, ok6 := out[5].(bool)
	if !(ok1 && ok2 && ok3 && ok4 && ok5 && ok6) {
		return settlement.Record{}, errs.New(errs.KindInternal, op, "unexpected return types")
	}

	rec := settlement.Record{
		User:      user,
		Index:     index,
		FromToken: fromToken,
		ToToken:   toToken,
		Timestamp: ts.Int64(),
		Executed:  executed,
	}
	from, err := toUint256(op, fromAmount)
	if err != nil {
		return settlement.Record{}, err
	}
	to, err := toUint256(op, toAmount)
	if err != nil {
		return settlement.Record{}, err
	}
	rec.FromAmount = *from
	rec.ToAmount = *to
	return rec, nil
}

func toUint256(op string, v *big.Int) (*uint256.Int, error) {
	out, overflow := uint256.FromBig(v)
	if overflow {
		return nil, errs.New(errs.KindInternal, op, "value overflows uint256: %s", v)
	}
	return out, nil
}

func confirmation(r *types.Receipt) ledger.Confirmation {
	conf := ledger.Confirmation{TxHash: r.TxHash}
	if r.BlockNumber != nil {
		conf.BlockNumber = r.BlockNumber.Uint64()
	}
	return conf
}
