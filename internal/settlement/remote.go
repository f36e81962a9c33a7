package settlement

import (
	"HedgeLedger/internal/ledger"
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Call is a collateral-scoped settlement request. The remote ledger spends
// FromAmount out of User's locked FromToken balance and credits the swap
// proceeds to User's ToToken balance.
type Call struct {
	User        common.Address
	FromToken   common.Address
	ToToken     common.Address
	FromAmount  *uint256.Int
	MinToAmount *uint256.Int
}

// Result is the confirmed outcome of a settlement call as read back from
// the remote ledger.
type Result struct {
	Confirmation ledger.Confirmation
	FromAmount   uint256.Int
	ToAmount     uint256.Int
	Timestamp    int64
}

// Included reports whether the settlement transaction was confirmed, even
// when reading its outcome back failed. An included settlement is final and
// must never be compensated.
func (r Result) Included() bool {
	return r.Confirmation.TxHash != (common.Hash{})
}

// Executor is the settlement entry points of the remote ledger. Both calls
// return only after the transaction is confirmed or has definitively failed.
type Executor interface {
	ExecuteSettlement(ctx context.Context, call Call) (Result, error)
	ExecuteHedgeSettlement(ctx context.Context, fromToken, toToken common.Address, percentBps uint64) (Result, error)
}

// History is the read side of the remote settlement log.
type History interface {
	SettlementCount(ctx context.Context, user common.Address) (uint64, error)
	Settlement(ctx context.Context, user common.Address, index uint64) (Record, error)
}
