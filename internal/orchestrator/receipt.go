package orchestrator

import (
	"HedgeLedger/internal/errs"
	"encoding/json"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Receipt is the mode-agnostic outcome of Execute. Every field is present in
// both modes and on both success and failure.
type Receipt struct {
	AttemptID      uuid.UUID
	Mode           Mode
	State          State
	Transitions    []State
	User           common.Address
	FromToken      common.Address
	ToToken        common.Address
	FromAmount     uint256.Int
	ToAmount       uint256.Int
	TxHash         common.Hash
	BlockNumber    uint64
	Recorded       bool   // a settlement record was appended
	RecordIndex    uint64 // valid when Recorded
	FailureKind    errs.Kind
	FailureMessage string
	StartedAt      time.Time
	FinishedAt     time.Time
}

// Executed reports whether the settlement confirmed.
func (r *Receipt) Executed() bool {
	return r.State == StateConfirmed
}

type receiptJSON struct {
	AttemptID      string         `json:"attempt_id"`
	Mode           Mode           `json:"mode"`
	State          State          `json:"state"`
	Executed       bool           `json:"executed"`
	Transitions    []State        `json:"transitions"`
	User           common.Address `json:"user"`
	FromToken      common.Address `json:"from_token"`
	ToToken        common.Address `json:"to_token"`
	FromAmount     string         `json:"from_amount"`
	ToAmount       string         `json:"to_amount"`
	TxHash         string         `json:"tx_hash"`
	BlockNumber    uint64         `json:"block_number"`
	Recorded       bool           `json:"recorded"`
	RecordIndex    uint64         `json:"record_index"`
	FailureKind    errs.Kind      `json:"failure_kind"`
	FailureMessage string         `json:"failure_message"`
	StartedAt      time.Time      `json:"started_at"`
	FinishedAt     time.Time      `json:"finished_at"`
}

// MarshalJSON emits every key regardless of outcome so callers never branch
// on shape.
func (r *Receipt) MarshalJSON() ([]byte, error) {
	out := receiptJSON{
		AttemptID:      r.AttemptID.String(),
		Mode:           r.Mode,
		State:          r.State,
		Executed:       r.Executed(),
		Transitions:    r.Transitions,
		User:           r.User,
		FromToken:      r.FromToken,
		ToToken:        r.ToToken,
		FromAmount:     r.FromAmount.Dec(),
		ToAmount:       r.ToAmount.Dec(),
		BlockNumber:    r.BlockNumber,
		Recorded:       r.Recorded,
		RecordIndex:    r.RecordIndex,
		FailureKind:    r.FailureKind,
		FailureMessage: r.FailureMessage,
		StartedAt:      r.StartedAt,
		FinishedAt:     r.FinishedAt,
	}
	if r.TxHash != (common.Hash{}) {
		out.TxHash = r.TxHash.Hex()
	}
	if out.Transitions == nil {
		out.Transitions = []State{}
	}
	return json.Marshal(out)
}

func (a *attempt) receipt(err error, finished time.Time) *Receipt {
	r := &Receipt{
		AttemptID:   a.id,
		Mode:        a.mode,
		State:       a.state,
		Transitions: append([]State(nil), a.history...),
		User:        a.user,
		FromToken:   a.order.FromToken,
		ToToken:     a.order.ToToken,
		FromAmount:  a.fromAmount,
		ToAmount:    a.toAmount,
		TxHash:      a.txHash,
		BlockNumber: a.block,
		StartedAt:   a.started,
		FinishedAt:  finished,
	}
	if err != nil {
		r.FailureKind = errs.KindOf(err)
		r.FailureMessage = errs.Message(err)
	}
	return r
}
