// Package settlement holds the append-only, per-user settlement history.
package settlement

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Record is one settlement attempt that reached submission. Records are
// immutable once appended; Index is assigned by the store and is the
// canonical per-user ordering.
type Record struct {
	User        common.Address
	Index       uint64
	AttemptID   uuid.UUID
	Mode        string
	FromToken   common.Address
	ToToken     common.Address
	FromAmount  uint256.Int
	ToAmount    uint256.Int
	Timestamp   int64 // unix seconds
	Executed    bool
	TxHash      common.Hash
	FailureKind string // empty when executed
}

type recordJSON struct {
	User        common.Address `json:"user"`
	Index       uint64         `json:"index"`
	AttemptID   string         `json:"attempt_id,omitempty"`
	Mode        string         `json:"mode,omitempty"`
	FromToken   common.Address `json:"from_token"`
	ToToken     common.Address `json:"to_token"`
	FromAmount  string         `json:"from_amount"`
	ToAmount    string         `json:"to_amount"`
	Timestamp   int64          `json:"timestamp"`
	Executed    bool           `json:"executed"`
	TxHash      string         `json:"tx_hash,omitempty"`
	FailureKind string         `json:"failure_kind,omitempty"`
}

// MarshalJSON renders amounts as decimal strings.
func (r Record) MarshalJSON() ([]byte, error) {
	out := recordJSON{
		User:        r.User,
		Index:       r.Index,
		Mode:        r.Mode,
		FromToken:   r.FromToken,
		ToToken:     r.ToToken,
		FromAmount:  r.FromAmount.Dec(),
		ToAmount:    r.ToAmount.Dec(),
		Timestamp:   r.Timestamp,
		Executed:    r.Executed,
		FailureKind: r.FailureKind,
	}
	if r.AttemptID != uuid.Nil {
		out.AttemptID = r.AttemptID.String()
	}
	if r.TxHash != (common.Hash{}) {
		out.TxHash = r.TxHash.Hex()
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts the MarshalJSON representation.
func (r *Record) UnmarshalJSON(data []byte) error {
	var in recordJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	from, err := uint256.FromDecimal(orZero(in.FromAmount))
	if err != nil {
		return err
	}
	to, err := uint256.FromDecimal(orZero(in.ToAmount))
	if err != nil {
		return err
	}

	*r = Record{
		User:        in.User,
		Index:       in.Index,
		Mode:        in.Mode,
		FromToken:   in.FromToken,
		ToToken:     in.ToToken,
		Timestamp:   in.Timestamp,
		Executed:    in.Executed,
		FailureKind: in.FailureKind,
	}
	r.FromAmount.Set(from)
	r.ToAmount.Set(to)
	if in.AttemptID != "" {
		if r.AttemptID, err = uuid.Parse(in.AttemptID); err != nil {
			return err
		}
	}
	if in.TxHash != "" {
		r.TxHash = common.HexToHash(in.TxHash)
	}
	return nil
}

func orZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}
