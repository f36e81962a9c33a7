package orchestrator

import (
	"HedgeLedger/internal/errs"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// State is a settlement attempt's position in its state machine:
//
//	Proposed -> Locking -> Submitted -> Confirmed | Reverted
//	Proposed -> Submitted (direct mode, no locking)
//	Proposed | Locking -> Aborted (rejected before any submission)
type State string

const (
	StateProposed  State = "Proposed"
	StateLocking   State = "Locking"
	StateSubmitted State = "Submitted"
	StateConfirmed State = "Confirmed"
	StateReverted  State = "Reverted"
	StateAborted   State = "Aborted"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateConfirmed || s == StateReverted || s == StateAborted
}

var transitions = map[State][]State{
	StateProposed:  {StateLocking, StateSubmitted, StateAborted},
	StateLocking:   {StateSubmitted, StateAborted},
	StateSubmitted: {StateConfirmed, StateReverted},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Order is one settlement request. Collateral mode spends FromAmount out of
// User's locked collateral; direct mode converts PercentBps of the service
// signer's own balance and ignores User and FromAmount.
type Order struct {
	User        common.Address
	FromToken   common.Address
	ToToken     common.Address
	FromAmount  *uint256.Int
	MinToAmount *uint256.Int
	PercentBps  uint64
}

func (o Order) validate(op string) error {
	if o.FromToken == (common.Address{}) || o.ToToken == (common.Address{}) {
		return errs.New(errs.KindInvalidInput, op, "from and to tokens are required")
	}
	if o.FromToken == o.ToToken {
		return errs.New(errs.KindInvalidInput, op, "from and to tokens must differ")
	}
	return nil
}

// attempt is the mutable record of one Execute call. Only the goroutine
// running Execute touches it.
type attempt struct {
	id      uuid.UUID
	mode    Mode
	order   Order
	user    common.Address
	state   State
	history []State
	started time.Time

	fromAmount uint256.Int
	toAmount   uint256.Int
	txHash     common.Hash
	block      uint64
	settledAt  int64

	onTransition func(from, to State)
}

func newAttempt(mode Mode, order Order, user common.Address, now time.Time) *attempt {
	a := &attempt{
		id:      uuid.New(),
		mode:    mode,
		order:   order,
		user:    user,
		state:   StateProposed,
		history: []State{StateProposed},
		started: now,
	}
	if order.FromAmount != nil {
		a.fromAmount.Set(order.FromAmount)
	}
	return a
}

func (a *attempt) transition(to State) {
	if !canTransition(a.state, to) {
		// Settlers only request transitions from the table above.
		panic(fmt.Sprintf("settlement attempt %s: illegal transition %s -> %s", a.id, a.state, to))
	}
	from := a.state
	a.state = to
	a.history = append(a.history, to)
	if a.onTransition != nil {
		a.onTransition(from, to)
	}
}

func (a *attempt) submitted() bool {
	for _, s := range a.history {
		if s == StateSubmitted {
			return true
		}
	}
	return false
}
