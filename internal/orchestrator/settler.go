package orchestrator

import (
	"HedgeLedger/internal/errs"
	"HedgeLedger/internal/ledger"
	"HedgeLedger/internal/settlement"
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// Mode selects the settlement path. Fixed for the life of the process.
type Mode string

const (
	ModeDirect     Mode = "direct"
	ModeCollateral Mode = "collateral"
)

// ParseMode accepts "direct" or "collateral".
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeDirect, ModeCollateral:
		return Mode(s), nil
	default:
		return "", errs.New(errs.KindInvalidInput, "orchestrator.ParseMode", "unknown operating mode %q", s)
	}
}

// Settler is one settlement path. It drives the attempt from Proposed to a
// terminal state and returns the failure, if any.
type Settler interface {
	Mode() Mode
	// account is the identity the settlement is booked under.
	account(o Order) common.Address
	validate(o Order) error
	settle(ctx context.Context, a *attempt) error
}

// compensationTimeout bounds the unlock issued after a failed submission.
// It runs detached from the caller's context, which may already be done.
const compensationTimeout = 30 * time.Second

// === Collateral-backed path ===

// CollateralSettler locks the user's collateral, settles against the locked
// funds, and books the result in the ledger.
type CollateralSettler struct {
	ledger   *ledger.Ledger
	executor settlement.Executor
	timeout  time.Duration
	logger   zerolog.Logger
}

func NewCollateralSettler(l *ledger.Ledger, executor settlement.Executor, timeout time.Duration, logger zerolog.Logger) *CollateralSettler {
	return &CollateralSettler{ledger: l, executor: executor, timeout: timeout, logger: logger}
}

func (s *CollateralSettler) Mode() Mode { return ModeCollateral }

func (s *CollateralSettler) account(o Order) common.Address { return o.User }

func (s *CollateralSettler) validate(o Order) error {
	const op = "orchestrator.Execute"
	if o.User == (common.Address{}) {
		return errs.New(errs.KindInvalidInput, op, "destination account is required in collateral mode")
	}
	if o.FromAmount == nil || o.FromAmount.IsZero() {
		return errs.New(errs.KindInvalidInput, op, "from amount must be positive")
	}
	return nil
}

func (s *CollateralSettler) settle(ctx context.Context, a *attempt) error {
	o := a.order
	fromKey := ledger.NewAccountKey(o.User, o.FromToken)
	log := s.logger.With().Str("attempt_id", a.id.String()).Str("account", fromKey.AccountPath()).Logger()

	a.transition(StateLocking)
	if err := s.lock(ctx, fromKey, o); err != nil {
		a.transition(StateAborted)
		if errs.KindOf(err) == errs.KindInsufficientAvailableBalance {
			return errs.Wrap(errs.KindInsufficientCollateral, "orchestrator.Lock", err)
		}
		if errs.KindOf(err) == errs.KindRemoteCallTimeout {
			log.Warn().Err(err).Msg("collateral lock timed out, account marked stale")
		}
		return err
	}

	a.transition(StateSubmitted)
	res, err := s.submit(ctx, settlement.Call{
		User:        o.User,
		FromToken:   o.FromToken,
		ToToken:     o.ToToken,
		FromAmount:  o.FromAmount,
		MinToAmount: o.MinToAmount,
	})
	toKey := ledger.NewAccountKey(o.User, o.ToToken)
	if err != nil && res.Included() {
		// Confirmed on-chain but unreadable: the spend is final, so the
		// reservation is not released and both keys reload from the remote.
		a.txHash = res.Confirmation.TxHash
		a.block = res.Confirmation.BlockNumber
		a.transition(StateConfirmed)
		s.ledger.MarkStale(fromKey)
		s.ledger.MarkStale(toKey)
		log.Error().Err(err).Str("tx", res.Confirmation.TxHash.Hex()).
			Msg("settlement confirmed but outcome unreadable, accounts marked stale")
		return nil
	}
	if err != nil {
		a.transition(StateReverted)
		s.compensate(ctx, fromKey, a, err, log)
		return err
	}

	a.fromAmount = res.FromAmount
	a.toAmount = res.ToAmount
	a.txHash = res.Confirmation.TxHash
	a.block = res.Confirmation.BlockNumber
	a.settledAt = res.Timestamp
	a.transition(StateConfirmed)

	// The settlement is final; bookkeeping failures only leave the local view
	// behind, so flag the keys for reconciliation instead of failing.
	bookCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()
	if _, err := s.ledger.Settle(bookCtx, fromKey, o.FromAmount, &res.FromAmount); err != nil {
		s.ledger.MarkStale(fromKey)
		log.Error().Err(err).Msg("booking confirmed settlement failed, account marked stale")
	}
	if err := s.ledger.Credit(bookCtx, toKey, &res.ToAmount); err != nil {
		s.ledger.MarkStale(toKey)
		log.Error().Err(err).Str("to_account", toKey.AccountPath()).Msg("crediting proceeds failed, account marked stale")
	}
	return nil
}

// lock reserves the order amount under the same deadline as the submission.
func (s *CollateralSettler) lock(ctx context.Context, key ledger.AccountKey, o Order) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	_, err := s.ledger.Lock(ctx, key, o.FromAmount)
	return err
}

func (s *CollateralSettler) submit(ctx context.Context, call settlement.Call) (settlement.Result, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	return s.executor.ExecuteSettlement(ctx, call)
}

// compensate releases the full reservation after a failed submission.
func (s *CollateralSettler) compensate(ctx context.Context, key ledger.AccountKey, a *attempt, cause error, log zerolog.Logger) {
	unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	if _, err := s.ledger.Unlock(unlockCtx, key, a.order.FromAmount); err != nil {
		// The settlement may have landed after all; let the next operation
		// reload the account.
		s.ledger.MarkStale(key)
		log.Error().Err(err).AnErr("cause", cause).Msg("compensating unlock failed, account marked stale")
		return
	}
	if errs.KindOf(cause) == errs.KindRemoteCallTimeout {
		// A timed-out submission can still confirm later.
		s.ledger.MarkStale(key)
		toKey := ledger.NewAccountKey(a.order.User, a.order.ToToken)
		s.ledger.MarkStale(toKey)
	}
	log.Warn().AnErr("cause", cause).Msg("settlement reverted, collateral released")
}

// === Direct path ===

// DirectSettler calls the hedge entry point with the service's own signing
// identity. No collateral is locked.
type DirectSettler struct {
	executor settlement.Executor
	signer   common.Address
	timeout  time.Duration
}

func NewDirectSettler(executor settlement.Executor, signer common.Address, timeout time.Duration) *DirectSettler {
	return &DirectSettler{executor: executor, signer: signer, timeout: timeout}
}

func (s *DirectSettler) Mode() Mode { return ModeDirect }

func (s *DirectSettler) account(Order) common.Address { return s.signer }

func (s *DirectSettler) validate(o Order) error {
	if o.PercentBps == 0 || o.PercentBps > 10_000 {
		return errs.New(errs.KindInvalidInput, "orchestrator.Execute",
			"percent must be in (0, 100], got %d bps", o.PercentBps)
	}
	return nil
}

func (s *DirectSettler) settle(ctx context.Context, a *attempt) error {
	o := a.order

	a.transition(StateSubmitted)
	submitCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		submitCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	res, err := s.executor.ExecuteHedgeSettlement(submitCtx, o.FromToken, o.ToToken, o.PercentBps)
	if err != nil && res.Included() {
		// Final on-chain; amounts are recovered from the settlement history.
		a.txHash = res.Confirmation.TxHash
		a.block = res.Confirmation.BlockNumber
		a.transition(StateConfirmed)
		return nil
	}
	if err != nil {
		a.transition(StateReverted)
		return err
	}

	a.fromAmount = res.FromAmount
	a.toAmount = res.ToAmount
	a.txHash = res.Confirmation.TxHash
	a.block = res.Confirmation.BlockNumber
	a.settledAt = res.Timestamp
	a.transition(StateConfirmed)
	return nil
}
