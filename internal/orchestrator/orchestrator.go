// Package orchestrator drives one settlement attempt through its state
// machine using the settlement path chosen at startup, and records the
// outcome in the settlement log.
package orchestrator

import (
	"HedgeLedger/internal/errs"
	"HedgeLedger/internal/observability"
	"HedgeLedger/internal/settlement"
	"context"
	"time"

	"github.com/rs/zerolog"
)

// EventSink receives every terminal receipt. Implementations must not block.
type EventSink interface {
	Emit(r *Receipt)
}

// Orchestrator executes settlement orders. Safe for concurrent use; per-account
// serialization is the ledger's job.
type Orchestrator struct {
	settler Settler
	log     *settlement.Log
	sink    EventSink // optional
	metrics *observability.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

func New(settler Settler, log *settlement.Log, sink EventSink, metrics *observability.Metrics, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		settler: settler,
		log:     log,
		sink:    sink,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// Mode returns the settlement path this orchestrator was built with.
func (o *Orchestrator) Mode() Mode {
	return o.settler.Mode()
}

// Execute runs one attempt to a terminal state. The receipt is always
// non-nil and has the same shape in both modes; err carries the failure kind
// when the attempt did not confirm. Nothing is retried.
//
// Attempts that reached submission append exactly one settlement record:
// executed=true on confirmation, executed=false on revert or timeout.
func (o *Orchestrator) Execute(ctx context.Context, order Order) (*Receipt, error) {
	const op = "orchestrator.Execute"
	mode := o.settler.Mode()
	a := newAttempt(mode, order, o.settler.account(order), o.now())

	logger := o.logger.With().
		Str("attempt_id", a.id.String()).
		Str("mode", string(mode)).
		Str("user", a.user.Hex()).
		Logger()
	a.onTransition = func(from, to State) {
		logger.Debug().Str("from", string(from)).Str("state", string(to)).Msg("settlement transition")
		if o.metrics != nil {
			o.metrics.SettlementTransitions.WithLabelValues(string(mode), string(to)).Inc()
		}
	}

	err := order.validate(op)
	if err == nil {
		err = o.settler.validate(order)
	}
	if err != nil {
		a.transition(StateAborted)
		return o.finish(a, err, nil, logger), err
	}

	err = o.settler.settle(ctx, a)

	var rec *settlement.Record
	if a.submitted() {
		stored, appendErr := o.record(ctx, a, err)
		if appendErr != nil {
			logger.Error().Err(appendErr).Msg("settlement record append failed")
			if err == nil {
				err = appendErr
			}
		} else {
			rec = &stored
		}
	}
	return o.finish(a, err, rec, logger), err
}

func (o *Orchestrator) record(ctx context.Context, a *attempt, cause error) (settlement.Record, error) {
	rec := settlement.Record{
		User:       a.user,
		AttemptID:  a.id,
		Mode:       string(a.mode),
		FromToken:  a.order.FromToken,
		ToToken:    a.order.ToToken,
		FromAmount: a.fromAmount,
		ToAmount:   a.toAmount,
		Timestamp:  a.settledAt,
		Executed:   a.state == StateConfirmed,
		TxHash:     a.txHash,
	}
	if cause != nil {
		rec.FailureKind = string(errs.KindOf(cause))
	}
	return o.log.Append(context.WithoutCancel(ctx), rec)
}

func (o *Orchestrator) finish(a *attempt, err error, rec *settlement.Record, logger zerolog.Logger) *Receipt {
	r := a.receipt(err, o.now())
	if rec != nil {
		r.Recorded = true
		r.RecordIndex = rec.Index
	}

	if o.metrics != nil {
		o.metrics.SettlementAttempts.WithLabelValues(string(a.mode), string(a.state)).Inc()
		o.metrics.SettlementDuration.WithLabelValues(string(a.mode)).Observe(r.FinishedAt.Sub(r.StartedAt).Seconds())
	}

	ev := logger.Info()
	if err != nil {
		ev = logger.Warn().Err(err).Str("kind", string(errs.KindOf(err)))
	}
	ev.Str("state", string(a.state)).
		Str("from_amount", a.fromAmount.Dec()).
		Str("to_amount", a.toAmount.Dec()).
		Str("tx", r.TxHash.Hex()).
		Msg("settlement attempt finished")

	if o.sink != nil {
		o.sink.Emit(r)
	}
	return r
}
