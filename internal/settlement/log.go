package settlement

import (
	"HedgeLedger/internal/errs"
	"HedgeLedger/internal/observability"
	"context"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// Log is the append-only settlement history. It is the only writer of its
// Store; records are never edited or removed.
type Log struct {
	store   Store
	remote  History // optional; nil disables chain reads
	metrics *observability.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

func NewLog(store Store, remote History, metrics *observability.Metrics, logger zerolog.Logger) *Log {
	return &Log{
		store:   store,
		remote:  remote,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// Append stores r under the next index for r.User.
func (l *Log) Append(ctx context.Context, r Record) (Record, error) {
	const op = "settlement.Append"

	if r.User == (common.Address{}) {
		return Record{}, errs.New(errs.KindInvalidInput, op, "user address is required")
	}
	if r.FromToken == (common.Address{}) || r.ToToken == (common.Address{}) {
		return Record{}, errs.New(errs.KindInvalidInput, op, "from and to tokens are required")
	}
	if r.Executed && r.FailureKind != "" {
		return Record{}, errs.New(errs.KindInvalidInput, op, "executed record cannot carry failure kind %q", r.FailureKind)
	}
	if r.Timestamp == 0 {
		r.Timestamp = l.now().Unix()
	}

	stored, err := l.store.Append(ctx, r)
	if err != nil {
		return Record{}, errs.Wrap(errs.KindInternal, op, err)
	}

	if l.metrics != nil {
		l.metrics.SettlementLogAppends.WithLabelValues(strconv.FormatBool(stored.Executed)).Inc()
	}
	l.logger.Info().
		Str("user", stored.User.Hex()).
		Uint64("index", stored.Index).
		Str("attempt_id", stored.AttemptID.String()).
		Bool("executed", stored.Executed).
		Str("from_amount", stored.FromAmount.Dec()).
		Str("to_amount", stored.ToAmount.Dec()).
		Msg("settlement recorded")
	return stored, nil
}

// History returns every record for user in insertion order.
func (l *Log) History(ctx context.Context, user common.Address) ([]Record, error) {
	records, err := l.store.List(ctx, user)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "settlement.History", err)
	}
	return records, nil
}

func (l *Log) Get(ctx context.Context, user common.Address, index uint64) (Record, error) {
	r, err := l.store.Get(ctx, user, index)
	if err != nil {
		if errs.KindOf(err) == errs.KindNotFound {
			return Record{}, err
		}
		return Record{}, errs.Wrap(errs.KindInternal, "settlement.Get", err)
	}
	return r, nil
}

func (l *Log) Count(ctx context.Context, user common.Address) (uint64, error) {
	n, err := l.store.Count(ctx, user)
	if err != nil {
		return 0, errs.Wrap(errs.KindInternal, "settlement.Count", err)
	}
	return n, nil
}

// RemoteHistory reads user's settlements straight from the remote ledger,
// walking indices 0..count-1. A mismatch with the local count of executed
// records is logged for operators; nothing is written locally.
func (l *Log) RemoteHistory(ctx context.Context, user common.Address) ([]Record, error) {
	const op = "settlement.RemoteHistory"

	if l.remote == nil {
		return nil, errs.New(errs.KindInvalidInput, op, "remote history is not available")
	}
	count, err := l.remote.SettlementCount(ctx, user)
	if err != nil {
		return nil, err
	}

	out := make([]Record, 0, count)
	for i := uint64(0); i < count; i++ {
		r, err := l.remote.Settlement(ctx, user, i)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}

	local, err := l.History(ctx, user)
	if err != nil {
		return out, nil
	}
	var executed uint64
	for _, r := range local {
		if r.Executed {
			executed++
		}
	}
	if executed != count {
		l.logger.Warn().
			Str("user", user.Hex()).
			Uint64("remote_count", count).
			Uint64("local_executed", executed).
			Msg("settlement history differs from remote ledger")
	}
	return out, nil
}
