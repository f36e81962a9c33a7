package persistence

import (
	"HedgeLedger/internal/errs"
	"HedgeLedger/internal/settlement"
	"context"
	"database/sql"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// SettlementStore is the Postgres-backed settlement.Store.
//
// Per-user indices are assigned inside the inserting transaction under a
// transaction-scoped advisory lock on the user, so concurrent appends from
// several processes still produce a gap-free sequence.
type SettlementStore struct {
	db *sql.DB
}

func NewSettlementStore(db *sql.DB) *SettlementStore {
	return &SettlementStore{db: db}
}

const settlementColumns = `user_address, idx, attempt_id, mode, from_token, to_token,
	from_amount, to_amount, settled_at, executed, tx_hash, failure_kind`

func (s *SettlementStore) Append(ctx context.Context, r settlement.Record) (settlement.Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return settlement.Record{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	user := r.User.Hex()
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, user); err != nil {
		return settlement.Record{}, fmt.Errorf("lock user %s: %w", user, err)
	}

	var next int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(idx) + 1, 0) FROM hedge.settlement_log WHERE user_address = $1`, user,
	).Scan(&next); err != nil {
		return settlement.Record{}, fmt.Errorf("next index for %s: %w", user, err)
	}
	r.Index = uint64(next)

	attempt := uuid.NullUUID{UUID: r.AttemptID, Valid: r.AttemptID != uuid.Nil}
	txHash := sql.NullString{String: r.TxHash.Hex(), Valid: r.TxHash != (common.Hash{})}

	_, err = tx.ExecContext(ctx, `INSERT INTO hedge.settlement_log (`+settlementColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		user, next, attempt, r.Mode, r.FromToken.Hex(), r.ToToken.Hex(),
		r.FromAmount.Dec(), r.ToAmount.Dec(), r.Timestamp, r.Executed, txHash, r.FailureKind,
	)
	if err != nil {
		return settlement.Record{}, fmt.Errorf("insert settlement %s/%d: %w", user, next, err)
	}

	if err := tx.Commit(); err != nil {
		return settlement.Record{}, fmt.Errorf("commit settlement %s/%d: %w", user, next, err)
	}
	return r, nil
}

func (s *SettlementStore) Count(ctx context.Context, user common.Address) (uint64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM hedge.settlement_log WHERE user_address = $1`, user.Hex(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count settlements: %w", err)
	}
	return uint64(n), nil
}

func (s *SettlementStore) Get(ctx context.Context, user common.Address, index uint64) (settlement.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+settlementColumns+` FROM hedge.settlement_log WHERE user_address = $1 AND idx = $2`,
		user.Hex(), int64(index),
	)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return settlement.Record{}, errs.New(errs.KindNotFound, "settlement.Get",
			"no settlement %d for %s", index, user.Hex())
	}
	return r, err
}

func (s *SettlementStore) List(ctx context.Context, user common.Address) ([]settlement.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+settlementColumns+` FROM hedge.settlement_log WHERE user_address = $1 ORDER BY idx`,
		user.Hex(),
	)
	if err != nil {
		return nil, fmt.Errorf("list settlements: %w", err)
	}
	defer rows.Close()

	var out []settlement.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (settlement.Record, error) {
	var (
		r                    settlement.Record
		user, from, to       string
		idx                  int64
		attempt              uuid.NullUUID
		fromAmount, toAmount string
		txHash               sql.NullString
	)
	err := row.Scan(&user, &idx, &attempt, &r.Mode, &from, &to,
		&fromAmount, &toAmount, &r.Timestamp, &r.Executed, &txHash, &r.FailureKind)
	if err != nil {
		return settlement.Record{}, err
	}

	fa, err := uint256.FromDecimal(fromAmount)
	if err != nil {
		return settlement.Record{}, fmt.Errorf("decode from_amount %q: %w", fromAmount, err)
	}
	ta, err := uint256.FromDecimal(toAmount)
	if err != nil {
		return settlement.Record{}, fmt.Errorf("decode to_amount %q: %w", toAmount, err)
	}

	r.User = common.HexToAddress(user)
	r.Index = uint64(idx)
	r.FromToken = common.HexToAddress(from)
	r.ToToken = common.HexToAddress(to)
	r.FromAmount.Set(fa)
	r.ToAmount.Set(ta)
	if attempt.Valid {
		r.AttemptID = attempt.UUID
	}
	if txHash.Valid {
		r.TxHash = common.HexToHash(txHash.String)
	}
	return r, nil
}
