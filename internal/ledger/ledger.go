package ledger

import (
	"HedgeLedger/internal/errs"
	"HedgeLedger/internal/observability"
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// Confirmation is the handle returned once a remote write is included.
type Confirmation struct {
	TxHash      common.Hash `json:"tx_hash"`
	BlockNumber uint64      `json:"block_number"`
}

// Remote is the subset of the settlement contract the ledger wraps.
// Writes return only after confirmation; reads return confirmed state only.
type Remote interface {
	DepositCollateral(ctx context.Context, key AccountKey, amount *uint256.Int) (Confirmation, error)
	WithdrawCollateral(ctx context.Context, key AccountKey, amount *uint256.Int) (Confirmation, error)
	LockCollateral(ctx context.Context, key AccountKey, amount *uint256.Int) (Confirmation, error)
	UnlockCollateral(ctx context.Context, key AccountKey, amount *uint256.Int) (Confirmation, error)
	TotalCollateral(ctx context.Context, key AccountKey) (*uint256.Int, error)
	LockedCollateral(ctx context.Context, key AccountKey) (*uint256.Int, error)
}

// Ledger is the local, confirmed view of every collateral account.
//
// Mutations on one key are serialized for their whole duration, including the
// remote call, so two callers can never both observe the same available
// balance. Unrelated keys proceed in parallel.
type Ledger struct {
	remote  Remote
	metrics *observability.Metrics
	logger  zerolog.Logger

	mu       sync.Mutex
	accounts map[AccountKey]*slot
}

type slot struct {
	sem   chan struct{} // held by the in-flight operation
	mu    sync.RWMutex  // guards acct and stale
	acct  Account
	stale bool // remote state unknown; reload before the next mutation

	loaded bool // acct has been read from the remote at least once
}

func New(remote Remote, metrics *observability.Metrics, logger zerolog.Logger) *Ledger {
	return &Ledger{
		remote:   remote,
		metrics:  metrics,
		logger:   logger,
		accounts: make(map[AccountKey]*slot),
	}
}

// === Mutations ===

// Deposit adds amount to total once the remote deposit is confirmed.
func (l *Ledger) Deposit(ctx context.Context, key AccountKey, amount *uint256.Int) (Confirmation, error) {
	return l.mutate(ctx, "ledger.Deposit", key, amount,
		func(a Account) error { return checkDepositFits("ledger.Deposit", a, amount) },
		l.remote.DepositCollateral,
		func(a *Account) { a.Total.Add(&a.Total, amount) },
	)
}

// Withdraw removes amount from total; requires available >= amount.
func (l *Ledger) Withdraw(ctx context.Context, key AccountKey, amount *uint256.Int) (Confirmation, error) {
	return l.mutate(ctx, "ledger.Withdraw", key, amount,
		func(a Account) error { return checkAvailable("ledger.Withdraw", a, amount) },
		l.remote.WithdrawCollateral,
		func(a *Account) { a.Total.Sub(&a.Total, amount) },
	)
}

// Lock reserves amount; requires available >= amount.
func (l *Ledger) Lock(ctx context.Context, key AccountKey, amount *uint256.Int) (Confirmation, error) {
	return l.mutate(ctx, "ledger.Lock", key, amount,
		func(a Account) error { return checkAvailable("ledger.Lock", a, amount) },
		l.remote.LockCollateral,
		func(a *Account) { a.Locked.Add(&a.Locked, amount) },
	)
}

// Unlock releases amount; requires locked >= amount.
func (l *Ledger) Unlock(ctx context.Context, key AccountKey, amount *uint256.Int) (Confirmation, error) {
	return l.mutate(ctx, "ledger.Unlock", key, amount,
		func(a Account) error { return checkLocked("ledger.Unlock", a, amount) },
		l.remote.UnlockCollateral,
		func(a *Account) { a.Locked.Sub(&a.Locked, amount) },
	)
}

// Settle books a confirmed settlement that consumed spent out of a locked
// reservation. The consumption is applied first (it is already final
// on-chain); any unused remainder is then released with a remote unlock.
// When the key had to be reloaded, the remote view already reflects the
// consumption and only the release is performed.
func (l *Ledger) Settle(ctx context.Context, key AccountKey, locked, spent *uint256.Int) (*Confirmation, error) {
	const op = "ledger.Settle"
	start := time.Now()

	if err := key.validate(op); err != nil {
		return nil, err
	}
	if locked == nil || locked.IsZero() {
		return nil, errs.New(errs.KindInvalidInput, op, "locked amount must be positive")
	}
	if spent == nil || spent.Gt(locked) {
		return nil, errs.New(errs.KindInvalidInput, op, "spent amount must not exceed locked amount")
	}

	s, reloaded, err := l.acquire(ctx, op, key)
	if err != nil {
		l.observe(op, start, err)
		return nil, err
	}
	defer s.release()

	if !reloaded {
		if err := checkLocked(op, s.account(), locked); err != nil {
			l.observe(op, start, err)
			return nil, err
		}
		s.apply(func(a *Account) {
			a.Total.Sub(&a.Total, spent)
			a.Locked.Sub(&a.Locked, spent)
		})
	}

	remainder := new(uint256.Int).Sub(locked, spent)
	if remainder.IsZero() {
		l.observe(op, start, nil)
		return nil, nil
	}

	conf, err := l.remote.UnlockCollateral(ctx, key, remainder)
	if err != nil {
		if errs.KindOf(err) == errs.KindRemoteCallTimeout {
			s.markStale()
		}
		l.observe(op, start, err)
		return nil, err
	}
	s.apply(func(a *Account) { a.Locked.Sub(&a.Locked, remainder) })

	l.logger.Debug().
		Str("account", key.AccountPath()).
		Str("spent", spent.Dec()).
		Str("released", remainder.Dec()).
		Msg("settlement booked")
	l.observe(op, start, nil)
	return &conf, nil
}

// Credit books swap proceeds that the remote settlement already credited to
// key. No remote call is made. A key loaded from the remote by this call
// already includes the proceeds and is left as read.
func (l *Ledger) Credit(ctx context.Context, key AccountKey, amount *uint256.Int) error {
	const op = "ledger.Credit"
	start := time.Now()

	if err := key.validate(op); err != nil {
		return err
	}
	if amount == nil || amount.IsZero() {
		return nil
	}

	s, reloaded, err := l.acquire(ctx, op, key)
	if err != nil {
		l.observe(op, start, err)
		return err
	}
	defer s.release()
	if reloaded {
		l.observe(op, start, nil)
		return nil
	}

	if err := checkDepositFits(op, s.account(), amount); err != nil {
		l.observe(op, start, err)
		return err
	}
	s.apply(func(a *Account) { a.Total.Add(&a.Total, amount) })
	l.observe(op, start, nil)
	return nil
}

// Reconcile reloads key from the remote read views.
func (l *Ledger) Reconcile(ctx context.Context, key AccountKey) (Account, error) {
	const op = "ledger.Reconcile"
	if err := key.validate(op); err != nil {
		return Account{}, err
	}

	s, reloaded, err := l.acquire(ctx, op, key)
	if err != nil {
		return Account{}, err
	}
	defer s.release()

	if !reloaded {
		if err := l.reload(ctx, key, s); err != nil {
			return Account{}, err
		}
	}
	return s.account(), nil
}

// MarkStale flags key so the next mutation reloads it from the remote first.
func (l *Ledger) MarkStale(key AccountKey) {
	l.slotFor(key).markStale()
}

// === Reads (confirmed local view) ===

// Account returns a copy of the confirmed account state. Unknown keys read as zero.
func (l *Ledger) Account(key AccountKey) Account {
	l.mu.Lock()
	s, ok := l.accounts[key]
	l.mu.Unlock()
	if !ok {
		return Account{Key: key}
	}
	return s.account()
}

// Available returns total - locked
func (l *Ledger) Available(key AccountKey) *uint256.Int {
	return l.Account(key).Available()
}

// Total returns the total deposited balance
func (l *Ledger) Total(key AccountKey) *uint256.Int {
	a := l.Account(key)
	return new(uint256.Int).Set(&a.Total)
}

// Locked returns the reserved balance
func (l *Ledger) Locked(key AccountKey) *uint256.Int {
	a := l.Account(key)
	return new(uint256.Int).Set(&a.Locked)
}

// IsStale reports whether key awaits reconciliation.
func (l *Ledger) IsStale(key AccountKey) bool {
	l.mu.Lock()
	s, ok := l.accounts[key]
	l.mu.Unlock()
	if !ok {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stale
}

// === Internals ===

func (l *Ledger) mutate(
	ctx context.Context,
	op string,
	key AccountKey,
	amount *uint256.Int,
	check func(Account) error,
	call func(context.Context, AccountKey, *uint256.Int) (Confirmation, error),
	apply func(*Account),
) (Confirmation, error) {
	start := time.Now()

	if err := key.validate(op); err != nil {
		return Confirmation{}, err
	}
	if amount == nil || amount.IsZero() {
		return Confirmation{}, errs.New(errs.KindInvalidInput, op, "amount must be positive")
	}

	s, _, err := l.acquire(ctx, op, key)
	if err != nil {
		l.observe(op, start, err)
		return Confirmation{}, err
	}
	defer s.release()

	if err := check(s.account()); err != nil {
		l.observe(op, start, err)
		return Confirmation{}, err
	}

	conf, err := call(ctx, key, amount)
	if err != nil {
		// A timeout only stops waiting; the write may still land.
		if errs.KindOf(err) == errs.KindRemoteCallTimeout {
			s.markStale()
		}
		l.logger.Warn().Err(err).
			Str("op", op).
			Str("account", key.AccountPath()).
			Str("amount", amount.Dec()).
			Msg("remote call failed, local view unchanged")
		l.observe(op, start, err)
		return Confirmation{}, err
	}

	s.apply(apply)

	l.logger.Debug().
		Str("op", op).
		Str("account", key.AccountPath()).
		Str("amount", amount.Dec()).
		Str("tx", conf.TxHash.Hex()).
		Msg("collateral updated")
	l.observe(op, start, nil)
	return conf, nil
}

func (l *Ledger) slotFor(key AccountKey) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.accounts[key]
	if !ok {
		// New slots start stale: the remote may already hold a balance
		// for key, so the first operation reads it before checking.
		s = &slot{
			sem:   make(chan struct{}, 1),
			acct:  Account{Key: key},
			stale: true,
		}
		l.accounts[key] = s
	}
	return s
}

// acquire takes the per-key critical section, waiting until ctx ends. A stale
// slot is reloaded before returning, and reloaded reports that it was.
func (l *Ledger) acquire(ctx context.Context, op string, key AccountKey) (*slot, bool, error) {
	s := l.slotFor(key)

	select {
	case s.sem <- struct{}{}:
	default:
		if l.metrics != nil {
			l.metrics.LedgerContention.WithLabelValues(op).Inc()
		}
		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			return nil, false, errs.New(errs.KindAccountBusy, op,
				"account %s has an operation in flight: %v", key.AccountPath(), ctx.Err())
		}
	}

	s.mu.RLock()
	stale := s.stale
	s.mu.RUnlock()
	if !stale {
		return s, false, nil
	}
	if err := l.reload(ctx, key, s); err != nil {
		s.release()
		return nil, false, err
	}
	return s, true, nil
}

// reload must be called with the slot held.
func (l *Ledger) reload(ctx context.Context, key AccountKey, s *slot) error {
	total, err := l.remote.TotalCollateral(ctx, key)
	if err != nil {
		l.observeReconcile("error")
		return err
	}
	locked, err := l.remote.LockedCollateral(ctx, key)
	if err != nil {
		l.observeReconcile("error")
		return err
	}

	acct := Account{Key: key}
	acct.Total.Set(total)
	acct.Locked.Set(locked)
	if err := acct.Validate(); err != nil {
		l.observeReconcile("invalid")
		return errs.Wrap(errs.KindInternal, "ledger.reload", err)
	}

	s.mu.Lock()
	before, seen := s.acct, s.loaded
	s.acct = acct
	s.stale = false
	s.loaded = true
	s.mu.Unlock()

	if seen && !before.Total.Eq(&acct.Total) || !before.Locked.Eq(&acct.Locked) {
		l.logger.Warn().
			Str("account", key.AccountPath()).
			Str("local_total", before.Total.Dec()).
			Str("local_locked", before.Locked.Dec()).
			Str("remote_total", acct.Total.Dec()).
			Str("remote_locked", acct.Locked.Dec()).
			Msg("reconciled account diverged from remote")
	}
	l.observeReconcile("ok")
	return nil
}

func (s *slot) release() {
	<-s.sem
}

func (s *slot) account() Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.acct
}

func (s *slot) apply(fn func(*Account)) {
	s.mu.Lock()
	fn(&s.acct)
	s.mu.Unlock()
}

func (s *slot) markStale() {
	s.mu.Lock()
	s.stale = true
	s.mu.Unlock()
}

func (l *Ledger) observe(op string, start time.Time, err error) {
	if l.metrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = string(errs.KindOf(err))
	}
	l.metrics.LedgerOps.WithLabelValues(op, result).Inc()
	l.metrics.LedgerOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (l *Ledger) observeReconcile(result string) {
	if l.metrics != nil {
		l.metrics.LedgerReconciles.WithLabelValues(result).Inc()
	}
}
