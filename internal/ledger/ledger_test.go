package ledger_test

import (
	"HedgeLedger/internal/errs"
	"HedgeLedger/internal/ledger"
	"HedgeLedger/internal/observability"
	"HedgeLedger/internal/testutil"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

var (
	testUser  = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testToken = common.HexToAddress("0x2222222222222222222222222222222222222222")
	otherTok  = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

func newTestLedger(t *testing.T) (*ledger.Ledger, *testutil.FakeChain, ledger.AccountKey) {
	t.Helper()
	chain := testutil.NewFakeChain(testUser)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	return ledger.New(chain, metrics, zerolog.Nop()), chain, ledger.NewAccountKey(testUser, testToken)
}

func amt(v uint64) *uint256.Int { return uint256.NewInt(v) }

func assertInvariant(t *testing.T, l *ledger.Ledger, key ledger.AccountKey) {
	t.Helper()
	a := l.Account(key)
	sum := new(uint256.Int).Add(a.Available(), &a.Locked)
	if !sum.Eq(&a.Total) {
		t.Errorf("available(%s) + locked(%s) != total(%s)", a.Available().Dec(), a.Locked.Dec(), a.Total.Dec())
	}
}

func assertBalance(t *testing.T, l *ledger.Ledger, key ledger.AccountKey, total, locked uint64) {
	t.Helper()
	if got := l.Total(key).Uint64(); got != total {
		t.Errorf("total: got %d, want %d", got, total)
	}
	if got := l.Locked(key).Uint64(); got != locked {
		t.Errorf("locked: got %d, want %d", got, locked)
	}
	assertInvariant(t, l, key)
}

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_Path(t *testing.T) {
	key := ledger.NewAccountKey(testUser, testToken)

	path := key.AccountPath()
	expected := "collateral:0x1111111111111111111111111111111111111111:0x2222222222222222222222222222222222222222"
	if path != expected {
		t.Errorf("got %q, want %q", path, expected)
	}
}

func TestAccount_AvailableNeverNegative(t *testing.T) {
	var a ledger.Account
	a.Total.SetUint64(10)
	a.Locked.SetUint64(20)

	if !a.Available().IsZero() {
		t.Errorf("available should clamp to 0, got %s", a.Available().Dec())
	}
	if err := a.Validate(); err == nil {
		t.Error("locked above total should fail validation")
	}
}

// ============================================================================
// Test: Ledger mutations
// ============================================================================

func TestLedger_UnknownAccountReadsZero(t *testing.T) {
	l, _, key := newTestLedger(t)
	assertBalance(t, l, key, 0, 0)
}

func TestLedger_InvariantHoldsAfterEveryOperation(t *testing.T) {
	l, chain, key := newTestLedger(t)
	ctx := context.Background()

	steps := []struct {
		name   string
		run    func() error
		total  uint64
		locked uint64
	}{
		{"deposit", func() error { _, err := l.Deposit(ctx, key, amt(100)); return err }, 100, 0},
		{"lock", func() error { _, err := l.Lock(ctx, key, amt(30)); return err }, 100, 30},
		{"withdraw", func() error { _, err := l.Withdraw(ctx, key, amt(50)); return err }, 50, 30},
		{"unlock", func() error { _, err := l.Unlock(ctx, key, amt(10)); return err }, 50, 20},
		{"deposit again", func() error { _, err := l.Deposit(ctx, key, amt(5)); return err }, 55, 20},
	}

	for _, s := range steps {
		if err := s.run(); err != nil {
			t.Fatalf("%s: %v", s.name, err)
		}
		assertBalance(t, l, key, s.total, s.locked)

		total, locked := chain.Balance(key)
		if total != s.total || locked != s.locked {
			t.Errorf("%s: remote (%d,%d) diverged from local (%d,%d)", s.name, total, locked, s.total, s.locked)
		}
	}
}

func TestLedger_LockThenUnlockRestoresAvailable(t *testing.T) {
	l, _, key := newTestLedger(t)
	ctx := context.Background()

	if _, err := l.Deposit(ctx, key, amt(1_000)); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Lock(ctx, key, amt(100)); err != nil {
		t.Fatal(err)
	}
	before := l.Available(key)

	if _, err := l.Lock(ctx, key, amt(250)); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Unlock(ctx, key, amt(250)); err != nil {
		t.Fatal(err)
	}

	if after := l.Available(key); !after.Eq(before) {
		t.Errorf("available after lock/unlock: got %s, want %s", after.Dec(), before.Dec())
	}
}

func TestLedger_WithdrawRequiresAvailable(t *testing.T) {
	l, chain, key := newTestLedger(t)
	ctx := context.Background()

	l.Deposit(ctx, key, amt(100))
	l.Lock(ctx, key, amt(80))

	_, err := l.Withdraw(ctx, key, amt(30))
	if !errors.Is(err, errs.ErrInsufficientAvailableBalance) {
		t.Fatalf("got %v, want InsufficientAvailableBalance", err)
	}
	if n := chain.Calls("withdrawCollateral"); n != 0 {
		t.Errorf("guard failure must not reach the remote, got %d calls", n)
	}
	assertBalance(t, l, key, 100, 80)
}

func TestLedger_LockRequiresAvailable(t *testing.T) {
	l, _, key := newTestLedger(t)
	ctx := context.Background()

	l.Deposit(ctx, key, amt(50))

	_, err := l.Lock(ctx, key, amt(51))
	if !errors.Is(err, errs.ErrInsufficientAvailableBalance) {
		t.Fatalf("got %v, want InsufficientAvailableBalance", err)
	}
	assertBalance(t, l, key, 50, 0)
}

func TestLedger_UnlockRequiresLocked(t *testing.T) {
	l, chain, key := newTestLedger(t)
	ctx := context.Background()

	l.Deposit(ctx, key, amt(100))
	l.Lock(ctx, key, amt(10))

	_, err := l.Unlock(ctx, key, amt(11))
	if !errors.Is(err, errs.ErrInsufficientLockedBalance) {
		t.Fatalf("got %v, want InsufficientLockedBalance", err)
	}
	if n := chain.Calls("unlockCollateral"); n != 0 {
		t.Errorf("guard failure must not reach the remote, got %d calls", n)
	}
	assertBalance(t, l, key, 100, 10)
}

func TestLedger_RejectsInvalidInput(t *testing.T) {
	l, _, key := newTestLedger(t)
	ctx := context.Background()

	if _, err := l.Deposit(ctx, key, amt(0)); !errors.Is(err, errs.ErrInvalidInput) {
		t.Errorf("zero amount: got %v, want InvalidInput", err)
	}
	if _, err := l.Deposit(ctx, key, nil); !errors.Is(err, errs.ErrInvalidInput) {
		t.Errorf("nil amount: got %v, want InvalidInput", err)
	}
	noUser := ledger.NewAccountKey(common.Address{}, testToken)
	if _, err := l.Lock(ctx, noUser, amt(1)); !errors.Is(err, errs.ErrInvalidInput) {
		t.Errorf("zero user: got %v, want InvalidInput", err)
	}
}

func TestLedger_RemoteRevertLeavesLocalUnchanged(t *testing.T) {
	l, chain, key := newTestLedger(t)
	ctx := context.Background()

	l.Deposit(ctx, key, amt(100))
	chain.RevertNext(1)

	_, err := l.Lock(ctx, key, amt(40))
	if !errors.Is(err, errs.ErrRemoteCallReverted) {
		t.Fatalf("got %v, want RemoteCallReverted", err)
	}
	assertBalance(t, l, key, 100, 0)
	if l.IsStale(key) {
		t.Error("a revert is a definitive outcome and must not mark the key stale")
	}
}

// ============================================================================
// Test: per-key serialization
// ============================================================================

func TestLedger_ConcurrentLocksNeverOvercommit(t *testing.T) {
	l, chain, key := newTestLedger(t)
	ctx := context.Background()

	l.Deposit(ctx, key, amt(100))
	chain.Delay = 20 * time.Millisecond

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = l.Lock(ctx, key, amt(60))
		}(i)
	}
	wg.Wait()

	var ok, insufficient int
	for _, err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, errs.ErrInsufficientAvailableBalance):
			insufficient++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || insufficient != 1 {
		t.Errorf("got %d successes and %d insufficient, want exactly one of each", ok, insufficient)
	}
	assertBalance(t, l, key, 100, 60)
	if n := chain.Calls("lockCollateral"); n != 1 {
		t.Errorf("remote lock calls: got %d, want 1", n)
	}
}

func TestLedger_UnrelatedKeysDoNotBlock(t *testing.T) {
	l, chain, key := newTestLedger(t)
	ctx := context.Background()
	other := ledger.NewAccountKey(testUser, otherTok)

	chain.Delay = 200 * time.Millisecond
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.Deposit(ctx, key, amt(1))
	}()
	time.Sleep(20 * time.Millisecond)

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err := l.Deposit(short, other, amt(1))
	if errors.Is(err, errs.ErrAccountBusy) {
		t.Error("an in-flight operation on one key must not block another key")
	}
	<-done
}

func TestLedger_AccountBusyWhenContextEnds(t *testing.T) {
	l, chain, key := newTestLedger(t)
	ctx := context.Background()

	l.Deposit(ctx, key, amt(100))
	chain.Delay = 200 * time.Millisecond

	done := make(chan struct{})
	go func() {
		defer close(done)
		l.Lock(ctx, key, amt(10))
	}()
	time.Sleep(20 * time.Millisecond)

	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err := l.Unlock(short, key, amt(10))
	if !errors.Is(err, errs.ErrAccountBusy) {
		t.Fatalf("got %v, want AccountBusy", err)
	}

	<-done
	assertBalance(t, l, key, 100, 10)
}

// ============================================================================
// Test: timeouts and reconciliation
// ============================================================================

func TestLedger_TimeoutMarksStaleAndNextOpReconciles(t *testing.T) {
	l, chain, key := newTestLedger(t)
	ctx := context.Background()

	l.Deposit(ctx, key, amt(100))

	chain.Delay = 100 * time.Millisecond
	chain.LandAfterTimeout = true
	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()

	_, err := l.Lock(short, key, amt(40))
	if !errors.Is(err, errs.ErrRemoteCallTimeout) {
		t.Fatalf("got %v, want RemoteCallTimeout", err)
	}
	if !l.IsStale(key) {
		t.Fatal("timed out key should be stale")
	}
	assertBalance(t, l, key, 100, 0)

	// The lock landed remotely; the next operation must see it.
	chain.Delay = 0
	if _, err := l.Unlock(ctx, key, amt(40)); err != nil {
		t.Fatalf("unlock after reconcile: %v", err)
	}
	if l.IsStale(key) {
		t.Error("key should be fresh after reconciliation")
	}
	assertBalance(t, l, key, 100, 0)
}

func TestLedger_ReconcileLoadsRemoteState(t *testing.T) {
	l, chain, key := newTestLedger(t)

	chain.Fund(key, 500, 125)
	acct, err := l.Reconcile(context.Background(), key)
	if err != nil {
		t.Fatal(err)
	}
	if acct.Total.Uint64() != 500 || acct.Locked.Uint64() != 125 {
		t.Errorf("got (%s,%s), want (500,125)", acct.Total.Dec(), acct.Locked.Dec())
	}
	assertBalance(t, l, key, 500, 125)
}

// ============================================================================
// Test: settlement booking
// ============================================================================

func TestLedger_SettleReleasesRemainder(t *testing.T) {
	l, chain, key := newTestLedger(t)
	ctx := context.Background()

	l.Deposit(ctx, key, amt(100))
	l.Lock(ctx, key, amt(50))

	// The remote settlement spent 30 of the 50 locked.
	chain.Fund(key, 70, 20)

	conf, err := l.Settle(ctx, key, amt(50), amt(30))
	if err != nil {
		t.Fatal(err)
	}
	if conf == nil {
		t.Fatal("remainder release should return a confirmation")
	}
	assertBalance(t, l, key, 70, 0)

	if total, locked := chain.Balance(key); total != 70 || locked != 0 {
		t.Errorf("remote: got (%d,%d), want (70,0)", total, locked)
	}
}

func TestLedger_SettleFullConsumptionMakesNoRemoteCall(t *testing.T) {
	l, chain, key := newTestLedger(t)
	ctx := context.Background()

	l.Deposit(ctx, key, amt(100))
	l.Lock(ctx, key, amt(50))
	before := chain.Calls("unlockCollateral")

	conf, err := l.Settle(ctx, key, amt(50), amt(50))
	if err != nil {
		t.Fatal(err)
	}
	if conf != nil {
		t.Error("nothing to release, confirmation should be nil")
	}
	if chain.Calls("unlockCollateral") != before {
		t.Error("full consumption must not unlock remotely")
	}
	assertBalance(t, l, key, 50, 0)
}

func TestLedger_SettleRejectsSpentAboveLocked(t *testing.T) {
	l, _, key := newTestLedger(t)
	ctx := context.Background()

	l.Deposit(ctx, key, amt(100))
	l.Lock(ctx, key, amt(10))

	if _, err := l.Settle(ctx, key, amt(10), amt(11)); !errors.Is(err, errs.ErrInvalidInput) {
		t.Errorf("got %v, want InvalidInput", err)
	}
	if _, err := l.Settle(ctx, key, amt(20), amt(5)); !errors.Is(err, errs.ErrInsufficientLockedBalance) {
		t.Errorf("got %v, want InsufficientLockedBalance", err)
	}
	assertBalance(t, l, key, 100, 10)
}

func TestLedger_CreditIsLocalOnly(t *testing.T) {
	l, chain, key := newTestLedger(t)
	ctx := context.Background()

	l.Deposit(ctx, key, amt(8))
	if err := l.Credit(ctx, key, amt(42)); err != nil {
		t.Fatal(err)
	}
	assertBalance(t, l, key, 50, 0)
	if n := chain.Calls("depositCollateral"); n != 1 {
		t.Errorf("credit must not call the remote, got %d deposits", n)
	}
}

func TestLedger_CreditOnUnloadedKeyTakesRemoteTotal(t *testing.T) {
	l, chain, key := newTestLedger(t)

	// The remote settlement already credited the proceeds.
	chain.Fund(key, 42, 0)
	if err := l.Credit(context.Background(), key, amt(42)); err != nil {
		t.Fatal(err)
	}
	assertBalance(t, l, key, 42, 0)
}

// ============================================================================
// Test: first use of a key loads the remote balance
// ============================================================================

func TestLedger_FirstUseLoadsRemoteBalance(t *testing.T) {
	l, chain, key := newTestLedger(t)
	ctx := context.Background()

	// Deposited before this process started.
	chain.Fund(key, 100_000_000, 0)

	if _, err := l.Lock(ctx, key, amt(30_000_000)); err != nil {
		t.Fatalf("lock against remote balance: %v", err)
	}
	assertBalance(t, l, key, 100_000_000, 30_000_000)
	if l.IsStale(key) {
		t.Error("key should be loaded after first use")
	}

	other := ledger.NewAccountKey(testUser, otherTok)
	chain.Fund(other, 500, 0)
	if _, err := l.Deposit(ctx, other, amt(25)); err != nil {
		t.Fatal(err)
	}
	assertBalance(t, l, other, 525, 0)
	if total, _ := chain.Balance(other); total != 525 {
		t.Errorf("remote total: got %d, want 525", total)
	}
}

func TestLedger_FirstUseWithdrawSeesRemoteLocks(t *testing.T) {
	l, chain, key := newTestLedger(t)

	chain.Fund(key, 100, 80)
	if _, err := l.Withdraw(context.Background(), key, amt(30)); !errors.Is(err, errs.ErrInsufficientAvailableBalance) {
		t.Fatalf("got %v, want InsufficientAvailableBalance", err)
	}
	if n := chain.Calls("withdrawCollateral"); n != 0 {
		t.Errorf("rejected withdraw reached the remote %d times", n)
	}
	assertBalance(t, l, key, 100, 80)
}

func TestLedger_SettleOnUnloadedKeyOnlyReleasesRemainder(t *testing.T) {
	l, chain, key := newTestLedger(t)

	// Remote state after a settlement spent 30 of a 50 reservation.
	chain.Fund(key, 70, 20)

	if _, err := l.Settle(context.Background(), key, amt(50), amt(30)); err != nil {
		t.Fatal(err)
	}
	assertBalance(t, l, key, 70, 0)
	if total, locked := chain.Balance(key); total != 70 || locked != 0 {
		t.Errorf("remote: got (%d,%d), want (70,0)", total, locked)
	}
}
