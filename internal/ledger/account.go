package ledger

import (
	"HedgeLedger/internal/errs"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// AccountKey identifies one collateral account: a user's balance of one token.
type AccountKey struct {
	User  common.Address
	Token common.Address
}

// NewAccountKey creates a key for a (user, token) pair
func NewAccountKey(user, token common.Address) AccountKey {
	return AccountKey{User: user, Token: token}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	return fmt.Sprintf("collateral:%s:%s", k.User.Hex(), k.Token.Hex())
}

func (k AccountKey) validate(op string) error {
	if k.User == (common.Address{}) {
		return errs.New(errs.KindInvalidInput, op, "user address is required")
	}
	if k.Token == (common.Address{}) {
		return errs.New(errs.KindInvalidInput, op, "token address is required")
	}
	return nil
}

// Account is the confirmed collateral state of one key.
// Amounts are in the token's smallest unit.
type Account struct {
	Key    AccountKey
	Total  uint256.Int
	Locked uint256.Int
}

// Available returns free balance (total - locked)
func (a Account) Available() *uint256.Int {
	if a.Locked.Gt(&a.Total) {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(&a.Total, &a.Locked)
}

// Validate checks locked <= total, which keeps available non-negative.
func (a Account) Validate() error {
	if a.Locked.Gt(&a.Total) {
		return fmt.Errorf("account %s has locked %s above total %s",
			a.Key.AccountPath(), a.Locked.Dec(), a.Total.Dec())
	}
	return nil
}

// === Guards ===

func checkAvailable(op string, a Account, required *uint256.Int) error {
	available := a.Available()
	if available.Lt(required) {
		return errs.New(errs.KindInsufficientAvailableBalance, op,
			"insufficient available balance: have=%s, need=%s", available.Dec(), required.Dec())
	}
	return nil
}

func checkLocked(op string, a Account, required *uint256.Int) error {
	if a.Locked.Lt(required) {
		return errs.New(errs.KindInsufficientLockedBalance, op,
			"insufficient locked balance: have=%s, need=%s", a.Locked.Dec(), required.Dec())
	}
	return nil
}

func checkDepositFits(op string, a Account, amount *uint256.Int) error {
	if _, overflow := new(uint256.Int).AddOverflow(&a.Total, amount); overflow {
		return errs.New(errs.KindInvalidInput, op, "deposit of %s overflows total %s", amount.Dec(), a.Total.Dec())
	}
	return nil
}
