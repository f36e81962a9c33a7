// Package errs defines the stable error kinds surfaced by the hedge core.
// Callers switch on Kind, never on message text.
package errs

import (
	"errors"
	"fmt"
)

// Kind is the stable, machine-readable classification of a failure.
type Kind string

const (
	KindInvalidInput                 Kind = "InvalidInput"
	KindInsufficientAvailableBalance Kind = "InsufficientAvailableBalance"
	KindInsufficientLockedBalance    Kind = "InsufficientLockedBalance"
	KindInsufficientCollateral       Kind = "InsufficientCollateral"
	KindAccountBusy                  Kind = "AccountBusy"
	KindNotFound                     Kind = "NotFound"
	KindPriceFeedUnavailable         Kind = "PriceFeedUnavailable"
	KindRemoteCallReverted           Kind = "RemoteCallReverted"
	KindRemoteCallTimeout            Kind = "RemoteCallTimeout"
	KindConfigurationMissing         Kind = "ConfigurationMissing"
	KindInternal                     Kind = "Internal"
)

// Sentinels for errors.Is. Matching is by kind only.
var (
	ErrInvalidInput                 = &Error{Kind: KindInvalidInput}
	ErrInsufficientAvailableBalance = &Error{Kind: KindInsufficientAvailableBalance}
	ErrInsufficientLockedBalance    = &Error{Kind: KindInsufficientLockedBalance}
	ErrInsufficientCollateral       = &Error{Kind: KindInsufficientCollateral}
	ErrAccountBusy                  = &Error{Kind: KindAccountBusy}
	ErrNotFound                     = &Error{Kind: KindNotFound}
	ErrPriceFeedUnavailable         = &Error{Kind: KindPriceFeedUnavailable}
	ErrRemoteCallReverted           = &Error{Kind: KindRemoteCallReverted}
	ErrRemoteCallTimeout            = &Error{Kind: KindRemoteCallTimeout}
	ErrConfigurationMissing         = &Error{Kind: KindConfigurationMissing}
)

// Error is the structured error returned across package boundaries.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "ledger.Lock"
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
	}
	if msg == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New builds an error of the given kind.
func New(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Message returns the human-readable part without the op prefix.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Msg != "" {
			if e.Err != nil {
				return fmt.Sprintf("%s: %v", e.Msg, e.Err)
			}
			return e.Msg
		}
		if e.Err != nil {
			return e.Err.Error()
		}
		return string(e.Kind)
	}
	return err.Error()
}
