package core

import (
	"errors"
	"fmt"

	"github.com/ohlcv/gridengine/pkg/apperrors"
)

// ExchangeErrorKind classifies a connector failure so the caller can
// decide whether to retry within the operation's retry budget (Network,
// RateLimit) or treat it as permanent (Auth, InvalidParam, Rejected).
type ExchangeErrorKind int

const (
	ExchangeErrorNetwork ExchangeErrorKind = iota
	ExchangeErrorAuth
	ExchangeErrorRateLimit
	ExchangeErrorInvalidParam
	ExchangeErrorRejected
	ExchangeErrorOther
)

func (k ExchangeErrorKind) String() string {
	switch k {
	case ExchangeErrorNetwork:
		return "Network"
	case ExchangeErrorAuth:
		return "Auth"
	case ExchangeErrorRateLimit:
		return "RateLimit"
	case ExchangeErrorInvalidParam:
		return "InvalidParam"
	case ExchangeErrorRejected:
		return "Rejected"
	default:
		return "Other"
	}
}

// ExchangeError is returned by every IExchangeConnector operation that
// fails (spec §4.1).
type ExchangeError struct {
	Kind ExchangeErrorKind
	Err  error
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("exchange error [%s]: %v", e.Kind, e.Err)
}

func (e *ExchangeError) Unwrap() error { return e.Err }

// Transient reports whether the retry budget should be spent on this
// error (spec §7: Network and RateLimit are retried, everything else is
// permanent and stops the strategy).
func (e *ExchangeError) Transient() bool {
	return e.Kind == ExchangeErrorNetwork || e.Kind == ExchangeErrorRateLimit
}

// NewExchangeError classifies a raw connector error into an ExchangeError
// by matching it against the apperrors sentinels.
func NewExchangeError(err error) *ExchangeError {
	if err == nil {
		return nil
	}
	var existing *ExchangeError
	if errors.As(err, &existing) {
		return existing
	}

	switch {
	case errors.Is(err, apperrors.ErrNetwork):
		return &ExchangeError{Kind: ExchangeErrorNetwork, Err: err}
	case errors.Is(err, apperrors.ErrRateLimitExceeded):
		return &ExchangeError{Kind: ExchangeErrorRateLimit, Err: err}
	case errors.Is(err, apperrors.ErrAuthenticationFailed):
		return &ExchangeError{Kind: ExchangeErrorAuth, Err: err}
	case errors.Is(err, apperrors.ErrInvalidOrderParameter), errors.Is(err, apperrors.ErrInvalidSymbol):
		return &ExchangeError{Kind: ExchangeErrorInvalidParam, Err: err}
	case errors.Is(err, apperrors.ErrOrderRejected), errors.Is(err, apperrors.ErrInsufficientFunds):
		return &ExchangeError{Kind: ExchangeErrorRejected, Err: err}
	default:
		return &ExchangeError{Kind: ExchangeErrorOther, Err: err}
	}
}

// ConfigError signals invalid user input: missing levels, non-positive
// amounts, or a computed order size below the exchange minimum. It is
// surfaced to the user; the strategy stays in its current state.
type ConfigError struct {
	UID     string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error [%s]: %s", e.UID, e.Message)
}

// StateError signals an impossible internal transition: applying a fill
// to an already-filled level, resetting a level with a pending order, or
// marking a level filled out of order. Treated as a programmer error —
// log loudly and stop the strategy (spec §7).
type StateError struct {
	UID     string
	Message string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("state error [%s]: %s", e.UID, e.Message)
}

// PersistenceError wraps an I/O failure during save/load. A failed save
// is retried on the next auto-save tick; a load that fails schema
// validation is reported and refused (no partial load).
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence error during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
