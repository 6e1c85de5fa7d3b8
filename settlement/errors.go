package settlement

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures so callers can decide what to tell the customer.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindInput
	KindAuthorization
	KindRemote
	KindTerminal
	KindConflict
	KindNotFound
)

func (k ErrorKind) String() string {
	switch k {
	case KindInput:
		return "input"
	case KindAuthorization:
		return "authorization"
	case KindRemote:
		return "remote"
	case KindTerminal:
		return "terminal"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	default:
		return "internal"
	}
}

var (
	ErrUnsupportedChain      = errors.New("unsupported chain")
	ErrUnresolvedDestination = errors.New("destination could not be resolved")
	ErrMissingDestination    = errors.New("destination and chain are required")
	ErrInvalidCredentials    = errors.New("invalid wallet id or PIN")
	ErrPinLocked             = errors.New("too many invalid PIN attempts, try again later")
	ErrAttemptsExhausted     = errors.New("settlement attempts exhausted, contact an operator")
	ErrRecordBusy            = errors.New("a settlement for this record is already in progress")
	ErrNothingToSettle       = errors.New("session has no balance to settle")
	ErrSessionNotActive      = errors.New("session is not active")
	ErrSessionNotFound       = errors.New("session not found")
	ErrAccountingAuthExpired = errors.New("accounting session expired")
)

type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind ErrorKind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func InputError(op string, err error) error         { return newError(KindInput, op, err) }
func AuthorizationError(op string, err error) error { return newError(KindAuthorization, op, err) }
func RemoteError(op string, err error) error        { return newError(KindRemote, op, err) }
func TerminalError(op string, err error) error      { return newError(KindTerminal, op, err) }
func ConflictError(op string, err error) error      { return newError(KindConflict, op, err) }
func NotFoundError(op string, err error) error      { return newError(KindNotFound, op, err) }

// KindOf returns the kind of the outermost *Error in err's chain, or KindInternal.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}
