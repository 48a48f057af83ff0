package adapter

import (
	"fmt"
)

type Kind int

const (
	KindNotInitialized Kind = iota + 1
	KindEnvironment
	KindUnsupported
	KindInvalidAddress
)

func (k Kind) String() string {
	switch k {
	case KindNotInitialized:
		return "not initialized"
	case KindEnvironment:
		return "unavailable in this environment"
	case KindUnsupported:
		return "unsupported operation"
	case KindInvalidAddress:
		return "invalid address"
	default:
		return "unknown"
	}
}

// Error is the adapter error taxonomy. errors.Is matches on Kind alone.
type Error struct {
	Kind   Kind
	Wallet ID
	Op     string
	Err    error
}

var (
	ErrNotInitialized       = &Error{Kind: KindNotInitialized}
	ErrEnvironment          = &Error{Kind: KindEnvironment}
	ErrUnsupportedOperation = &Error{Kind: KindUnsupported}
	ErrInvalidAddress       = &Error{Kind: KindInvalidAddress}
)

func NewError(kind Kind, wallet ID, op string, err error) *Error {
	return &Error{Kind: kind, Wallet: wallet, Op: op, Err: err}
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Wallet != "" {
		msg = string(e.Wallet) + " " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// SubmissionError stops a sign-and-send batch at GroupIndex. Earlier groups stay submitted.
type SubmissionError struct {
	GroupIndex int
	Err        error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submit group %d: %v", e.GroupIndex, e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}
