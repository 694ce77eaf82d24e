package txn

import (
	"context"
	"errors"
	"fmt"
)

// Code classifies why a transaction branch failed. The values mirror the XA
// return codes resource managers traditionally report.
type Code int32

const (
	CodeNone Code = iota
	// rollback class: the branch has been rolled back by whoever reported it
	CodeRollback
	CodeDeadlock
	CodeIntegrity
	CodeTimeout
	// CodeCommFailure is recorded for a peer that did not answer in time.
	CodeCommFailure
	// CodeUnknownTx means the id is unknown or already resolved at the peer.
	CodeUnknownTx
	CodeProtocol
	CodeUnavailable
	CodeInternal
	CodeInvalid
)

var codeNames = map[Code]string{
	CodeNone:        "OK",
	CodeRollback:    "RBROLLBACK",
	CodeDeadlock:    "RBDEADLOCK",
	CodeIntegrity:   "RBINTEGRITY",
	CodeTimeout:     "RBTIMEOUT",
	CodeCommFailure: "RBCOMMFAIL",
	CodeUnknownTx:   "NOTA",
	CodeProtocol:    "PROTO",
	CodeUnavailable: "RMFAIL",
	CodeInternal:    "RMERR",
	CodeInvalid:     "INVAL",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("CODE(%d)", int32(c))
}

// RollbackClass reports whether the code is a vote to roll back.
func (c Code) RollbackClass() bool {
	return c >= CodeRollback && c <= CodeTimeout
}

// Error is the typed failure of a transaction operation.
type Error struct {
	Code Code
	TxID uint64
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	s := fmt.Sprintf("tx %d: %s", e.TxID, e.Code)
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf builds an *Error with a formatted message.
func Errorf(code Code, txID uint64, format string, v ...interface{}) *Error {
	return &Error{Code: code, TxID: txID, Msg: fmt.Sprintf(format, v...)}
}

// Wrap attaches a code to err. A nil err stays nil.
func Wrap(code Code, txID uint64, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, TxID: txID, Err: err}
}

// CodeOf extracts the code carried by err.
func CodeOf(err error) Code {
	if err == nil {
		return CodeNone
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return CodeCommFailure
	}
	return CodeInternal
}
