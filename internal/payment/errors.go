// Package payment defines the wire-visible payment model and the tagged
// error taxonomy every call-bridge entry point returns. Callers branch on
// the error kind, never on message strings.
package payment

import (
	"errors"
	"fmt"
)

// ErrorKind enumerates the payment error variants crossing the call bridge.
type ErrorKind string

const (
	KindAlreadyClaimed       ErrorKind = "AlreadyClaimed"
	KindAmountOutOfRange     ErrorKind = "AmountOutOfRange"
	KindGeneric              ErrorKind = "Generic"
	KindInvalidOrExpiredFees ErrorKind = "InvalidOrExpiredFees"
	KindInsufficientFunds    ErrorKind = "InsufficientFunds"
	KindInvalidInvoice       ErrorKind = "InvalidInvoice"
	KindInvalidPreimage      ErrorKind = "InvalidPreimage"
	KindLwkError             ErrorKind = "LwkError"
	KindPairsNotFound        ErrorKind = "PairsNotFound"
	KindPersistError         ErrorKind = "PersistError"
	KindRefunded             ErrorKind = "Refunded"
	KindSendError            ErrorKind = "SendError"
	KindSignerError          ErrorKind = "SignerError"
)

// Error is the tagged payment error. Only some kinds carry a payload:
// Generic, LwkError, SendError and SignerError carry a message, Refunded
// additionally carries the refund txid.
type Error struct {
	Kind       ErrorKind `json:"kind"`
	Err        string    `json:"err,omitempty"`
	RefundTxID string    `json:"refundTxId,omitempty"`
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindGeneric, KindLwkError, KindSendError, KindSignerError:
		return fmt.Sprintf("%s: %s", e.Kind, e.Err)
	case KindRefunded:
		return fmt.Sprintf("Refunded: %s (refund tx %s)", e.Err, e.RefundTxID)
	default:
		return string(e.Kind)
	}
}

// Payload-free variants are shared values.
var (
	ErrAlreadyClaimed       = &Error{Kind: KindAlreadyClaimed}
	ErrAmountOutOfRange     = &Error{Kind: KindAmountOutOfRange}
	ErrInvalidOrExpiredFees = &Error{Kind: KindInvalidOrExpiredFees}
	ErrInsufficientFunds    = &Error{Kind: KindInsufficientFunds}
	ErrInvalidInvoice       = &Error{Kind: KindInvalidInvoice}
	ErrInvalidPreimage      = &Error{Kind: KindInvalidPreimage}
	ErrPairsNotFound        = &Error{Kind: KindPairsNotFound}
	ErrPersist              = &Error{Kind: KindPersistError}
)

// NewGeneric builds a Generic error with a formatted message.
func NewGeneric(format string, args ...interface{}) *Error {
	return &Error{Kind: KindGeneric, Err: fmt.Sprintf(format, args...)}
}

// NewLwk wraps a descriptor-wallet library failure.
func NewLwk(err error) *Error {
	return &Error{Kind: KindLwkError, Err: err.Error()}
}

// NewSend wraps a broadcast/delivery failure.
func NewSend(format string, args ...interface{}) *Error {
	return &Error{Kind: KindSendError, Err: fmt.Sprintf(format, args...)}
}

// NewSigner wraps a signing failure.
func NewSigner(err error) *Error {
	return &Error{Kind: KindSignerError, Err: err.Error()}
}

// NewRefunded reports that a swap was already refunded on-chain.
func NewRefunded(reason, refundTxID string) *Error {
	return &Error{Kind: KindRefunded, Err: reason, RefundTxID: refundTxID}
}

// IsKind reports whether err is a payment Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == kind
}

// AsError coerces any error into a payment Error, wrapping unknown errors
// as Generic so the bridge never leaks an untagged message.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return NewGeneric("%s", err.Error())
}
