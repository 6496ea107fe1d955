package ledger

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/frahmantamala/escrow-settlement/internal"
	"github.com/frahmantamala/escrow-settlement/internal/escrow"
)

type Kind int

const (
	KindUnknown Kind = iota
	// KindTransient failures are safe to retry with the same signed transaction.
	KindTransient
	// KindPrecondition is a contract revert. Never retried.
	KindPrecondition
	// KindProtocolMismatch means the contract and this client disagree on
	// event or return shapes. Fatal.
	KindProtocolMismatch
	KindNotFound
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPrecondition:
		return "precondition_failed"
	case KindProtocolMismatch:
		return "protocol_mismatch"
	case KindNotFound:
		return "not_found"
	case KindUnavailable:
		return "unavailable"
	}
	return "unknown"
}

// Error is a classified ledger failure.
type Error struct {
	Kind Kind
	Op   string
	// Reason is the decoded revert string for precondition failures.
	Reason string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("ledger")
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}
	b.WriteString(": ")
	b.WriteString(e.Kind.String())
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Err != nil && e.Kind != KindPrecondition {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

var (
	// ErrConfirmationPending means the confirmation window elapsed before the
	// transaction was mined. The transaction may still land.
	ErrConfirmationPending = errors.New("ledger: confirmation pending")
	ErrNotConnected        = &Error{Kind: KindUnavailable, Reason: "ledger client is not connected"}
)

func newError(kind Kind, op string, reason string, err error) *Error {
	return &Error{Kind: kind, Op: op, Reason: reason, Err: err}
}

func mismatch(op, format string, args ...interface{}) *Error {
	return newError(KindProtocolMismatch, op, fmt.Sprintf(format, args...), nil)
}

func kindOf(err error) Kind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	return KindUnknown
}

func IsTransient(err error) bool        { return kindOf(err) == KindTransient }
func IsProtocolMismatch(err error) bool { return kindOf(err) == KindProtocolMismatch }
func IsNotFound(err error) bool         { return kindOf(err) == KindNotFound }
func IsUnavailable(err error) bool      { return kindOf(err) == KindUnavailable }

// PreconditionReason returns the revert reason when err is a precondition failure.
func PreconditionReason(err error) (string, bool) {
	var le *Error
	if errors.As(err, &le) && le.Kind == KindPrecondition {
		return le.Reason, true
	}
	return "", false
}

// AsAppError translates a ledger failure into the API error taxonomy.
// Pending confirmations are not failures and must be handled by the caller.
func AsAppError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := internal.IsAppError(err); ok {
		return err
	}
	if reason, ok := PreconditionReason(err); ok {
		return internal.NewPreconditionError(reason).WithCause(err)
	}
	switch kindOf(err) {
	case KindNotFound:
		return internal.ErrEscrowNotFound.WithCause(err)
	case KindUnavailable, KindTransient:
		return internal.ErrServiceUnavailable.WithCause(err)
	case KindProtocolMismatch:
		return internal.ErrProtocolMismatch.WithCause(err)
	}
	return internal.NewExternalError("ledger call failed", internal.ErrCodeServiceUnavailable, err)
}

// Classify maps a raw RPC or contract error onto the ledger taxonomy.
// Already classified errors are returned unchanged.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var le *Error
	if errors.As(err, &le) {
		return err
	}
	if errors.Is(err, ErrConfirmationPending) || errors.Is(err, context.Canceled) {
		return err
	}

	var revert *escrow.RevertError
	if errors.As(err, &revert) {
		return newError(KindPrecondition, op, revert.Reason, err)
	}
	if reason, ok := revertReason(err); ok {
		return newError(KindPrecondition, op, reason, err)
	}
	if errors.Is(err, ethereum.NotFound) {
		return newError(KindNotFound, op, "", err)
	}
	if isTransient(err) {
		return newError(KindTransient, op, "", err)
	}
	return newError(KindUnknown, op, "", err)
}

func revertReason(err error) (string, bool) {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if raw, ok := dataErr.ErrorData().(string); ok {
			if data, decErr := hex.DecodeString(strings.TrimPrefix(raw, "0x")); decErr == nil {
				if reason, unpackErr := abi.UnpackRevert(data); unpackErr == nil {
					return reason, true
				}
			}
		}
	}
	msg := err.Error()
	if idx := strings.Index(msg, "execution reverted"); idx >= 0 {
		reason := strings.TrimSpace(strings.TrimPrefix(msg[idx+len("execution reverted"):], ":"))
		if reason == "" {
			reason = "execution reverted"
		}
		return reason, true
	}
	return "", false
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == 429 || httpErr.StatusCode >= 500
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection refused", "timeout", "too many requests", "header not found", "no such host"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
