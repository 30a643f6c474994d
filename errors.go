package tinyhan

import (
	"errors"
	"fmt"
	"strings"
)

// Error represents a structured tinyhan error with protocol context
type Error struct {
	Op    string    // Operation that failed (e.g., "SEND", "PUBLISH")
	Addr  uint8     // Peer short address (0xFF if not applicable)
	Code  ErrorCode // High-level error category
	Msg   string    // Human-readable message
	Inner error     // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}

	if e.Addr != 0xFF {
		parts = append(parts, fmt.Sprintf("addr=%02X", e.Addr))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("tinyhan: %s (%s)", msg, strings.Join(parts, " "))
	}

	return fmt.Sprintf("tinyhan: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is provides errors.Is support against both ErrorCode sentinels and other
// structured errors
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}

	if code, ok := target.(ErrorCode); ok {
		return e.Code == code
	}

	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}

	return false
}

// ErrorCode represents high-level error categories. The values double as
// sentinel errors for use with errors.Is.
type ErrorCode string

func (e ErrorCode) Error() string {
	return string(e)
}

const (
	// ErrMalformed covers short frames, bad length bytes and flags that are
	// not implemented
	ErrMalformed ErrorCode = "malformed packet"

	// ErrWrongState is returned for an operation attempted in a state that
	// forbids it
	ErrWrongState ErrorCode = "wrong state"

	// ErrBufferFull is returned when a packet exceeds the PHY MTU or a
	// protocol size limit
	ErrBufferFull ErrorCode = "packet too large"

	// ErrPeerUnknown is returned when the destination is not a registered
	// peer
	ErrPeerUnknown ErrorCode = "peer not registered"

	// ErrPeerBusy is returned when the destination already has a packet
	// pending
	ErrPeerBusy ErrorCode = "peer busy"

	// ErrNetworkFull is reported when no node slot is available
	ErrNetworkFull ErrorCode = "network full"

	// ErrAckExhausted is the asynchronous failure after the final
	// acknowledgement retry
	ErrAckExhausted ErrorCode = "ack retries exhausted"

	// ErrValidityExpired is the asynchronous failure when a sleepy peer did
	// not call in for a deferred packet in time
	ErrValidityExpired ErrorCode = "validity period expired"

	// ErrRetryExhausted is the MQTT-SN forced disconnect after the final
	// send retry
	ErrRetryExhausted ErrorCode = "retries exhausted"

	// ErrRejected is reported when a peer answered with a status or return
	// code other than accepted
	ErrRejected ErrorCode = "rejected by peer"
)

// Error constructors

// NewError creates a new structured error with no peer context
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{
		Op:   op,
		Addr: 0xFF,
		Code: code,
		Msg:  msg,
	}
}

// NewPeerError creates a new structured error naming the peer involved
func NewPeerError(op string, addr uint8, code ErrorCode, msg string) *Error {
	return &Error{
		Op:   op,
		Addr: addr,
		Code: code,
		Msg:  msg,
	}
}

// WrapError wraps an existing error with tinyhan context
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	// If it's already a structured error, just update the operation
	if te, ok := inner.(*Error); ok {
		return &Error{
			Op:    op,
			Addr:  te.Addr,
			Code:  te.Code,
			Msg:   te.Msg,
			Inner: te.Inner,
		}
	}

	var code ErrorCode
	if !errors.As(inner, &code) {
		code = ErrMalformed
	}

	return &Error{
		Op:    op,
		Addr:  0xFF,
		Code:  code,
		Msg:   inner.Error(),
		Inner: inner,
	}
}
