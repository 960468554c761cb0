// Package werr defines the machine-readable error kinds surfaced by the
// engine. Every error that crosses a component boundary (HTTP response,
// chunk-ack payload, log line) carries a stable kind plus a human message.
package werr

import (
	"errors"
	"fmt"
)

// Kind is a stable machine-readable error category.
type Kind string

const (
	KindConfigMissing          Kind = "config-missing"
	KindConfigUnwritable       Kind = "config-unwritable"
	KindPortInUse              Kind = "port-in-use"
	KindDiscoveryUnavailable   Kind = "discovery-unavailable"
	KindDiscoveryHelperCrashed Kind = "discovery-helper-crashed"
	KindTransportRefused       Kind = "transport-refused"
	KindTransportReset         Kind = "transport-reset"
	KindProtocolViolation      Kind = "protocol-violation"
	KindStorageIO              Kind = "storage-io"
	KindUnknownPeer            Kind = "unknown-peer"
	KindUnknownTransfer        Kind = "unknown-transfer"
	KindClipboardUnavailable   Kind = "clipboard-unavailable"
	KindInvalidArgument        Kind = "invalid-argument"
)

// Error pairs a Kind with a human-readable message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an Error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause. A nil cause
// yields nil so call sites can wrap unconditionally.
func Wrap(err error, kind Kind, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the Kind from err, walking the wrap chain. Errors
// without a kind report "internal".
func KindOf(err error) Kind {
	var we *Error
	if errors.As(err, &we) {
		return we.Kind
	}
	return "internal"
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	var we *Error
	if errors.As(err, &we) {
		return we.Kind == kind
	}
	return false
}
