// Package meshkind defines the error taxonomy shared across every AgentMesh
// engine. Errors are classified by Kind rather than by concrete type so
// callers can branch on taxonomy (spec section 7) instead of string
// matching, while still composing with the standard errors.Is/As machinery.
package meshkind

import (
	"errors"
	"fmt"
)

// Kind is one entry in the AgentMesh error taxonomy.
type Kind string

const (
	Identity    Kind = "IdentityError"
	Credential  Kind = "CredentialError"
	Delegation  Kind = "DelegationError"
	DelegDepth  Kind = "DelegationDepthError"
	Handshake   Kind = "HandshakeError"
	Policy      Kind = "PolicyError"
	Trust       Kind = "TrustError"
	Audit       Kind = "AuditError"
	Transport   Kind = "TransportError"
)

// Error is the concrete error type produced by every public constructor and
// boundary-validation path in AgentMesh. It never carries a stack trace or
// internal detail beyond a short machine-parseable message, per spec
// section 7's "never a stack trace" requirement for denied requests.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates a kind-tagged error with no underlying cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates a kind-tagged error that wraps an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, or "" if err does not carry one.
func KindOf(err error) Kind {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind
	}
	return ""
}
