package errors

import (
	sterrors "errors"
	"fmt"
)

// Sentinel errors for registration-time misconfiguration. These are fatal at
// startup and never surface during message processing.
var (
	ErrBusRequired       = sterrors.New("envflow: bus is required")
	ErrHandlerRequired   = sterrors.New("envflow: handler function is required")
	ErrIdentityRequired  = sterrors.New("envflow: listener identity is required")
	ErrKindRequired      = sterrors.New("envflow: at least one payload kind is required")
	ErrDuplicateIdentity = sterrors.New("envflow: listener identity already registered")
	ErrDuplicateKind     = sterrors.New("envflow: payload kind already registered for identity")
	ErrRegistrySealed    = sterrors.New("envflow: registry is sealed, registration is a startup-time operation")
	ErrUnknownKind       = sterrors.New("envflow: payload kind is not registered")
)

// MalformedInputError reports bytes that could not be repaired into a
// parseable tree. Such input is rejected at the ingress boundary and never
// enters the routing core.
type MalformedInputError struct {
	Reason string
}

func (e *MalformedInputError) Error() string {
	return "malformed input: " + e.Reason
}

// EnvelopeStructureError reports a canonical tree that violates the envelope
// contract (missing sender, zero or multiple payload members, duplicated
// header blocks). The offending field is named so diagnostics can point at it.
type EnvelopeStructureError struct {
	Field  string
	Reason string
}

func (e *EnvelopeStructureError) Error() string {
	return fmt.Sprintf("envelope structure: %s: %s", e.Field, e.Reason)
}

// SchemaValidationError reports a payload that does not conform to the schema
// its listener declared at registration. Tagged with the listener so the
// system pipeline can attribute the diagnostic.
type SchemaValidationError struct {
	Listener string
	Kind     string
	Detail   string
}

func (e *SchemaValidationError) Error() string {
	return fmt.Sprintf("schema validation failed for kind %q (listener %q): %s", e.Kind, e.Listener, e.Detail)
}

// UnroutableError reports a message whose routing key matched no
// registration. It always yields a system-pipeline diagnostic, never silence.
type UnroutableError struct {
	Kind      string
	Recipient string
}

func (e *UnroutableError) Error() string {
	if e.Recipient != "" {
		return fmt.Sprintf("unroutable message: kind %q has no listener registered under identity %q", e.Kind, e.Recipient)
	}
	return fmt.Sprintf("unroutable message: no listener registered for kind %q", e.Kind)
}

// HandlerFailureError wraps a panic, error, or timeout raised by a listener
// handler. It is contained per-listener and converted into a diagnostic.
type HandlerFailureError struct {
	Listener string
	Err      error
}

func (e *HandlerFailureError) Error() string {
	return fmt.Sprintf("handler %q failed: %v", e.Listener, e.Err)
}

func (e *HandlerFailureError) Unwrap() error { return e.Err }

// SpoofedSenderError reports a handler response that declared a sender
// identity other than the listener that produced it. The response is
// discarded; this is a security event, not a routine failure.
type SpoofedSenderError struct {
	Listener string
	Claimed  string
}

func (e *SpoofedSenderError) Error() string {
	return fmt.Sprintf("identity spoofing detected: listener %q claimed sender %q", e.Listener, e.Claimed)
}
