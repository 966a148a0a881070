package envflow

import (
	auditpkg "github.com/drblury/envflow/internal/audit"
	buspkg "github.com/drblury/envflow/internal/bus"
	envelopepkg "github.com/drblury/envflow/internal/envelope"
	listenerspkg "github.com/drblury/envflow/internal/listeners"
	configpkg "github.com/drblury/envflow/internal/runtime/config"
	errspkg "github.com/drblury/envflow/internal/runtime/errors"
	idspkg "github.com/drblury/envflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/envflow/internal/runtime/logging"
	schemapkg "github.com/drblury/envflow/internal/schema"
	serverpkg "github.com/drblury/envflow/internal/server"
)

type (
	Config = configpkg.Config

	Bus          = buspkg.Bus
	Option       = buspkg.Option
	Registration = buspkg.Registration
	KindBinding  = buspkg.KindBinding
	Handler      = buspkg.Handler
	Response     = buspkg.Response
	Metadata     = buspkg.Metadata
	Receipt      = buspkg.Receipt

	AuditEntry = buspkg.AuditEntry
	AuditSink  = buspkg.AuditSink
	Stream     = auditpkg.Stream

	DispatchContext = buspkg.DispatchContext
	DispatchHooks   = buspkg.DispatchHooks
	ListenerInfo    = buspkg.ListenerInfo
	ListenerStats   = buspkg.ListenerStats

	Envelope = envelopepkg.Envelope
	Meta     = envelopepkg.Meta

	DecodeFunc = schemapkg.DecodeFunc
	EncodeFunc = schemapkg.EncodeFunc

	Server = serverpkg.Server

	Librarian = listenerspkg.Librarian

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	// Error taxonomy
	MalformedInputError    = errspkg.MalformedInputError
	EnvelopeStructureError = errspkg.EnvelopeStructureError
	SchemaValidationError  = errspkg.SchemaValidationError
	UnroutableError        = errspkg.UnroutableError
	HandlerFailureError    = errspkg.HandlerFailureError
	SpoofedSenderError     = errspkg.SpoofedSenderError
)

var (
	NewBus        = buspkg.New
	WithLogger    = buspkg.WithLogger
	WithHooks     = buspkg.WithHooks
	WithAuditSink = buspkg.WithAuditSink

	LoggingHooks = buspkg.LoggingHooks
	MetricsHooks = buspkg.MetricsHooks

	NewAuditStream = auditpkg.NewStream
	NewServer      = serverpkg.New

	ConfigFromEnv = configpkg.FromEnv
	DefaultConfig = configpkg.Default

	ParseEnvelope         = envelopepkg.Parse
	RepairAndCanonicalize = envelopepkg.RepairAndCanonicalize
	Canonicalize          = envelopepkg.Canonicalize

	NewThreadID  = idspkg.NewThreadID
	NewMessageID = idspkg.NewMessageID

	NewSlogLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillLogger = loggingpkg.NewWatermillServiceLogger
	NopLogger          = loggingpkg.Nop

	// Built-in tool listeners
	EchoListener      = listenerspkg.Echo
	CalculateListener = listenerspkg.Calculate
	FetchListener     = listenerspkg.Fetch
	FilesListener     = listenerspkg.Files
	ShellListener     = listenerspkg.Shell
	NewLibrarian      = listenerspkg.NewLibrarian

	// Registration-time sentinels
	ErrBusRequired       = errspkg.ErrBusRequired
	ErrHandlerRequired   = errspkg.ErrHandlerRequired
	ErrIdentityRequired  = errspkg.ErrIdentityRequired
	ErrKindRequired      = errspkg.ErrKindRequired
	ErrDuplicateIdentity = errspkg.ErrDuplicateIdentity
	ErrDuplicateKind     = errspkg.ErrDuplicateKind
	ErrRegistrySealed    = errspkg.ErrRegistrySealed
	ErrUnknownKind       = errspkg.ErrUnknownKind
)

const (
	StatusRouted = buspkg.StatusRouted
	StatusLogged = buspkg.StatusLogged
)

// PrototypeDecoder builds a DecodeFunc that unmarshals each payload into a
// fresh instance of T. T must be a pointer type.
func PrototypeDecoder[T any]() (DecodeFunc, error) {
	return schemapkg.PrototypeDecoder[T]()
}
