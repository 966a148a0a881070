// Package bus implements the routing core: a sealed listener registry, a
// per-listener processing pipeline, concurrent broadcast fan-out with
// per-listener failure containment, and a system fallback pipeline that turns
// every undeliverable or erroring message into a diagnostic instead of
// silence.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/envflow/internal/envelope"
	"github.com/drblury/envflow/internal/runtime/config"
	errspkg "github.com/drblury/envflow/internal/runtime/errors"
	"github.com/drblury/envflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/envflow/internal/runtime/logging"
	"github.com/drblury/envflow/internal/schema"
)

const (
	// systemIdentity is the reserved sender of bus-generated diagnostics.
	systemIdentity = "system"

	// diagnosticKind is the payload kind of system diagnostics.
	diagnosticKind = "huh"

	// auditLogKind is acknowledged at ingress but never routed; the audit
	// stream has already recorded it by the time routing would start.
	auditLogKind = "audit.log"
)

// AuditEntry is one immutable record on the audit stream. Every message that
// passes the air lock produces exactly one entry before any routing happens.
type AuditEntry struct {
	ID        string    `json:"id"`
	At        time.Time `json:"at"`
	ThreadID  string    `json:"thread_id"`
	From      string    `json:"from"`
	To        string    `json:"to,omitempty"`
	Kind      string    `json:"kind"`
	CallerID  string    `json:"caller_id,omitempty"`
	Hop       int       `json:"hop"`
	Canonical []byte    `json:"canonical"`
}

// AuditSink receives audit entries. Recording is mandatory and synchronous;
// a sink error aborts the delivery.
type AuditSink interface {
	Record(ctx context.Context, entry AuditEntry) error
}

// Receipt is the ingress caller's view of one delivery: the conversation
// thread and every response envelope addressed back to the caller, including
// system diagnostics.
type Receipt struct {
	ThreadID string `json:"thread_id"`
	Status   string `json:"status"`
	// Responses holds canonical envelope bytes addressed to the caller.
	Responses [][]byte `json:"responses,omitempty"`
}

const (
	// StatusRouted marks a delivery that reached the routing core.
	StatusRouted = "routed"
	// StatusLogged marks an audit entry acknowledged without routing.
	StatusLogged = "logged"
)

// Bus is the message routing core. Listeners register during startup, the
// registry is sealed, then Deliver processes ingress traffic until shutdown.
type Bus struct {
	cfg      *config.Config
	log      loggingpkg.ServiceLogger
	hooks    DispatchHooks
	audit    AuditSink
	kinds    *schema.Registry
	registry *registry
	system   *Pipeline
	tracer   trace.Tracer
}

// Option configures a Bus at construction.
type Option func(*Bus)

// WithLogger sets the service logger. Defaults to a no-op logger.
func WithLogger(log loggingpkg.ServiceLogger) Option {
	return func(b *Bus) { b.log = log }
}

// WithHooks merges a hook set into the bus. May be given multiple times;
// hooks run in the order supplied.
func WithHooks(hooks DispatchHooks) Option {
	return func(b *Bus) { b.hooks = b.hooks.Merge(hooks) }
}

// WithAuditSink sets the mandatory audit stream sink. Without one, deliveries
// are still audited through the logger only.
func WithAuditSink(sink AuditSink) Option {
	return func(b *Bus) { b.audit = sink }
}

// New builds a Bus from a validated configuration.
func New(cfg *config.Config, opts ...Option) (*Bus, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("bus configuration: %w", err)
	}

	kinds := schema.NewRegistry()
	b := &Bus{
		cfg:      cfg,
		log:      loggingpkg.Nop(),
		kinds:    kinds,
		registry: newRegistry(kinds),
		system:   newSystemPipeline(),
		tracer:   otel.Tracer("github.com/drblury/envflow/internal/bus"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Register adds a listener. Registration is a startup-time operation; after
// Seal it fails with ErrRegistrySealed.
func (b *Bus) Register(reg Registration) error {
	l := &Listener{
		identity:    reg.Identity,
		description: reg.Description,
		handler:     reg.Handler,
		broadcast:   reg.Broadcast,
		agent:       reg.Agent,
		stats:       newListenerStats(reg.Identity),
	}
	if err := b.registry.add(reg, l); err != nil {
		return err
	}
	l.pipeline = newListenerPipeline(b.registry, l)

	b.log.Info("Listener registered", loggingpkg.LogFields{
		"identity":  reg.Identity,
		"kinds":     len(reg.Kinds),
		"broadcast": reg.Broadcast,
	})
	return nil
}

// Seal closes the registration window. Must be called before the first
// Deliver.
func (b *Bus) Seal() {
	b.registry.seal()
	b.log.Info("Registry sealed", loggingpkg.LogFields{
		"listeners": len(b.registry.listeners()),
		"kinds":     len(b.kinds.Kinds()),
	})
}

// Listeners returns the introspection view of every registration.
func (b *Bus) Listeners() []ListenerInfo {
	regs := b.registry.listeners()
	out := make([]ListenerInfo, 0, len(regs))
	for _, l := range regs {
		kinds := l.Kinds()
		sort.Strings(kinds)
		out = append(out, ListenerInfo{
			Identity:    l.identity,
			Description: l.description,
			Kinds:       kinds,
			Broadcast:   l.broadcast,
			Agent:       l.agent,
			Stats:       l.stats,
		})
	}
	return out
}

// Kinds returns every registered payload kind in sorted order.
func (b *Bus) Kinds() []string { return b.kinds.Kinds() }

// Deliver runs one ingress message through the air lock and the routing core.
// callerID is the authenticated identity of the submitting client; it is
// empty for anonymous ingress. Bytes that cannot be repaired into a
// parseable tree are rejected here with a MalformedInputError and never
// reach the core; parseable trees with structural defects get a diagnostic
// receipt like any other post-boundary failure.
func (b *Bus) Deliver(ctx context.Context, raw []byte, callerID string) (*Receipt, error) {
	repaired, err := envelope.Repair(raw)
	if err != nil {
		b.log.Warn("Rejected at ingress", loggingpkg.LogFields{
			"caller": callerID,
			"error":  err.Error(),
		})
		return nil, err
	}

	canonical, err := envelope.Canonicalize(repaired)
	if err != nil {
		// The tree parsed, so this is a structural defect (duplicated
		// members), not unparseable input. Only unparseable bytes are
		// boundary-rejected; everything else stays observable.
		var structural *errspkg.EnvelopeStructureError
		if !errors.As(err, &structural) {
			b.log.Warn("Rejected at ingress", loggingpkg.LogFields{
				"caller": callerID,
				"error":  err.Error(),
			})
			return nil, err
		}
		return b.structuralReject(repaired, callerID, err), nil
	}

	// The declared sender is advisory at the boundary. For authenticated
	// callers the bus overwrites it with the session identity so nothing
	// downstream ever trusts client-supplied identity.
	if callerID != "" {
		canonical, err = setMetaField(canonical, "from", callerID)
		if err != nil {
			return nil, err
		}
	}

	meta := gjson.GetBytes(canonical, "meta")
	from := meta.Get("from").String()
	thread := meta.Get("thread").String()
	if thread == "" {
		thread = ids.NewThreadID()
		canonical, err = setMetaField(canonical, "thread", thread)
		if err != nil {
			return nil, err
		}
	}

	origin := from
	if callerID != "" {
		origin = callerID
	}

	st := &State{
		Raw:       canonical,
		Canonical: canonical,
		ThreadID:  thread,
		FromID:    from,
		Origin:    origin,
	}

	kind, recipient := peekRoute(canonical)

	if err := b.recordAudit(ctx, st, kind, recipient, callerID); err != nil {
		return nil, err
	}
	b.hooks.deliver(thread, from, kind)

	if kind == auditLogKind {
		return &Receipt{ThreadID: thread, Status: StatusLogged}, nil
	}

	responses := b.dispatch(ctx, st, kind, recipient)
	return &Receipt{ThreadID: thread, Status: StatusRouted, Responses: responses}, nil
}

// structuralReject turns a post-repair structural failure into a diagnostic
// receipt. The bytes parsed, so sender and thread hints are still readable
// even though the message never cleared the air lock.
func (b *Bus) structuralReject(repaired []byte, callerID string, cause error) *Receipt {
	meta := gjson.GetBytes(repaired, "meta")
	from := meta.Get("from").String()
	thread := meta.Get("thread").String()
	if thread == "" {
		thread = ids.NewThreadID()
	}
	origin := from
	if callerID != "" {
		origin = callerID
	}

	st := &State{
		Raw:       repaired,
		Canonical: repaired,
		ThreadID:  thread,
		FromID:    from,
		Origin:    origin,
	}
	return &Receipt{
		ThreadID:  thread,
		Status:    StatusRouted,
		Responses: [][]byte{b.systemDiagnose(st, cause)},
	}
}

// dispatch resolves targets for a canonicalized message and drives each one
// through its pipeline and handler. It returns every response envelope
// addressed to the delivery origin, including diagnostics.
func (b *Bus) dispatch(ctx context.Context, st *State, kind, recipient string) [][]byte {
	if kind == "" {
		// No payload member at all; surface the structural error instead of
		// pretending the empty kind was unroutable.
		_, err := envelope.Parse(st.Canonical)
		if err == nil {
			err = &errspkg.EnvelopeStructureError{Field: "payload", Reason: "payload kind cannot be empty"}
		}
		return [][]byte{b.systemDiagnose(st, err)}
	}

	targets, err := b.registry.resolve(kind, recipient)
	if err != nil {
		return [][]byte{b.systemDiagnose(st, err)}
	}

	broadcast := recipient == ""
	results := make([]targetResult, len(targets))

	if broadcast && len(targets) > 1 {
		var wg sync.WaitGroup
		for i, l := range targets {
			wg.Add(1)
			go func(i int, l *Listener) {
				defer wg.Done()
				results[i] = b.runTarget(ctx, l, st, broadcast)
			}(i, l)
		}
		wg.Wait()
	} else {
		for i, l := range targets {
			results[i] = b.runTarget(ctx, l, st, broadcast)
		}
	}

	// Response processing is serial so downstream routing and egress keep a
	// deterministic order regardless of handler scheduling.
	var egress [][]byte
	for i, res := range results {
		l := targets[i]
		if res.err != nil {
			egress = append(egress, b.systemDiagnose(st, res.err))
			continue
		}
		for _, resp := range res.responses {
			egress = append(egress, b.processResponse(ctx, l, st, resp)...)
		}
	}
	return egress
}

type targetResult struct {
	responses []Response
	err       error
}

// runTarget runs one listener's pipeline on its own copy of the state and, if
// the pipeline passes, invokes the handler. Failures are contained per
// listener; siblings in a fan-out are never affected.
func (b *Bus) runTarget(ctx context.Context, l *Listener, base *State, broadcast bool) targetResult {
	st := &State{
		Raw:       base.Canonical,
		Canonical: base.Canonical,
		ThreadID:  base.ThreadID,
		FromID:    base.FromID,
		Origin:    base.Origin,
		Hop:       base.Hop,
	}
	l.pipeline.run(st)
	if st.Err != nil {
		return targetResult{err: st.Err}
	}

	responses, err := b.invoke(ctx, l, st, broadcast)
	if err != nil {
		return targetResult{err: err}
	}
	return targetResult{responses: responses}
}

type invokeResult struct {
	responses []Response
	err       error
}

// invoke calls one handler with timeout enforcement and panic containment.
func (b *Bus) invoke(ctx context.Context, l *Listener, st *State, broadcast bool) ([]Response, error) {
	dctx := DispatchContext{
		Listener:  l.identity,
		Kind:      st.Kind,
		ThreadID:  st.ThreadID,
		FromID:    st.FromID,
		Broadcast: broadcast,
		StartedAt: time.Now(),
	}
	b.hooks.handlerStart(dctx)

	ctx, span := b.tracer.Start(ctx, "envflow.dispatch",
		trace.WithAttributes(
			attribute.String("envflow.listener", l.identity),
			attribute.String("envflow.kind", st.Kind),
			attribute.String("envflow.thread", st.ThreadID),
		))
	defer span.End()

	if b.cfg.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.HandlerTimeout)
		defer cancel()
	}

	resultCh := make(chan invokeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- invokeResult{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		responses, err := l.handler(ctx, st.Value, l.metadataFor(st))
		resultCh <- invokeResult{responses: responses, err: err}
	}()

	var res invokeResult
	select {
	case res = <-resultCh:
	case <-ctx.Done():
		res = invokeResult{err: ctx.Err()}
	}

	dctx.Duration = time.Since(dctx.StartedAt)
	l.stats.record(dctx.Duration, res.err)

	if res.err != nil {
		failure := &errspkg.HandlerFailureError{Listener: l.identity, Err: res.err}
		span.RecordError(failure)
		span.SetStatus(codes.Error, failure.Error())
		b.hooks.handlerError(dctx, failure)
		return nil, failure
	}

	b.hooks.handlerDone(dctx)
	return res.responses, nil
}

// processResponse applies the identity guard to one handler response, wraps
// it into a new envelope, and either hands it back to the caller or
// re-injects it into the routing core.
func (b *Bus) processResponse(ctx context.Context, l *Listener, st *State, resp Response) [][]byte {
	// Identity guard: a response speaks as the listener that produced it,
	// never as anyone else.
	if resp.From != "" && resp.From != l.identity {
		spoof := &errspkg.SpoofedSenderError{Listener: l.identity, Claimed: resp.From}
		l.stats.recordSpoof()
		b.hooks.securityEvent(l.identity, resp.From)
		b.log.Error("Response discarded", spoof, loggingpkg.LogFields{
			"listener": l.identity,
			"thread":   st.ThreadID,
		})
		return nil
	}

	payload := resp.Raw
	if payload == nil {
		var err error
		payload, err = b.encodePayload(resp.Kind, resp.Value)
		if err != nil {
			return [][]byte{b.systemDiagnose(st, &errspkg.HandlerFailureError{
				Listener: l.identity,
				Err:      fmt.Errorf("encoding response kind %q: %w", resp.Kind, err),
			})}
		}
	}

	thread := resp.Thread
	if thread == "" {
		thread = st.ThreadID
	}

	env := &envelope.Envelope{
		Meta:    envelope.Meta{From: l.identity, To: resp.To, Thread: thread},
		Kind:    resp.Kind,
		Payload: payload,
	}
	canonical, err := env.Serialize()
	if err != nil {
		return [][]byte{b.systemDiagnose(st, &errspkg.HandlerFailureError{
			Listener: l.identity,
			Err:      fmt.Errorf("serializing response: %w", err),
		})}
	}

	// A response addressed to the delivery origin leaves the bus. Everything
	// else is a new message and goes back through the full path.
	if resp.To != "" && resp.To == st.Origin {
		return [][]byte{canonical}
	}

	if st.Hop+1 >= b.cfg.MaxHops {
		return [][]byte{b.systemDiagnose(st, fmt.Errorf(
			"re-injection depth %d exceeded by response from %q (kind %q)",
			b.cfg.MaxHops, l.identity, resp.Kind))}
	}

	next := &State{
		Raw:       canonical,
		Canonical: canonical,
		ThreadID:  thread,
		FromID:    l.identity,
		Origin:    st.Origin,
		Hop:       st.Hop + 1,
	}
	kind, recipient := peekRoute(canonical)
	if err := b.recordAudit(ctx, next, kind, recipient, ""); err != nil {
		return [][]byte{b.systemDiagnose(st, err)}
	}
	b.hooks.deliver(thread, l.identity, kind)

	if kind == auditLogKind {
		return nil
	}
	return b.dispatch(ctx, next, kind, recipient)
}

func (b *Bus) encodePayload(kind string, value any) ([]byte, error) {
	codec, err := b.kinds.Lookup(kind)
	if err == nil {
		return codec.Encode(value)
	}
	// Unregistered response kinds are legal; routing decides their fate.
	return sonic.Marshal(value)
}

// systemDiagnose runs the lenient fallback pipeline over the message that
// failed and synthesizes a diagnostic envelope addressed to the delivery
// origin. The diagnostic always exists, whatever the failure mode.
func (b *Bus) systemDiagnose(st *State, cause error) []byte {
	recovered := &State{
		Raw:       st.Canonical,
		Canonical: st.Canonical,
		ThreadID:  st.ThreadID,
		FromID:    st.FromID,
	}
	b.system.run(recovered)

	body := map[string]any{"reason": cause.Error()}
	if recovered.Kind != "" {
		body["kind"] = recovered.Kind
	}
	if listener := offendingListener(cause); listener != "" {
		body["listener"] = listener
	}

	payload, err := sonic.Marshal(body)
	if err != nil {
		payload = []byte(`{"reason":"diagnostic encoding failed"}`)
	}

	env := &envelope.Envelope{
		Meta: envelope.Meta{
			From:   systemIdentity,
			To:     st.Origin,
			Thread: recovered.ThreadID,
		},
		Kind:    diagnosticKind,
		Payload: payload,
	}
	canonical, err := env.Serialize()
	if err != nil {
		// The diagnostic template is structurally valid; this cannot fail
		// with a sane origin, but never return silence.
		b.log.Error("Diagnostic serialization failed", err, nil)
		return []byte(`{"meta":{"from":"system"},"huh":{"reason":"internal error"}}`)
	}

	b.log.Warn("Diagnostic issued", loggingpkg.LogFields{
		"thread": recovered.ThreadID,
		"to":     st.Origin,
		"reason": cause.Error(),
	})
	return canonical
}

func (b *Bus) recordAudit(ctx context.Context, st *State, kind, recipient, callerID string) error {
	entry := AuditEntry{
		ID:        ids.NewMessageID(),
		At:        time.Now().UTC(),
		ThreadID:  st.ThreadID,
		From:      st.FromID,
		To:        recipient,
		Kind:      kind,
		CallerID:  callerID,
		Hop:       st.Hop,
		Canonical: st.Canonical,
	}
	if b.audit != nil {
		if err := b.audit.Record(ctx, entry); err != nil {
			return fmt.Errorf("audit record: %w", err)
		}
	}
	b.log.Debug("Audited", loggingpkg.LogFields{
		"id":     entry.ID,
		"thread": entry.ThreadID,
		"kind":   entry.Kind,
		"hop":    entry.Hop,
	})
	return nil
}

// offendingListener extracts the listener identity from attributable errors.
func offendingListener(err error) string {
	switch e := err.(type) {
	case *errspkg.HandlerFailureError:
		return e.Listener
	case *errspkg.SchemaValidationError:
		return e.Listener
	case *errspkg.SpoofedSenderError:
		return e.Listener
	}
	return ""
}

// peekRoute reads the routing key from canonical bytes without a full parse.
func peekRoute(canonical []byte) (kind, recipient string) {
	doc := gjson.ParseBytes(canonical)
	doc.ForEach(func(key, _ gjson.Result) bool {
		if key.String() != "meta" {
			kind = key.String()
			return false
		}
		return true
	})
	recipient = doc.Get("meta.to").String()
	return kind, recipient
}

func setMetaField(canonical []byte, field, value string) ([]byte, error) {
	updated, err := sjson.SetBytes(canonical, "meta."+field, value)
	if err != nil {
		return nil, fmt.Errorf("rewriting meta.%s: %w", field, err)
	}
	return envelope.Canonicalize(updated)
}
