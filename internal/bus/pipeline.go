package bus

import (
	"fmt"

	"github.com/drblury/envflow/internal/envelope"
	errspkg "github.com/drblury/envflow/internal/runtime/errors"
	"github.com/drblury/envflow/internal/runtime/ids"
)

// Stage is one step of a pipeline. A stage that returns an error sets the
// state's error slot and short-circuits the remainder of the run.
type Stage func(st *State) error

// Pipeline is an ordered, fixed list of stages applied to one in-flight
// message. Each listener owns a dedicated instance (its schema codec is bound
// at registration); the bus owns one shared lenient instance for
// undeliverable and erroring traffic.
type Pipeline struct {
	stages []Stage
	// lenient runs every stage regardless of earlier failures, recording
	// only the first error. The system pipeline needs this so it can still
	// synthesize a diagnostic from whatever the stages recovered.
	lenient bool
}

// run drives the state through the stage list.
func (p *Pipeline) run(st *State) {
	for _, stage := range p.stages {
		if st.Err != nil && !p.lenient {
			return
		}
		if err := stage(st); err != nil {
			st.fail(err)
			if !p.lenient {
				return
			}
		}
	}
}

// newListenerPipeline builds the full stage list for one listener: repair,
// canonicalize, envelope validation, payload extraction, thread assignment,
// schema validation, deserialization, route resolution.
func newListenerPipeline(r *registry, l *Listener) *Pipeline {
	return &Pipeline{stages: []Stage{
		repairStage,
		canonicalizeStage,
		envelopeValidateStage,
		payloadExtractStage,
		threadAssignStage,
		schemaValidateStage(l),
		deserializeStage(l),
		routeResolveStage(r),
	}}
}

// newSystemPipeline builds the shorter fallback list. It never validates
// schemas or deserializes, so it can always produce a response even for
// payload kinds unknown to the system.
func newSystemPipeline() *Pipeline {
	return &Pipeline{
		lenient: true,
		stages: []Stage{
			repairStage,
			canonicalizeStage,
			envelopeValidateStage,
			payloadExtractStage,
			threadAssignStage,
		},
	}
}

func repairStage(st *State) error {
	if st.Canonical != nil {
		// Already pressurized at the air lock.
		return nil
	}
	repaired, err := envelope.Repair(st.Raw)
	if err != nil {
		return err
	}
	st.Raw = repaired
	return nil
}

func canonicalizeStage(st *State) error {
	if st.Canonical != nil {
		return nil
	}
	canonical, err := envelope.Canonicalize(st.Raw)
	if err != nil {
		return err
	}
	st.Canonical = canonical
	return nil
}

func envelopeValidateStage(st *State) error {
	if st.Canonical == nil {
		return nil
	}
	env, err := envelope.Parse(st.Canonical)
	if err != nil {
		return err
	}
	st.Envelope = env
	if st.FromID == "" {
		st.FromID = env.Meta.From
	}
	return nil
}

func payloadExtractStage(st *State) error {
	if st.Envelope == nil {
		return nil
	}
	st.Kind = st.Envelope.Kind
	st.Payload = st.Envelope.Payload
	return nil
}

// threadAssignStage injects a freshly generated thread id on first ingress
// and preserves the existing one on every later message in the conversation.
func threadAssignStage(st *State) error {
	if st.ThreadID != "" {
		return nil
	}
	if st.Envelope != nil && st.Envelope.Meta.Thread != "" {
		st.ThreadID = st.Envelope.Meta.Thread
		return nil
	}
	st.ThreadID = ids.NewThreadID()
	return nil
}

func schemaValidateStage(l *Listener) Stage {
	return func(st *State) error {
		codec, ok := l.codecs[st.Kind]
		if !ok {
			return &errspkg.UnroutableError{Kind: st.Kind, Recipient: l.identity}
		}
		if err := codec.Validate(st.Payload); err != nil {
			return tagListener(err, l.identity)
		}
		return nil
	}
}

func deserializeStage(l *Listener) Stage {
	return func(st *State) error {
		codec, ok := l.codecs[st.Kind]
		if !ok {
			return &errspkg.UnroutableError{Kind: st.Kind, Recipient: l.identity}
		}
		value, err := codec.Decode(st.Payload)
		if err != nil {
			return &errspkg.SchemaValidationError{
				Listener: l.identity,
				Kind:     st.Kind,
				Detail:   fmt.Sprintf("deserialization failed: %v", err),
			}
		}
		st.Value = value
		return nil
	}
}

func routeResolveStage(r *registry) Stage {
	return func(st *State) error {
		recipient := ""
		if st.Envelope != nil {
			recipient = st.Envelope.Meta.To
		}
		targets, err := r.resolve(st.Kind, recipient)
		if err != nil {
			return err
		}
		st.Targets = targets
		return nil
	}
}

func tagListener(err error, identity string) error {
	if schemaErr, ok := err.(*errspkg.SchemaValidationError); ok && schemaErr.Listener == "" {
		tagged := *schemaErr
		tagged.Listener = identity
		return &tagged
	}
	return err
}
