package bus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	loggingpkg "github.com/drblury/envflow/internal/runtime/logging"
)

// DispatchContext describes one handler invocation to hooks.
type DispatchContext struct {
	// Listener is the identity of the invoked listener.
	Listener string
	// Kind is the payload kind being dispatched.
	Kind string
	// ThreadID is the conversation the message belongs to.
	ThreadID string
	// FromID is the trusted sender identity.
	FromID string
	// Broadcast reports whether the invocation is part of a fan-out.
	Broadcast bool
	// StartedAt is when the invocation began.
	StartedAt time.Time
	// Duration is set in OnHandlerDone and OnHandlerError.
	Duration time.Duration
}

// DispatchHooks defines callbacks around the dispatch lifecycle. All hooks
// are optional; nil hooks are simply not called.
type DispatchHooks struct {
	// OnDeliver is called once per envelope accepted past the air lock,
	// before routing.
	OnDeliver func(threadID, fromID, kind string)

	// OnHandlerStart is called before a handler is invoked.
	OnHandlerStart func(ctx DispatchContext)

	// OnHandlerDone is called after a handler completes successfully.
	OnHandlerDone func(ctx DispatchContext)

	// OnHandlerError is called when a handler fails, times out, or panics.
	OnHandlerError func(ctx DispatchContext, err error)

	// OnSecurityEvent is called when the identity guard discards a spoofed
	// response.
	OnSecurityEvent func(listener, claimed string)
}

// Merge combines two hook sets; the receiver's callbacks run first.
func (h DispatchHooks) Merge(other DispatchHooks) DispatchHooks {
	return DispatchHooks{
		OnDeliver:       chainDeliver(h.OnDeliver, other.OnDeliver),
		OnHandlerStart:  chainDispatch(h.OnHandlerStart, other.OnHandlerStart),
		OnHandlerDone:   chainDispatch(h.OnHandlerDone, other.OnHandlerDone),
		OnHandlerError:  chainError(h.OnHandlerError, other.OnHandlerError),
		OnSecurityEvent: chainSecurity(h.OnSecurityEvent, other.OnSecurityEvent),
	}
}

func chainDeliver(a, b func(string, string, string)) func(string, string, string) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(threadID, fromID, kind string) {
		a(threadID, fromID, kind)
		b(threadID, fromID, kind)
	}
}

func chainDispatch(a, b func(DispatchContext)) func(DispatchContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx DispatchContext) {
		a(ctx)
		b(ctx)
	}
}

func chainError(a, b func(DispatchContext, error)) func(DispatchContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx DispatchContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

func chainSecurity(a, b func(string, string)) func(string, string) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(listener, claimed string) {
		a(listener, claimed)
		b(listener, claimed)
	}
}

func (h DispatchHooks) deliver(threadID, fromID, kind string) {
	if h.OnDeliver != nil {
		h.OnDeliver(threadID, fromID, kind)
	}
}

func (h DispatchHooks) handlerStart(ctx DispatchContext) {
	if h.OnHandlerStart != nil {
		h.OnHandlerStart(ctx)
	}
}

func (h DispatchHooks) handlerDone(ctx DispatchContext) {
	if h.OnHandlerDone != nil {
		h.OnHandlerDone(ctx)
	}
}

func (h DispatchHooks) handlerError(ctx DispatchContext, err error) {
	if h.OnHandlerError != nil {
		h.OnHandlerError(ctx, err)
	}
}

func (h DispatchHooks) securityEvent(listener, claimed string) {
	if h.OnSecurityEvent != nil {
		h.OnSecurityEvent(listener, claimed)
	}
}

// LoggingHooks logs dispatch lifecycle events through the supplied logger.
func LoggingHooks(log loggingpkg.ServiceLogger) DispatchHooks {
	return DispatchHooks{
		OnDeliver: func(threadID, fromID, kind string) {
			log.Debug("Envelope accepted", loggingpkg.LogFields{
				"thread": threadID,
				"from":   fromID,
				"kind":   kind,
			})
		},
		OnHandlerStart: func(ctx DispatchContext) {
			log.Debug("Dispatching to handler", loggingpkg.LogFields{
				"listener": ctx.Listener,
				"kind":     ctx.Kind,
				"thread":   ctx.ThreadID,
			})
		},
		OnHandlerDone: func(ctx DispatchContext) {
			log.Debug("Handler completed", loggingpkg.LogFields{
				"listener":    ctx.Listener,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
		OnHandlerError: func(ctx DispatchContext, err error) {
			log.Error("Handler failed", err, loggingpkg.LogFields{
				"listener": ctx.Listener,
				"kind":     ctx.Kind,
				"thread":   ctx.ThreadID,
			})
		},
		OnSecurityEvent: func(listener, claimed string) {
			log.Error("IDENTITY SPOOFING DETECTED", nil, loggingpkg.LogFields{
				"listener": listener,
				"claimed":  claimed,
			})
		},
	}
}

var (
	deliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "envflow",
		Name:      "deliveries_total",
		Help:      "Envelopes accepted past the air lock, by payload kind.",
	}, []string{"kind"})

	handlerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "envflow",
		Name:      "handler_duration_seconds",
		Help:      "Handler invocation latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"listener", "outcome"})

	securityEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "envflow",
		Name:      "security_events_total",
		Help:      "Discarded responses that failed the identity guard.",
	}, []string{"listener"})
)

// MetricsHooks records dispatch outcomes as Prometheus metrics on the
// default registerer.
func MetricsHooks() DispatchHooks {
	return DispatchHooks{
		OnDeliver: func(_, _, kind string) {
			deliveriesTotal.WithLabelValues(kind).Inc()
		},
		OnHandlerDone: func(ctx DispatchContext) {
			handlerDuration.WithLabelValues(ctx.Listener, "ok").Observe(ctx.Duration.Seconds())
		},
		OnHandlerError: func(ctx DispatchContext, _ error) {
			handlerDuration.WithLabelValues(ctx.Listener, "error").Observe(ctx.Duration.Seconds())
		},
		OnSecurityEvent: func(listener, _ string) {
			securityEventsTotal.WithLabelValues(listener).Inc()
		},
	}
}
