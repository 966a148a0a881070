// Package listeners ships the built-in tool listeners: small capabilities
// registered on the bus next to user-defined ones. Each constructor returns a
// plain Registration so embedders can pick and choose.
package listeners

import (
	"context"

	"github.com/drblury/envflow/internal/bus"
)

// Echo returns a listener that mirrors any payload back to its sender under
// the echo.reply kind. Useful for connectivity checks and as the smallest
// possible listener example.
func Echo() bus.Registration {
	return bus.Registration{
		Identity:    "echo",
		Description: "mirrors payloads back to the sender",
		Broadcast:   true,
		Kinds:       []bus.KindBinding{{Kind: "echo"}},
		Handler: func(_ context.Context, payload any, meta bus.Metadata) ([]bus.Response, error) {
			return []bus.Response{{
				Kind:  "echo.reply",
				Value: payload,
				To:    meta.FromID,
			}}, nil
		},
	}
}
