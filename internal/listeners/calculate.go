package listeners

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"

	"github.com/drblury/envflow/internal/bus"
	"github.com/drblury/envflow/internal/schema"
)

var calculateSchema = []byte(`{
	"type": "object",
	"properties": {
		"expression": {"type": "string", "minLength": 1}
	},
	"required": ["expression"],
	"additionalProperties": false
}`)

type calculateRequest struct {
	Expression string `json:"expression"`
}

type calculateResult struct {
	Expression string `json:"expression"`
	Result     any    `json:"result"`
}

// Calculate returns a listener that evaluates arithmetic and boolean
// expressions. Expressions run in an empty environment, so they cannot reach
// process state.
func Calculate() (bus.Registration, error) {
	decode, err := schema.PrototypeDecoder[*calculateRequest]()
	if err != nil {
		return bus.Registration{}, err
	}

	return bus.Registration{
		Identity:    "calculate",
		Description: "evaluates expressions like 2*(3+4) or len(\"abc\") > 2",
		Broadcast:   true,
		Kinds: []bus.KindBinding{{
			Kind:   "calculate",
			Schema: calculateSchema,
			Decode: decode,
		}},
		Handler: func(_ context.Context, payload any, meta bus.Metadata) ([]bus.Response, error) {
			req := payload.(*calculateRequest)

			program, err := expr.Compile(req.Expression)
			if err != nil {
				return nil, fmt.Errorf("compiling %q: %w", req.Expression, err)
			}
			result, err := expr.Run(program, nil)
			if err != nil {
				return nil, fmt.Errorf("evaluating %q: %w", req.Expression, err)
			}

			return []bus.Response{{
				Kind:  "calculate.result",
				Value: calculateResult{Expression: req.Expression, Result: result},
				To:    meta.FromID,
			}}, nil
		},
	}, nil
}
