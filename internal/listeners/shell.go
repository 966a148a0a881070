package listeners

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"slices"

	"github.com/drblury/envflow/internal/bus"
	"github.com/drblury/envflow/internal/schema"
)

// maxShellOutput bounds captured stdout and stderr each.
const maxShellOutput = 128 << 10

var shellSchema = []byte(`{
	"type": "object",
	"properties": {
		"command": {"type": "string", "minLength": 1},
		"args": {"type": "array", "items": {"type": "string"}}
	},
	"required": ["command"],
	"additionalProperties": false
}`)

type shellRequest struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
}

type shellResult struct {
	Command  string `json:"command"`
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
}

// Shell returns a listener that runs allowlisted commands. The allowlist is
// exact binary names; there is no shell interpolation and arguments are
// passed verbatim.
func Shell(allowlist []string) (bus.Registration, error) {
	if len(allowlist) == 0 {
		return bus.Registration{}, fmt.Errorf("shell listener: empty allowlist")
	}

	decode, err := schema.PrototypeDecoder[*shellRequest]()
	if err != nil {
		return bus.Registration{}, err
	}

	return bus.Registration{
		Identity:    "shell",
		Description: fmt.Sprintf("runs allowlisted commands: %v", allowlist),
		Broadcast:   true,
		Kinds: []bus.KindBinding{{
			Kind:   "shell",
			Schema: shellSchema,
			Decode: decode,
		}},
		Handler: func(ctx context.Context, payload any, meta bus.Metadata) ([]bus.Response, error) {
			req := payload.(*shellRequest)

			if !slices.Contains(allowlist, req.Command) {
				return nil, fmt.Errorf("command %q is not allowlisted", req.Command)
			}

			cmd := exec.CommandContext(ctx, req.Command, req.Args...)
			var stdout, stderr bytes.Buffer
			cmd.Stdout = &stdout
			cmd.Stderr = &stderr

			runErr := cmd.Run()
			exitCode := 0
			if runErr != nil {
				exitErr, ok := runErr.(*exec.ExitError)
				if !ok {
					return nil, fmt.Errorf("running %q: %w", req.Command, runErr)
				}
				exitCode = exitErr.ExitCode()
			}

			return []bus.Response{{
				Kind: "shell.result",
				Value: shellResult{
					Command:  req.Command,
					ExitCode: exitCode,
					Stdout:   clip(stdout.String(), maxShellOutput),
					Stderr:   clip(stderr.String(), maxShellOutput),
				},
				To: meta.FromID,
			}}, nil
		},
	}, nil
}

func clip(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
