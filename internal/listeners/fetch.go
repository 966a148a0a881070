package listeners

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-resty/resty/v2"

	"github.com/drblury/envflow/internal/bus"
	"github.com/drblury/envflow/internal/runtime/config"
	"github.com/drblury/envflow/internal/schema"
)

// maxFetchBody bounds how much of a remote response is forwarded.
const maxFetchBody = 256 << 10

var fetchSchema = []byte(`{
	"type": "object",
	"properties": {
		"url": {"type": "string", "pattern": "^https?://"},
		"method": {"type": "string", "enum": ["GET", "HEAD"]}
	},
	"required": ["url"],
	"additionalProperties": false
}`)

type fetchRequest struct {
	URL    string `json:"url"`
	Method string `json:"method,omitempty"`
}

type fetchResult struct {
	URL         string `json:"url"`
	Status      int    `json:"status"`
	ContentType string `json:"content_type,omitempty"`
	Body        string `json:"body,omitempty"`
	Truncated   bool   `json:"truncated,omitempty"`
}

// Fetch returns a listener that retrieves a URL and forwards the response
// body. Only read methods are allowed and bodies are truncated, so the
// listener cannot be used to push data out or flood the bus.
func Fetch(cfg *config.Config) (bus.Registration, error) {
	decode, err := schema.PrototypeDecoder[*fetchRequest]()
	if err != nil {
		return bus.Registration{}, err
	}

	client := resty.New().
		SetTimeout(cfg.FetchTimeout).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(5)).
		SetHeader("User-Agent", "envflow-fetch/1.0")

	return bus.Registration{
		Identity:    "fetch",
		Description: "retrieves a URL with GET or HEAD",
		Broadcast:   true,
		Kinds: []bus.KindBinding{{
			Kind:   "fetch",
			Schema: fetchSchema,
			Decode: decode,
		}},
		Handler: func(ctx context.Context, payload any, meta bus.Metadata) ([]bus.Response, error) {
			req := payload.(*fetchRequest)

			method := strings.ToUpper(req.Method)
			if method == "" {
				method = "GET"
			}

			resp, err := client.R().SetContext(ctx).Execute(method, req.URL)
			if err != nil {
				return nil, fmt.Errorf("fetching %s: %w", req.URL, err)
			}

			body := resp.Body()
			truncated := len(body) > maxFetchBody
			if truncated {
				body = body[:maxFetchBody]
			}

			return []bus.Response{{
				Kind: "fetch.result",
				Value: fetchResult{
					URL:         req.URL,
					Status:      resp.StatusCode(),
					ContentType: resp.Header().Get("Content-Type"),
					Body:        string(body),
					Truncated:   truncated,
				},
				To: meta.FromID,
			}}, nil
		},
	}, nil
}
