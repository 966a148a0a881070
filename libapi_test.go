package envflow

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type greeting struct {
	Name string `json:"name"`
}

func TestFacadeRoundTrip(t *testing.T) {
	b, err := NewBus(DefaultConfig())
	if err != nil {
		t.Fatalf("NewBus: %v", err)
	}

	decode, err := PrototypeDecoder[*greeting]()
	if err != nil {
		t.Fatalf("PrototypeDecoder: %v", err)
	}
	err = b.Register(Registration{
		Identity: "greeter",
		Kinds:    []KindBinding{{Kind: "greet", Decode: decode}},
		Handler: func(_ context.Context, payload any, meta Metadata) ([]Response, error) {
			g := payload.(*greeting)
			return []Response{{
				Kind:  "greet.reply",
				Value: map[string]string{"message": "hello " + g.Name},
				To:    meta.FromID,
			}}, nil
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	b.Seal()

	receipt, err := b.Deliver(context.Background(),
		[]byte(`{"meta":{"from":"alice","to":"greeter"},"greet":{"name":"alice"}}`), "")
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if receipt.Status != StatusRouted || len(receipt.Responses) != 1 {
		t.Fatalf("receipt = %+v", receipt)
	}

	env, err := ParseEnvelope(receipt.Responses[0])
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if env.Kind != "greet.reply" || !strings.Contains(string(env.Payload), "hello alice") {
		t.Errorf("unexpected response: kind=%q payload=%s", env.Kind, env.Payload)
	}
}

func TestFacadeErrorExports(t *testing.T) {
	b, err := NewBus(DefaultConfig())
	if err != nil {
		t.Fatalf("NewBus: %v", err)
	}
	if err := b.Register(Registration{}); !errors.Is(err, ErrIdentityRequired) {
		t.Fatalf("expected identity required error, got %v", err)
	}

	b.Seal()
	_, err = b.Deliver(context.Background(), []byte("not json"), "")
	var malformed *MalformedInputError
	if !errors.As(err, &malformed) {
		t.Fatalf("expected malformed input error, got %v", err)
	}
}

func TestFacadeIDExports(t *testing.T) {
	thread := NewThreadID()
	msg := NewMessageID()
	if len(thread) != 26 || len(msg) != 26 {
		t.Fatalf("ids %q/%q are not ULIDs", thread, msg)
	}
}

func TestFacadeCanonicalizeExport(t *testing.T) {
	canonical, err := Canonicalize([]byte(`{"b": 2, "a": 1}`))
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	if string(canonical) != `{"a":1,"b":2}` {
		t.Fatalf("canonical form = %s", canonical)
	}
}
