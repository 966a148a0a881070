package envelope

import (
	"bytes"
	"errors"
	"testing"

	errspkg "github.com/drblury/envflow/internal/runtime/errors"
)

func TestRepairToleratesCommentsAndTrailingCommas(t *testing.T) {
	raw := []byte("\xEF\xBB\xBF// ingress scratchpad\n{\"meta\": {\"from\": \"alice\"}, /* inline */ \"chat.message\": {\"text\": \"hi\",},}\n")

	repaired, err := Repair(raw)
	if err != nil {
		t.Fatalf("unexpected repair error: %v", err)
	}

	canon, err := Canonicalize(repaired)
	if err != nil {
		t.Fatalf("unexpected canonicalize error: %v", err)
	}
	env, err := Parse(canon)
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if env.Meta.From != "alice" || env.Kind != "chat.message" {
		t.Fatalf("repair altered semantic content: %+v", env)
	}
}

func TestRepairRejectsUnparseableInput(t *testing.T) {
	for _, raw := range [][]byte{
		nil,
		[]byte("   "),
		[]byte(`{"meta": {"from"`),
		[]byte(`not a tree at all`),
	} {
		_, err := Repair(raw)
		var malformed *errspkg.MalformedInputError
		if !errors.As(err, &malformed) {
			t.Errorf("Repair(%q) error = %v, want MalformedInputError", raw, err)
		}
	}
}

func TestCanonicalizeIsDeterministic(t *testing.T) {
	a := []byte(`{"z": 1, "a": {"c": true, "b": [1, 2, {"y": null, "x": "v"}]}}`)
	b := []byte(`{
		"a": {"b": [1,2,{"x":"v","y":null}], "c": true},
		"z": 1
	}`)

	ca, err := Canonicalize(a)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cb, err := Canonicalize(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(ca, cb) {
		t.Fatalf("semantically identical trees canonicalized differently:\n%s\n%s", ca, cb)
	}
}

func TestCanonicalizeIsIdempotent(t *testing.T) {
	inputs := [][]byte{
		[]byte(`{"b": "two", "a": 1.50, "c": [true, false, null]}`),
		[]byte(`"just a string with A escapes"`),
		[]byte(`[{"k": "v"}, 42]`),
		[]byte(`{"meta":{"from":"alice"},"ping":{}}`),
	}
	for _, in := range inputs {
		once, err := Canonicalize(in)
		if err != nil {
			t.Fatalf("Canonicalize(%s): %v", in, err)
		}
		twice, err := Canonicalize(once)
		if err != nil {
			t.Fatalf("second Canonicalize(%s): %v", once, err)
		}
		if !bytes.Equal(once, twice) {
			t.Errorf("not a fixed point:\nonce:  %s\ntwice: %s", once, twice)
		}
	}
}

func TestCanonicalizeNormalizesStringEscapes(t *testing.T) {
	a, err := Canonicalize([]byte(`{"k": "\u0041BC"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := Canonicalize([]byte(`{"k": "ABC"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("escape variants should canonicalize identically: %s vs %s", a, b)
	}
}

func TestCanonicalizeRejectsDuplicateMembers(t *testing.T) {
	_, err := Canonicalize([]byte(`{"meta": {"from": "alice"}, "meta": {"from": "bob"}, "ping": {}}`))
	var structural *errspkg.EnvelopeStructureError
	if !errors.As(err, &structural) {
		t.Fatalf("expected EnvelopeStructureError for duplicate member, got %v", err)
	}

	_, err = Canonicalize([]byte(`{"meta": {"from": "alice", "from": "bob"}, "ping": {}}`))
	if !errors.As(err, &structural) {
		t.Fatalf("expected EnvelopeStructureError for nested duplicate, got %v", err)
	}
}

func TestRepairAndCanonicalize(t *testing.T) {
	canon, err := RepairAndCanonicalize([]byte("{\"ping\": {}, \"meta\": {\"from\": \"alice\"}, } // trailing"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := `{"meta":{"from":"alice"},"ping":{}}`
	if string(canon) != want {
		t.Fatalf("canonical form = %s, want %s", canon, want)
	}
}
