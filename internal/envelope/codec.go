package envelope

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/bytedance/sonic"
	"github.com/tidwall/gjson"
	"github.com/tidwall/jsonc"

	errspkg "github.com/drblury/envflow/internal/runtime/errors"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Repair performs best-effort structural repair of near-well-formed input:
// UTF-8 BOM, surrounding noise whitespace, line and block comments, and
// trailing commas. It never alters semantic content; input that still fails
// strict validation afterwards is rejected with MalformedInputError.
func Repair(raw []byte) ([]byte, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, &errspkg.MalformedInputError{Reason: "empty input"}
	}

	repaired := bytes.TrimSpace(bytes.TrimPrefix(raw, utf8BOM))
	repaired = jsonc.ToJSONInPlace(append([]byte(nil), repaired...))
	repaired = bytes.TrimSpace(repaired)

	if !gjson.ValidBytes(repaired) {
		return nil, &errspkg.MalformedInputError{Reason: "input is not a parseable tree"}
	}
	return repaired, nil
}

// Canonicalize rewrites a parseable tree into its canonical serialization:
// object members sorted by key, compact separators, normalized string
// escaping, number literals preserved verbatim. Canonical output is a fixed
// point: Canonicalize(Canonicalize(x)) == Canonicalize(x).
//
// Duplicate object members are rejected rather than merged; silently keeping
// either copy would let superficially different trees slip past the envelope
// validator and the schema check.
func Canonicalize(raw []byte) ([]byte, error) {
	if !gjson.ValidBytes(raw) {
		return nil, &errspkg.MalformedInputError{Reason: "input is not a parseable tree"}
	}

	var buf bytes.Buffer
	buf.Grow(len(raw))
	if err := writeCanonical(&buf, gjson.ParseBytes(raw), "$"); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, node gjson.Result, path string) error {
	switch {
	case node.IsObject():
		return writeCanonicalObject(buf, node, path)
	case node.IsArray():
		return writeCanonicalArray(buf, node, path)
	}

	switch node.Type {
	case gjson.String:
		quoted, err := sonic.Marshal(node.String())
		if err != nil {
			return &errspkg.MalformedInputError{Reason: fmt.Sprintf("%s: %v", path, err)}
		}
		buf.Write(quoted)
	case gjson.Number:
		buf.WriteString(node.Raw)
	case gjson.True:
		buf.WriteString("true")
	case gjson.False:
		buf.WriteString("false")
	default:
		buf.WriteString("null")
	}
	return nil
}

func writeCanonicalObject(buf *bytes.Buffer, node gjson.Result, path string) error {
	type member struct {
		key string
		val gjson.Result
	}

	var members []member
	seen := make(map[string]bool)
	var dupErr error

	node.ForEach(func(key, value gjson.Result) bool {
		k := key.String()
		if seen[k] {
			dupErr = &errspkg.EnvelopeStructureError{Field: path + "." + k, Reason: "duplicated member"}
			return false
		}
		seen[k] = true
		members = append(members, member{key: k, val: value})
		return true
	})
	if dupErr != nil {
		return dupErr
	}

	sort.Slice(members, func(i, j int) bool { return members[i].key < members[j].key })

	buf.WriteByte('{')
	for i, m := range members {
		if i > 0 {
			buf.WriteByte(',')
		}
		quoted, err := sonic.Marshal(m.key)
		if err != nil {
			return &errspkg.MalformedInputError{Reason: fmt.Sprintf("%s: %v", path, err)}
		}
		buf.Write(quoted)
		buf.WriteByte(':')
		if err := writeCanonical(buf, m.val, path+"."+m.key); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func writeCanonicalArray(buf *bytes.Buffer, node gjson.Result, path string) error {
	var innerErr error
	idx := 0

	buf.WriteByte('[')
	node.ForEach(func(_, value gjson.Result) bool {
		if idx > 0 {
			buf.WriteByte(',')
		}
		if err := writeCanonical(buf, value, fmt.Sprintf("%s[%d]", path, idx)); err != nil {
			innerErr = err
			return false
		}
		idx++
		return true
	})
	if innerErr != nil {
		return innerErr
	}
	buf.WriteByte(']')
	return nil
}

// RepairAndCanonicalize is the air-lock entry point: bytes from any source go
// through both passes before a single trust decision is made on the content.
func RepairAndCanonicalize(raw []byte) ([]byte, error) {
	repaired, err := Repair(raw)
	if err != nil {
		return nil, err
	}
	return Canonicalize(repaired)
}
