package listeners

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/drblury/envflow/internal/bus"
	"github.com/drblury/envflow/internal/runtime/config"
)

func deliverTo(t *testing.T, reg bus.Registration, raw string) *bus.Receipt {
	t.Helper()
	b, err := bus.New(config.Default())
	if err != nil {
		t.Fatalf("bus.New: %v", err)
	}
	if err := b.Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}
	b.Seal()

	receipt, err := b.Deliver(context.Background(), []byte(raw), "")
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	return receipt
}

func singleResponse(t *testing.T, receipt *bus.Receipt) string {
	t.Helper()
	if len(receipt.Responses) != 1 {
		t.Fatalf("got %d responses, want 1: %v", len(receipt.Responses), receipt.Responses)
	}
	return string(receipt.Responses[0])
}

func TestEchoMirrorsPayload(t *testing.T) {
	receipt := deliverTo(t, Echo(),
		`{"meta":{"from":"alice","to":"echo"},"echo":{"text":"hello"}}`)
	resp := singleResponse(t, receipt)
	if !strings.Contains(resp, `"echo.reply"`) || !strings.Contains(resp, `"hello"`) {
		t.Errorf("unexpected echo response: %s", resp)
	}
}

func TestCalculateEvaluatesExpression(t *testing.T) {
	reg, err := Calculate()
	if err != nil {
		t.Fatalf("Calculate: %v", err)
	}
	receipt := deliverTo(t, reg,
		`{"meta":{"from":"alice","to":"calculate"},"calculate":{"expression":"2*(3+4)"}}`)
	resp := singleResponse(t, receipt)
	if !strings.Contains(resp, `"result":14`) {
		t.Errorf("unexpected calculate response: %s", resp)
	}
}

func TestCalculateRejectsBadExpression(t *testing.T) {
	reg, err := Calculate()
	if err != nil {
		t.Fatalf("Calculate: %v", err)
	}
	receipt := deliverTo(t, reg,
		`{"meta":{"from":"alice","to":"calculate"},"calculate":{"expression":"2 +* 3"}}`)
	resp := singleResponse(t, receipt)
	if !strings.Contains(resp, `"huh"`) {
		t.Errorf("invalid expression did not produce a diagnostic: %s", resp)
	}
}

func TestCalculateSchemaRejectsMissingExpression(t *testing.T) {
	reg, err := Calculate()
	if err != nil {
		t.Fatalf("Calculate: %v", err)
	}
	receipt := deliverTo(t, reg,
		`{"meta":{"from":"alice","to":"calculate"},"calculate":{"nope":1}}`)
	resp := singleResponse(t, receipt)
	if !strings.Contains(resp, `"huh"`) {
		t.Errorf("schema violation did not produce a diagnostic: %s", resp)
	}
}

func TestFetchRetrievesURL(t *testing.T) {
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("remote content"))
	}))
	defer remote.Close()

	reg, err := Fetch(config.Default())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	receipt := deliverTo(t, reg,
		`{"meta":{"from":"alice","to":"fetch"},"fetch":{"url":"`+remote.URL+`"}}`)
	resp := singleResponse(t, receipt)
	if !strings.Contains(resp, `"status":200`) || !strings.Contains(resp, "remote content") {
		t.Errorf("unexpected fetch response: %s", resp)
	}
}

func TestFetchSchemaRejectsNonHTTP(t *testing.T) {
	reg, err := Fetch(config.Default())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	receipt := deliverTo(t, reg,
		`{"meta":{"from":"alice","to":"fetch"},"fetch":{"url":"file:///etc/passwd"}}`)
	resp := singleResponse(t, receipt)
	if !strings.Contains(resp, `"huh"`) {
		t.Errorf("non-http url did not produce a diagnostic: %s", resp)
	}
}

func TestFilesListAndRead(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("alpha"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}

	reg, err := Files(root)
	if err != nil {
		t.Fatalf("Files: %v", err)
	}

	receipt := deliverTo(t, reg,
		`{"meta":{"from":"alice","to":"files"},"files":{"op":"list"}}`)
	resp := singleResponse(t, receipt)
	if !strings.Contains(resp, `"a.txt"`) || !strings.Contains(resp, `"sub"`) {
		t.Errorf("unexpected listing: %s", resp)
	}

	receipt = deliverTo(t, reg,
		`{"meta":{"from":"alice","to":"files"},"files":{"op":"read","path":"a.txt"}}`)
	resp = singleResponse(t, receipt)
	if !strings.Contains(resp, `"alpha"`) {
		t.Errorf("unexpected read result: %s", resp)
	}
}

func TestFilesRejectsEscapingPaths(t *testing.T) {
	root := t.TempDir()
	reg, err := Files(root)
	if err != nil {
		t.Fatalf("Files: %v", err)
	}

	for _, path := range []string{"../secret", "sub/../../secret", "/etc/passwd"} {
		receipt := deliverTo(t, reg,
			`{"meta":{"from":"alice","to":"files"},"files":{"op":"read","path":"`+path+`"}}`)
		resp := singleResponse(t, receipt)
		if !strings.Contains(resp, `"huh"`) {
			t.Errorf("path %q was not rejected: %s", path, resp)
		}
	}
}

func TestShellRunsAllowlistedCommand(t *testing.T) {
	reg, err := Shell([]string{"true", "false"})
	if err != nil {
		t.Fatalf("Shell: %v", err)
	}
	receipt := deliverTo(t, reg,
		`{"meta":{"from":"alice","to":"shell"},"shell":{"command":"false"}}`)
	resp := singleResponse(t, receipt)
	if !strings.Contains(resp, `"exit_code":1`) {
		t.Errorf("unexpected shell result: %s", resp)
	}
}

func TestShellRejectsUnlistedCommand(t *testing.T) {
	reg, err := Shell([]string{"true"})
	if err != nil {
		t.Fatalf("Shell: %v", err)
	}
	receipt := deliverTo(t, reg,
		`{"meta":{"from":"alice","to":"shell"},"shell":{"command":"rm","args":["-rf","/"]}}`)
	resp := singleResponse(t, receipt)
	if !strings.Contains(resp, `"huh"`) || !strings.Contains(resp, "allowlisted") {
		t.Errorf("unlisted command was not rejected: %s", resp)
	}
}

func TestShellRequiresAllowlist(t *testing.T) {
	if _, err := Shell(nil); err == nil {
		t.Fatal("empty allowlist accepted")
	}
}

func TestLibrarianSaveAndSearch(t *testing.T) {
	lib, err := NewLibrarian("file:" + t.Name() + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("NewLibrarian: %v", err)
	}
	defer lib.Close()

	reg, err := lib.Registration()
	if err != nil {
		t.Fatalf("Registration: %v", err)
	}

	b, err := bus.New(config.Default())
	if err != nil {
		t.Fatalf("bus.New: %v", err)
	}
	if err := b.Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}
	b.Seal()

	ctx := context.Background()
	receipt, err := b.Deliver(ctx,
		[]byte(`{"meta":{"from":"alice","to":"librarian"},"note.save":{"title":"groceries","body":"milk and eggs"}}`), "")
	if err != nil {
		t.Fatalf("Deliver save: %v", err)
	}
	if resp := singleResponse(t, receipt); !strings.Contains(resp, `"note.saved"`) {
		t.Fatalf("unexpected save response: %s", resp)
	}

	receipt, err = b.Deliver(ctx,
		[]byte(`{"meta":{"from":"alice","to":"librarian"},"note.search":{"query":"milk"}}`), "")
	if err != nil {
		t.Fatalf("Deliver search: %v", err)
	}
	resp := singleResponse(t, receipt)
	if !strings.Contains(resp, `"groceries"`) || !strings.Contains(resp, `"author":"alice"`) {
		t.Errorf("unexpected search response: %s", resp)
	}

	receipt, err = b.Deliver(ctx,
		[]byte(`{"meta":{"from":"alice","to":"librarian"},"note.search":{"query":"nothing-matches"}}`), "")
	if err != nil {
		t.Fatalf("Deliver empty search: %v", err)
	}
	if resp := singleResponse(t, receipt); !strings.Contains(resp, `"matches":[]`) {
		t.Errorf("empty search response: %s", resp)
	}
}
