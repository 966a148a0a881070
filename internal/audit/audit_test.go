package audit

import (
	"context"
	"testing"
	"time"

	"github.com/bytedance/sonic"

	"github.com/drblury/envflow/internal/bus"
	"github.com/drblury/envflow/internal/runtime/config"
)

func newTestStream(t *testing.T) *Stream {
	t.Helper()
	cfg := config.Default()
	cfg.AuditDBFile = "file:" + t.Name() + "?mode=memory&cache=shared"
	stream, err := NewStream(cfg, nil)
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	t.Cleanup(func() { stream.Close() })
	return stream
}

func entry(id, thread, kind string, hop int) bus.AuditEntry {
	return bus.AuditEntry{
		ID:        id,
		At:        time.Now().UTC(),
		ThreadID:  thread,
		From:      "alice",
		Kind:      kind,
		Hop:       hop,
		Canonical: []byte(`{"meta":{"from":"alice"},"` + kind + `":{}}`),
	}
}

func TestRecordAndQueryThread(t *testing.T) {
	stream := newTestStream(t)
	ctx := context.Background()

	for i, e := range []bus.AuditEntry{
		entry("01A", "T-1", "ask", 0),
		entry("01B", "T-1", "work", 1),
		entry("01C", "T-2", "ask", 0),
	} {
		if err := stream.Record(ctx, e); err != nil {
			t.Fatalf("Record(%d): %v", i, err)
		}
	}

	entries, err := stream.Thread(ctx, "T-1")
	if err != nil {
		t.Fatalf("Thread: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries for T-1, want 2", len(entries))
	}
	if entries[0].Kind != "ask" || entries[1].Kind != "work" {
		t.Errorf("thread order = [%s %s], want [ask work]", entries[0].Kind, entries[1].Kind)
	}
	if entries[1].Hop != 1 {
		t.Errorf("hop = %d, want 1", entries[1].Hop)
	}
}

func TestRecordRejectsDuplicateID(t *testing.T) {
	stream := newTestStream(t)
	ctx := context.Background()

	if err := stream.Record(ctx, entry("01A", "T-1", "ask", 0)); err != nil {
		t.Fatalf("first Record: %v", err)
	}
	if err := stream.Record(ctx, entry("01A", "T-1", "ask", 0)); err == nil {
		t.Fatal("duplicate entry id accepted")
	}
}

func TestRecent(t *testing.T) {
	stream := newTestStream(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		e := entry(string(rune('A'+i)), "T-1", "ask", 0)
		e.At = base.Add(time.Duration(i) * time.Second)
		if err := stream.Record(ctx, e); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	entries, err := stream.Recent(ctx, 3)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	if entries[0].ID != "E" {
		t.Errorf("newest id = %q, want E", entries[0].ID)
	}
}

func TestLiveSubscription(t *testing.T) {
	stream := newTestStream(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	messages, err := stream.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	want := entry("01A", "T-1", "ask", 0)
	if err := stream.Record(ctx, want); err != nil {
		t.Fatalf("Record: %v", err)
	}

	select {
	case msg := <-messages:
		msg.Ack()
		if msg.UUID != want.ID {
			t.Errorf("message uuid = %q, want %q", msg.UUID, want.ID)
		}
		if msg.Metadata.Get("thread_id") != "T-1" {
			t.Errorf("thread metadata = %q, want T-1", msg.Metadata.Get("thread_id"))
		}
		var got bus.AuditEntry
		if err := sonic.Unmarshal(msg.Payload, &got); err != nil {
			t.Fatalf("decoding live entry: %v", err)
		}
		if got.Kind != "ask" {
			t.Errorf("live entry kind = %q, want ask", got.Kind)
		}
	case <-ctx.Done():
		t.Fatal("no live audit message received")
	}
}
