// Package audit implements the mandatory message audit: every envelope the
// bus accepts is archived to a sqlite table and published on an in-process
// stream that live consumers (the websocket feed, tests) can subscribe to.
package audit

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/bytedance/sonic"
	_ "github.com/mattn/go-sqlite3"

	"github.com/drblury/envflow/internal/bus"
	"github.com/drblury/envflow/internal/runtime/config"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS audit_log (
	id        TEXT PRIMARY KEY,
	at        TIMESTAMP NOT NULL,
	thread_id TEXT NOT NULL,
	from_id   TEXT NOT NULL,
	to_id     TEXT,
	kind      TEXT NOT NULL,
	caller_id TEXT,
	hop       INTEGER NOT NULL,
	canonical BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_thread ON audit_log (thread_id, at);
`

// Stream is the audit pipeline: a synchronous sqlite archive plus a
// best-effort live publish for subscribers. Archiving failures abort the
// delivery; publish failures only lose the live copy.
type Stream struct {
	topic  string
	pubsub *gochannel.GoChannel
	db     *sql.DB
	log    watermill.LoggerAdapter
}

// NewStream opens the archive database and the in-process pub/sub channel.
// An empty AuditDBFile keeps the archive in memory.
func NewStream(cfg *config.Config, logger watermill.LoggerAdapter) (*Stream, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	dsn := cfg.AuditDBFile
	if dsn == "" {
		dsn = "file:envflow-audit?mode=memory&cache=shared"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening audit archive: %w", err)
	}
	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing audit archive: %w", err)
	}

	pubsub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 64,
	}, logger)

	return &Stream{
		topic:  cfg.AuditTopic,
		pubsub: pubsub,
		db:     db,
		log:    logger,
	}, nil
}

// Record archives one entry and publishes it to live subscribers. Implements
// the bus audit sink.
func (s *Stream) Record(ctx context.Context, entry bus.AuditEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, at, thread_id, from_id, to_id, kind, caller_id, hop, canonical)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.At, entry.ThreadID, entry.From, entry.To,
		entry.Kind, entry.CallerID, entry.Hop, entry.Canonical,
	)
	if err != nil {
		return fmt.Errorf("archiving audit entry %s: %w", entry.ID, err)
	}

	payload, err := sonic.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding audit entry %s: %w", entry.ID, err)
	}
	msg := message.NewMessage(entry.ID, payload)
	msg.Metadata.Set("thread_id", entry.ThreadID)
	msg.Metadata.Set("kind", entry.Kind)

	if err := s.pubsub.Publish(s.topic, msg); err != nil {
		// The archive row is already durable; losing the live copy is not
		// fatal to the delivery.
		s.log.Error("Audit live publish failed", err, watermill.LogFields{
			"id":    entry.ID,
			"topic": s.topic,
		})
	}
	return nil
}

// Subscribe returns a channel of live audit entries as watermill messages.
// The subscription ends when ctx is cancelled.
func (s *Stream) Subscribe(ctx context.Context) (<-chan *message.Message, error) {
	return s.pubsub.Subscribe(ctx, s.topic)
}

// Thread returns the archived entries of one conversation in delivery order.
func (s *Stream) Thread(ctx context.Context, threadID string) ([]bus.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, at, thread_id, from_id, to_id, kind, caller_id, hop, canonical
		FROM audit_log WHERE thread_id = ? ORDER BY at, id`, threadID)
	if err != nil {
		return nil, fmt.Errorf("querying thread %s: %w", threadID, err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Recent returns the newest archived entries, newest first.
func (s *Stream) Recent(ctx context.Context, limit int) ([]bus.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, at, thread_id, from_id, to_id, kind, caller_id, hop, canonical
		FROM audit_log ORDER BY at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying recent entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]bus.AuditEntry, error) {
	var entries []bus.AuditEntry
	for rows.Next() {
		var e bus.AuditEntry
		if err := rows.Scan(&e.ID, &e.At, &e.ThreadID, &e.From, &e.To,
			&e.Kind, &e.CallerID, &e.Hop, &e.Canonical); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close shuts down the live stream and the archive.
func (s *Stream) Close() error {
	if err := s.pubsub.Close(); err != nil {
		s.log.Error("Closing audit stream", err, nil)
	}
	return s.db.Close()
}
