package listeners

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/drblury/envflow/internal/bus"
	"github.com/drblury/envflow/internal/runtime/ids"
	"github.com/drblury/envflow/internal/schema"
)

var noteSaveSchema = []byte(`{
	"type": "object",
	"properties": {
		"title": {"type": "string", "minLength": 1},
		"body": {"type": "string"}
	},
	"required": ["title", "body"],
	"additionalProperties": false
}`)

var noteSearchSchema = []byte(`{
	"type": "object",
	"properties": {
		"query": {"type": "string", "minLength": 1},
		"limit": {"type": "integer", "minimum": 1, "maximum": 100}
	},
	"required": ["query"],
	"additionalProperties": false
}`)

type noteSaveRequest struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type noteSearchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

type note struct {
	ID      string    `json:"id"`
	Title   string    `json:"title"`
	Body    string    `json:"body"`
	Author  string    `json:"author"`
	SavedAt time.Time `json:"saved_at"`
}

// Librarian is a persistent note store exposed as a listener. Notes are
// attributed to the sender identity of the message that saved them.
type Librarian struct {
	db *sql.DB
}

// NewLibrarian opens (or creates) the note database. An empty dbFile keeps
// the store in memory.
func NewLibrarian(dbFile string) (*Librarian, error) {
	dsn := dbFile
	if dsn == "" {
		dsn = "file:envflow-librarian?mode=memory&cache=shared"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening note store: %w", err)
	}
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS notes (
			id       TEXT PRIMARY KEY,
			title    TEXT NOT NULL,
			body     TEXT NOT NULL,
			author   TEXT NOT NULL,
			saved_at TIMESTAMP NOT NULL
		)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing note store: %w", err)
	}
	return &Librarian{db: db}, nil
}

// Close releases the underlying database.
func (l *Librarian) Close() error { return l.db.Close() }

// Registration builds the listener declaration for the note store.
func (l *Librarian) Registration() (bus.Registration, error) {
	decodeSave, err := schema.PrototypeDecoder[*noteSaveRequest]()
	if err != nil {
		return bus.Registration{}, err
	}
	decodeSearch, err := schema.PrototypeDecoder[*noteSearchRequest]()
	if err != nil {
		return bus.Registration{}, err
	}

	return bus.Registration{
		Identity:    "librarian",
		Description: "saves and searches notes",
		Broadcast:   true,
		Kinds: []bus.KindBinding{
			{Kind: "note.save", Schema: noteSaveSchema, Decode: decodeSave},
			{Kind: "note.search", Schema: noteSearchSchema, Decode: decodeSearch},
		},
		Handler: l.handle,
	}, nil
}

func (l *Librarian) handle(ctx context.Context, payload any, meta bus.Metadata) ([]bus.Response, error) {
	switch req := payload.(type) {
	case *noteSaveRequest:
		return l.save(ctx, req, meta)
	case *noteSearchRequest:
		return l.search(ctx, req, meta)
	}
	return nil, fmt.Errorf("unexpected payload type %T", payload)
}

func (l *Librarian) save(ctx context.Context, req *noteSaveRequest, meta bus.Metadata) ([]bus.Response, error) {
	author := meta.FromID
	if author == "" {
		author = "anonymous"
	}
	saved := note{
		ID:      ids.NewMessageID(),
		Title:   req.Title,
		Body:    req.Body,
		Author:  author,
		SavedAt: time.Now().UTC(),
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO notes (id, title, body, author, saved_at) VALUES (?, ?, ?, ?, ?)`,
		saved.ID, saved.Title, saved.Body, saved.Author, saved.SavedAt)
	if err != nil {
		return nil, fmt.Errorf("saving note: %w", err)
	}

	return []bus.Response{{
		Kind:  "note.saved",
		Value: saved,
		To:    meta.FromID,
	}}, nil
}

func (l *Librarian) search(ctx context.Context, req *noteSearchRequest, meta bus.Metadata) ([]bus.Response, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT id, title, body, author, saved_at FROM notes
		WHERE title LIKE '%' || ? || '%' OR body LIKE '%' || ? || '%'
		ORDER BY saved_at DESC LIMIT ?`,
		req.Query, req.Query, limit)
	if err != nil {
		return nil, fmt.Errorf("searching notes: %w", err)
	}
	defer rows.Close()

	matches := []note{}
	for rows.Next() {
		var n note
		if err := rows.Scan(&n.ID, &n.Title, &n.Body, &n.Author, &n.SavedAt); err != nil {
			return nil, fmt.Errorf("scanning note: %w", err)
		}
		matches = append(matches, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return []bus.Response{{
		Kind: "note.results",
		Value: map[string]any{
			"query":   req.Query,
			"matches": matches,
		},
		To: meta.FromID,
	}}, nil
}
