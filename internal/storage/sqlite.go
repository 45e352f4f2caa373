// Package storage implements the persistence collaborators on SQLite: the
// document repository the lifecycle manager flushes to, and the role store
// the access gateway consults.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/inkroom/collab/internal/crdt"
	"github.com/inkroom/collab/internal/errs"
	"github.com/inkroom/collab/internal/obs"
)

const schema = `
CREATE TABLE IF NOT EXISTS notes (
	id         TEXT PRIMARY KEY,
	owner_id   TEXT NOT NULL DEFAULT '',
	title      TEXT NOT NULL DEFAULT '',
	body       TEXT NOT NULL DEFAULT '',
	version    INTEGER NOT NULL DEFAULT 0,
	crdt_state BLOB,
	updated_at INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS note_collaborators (
	note_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	role    TEXT NOT NULL,
	PRIMARY KEY (note_id, user_id)
);
`

// Roles stored in note_collaborators. Owners are tracked on the note row.
const (
	RoleAdmin  = "admin"
	RoleEditor = "editor"
	RoleViewer = "viewer"
)

// DB wraps the SQLite handle and implements crdt.Repository and
// access.Resolver.
type DB struct {
	db  *sql.DB
	log *slog.Logger
}

// Open opens (creating if needed) the database at path and ensures the
// schema exists. WAL keeps readers unblocked during the periodic flush.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &DB{db: db, log: obs.Pkg("storage")}, nil
}

// Close releases the database handle.
func (d *DB) Close() error {
	return d.db.Close()
}

// LoadDocumentState returns a note's persisted collaboration state. State is
// nil when the note has only ever been edited through the CRUD surface.
func (d *DB) LoadDocumentState(ctx context.Context, docID string) (crdt.StoredDocument, error) {
	var stored crdt.StoredDocument
	var state []byte
	err := d.db.QueryRowContext(ctx,
		`SELECT title, body, version, crdt_state FROM notes WHERE id = ?`, docID,
	).Scan(&stored.Title, &stored.Body, &stored.Version, &state)
	if errors.Is(err, sql.ErrNoRows) {
		return crdt.StoredDocument{}, errs.New(errs.NotFound, "note not found: "+docID)
	}
	if err != nil {
		return crdt.StoredDocument{}, fmt.Errorf("load note %s: %w", docID, err)
	}
	stored.State = state
	return stored, nil
}

// SaveDocumentState persists the flattened content plus the replicated
// state, bumping the note's version. Unknown notes are created so documents
// born in the collaboration engine survive eviction.
func (d *DB) SaveDocumentState(ctx context.Context, docID, title, body string, state []byte) (int64, error) {
	var version int64
	err := d.db.QueryRowContext(ctx, `
		INSERT INTO notes (id, title, body, version, crdt_state, updated_at)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			body = excluded.body,
			version = notes.version + 1,
			crdt_state = excluded.crdt_state,
			updated_at = excluded.updated_at
		RETURNING version`,
		docID, title, body, state, time.Now().UTC().Unix(),
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("save note %s: %w", docID, err)
	}
	return version, nil
}

// CanRead reports whether the user may observe the document: the owner or
// any listed collaborator.
func (d *DB) CanRead(ctx context.Context, docID, userID string) (bool, error) {
	var n int
	err := d.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM notes
		WHERE id = ? AND owner_id = ?`, docID, userID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check owner of %s: %w", docID, err)
	}
	if n > 0 {
		return true, nil
	}
	err = d.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM note_collaborators
		WHERE note_id = ? AND user_id = ? AND role IN (?, ?, ?)`,
		docID, userID, RoleAdmin, RoleEditor, RoleViewer,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check read access to %s: %w", docID, err)
	}
	return n > 0, nil
}

// CanWrite reports whether the user may mutate the document: the owner, or
// a collaborator holding an admin or editor role.
func (d *DB) CanWrite(ctx context.Context, docID, userID string) (bool, error) {
	var n int
	err := d.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM notes
		WHERE id = ? AND owner_id = ?`, docID, userID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check owner of %s: %w", docID, err)
	}
	if n > 0 {
		return true, nil
	}
	err = d.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM note_collaborators
		WHERE note_id = ? AND user_id = ? AND role IN (?, ?)`,
		docID, userID, RoleAdmin, RoleEditor,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check write access to %s: %w", docID, err)
	}
	return n > 0, nil
}

// CreateNote inserts a note owned by ownerID. Used by provisioning tooling
// and tests; the production CRUD surface lives in the main application.
func (d *DB) CreateNote(ctx context.Context, id, ownerID, title, body string) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO notes (id, owner_id, title, body, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		id, ownerID, title, body, time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("create note %s: %w", id, err)
	}
	return nil
}

// SetCollaborator grants or updates a user's role on a note.
func (d *DB) SetCollaborator(ctx context.Context, noteID, userID, role string) error {
	switch role {
	case RoleAdmin, RoleEditor, RoleViewer:
	default:
		return errs.New(errs.InvalidArgument, "unknown role: "+role)
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO note_collaborators (note_id, user_id, role)
		VALUES (?, ?, ?)
		ON CONFLICT(note_id, user_id) DO UPDATE SET role = excluded.role`,
		noteID, userID, role)
	if err != nil {
		return fmt.Errorf("set collaborator %s on %s: %w", userID, noteID, err)
	}
	return nil
}

// RemoveCollaborator revokes a user's role on a note.
func (d *DB) RemoveCollaborator(ctx context.Context, noteID, userID string) error {
	_, err := d.db.ExecContext(ctx, `
		DELETE FROM note_collaborators WHERE note_id = ? AND user_id = ?`,
		noteID, userID)
	if err != nil {
		return fmt.Errorf("remove collaborator %s on %s: %w", userID, noteID, err)
	}
	return nil
}

// NoteVersion returns the current persisted version of a note.
func (d *DB) NoteVersion(ctx context.Context, id string) (int64, error) {
	var version int64
	err := d.db.QueryRowContext(ctx, `SELECT version FROM notes WHERE id = ?`, id).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, errs.New(errs.NotFound, "note not found: "+id)
	}
	if err != nil {
		return 0, fmt.Errorf("read version of %s: %w", id, err)
	}
	return version, nil
}
