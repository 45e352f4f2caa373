// Package presence tracks ephemeral per-session awareness state: who is
// connected to a document and where their cursor is. Nothing here is
// persisted; entries live exactly as long as their owning session.
package presence

import (
	"encoding/json"
	"sync"

	"github.com/inkroom/collab/internal/errs"
	"github.com/inkroom/collab/internal/wire"
)

// Cursor mirrors the client's caret and optional selection.
type Cursor struct {
	Position  int             `json:"position"`
	Selection *wire.Selection `json:"selection,omitempty"`
}

// State is one session's presence record. Each session is the sole writer
// of its own entry, so no merge conflicts are possible.
type State struct {
	UserID      string  `json:"userId"`
	DisplayName string  `json:"displayName,omitempty"`
	Color       string  `json:"color,omitempty"`
	Cursor      *Cursor `json:"cursor,omitempty"`
}

type entry struct {
	state State
	clock uint64
}

// Tracker holds the presence entries for one document.
type Tracker struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{entries: make(map[string]*entry)}
}

// SetIdentity initializes a session's entry at join time. Identity fields
// are set once; cursor updates come in separately.
func (t *Tracker) SetIdentity(sessionID, userID, displayName, color string) wire.AwarenessEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.getOrCreate(sessionID)
	e.state.UserID = userID
	if displayName != "" {
		e.state.DisplayName = displayName
	}
	if color != "" {
		e.state.Color = color
	}
	e.clock++
	return t.wireEntry(sessionID, e)
}

// Merge applies a state update from the owning session, replacing only the
// top-level fields present in the update. The user identity is pinned at
// join and cannot be overwritten from the wire.
func (t *Tracker) Merge(sessionID string, update State) wire.AwarenessEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.getOrCreate(sessionID)
	if update.DisplayName != "" {
		e.state.DisplayName = update.DisplayName
	}
	if update.Color != "" {
		e.state.Color = update.Color
	}
	if update.Cursor != nil {
		e.state.Cursor = update.Cursor
	}
	e.clock++
	return t.wireEntry(sessionID, e)
}

// SetCursor replaces the session's cursor, leaving identity fields alone.
func (t *Tracker) SetCursor(sessionID string, cursor Cursor) wire.AwarenessEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.getOrCreate(sessionID)
	e.state.Cursor = &cursor
	e.clock++
	return t.wireEntry(sessionID, e)
}

// Remove deletes a session's entry and returns the removal record peers
// need to drop the stale cursor. ok is false if the session was unknown.
func (t *Tracker) Remove(sessionID string) (wire.AwarenessEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[sessionID]
	if !ok {
		return wire.AwarenessEntry{}, false
	}
	delete(t.entries, sessionID)
	return wire.AwarenessEntry{SessionID: sessionID, Clock: e.clock + 1, State: nil}, true
}

// Get returns a session's current state.
func (t *Tracker) Get(sessionID string) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[sessionID]
	if !ok {
		return State{}, false
	}
	return e.state, true
}

// Len returns the number of tracked sessions.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Snapshot returns every live entry, for the initial sync to a new joiner.
func (t *Tracker) Snapshot() []wire.AwarenessEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]wire.AwarenessEntry, 0, len(t.entries))
	for sessionID, e := range t.entries {
		out = append(out, t.wireEntry(sessionID, e))
	}
	return out
}

func (t *Tracker) getOrCreate(sessionID string) *entry {
	e, ok := t.entries[sessionID]
	if !ok {
		e = &entry{}
		t.entries[sessionID] = e
	}
	return e
}

// wireEntry marshals an entry for broadcast. Caller holds t.mu.
func (t *Tracker) wireEntry(sessionID string, e *entry) wire.AwarenessEntry {
	raw, err := json.Marshal(e.state)
	if err != nil {
		// State contains only plain fields; marshal cannot fail in practice.
		raw = nil
	}
	return wire.AwarenessEntry{SessionID: sessionID, Clock: e.clock, State: raw}
}

// DecodeState parses a presence state payload from the wire.
func DecodeState(raw []byte) (State, error) {
	var s State
	if err := json.Unmarshal(raw, &s); err != nil {
		return State{}, errs.Wrap(errs.Protocol, "malformed presence state", err)
	}
	return s, nil
}
