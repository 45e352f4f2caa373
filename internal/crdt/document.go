// Package crdt holds the conflict-free replicated document model. Each note
// is one automerge document with two text sequences, title and body, whose
// concurrent edits merge deterministically on every replica.
package crdt

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/automerge/automerge-go"

	"github.com/inkroom/collab/internal/errs"
)

const (
	titleKey = "title"
	bodyKey  = "body"
)

// Snapshot is a point-in-time copy of a document: the full automerge state
// plus the flattened text fields the storage layer persists alongside it.
type Snapshot struct {
	State []byte
	Title string
	Body  string
}

// Document is one resident replica. All mutation is serialized through its
// mutex; documents never share locks with each other.
type Document struct {
	mu    sync.Mutex
	doc   *automerge.Doc
	dirty bool
}

// New creates an empty document with title and body text sequences.
func New() (*Document, error) {
	return NewSeeded("", "")
}

// NewSeeded creates a document whose text sequences start with the given
// content. Used for notes that were edited through the plain CRUD surface
// and have no replicated state yet.
func NewSeeded(title, body string) (*Document, error) {
	doc := automerge.New()
	if err := doc.Path(titleKey).Set(automerge.NewText(title)); err != nil {
		return nil, fmt.Errorf("seed title: %w", err)
	}
	if err := doc.Path(bodyKey).Set(automerge.NewText(body)); err != nil {
		return nil, fmt.Errorf("seed body: %w", err)
	}
	return &Document{doc: doc}, nil
}

// Load restores a document from a previously saved automerge state.
func Load(state []byte) (*Document, error) {
	doc, err := automerge.Load(state)
	if err != nil {
		return nil, errs.Wrap(errs.Protocol, "load document state", err)
	}
	d := &Document{doc: doc}
	if err := d.ensureTexts(); err != nil {
		return nil, err
	}
	return d, nil
}

// ensureTexts repairs documents persisted before both text fields existed.
func (d *Document) ensureTexts() error {
	for _, key := range []string{titleKey, bodyKey} {
		v, err := d.doc.Path(key).Get()
		if err != nil {
			return fmt.Errorf("inspect %s: %w", key, err)
		}
		if v.Kind() == automerge.KindText {
			continue
		}
		if err := d.doc.Path(key).Set(automerge.NewText("")); err != nil {
			return fmt.Errorf("create %s: %w", key, err)
		}
	}
	return nil
}

func (d *Document) text(key string) (*automerge.Text, error) {
	v, err := d.doc.Path(key).Get()
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	if v.Kind() != automerge.KindText {
		return nil, fmt.Errorf("%s is not a text sequence", key)
	}
	return v.Text(), nil
}

// chunkMagic opens every serialized automerge chunk. LoadIncremental skips
// data it does not recognize instead of failing, so updates are validated
// structurally before the apply.
var chunkMagic = []byte{0x85, 0x6f, 0x4a, 0x83}

// ApplyUpdate merges an opaque incremental update into the document.
// Merging is commutative and idempotent, so duplicate or reordered updates
// are safe. Malformed input yields a protocol-coded error.
func (d *Document) ApplyUpdate(update []byte) error {
	if len(update) < len(chunkMagic) || !bytes.Equal(update[:len(chunkMagic)], chunkMagic) {
		return errs.New(errs.Protocol, "malformed document update")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.doc.LoadIncremental(update); err != nil {
		return errs.Wrap(errs.Protocol, "malformed document update", err)
	}
	d.dirty = true
	return nil
}

// SaveIncremental returns the changes made since the previous call (or since
// the document was saved). This is the update payload peers exchange.
func (d *Document) SaveIncremental() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.SaveIncremental()
}

// Snapshot captures the full state and the flattened title/body. It is cheap
// enough to run under the document lock; persistence happens elsewhere.
func (d *Document) Snapshot() (Snapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshotLocked()
}

func (d *Document) snapshotLocked() (Snapshot, error) {
	title, err := d.textContent(titleKey)
	if err != nil {
		return Snapshot{}, err
	}
	body, err := d.textContent(bodyKey)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{State: d.doc.Save(), Title: title, Body: body}, nil
}

// SnapshotIfDirty returns a snapshot and clears the dirty flag, or ok=false
// when nothing changed since the last snapshot.
func (d *Document) SnapshotIfDirty() (Snapshot, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.dirty {
		return Snapshot{}, false, nil
	}
	snap, err := d.snapshotLocked()
	if err != nil {
		return Snapshot{}, false, err
	}
	d.dirty = false
	return snap, true, nil
}

// Dirty reports whether the document changed since the last snapshot flush.
func (d *Document) Dirty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dirty
}

func (d *Document) textContent(key string) (string, error) {
	t, err := d.text(key)
	if err != nil {
		return "", err
	}
	s, err := t.Get()
	if err != nil {
		return "", fmt.Errorf("read %s: %w", key, err)
	}
	return s, nil
}

// Title returns the current title text.
func (d *Document) Title() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.textContent(titleKey)
}

// Body returns the current body text.
func (d *Document) Body() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.textContent(bodyKey)
}

// SpliceTitle replaces del characters at pos in the title with text.
func (d *Document) SpliceTitle(pos, del int, text string) error {
	return d.splice(titleKey, pos, del, text)
}

// SpliceBody replaces del characters at pos in the body with text.
func (d *Document) SpliceBody(pos, del int, text string) error {
	return d.splice(bodyKey, pos, del, text)
}

func (d *Document) splice(key string, pos, del int, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, err := d.text(key)
	if err != nil {
		return err
	}
	if err := t.Splice(pos, del, text); err != nil {
		return fmt.Errorf("splice %s: %w", key, err)
	}
	d.dirty = true
	return nil
}

// Fork returns an independent copy sharing this document's history. Peers
// must descend from a common root for their text objects to merge; a brand
// new document would instead race its own title/body objects against ours.
func (d *Document) Fork() (*Document, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	doc, err := d.doc.Fork()
	if err != nil {
		return nil, fmt.Errorf("fork document: %w", err)
	}
	return &Document{doc: doc}, nil
}

// SyncPeer tracks the two-phase reconciliation state between this document
// and one remote session.
type SyncPeer struct {
	d     *Document
	state *automerge.SyncState
}

// NewSyncPeer starts a reconciliation exchange for one remote session.
func (d *Document) NewSyncPeer() *SyncPeer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return &SyncPeer{d: d, state: automerge.NewSyncState(d.doc)}
}

// Receive applies one sync protocol message from the remote session. Any
// changes it carried are merged into the document.
func (p *SyncPeer) Receive(msg []byte) error {
	p.d.mu.Lock()
	defer p.d.mu.Unlock()
	if _, err := p.state.ReceiveMessage(msg); err != nil {
		return errs.Wrap(errs.Protocol, "malformed sync message", err)
	}
	p.d.dirty = true
	return nil
}

// Generate drains the messages this side owes the remote session. An empty
// result means both sides are in sync.
func (p *SyncPeer) Generate() [][]byte {
	p.d.mu.Lock()
	defer p.d.mu.Unlock()
	var out [][]byte
	for {
		msg, valid := p.state.GenerateMessage()
		if !valid {
			break
		}
		out = append(out, msg.Bytes())
	}
	return out
}
