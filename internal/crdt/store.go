package crdt

import (
	"context"
	"fmt"
	"sync"

	"github.com/inkroom/collab/internal/errs"
)

// StoredDocument is what the storage collaborator returns for a note. State
// is nil for notes that have never been collaboratively edited; the replica
// is then seeded from the flattened title/body.
type StoredDocument struct {
	State   []byte
	Title   string
	Body    string
	Version int64
}

// Repository is the persistent storage collaborator. Implementations must
// bump the note's version on every save.
type Repository interface {
	LoadDocumentState(ctx context.Context, docID string) (StoredDocument, error)
	SaveDocumentState(ctx context.Context, docID, title, body string, state []byte) (int64, error)
}

// Store holds at most one resident Document per note id. Loading is
// deduplicated so concurrent first joins share a single repository read,
// and loads for different documents never block each other.
type Store struct {
	repo Repository

	mu   sync.Mutex
	docs map[string]*storeEntry
}

type storeEntry struct {
	once sync.Once
	doc  *Document
	err  error
}

// NewStore creates a store backed by the given repository.
func NewStore(repo Repository) *Store {
	return &Store{repo: repo, docs: make(map[string]*storeEntry)}
}

// GetOrCreate returns the resident document for docID, loading it from the
// repository on first use. A note missing from the repository gets a fresh
// empty document.
func (s *Store) GetOrCreate(ctx context.Context, docID string) (*Document, error) {
	s.mu.Lock()
	entry, ok := s.docs[docID]
	if !ok {
		entry = &storeEntry{}
		s.docs[docID] = entry
	}
	s.mu.Unlock()

	entry.once.Do(func() {
		entry.doc, entry.err = s.load(ctx, docID)
	})
	if entry.err != nil {
		// Drop the failed entry so a later join can retry the load.
		s.mu.Lock()
		if s.docs[docID] == entry {
			delete(s.docs, docID)
		}
		s.mu.Unlock()
		return nil, entry.err
	}
	return entry.doc, nil
}

func (s *Store) load(ctx context.Context, docID string) (*Document, error) {
	stored, err := s.repo.LoadDocumentState(ctx, docID)
	if err != nil {
		if errs.Is(err, errs.NotFound) {
			return New()
		}
		return nil, fmt.Errorf("load document %s: %w", docID, err)
	}
	if len(stored.State) == 0 {
		return NewSeeded(stored.Title, stored.Body)
	}
	return Load(stored.State)
}

// Has reports whether a document is currently resident.
func (s *Store) Has(docID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.docs[docID]
	return ok && entry.doc != nil
}

// Destroy drops the resident document, releasing its memory. Idempotent.
func (s *Store) Destroy(docID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, docID)
}

// Resident returns the ids of all resident documents.
func (s *Store) Resident() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.docs))
	for id, entry := range s.docs {
		if entry.doc != nil {
			ids = append(ids, id)
		}
	}
	return ids
}
