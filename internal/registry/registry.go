// Package registry tracks which sessions are attached to which documents
// and fans broadcast frames out to their connections.
package registry

import (
	"log/slog"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/inkroom/collab/internal/obs"
)

// Sink is the outbound side of a session's connection. Send must not block;
// slow consumers are the transport's problem, not the registry's.
type Sink interface {
	Send(frame []byte)
}

// Registry maps documents to their member sessions and sessions to their
// connection sinks. All methods are safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	members map[string]mapset.Set[string] // docID -> sessionIDs
	sinks   map[string]Sink               // sessionID -> connection
	log     *slog.Logger
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		members: make(map[string]mapset.Set[string]),
		sinks:   make(map[string]Sink),
		log:     obs.Pkg("registry"),
	}
}

// Register associates a session with its connection sink. Must be called
// before Join so broadcasts can reach the session.
func (r *Registry) Register(sessionID string, sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[sessionID] = sink
}

// Deregister removes a session's sink. Call after the session has left all
// documents.
func (r *Registry) Deregister(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sinks, sessionID)
}

// Join adds a session to a document's membership set and returns the new
// member count.
func (r *Registry) Join(docID, sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.members[docID]
	if !ok {
		set = mapset.NewSet[string]()
		r.members[docID] = set
	}
	set.Add(sessionID)
	return set.Cardinality()
}

// Leave removes a session from a document's membership set. It returns the
// remaining member count and whether the session was actually a member.
func (r *Registry) Leave(docID, sessionID string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.members[docID]
	if !ok || !set.Contains(sessionID) {
		return r.countLocked(docID), false
	}
	set.Remove(sessionID)
	count := set.Cardinality()
	if count == 0 {
		delete(r.members, docID)
	}
	return count, true
}

// MembersOf returns the session ids attached to a document.
func (r *Registry) MembersOf(docID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.members[docID]
	if !ok {
		return nil
	}
	return set.ToSlice()
}

// Count returns the number of sessions attached to a document.
func (r *Registry) Count(docID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.countLocked(docID)
}

func (r *Registry) countLocked(docID string) int {
	set, ok := r.members[docID]
	if !ok {
		return 0
	}
	return set.Cardinality()
}

// Broadcast sends a frame to every session on a document except the
// originator. Pass an empty excludeSessionID to reach everyone.
func (r *Registry) Broadcast(docID, excludeSessionID string, frame []byte) {
	r.mu.RLock()
	set, ok := r.members[docID]
	if !ok {
		r.mu.RUnlock()
		return
	}
	sinks := make([]Sink, 0, set.Cardinality())
	for _, sessionID := range set.ToSlice() {
		if sessionID == excludeSessionID {
			continue
		}
		sink, ok := r.sinks[sessionID]
		if !ok {
			r.log.Warn("member session has no sink", "doc_id", docID, "session_id", sessionID)
			continue
		}
		sinks = append(sinks, sink)
	}
	r.mu.RUnlock()

	for _, sink := range sinks {
		sink.Send(frame)
	}
}

// SendTo delivers a frame to a single session. Returns false when the
// session has no registered sink.
func (r *Registry) SendTo(sessionID string, frame []byte) bool {
	r.mu.RLock()
	sink, ok := r.sinks[sessionID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	sink.Send(frame)
	return true
}
