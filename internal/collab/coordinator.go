// Package collab wires the collaboration engine together: it hosts resident
// documents, attaches sessions to them, runs the two-phase sync exchange,
// fans out updates and presence, and evicts idle documents after persisting
// them.
package collab

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/inkroom/collab/internal/access"
	"github.com/inkroom/collab/internal/crdt"
	"github.com/inkroom/collab/internal/errs"
	"github.com/inkroom/collab/internal/metrics"
	"github.com/inkroom/collab/internal/obs"
	"github.com/inkroom/collab/internal/presence"
	"github.com/inkroom/collab/internal/ratelimit"
	"github.com/inkroom/collab/internal/registry"
	"github.com/inkroom/collab/internal/wire"
)

const persistTimeout = 10 * time.Second

// Options configures a Coordinator.
type Options struct {
	// GracePeriod is how long an empty document stays resident before it is
	// persisted and released.
	GracePeriod time.Duration
	// FlushInterval is how often dirty resident documents are written back.
	// Zero disables background flushing.
	FlushInterval time.Duration
}

// Coordinator is the collaboration engine. One instance serves all
// documents; per-document work is serialized on the document's host so
// independent documents never contend.
type Coordinator struct {
	store    *crdt.Store
	repo     crdt.Repository
	gateway  *access.Gateway
	registry *registry.Registry
	limiter  *ratelimit.SessionLimiter
	opts     Options
	log      *slog.Logger

	mu    sync.Mutex
	hosts map[string]*docHost

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// docHost owns everything about one resident document: its replica, the
// attached sessions, their presence, and the eviction timer.
type docHost struct {
	docID string

	initOnce sync.Once
	doc      *crdt.Document
	initErr  error

	mu         sync.Mutex
	sessions   map[string]*session
	presence   *presence.Tracker
	evictTimer *time.Timer
	evictGen   uint64
	evicted    bool
	done       chan struct{}
}

type session struct {
	id       string
	userID   string
	role     access.Role
	joinedAt time.Time
	// peer drives the two-phase exchange with this session. For read-only
	// sessions it operates on a private fork, so any changes smuggled into
	// the handshake never reach the shared replica.
	peer   *crdt.SyncPeer
	synced bool
}

// New creates a coordinator. Start must be called to enable background
// flushing; Stop flushes everything and halts the loops.
func New(store *crdt.Store, repo crdt.Repository, gateway *access.Gateway, reg *registry.Registry, limiter *ratelimit.SessionLimiter, opts Options) *Coordinator {
	return &Coordinator{
		store:    store,
		repo:     repo,
		gateway:  gateway,
		registry: reg,
		limiter:  limiter,
		opts:     opts,
		log:      obs.Pkg("collab"),
		hosts:    make(map[string]*docHost),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the periodic write-back loop.
func (c *Coordinator) Start() {
	if c.opts.FlushInterval <= 0 {
		return
	}
	c.wg.Add(1)
	go c.flushLoop()
}

// Stop halts background flushing and writes back every dirty document.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	c.flushDirty()
}

// JoinRequest describes a session asking to attach to a document.
type JoinRequest struct {
	SessionID   string
	UserID      string
	DisplayName string
	Color       string
	DocID       string
}

// Join attaches a session to a document. The caller must have registered
// the session's sink with the registry first. On success it returns the
// frames that open the session's exchange (the first sync messages and the
// current presence snapshot); the transport delivers them after the join
// acknowledgement. Everyone else learns about the new member immediately.
func (c *Coordinator) Join(ctx context.Context, req JoinRequest) ([][]byte, error) {
	role, err := c.gateway.AuthorizeJoin(ctx, req.DocID, req.UserID)
	if err != nil {
		return nil, err
	}
	if role == access.RoleDenied {
		return nil, errs.New(errs.PermissionDenied, "not authorized to open this document")
	}

	h, err := c.hostFor(ctx, req.DocID)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	if _, dup := h.sessions[req.SessionID]; dup {
		h.mu.Unlock()
		return nil, errs.New(errs.InvalidArgument, "session already joined this document")
	}
	// Register for broadcasts before forking so a read-only fork can only be
	// behind by updates the session will also receive, never ahead of them.
	count := c.registry.Join(req.DocID, req.SessionID)

	syncDoc := h.doc
	if !role.CanWrite() {
		syncDoc, err = h.doc.Fork()
		if err != nil {
			c.registry.Leave(req.DocID, req.SessionID)
			h.mu.Unlock()
			return nil, fmt.Errorf("fork for read-only session: %w", err)
		}
	}
	sess := &session{
		id:       req.SessionID,
		userID:   req.UserID,
		role:     role,
		joinedAt: time.Now(),
		peer:     syncDoc.NewSyncPeer(),
	}
	h.sessions[req.SessionID] = sess
	identity := h.presence.SetIdentity(req.SessionID, req.UserID, req.DisplayName, req.Color)
	others := h.presence.Snapshot()
	opening := sess.peer.Generate()
	h.mu.Unlock()

	metrics.AttachedSessions.Inc()

	c.registry.Broadcast(req.DocID, req.SessionID,
		wire.EncodeUserJoined(req.DocID, wire.Membership{UserID: req.UserID, MemberCount: count}))
	c.registry.Broadcast(req.DocID, req.SessionID,
		wire.EncodeAwareness(req.DocID, []wire.AwarenessEntry{identity}))

	initial := make([][]byte, 0, len(opening)+1)
	for _, msg := range opening {
		initial = append(initial, wire.EncodeSync(req.DocID, wire.SyncStep1, msg))
	}
	if len(others) > 0 {
		initial = append(initial, wire.EncodeAwareness(req.DocID, others))
	}

	c.log.Info("session joined",
		"doc_id", req.DocID, "session_id", req.SessionID,
		"user_id", req.UserID, "role", role.String(), "members", count)
	return initial, nil
}

// hostFor returns the live host for a document, loading the replica on first
// use. A join that races a finishing eviction waits for the eviction to
// complete and then loads fresh.
func (c *Coordinator) hostFor(ctx context.Context, docID string) (*docHost, error) {
	for {
		c.mu.Lock()
		h, ok := c.hosts[docID]
		if !ok {
			h = &docHost{
				docID:    docID,
				sessions: make(map[string]*session),
				presence: presence.NewTracker(),
				done:     make(chan struct{}),
			}
			c.hosts[docID] = h
		}
		c.mu.Unlock()

		h.initOnce.Do(func() {
			doc, err := c.store.GetOrCreate(ctx, docID)
			// Published under the host lock so goroutines that never went
			// through this Once (the flush loop, eviction) read it safely.
			h.mu.Lock()
			h.doc, h.initErr = doc, err
			h.mu.Unlock()
			if err == nil {
				metrics.ResidentDocuments.Inc()
			}
		})

		h.mu.Lock()
		if err := h.initErr; err != nil {
			h.mu.Unlock()
			c.mu.Lock()
			if c.hosts[docID] == h {
				delete(c.hosts, docID)
			}
			c.mu.Unlock()
			return nil, err
		}
		if h.evicted {
			h.mu.Unlock()
			select {
			case <-h.done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			continue
		}
		if h.evictTimer != nil {
			h.evictTimer.Stop()
			h.evictTimer = nil
		}
		h.evictGen++
		h.mu.Unlock()
		return h, nil
	}
}

// Leave detaches a session from a document. Remaining members see the
// presence entry removed and a user-left notification; the last leave starts
// the eviction grace timer.
func (c *Coordinator) Leave(sessionID, docID string) {
	c.mu.Lock()
	h := c.hosts[docID]
	c.mu.Unlock()
	if h == nil {
		return
	}

	h.mu.Lock()
	sess, ok := h.sessions[sessionID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, sessionID)
	removal, _ := h.presence.Remove(sessionID)
	count, _ := c.registry.Leave(docID, sessionID)
	if len(h.sessions) == 0 {
		c.scheduleEvictionLocked(h)
	}
	h.mu.Unlock()

	metrics.AttachedSessions.Dec()

	c.registry.Broadcast(docID, sessionID,
		wire.EncodeAwareness(docID, []wire.AwarenessEntry{removal}))
	c.registry.Broadcast(docID, sessionID,
		wire.EncodeUserLeft(docID, wire.Membership{UserID: sess.userID, MemberCount: count}))

	c.log.Info("session left",
		"doc_id", docID, "session_id", sessionID, "user_id", sess.userID, "members", count)
}

// LeaveAll detaches a session from every document it joined. Called when a
// connection drops without clean leaves.
func (c *Coordinator) LeaveAll(sessionID string) {
	c.mu.Lock()
	var docIDs []string
	for docID, h := range c.hosts {
		h.mu.Lock()
		_, member := h.sessions[sessionID]
		h.mu.Unlock()
		if member {
			docIDs = append(docIDs, docID)
		}
	}
	c.mu.Unlock()

	for _, docID := range docIDs {
		c.Leave(sessionID, docID)
	}
}

// HandleSync processes one sync frame from a session. Handshake messages
// feed the session's reconciliation exchange; updates are merged into the
// shared replica and relayed verbatim to the other members.
func (c *Coordinator) HandleSync(ctx context.Context, sessionID, docID string, st wire.SyncType, payload []byte) error {
	h, sess, err := c.lookup(sessionID, docID)
	if err != nil {
		return err
	}

	switch st {
	case wire.SyncStep1, wire.SyncStep2:
		return c.handleHandshake(h, sess, payload)
	case wire.SyncUpdate:
		return c.handleUpdate(ctx, h, sess, payload)
	default:
		return errs.New(errs.Protocol, "unknown sync sub-type")
	}
}

func (c *Coordinator) handleHandshake(h *docHost, sess *session, payload []byte) error {
	if err := sess.peer.Receive(payload); err != nil {
		return err
	}
	replies := sess.peer.Generate()
	for _, msg := range replies {
		c.registry.SendTo(sess.id, wire.EncodeSync(h.docID, wire.SyncStep2, msg))
	}
	if len(replies) == 0 {
		h.mu.Lock()
		first := !sess.synced
		sess.synced = true
		h.mu.Unlock()
		if first {
			c.log.Debug("session synced", "doc_id", h.docID, "session_id", sess.id)
		}
	}

	// A writer's handshake can carry changes of its own. Relay them so
	// already-synced members converge; merging is idempotent, so a member
	// that also gets them through its own exchange is unaffected.
	if sess.role.CanWrite() {
		if inc := h.doc.SaveIncremental(); len(inc) > 0 {
			c.registry.Broadcast(h.docID, sess.id, wire.EncodeSync(h.docID, wire.SyncUpdate, inc))
		}
	}
	return nil
}

func (c *Coordinator) handleUpdate(ctx context.Context, h *docHost, sess *session, payload []byte) error {
	if !c.limiter.Allow(sess.id) {
		metrics.UpdatesRejected.WithLabelValues(metrics.ReasonRateLimited).Inc()
		return errs.New(errs.Unavailable, "update rate limit exceeded")
	}
	// Authorization is re-resolved per update so a mid-session revocation
	// takes effect immediately, not at the next join.
	if err := c.gateway.AuthorizeMutation(ctx, h.docID, sess.userID); err != nil {
		metrics.UpdatesRejected.WithLabelValues(metrics.ReasonReadOnly).Inc()
		return err
	}
	if err := h.doc.ApplyUpdate(payload); err != nil {
		metrics.UpdatesRejected.WithLabelValues(metrics.ReasonMalformed).Inc()
		return err
	}
	metrics.UpdatesApplied.Inc()

	// Advance the incremental cursor so handshake relays do not rebroadcast
	// this update a second time.
	_ = h.doc.SaveIncremental()

	c.registry.Broadcast(h.docID, sess.id, wire.EncodeSync(h.docID, wire.SyncUpdate, payload))
	return nil
}

// HandleAwareness merges a session's presence update and relays it. Only the
// sender's own entry is honored; entries claiming another session's id are
// dropped.
func (c *Coordinator) HandleAwareness(sessionID, docID string, entries []wire.AwarenessEntry) error {
	h, _, err := c.lookup(sessionID, docID)
	if err != nil {
		return err
	}

	var out []wire.AwarenessEntry
	for _, e := range entries {
		if e.SessionID != sessionID {
			c.log.Warn("awareness entry for foreign session dropped",
				"doc_id", docID, "session_id", sessionID, "claimed", e.SessionID)
			continue
		}
		if len(e.State) == 0 {
			continue
		}
		state, err := presence.DecodeState(e.State)
		if err != nil {
			return err
		}
		h.mu.Lock()
		merged := h.presence.Merge(sessionID, state)
		h.mu.Unlock()
		out = append(out, merged)
	}
	if len(out) > 0 {
		c.registry.Broadcast(docID, sessionID, wire.EncodeAwareness(docID, out))
	}
	return nil
}

// HandleCursor records a session's cursor move and relays it to the other
// members as a presence update carrying the sender's identity.
func (c *Coordinator) HandleCursor(sessionID, docID string, cur wire.Cursor) error {
	h, _, err := c.lookup(sessionID, docID)
	if err != nil {
		return err
	}

	h.mu.Lock()
	entry := h.presence.SetCursor(sessionID, presence.Cursor{
		Position:  cur.Position,
		Selection: cur.Selection,
	})
	h.mu.Unlock()

	c.registry.Broadcast(docID, sessionID, wire.EncodeAwareness(docID, []wire.AwarenessEntry{entry}))
	return nil
}

func (c *Coordinator) lookup(sessionID, docID string) (*docHost, *session, error) {
	c.mu.Lock()
	h := c.hosts[docID]
	c.mu.Unlock()
	if h == nil {
		return nil, nil, errs.New(errs.NotFound, "document has no live session: "+docID)
	}
	h.mu.Lock()
	sess, ok := h.sessions[sessionID]
	h.mu.Unlock()
	if !ok {
		return nil, nil, errs.New(errs.NotFound, "session is not attached to document "+docID)
	}
	return h, sess, nil
}

// scheduleEvictionLocked arms the grace timer. Caller holds h.mu.
func (c *Coordinator) scheduleEvictionLocked(h *docHost) {
	h.evictGen++
	gen := h.evictGen
	h.evictTimer = time.AfterFunc(c.opts.GracePeriod, func() {
		c.evict(h, gen)
	})
}

// evict persists and releases a document whose grace period ran out with no
// members. A join that arrived after the timer fired bumps the generation,
// which makes this a no-op.
func (c *Coordinator) evict(h *docHost, gen uint64) {
	h.mu.Lock()
	if h.evictGen != gen || len(h.sessions) > 0 || h.evicted {
		h.mu.Unlock()
		return
	}
	h.evicted = true
	doc := h.doc
	h.mu.Unlock()

	snap, err := doc.Snapshot()
	if err != nil {
		c.log.Error("snapshot before eviction failed", "doc_id", h.docID, "error", err)
	} else {
		c.persist(h.docID, snap)
	}

	c.store.Destroy(h.docID)
	c.mu.Lock()
	if c.hosts[h.docID] == h {
		delete(c.hosts, h.docID)
	}
	c.mu.Unlock()
	metrics.ResidentDocuments.Dec()
	metrics.Evictions.Inc()
	close(h.done)

	c.log.Info("document evicted", "doc_id", h.docID)
}

// persist writes a snapshot back, retrying once. The document stays resident
// regardless; a failed flush only costs durability until the next attempt.
func (c *Coordinator) persist(docID string, snap crdt.Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		version, err := c.repo.SaveDocumentState(ctx, docID, snap.Title, snap.Body, snap.State)
		if err == nil {
			c.log.Debug("document persisted", "doc_id", docID, "version", version)
			return
		}
		lastErr = err
		metrics.PersistFailures.Inc()
	}
	c.log.Error("persist failed after retry", "doc_id", docID, "error", lastErr)
}

func (c *Coordinator) flushLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.flushDirty()
		case <-c.stopCh:
			return
		}
	}
}

// flushDirty writes back every resident document that changed since its last
// flush. Snapshotting is quick and per-document; the writes happen outside
// any document lock.
func (c *Coordinator) flushDirty() {
	c.mu.Lock()
	hosts := make([]*docHost, 0, len(c.hosts))
	for _, h := range c.hosts {
		hosts = append(hosts, h)
	}
	c.mu.Unlock()

	for _, h := range hosts {
		h.mu.Lock()
		doc := h.doc
		h.mu.Unlock()
		if doc == nil {
			continue
		}
		snap, dirty, err := doc.SnapshotIfDirty()
		if err != nil {
			c.log.Error("flush snapshot failed", "doc_id", h.docID, "error", err)
			continue
		}
		if !dirty {
			continue
		}
		c.persist(h.docID, snap)
	}
}

// ResidentDocuments returns how many replicas are currently in memory.
func (c *Coordinator) ResidentDocuments() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.hosts)
}
