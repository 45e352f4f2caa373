// Package transport exposes the collaboration engine over websocket. One
// connection carries one authenticated user and any number of document
// sessions; frames are the binary format from the wire package.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/inkroom/collab/internal/auth"
	"github.com/inkroom/collab/internal/collab"
	"github.com/inkroom/collab/internal/errs"
	"github.com/inkroom/collab/internal/logutil"
	"github.com/inkroom/collab/internal/obs"
	"github.com/inkroom/collab/internal/ratelimit"
	"github.com/inkroom/collab/internal/registry"
	"github.com/inkroom/collab/internal/wire"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 17 << 20 // a full-snapshot sync frame plus framing overhead
	sendBufferSize = 256
)

// Handler upgrades websocket connections and bridges them to the engine.
type Handler struct {
	verifier auth.Verifier
	coord    *collab.Coordinator
	registry *registry.Registry
	limiter  *ratelimit.SessionLimiter
	upgrader websocket.Upgrader
	log      *slog.Logger
}

// NewHandler creates the websocket endpoint handler.
func NewHandler(verifier auth.Verifier, coord *collab.Coordinator, reg *registry.Registry, limiter *ratelimit.SessionLimiter) *Handler {
	return &Handler{
		verifier: verifier,
		coord:    coord,
		registry: reg,
		limiter:  limiter,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		log: obs.Pkg("transport"),
	}
}

// conn is one live websocket connection. Outbound frames go through a
// buffered channel so broadcasts never block on a slow socket; a consumer
// that falls more than a full buffer behind starts losing frames and must
// resync by rejoining.
type conn struct {
	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	sessionID string
	userID    string
	closeOnce sync.Once
	log       *slog.Logger
}

// Send queues a frame for delivery. Never blocks: frames for a closed or
// saturated connection are dropped.
func (c *conn) Send(frame []byte) {
	select {
	case <-c.done:
	case c.send <- frame:
	default:
		c.log.Warn("send buffer full, dropping frame",
			"session_id", c.sessionID, "user_id", c.userID)
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// ServeHTTP authenticates the request, upgrades it, and runs the connection
// until the peer goes away. Authentication failures are refused before the
// upgrade so clients get a plain HTTP status.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := h.verifier.Verify(r.Context(), bearerToken(r))
	if err != nil {
		h.log.Warn("connection refused",
			"remote", r.RemoteAddr,
			"url", logutil.RedactURLForLog(r.URL),
			"error", err)
		http.Error(w, errs.MessageOf(err), errs.HTTPStatus(errs.CodeOf(err)))
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.log.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	sessionID := uuid.NewString()
	c := &conn{
		ws:        ws,
		send:      make(chan []byte, sendBufferSize),
		done:      make(chan struct{}),
		sessionID: sessionID,
		userID:    userID,
		log:       h.log,
	}
	ctx := obs.WithCorrelation(r.Context(), obs.Correlation{
		SessionID: sessionID,
		UserID:    userID,
	})
	log := obs.From(ctx)

	h.registry.Register(sessionID, c)
	log.Info("connection established", "remote", r.RemoteAddr)

	go c.writePump()
	h.readLoop(ctx, c)

	h.coord.LeaveAll(sessionID)
	h.registry.Deregister(sessionID)
	h.limiter.Forget(sessionID)
	c.close()
	log.Info("connection closed")
}

func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return token
		}
		return ""
	}
	// Browser websocket clients cannot set headers; accept ?token= too.
	return r.URL.Query().Get("token")
}

func (h *Handler) readLoop(ctx context.Context, c *conn) {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	log := obs.From(ctx)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("read failed", "error", err)
			}
			return
		}
		// One websocket message may carry several concatenated frames.
		for len(data) > 0 {
			frame, rest, err := wire.DecodeNext(data)
			if err != nil {
				// Malformed input costs the message, not the connection.
				log.Warn("malformed frame dropped", "error", err)
				break
			}
			data = rest
			h.dispatch(ctx, c, frame)
		}
	}
}

func (h *Handler) dispatch(ctx context.Context, c *conn, f wire.Frame) {
	log := obs.From(ctx)
	switch f.Type {
	case wire.MessageJoin:
		initial, err := h.coord.Join(ctx, collab.JoinRequest{
			SessionID: c.sessionID,
			UserID:    c.userID,
			DocID:     f.DocID,
		})
		if err != nil {
			log.Warn("join refused", "doc_id", f.DocID, "error", err)
			c.Send(wire.EncodeJoinAck(f.DocID, wire.JoinAck{Error: errs.MessageOf(err)}))
			return
		}
		// The ack precedes the opening exchange frames it authorizes.
		c.Send(wire.EncodeJoinAck(f.DocID, wire.JoinAck{Success: true}))
		for _, frame := range initial {
			c.Send(frame)
		}

	case wire.MessageLeave:
		h.coord.Leave(c.sessionID, f.DocID)

	case wire.MessageSync:
		st, payload, err := wire.DecodeSync(f.Body)
		if err != nil {
			log.Warn("malformed sync frame dropped", "doc_id", f.DocID, "error", err)
			return
		}
		h.report(ctx, c, f.DocID, h.coord.HandleSync(ctx, c.sessionID, f.DocID, st, payload))

	case wire.MessageAwareness:
		entries, err := wire.DecodeAwarenessBody(f.Body)
		if err != nil {
			log.Warn("malformed awareness frame dropped", "doc_id", f.DocID, "error", err)
			return
		}
		h.report(ctx, c, f.DocID, h.coord.HandleAwareness(c.sessionID, f.DocID, entries))

	case wire.MessageCursor:
		cur, err := wire.DecodeCursorBody(f.Body)
		if err != nil {
			log.Warn("malformed cursor frame dropped", "doc_id", f.DocID, "error", err)
			return
		}
		h.report(ctx, c, f.DocID, h.coord.HandleCursor(c.sessionID, f.DocID, cur))

	default:
		log.Warn("unexpected frame type dropped", "type", f.Type.String())
	}
}

// report tells the client about a rejected operation. Protocol violations
// are dropped silently from the client's point of view; everything else
// comes back as an error frame on the document.
func (h *Handler) report(ctx context.Context, c *conn, docID string, err error) {
	if err == nil {
		return
	}
	log := obs.From(ctx)
	var protoErr *wire.ProtocolError
	if errs.Is(err, errs.Protocol) || errors.As(err, &protoErr) {
		log.Warn("protocol violation dropped", "doc_id", docID, "error", err)
		return
	}
	log.Warn("operation rejected", "doc_id", docID, "error", err)
	c.Send(wire.EncodeError(docID, errs.MessageOf(err)))
}

// writePump owns all writes to the socket: queued frames plus keepalive
// pings. It exits when the send channel closes.
func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
