// Package syncserver is the public websocket endpoint. Each connection serves
// one client on one document: a JSON hello frame, then binary sync-protocol
// frames both ways until the client leaves, misbehaves, or goes quiet.
package syncserver

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"tandem/syncd/internal/doc"
	"tandem/syncd/internal/httpx"
	"tandem/syncd/internal/merge"
	"tandem/syncd/internal/util"
)

const writeTimeout = 10 * time.Second

// registry is the document surface the endpoint needs.
type registry interface {
	Resolve(ctx context.Context, ref string) (string, error)
	Attach(id string, c doc.Conn) error
	Detach(id string, c doc.Conn)
	ApplyRemoteChange(ctx context.Context, id string, origin doc.Conn, payload []byte) (doc.Applied, error)
	PendingFrames(id string, c doc.Conn) ([][]byte, error)
	CurrentState(id string) ([]byte, uint64, error)
}

// Presence records which clients sit on which documents. Calls are
// best-effort: a failing tracker never takes a connection down.
type Presence interface {
	Join(ctx context.Context, documentID, clientID string) error
	Leave(ctx context.Context, documentID, clientID string) error
}

type Server struct {
	reg         registry
	presence    Presence
	idleTimeout time.Duration
	upgrader    websocket.Upgrader
	draining    atomic.Bool

	mu    sync.Mutex
	conns map[*conn]struct{}
}

// New creates the sync endpoint. presence may be nil when no tracker is
// configured.
func New(reg registry, idleTimeout time.Duration, presence Presence) *Server {
	return &Server{
		reg:         reg,
		presence:    presence,
		idleTimeout: idleTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[*conn]struct{}),
	}
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(httpx.AccessLog)
	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(s.handleHealth)
	// References are opaque and may contain slashes, so the patterns span
	// segments.
	r.Methods(http.MethodGet).Path("/documents/{ref:.+}/state").HandlerFunc(s.handleState)
	r.Methods(http.MethodGet).Path("/sync/{ref:.+}").HandlerFunc(s.handleSync)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleState serves the full snapshot over plain HTTP so a client can
// bootstrap without replaying the sync protocol from zero.
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	ref := mux.Vars(r)["ref"]
	id, err := s.reg.Resolve(r.Context(), ref)
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "RESOLVE_FAILED", "Could not resolve reference", nil)
		return
	}
	state, seq, err := s.reg.CurrentState(id)
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Syncd-Document", id)
	w.Header().Set("X-Syncd-Seq", strconv.FormatUint(seq, 10))
	_, _ = w.Write(state)
}

// hello is the single text frame sent right after the upgrade.
type hello struct {
	DocumentID string `json:"documentId"`
	ClientID   string `json:"clientId"`
	Seq        uint64 `json:"seq"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	ref := mux.Vars(r)["ref"]
	if s.draining.Load() {
		httpx.WriteError(w, http.StatusServiceUnavailable, "DRAINING", "Shutting down", nil)
		return
	}
	// Resolve before the upgrade so failures still get an HTTP status.
	id, err := s.reg.Resolve(r.Context(), ref)
	if err != nil {
		log.Printf("sync: resolve %q: %v", ref, err)
		httpx.WriteError(w, http.StatusInternalServerError, "RESOLVE_FAILED", "Could not resolve reference", nil)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := newConn(ws, id, ref)
	s.track(c)
	defer s.untrack(c)
	defer c.close()

	if err := s.reg.Attach(id, c); err != nil {
		log.Printf("sync: attach %s: %v", id, err)
		return
	}
	defer s.reg.Detach(id, c)

	if s.presence != nil {
		if err := s.presence.Join(r.Context(), id, c.id); err != nil {
			log.Printf("sync: presence join doc=%s: %v", id, err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.presence.Leave(ctx, id, c.id); err != nil {
				log.Printf("sync: presence leave doc=%s: %v", id, err)
			}
		}()
	}

	_, seq, err := s.reg.CurrentState(id)
	if err != nil {
		return
	}
	frame, err := json.Marshal(hello{DocumentID: id, ClientID: c.id, Seq: seq})
	if err != nil {
		return
	}
	_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		return
	}
	log.Printf("sync: attached doc=%s ref=%q conn=%s remote=%s", id, ref, c.id, r.RemoteAddr)

	go s.writePump(c)
	s.readPump(r.Context(), c)
	close(c.done)
	log.Printf("sync: detached doc=%s ref=%q conn=%s remote=%s", id, ref, c.id, r.RemoteAddr)
}

// readPump applies inbound frames until the connection dies or breaks
// protocol. Only binary frames are legal after the hello.
func (s *Server) readPump(ctx context.Context, c *conn) {
	for {
		_ = c.ws.SetReadDeadline(time.Now().Add(s.idleTimeout))
		mt, payload, err := c.ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if !errors.As(err, &ce) {
				log.Printf("sync: read doc=%s: %v", c.docID, err)
			}
			return
		}
		if mt != websocket.BinaryMessage {
			s.violation(c, "non-binary frame after hello")
			return
		}
		if _, err := s.reg.ApplyRemoteChange(ctx, c.docID, c, payload); err != nil {
			if errors.Is(err, merge.ErrRejected) {
				s.violation(c, "rejected change payload")
				return
			}
			log.Printf("sync: apply doc=%s: %v", c.docID, err)
			return
		}
		// Our own peer may owe a reply for what it just received.
		c.Kick()
	}
}

// violation closes one connection with a policy-violation frame. Other
// connections and the document itself are untouched.
func (s *Server) violation(c *conn, reason string) {
	log.Printf("sync: protocol violation doc=%s: %s", c.docID, reason)
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
}

// writePump owns all data writes after the hello. It drains pending frames on
// every kick; generation happens inside the registry under the document lock,
// so kicks only ever find frames in merge order.
func (s *Server) writePump(c *conn) {
	if !s.flush(c) {
		c.close()
		return
	}
	for {
		select {
		case <-c.kicks:
			if !s.flush(c) {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (s *Server) flush(c *conn) bool {
	frames, err := s.reg.PendingFrames(c.docID, c)
	if err != nil {
		return false
	}
	for _, frame := range frames {
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			return false
		}
	}
	return true
}

func (s *Server) track(c *conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// ConnCount reports the number of live sync connections.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// BeginDrain makes new sync upgrades refuse. Existing connections keep
// running until CloseAll.
func (s *Server) BeginDrain() {
	s.draining.Store(true)
}

// CloseAll force-closes every tracked connection. The drain endgame;
// handshakes in flight unwind through their read loops.
func (s *Server) CloseAll() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
	if len(conns) > 0 {
		log.Printf("sync: force-closed %d connections", len(conns))
	}
}

type conn struct {
	ws    *websocket.Conn
	id    string
	docID string
	ref   string

	kicks     chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, docID, ref string) *conn {
	return &conn{
		ws:    ws,
		id:    util.NewID("c"),
		docID: docID,
		ref:   ref,
		kicks: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Kick nudges the write pump. Never blocks; a pending kick already covers the
// new frames.
func (c *conn) Kick() {
	select {
	case c.kicks <- struct{}{}:
	default:
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() { _ = c.ws.Close() })
}

