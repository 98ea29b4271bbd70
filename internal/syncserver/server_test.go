package syncserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"tandem/syncd/internal/doc"
	"tandem/syncd/internal/merge"
	"tandem/syncd/internal/snapshot"
)

type fakeStore struct{}

func (fakeStore) Save(context.Context, snapshot.Record) error { return nil }
func (fakeStore) Load(context.Context, string) (snapshot.Record, error) {
	return snapshot.Record{}, snapshot.ErrAbsent
}
func (fakeStore) LoadByReference(context.Context, string) (snapshot.Record, error) {
	return snapshot.Record{}, snapshot.ErrAbsent
}
func (fakeStore) Ping(context.Context) error { return nil }

func newTestServer(t *testing.T) (*Server, *httptest.Server, *doc.Registry) {
	return newTestServerWithPresence(t, nil)
}

func newTestServerWithPresence(t *testing.T, p Presence) (*Server, *httptest.Server, *doc.Registry) {
	t.Helper()
	reg := doc.NewRegistry(fakeStore{})
	s := New(reg, time.Minute, p)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	go func() {
		for range reg.Events() {
		}
	}()
	return s, ts, reg
}

type wsClient struct {
	ws    *websocket.Conn
	doc   *merge.Doc
	peer  *merge.Peer
	hello hello
	in    chan []byte
}

func dialClient(t *testing.T, baseURL, ref string) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(baseURL, "http") + "/sync/" + ref
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial(%s) error = %v", url, err)
	}
	t.Cleanup(func() { ws.Close() })

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, frame, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("hello read error = %v", err)
	}
	if mt != websocket.TextMessage {
		t.Fatalf("hello frame type = %d, want text", mt)
	}
	var h hello
	if err := json.Unmarshal(frame, &h); err != nil {
		t.Fatalf("hello decode error = %v: %s", err, frame)
	}
	if h.DocumentID == "" {
		t.Fatalf("hello = %+v, want a document id", h)
	}
	_ = ws.SetReadDeadline(time.Time{})

	d, err := merge.New("")
	if err != nil {
		t.Fatalf("merge.New() error = %v", err)
	}
	c := &wsClient{ws: ws, doc: d, peer: d.NewPeer(), hello: h, in: make(chan []byte, 64)}
	go c.reader()
	return c
}

func (c *wsClient) reader() {
	for {
		mt, payload, err := c.ws.ReadMessage()
		if err != nil {
			close(c.in)
			return
		}
		if mt == websocket.BinaryMessage {
			c.in <- payload
		}
	}
}

func (c *wsClient) sendPending(t *testing.T) {
	t.Helper()
	for _, m := range c.peer.Pending() {
		if err := c.ws.WriteMessage(websocket.BinaryMessage, m); err != nil {
			t.Fatalf("WriteMessage() error = %v", err)
		}
	}
}

func (c *wsClient) absorb(t *testing.T) {
	t.Helper()
	for {
		select {
		case payload, ok := <-c.in:
			if !ok {
				t.Fatal("connection closed while syncing")
			}
			if err := c.peer.Receive(payload); err != nil {
				t.Fatalf("client Receive() error = %v", err)
			}
		default:
			return
		}
	}
}

func TestHealthz(t *testing.T) {
	_, ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /healthz status = %d, want 200", resp.StatusCode)
	}
}

func TestSlashedReferenceResolves(t *testing.T) {
	_, ts, _ := newTestServer(t)

	a := dialClient(t, ts.URL, "team/roadmap")
	b := dialClient(t, ts.URL, "team/roadmap")
	if a.hello.DocumentID != b.hello.DocumentID {
		t.Fatalf("clients resolved different documents: %q vs %q", a.hello.DocumentID, b.hello.DocumentID)
	}

	c := dialClient(t, ts.URL, "team/retro")
	if c.hello.DocumentID == a.hello.DocumentID {
		t.Fatal("distinct references resolved to the same document")
	}
}

func TestTwoClientsConverge(t *testing.T) {
	_, ts, _ := newTestServer(t)

	a := dialClient(t, ts.URL, "doc-42")
	b := dialClient(t, ts.URL, "doc-42")
	if a.hello.DocumentID != b.hello.DocumentID {
		t.Fatalf("clients resolved different documents: %q vs %q", a.hello.DocumentID, b.hello.DocumentID)
	}

	if err := a.doc.SetRoot("title", "from a"); err != nil {
		t.Fatalf("SetRoot() error = %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		a.absorb(t)
		b.absorb(t)
		a.sendPending(t)
		b.sendPending(t)
		if v := a.doc.Version(); v != "" && v == b.doc.Version() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("clients never converged: a=%q b=%q", a.doc.Version(), b.doc.Version())
}

func TestEditsFlowBothWays(t *testing.T) {
	_, ts, _ := newTestServer(t)

	a := dialClient(t, ts.URL, "doc-7")
	b := dialClient(t, ts.URL, "doc-7")

	if err := a.doc.SetRoot("a", 1); err != nil {
		t.Fatalf("SetRoot() error = %v", err)
	}
	if err := b.doc.SetRoot("b", 2); err != nil {
		t.Fatalf("SetRoot() error = %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		a.absorb(t)
		b.absorb(t)
		a.sendPending(t)
		b.sendPending(t)
		if v := a.doc.Version(); v != "" && v == b.doc.Version() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("concurrent edits never converged: a=%q b=%q", a.doc.Version(), b.doc.Version())
}

func waitClosed(t *testing.T, c *wsClient, what string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-c.in:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("%s was not closed", what)
		}
	}
}

func TestTextFrameAfterHelloClosesThatConnOnly(t *testing.T) {
	_, ts, reg := newTestServer(t)

	bad := dialClient(t, ts.URL, "doc-42")
	good := dialClient(t, ts.URL, "doc-42")

	if err := bad.ws.WriteMessage(websocket.TextMessage, []byte("chatter")); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	waitClosed(t, bad, "offending connection")

	// The well-behaved connection still syncs.
	if err := good.doc.SetRoot("x", 1); err != nil {
		t.Fatalf("SetRoot() error = %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		good.absorb(t)
		good.sendPending(t)
		if _, seq, err := reg.CurrentState(good.hello.DocumentID); err == nil && seq > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("surviving connection never got its edit merged")
}

func TestGarbagePayloadClosesOnlyThatConn(t *testing.T) {
	_, ts, _ := newTestServer(t)

	c := dialClient(t, ts.URL, "doc-42")
	if err := c.ws.WriteMessage(websocket.BinaryMessage, []byte("not a sync frame")); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	waitClosed(t, c, "offending connection")

	// The document still accepts fresh connections.
	fresh := dialClient(t, ts.URL, "doc-42")
	if fresh.hello.DocumentID != c.hello.DocumentID {
		t.Fatalf("fresh client resolved %q, want %q", fresh.hello.DocumentID, c.hello.DocumentID)
	}
}

func TestCloseCodeIsPolicyViolation(t *testing.T) {
	_, ts, _ := newTestServer(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/sync/doc-42"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer ws.Close()

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := ws.ReadMessage(); err != nil {
		t.Fatalf("hello read error = %v", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, []byte("nope")); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}

	// Skip any sync frames already in flight; the close error ends the loop.
	var readErr error
	for i := 0; i < 10 && readErr == nil; i++ {
		_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, readErr = ws.ReadMessage()
	}
	var ce *websocket.CloseError
	if !errors.As(readErr, &ce) {
		t.Fatalf("read error = %v, want a close error", readErr)
	}
	if ce.Code != websocket.ClosePolicyViolation {
		t.Fatalf("close code = %d, want %d", ce.Code, websocket.ClosePolicyViolation)
	}
}

func TestStateBootstrap(t *testing.T) {
	_, ts, _ := newTestServer(t)

	c := dialClient(t, ts.URL, "doc-42")

	resp, err := http.Get(ts.URL + "/documents/doc-42/state")
	if err != nil {
		t.Fatalf("GET state error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET state status = %d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Syncd-Document"); got != c.hello.DocumentID {
		t.Fatalf("X-Syncd-Document = %q, want %q", got, c.hello.DocumentID)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body error = %v", err)
	}
	if _, err := merge.Load(body, ""); err != nil {
		t.Fatalf("bootstrap state does not load: %v", err)
	}
}

func TestDrainRefusesNewConnections(t *testing.T) {
	s, ts, _ := newTestServer(t)
	s.BeginDrain()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/sync/doc-42"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("Dial() succeeded during drain")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("drain handshake response = %+v, want 503", resp)
	}
}

func TestCloseAllDropsConnections(t *testing.T) {
	s, ts, _ := newTestServer(t)

	c := dialClient(t, ts.URL, "doc-42")
	waitFor(t, "connection tracked", func() bool { return s.ConnCount() == 1 })

	s.CloseAll()
	waitClosed(t, c, "connection")
	waitFor(t, "connection untracked", func() bool { return s.ConnCount() == 0 })
}

func TestIdleConnectionIsClosed(t *testing.T) {
	reg := doc.NewRegistry(fakeStore{})
	s := New(reg, 150*time.Millisecond, nil)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	go func() {
		for range reg.Events() {
		}
	}()

	c := dialClient(t, ts.URL, "doc-42")

	// Initial frames may arrive first; the close must follow once the
	// client stays quiet past the threshold.
	waitClosed(t, c, "idle connection")
}

type fakePresence struct {
	mu     sync.Mutex
	joins  map[string]string // clientID -> documentID
	leaves map[string]string
}

func newFakePresence() *fakePresence {
	return &fakePresence{joins: map[string]string{}, leaves: map[string]string{}}
}

func (p *fakePresence) Join(_ context.Context, documentID, clientID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.joins[clientID] = documentID
	return nil
}

func (p *fakePresence) Leave(_ context.Context, documentID, clientID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.leaves[clientID] = documentID
	return nil
}

func (p *fakePresence) joined(clientID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	docID, ok := p.joins[clientID]
	return docID, ok
}

func (p *fakePresence) left(clientID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.leaves[clientID]
	return ok
}

func TestPresenceFollowsAttachAndDetach(t *testing.T) {
	p := newFakePresence()
	_, ts, _ := newTestServerWithPresence(t, p)

	c := dialClient(t, ts.URL, "doc-42")
	if c.hello.ClientID == "" {
		t.Fatalf("hello = %+v, want a client id", c.hello)
	}

	waitFor(t, "presence join", func() bool {
		docID, ok := p.joined(c.hello.ClientID)
		return ok && docID == c.hello.DocumentID
	})

	c.ws.Close()
	waitFor(t, "presence leave", func() bool { return p.left(c.hello.ClientID) })
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
