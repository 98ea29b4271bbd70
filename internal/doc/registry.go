// Package doc keeps open documents resident in memory, resolves external
// references to document ids, serializes merge application per document, and
// emits a change event for every merge that advanced a document.
package doc

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"tandem/syncd/internal/merge"
	"tandem/syncd/internal/snapshot"
	"tandem/syncd/internal/util"
)

// ErrUnknownDocument reports an id that no resident document carries.
var ErrUnknownDocument = errors.New("unknown document")

// ErrNotAttached reports a connection operating on a document it never
// attached to.
var ErrNotAttached = errors.New("connection not attached")

// ChangeEvent describes one merge that advanced a document. State is the full
// serialized snapshot captured under the document lock at merge time.
type ChangeEvent struct {
	DocumentID string
	Reference  string
	Seq        uint64
	State      []byte
	At         time.Time
}

// Applied is the outcome of one remote change. Changed is false when the
// payload was valid but carried nothing new.
type Applied struct {
	Seq     uint64
	Changed bool
}

// Conn is one attached sync connection. Kick nudges the connection that the
// document advanced and frames may be pending; it must never block.
type Conn interface {
	Kick()
}

type handle struct {
	id  string
	ref string

	// mu serializes every merge and state read on this document.
	mu         sync.Mutex
	doc        *merge.Doc
	seq        uint64
	dirty      bool
	lastChange time.Time
	peers      map[Conn]*merge.Peer
}

// Registry owns every resident document. There is exactly one handle per
// document id and one id per reference for the life of the process.
type Registry struct {
	store snapshot.Store

	resolving singleflight.Group

	mu      sync.Mutex
	handles map[string]*handle
	byRef   map[string]string

	events chan ChangeEvent
}

const eventBuffer = 256

func NewRegistry(store snapshot.Store) *Registry {
	return &Registry{
		store:   store,
		handles: make(map[string]*handle),
		byRef:   make(map[string]string),
		events:  make(chan ChangeEvent, eventBuffer),
	}
}

// Resolve maps a reference to a resident document id, restoring the last
// snapshot from storage or creating an empty document on first sight.
// Concurrent first resolutions of the same reference collapse into one
// load-or-create.
func (r *Registry) Resolve(ctx context.Context, ref string) (string, error) {
	r.mu.Lock()
	if id, ok := r.byRef[ref]; ok {
		r.mu.Unlock()
		return id, nil
	}
	r.mu.Unlock()

	v, err, _ := r.resolving.Do(ref, func() (interface{}, error) {
		return r.open(ctx, ref)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (r *Registry) open(ctx context.Context, ref string) (string, error) {
	// A previous flight may have finished between the caller's check and
	// ours.
	r.mu.Lock()
	if id, ok := r.byRef[ref]; ok {
		r.mu.Unlock()
		return id, nil
	}
	r.mu.Unlock()

	rec, err := r.store.LoadByReference(ctx, ref)
	switch {
	case err == nil:
		d, err := merge.Load(rec.State, util.NewActorID())
		if err != nil {
			return "", fmt.Errorf("restore %s: %w", rec.DocumentID, err)
		}
		h := &handle{id: rec.DocumentID, ref: ref, doc: d, seq: rec.Seq, peers: make(map[Conn]*merge.Peer)}
		r.install(h)
		log.Printf("doc: restored %s for reference %q at seq %d", h.id, ref, h.seq)
		return h.id, nil
	case errors.Is(err, snapshot.ErrAbsent):
		d, err := merge.New(util.NewActorID())
		if err != nil {
			return "", fmt.Errorf("create document: %w", err)
		}
		h := &handle{id: util.NewID("d"), ref: ref, doc: d, peers: make(map[Conn]*merge.Peer)}
		r.install(h)
		log.Printf("doc: created %s for reference %q", h.id, ref)
		return h.id, nil
	default:
		return "", fmt.Errorf("resolve %q: %w", ref, err)
	}
}

func (r *Registry) install(h *handle) {
	r.mu.Lock()
	r.handles[h.id] = h
	r.byRef[h.ref] = h.id
	r.mu.Unlock()
}

// LookupReference is the read-only resolve used by the control surface. It
// consults resident documents first, then storage, and never creates.
func (r *Registry) LookupReference(ctx context.Context, ref string) (string, error) {
	r.mu.Lock()
	if id, ok := r.byRef[ref]; ok {
		r.mu.Unlock()
		return id, nil
	}
	r.mu.Unlock()

	rec, err := r.store.LoadByReference(ctx, ref)
	if errors.Is(err, snapshot.ErrAbsent) {
		return "", fmt.Errorf("%w: reference %q", ErrUnknownDocument, ref)
	}
	if err != nil {
		return "", fmt.Errorf("lookup %q: %w", ref, err)
	}
	return rec.DocumentID, nil
}

func (r *Registry) lookup(id string) (*handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDocument, id)
	}
	return h, nil
}

// Attach registers a connection on a resident document and starts its sync
// bookkeeping.
func (r *Registry) Attach(id string, c Conn) error {
	h, err := r.lookup(id)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.peers[c] = h.doc.NewPeer()
	h.mu.Unlock()
	return nil
}

// Detach drops a connection. The document stays resident even with no
// attachments left.
func (r *Registry) Detach(id string, c Conn) {
	h, err := r.lookup(id)
	if err != nil {
		return
	}
	h.mu.Lock()
	delete(h.peers, c)
	h.mu.Unlock()
}

// ApplyRemoteChange merges one payload from the origin connection into the
// document. On a merge that advanced the document it bumps the version
// marker, emits a change event, and kicks every other attached connection.
// A rejected payload leaves the document untouched.
func (r *Registry) ApplyRemoteChange(ctx context.Context, id string, origin Conn, payload []byte) (Applied, error) {
	h, err := r.lookup(id)
	if err != nil {
		return Applied{}, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	peer, ok := h.peers[origin]
	if !ok {
		return Applied{}, ErrNotAttached
	}

	before := h.doc.Version()
	if err := peer.Receive(payload); err != nil {
		return Applied{Seq: h.seq}, err
	}
	changed := h.doc.Version() != before
	if changed {
		h.seq++
		h.dirty = true
		h.lastChange = time.Now()
		// Emitting under the lock keeps events in merge order per
		// document. The autosave pipeline must drain Events for the
		// life of the process.
		r.events <- ChangeEvent{
			DocumentID: h.id,
			Reference:  h.ref,
			Seq:        h.seq,
			State:      h.doc.Save(),
			At:         h.lastChange,
		}
		for c := range h.peers {
			if c != origin {
				c.Kick()
			}
		}
	}
	return Applied{Seq: h.seq, Changed: changed}, nil
}

// PendingFrames drains the sync frames owed to a connection. Frames are
// generated under the document lock, so one document's frames always appear
// in merge order.
func (r *Registry) PendingFrames(id string, c Conn) ([][]byte, error) {
	h, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	peer, ok := h.peers[c]
	if !ok {
		return nil, ErrNotAttached
	}
	return peer.Pending(), nil
}

// CurrentState returns the serialized snapshot and version marker.
func (r *Registry) CurrentState(id string) ([]byte, uint64, error) {
	h, err := r.lookup(id)
	if err != nil {
		return nil, 0, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.doc.Save(), h.seq, nil
}

// ForceEvent re-emits the document's current state as a change event without
// advancing the version marker. The persistence trigger for callers outside
// the merge path.
func (r *Registry) ForceEvent(id string) (uint64, error) {
	h, err := r.lookup(id)
	if err != nil {
		return 0, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	r.events <- ChangeEvent{
		DocumentID: h.id,
		Reference:  h.ref,
		Seq:        h.seq,
		State:      h.doc.Save(),
		At:         time.Now(),
	}
	return h.seq, nil
}

// Events is the change feed. At-least-once per merge, ordered per document.
func (r *Registry) Events() <-chan ChangeEvent {
	return r.events
}

// MarkClean records that seq was persisted. The dirty flag survives when a
// newer merge landed in the meantime.
func (r *Registry) MarkClean(id string, seq uint64) {
	h, err := r.lookup(id)
	if err != nil {
		return
	}
	h.mu.Lock()
	if h.seq == seq {
		h.dirty = false
	}
	h.mu.Unlock()
}

// Stats describes residency for the status surface.
type Stats struct {
	Resident int
	Dirty    []string
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	handles := make([]*handle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	st := Stats{Resident: len(handles)}
	for _, h := range handles {
		h.mu.Lock()
		if h.dirty {
			st.Dirty = append(st.Dirty, h.id)
		}
		h.mu.Unlock()
	}
	sort.Strings(st.Dirty)
	return st
}
