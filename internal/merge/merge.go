// Package merge wraps the CRDT library behind a small seam so the rest of the
// service treats document state and sync traffic as opaque bytes. Callers own
// all locking; nothing in this package is safe for concurrent use on the same
// document.
package merge

import (
	"errors"
	"fmt"
	"strings"

	"github.com/automerge/automerge-go"
)

// ErrRejected reports an incoming payload that could not be decoded or applied.
// The document is left exactly as it was.
var ErrRejected = errors.New("change rejected")

// Doc is a conflict-free replicated document resident in memory.
type Doc struct {
	inner *automerge.Doc
}

// New returns an empty document with the given actor id. An empty actor keeps
// the library default.
func New(actor string) (*Doc, error) {
	d := automerge.New()
	if actor != "" {
		if err := d.SetActorID(actor); err != nil {
			return nil, fmt.Errorf("set actor id: %w", err)
		}
	}
	return &Doc{inner: d}, nil
}

// Load restores a document from a serialized snapshot.
func Load(raw []byte, actor string) (*Doc, error) {
	d, err := automerge.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	if actor != "" {
		if err := d.SetActorID(actor); err != nil {
			return nil, fmt.Errorf("set actor id: %w", err)
		}
	}
	return &Doc{inner: d}, nil
}

// Save returns the full serialized snapshot of the document.
func (d *Doc) Save() []byte {
	return d.inner.Save()
}

// Version is a fingerprint of the document heads. Two calls return the same
// string iff no change landed in between.
func (d *Doc) Version() string {
	heads := d.inner.Heads()
	parts := make([]string, len(heads))
	for i, h := range heads {
		parts[i] = h.String()
	}
	return strings.Join(parts, "+")
}

// ActorID returns the document's actor id in hex.
func (d *Doc) ActorID() string {
	return d.inner.ActorID()
}

// SetRoot sets a key on the root map. Used by tests and local tooling; remote
// edits arrive through Peer.Receive.
func (d *Doc) SetRoot(key string, value interface{}) error {
	if err := d.inner.Path(key).Set(value); err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}

// Dump renders the root map for logs.
func (d *Doc) Dump() string {
	return d.inner.RootMap().GoString()
}

// Peer tracks what one remote connection has seen of a document.
type Peer struct {
	state *automerge.SyncState
}

// NewPeer starts sync bookkeeping for a fresh connection.
func (d *Doc) NewPeer() *Peer {
	return &Peer{state: automerge.NewSyncState(d.inner)}
}

// Receive merges one sync-protocol payload from the remote side into the
// document. Returns ErrRejected on garbage; the document is untouched then.
func (p *Peer) Receive(payload []byte) error {
	if _, err := p.state.ReceiveMessage(payload); err != nil {
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}
	return nil
}

// Pending drains the sync-protocol payloads owed to the remote side. Empty
// when the peer is up to date.
func (p *Peer) Pending() [][]byte {
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
