// Package snapshot persists merged document state. The registry and the
// autosave pipeline only see the Store interface; the SQL and object backends
// are interchangeable.
package snapshot

import (
	"context"
	"errors"
	"time"
)

// ErrAbsent reports that no snapshot exists for the given document or
// reference.
var ErrAbsent = errors.New("snapshot absent")

// Record is one persisted document snapshot. Seq is the document's version
// marker at the time the state was captured.
type Record struct {
	DocumentID string
	Reference  string
	Seq        uint64
	State      []byte
	SavedAt    time.Time
}

// Store persists document snapshots keyed by document id, with a secondary
// lookup by reference. Save overwrites; replaying a write with a seq older
// than the stored one must leave the stored record untouched.
type Store interface {
	Save(ctx context.Context, rec Record) error
	Load(ctx context.Context, documentID string) (Record, error)
	LoadByReference(ctx context.Context, reference string) (Record, error)
	Ping(ctx context.Context) error
}
