// Package autosave turns the registry's change feed into durable writes. One
// writer per document at a time: events landing during a write coalesce into
// at most one follow-up, so a burst of merges costs two writes, not one each.
package autosave

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"tandem/syncd/internal/doc"
	"tandem/syncd/internal/snapshot"
)

const saveTimeout = 10 * time.Second

// Marker receives persistence acknowledgements.
type Marker interface {
	MarkClean(documentID string, seq uint64)
}

type Pipeline struct {
	store    snapshot.Store
	marker   Marker
	attempts int
	backoff  time.Duration

	// afterSave runs in the writer goroutine once a snapshot landed.
	// Failures inside the hook are its own business.
	afterSave func(doc.ChangeEvent)

	mu        sync.Mutex
	inflight  map[string]bool
	follow    map[string]doc.ChangeEvent
	lastSaved map[string]uint64
	degraded  map[string]string

	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func New(store snapshot.Store, marker Marker, attempts int, backoff time.Duration) *Pipeline {
	if attempts < 1 {
		attempts = 1
	}
	return &Pipeline{
		store:     store,
		marker:    marker,
		attempts:  attempts,
		backoff:   backoff,
		inflight:  make(map[string]bool),
		follow:    make(map[string]doc.ChangeEvent),
		lastSaved: make(map[string]uint64),
		degraded:  make(map[string]string),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// AfterSave installs a hook called after each successful write. Set before
// Run.
func (p *Pipeline) AfterSave(fn func(doc.ChangeEvent)) {
	p.afterSave = fn
}

// Run consumes the change feed until Drain. Call once.
func (p *Pipeline) Run(events <-chan doc.ChangeEvent) {
	go func() {
		defer close(p.done)
		for {
			select {
			case ev := <-events:
				p.dispatch(ev)
			case <-p.stop:
				// Flush whatever was produced before the stop.
				for {
					select {
					case ev := <-events:
						p.dispatch(ev)
					default:
						return
					}
				}
			}
		}
	}()
}

func (p *Pipeline) dispatch(ev doc.ChangeEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if last, ok := p.lastSaved[ev.DocumentID]; ok && ev.Seq <= last {
		return
	}
	if p.inflight[ev.DocumentID] {
		p.follow[ev.DocumentID] = ev
		return
	}
	p.inflight[ev.DocumentID] = true
	p.wg.Add(1)
	go p.write(ev)
}

// write persists one event, then at most the latest event that coalesced
// while it was busy, until the document went quiet.
func (p *Pipeline) write(ev doc.ChangeEvent) {
	defer p.wg.Done()
	for {
		p.save(ev)
		p.mu.Lock()
		next, ok := p.follow[ev.DocumentID]
		if !ok {
			delete(p.inflight, ev.DocumentID)
			p.mu.Unlock()
			return
		}
		delete(p.follow, ev.DocumentID)
		p.mu.Unlock()
		ev = next
	}
}

func (p *Pipeline) save(ev doc.ChangeEvent) {
	var err error
	for attempt := 1; attempt <= p.attempts; attempt++ {
		if attempt > 1 {
			time.Sleep(p.backoff << (attempt - 2))
		}
		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		err = p.store.Save(ctx, snapshot.Record{
			DocumentID: ev.DocumentID,
			Reference:  ev.Reference,
			Seq:        ev.Seq,
			State:      ev.State,
			SavedAt:    ev.At,
		})
		cancel()
		if err == nil {
			p.mu.Lock()
			if ev.Seq >= p.lastSaved[ev.DocumentID] {
				p.lastSaved[ev.DocumentID] = ev.Seq
			}
			delete(p.degraded, ev.DocumentID)
			p.mu.Unlock()
			p.marker.MarkClean(ev.DocumentID, ev.Seq)
			if p.afterSave != nil {
				p.afterSave(ev)
			}
			return
		}
		log.Printf("autosave: save %s seq %d attempt %d/%d: %v", ev.DocumentID, ev.Seq, attempt, p.attempts, err)
	}
	p.mu.Lock()
	p.degraded[ev.DocumentID] = err.Error()
	p.mu.Unlock()
	log.Printf("autosave: document %s degraded after %d attempts: %v", ev.DocumentID, p.attempts, err)
}

// Degraded lists documents whose last save burned every attempt, with the
// final error. A later successful save clears the entry.
func (p *Pipeline) Degraded() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]string, len(p.degraded))
	for id, msg := range p.degraded {
		out[id] = msg
	}
	return out
}

// Drain stops consuming, flushes events already produced, and waits for every
// writer, bounded by ctx. Every pre-drain event gets at least one save
// attempt; whatever ctx cuts off is logged as abandoned.
func (p *Pipeline) Drain(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.stop) })

	select {
	case <-p.done:
	case <-ctx.Done():
		return p.abandon(ctx.Err())
	}

	writers := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(writers)
	}()
	select {
	case <-writers:
		log.Printf("autosave: drained")
		return nil
	case <-ctx.Done():
		return p.abandon(ctx.Err())
	}
}

func (p *Pipeline) abandon(cause error) error {
	p.mu.Lock()
	left := make([]string, 0, len(p.inflight))
	for id := range p.inflight {
		left = append(left, id)
	}
	p.mu.Unlock()
	sort.Strings(left)
	log.Printf("autosave: drain abandoned writes for %v: %v", left, cause)
	return fmt.Errorf("drain: %w", cause)
}
