package ledger

import (
	"context"
	"fmt"
	"sync"
)

// Sequencer serializes ledger writes per signing identity. At most one
// allocation is outstanding per identity at a time: Acquire blocks until the
// previous allocation is released or reset. Every allocation re-reads the
// node's pending-inclusive counter and returns max(observed, lastIssued+1),
// so interleaved callers can never collide.
type Sequencer struct {
	node Node

	mu      sync.Mutex
	entries map[string]*sequencerEntry
}

type sequencerEntry struct {
	slot       chan struct{} // capacity 1; holding the token = outstanding allocation
	mu         sync.Mutex    // guards lastIssued/issued
	lastIssued uint64
	issued     bool
}

// NewSequencer creates a Sequencer backed by the given node.
func NewSequencer(node Node) *Sequencer {
	return &Sequencer{
		node:    node,
		entries: make(map[string]*sequencerEntry),
	}
}

func (s *Sequencer) entry(identity string) *sequencerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[identity]
	if !ok {
		e = &sequencerEntry{slot: make(chan struct{}, 1)}
		s.entries[identity] = e
	}
	return e
}

// Acquire blocks until the identity's slot is free, then derives and returns
// the next sequence number. The caller must follow up with Release on a
// successful submission or Reset on any failure.
func (s *Sequencer) Acquire(ctx context.Context, identity string) (uint64, error) {
	e := s.entry(identity)

	select {
	case e.slot <- struct{}{}:
	case <-ctx.Done():
		return 0, fmt.Errorf("acquire sequence for %s: %w", identity, ctx.Err())
	}

	observed, err := s.node.PendingSequence(ctx, identity)
	if err != nil {
		<-e.slot
		return 0, fmt.Errorf("read pending sequence for %s: %w", identity, err)
	}

	e.mu.Lock()
	next := observed
	if e.issued && e.lastIssued+1 > next {
		next = e.lastIssued + 1
	}
	e.lastIssued = next
	e.issued = true
	e.mu.Unlock()

	return next, nil
}

// Release frees the identity's slot after a successful submission, keeping
// the cached counter so the next Acquire continues the sequence.
func (s *Sequencer) Release(identity string) {
	e := s.entry(identity)
	select {
	case <-e.slot:
	default:
	}
}

// Reset clears the cached counter and frees the slot. It must be called
// after any submission failure: the next Acquire re-derives from the node
// instead of reusing a possibly stale value, which would otherwise cascade
// into repeated rejections.
func (s *Sequencer) Reset(identity string) {
	e := s.entry(identity)
	e.mu.Lock()
	e.lastIssued = 0
	e.issued = false
	e.mu.Unlock()
	select {
	case <-e.slot:
	default:
	}
}
