package lite

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"google.golang.org/grpc/status"
)

// DefaultMaxIDAttempts bounds how many IDs one allocation tries before
// giving up (or waiting, under the wait policy).
const DefaultMaxIDAttempts = 1024

// recentIDCapacity is how many released IDs are remembered to tell late
// frames for finished calls apart from frames for IDs never used.
const recentIDCapacity = 256

// stream is what the registry stores: either side's per-call state machine.
type stream interface {
	streamID() uint16
	bindID(id uint16)
	// handleFrame applies one inbound frame. It must not block.
	handleFrame(f Frame)
	// abort moves the stream to Cancelled because the connection is gone.
	abort(st *status.Status)
}

// streamRegistry maps IDs to live streams for one connection. Every
// mutation happens under mu, so allocation, peer-initiated insertion and
// completion cleanup never race on a check-then-act.
type streamRegistry struct {
	mu        sync.Mutex
	streams   map[uint16]stream
	closed    bool
	released  chan struct{} // closed and replaced on every removal
	lastFreed int32         // most recently removed ID, -1 if none

	next        atomic.Uint32
	maxAttempts int
	wait        bool
	recent      *lru.Cache[uint16, struct{}]
}

func newStreamRegistry(maxAttempts int, wait bool) *streamRegistry {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxIDAttempts
	}
	recent, _ := lru.New[uint16, struct{}](recentIDCapacity)
	r := &streamRegistry{
		streams:     make(map[uint16]stream),
		released:    make(chan struct{}),
		lastFreed:   -1,
		maxAttempts: maxAttempts,
		wait:        wait,
		recent:      recent,
	}
	// The first increment wraps to zero.
	r.next.Store(0xFFFF)
	return r
}

// allocate reserves a fresh ID for s and registers it. IDs come from a
// wrapping 16-bit counter; an ID still held by a live stream is skipped.
// After maxAttempts collisions it either fails or, under the wait policy,
// parks until some stream is released and tries again.
func (r *streamRegistry) allocate(ctx context.Context, s stream) (uint16, error) {
	for {
		for i := 0; i < r.maxAttempts; i++ {
			id := uint16(r.next.Add(1))
			if id == ControlStreamID {
				continue
			}
			r.mu.Lock()
			if r.closed {
				r.mu.Unlock()
				return 0, ErrConnectionClosed
			}
			if _, taken := r.streams[id]; !taken {
				s.bindID(id)
				r.streams[id] = s
				r.mu.Unlock()
				r.recent.Remove(id)
				return id, nil
			}
			r.mu.Unlock()
		}

		r.mu.Lock()
		inUse, released, closed := len(r.streams), r.released, r.closed
		r.mu.Unlock()
		if closed {
			return 0, ErrConnectionClosed
		}
		if !r.wait {
			return 0, fmt.Errorf("%w: not possible to reserve a new stream id; %d streams in use", ErrStreamIDExhausted, inUse)
		}
		// The counter may be nowhere near a freed ID; try the last one first.
		if id, ok := r.claimFreed(s); ok {
			return id, nil
		}
		select {
		case <-released:
		case <-ctx.Done():
			return 0, fmt.Errorf("%w: gave up waiting with %d streams in use: %w", ErrStreamIDExhausted, inUse, context.Cause(ctx))
		}
		if id, ok := r.claimFreed(s); ok {
			return id, nil
		}
	}
}

func (r *streamRegistry) claimFreed(s stream) (uint16, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.lastFreed < 0 {
		return 0, false
	}
	id := uint16(r.lastFreed)
	if _, taken := r.streams[id]; taken {
		return 0, false
	}
	r.lastFreed = -1
	s.bindID(id)
	r.streams[id] = s
	r.recent.Remove(id)
	return id, true
}

// add registers a peer-opened stream under the ID the peer chose.
func (r *streamRegistry) add(id uint16, s stream) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || id == ControlStreamID {
		return false
	}
	if _, taken := r.streams[id]; taken {
		return false
	}
	s.bindID(id)
	r.streams[id] = s
	r.recent.Remove(id)
	return true
}

func (r *streamRegistry) get(id uint16) (stream, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[id]
	return s, ok
}

// remove unregisters s, but only if its ID still maps to s.
func (r *streamRegistry) remove(s stream) bool {
	id := s.streamID()
	r.mu.Lock()
	if cur, ok := r.streams[id]; !ok || cur != s {
		r.mu.Unlock()
		return false
	}
	delete(r.streams, id)
	r.lastFreed = int32(id)
	close(r.released)
	r.released = make(chan struct{})
	r.mu.Unlock()
	r.recent.Add(id, struct{}{})
	return true
}

// drain closes the registry to further insertions and returns every
// stream that was still registered.
func (r *streamRegistry) drain() []stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	out := make([]stream, 0, len(r.streams))
	for id, s := range r.streams {
		out = append(out, s)
		delete(r.streams, id)
	}
	close(r.released)
	r.released = make(chan struct{})
	return out
}

func (r *streamRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}

// recentlyReleased reports whether id belonged to a stream that finished
// recently and has not been reissued since.
func (r *streamRegistry) recentlyReleased(id uint16) bool {
	return r.recent.Contains(id)
}
