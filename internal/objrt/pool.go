package objrt

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

var poolGeneration atomic.Uint64

// Pool is the scope token bounding temporary foreign references.
// A pool is created, used for a sequence of sends, then drained once.
// Draining releases every autoreleased reference in reverse order.
type Pool struct {
	id         uuid.UUID
	generation uint64
	drained    atomic.Bool

	mu      sync.Mutex
	pending []func()
}

// NewPool opens a new scope.
func NewPool() *Pool {
	return &Pool{
		id:         uuid.New(),
		generation: poolGeneration.Add(1),
	}
}

// WithinScope runs fn with a fresh pool and drains it when fn returns,
// including when fn panics.
func WithinScope(fn func(pool *Pool)) {
	pool := NewPool()
	defer pool.Drain()
	fn(pool)
}

// ID identifies the pool in logs.
func (p *Pool) ID() uuid.UUID {
	if p == nil {
		return uuid.Nil
	}
	return p.id
}

// Generation is unique per pool and never reused.
func (p *Pool) Generation() uint64 {
	return p.generation
}

// Alive reports whether the pool has not been drained yet.
func (p *Pool) Alive() bool {
	return p != nil && !p.drained.Load()
}

// Defer registers a release to run when the pool drains. Registering on a
// drained pool runs release immediately.
func (p *Pool) Defer(release func()) {
	p.mu.Lock()
	if p.drained.Load() {
		p.mu.Unlock()
		release()
		return
	}
	p.pending = append(p.pending, release)
	p.mu.Unlock()
}

// Pending returns the number of deferred releases.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Drain ends the scope. It is idempotent.
func (p *Pool) Drain() {
	p.mu.Lock()
	if p.drained.Swap(true) {
		p.mu.Unlock()
		return
	}
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	for i := len(pending) - 1; i >= 0; i-- {
		pending[i]()
	}
}

// Guard is a runtime-checked borrow: it stays valid while the pool it was
// taken from is alive and the borrow has not been ended explicitly.
type Guard struct {
	pool       *Pool
	generation uint64
	ended      *atomic.Bool
}

// Borrow takes a guard bounded by p.
func (p *Pool) Borrow() Guard {
	return Guard{
		pool:       p,
		generation: p.generation,
		ended:      new(atomic.Bool),
	}
}

// Valid reports whether the borrowed memory may still be handed to the
// foreign side.
func (g Guard) Valid() bool {
	if g.pool == nil || g.ended == nil {
		return false
	}
	return !g.ended.Load() && g.pool.Alive() && g.pool.generation == g.generation
}

// Check panics with ErrLifetimeEnded if the guard is no longer valid.
func (g Guard) Check() {
	if !g.Valid() {
		panic(ErrLifetimeEnded)
	}
}

// End shortens the borrow. Every copy of the guard observes it.
func (g Guard) End() {
	if g.ended != nil {
		g.ended.Store(true)
	}
}
