// Package enumerate turns the foreign batched-enumeration protocol into a
// pull iterator.
//
// An Enumerator asks the collection for a batch of references, hands them
// out one at a time from its window without further foreign calls, and only
// goes back to the collection once the window is used up and was full. Each
// refetch checks the collection's mutation value; a change aborts the
// enumeration with a *ProtocolViolation panic.
package enumerate

import (
	"iter"

	"github.com/rs/zerolog"

	"github.com/okra-platform/foreign/internal/objrt"
)

// Phase is the enumerator's position in the fetch protocol.
type Phase uint8

const (
	PhaseUninitialized Phase = iota
	PhaseFastPath
	PhaseSlowPathPending
	PhaseExhausted
)

func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "uninitialized"
	case PhaseFastPath:
		return "fast-path"
	case PhaseSlowPathPending:
		return "slow-path-pending"
	case PhaseExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Enumerator is a forward-only, single-use iterator over a FastEnumeration.
// References it returns are valid until the pool drains. An Enumerator must
// not be shared between goroutines.
type Enumerator struct {
	target FastEnumeration
	pool   *objrt.Pool
	logger zerolog.Logger

	state State
	phase Phase

	// window is the storage offered to the collection on every fetch;
	// head and tail index the live part of state.Items.
	window []objrt.ID
	inline [DefaultCapacity]objrt.ID
	head   int
	tail   int

	mutations uint64
	fetches   int
}

// Option configures an Enumerator.
type Option func(*Enumerator)

// WithCapacity sets the batch window size. Values below 1 are ignored.
func WithCapacity(capacity int) Option {
	return func(e *Enumerator) {
		if capacity >= 1 && capacity != DefaultCapacity {
			e.window = make([]objrt.ID, capacity)
		}
	}
}

// WithLogger logs one debug line per fetch.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Enumerator) {
		e.logger = logger
	}
}

// New starts an enumeration session over target. Nothing is fetched until
// the first call to Next.
func New(target FastEnumeration, pool *objrt.Pool, opts ...Option) *Enumerator {
	e := &Enumerator{
		target: target,
		pool:   pool,
		logger: zerolog.Nop(),
		phase:  PhaseUninitialized,
	}
	e.window = e.inline[:]

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Next returns the next element, or false once the collection is exhausted.
// It panics with *ProtocolViolation if the collection was mutated.
func (e *Enumerator) Next() (objrt.ID, bool) {
	for {
		switch e.phase {
		case PhaseFastPath:
			if e.head < e.tail {
				id := e.state.Items[e.head]
				e.head++
				return id, true
			}
			if e.tail < len(e.window) {
				// A short batch means the collection ran out.
				e.phase = PhaseExhausted
				continue
			}
			e.phase = PhaseSlowPathPending

		case PhaseUninitialized, PhaseSlowPathPending:
			e.fetch()

		default:
			return objrt.Nil, false
		}
	}
}

// fetch refills the window and moves to PhaseFastPath or PhaseExhausted.
func (e *Enumerator) fetch() {
	first := e.phase == PhaseUninitialized
	capacity := len(e.window)

	n := e.target.CountByEnumerating(&e.state, e.window, e.pool)
	e.fetches++

	if n < 0 || n > capacity || n > len(e.state.Items) {
		e.violate(&ProtocolViolation{
			Err:      ErrCountOutOfRange,
			Fetch:    e.fetches,
			Count:    n,
			Capacity: capacity,
		})
	}

	if !first {
		if e.state.Mutations == nil {
			e.violate(&ProtocolViolation{Err: ErrMissingMutations, Fetch: e.fetches})
		}
		if observed := *e.state.Mutations; observed != e.mutations {
			e.violate(&ProtocolViolation{
				Err:      ErrMutated,
				Fetch:    e.fetches,
				Expected: e.mutations,
				Observed: observed,
			})
		}
	}

	e.logger.Debug().
		Stringer("pool", e.pool.ID()).
		Int("fetch", e.fetches).
		Int("count", n).
		Int("capacity", capacity).
		Msg("fetched enumeration batch")

	if n == 0 {
		e.phase = PhaseExhausted
		return
	}

	if first {
		if e.state.Mutations == nil {
			e.violate(&ProtocolViolation{Err: ErrMissingMutations, Fetch: e.fetches})
		}
		e.mutations = *e.state.Mutations
	}

	e.head = 0
	e.tail = n
	e.phase = PhaseFastPath
}

func (e *Enumerator) violate(v *ProtocolViolation) {
	e.phase = PhaseExhausted
	e.head, e.tail = 0, 0
	e.logger.Error().Err(v).Msg("aborting enumeration")
	panic(v)
}

// All adapts the enumerator to a range-over-func sequence.
func (e *Enumerator) All() iter.Seq[objrt.ID] {
	return func(yield func(objrt.ID) bool) {
		for {
			id, ok := e.Next()
			if !ok || !yield(id) {
				return
			}
		}
	}
}

// Phase returns the current protocol phase.
func (e *Enumerator) Phase() Phase {
	return e.phase
}

// Fetches returns how many batch fetches have been issued so far.
func (e *Enumerator) Fetches() int {
	return e.fetches
}

// Capacity returns the batch window size.
func (e *Enumerator) Capacity() int {
	return len(e.window)
}

// Collect enumerates target to the end and returns every element.
func Collect(target FastEnumeration, pool *objrt.Pool, opts ...Option) []objrt.ID {
	var out []objrt.ID
	for id := range New(target, pool, opts...).All() {
		out = append(out, id)
	}
	return out
}
