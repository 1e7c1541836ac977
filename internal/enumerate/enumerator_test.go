package enumerate

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/okra-platform/foreign/internal/objrt"
)

// Test Plan:
// 1. Scenarios: small collection, empty collection, collection exactly one window long
// 2. Fetch counts and phase transitions
// 3. Batches that alias the collection's own storage
// 4. Mutation during enumeration panics and ends the session
// 5. Broken counts and missing mutation pointers panic
// 6. All/Collect adapters, early break, fetch logging
// 7. Remote fetches through a Dispatcher

// sliceCollection is an in-memory FastEnumeration that hands out items in
// order and counts how often it was asked for a batch.
type sliceCollection struct {
	items     []objrt.ID
	mutations uint64
	fetches   int
	// alias returns batches that point into items instead of copying.
	alias bool
}

func newSliceCollection(n int) *sliceCollection {
	items := make([]objrt.ID, n)
	for i := range items {
		items[i] = objrt.ID(i + 1)
	}
	return &sliceCollection{items: items, mutations: 1}
}

func (c *sliceCollection) CountByEnumerating(state *State, objects []objrt.ID, _ *objrt.Pool) int {
	c.fetches++
	state.Mutations = &c.mutations

	offset := int(state.Token)
	if offset >= len(c.items) {
		return 0
	}
	n := min(len(objects), len(c.items)-offset)
	if c.alias {
		state.Items = c.items[offset : offset+n]
	} else {
		copy(objects, c.items[offset:offset+n])
		state.Items = objects
	}
	state.Token += uint64(n)
	return n
}

func (c *sliceCollection) mutate() {
	c.items = append(c.items, objrt.ID(len(c.items)+1))
	c.mutations++
}

func ids(values ...int) []objrt.ID {
	out := make([]objrt.ID, len(values))
	for i, v := range values {
		out[i] = objrt.ID(v)
	}
	return out
}

func TestEnumerator_FourElements(t *testing.T) {
	pool := objrt.NewPool()
	defer pool.Drain()

	coll := &sliceCollection{items: ids(0xA, 0xB, 0xC, 0xD), mutations: 7}
	e := New(coll, pool)
	assert.Equal(t, PhaseUninitialized, e.Phase())
	assert.Equal(t, DefaultCapacity, e.Capacity())

	var got []objrt.ID
	for {
		id, ok := e.Next()
		if !ok {
			break
		}
		got = append(got, id)
	}

	assert.Equal(t, ids(0xA, 0xB, 0xC, 0xD), got)
	assert.Equal(t, 1, coll.fetches)
	assert.Equal(t, 1, e.Fetches())
	assert.Equal(t, PhaseExhausted, e.Phase())
}

func TestEnumerator_Empty(t *testing.T) {
	pool := objrt.NewPool()
	defer pool.Drain()

	coll := newSliceCollection(0)
	e := New(coll, pool)

	id, ok := e.Next()
	assert.False(t, ok)
	assert.Equal(t, objrt.Nil, id)
	assert.Equal(t, 1, coll.fetches)
	assert.Equal(t, PhaseExhausted, e.Phase())

	// Further calls stay exhausted without fetching.
	_, ok = e.Next()
	assert.False(t, ok)
	assert.Equal(t, 1, coll.fetches)
}

func TestEnumerator_ExactlyOneWindow(t *testing.T) {
	pool := objrt.NewPool()
	defer pool.Drain()

	coll := newSliceCollection(16)
	e := New(coll, pool, WithCapacity(16))

	count := 0
	for range 16 {
		_, ok := e.Next()
		require.True(t, ok)
		count++
	}
	assert.Equal(t, 1, coll.fetches)
	assert.Equal(t, PhaseFastPath, e.Phase())

	_, ok := e.Next()
	assert.False(t, ok)
	assert.Equal(t, 16, count)
	assert.Equal(t, 2, coll.fetches)
	assert.Equal(t, PhaseExhausted, e.Phase())
}

func TestEnumerator_FetchCounts(t *testing.T) {
	tests := []struct {
		name        string
		size        int
		capacity    int
		wantFetches int
	}{
		{name: "empty", size: 0, capacity: 4, wantFetches: 1},
		{name: "smaller than window", size: 3, capacity: 4, wantFetches: 1},
		{name: "one full window", size: 4, capacity: 4, wantFetches: 2},
		{name: "two full windows", size: 8, capacity: 4, wantFetches: 3},
		{name: "partial last window", size: 9, capacity: 4, wantFetches: 3},
		{name: "window of one", size: 5, capacity: 1, wantFetches: 6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool := objrt.NewPool()
			defer pool.Drain()

			coll := newSliceCollection(tt.size)
			got := Collect(coll, pool, WithCapacity(tt.capacity))

			if tt.size == 0 {
				assert.Empty(t, got)
			} else {
				assert.Equal(t, coll.items, got)
			}
			assert.Equal(t, tt.wantFetches, coll.fetches)
		})
	}
}

func TestEnumerator_AliasedBatches(t *testing.T) {
	pool := objrt.NewPool()
	defer pool.Drain()

	coll := newSliceCollection(10)
	coll.alias = true

	got := Collect(coll, pool, WithCapacity(4))
	assert.Equal(t, coll.items, got)
	assert.Equal(t, 3, coll.fetches)
}

func TestEnumerator_SlowPathPhase(t *testing.T) {
	pool := objrt.NewPool()
	defer pool.Drain()

	coll := newSliceCollection(6)
	e := New(coll, pool, WithCapacity(3))

	for range 3 {
		_, ok := e.Next()
		require.True(t, ok)
	}
	assert.Equal(t, PhaseFastPath, e.Phase())
	assert.Equal(t, 1, e.Fetches())

	id, ok := e.Next()
	require.True(t, ok)
	assert.Equal(t, objrt.ID(4), id)
	assert.Equal(t, 2, e.Fetches())
}

func TestEnumerator_MutationPanics(t *testing.T) {
	pool := objrt.NewPool()
	defer pool.Drain()

	coll := newSliceCollection(8)
	e := New(coll, pool, WithCapacity(4))

	for range 4 {
		_, ok := e.Next()
		require.True(t, ok)
	}

	coll.mutate()

	var violation *ProtocolViolation
	func() {
		defer func() {
			r := recover()
			require.NotNil(t, r, "expected a protocol violation")
			err, ok := r.(error)
			require.True(t, ok)
			require.True(t, errors.As(err, &violation))
		}()
		e.Next()
	}()

	assert.ErrorIs(t, violation, ErrMutated)
	assert.Equal(t, 2, violation.Fetch)
	assert.Equal(t, uint64(1), violation.Expected)
	assert.Equal(t, uint64(2), violation.Observed)
	assert.Contains(t, violation.Error(), "mutated")

	// No further elements after a violation.
	assert.Equal(t, PhaseExhausted, e.Phase())
	_, ok := e.Next()
	assert.False(t, ok)
	assert.Equal(t, 2, coll.fetches)
}

func TestEnumerator_MutationWithinWindowIsNotObservedUntilRefetch(t *testing.T) {
	pool := objrt.NewPool()
	defer pool.Drain()

	coll := newSliceCollection(3)
	e := New(coll, pool)

	_, ok := e.Next()
	require.True(t, ok)
	coll.mutate()

	// Short window: the remaining two elements come from the fast path and
	// the enumeration ends without another fetch.
	rest := 0
	for range e.All() {
		rest++
	}
	assert.Equal(t, 2, rest)
	assert.Equal(t, 1, coll.fetches)
}

func TestEnumerator_BrokenCounts(t *testing.T) {
	tests := []struct {
		name  string
		fetch FastEnumerationFunc
	}{
		{
			name: "negative count",
			fetch: func(state *State, objects []objrt.ID, _ *objrt.Pool) int {
				return -1
			},
		},
		{
			name: "count above capacity",
			fetch: func(state *State, objects []objrt.ID, _ *objrt.Pool) int {
				state.Items = make([]objrt.ID, len(objects)+1)
				return len(objects) + 1
			},
		},
		{
			name: "count above batch length",
			fetch: func(state *State, objects []objrt.ID, _ *objrt.Pool) int {
				state.Items = objects[:1]
				return 2
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool := objrt.NewPool()
			defer pool.Drain()

			e := New(tt.fetch, pool, WithCapacity(4))
			defer func() {
				r := recover()
				require.NotNil(t, r)
				err := r.(error)
				assert.ErrorIs(t, err, ErrCountOutOfRange)
				assert.Equal(t, PhaseExhausted, e.Phase())
			}()
			e.Next()
		})
	}
}

func TestEnumerator_MissingMutationPointer(t *testing.T) {
	pool := objrt.NewPool()
	defer pool.Drain()

	var fetch FastEnumerationFunc = func(state *State, objects []objrt.ID, _ *objrt.Pool) int {
		objects[0] = 1
		state.Items = objects
		return 1
	}

	e := New(fetch, pool)
	defer func() {
		r := recover()
		require.NotNil(t, r)
		assert.ErrorIs(t, r.(error), ErrMissingMutations)
	}()
	e.Next()
}

func TestEnumerator_AllStopsEarly(t *testing.T) {
	pool := objrt.NewPool()
	defer pool.Drain()

	coll := newSliceCollection(40)
	e := New(coll, pool, WithCapacity(8))

	var got []objrt.ID
	for id := range e.All() {
		got = append(got, id)
		if len(got) == 10 {
			break
		}
	}
	assert.Equal(t, coll.items[:10], got)
	assert.Equal(t, 2, coll.fetches)

	// Resuming continues where the session left off.
	next, ok := e.Next()
	require.True(t, ok)
	assert.Equal(t, objrt.ID(11), next)
}

func TestEnumerator_FetchLogNamesPool(t *testing.T) {
	pool := objrt.NewPool()
	defer pool.Drain()

	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)

	e := New(newSliceCollection(3), pool, WithCapacity(2), WithLogger(logger))
	var got []objrt.ID
	for id := range e.All() {
		got = append(got, id)
	}
	assert.Len(t, got, 3)
	assert.Equal(t, 3, e.Fetches())

	logged := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, logged, e.Fetches())
	for _, line := range logged {
		assert.Contains(t, line, `"pool":"`+pool.ID().String()+`"`)
	}
}

func TestEnumerator_InvalidCapacityIgnored(t *testing.T) {
	e := New(newSliceCollection(1), objrt.NewPool(), WithCapacity(0))
	assert.Equal(t, DefaultCapacity, e.Capacity())
}

func TestPhase_String(t *testing.T) {
	assert.Equal(t, "uninitialized", PhaseUninitialized.String())
	assert.Equal(t, "fast-path", PhaseFastPath.String())
	assert.Equal(t, "slow-path-pending", PhaseSlowPathPending.String())
	assert.Equal(t, "exhausted", PhaseExhausted.String())
	assert.Equal(t, "unknown", Phase(42).String())
}

// mockDispatcher records sends made by Remote.
type mockDispatcher struct {
	mock.Mock
}

func (m *mockDispatcher) Class(name string) objrt.ID {
	return m.Called(name).Get(0).(objrt.ID)
}

func (m *mockDispatcher) Send(receiver objrt.ID, sel objrt.Selector, pool *objrt.Pool, args ...any) (any, error) {
	called := m.Called(receiver, sel, pool, args)
	return called.Get(0), called.Error(1)
}

func TestRemote(t *testing.T) {
	pool := objrt.NewPool()
	defer pool.Drain()

	coll := newSliceCollection(5)
	d := &forwarding{coll: coll}

	got := Collect(Remote(d, 99), pool, WithCapacity(2))
	assert.Equal(t, coll.items, got)
	assert.Equal(t, 3, coll.fetches)
	assert.Equal(t, []objrt.ID{99, 99, 99}, d.receivers)
}

// forwarding is a Dispatcher that answers batch fetches from an in-memory
// collection.
type forwarding struct {
	coll      *sliceCollection
	receivers []objrt.ID
}

func (f *forwarding) Class(name string) objrt.ID { return objrt.Nil }

func (f *forwarding) Send(receiver objrt.ID, sel objrt.Selector, pool *objrt.Pool, args ...any) (any, error) {
	if sel != objrt.SelCountByEnumerating || len(args) != 3 {
		return nil, &objrt.DispatchError{Code: objrt.ErrorCodeUnrecognizedSelector, Selector: sel}
	}
	f.receivers = append(f.receivers, receiver)
	state := args[0].(*State)
	objects := args[1].([]objrt.ID)
	if args[2].(int) != len(objects) {
		return nil, &objrt.DispatchError{Code: objrt.ErrorCodeInvalidArgument, Selector: sel}
	}
	return f.coll.CountByEnumerating(state, objects, pool), nil
}

func TestRemote_DispatchFailurePanics(t *testing.T) {
	pool := objrt.NewPool()
	defer pool.Drain()

	d := &mockDispatcher{}
	d.On("Send", objrt.ID(5), objrt.SelCountByEnumerating, pool, mock.Anything).
		Return(nil, &objrt.DispatchError{Code: objrt.ErrorCodeUnknownReceiver, Message: "freed"})

	e := New(Remote(d, 5), pool)
	defer func() {
		r := recover()
		require.NotNil(t, r)
		var dispatchErr *objrt.DispatchError
		require.True(t, errors.As(r.(error), &dispatchErr))
		assert.Equal(t, objrt.ErrorCodeUnknownReceiver, dispatchErr.Code)
		d.AssertExpectations(t)
	}()
	e.Next()
}

func TestRemote_NonIntegerResultPanics(t *testing.T) {
	pool := objrt.NewPool()
	defer pool.Drain()

	d := &mockDispatcher{}
	d.On("Send", objrt.ID(5), objrt.SelCountByEnumerating, pool, mock.Anything).Return("four", nil)

	assert.Panics(t, func() {
		New(Remote(d, 5), pool).Next()
	})
}
