package enumerate

import "github.com/okra-platform/foreign/internal/objrt"

// DefaultCapacity is the batch window size used when none is configured.
const DefaultCapacity = 16

// State is the protocol token passed back and forth on every batch fetch.
// The foreign side owns its contents; the enumerator only reads Items and
// Mutations after each fetch.
type State struct {
	// Token is private to the collection. It is zero on the first fetch.
	Token uint64

	// Items is where the fetched batch lives. It may alias the window the
	// enumerator passed in or storage owned by the collection.
	Items []objrt.ID

	// Mutations points at a value that stays stable for as long as the
	// collection is not structurally changed.
	Mutations *uint64

	Extra [5]uint64
}

// FastEnumeration is implemented by collections that can hand out their
// elements in batches. CountByEnumerating fills at most len(objects)
// references, sets state.Items to the batch, and returns the count.
// A count of zero means the collection has nothing left.
type FastEnumeration interface {
	CountByEnumerating(state *State, objects []objrt.ID, pool *objrt.Pool) int
}

// FastEnumerationFunc adapts a function to FastEnumeration.
type FastEnumerationFunc func(state *State, objects []objrt.ID, pool *objrt.Pool) int

func (f FastEnumerationFunc) CountByEnumerating(state *State, objects []objrt.ID, pool *objrt.Pool) int {
	return f(state, objects, pool)
}

type remote struct {
	dispatcher objrt.Dispatcher
	receiver   objrt.ID
}

// Remote returns a FastEnumeration that fetches batches by sending
// countByEnumeratingWithState:objects:count: to receiver.
// The boundary contract makes the fetch infallible, so a failed send panics
// with the dispatch error.
func Remote(d objrt.Dispatcher, receiver objrt.ID) FastEnumeration {
	return &remote{dispatcher: d, receiver: receiver}
}

func (r *remote) CountByEnumerating(state *State, objects []objrt.ID, pool *objrt.Pool) int {
	result := objrt.MustSend(r.dispatcher, r.receiver, objrt.SelCountByEnumerating, pool, state, objects, len(objects))
	n, ok := result.(int)
	if !ok {
		panic(&objrt.DispatchError{
			Code:     objrt.ErrorCodeInvalidArgument,
			Selector: objrt.SelCountByEnumerating,
			Receiver: r.receiver,
			Message:  "batch fetch did not return a count",
		})
	}
	return n
}
