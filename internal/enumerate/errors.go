package enumerate

import (
	"errors"
	"fmt"
)

var (
	// ErrMutated means the collection was structurally changed while it was
	// being enumerated.
	ErrMutated = errors.New("collection was mutated while being enumerated")

	// ErrCountOutOfRange means a fetch returned a count outside [0, capacity]
	// or larger than the batch it pointed at.
	ErrCountOutOfRange = errors.New("batch count out of range")

	// ErrMissingMutations means a non-empty batch came back without a
	// mutation value to check against.
	ErrMissingMutations = errors.New("batch fetch did not set a mutation pointer")
)

// ProtocolViolation is the panic value raised when the foreign side breaks
// the batched enumeration contract. It is never recovered inside this package.
type ProtocolViolation struct {
	Err   error
	Fetch int

	// Set for ErrMutated
	Expected uint64
	Observed uint64

	// Set for ErrCountOutOfRange
	Count    int
	Capacity int
}

func (v *ProtocolViolation) Error() string {
	switch {
	case errors.Is(v.Err, ErrMutated):
		return fmt.Sprintf("fatal protocol violation on fetch %d: %v (mutation value %d, was %d)", v.Fetch, v.Err, v.Observed, v.Expected)
	case errors.Is(v.Err, ErrCountOutOfRange):
		return fmt.Sprintf("fatal protocol violation on fetch %d: %v (count %d, capacity %d)", v.Fetch, v.Err, v.Count, v.Capacity)
	default:
		return fmt.Sprintf("fatal protocol violation on fetch %d: %v", v.Fetch, v.Err)
	}
}

func (v *ProtocolViolation) Unwrap() error {
	return v.Err
}
