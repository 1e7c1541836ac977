package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/okra-platform/foreign/internal/enumerate"
	"github.com/okra-platform/foreign/internal/objrt"
	"github.com/okra-platform/foreign/internal/sandbox"
)

// EnumerateOptions contains options for the enumerate command
type EnumerateOptions struct {
	// Count is the number of string elements in the collection.
	Count int
	// Capacity overrides the configured window capacity when positive.
	Capacity int
	// Mutable builds a mutable array instead of an immutable one.
	Mutable bool
	// MutateAfter appends to the collection after that many elements have
	// been yielded. Zero disables it. Requires Mutable.
	MutateAfter int
}

// Enumerate builds a collection of strings in the sandbox and walks it with
// the batched enumerator, printing each element.
func (c *Controller) Enumerate(ctx context.Context, opts EnumerateOptions) (err error) {
	if opts.Count < 0 {
		return fmt.Errorf("count must not be negative, got %d", opts.Count)
	}
	if opts.MutateAfter > 0 && !opts.Mutable {
		return errors.New("mutate-after needs a mutable collection")
	}

	s, err := c.start(ctx)
	if err != nil {
		return err
	}
	defer s.close(ctx)

	capacity := s.cfg.WindowCapacity
	if opts.Capacity > 0 {
		capacity = opts.Capacity
	}

	items := make([]objrt.ID, opts.Count)
	for i := range items {
		items[i] = s.runtime.NewString(fmt.Sprintf("item-%d", i))
	}
	var collection objrt.ID
	if opts.Mutable {
		collection = s.runtime.NewMutableArray(items...)
	} else {
		collection = s.runtime.NewArray(items...)
	}
	for _, id := range items {
		s.runtime.Release(id)
	}
	defer s.runtime.Release(collection)

	// A mutation caught mid-enumeration surfaces as the command's error.
	defer func() {
		if rec := recover(); rec != nil {
			violation, ok := rec.(*enumerate.ProtocolViolation)
			if !ok {
				panic(rec)
			}
			err = fmt.Errorf("enumeration aborted: %w", violation)
		}
	}()

	objrt.WithinScope(func(pool *objrt.Pool) {
		e := enumerate.New(enumerate.Remote(s.dispatcher, collection), pool,
			enumerate.WithCapacity(capacity),
			enumerate.WithLogger(s.logger.With().Str("component", "enumerate").Logger()))

		yielded := 0
		for id := range e.All() {
			c.printf("%s\n", elementLabel(s.runtime, id))
			yielded++

			if opts.MutateAfter > 0 && yielded == opts.MutateAfter {
				extra := s.runtime.NewString("late")
				objrt.MustSend(s.dispatcher, collection, sandbox.SelAddObject, pool, extra)
				s.runtime.Release(extra)
			}
		}

		c.printf("enumerated %d elements in %d fetches (window %d)\n", yielded, e.Fetches(), e.Capacity())
	})

	return nil
}

// elementLabel is the printed form of an enumerated element.
func elementLabel(rt *sandbox.Runtime, id objrt.ID) string {
	if value, ok := rt.String(id); ok {
		return value
	}
	return fmt.Sprintf("<non-string %d>", id)
}
