package commands

import (
	"context"
	"fmt"

	"github.com/okra-platform/foreign/internal/buffer"
	"github.com/okra-platform/foreign/internal/objrt"
)

// Data modes
const (
	ModeBorrow = "borrow"
	ModeMove   = "move"
	ModeCopy   = "copy"
)

// DataOptions contains options for the data command
type DataOptions struct {
	Text string
	Mode string
	// Output, when set, is where the data object writes its bytes.
	Output string
	Atomic bool
}

// Data hands Text to the sandbox as a data object using the requested
// mode, reads it back, and optionally has the foreign side persist it.
func (c *Controller) Data(ctx context.Context, opts DataOptions) error {
	if opts.Mode == "" {
		opts.Mode = ModeBorrow
	}
	switch opts.Mode {
	case ModeBorrow, ModeMove, ModeCopy:
	default:
		return fmt.Errorf("unknown mode %q (expected %s, %s or %s)", opts.Mode, ModeBorrow, ModeMove, ModeCopy)
	}

	s, err := c.start(ctx)
	if err != nil {
		return err
	}
	defer s.close(ctx)

	released := make(chan int, 1)
	var writeErr error

	objrt.WithinScope(func(pool *objrt.Pool) {
		b := []byte(opts.Text)

		var data *buffer.Data
		switch opts.Mode {
		case ModeBorrow:
			data = buffer.Borrow(s.dispatcher, b, pool)
		case ModeMove:
			data = buffer.Move(s.dispatcher, b, func(b []byte) { released <- len(b) }, pool)
		case ModeCopy:
			data = buffer.Copy(s.dispatcher, b, pool)
		}
		defer data.Release(s.runtime)

		c.printf("%s data: %d bytes %q\n", data.Provenance(), data.Len(pool), data.Bytes(pool))

		if opts.Output != "" {
			if !data.WriteToFile(opts.Output, opts.Atomic, pool) {
				writeErr = fmt.Errorf("failed to write %s", opts.Output)
				return
			}
			c.printf("wrote %s\n", opts.Output)
		}
	})
	if writeErr != nil {
		return writeErr
	}

	if opts.Mode == ModeMove {
		select {
		case n := <-released:
			c.printf("released %d bytes\n", n)
		case <-ctx.Done():
			return fmt.Errorf("waiting for release: %w", ctx.Err())
		}
	}

	return nil
}
