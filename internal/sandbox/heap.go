package sandbox

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// heapModule is a WebAssembly module that defines and exports one linear
// memory ("memory", minimum one page) and nothing else. The sandbox uses it
// as the foreign heap.
var heapModule = []byte{
	0x00, 0x61, 0x73, 0x6d, // magic
	0x01, 0x00, 0x00, 0x00, // version
	// memory section: one memory, limits {min: 1}
	0x05, 0x03, 0x01, 0x00, 0x01,
	// export section: "memory" -> memory 0
	0x07, 0x0a, 0x01, 0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00,
}

const (
	pageSize  = 65536
	alignment = 8

	// MaxHeapPages is the largest linear memory wazero accepts (4GiB).
	MaxHeapPages = 65536
)

var ErrHeapExhausted = errors.New("foreign heap exhausted")

// region is a span of linear memory.
type region struct {
	offset uint32
	size   uint32
}

// heap is a first-fit allocator over a wazero linear memory. Offset 0 is
// never handed out so it can stand for null.
type heap struct {
	runtime wazero.Runtime
	module  api.Module
	memory  api.Memory

	next uint32
	free []region
}

func newHeap(ctx context.Context, initialPages, maxPages uint32) (*heap, error) {
	if maxPages > MaxHeapPages {
		return nil, fmt.Errorf("invalid heap size: max %d pages exceeds the %d page limit", maxPages, MaxHeapPages)
	}
	if maxPages == 0 || initialPages > maxPages {
		return nil, fmt.Errorf("invalid heap size: initial %d pages, max %d pages", initialPages, maxPages)
	}

	// Reserving the full capacity up front means growing never moves the
	// backing slice, so views handed out by bytes stay put.
	config := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(maxPages).
		WithMemoryCapacityFromMax(true)
	runtime := wazero.NewRuntimeWithConfig(ctx, config)

	module, err := runtime.InstantiateWithConfig(ctx, heapModule, wazero.NewModuleConfig().WithName("heap"))
	if err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate heap module: %w", err)
	}

	memory := module.Memory()
	if memory == nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("heap module has no memory")
	}

	if current := memory.Size() / pageSize; initialPages > current {
		if _, ok := memory.Grow(initialPages - current); !ok {
			runtime.Close(ctx)
			return nil, fmt.Errorf("failed to grow heap to %d pages", initialPages)
		}
	}

	return &heap{
		runtime: runtime,
		module:  module,
		memory:  memory,
		next:    alignment,
	}, nil
}

func align(n uint32) uint32 {
	return (n + alignment - 1) &^ (alignment - 1)
}

// alloc reserves n bytes. Zero-length allocations get a zero region.
func (h *heap) alloc(n int) (region, error) {
	if n == 0 {
		return region{}, nil
	}
	if n < 0 || uint64(n) > math.MaxUint32-alignment {
		return region{}, ErrHeapExhausted
	}
	size := align(uint32(n))

	for i, r := range h.free {
		if r.size >= size {
			h.free = append(h.free[:i], h.free[i+1:]...)
			if r.size > size {
				h.free = append(h.free, region{offset: r.offset + size, size: r.size - size})
			}
			return region{offset: r.offset, size: size}, nil
		}
	}

	end := uint64(h.next) + uint64(size)
	if current := uint64(h.memory.Size()); end > current {
		pages := (end - current + pageSize - 1) / pageSize
		if _, ok := h.memory.Grow(uint32(pages)); !ok {
			return region{}, ErrHeapExhausted
		}
	}

	r := region{offset: h.next, size: size}
	h.next = uint32(end)
	return r, nil
}

func (h *heap) release(r region) {
	if r.size == 0 {
		return
	}
	h.free = append(h.free, r)
}

func (h *heap) write(r region, b []byte) bool {
	if len(b) == 0 {
		return true
	}
	return h.memory.Write(r.offset, b)
}

// view returns the first n bytes of r without copying.
func (h *heap) view(r region, n int) []byte {
	if n == 0 {
		return nil
	}
	b, ok := h.memory.Read(r.offset, uint32(n))
	if !ok {
		return nil
	}
	return b
}

// inUse returns the number of bytes between the heap base and the high
// water mark that are not on the free list.
func (h *heap) inUse() uint32 {
	used := h.next - alignment
	for _, r := range h.free {
		used -= r.size
	}
	return used
}

func (h *heap) close(ctx context.Context) error {
	return h.runtime.Close(ctx)
}
