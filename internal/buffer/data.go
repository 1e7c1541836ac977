// Package buffer wraps foreign data objects behind one accessor contract,
// whatever the provenance of their memory: borrowed from the caller, moved
// into the foreign runtime with a release callback, or copied.
package buffer

import (
	"errors"
	"sync/atomic"
	"unsafe"

	"github.com/okra-platform/foreign/internal/objrt"
)

// ErrReleasedTwice is the panic value when a release sink fires again.
var ErrReleasedTwice = errors.New("release callback invoked more than once")

// Provenance records who owns a data object's bytes.
type Provenance uint8

const (
	// Borrowed memory belongs to the caller and must outlive every foreign access.
	Borrowed Provenance = iota + 1
	// OwnedMoved memory was handed to the foreign runtime; only the release sink frees it.
	OwnedMoved
	// Copied memory is the foreign runtime's own copy.
	Copied
)

func (p Provenance) String() string {
	switch p {
	case Borrowed:
		return "borrowed"
	case OwnedMoved:
		return "owned-moved"
	case Copied:
		return "copied"
	default:
		return "unknown"
	}
}

// Data is a handle to a foreign data object.
type Data struct {
	dispatcher objrt.Dispatcher
	id         objrt.ID
	provenance Provenance

	// guard bounds a Borrowed handle; zero for other provenances.
	guard objrt.Guard

	released atomic.Bool
}

func alloc(d objrt.Dispatcher, pool *objrt.Pool) objrt.ID {
	class := d.Class(objrt.ClassData)
	return objrt.MustSend(d, class, objrt.SelAlloc, pool).(objrt.ID)
}

func bytesPointer(b []byte) unsafe.Pointer {
	return unsafe.Pointer(unsafe.SliceData(b))
}

// Borrow wraps b without copying. The foreign side is told not to copy and
// not to free. The handle is valid until pool drains or EndBorrow is called,
// and b must not be modified during that time.
func Borrow(d objrt.Dispatcher, b []byte, pool *objrt.Pool) *Data {
	id := objrt.MustSend(d, alloc(d, pool), objrt.SelInitWithBytesNoCopy, pool,
		bytesPointer(b), len(b), false).(objrt.ID)

	return &Data{
		dispatcher: d,
		id:         id,
		provenance: Borrowed,
		guard:      pool.Borrow(),
	}
}

// Move transfers b to the foreign runtime. release is called exactly once,
// possibly later and from another goroutine, with the original slice once
// the foreign side no longer references it. The caller must not touch b
// after Move returns.
func Move(d objrt.Dispatcher, b []byte, release func(b []byte), pool *objrt.Pool) *Data {
	sink := newReleaseSink(release)
	id := objrt.MustSend(d, alloc(d, pool), objrt.SelInitWithBytesNoCopyDeallocator, pool,
		bytesPointer(b), len(b), objrt.Deallocator(sink.fire)).(objrt.ID)

	return &Data{
		dispatcher: d,
		id:         id,
		provenance: OwnedMoved,
	}
}

// Copy asks the foreign side to copy b into memory it owns. It panics with
// the dispatch error if the foreign heap cannot hold b; the allocated
// object is freed by the failed init.
func Copy(d objrt.Dispatcher, b []byte, pool *objrt.Pool) *Data {
	id := objrt.MustSend(d, alloc(d, pool), objrt.SelInitWithBytes, pool,
		bytesPointer(b), len(b)).(objrt.ID)

	return &Data{
		dispatcher: d,
		id:         id,
		provenance: Copied,
	}
}

// ID returns the foreign object reference.
func (d *Data) ID() objrt.ID {
	return d.id
}

// Provenance returns how the handle's memory is owned.
func (d *Data) Provenance() Provenance {
	return d.provenance
}

func (d *Data) check() {
	if d.provenance == Borrowed {
		d.guard.Check()
	}
}

// Len asks the foreign side for the number of bytes.
func (d *Data) Len(pool *objrt.Pool) int {
	d.check()
	return objrt.MustSend(d.dispatcher, d.id, objrt.SelLength, pool).(int)
}

// Bytes returns a read-only view of the foreign bytes. The view is not
// cached and is only valid until pool drains.
func (d *Data) Bytes(pool *objrt.Pool) []byte {
	d.check()
	n := d.Len(pool)
	ptr := objrt.MustSend(d.dispatcher, d.id, objrt.SelBytes, pool).(unsafe.Pointer)
	if n == 0 || ptr == nil {
		return nil
	}
	return unsafe.Slice((*byte)(ptr), n)
}

// WriteToFile has the foreign side write the bytes to path. With
// atomically set the file is replaced in one step. It reports only
// success or failure.
func (d *Data) WriteToFile(path string, atomically bool, pool *objrt.Pool) bool {
	d.check()
	ok, _ := objrt.MustSend(d.dispatcher, d.id, objrt.SelWriteToFile, pool, path, atomically).(bool)
	return ok
}

// EndBorrow ends a Borrowed handle's lifetime early. Later accesses panic
// with objrt.ErrLifetimeEnded. It is a no-op for other provenances.
func (d *Data) EndBorrow() {
	d.guard.End()
}

// Release gives up the handle's reference to the foreign object. For a
// moved buffer this is what lets the foreign side fire the release sink.
// Calling Release more than once has no further effect.
func (d *Data) Release(owner objrt.Ownership) {
	if d.released.Swap(true) {
		return
	}
	owner.Release(d.id)
	if d.provenance == Borrowed {
		d.guard.End()
	}
}

// releaseSink turns a Deallocator call back into the caller's slice and
// refuses to run twice.
type releaseSink struct {
	fired   atomic.Bool
	release func([]byte)
}

func newReleaseSink(release func([]byte)) *releaseSink {
	return &releaseSink{release: release}
}

func (s *releaseSink) fire(ptr unsafe.Pointer, length int) {
	if s.fired.Swap(true) {
		panic(ErrReleasedTwice)
	}
	release := s.release
	s.release = nil
	if release != nil {
		release(unsafe.Slice((*byte)(ptr), length))
	}
}
