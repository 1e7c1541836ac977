// Package objrt describes the foreign object runtime as the bridge sees it:
// opaque object references, a synchronous message send, and the scope token
// (Pool) that bounds how long temporary references stay valid.
package objrt

import "unsafe"

// ID is an opaque reference to a foreign object. The zero value is nil.
type ID uint64

// Nil is the nil object reference.
const Nil ID = 0

// Selector names a foreign method.
type Selector string

// Dispatcher is the synchronous "send message, get result" primitive.
// Every call blocks until the foreign side returns.
type Dispatcher interface {
	// Class resolves a foreign class object by name, or Nil if unknown.
	Class(name string) ID

	// Send invokes sel on receiver. Temporary references in the result are
	// valid until pool drains.
	Send(receiver ID, sel Selector, pool *Pool, args ...any) (any, error)
}

// Ownership is the foreign runtime's reference counting.
type Ownership interface {
	Retain(id ID) ID
	Release(id ID)

	// Autorelease hands one reference to pool; it is released when pool drains.
	Autorelease(id ID, pool *Pool) ID
}

// Deallocator releases memory that was moved into the foreign runtime.
// The runtime calls it exactly once with the pointer and length it was given.
type Deallocator func(ptr unsafe.Pointer, length int)
