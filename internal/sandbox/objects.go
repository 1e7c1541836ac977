package sandbox

import (
	"unsafe"

	"github.com/okra-platform/foreign/internal/objrt"
)

// object is anything stored in the sandbox object table.
type object interface {
	className() string
}

type entry struct {
	obj  object
	refs int
}

type classObject struct {
	name string
}

func (c *classObject) className() string { return c.name }

// uninitialized is the result of alloc before an init selector.
type uninitialized struct {
	class string
}

func (u *uninitialized) className() string { return u.class }

type stringObject struct {
	value string
}

func (s *stringObject) className() string { return objrt.ClassString }

// arrayObject backs NSArray and NSMutableArray. Elements are retained.
type arrayObject struct {
	items     []objrt.ID
	mutable   bool
	mutations uint64
}

func (a *arrayObject) className() string {
	if a.mutable {
		return objrt.ClassMutableArray
	}
	return objrt.ClassArray
}

// dictionaryObject enumerates its keys in insertion order.
type dictionaryObject struct {
	keys      []objrt.ID
	values    map[objrt.ID]objrt.ID
	mutations uint64
}

func (d *dictionaryObject) className() string { return objrt.ClassDictionary }

type dataKind uint8

const (
	dataBorrowed dataKind = iota + 1
	dataMoved
	dataCopied
)

func (k dataKind) String() string {
	switch k {
	case dataBorrowed:
		return "borrowed"
	case dataMoved:
		return "moved"
	case dataCopied:
		return "copied"
	default:
		return "unknown"
	}
}

// dataObject backs NSData. Borrowed and moved data point at host memory;
// copied data lives in the wazero heap.
type dataObject struct {
	kind        dataKind
	ptr         unsafe.Pointer
	length      int
	region      region
	deallocator objrt.Deallocator
}

func (d *dataObject) className() string { return objrt.ClassData }
