// Package sandbox is an in-process foreign object runtime. It keeps a
// reference-counted object table, answers the selectors the bridge sends,
// stores copied data in a wazero linear memory, and runs release callbacks
// for moved data on its own finalizer goroutine.
package sandbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/okra-platform/foreign/internal/objrt"
)

// Default sizing
const (
	DefaultInitialPages   = 1
	DefaultMaxPages       = 256
	DefaultFinalizerQueue = 1024
)

// Config configures a Runtime.
type Config struct {
	// InitialPages and MaxPages size the linear memory in 64KiB pages.
	InitialPages uint32
	MaxPages     uint32

	// FinalizerQueue bounds how many release callbacks may be pending.
	FinalizerQueue int

	// PersistRoot, when set, is prepended to relative writeToFile: paths.
	PersistRoot string

	Logger zerolog.Logger
}

// Runtime is the sandbox object runtime. It implements objrt.Dispatcher
// and objrt.Ownership and is safe for concurrent use.
type Runtime struct {
	mu      sync.Mutex
	objects map[objrt.ID]*entry
	classes map[string]objrt.ID
	nextID  objrt.ID
	heap    *heap

	persistRoot string
	logger      zerolog.Logger

	closeMu    sync.RWMutex
	closed     bool
	finalizers chan func()
	done       chan struct{}
}

var (
	_ objrt.Dispatcher = (*Runtime)(nil)
	_ objrt.Ownership  = (*Runtime)(nil)
)

// New starts a sandbox runtime.
func New(ctx context.Context, config Config) (*Runtime, error) {
	if config.InitialPages == 0 {
		config.InitialPages = DefaultInitialPages
	}
	if config.MaxPages == 0 {
		config.MaxPages = DefaultMaxPages
	}
	if config.FinalizerQueue <= 0 {
		config.FinalizerQueue = DefaultFinalizerQueue
	}

	h, err := newHeap(ctx, config.InitialPages, config.MaxPages)
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox heap: %w", err)
	}

	r := &Runtime{
		objects:     make(map[objrt.ID]*entry),
		classes:     make(map[string]objrt.ID),
		heap:        h,
		persistRoot: config.PersistRoot,
		logger:      config.Logger,
		finalizers:  make(chan func(), config.FinalizerQueue),
		done:        make(chan struct{}),
	}

	for _, name := range []string{
		objrt.ClassData,
		objrt.ClassArray,
		objrt.ClassMutableArray,
		objrt.ClassDictionary,
		objrt.ClassString,
	} {
		// Class objects are never released.
		r.classes[name] = r.insertLocked(&classObject{name: name})
	}

	go r.runFinalizers()

	r.logger.Debug().
		Uint32("initial_pages", config.InitialPages).
		Uint32("max_pages", config.MaxPages).
		Msg("sandbox runtime started")

	return r, nil
}

// runFinalizers is the foreign execution context for release callbacks.
func (r *Runtime) runFinalizers() {
	defer close(r.done)
	for fn := range r.finalizers {
		r.runFinalizer(fn)
	}
}

func (r *Runtime) runFinalizer(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Interface("panic", rec).Msg("release callback panicked")
		}
	}()
	fn()
}

// schedule hands release callbacks to the finalizer goroutine. After Close
// they run inline.
func (r *Runtime) schedule(fns []func()) {
	for _, fn := range fns {
		r.closeMu.RLock()
		if r.closed {
			r.closeMu.RUnlock()
			r.runFinalizer(fn)
			continue
		}
		r.finalizers <- fn
		r.closeMu.RUnlock()
	}
}

// Close waits for pending release callbacks and frees the heap.
func (r *Runtime) Close(ctx context.Context) error {
	r.closeMu.Lock()
	if r.closed {
		r.closeMu.Unlock()
		return nil
	}
	r.closed = true
	close(r.finalizers)
	r.closeMu.Unlock()

	select {
	case <-r.done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for release callbacks: %w", ctx.Err())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.heap.close(ctx)
}

func (r *Runtime) insertLocked(obj object) objrt.ID {
	r.nextID++
	id := r.nextID
	r.objects[id] = &entry{obj: obj, refs: 1}
	return id
}

func (r *Runtime) insert(obj object) objrt.ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.insertLocked(obj)
}

// Class resolves a class object by name.
func (r *Runtime) Class(name string) objrt.ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.classes[name]
}

// Retain adds a reference to id.
func (r *Runtime) Retain(id objrt.ID) objrt.ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.objects[id]; ok {
		e.refs++
	}
	return id
}

// Release drops a reference to id and frees it when none remain.
func (r *Runtime) Release(id objrt.ID) {
	r.mu.Lock()
	pending := r.releaseLocked(id, nil)
	r.mu.Unlock()
	r.schedule(pending)
}

// Autorelease moves one reference to pool.
func (r *Runtime) Autorelease(id objrt.ID, pool *objrt.Pool) objrt.ID {
	pool.Defer(func() { r.Release(id) })
	return id
}

// releaseLocked returns the release callbacks that became due.
func (r *Runtime) releaseLocked(id objrt.ID, pending []func()) []func() {
	e, ok := r.objects[id]
	if !ok {
		return pending
	}
	if _, isClass := e.obj.(*classObject); isClass {
		return pending
	}
	e.refs--
	if e.refs > 0 {
		return pending
	}
	delete(r.objects, id)

	switch obj := e.obj.(type) {
	case *arrayObject:
		for _, item := range obj.items {
			pending = r.releaseLocked(item, pending)
		}
	case *dictionaryObject:
		for _, key := range obj.keys {
			pending = r.releaseLocked(obj.values[key], pending)
			pending = r.releaseLocked(key, pending)
		}
	case *dataObject:
		switch obj.kind {
		case dataCopied:
			r.heap.release(obj.region)
		case dataMoved:
			dealloc, ptr, length := obj.deallocator, obj.ptr, obj.length
			obj.deallocator = nil
			pending = append(pending, func() { dealloc(ptr, length) })
			r.logger.Debug().Uint64("id", uint64(id)).Int("length", length).Msg("moved data released")
		}
	}

	return pending
}

// Live returns the number of objects that are not class objects.
func (r *Runtime) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.objects) - len(r.classes)
}

// HeapInUse returns the bytes of linear memory held by copied data.
func (r *Runtime) HeapInUse() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int(r.heap.inUse())
}

// NewString creates a string object with one reference owned by the caller.
func (r *Runtime) NewString(value string) objrt.ID {
	return r.insert(&stringObject{value: value})
}

// String returns the value of a string object.
func (r *Runtime) String(id objrt.ID) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.objects[id]
	if !ok {
		return "", false
	}
	s, ok := e.obj.(*stringObject)
	if !ok {
		return "", false
	}
	return s.value, true
}

// NewArray creates an immutable array retaining items.
func (r *Runtime) NewArray(items ...objrt.ID) objrt.ID {
	return r.newArray(false, items)
}

// NewMutableArray creates a mutable array retaining items.
func (r *Runtime) NewMutableArray(items ...objrt.ID) objrt.ID {
	return r.newArray(true, items)
}

func (r *Runtime) newArray(mutable bool, items []objrt.ID) objrt.ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, item := range items {
		if e, ok := r.objects[item]; ok {
			e.refs++
		}
	}
	return r.insertLocked(&arrayObject{
		items:     append([]objrt.ID(nil), items...),
		mutable:   mutable,
		mutations: 1,
	})
}

// NewDictionary creates a dictionary from parallel key and value slices.
func (r *Runtime) NewDictionary(keys, values []objrt.ID) (objrt.ID, error) {
	if len(keys) != len(values) {
		return objrt.Nil, fmt.Errorf("dictionary needs as many keys as values: %d != %d", len(keys), len(values))
	}

	r.mu.Lock()
	var pending []func()
	dict := &dictionaryObject{values: make(map[objrt.ID]objrt.ID, len(keys)), mutations: 1}
	for i, key := range keys {
		pending = append(pending, r.setObjectLocked(dict, key, values[i])...)
	}
	id := r.insertLocked(dict)
	r.mu.Unlock()

	r.schedule(pending)
	return id, nil
}

func (r *Runtime) setObjectLocked(dict *dictionaryObject, key, value objrt.ID) []func() {
	var pending []func()
	if e, ok := r.objects[value]; ok {
		e.refs++
	}
	if old, exists := dict.values[key]; exists {
		pending = r.releaseLocked(old, pending)
	} else {
		if e, ok := r.objects[key]; ok {
			e.refs++
		}
		dict.keys = append(dict.keys, key)
		dict.mutations++
	}
	dict.values[key] = value
	return pending
}
