package sandbox

import (
	"fmt"
	"strings"
	"unsafe"

	"github.com/okra-platform/foreign/internal/enumerate"
	"github.com/okra-platform/foreign/internal/objrt"
)

// Collection selectors answered by the sandbox in addition to the bridge's.
const (
	SelAddObject        objrt.Selector = "addObject:"
	SelRemoveLastObject objrt.Selector = "removeLastObject"
	SelSetObjectForKey  objrt.Selector = "setObject:forKey:"
	SelObjectForKey     objrt.Selector = "objectForKey:"
)

func dispatchError(code string, receiver objrt.ID, sel objrt.Selector, format string, args ...any) error {
	return &objrt.DispatchError{
		Code:     code,
		Selector: sel,
		Receiver: receiver,
		Message:  fmt.Sprintf(format, args...),
	}
}

func unrecognized(receiver objrt.ID, sel objrt.Selector, obj object) error {
	return dispatchError(objrt.ErrorCodeUnrecognizedSelector, receiver, sel,
		"%s does not respond to %s", obj.className(), sel)
}

func invalidArgs(receiver objrt.ID, sel objrt.Selector, args []any) error {
	return dispatchError(objrt.ErrorCodeInvalidArgument, receiver, sel, "unexpected arguments %T", args)
}

// Send dispatches sel to receiver.
func (r *Runtime) Send(receiver objrt.ID, sel objrt.Selector, pool *objrt.Pool, args ...any) (any, error) {
	if !pool.Alive() {
		return nil, dispatchError(objrt.ErrorCodePoolDrained, receiver, sel, "send made with a drained pool")
	}

	// writeToFile: does I/O and must not hold the table lock.
	if sel == objrt.SelWriteToFile {
		return r.writeToFile(receiver, pool, args)
	}

	r.mu.Lock()
	e, ok := r.objects[receiver]
	if !ok {
		r.mu.Unlock()
		return nil, dispatchError(objrt.ErrorCodeUnknownReceiver, receiver, sel, "no live object %d", receiver)
	}

	var (
		result any
		err    error
		after  deferred
	)
	switch obj := e.obj.(type) {
	case *classObject:
		result, err = r.sendClass(receiver, obj, sel, args)
	case *uninitialized:
		result, err = r.sendInit(receiver, obj, sel, args)
		if err != nil {
			// A failed init consumes the reference alloc handed out.
			after.pending = r.releaseLocked(receiver, after.pending)
		}
	case *arrayObject:
		result, err = r.sendArray(receiver, obj, sel, args, &after)
	case *dictionaryObject:
		result, err = r.sendDictionary(receiver, obj, sel, args, &after)
	case *stringObject:
		result, err = r.sendString(receiver, obj, sel, args, &after)
	case *dataObject:
		result, err = r.sendData(receiver, obj, sel, args)
	default:
		err = unrecognized(receiver, sel, obj)
	}
	r.mu.Unlock()

	r.finish(&after, pool)
	return result, err
}

// deferred collects the work a send leaves for after the table lock is
// released.
type deferred struct {
	pending     []func()
	autorelease []objrt.ID
}

// finish runs the work deferred by a send. A drained pool runs Defer
// inline, and Release takes r.mu, so this must be called unlocked.
func (r *Runtime) finish(after *deferred, pool *objrt.Pool) {
	r.schedule(after.pending)
	for _, id := range after.autorelease {
		r.Autorelease(id, pool)
	}
}

func (r *Runtime) sendClass(receiver objrt.ID, obj *classObject, sel objrt.Selector, args []any) (any, error) {
	if sel != objrt.SelAlloc {
		return nil, unrecognized(receiver, sel, obj)
	}
	return r.insertLocked(&uninitialized{class: obj.name}), nil
}

// sendInit turns an uninitialized object into the requested kind in place,
// keeping its ID and reference count. On error the object is left
// uninitialized and Send releases it.
func (r *Runtime) sendInit(receiver objrt.ID, obj *uninitialized, sel objrt.Selector, args []any) (any, error) {
	if obj.class != objrt.ClassData {
		return nil, unrecognized(receiver, sel, obj)
	}

	var data *dataObject
	switch sel {
	case objrt.SelInitWithBytesNoCopy:
		ptr, length, okArgs := pointerArgs(args, 3)
		if !okArgs {
			return nil, invalidArgs(receiver, sel, args)
		}
		freeWhenDone, okFree := args[2].(bool)
		if !okFree {
			return nil, invalidArgs(receiver, sel, args)
		}
		if freeWhenDone {
			return nil, dispatchError(objrt.ErrorCodeInvalidArgument, receiver, sel,
				"freeWhenDone needs a deallocator; use %s", objrt.SelInitWithBytesNoCopyDeallocator)
		}
		data = &dataObject{kind: dataBorrowed, ptr: ptr, length: length}

	case objrt.SelInitWithBytesNoCopyDeallocator:
		ptr, length, okArgs := pointerArgs(args, 3)
		if !okArgs {
			return nil, invalidArgs(receiver, sel, args)
		}
		dealloc, okDealloc := args[2].(objrt.Deallocator)
		if !okDealloc || dealloc == nil {
			return nil, invalidArgs(receiver, sel, args)
		}
		data = &dataObject{kind: dataMoved, ptr: ptr, length: length, deallocator: dealloc}

	case objrt.SelInitWithBytes:
		ptr, length, okArgs := pointerArgs(args, 2)
		if !okArgs {
			return nil, invalidArgs(receiver, sel, args)
		}
		reg, err := r.heap.alloc(length)
		if err != nil {
			return nil, dispatchError(objrt.ErrorCodeInvalidArgument, receiver, sel, "copying %d bytes: %v", length, err)
		}
		if length > 0 && !r.heap.write(reg, unsafe.Slice((*byte)(ptr), length)) {
			r.heap.release(reg)
			return nil, dispatchError(objrt.ErrorCodeInvalidArgument, receiver, sel, "copying %d bytes into heap", length)
		}
		data = &dataObject{kind: dataCopied, length: length, region: reg}

	default:
		return nil, unrecognized(receiver, sel, obj)
	}

	r.objects[receiver].obj = data
	r.logger.Debug().
		Uint64("id", uint64(receiver)).
		Stringer("kind", data.kind).
		Int("length", data.length).
		Msg("data initialized")
	return receiver, nil
}

// pointerArgs reads the leading (unsafe.Pointer, int) pair of an init call.
func pointerArgs(args []any, want int) (unsafe.Pointer, int, bool) {
	if len(args) != want {
		return nil, 0, false
	}
	ptr, okPtr := args[0].(unsafe.Pointer)
	length, okLen := args[1].(int)
	if !okPtr || !okLen || length < 0 || (ptr == nil && length > 0) {
		return nil, 0, false
	}
	return ptr, length, true
}

func (r *Runtime) sendArray(receiver objrt.ID, obj *arrayObject, sel objrt.Selector, args []any, after *deferred) (any, error) {
	switch sel {
	case objrt.SelCount:
		return len(obj.items), nil

	case objrt.SelCountByEnumerating:
		state, objects, ok := enumerationArgs(args)
		if !ok {
			return nil, invalidArgs(receiver, sel, args)
		}
		return r.fillBatch(obj.items, &obj.mutations, !obj.mutable, state, objects), nil

	case objrt.SelDescription:
		parts := make([]string, len(obj.items))
		for i, item := range obj.items {
			parts[i] = r.describeLocked(item)
		}
		id := r.insertLocked(&stringObject{value: "(" + strings.Join(parts, ", ") + ")"})
		after.autorelease = append(after.autorelease, id)
		return id, nil

	case SelAddObject:
		if !obj.mutable {
			return nil, unrecognized(receiver, sel, obj)
		}
		item, ok := singleID(args)
		if !ok {
			return nil, invalidArgs(receiver, sel, args)
		}
		if e, live := r.objects[item]; live {
			e.refs++
		}
		obj.items = append(obj.items, item)
		obj.mutations++
		return nil, nil

	case SelRemoveLastObject:
		if !obj.mutable {
			return nil, unrecognized(receiver, sel, obj)
		}
		if len(obj.items) == 0 {
			return nil, nil
		}
		last := obj.items[len(obj.items)-1]
		obj.items = obj.items[:len(obj.items)-1]
		obj.mutations++
		after.pending = r.releaseLocked(last, after.pending)
		return nil, nil

	default:
		return nil, unrecognized(receiver, sel, obj)
	}
}

func (r *Runtime) sendDictionary(receiver objrt.ID, obj *dictionaryObject, sel objrt.Selector, args []any, after *deferred) (any, error) {
	switch sel {
	case objrt.SelCount:
		return len(obj.keys), nil

	case objrt.SelCountByEnumerating:
		state, objects, ok := enumerationArgs(args)
		if !ok {
			return nil, invalidArgs(receiver, sel, args)
		}
		return r.fillBatch(obj.keys, &obj.mutations, false, state, objects), nil

	case SelObjectForKey:
		key, ok := singleID(args)
		if !ok {
			return nil, invalidArgs(receiver, sel, args)
		}
		return obj.values[key], nil

	case SelSetObjectForKey:
		if len(args) != 2 {
			return nil, invalidArgs(receiver, sel, args)
		}
		value, okValue := args[0].(objrt.ID)
		key, okKey := args[1].(objrt.ID)
		if !okValue || !okKey {
			return nil, invalidArgs(receiver, sel, args)
		}
		after.pending = r.setObjectLocked(obj, key, value)
		return nil, nil

	default:
		return nil, unrecognized(receiver, sel, obj)
	}
}

func (r *Runtime) sendString(receiver objrt.ID, obj *stringObject, sel objrt.Selector, args []any, after *deferred) (any, error) {
	switch sel {
	case objrt.SelLength:
		return len(obj.value), nil
	case objrt.SelDescription:
		e := r.objects[receiver]
		e.refs++
		after.autorelease = append(after.autorelease, receiver)
		return receiver, nil
	default:
		return nil, unrecognized(receiver, sel, obj)
	}
}

func (r *Runtime) sendData(receiver objrt.ID, obj *dataObject, sel objrt.Selector, args []any) (any, error) {
	switch sel {
	case objrt.SelLength:
		return obj.length, nil
	case objrt.SelBytes:
		return r.dataPointerLocked(obj), nil
	default:
		return nil, unrecognized(receiver, sel, obj)
	}
}

func (r *Runtime) dataPointerLocked(obj *dataObject) unsafe.Pointer {
	if obj.kind != dataCopied {
		return obj.ptr
	}
	view := r.heap.view(obj.region, obj.length)
	if view == nil {
		return nil
	}
	return unsafe.Pointer(unsafe.SliceData(view))
}

func (r *Runtime) describeLocked(id objrt.ID) string {
	e, ok := r.objects[id]
	if !ok {
		return "<nil>"
	}
	switch obj := e.obj.(type) {
	case *stringObject:
		return obj.value
	case *dataObject:
		return fmt.Sprintf("<%s data, %d bytes>", obj.kind, obj.length)
	default:
		return fmt.Sprintf("<%s %d>", obj.className(), id)
	}
}

func singleID(args []any) (objrt.ID, bool) {
	if len(args) != 1 {
		return objrt.Nil, false
	}
	id, ok := args[0].(objrt.ID)
	return id, ok
}

func enumerationArgs(args []any) (*enumerate.State, []objrt.ID, bool) {
	if len(args) != 3 {
		return nil, nil, false
	}
	state, okState := args[0].(*enumerate.State)
	objects, okObjects := args[1].([]objrt.ID)
	capacity, okCap := args[2].(int)
	if !okState || state == nil || !okObjects || !okCap || capacity != len(objects) {
		return nil, nil, false
	}
	return state, objects, true
}

// fillBatch implements countByEnumeratingWithState:objects:count: over items.
// state.Token is the offset of the next batch. Immutable collections hand
// out slices of their own storage; the rest copy into objects. Asking again
// after the end always returns 0.
func (r *Runtime) fillBatch(items []objrt.ID, mutations *uint64, alias bool, state *enumerate.State, objects []objrt.ID) int {
	state.Mutations = mutations

	offset := state.Token
	if offset >= uint64(len(items)) || len(objects) == 0 {
		state.Items = objects[:0]
		return 0
	}

	n := min(len(objects), len(items)-int(offset))
	batch := items[offset : int(offset)+n]
	if alias {
		state.Items = batch
	} else {
		copy(objects, batch)
		state.Items = objects[:n]
	}
	state.Token = offset + uint64(n)
	return n
}
