package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"unsafe"

	"github.com/okra-platform/foreign/internal/objrt"
)

// writeToFile answers writeToFile:atomically:. Failures are logged and
// reported to the caller only as false.
func (r *Runtime) writeToFile(receiver objrt.ID, pool *objrt.Pool, args []any) (any, error) {
	sel := objrt.SelWriteToFile
	if len(args) != 2 {
		return nil, invalidArgs(receiver, sel, args)
	}
	path, okPath := args[0].(string)
	atomically, okAtomic := args[1].(bool)
	if !okPath || !okAtomic {
		return nil, invalidArgs(receiver, sel, args)
	}

	r.mu.Lock()
	e, ok := r.objects[receiver]
	if !ok {
		r.mu.Unlock()
		return nil, dispatchError(objrt.ErrorCodeUnknownReceiver, receiver, sel, "no live object %d", receiver)
	}
	data, ok := e.obj.(*dataObject)
	if !ok {
		r.mu.Unlock()
		return nil, unrecognized(receiver, sel, e.obj)
	}
	// Snapshot so the file write happens without the table lock.
	contents := make([]byte, data.length)
	if data.length > 0 {
		copy(contents, unsafe.Slice((*byte)(r.dataPointerLocked(data)), data.length))
	}
	r.mu.Unlock()

	if r.persistRoot != "" && !filepath.IsAbs(path) {
		path = filepath.Join(r.persistRoot, path)
	}

	var err error
	if atomically {
		err = writeFileAtomic(path, contents)
	} else {
		err = os.WriteFile(path, contents, 0644)
	}
	if err != nil {
		r.logger.Debug().
			Err(err).
			Str("path", path).
			Bool("atomically", atomically).
			Msg("writeToFile failed")
		return false, nil
	}

	r.logger.Debug().
		Str("path", path).
		Int("bytes", len(contents)).
		Bool("atomically", atomically).
		Str("pool", pool.ID().String()).
		Msg("data written")
	return true, nil
}

// writeFileAtomic writes to a temporary file in the target directory and
// renames it over path.
func writeFileAtomic(path string, contents []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(contents); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		cleanup()
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
