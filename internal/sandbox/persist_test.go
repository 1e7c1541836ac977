package sandbox

import (
	"os"
	"path/filepath"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okra-platform/foreign/internal/objrt"
)

func newCopiedData(t *testing.T, rt *Runtime, b []byte, pool *objrt.Pool) objrt.ID {
	t.Helper()
	alloc := objrt.MustSend(rt, rt.Class(objrt.ClassData), objrt.SelAlloc, pool).(objrt.ID)
	return objrt.MustSend(rt, alloc, objrt.SelInitWithBytes, pool,
		unsafe.Pointer(unsafe.SliceData(b)), len(b)).(objrt.ID)
}

func TestWriteToFile_PersistRoot(t *testing.T) {
	root := t.TempDir()
	rt := newTestRuntime(t, Config{PersistRoot: root})

	objrt.WithinScope(func(pool *objrt.Pool) {
		data := newCopiedData(t, rt, []byte("persisted"), pool)
		defer rt.Release(data)

		ok := objrt.MustSend(rt, data, objrt.SelWriteToFile, pool, "relative.bin", true)
		assert.Equal(t, true, ok)

		abs := filepath.Join(t.TempDir(), "absolute.bin")
		ok = objrt.MustSend(rt, data, objrt.SelWriteToFile, pool, abs, false)
		assert.Equal(t, true, ok)

		written, err := os.ReadFile(filepath.Join(root, "relative.bin"))
		require.NoError(t, err)
		assert.Equal(t, []byte("persisted"), written)

		written, err = os.ReadFile(abs)
		require.NoError(t, err)
		assert.Equal(t, []byte("persisted"), written)
	})
}

func TestWriteToFile_EmptyData(t *testing.T) {
	rt := newTestRuntime(t, Config{})
	path := filepath.Join(t.TempDir(), "empty.bin")

	objrt.WithinScope(func(pool *objrt.Pool) {
		data := newCopiedData(t, rt, []byte{}, pool)
		defer rt.Release(data)

		assert.Equal(t, true, objrt.MustSend(rt, data, objrt.SelWriteToFile, pool, path, true))
	})

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.Size())
}

func TestWriteToFile_OnlyData(t *testing.T) {
	rt := newTestRuntime(t, Config{})
	s := rt.NewString("not data")
	defer rt.Release(s)

	objrt.WithinScope(func(pool *objrt.Pool) {
		_, err := rt.Send(s, objrt.SelWriteToFile, pool, filepath.Join(t.TempDir(), "x"), true)
		var dispatchErr *objrt.DispatchError
		require.ErrorAs(t, err, &dispatchErr)
		assert.Equal(t, objrt.ErrorCodeUnrecognizedSelector, dispatchErr.Code)

		_, err = rt.Send(objrt.ID(31337), objrt.SelWriteToFile, pool, "x", true)
		require.ErrorAs(t, err, &dispatchErr)
		assert.Equal(t, objrt.ErrorCodeUnknownReceiver, dispatchErr.Code)
	})
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "target.bin")

	require.NoError(t, os.WriteFile(path, []byte("old contents"), 0644))
	require.NoError(t, writeFileAtomic(path, []byte("new")))

	written, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), written)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	assert.Error(t, writeFileAtomic(filepath.Join(dir, "missing", "target.bin"), []byte("x")))
}
