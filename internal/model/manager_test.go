package model

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"exsa/internal/llama"
	"exsa/internal/llama/llamafake"
)

func writeFakeGGUF(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, append([]byte("GGUF"), 0, 0, 0, 0), 0o644))
	return path
}

func fakeLoader(*testing.T) LoadFunc {
	return func(path string, params llama.ModelParams) (llama.Model, error) {
		return llamafake.NewModel(true), nil
	}
}

func newTestManager(t *testing.T, capacity int) *Manager {
	return New(Config{Capacity: capacity, ContextSize: 4096, BatchSize: 512, NumSeqMax: 1, Threads: 4, KVCacheType: "F16"}, fakeLoader(t))
}

func TestLoadInsertsAndActivatesFirstEntry(t *testing.T) {
	m := newTestManager(t, 3)
	path := writeFakeGGUF(t, "a.gguf")

	h, err := m.Load("a", path, 0)
	require.NoError(t, err)
	require.Equal(t, "a", h.Name())

	active, ok := m.ActiveHandle()
	require.True(t, ok)
	require.Equal(t, "a", active.Name())
}

func TestLoadIsNoOpForSameGPULayers(t *testing.T) {
	m := newTestManager(t, 3)
	path := writeFakeGGUF(t, "a.gguf")

	h1, err := m.Load("a", path, 10)
	require.NoError(t, err)
	h2, err := m.Load("a", path, 10)
	require.NoError(t, err)
	require.Same(t, h1, h2)
}

func TestLoadReloadsOnDifferentGPULayers(t *testing.T) {
	m := newTestManager(t, 3)
	path := writeFakeGGUF(t, "a.gguf")

	h1, err := m.Load("a", path, 10)
	require.NoError(t, err)
	h2, err := m.Load("a", path, 20)
	require.NoError(t, err)
	require.NotSame(t, h1, h2)
	require.Equal(t, 20, h2.GPULayers())
}

func TestLoadEvictsLRUNonActiveWhenFull(t *testing.T) {
	m := newTestManager(t, 2)
	pathA := writeFakeGGUF(t, "a.gguf")
	pathB := writeFakeGGUF(t, "b.gguf")
	pathC := writeFakeGGUF(t, "c.gguf")

	_, err := m.Load("a", pathA, 0)
	require.NoError(t, err)
	_, err = m.Load("b", pathB, 0)
	require.NoError(t, err)
	require.NoError(t, m.Switch("b", func() bool { return true }))

	_, err = m.Load("c", pathC, 0)
	require.NoError(t, err)

	loaded := m.Loaded()
	require.Contains(t, loaded, "b")
	require.Contains(t, loaded, "c")
	require.NotContains(t, loaded, "a")
}

func TestSwitchIsIdempotentForActiveModel(t *testing.T) {
	m := newTestManager(t, 2)
	path := writeFakeGGUF(t, "a.gguf")
	_, err := m.Load("a", path, 0)
	require.NoError(t, err)

	require.NoError(t, m.Switch("a", func() bool { return false }))
}

func TestSwitchRejectedWhileQueueNonEmpty(t *testing.T) {
	m := newTestManager(t, 2)
	pathA := writeFakeGGUF(t, "a.gguf")
	pathB := writeFakeGGUF(t, "b.gguf")
	_, err := m.Load("a", pathA, 0)
	require.NoError(t, err)
	_, err = m.Load("b", pathB, 0)
	require.NoError(t, err)

	err = m.Switch("b", func() bool { return false })
	require.Error(t, err)

	active, _ := m.ActiveHandle()
	require.Equal(t, "a", active.Name())
}

func TestSwitchRejectsUnknownModel(t *testing.T) {
	m := newTestManager(t, 2)
	err := m.Switch("missing", func() bool { return true })
	require.Error(t, err)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	m := newTestManager(t, 2)
	_, err := m.Load("a", filepath.Join(t.TempDir(), "missing.gguf"), 0)
	require.Error(t, err)
}
