package model

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsGGUFFile(t *testing.T) {
	require.True(t, IsGGUFFile("qwen.GGUF"))
	require.True(t, IsGGUFFile("models/qwen.gguf"))
	require.False(t, IsGGUFFile("qwen.bin"))
}

func TestValidateModelPathRejectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.gguf")
	require.NoError(t, os.WriteFile(path, []byte("nope"), 0o644))
	require.Error(t, ValidateModelPath(path))
}

func TestValidateModelPathAcceptsGoodMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "good.gguf")
	require.NoError(t, os.WriteFile(path, append([]byte("GGUF"), 0, 0, 0, 0), 0o644))
	require.NoError(t, ValidateModelPath(path))
}

func TestValidateModelPathRejectsMissingFile(t *testing.T) {
	require.Error(t, ValidateModelPath(filepath.Join(t.TempDir(), "missing.gguf")))
}

func TestExtractModelName(t *testing.T) {
	require.Equal(t, "qwen2.5-7b-instruct-q4_k_m", ExtractModelName("models/qwen2.5-7b-instruct-q4_k_m.gguf"))
}

func TestListGGUFFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.gguf"), []byte("GGUF"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	names, err := ListGGUFFiles(dir)
	require.NoError(t, err)
	require.Equal(t, []string{"a.gguf"}, names)
}
