package filestore

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testID = "0a1b2c3d-aaaa-4bbb-8ccc-123456789abc"

func TestNewCreatesRootIdempotently(t *testing.T) {
	root := filepath.Join(t.TempDir(), "nested", "uploads")

	s, err := New(root)
	require.NoError(t, err)
	assert.DirExists(t, root)

	again, err := New(root)
	require.NoError(t, err)
	assert.Equal(t, s.Root(), again.Root())
}

func TestWriteOpenExistsDelete(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	data := []byte("not really a png, the store does not care")
	p, err := s.Write(testID, "png", data)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.Root(), testID+".png"), p)

	ok, err := s.Exists(testID, "png")
	require.NoError(t, err)
	assert.True(t, ok)

	f, err := s.Open(testID, "png")
	require.NoError(t, err)
	got, err := io.ReadAll(f)
	require.NoError(t, f.Close())
	require.NoError(t, err)
	assert.Equal(t, data, got)

	entries, err := os.ReadDir(s.Root())
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")

	deleted, err := s.Delete(testID, "png")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = s.Delete(testID, "png")
	require.NoError(t, err)
	assert.False(t, deleted)

	ok, err = s.Exists(testID, "png")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWriteReplacesAtomically(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = s.Write(testID, "jpg", []byte("first"))
	require.NoError(t, err)
	_, err = s.Write(testID, "jpg", []byte("second"))
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(s.Root(), testID+".jpg"))
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))
}

func TestRejectsTraversal(t *testing.T) {
	parent := t.TempDir()
	s, err := New(filepath.Join(parent, "uploads"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(parent, "secret.png"), []byte("secret"), 0o600))

	cases := []struct{ id, ext string }{
		{"../secret", "png"},
		{"..", "png"},
		{"../../etc/passwd", "png"},
		{"abc/def", "png"},
		{"ABC", "png"},
		{testID, "png/../x"},
		{testID, ""},
		{"", "png"},
	}
	for _, tc := range cases {
		_, err := s.Write(tc.id, tc.ext, []byte("x"))
		assert.ErrorIs(t, err, ErrInvalidName, "write %q.%q", tc.id, tc.ext)

		_, err = s.Open(tc.id, tc.ext)
		assert.ErrorIs(t, err, ErrInvalidName, "open %q.%q", tc.id, tc.ext)

		ok, err := s.Exists(tc.id, tc.ext)
		assert.ErrorIs(t, err, ErrInvalidName)
		assert.False(t, ok)

		_, err = s.Delete(tc.id, tc.ext)
		assert.ErrorIs(t, err, ErrInvalidName)
	}

	assert.FileExists(t, filepath.Join(parent, "secret.png"))
}
