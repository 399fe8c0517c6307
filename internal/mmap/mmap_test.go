package mmap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_ReadsFileContents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blob.bin")
	require.NoError(t, os.WriteFile(path, []byte("hello mmap"), 0o644))

	m, err := Open(path)
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, 10, m.Size())
	assert.Equal(t, []byte("hello mmap"), m.Bytes())
	assert.False(t, m.Writable())

	buf := make([]byte, 5)
	n, err := m.ReadAt(buf, 6)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []byte("mmap"), buf[:4])
}

func TestOpen_EmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.bin")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	m, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, 0, m.Size())
	require.NoError(t, m.Close())
}

func TestCreate_WritesReachTheFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.bin")

	m, err := Create(path, 8)
	require.NoError(t, err)
	assert.True(t, m.Writable())

	copy(m.Bytes(), []byte("abcdefgh"))
	require.NoError(t, m.Flush())
	require.NoError(t, m.Close())

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("abcdefgh"), got)
}

func TestCreate_RejectsZeroSize(t *testing.T) {
	_, err := Create(filepath.Join(t.TempDir(), "x.bin"), 0)
	require.ErrorIs(t, err, ErrInvalidSize)
}

func TestMapping_CloseIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.bin")
	m, err := Create(path, 4)
	require.NoError(t, err)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	assert.Nil(t, m.Bytes())
	assert.False(t, m.Writable())

	_, err = m.ReadAt(make([]byte, 1), 0)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, m.Flush(), ErrClosed)
}

func TestMapping_Advise(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.bin")
	m, err := Create(path, 4096)
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.Advise(AccessSequential))
	require.NoError(t, m.Advise(AccessRandom))
}
