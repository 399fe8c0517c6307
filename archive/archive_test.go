package archive

import (
	"bytes"
	"context"
	"math/rand"
	"testing"

	"github.com/magsim/magsim/linop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMatrix(t *testing.T, rows, cols int, seed int64) *linop.Dense {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	m := linop.NewDense(rows, cols)
	row := make([]float64, cols)
	for i := 0; i < rows; i++ {
		for j := range row {
			row[j] = rng.NormFloat64() * 1e-9
		}
		m.SetRow(i, row)
	}
	return m
}

func matricesEqual(t *testing.T, want, got linop.Materialized) {
	t.Helper()
	wr, wc := want.Dims()
	gr, gc := got.Dims()
	require.Equal(t, wr, gr)
	require.Equal(t, wc, gc)
	for i := 0; i < wr; i++ {
		for j := 0; j < wc; j++ {
			assert.Equal(t, want.At(i, j), got.At(i, j), "entry (%d,%d)", i, j)
		}
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	ctx := context.Background()

	for _, compression := range []Compression{CompressionNone, CompressionLZ4, CompressionZSTD} {
		t.Run(compression.String(), func(t *testing.T) {
			st := NewMemoryStore()
			src := newTestMatrix(t, 17, 31, 1)

			man, err := Write(ctx, st, "g", src, WriteOptions{
				Compression: compression,
				Fingerprint: "fp-123",
			})
			require.NoError(t, err)
			assert.Equal(t, 17, man.Rows)
			assert.Equal(t, 31, man.Cols)
			assert.Equal(t, DtypeFloat64, man.Dtype)
			assert.Equal(t, compression.String(), man.Compression)
			assert.Contains(t, man.Digest, "sha256:")
			assert.True(t, man.RowMajor)

			names, err := st.List(ctx, "")
			require.NoError(t, err)
			assert.Equal(t, []string{"g.bin", "g.json"}, names)

			dst := linop.NewDense(17, 31)
			got, err := Read(ctx, st, "g", dst, ReadOptions{ExpectFingerprint: "fp-123"})
			require.NoError(t, err)
			assert.Equal(t, man.Digest, got.Digest)
			matricesEqual(t, src, dst)
		})
	}
}

func TestWriteReadFloat32(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	src := newTestMatrix(t, 5, 9, 2)

	man, err := Write(ctx, st, "g32", src, WriteOptions{Dtype: DtypeFloat32})
	require.NoError(t, err)
	assert.Equal(t, DtypeFloat32, man.Dtype)

	dst := linop.NewDense(5, 9)
	_, err = Read(ctx, st, "g32", dst, ReadOptions{})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		for j := 0; j < 9; j++ {
			assert.Equal(t, float64(float32(src.At(i, j))), dst.At(i, j))
		}
	}
}

func TestReadRejectsShapeMismatch(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	src := newTestMatrix(t, 4, 6, 3)

	_, err := Write(ctx, st, "g", src, WriteOptions{})
	require.NoError(t, err)

	_, err = Read(ctx, st, "g", linop.NewDense(6, 4), ReadOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "destination")
}

func TestReadRejectsFingerprintMismatch(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	src := newTestMatrix(t, 4, 6, 4)

	_, err := Write(ctx, st, "g", src, WriteOptions{Fingerprint: "fp-a"})
	require.NoError(t, err)

	_, err = Read(ctx, st, "g", linop.NewDense(4, 6), ReadOptions{ExpectFingerprint: "fp-b"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fingerprint")
}

func TestReadDetectsCorruption(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	src := newTestMatrix(t, 4, 6, 5)

	_, err := Write(ctx, st, "g", src, WriteOptions{})
	require.NoError(t, err)

	// Flip one payload byte past the block header.
	blob, err := st.Open(ctx, "g.bin")
	require.NoError(t, err)
	data, err := readAll(ctx, blob)
	require.NoError(t, err)
	require.NoError(t, blob.Close())
	data[blockHeaderSize+3] ^= 0x40
	require.NoError(t, st.Put(ctx, "g.bin", data))

	_, err = Read(ctx, st, "g", linop.NewDense(4, 6), ReadOptions{})
	require.Error(t, err)
}

func TestReadMissingArchive(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()

	_, err := ReadManifest(ctx, st, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteRemovesBothBlobs(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	src := newTestMatrix(t, 3, 3, 6)

	_, err := Write(ctx, st, "g", src, WriteOptions{})
	require.NoError(t, err)
	require.NoError(t, Delete(ctx, st, "g"))

	names, err := st.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestLocalStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := NewLocalStore(t.TempDir())
	src := newTestMatrix(t, 11, 23, 7)

	man, err := Write(ctx, st, "run/g", src, WriteOptions{Compression: CompressionZSTD})
	require.NoError(t, err)
	assert.Greater(t, man.PayloadBytes, int64(0))

	dst := linop.NewDense(11, 23)
	_, err = Read(ctx, st, "run/g", dst, ReadOptions{})
	require.NoError(t, err)
	matricesEqual(t, src, dst)

	names, err := st.List(ctx, "run/")
	require.NoError(t, err)
	assert.Equal(t, []string{"run/g.bin", "run/g.json"}, names)
}

func TestLocalStoreBlob(t *testing.T) {
	ctx := context.Background()
	st := NewLocalStore(t.TempDir())

	payload := []byte("0123456789abcdef")
	require.NoError(t, st.Put(ctx, "b", payload))

	blob, err := st.Open(ctx, "b")
	require.NoError(t, err)
	defer blob.Close()

	assert.Equal(t, int64(len(payload)), blob.Size())

	buf := make([]byte, 4)
	n, err := blob.ReadAt(ctx, buf, 10)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []byte("abcd"), buf)

	rc, err := blob.ReadRange(ctx, 2, 5)
	require.NoError(t, err)
	got := make([]byte, 5)
	_, err = rc.Read(got)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, []byte("23456"), got)

	m, ok := blob.(Mappable)
	require.True(t, ok)
	raw, err := m.Bytes()
	require.NoError(t, err)
	assert.Equal(t, payload, raw)

	_, err = st.Open(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalStoreAbortLeavesNothing(t *testing.T) {
	ctx := context.Background()
	st := NewLocalStore(t.TempDir())

	w, err := st.Create(ctx, "partial")
	require.NoError(t, err)
	_, err = w.Write([]byte("half written"))
	require.NoError(t, err)

	a, ok := w.(Aborter)
	require.True(t, ok)
	require.NoError(t, a.Abort())

	names, err := st.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestMemoryStoreBasics(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()

	require.NoError(t, st.Put(ctx, "x/a", []byte("aa")))
	require.NoError(t, st.Put(ctx, "x/b", []byte("bb")))
	require.NoError(t, st.Put(ctx, "y/c", []byte("cc")))

	names, err := st.List(ctx, "x/")
	require.NoError(t, err)
	assert.Equal(t, []string{"x/a", "x/b"}, names)

	require.NoError(t, st.Delete(ctx, "x/a"))
	_, err = st.Open(ctx, "x/a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBlockRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(8))

	compressible := bytes.Repeat([]byte("sensitivity"), 40000)
	incompressible := make([]byte, 300000)
	rng.Read(incompressible)

	for _, compression := range []Compression{CompressionNone, CompressionLZ4, CompressionZSTD} {
		for name, payload := range map[string][]byte{
			"compressible":   compressible,
			"incompressible": incompressible,
		} {
			t.Run(compression.String()+"/"+name, func(t *testing.T) {
				var buf bytes.Buffer
				bw := newBlockWriter(&buf, compression, 64*1024)
				_, err := bw.Write(payload)
				require.NoError(t, err)
				require.NoError(t, bw.Flush())
				assert.Equal(t, int64(buf.Len()), bw.BytesWritten())

				out := make([]byte, len(payload))
				require.NoError(t, decodeBlocks(buf.Bytes(), compression, out))
				assert.Equal(t, payload, out)
			})
		}
	}
}

func TestCompressionShrinksRepetitiveData(t *testing.T) {
	payload := bytes.Repeat([]byte{0}, 1<<20)

	var buf bytes.Buffer
	bw := newBlockWriter(&buf, CompressionZSTD, 0)
	_, err := bw.Write(payload)
	require.NoError(t, err)
	require.NoError(t, bw.Flush())

	assert.Less(t, buf.Len(), len(payload)/10)
}

func TestCompressionNames(t *testing.T) {
	for _, compression := range []Compression{CompressionNone, CompressionLZ4, CompressionZSTD} {
		back, ok := CompressionByName(compression.String())
		require.True(t, ok)
		assert.Equal(t, compression, back)
	}
	_, ok := CompressionByName("gzip")
	assert.False(t, ok)
}

func TestManifestValidate(t *testing.T) {
	good := Manifest{
		FormatVersion: manifestFormatVersion,
		Rows:          2,
		Cols:          3,
		Dtype:         DtypeFloat64,
		Compression:   "zstd",
		Codec:         "go-json",
		Digest:        "sha256:00",
		RowMajor:      true,
	}
	require.NoError(t, good.Validate())

	cases := map[string]func(m *Manifest){
		"version":     func(m *Manifest) { m.FormatVersion = 99 },
		"shape":       func(m *Manifest) { m.Rows = 0 },
		"dtype":       func(m *Manifest) { m.Dtype = "float16" },
		"compression": func(m *Manifest) { m.Compression = "brotli" },
		"codec":       func(m *Manifest) { m.Codec = "msgpack" },
		"digest":      func(m *Manifest) { m.Digest = "" },
		"layout":      func(m *Manifest) { m.RowMajor = false },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			m := good
			mutate(&m)
			assert.Error(t, m.Validate())
		})
	}
}
