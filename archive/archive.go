package archive

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/magsim/magsim/codec"
	"github.com/magsim/magsim/resource"
)

// Blob name suffixes for the two halves of an archived matrix.
const (
	payloadSuffix  = ".bin"
	manifestSuffix = ".json"
)

// RowSource provides rows of a materialized matrix for archiving.
type RowSource interface {
	Dims() (rows, cols int)
	Row(dst []float64, i int) []float64
}

// RowSink receives decoded rows when restoring an archive.
type RowSink interface {
	Dims() (rows, cols int)
	SetRow(i int, row []float64)
}

// Aborter is an optional interface for WritableBlobs that can discard a
// partially written blob instead of publishing it.
type Aborter interface {
	Abort() error
}

// WriteOptions configures Write.
type WriteOptions struct {
	// Compression selects the payload compression. The zero value stores
	// blocks uncompressed.
	Compression Compression

	// Dtype is the element encoding, DtypeFloat64 or DtypeFloat32.
	// Default DtypeFloat64.
	Dtype string

	// BlockSize overrides the compression block size.
	BlockSize int

	// ManifestCodec encodes the manifest. Default codec.Default.
	ManifestCodec codec.Codec

	// Fingerprint ties the archive to a simulation geometry.
	Fingerprint string

	// Controller rate limits payload writes. Nil means unlimited.
	Controller *resource.Controller
}

// ReadOptions configures Read and ReadInto.
type ReadOptions struct {
	// ExpectFingerprint, when non-empty, must match the manifest's
	// fingerprint.
	ExpectFingerprint string

	// Controller rate limits payload reads. Nil means unlimited.
	Controller *resource.Controller
}

// Write archives src into st under name. It produces two blobs,
// "<name>.bin" with the compressed row-major payload and "<name>.json" with
// the manifest, and returns the manifest.
//
// A failed write never publishes a partial payload: stores either stage
// writes until Close or the blob is aborted and deleted.
func Write(ctx context.Context, st Store, name string, src RowSource, opts WriteOptions) (*Manifest, error) {
	rows, cols := src.Dims()
	if rows <= 0 || cols <= 0 {
		return nil, fmt.Errorf("cannot archive empty matrix %dx%d", rows, cols)
	}
	dtype := opts.Dtype
	if dtype == "" {
		dtype = DtypeFloat64
	}
	elemSize, err := dtypeSize(dtype)
	if err != nil {
		return nil, err
	}
	compression := opts.Compression
	mc := opts.ManifestCodec
	if mc == nil {
		mc = codec.Default
	}

	blob, err := st.Create(ctx, name+payloadSuffix)
	if err != nil {
		return nil, err
	}

	hasher := sha256.New()
	bw := newBlockWriter(resource.NewRateLimitedWriter(ctx, blob, opts.Controller), compression, opts.BlockSize)

	rowBuf := make([]float64, cols)
	byteBuf := make([]byte, cols*elemSize)
	for i := 0; i < rows; i++ {
		if err := ctx.Err(); err != nil {
			discard(ctx, st, blob, name+payloadSuffix)
			return nil, err
		}
		src.Row(rowBuf, i)
		encodeRow(byteBuf, rowBuf, elemSize)
		hasher.Write(byteBuf)
		if _, err := bw.Write(byteBuf); err != nil {
			discard(ctx, st, blob, name+payloadSuffix)
			return nil, err
		}
	}
	if err := bw.Flush(); err != nil {
		discard(ctx, st, blob, name+payloadSuffix)
		return nil, err
	}
	if err := blob.Close(); err != nil {
		_ = st.Delete(ctx, name+payloadSuffix)
		return nil, err
	}

	man := &Manifest{
		FormatVersion: manifestFormatVersion,
		Rows:          rows,
		Cols:          cols,
		Dtype:         dtype,
		Compression:   compression.String(),
		Codec:         mc.Name(),
		Digest:        "sha256:" + hex.EncodeToString(hasher.Sum(nil)),
		PayloadBytes:  bw.BytesWritten(),
		RowMajor:      true,
		Fingerprint:   opts.Fingerprint,
		CreatedAt:     time.Now().UTC(),
	}

	encoded, err := mc.Marshal(man)
	if err != nil {
		_ = st.Delete(ctx, name+payloadSuffix)
		return nil, err
	}
	if err := st.Put(ctx, name+manifestSuffix, encoded); err != nil {
		_ = st.Delete(ctx, name+payloadSuffix)
		return nil, err
	}
	return man, nil
}

// ReadManifest reads and validates the manifest for name.
func ReadManifest(ctx context.Context, st Store, name string) (*Manifest, error) {
	blob, err := st.Open(ctx, name+manifestSuffix)
	if err != nil {
		return nil, err
	}
	data, err := readAll(ctx, blob)
	cerr := blob.Close()
	if err != nil {
		return nil, err
	}
	if cerr != nil {
		return nil, cerr
	}

	// Manifests are JSON regardless of which codec implementation wrote
	// them, so the portable codec can always decode one.
	var man Manifest
	if err := (codec.JSON{}).Unmarshal(data, &man); err != nil {
		return nil, fmt.Errorf("decode manifest %q: %w", name, err)
	}
	if err := man.Validate(); err != nil {
		return nil, fmt.Errorf("manifest %q: %w", name, err)
	}
	return &man, nil
}

// Read restores the archived matrix name into dst. The destination shape
// must match the manifest. The payload digest is verified before any row is
// written to dst.
func Read(ctx context.Context, st Store, name string, dst RowSink, opts ReadOptions) (*Manifest, error) {
	man, err := ReadManifest(ctx, st, name)
	if err != nil {
		return nil, err
	}
	if opts.ExpectFingerprint != "" && man.Fingerprint != opts.ExpectFingerprint {
		return nil, fmt.Errorf("archive %q belongs to a different simulation (fingerprint %q)", name, man.Fingerprint)
	}
	rows, cols := dst.Dims()
	if rows != man.Rows || cols != man.Cols {
		return nil, fmt.Errorf("archive %q is %dx%d, destination is %dx%d", name, man.Rows, man.Cols, rows, cols)
	}
	if err := ReadInto(ctx, st, name, man, dst, opts); err != nil {
		return nil, err
	}
	return man, nil
}

// ReadInto decodes the payload for an already validated manifest into dst.
func ReadInto(ctx context.Context, st Store, name string, man *Manifest, dst RowSink, opts ReadOptions) error {
	compression, ok := CompressionByName(man.Compression)
	if !ok {
		return fmt.Errorf("unknown compression %q", man.Compression)
	}
	elemSize, err := dtypeSize(man.Dtype)
	if err != nil {
		return err
	}

	blob, err := st.Open(ctx, name+payloadSuffix)
	if err != nil {
		return err
	}
	defer func() { _ = blob.Close() }()

	rc, err := blob.ReadRange(ctx, 0, blob.Size())
	if err != nil {
		return err
	}
	encoded := make([]byte, blob.Size())
	_, err = io.ReadFull(resource.NewRateLimitedReader(ctx, rc, opts.Controller), encoded)
	cerr := rc.Close()
	if err != nil {
		return err
	}
	if cerr != nil {
		return cerr
	}

	raw := make([]byte, int64(man.Rows)*int64(man.Cols)*int64(elemSize))
	if err := decodeBlocks(encoded, compression, raw); err != nil {
		return fmt.Errorf("decode payload %q: %w", name, err)
	}

	sum := sha256.Sum256(raw)
	if got := "sha256:" + hex.EncodeToString(sum[:]); got != man.Digest {
		return fmt.Errorf("archive %q digest mismatch: payload %s, manifest %s", name, got, man.Digest)
	}

	rowBytes := man.Cols * elemSize
	rowBuf := make([]float64, man.Cols)
	for i := 0; i < man.Rows; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		decodeRow(rowBuf, raw[i*rowBytes:(i+1)*rowBytes], elemSize)
		dst.SetRow(i, rowBuf)
	}
	return nil
}

// Delete removes both blobs of an archived matrix.
func Delete(ctx context.Context, st Store, name string) error {
	if err := st.Delete(ctx, name+payloadSuffix); err != nil {
		return err
	}
	return st.Delete(ctx, name+manifestSuffix)
}

func encodeRow(dst []byte, row []float64, elemSize int) {
	if elemSize == 4 {
		for j, v := range row {
			binary.LittleEndian.PutUint32(dst[j*4:], math.Float32bits(float32(v)))
		}
		return
	}
	for j, v := range row {
		binary.LittleEndian.PutUint64(dst[j*8:], math.Float64bits(v))
	}
}

func decodeRow(dst []float64, src []byte, elemSize int) {
	if elemSize == 4 {
		for j := range dst {
			dst[j] = float64(math.Float32frombits(binary.LittleEndian.Uint32(src[j*4:])))
		}
		return
	}
	for j := range dst {
		dst[j] = math.Float64frombits(binary.LittleEndian.Uint64(src[j*8:]))
	}
}

func discard(ctx context.Context, st Store, blob WritableBlob, name string) {
	if a, ok := blob.(Aborter); ok {
		_ = a.Abort()
		return
	}
	_ = blob.Close()
	_ = st.Delete(ctx, name)
}
