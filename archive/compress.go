package archive

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression defines the payload compression algorithm.
type Compression uint8

const (
	// CompressionNone stores blocks uncompressed.
	CompressionNone Compression = 0
	// CompressionLZ4 uses LZ4 block compression (fast, moderate ratio).
	CompressionLZ4 Compression = 1
	// CompressionZSTD uses ZSTD block compression (better ratio).
	CompressionZSTD Compression = 2
)

// String returns the stable name recorded in manifests.
func (c Compression) String() string {
	switch c {
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	default:
		return "raw"
	}
}

// CompressionByName returns a compression algorithm by its manifest name.
func CompressionByName(name string) (Compression, bool) {
	switch name {
	case "raw":
		return CompressionNone, true
	case "lz4":
		return CompressionLZ4, true
	case "zstd":
		return CompressionZSTD, true
	default:
		return 0, false
	}
}

// ZSTD encoder/decoder pools for efficiency
var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func putZstdEncoder(enc *zstd.Encoder) {
	zstdEncoderPool.Put(enc)
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

func putZstdDecoder(dec *zstd.Decoder) {
	zstdDecoderPool.Put(dec)
}

// Block format: [UncompressedSize uint32][CompressedSize uint32][Data...]
// CompressedSize == 0 means the block is stored uncompressed. Both sizes are
// little-endian. A payload is a sequence of such blocks with no trailer.
const blockHeaderSize = 8

// compressBlock compresses one block. Incompressible blocks (ratio > 0.9)
// are stored raw so the reader never pays for a useless decode.
func compressBlock(data []byte, c Compression) ([]byte, error) {
	var compressed []byte
	var err error

	switch c {
	case CompressionLZ4:
		compressed, err = compressBlockLZ4(data)
	case CompressionZSTD:
		compressed, err = compressBlockZSTD(data)
	case CompressionNone:
	default:
		return nil, fmt.Errorf("unknown compression %d", c)
	}
	if err != nil {
		return nil, err
	}

	if len(compressed) == 0 || float64(len(compressed)) > float64(len(data))*0.9 {
		result := make([]byte, blockHeaderSize+len(data))
		binary.LittleEndian.PutUint32(result[0:], uint32(len(data)))
		binary.LittleEndian.PutUint32(result[4:], 0)
		copy(result[blockHeaderSize:], data)
		return result, nil
	}

	result := make([]byte, blockHeaderSize+len(compressed))
	binary.LittleEndian.PutUint32(result[0:], uint32(len(data)))
	binary.LittleEndian.PutUint32(result[4:], uint32(len(compressed)))
	copy(result[blockHeaderSize:], compressed)
	return result, nil
}

func compressBlockLZ4(data []byte) ([]byte, error) {
	maxCompressedSize := lz4.CompressBlockBound(len(data))
	compressed := make([]byte, maxCompressedSize)

	n, err := lz4.CompressBlock(data, compressed, nil)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil // Incompressible
	}
	return compressed[:n], nil
}

func compressBlockZSTD(data []byte) ([]byte, error) {
	enc := getZstdEncoder()
	defer putZstdEncoder(enc)

	return enc.EncodeAll(data, nil), nil
}

// decompressBlock decodes one block into dst, which must have the block's
// uncompressed size.
func decompressBlock(data []byte, c Compression, dst []byte) error {
	compressedSize := binary.LittleEndian.Uint32(data[4:])

	if compressedSize == 0 {
		copy(dst, data[blockHeaderSize:blockHeaderSize+len(dst)])
		return nil
	}

	compressedData := data[blockHeaderSize : blockHeaderSize+int(compressedSize)]

	switch c {
	case CompressionLZ4:
		n, err := lz4.UncompressBlock(compressedData, dst)
		if err != nil {
			return err
		}
		if n != len(dst) {
			return errors.New("decompressed size mismatch")
		}
		return nil

	case CompressionZSTD:
		dec := getZstdDecoder()
		defer putZstdDecoder(dec)

		decoded, err := dec.DecodeAll(compressedData, dst[:0])
		if err != nil {
			return err
		}
		if len(decoded) != len(dst) {
			return errors.New("decompressed size mismatch")
		}
		return nil

	default:
		return fmt.Errorf("compressed block with compression %q", c)
	}
}

// blockWriter writes a block stream to an underlying writer.
type blockWriter struct {
	w           io.Writer
	compression Compression
	blockSize   int
	buffer      *bytes.Buffer
	written     int64
}

// defaultBlockSize is a whole number of float64 rows for typical column
// counts, which keeps blocks aligned with access patterns on load.
const defaultBlockSize = 256 * 1024

func newBlockWriter(w io.Writer, c Compression, blockSize int) *blockWriter {
	if blockSize <= 0 {
		blockSize = defaultBlockSize
	}
	return &blockWriter{
		w:           w,
		compression: c,
		blockSize:   blockSize,
		buffer:      bytes.NewBuffer(make([]byte, 0, blockSize)),
	}
}

// Write buffers data, flushing full blocks as needed.
func (c *blockWriter) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		space := c.blockSize - c.buffer.Len()
		if space <= 0 {
			if err := c.flushBlock(); err != nil {
				return total, err
			}
			space = c.blockSize
		}

		toWrite := len(p)
		if toWrite > space {
			toWrite = space
		}

		n, err := c.buffer.Write(p[:toWrite])
		if err != nil {
			return total, err
		}
		total += n
		p = p[n:]
	}
	return total, nil
}

func (c *blockWriter) flushBlock() error {
	if c.buffer.Len() == 0 {
		return nil
	}

	block, err := compressBlock(c.buffer.Bytes(), c.compression)
	if err != nil {
		return err
	}

	n, err := c.w.Write(block)
	if err != nil {
		return err
	}
	c.written += int64(n)
	c.buffer.Reset()
	return nil
}

// Flush writes any remaining buffered data.
func (c *blockWriter) Flush() error {
	return c.flushBlock()
}

// BytesWritten returns the total encoded bytes written so far.
func (c *blockWriter) BytesWritten() int64 {
	return c.written
}

// decodeBlocks walks a block stream and decodes it into dst. The total
// uncompressed size must match len(dst) exactly.
func decodeBlocks(data []byte, c Compression, dst []byte) error {
	off := 0
	got := 0
	for off < len(data) {
		if off+blockHeaderSize > len(data) {
			return errors.New("truncated block header")
		}
		uncompressedSize := int(binary.LittleEndian.Uint32(data[off:]))
		compressedSize := int(binary.LittleEndian.Uint32(data[off+4:]))

		stored := compressedSize
		if stored == 0 {
			stored = uncompressedSize
		}
		if off+blockHeaderSize+stored > len(data) {
			return errors.New("truncated block data")
		}
		if got+uncompressedSize > len(dst) {
			return errors.New("payload larger than expected")
		}

		if err := decompressBlock(data[off:off+blockHeaderSize+stored], c, dst[got:got+uncompressedSize]); err != nil {
			return err
		}

		off += blockHeaderSize + stored
		got += uncompressedSize
	}
	if got != len(dst) {
		return fmt.Errorf("payload shorter than expected: got %d bytes, want %d", got, len(dst))
	}
	return nil
}
