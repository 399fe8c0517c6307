package archive

import (
	"fmt"
	"time"

	"github.com/magsim/magsim/codec"
)

// manifestFormatVersion is bumped when the blob layout changes.
const manifestFormatVersion = 1

// Dtype names recorded in manifests.
const (
	DtypeFloat64 = "float64"
	DtypeFloat32 = "float32"
)

func dtypeSize(dtype string) (int, error) {
	switch dtype {
	case DtypeFloat64:
		return 8, nil
	case DtypeFloat32:
		return 4, nil
	default:
		return 0, fmt.Errorf("unknown dtype %q", dtype)
	}
}

// Manifest describes an archived matrix. It is stored as JSON next to the
// payload blob, so archives are self-describing and portable.
//
// The payload is the row-major little-endian matrix, framed into compressed
// blocks. Digest covers the uncompressed payload bytes.
type Manifest struct {
	FormatVersion int    `json:"format_version"`
	Rows          int    `json:"rows"`
	Cols          int    `json:"cols"`
	Dtype         string `json:"dtype"`
	Compression   string `json:"compression"`
	Codec         string `json:"codec"`
	Digest        string `json:"digest"`
	PayloadBytes  int64  `json:"payload_bytes"`
	RowMajor      bool   `json:"row_major"`

	// Fingerprint ties the archive to the simulation geometry that
	// produced it. Empty when the writer did not provide one.
	Fingerprint string `json:"fingerprint,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Validate checks internal consistency. It does not touch the payload.
func (m *Manifest) Validate() error {
	if m.FormatVersion != manifestFormatVersion {
		return fmt.Errorf("unsupported manifest format version %d", m.FormatVersion)
	}
	if m.Rows <= 0 || m.Cols <= 0 {
		return fmt.Errorf("invalid shape %dx%d", m.Rows, m.Cols)
	}
	if _, err := dtypeSize(m.Dtype); err != nil {
		return err
	}
	if _, ok := CompressionByName(m.Compression); !ok {
		return fmt.Errorf("unknown compression %q", m.Compression)
	}
	if _, ok := codec.ByName(m.Codec); !ok {
		return fmt.Errorf("unknown manifest codec %q", m.Codec)
	}
	if m.Digest == "" {
		return fmt.Errorf("manifest has no digest")
	}
	if !m.RowMajor {
		return fmt.Errorf("column-major payloads are not supported")
	}
	return nil
}
