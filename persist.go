package magsim

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"math"
	"time"

	"github.com/magsim/magsim/archive"
	"github.com/magsim/magsim/linop"
)

// SaveOptions configures SaveSensitivity and PublishSensitivity.
type SaveOptions struct {
	// Compression selects the payload compression. Default zstd.
	Compression archive.Compression

	// BlockSize overrides the compression block size.
	BlockSize int
}

func applySaveOptions(optFns []func(*SaveOptions)) SaveOptions {
	o := SaveOptions{
		Compression: archive.CompressionZSTD,
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}

// SaveSensitivity archives the materialized sensitivity into st under name,
// assembling it first if needed. The archive is stamped with the
// simulation's Fingerprint so a load into a different geometry is rejected.
//
// Example:
//
//	st := archive.NewLocalStore("./archives")
//	man, err := sim.SaveSensitivity(ctx, st, "field-survey-2024", func(o *magsim.SaveOptions) {
//	    o.Compression = archive.CompressionLZ4
//	})
func (s *Simulation) SaveSensitivity(ctx context.Context, st archive.Store, name string, optFns ...func(*SaveOptions)) (*archive.Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	start := time.Now()
	man, err := s.saveLocked(ctx, st, name, applySaveOptions(optFns))
	elapsed := time.Since(start)

	var bytes int64
	if man != nil {
		bytes = man.PayloadBytes
	}
	s.metrics.RecordArchiveSave(bytes, elapsed, err)
	s.logger.LogSave(ctx, name, bytes, err)
	return man, err
}

func (s *Simulation) saveLocked(ctx context.Context, st archive.Store, name string, opts SaveOptions) (*archive.Manifest, error) {
	if s.gMode != gMaterialize {
		return nil, &UnsupportedConfigError{
			Op:      "sensitivity archive",
			Engine:  s.engineKind,
			Storage: s.storage,
			Hint:    "materialize with StorageRAM or StorageDisk",
		}
	}

	g, err := s.operatorG(ctx)
	if err != nil {
		return nil, err
	}

	dtype := archive.DtypeFloat64
	if s.dtype == linop.Float32 {
		dtype = archive.DtypeFloat32
	}
	return archive.Write(ctx, st, name, g.(linop.Materialized), archive.WriteOptions{
		Compression: opts.Compression,
		Dtype:       dtype,
		BlockSize:   opts.BlockSize,
		Fingerprint: s.fingerprintLocked(),
		Controller:  s.controller,
	})
}

// LoadSensitivity replaces the simulation's sensitivity with a previously
// archived matrix, skipping assembly. The archive must carry this
// simulation's Fingerprint and shape. Model-derived caches are dropped.
func (s *Simulation) LoadSensitivity(ctx context.Context, st archive.Store, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.loadLocked(ctx, st, name, "")
}

func (s *Simulation) loadLocked(ctx context.Context, st archive.Store, name, wantDigest string) error {
	start := time.Now()
	man, err := s.readArchive(ctx, st, name, wantDigest)
	elapsed := time.Since(start)

	var bytes int64
	var rows, cols int
	if man != nil {
		bytes = man.PayloadBytes
		rows, cols = man.Rows, man.Cols
	}
	s.metrics.RecordArchiveLoad(bytes, elapsed, err)
	s.logger.LogLoad(ctx, name, rows, cols, err)
	return err
}

func (s *Simulation) readArchive(ctx context.Context, st archive.Store, name, wantDigest string) (*archive.Manifest, error) {
	if s.gMode != gMaterialize {
		return nil, &UnsupportedConfigError{
			Op:      "sensitivity load",
			Engine:  s.engineKind,
			Storage: s.storage,
			Hint:    "materialize with StorageRAM or StorageDisk",
		}
	}

	man, err := archive.ReadManifest(ctx, st, name)
	if err != nil {
		return nil, err
	}
	if wantDigest != "" && man.Digest != wantDigest {
		return man, fmt.Errorf("magsim: archive %q digest %s does not match catalog entry %s", name, man.Digest, wantDigest)
	}
	if man.Fingerprint != s.fingerprintLocked() {
		return man, fmt.Errorf("magsim: archive %q belongs to a different simulation geometry", name)
	}
	if man.Rows != s.rows || man.Cols != s.cols {
		return man, fmt.Errorf("magsim: archive %q is %dx%d, simulation needs %dx%d", name, man.Rows, man.Cols, s.rows, s.cols)
	}

	ropts := archive.ReadOptions{Controller: s.controller}

	if s.storage == StorageDisk {
		m, err := linop.CreateMapped(s.mappedPath(), s.rows, s.cols, s.dtype)
		if err != nil {
			return man, err
		}
		if err := archive.ReadInto(ctx, st, name, man, m, ropts); err != nil {
			_ = m.Close()
			return man, err
		}
		if err := m.Flush(); err != nil {
			_ = m.Close()
			return man, err
		}
		return man, s.installG(m, 0, m)
	}

	bytes := int64(s.rows) * int64(s.cols) * int64(s.dtype.Size())
	if err := s.controller.AcquireMemory(ctx, bytes); err != nil {
		return man, err
	}

	var sink interface {
		linop.Materialized
		SetRow(i int, row []float64)
	}
	if s.dtype == linop.Float32 {
		sink = linop.NewDense32(s.rows, s.cols)
	} else {
		sink = linop.NewDense(s.rows, s.cols)
	}
	if err := archive.ReadInto(ctx, st, name, man, sink, ropts); err != nil {
		s.controller.ReleaseMemory(bytes)
		return man, err
	}
	return man, s.installG(sink, bytes, nil)
}

// installG swaps in a loaded sensitivity, releasing the previous one and
// dropping every cache derived from it. Callers must hold s.mu.
func (s *Simulation) installG(g linop.Operator, bytes int64, mapped *linop.Mapped) error {
	err := s.releaseG()
	s.g = g
	s.gBytes = bytes
	s.gMapped = mapped
	s.ampDeriv = nil
	s.gtgDiag = nil
	s.haveDiag = false
	return err
}

// PublishSensitivity archives the sensitivity under a fresh version of this
// simulation's fingerprint and commits it to the catalog. Concurrent
// publishers of the same geometry race on the version number; the loser's
// blobs are deleted and the loser returns ErrConcurrentModification.
func (s *Simulation) PublishSensitivity(ctx context.Context, st archive.Store, cat archive.Catalog, optFns ...func(*SaveOptions)) (archive.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return archive.Entry{}, ErrClosed
	}

	fp := s.fingerprintLocked()
	version, err := archive.NextVersion(ctx, cat, fp)
	if err != nil {
		return archive.Entry{}, err
	}
	name := fmt.Sprintf("%s/v%06d", fp, version)

	start := time.Now()
	man, err := s.saveLocked(ctx, st, name, applySaveOptions(optFns))
	elapsed := time.Since(start)

	var bytes int64
	if man != nil {
		bytes = man.PayloadBytes
	}
	s.metrics.RecordArchiveSave(bytes, elapsed, err)
	s.logger.LogSave(ctx, name, bytes, err)
	if err != nil {
		return archive.Entry{}, err
	}

	entry := archive.Entry{
		Fingerprint: fp,
		Version:     version,
		Name:        name,
		Digest:      man.Digest,
		CommittedAt: time.Now().UTC(),
	}
	if err := cat.Commit(ctx, entry); err != nil {
		// The version was lost to another writer; the orphaned blobs
		// must not linger even when ctx is already canceled.
		_ = archive.Delete(context.WithoutCancel(ctx), st, name)
		return archive.Entry{}, err
	}
	return entry, nil
}

// RestoreSensitivity loads the latest published sensitivity for this
// simulation's fingerprint. Returns archive.ErrNotFound when nothing has
// been published yet.
func (s *Simulation) RestoreSensitivity(ctx context.Context, st archive.Store, cat archive.Catalog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	entry, err := cat.Latest(ctx, s.fingerprintLocked())
	if err != nil {
		return err
	}
	return s.loadLocked(ctx, st, entry.Name, entry.Digest)
}

// Fingerprint identifies the simulation geometry an archived sensitivity is
// valid for: the inducing field, receiver layout, active-cell geometry,
// model parameterization and storage precision. The engine and storage mode
// are deliberately excluded; they change how the matrix is computed, not
// its values.
func (s *Simulation) Fingerprint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fingerprintLocked()
}

func (s *Simulation) fingerprintLocked() string {
	if s.fingerprint != "" {
		return s.fingerprint
	}

	h := sha256.New()
	f := s.survey.Field()
	hashFloat(h, f.Amplitude)
	hashFloat(h, f.Inclination)
	hashFloat(h, f.Declination)

	for _, g := range s.survey.Groups() {
		hashInt(h, len(g.Locations))
		for _, loc := range g.Locations {
			hashFloat(h, loc[0])
			hashFloat(h, loc[1])
			hashFloat(h, loc[2])
		}
		hashInt(h, len(g.Components))
		for _, c := range g.Components {
			h.Write([]byte(c))
			h.Write([]byte{0})
		}
	}

	hashInt(h, s.domain.NumNodes())
	for i := range s.domain.NodesX {
		hashFloat(h, s.domain.NodesX[i])
		hashFloat(h, s.domain.NodesY[i])
		hashFloat(h, s.domain.NodesZ[i])
	}
	hashInt(h, s.domain.NumCells())
	for _, corners := range s.domain.CellNodes {
		for _, id := range corners {
			hashInt(h, int(id))
		}
	}

	h.Write([]byte(s.modelType))
	h.Write([]byte{0})
	h.Write([]byte(s.dtype.String()))

	s.fingerprint = hex.EncodeToString(h.Sum(nil))
	return s.fingerprint
}

func hashFloat(h hash.Hash, v float64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
	h.Write(buf[:])
}

func hashInt(h hash.Hash, v int) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	h.Write(buf[:])
}
