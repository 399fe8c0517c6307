package archive

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/magsim/magsim/codec"
)

// Entry records one committed archive version for a simulation fingerprint.
type Entry struct {
	Fingerprint string    `json:"fingerprint"`
	Version     uint64    `json:"version"`
	Name        string    `json:"name"`
	Digest      string    `json:"digest"`
	CommittedAt time.Time `json:"committed_at"`
}

// Catalog maps a simulation fingerprint to its latest archived version.
//
// Commit provides the compare-and-swap that object stores lack: a version
// number can be taken by exactly one writer, so two simulations archiving
// concurrently under the same fingerprint cannot clobber each other.
type Catalog interface {
	// Latest returns the highest committed entry for the fingerprint.
	// Returns ErrNotFound when nothing has been committed yet.
	Latest(ctx context.Context, fingerprint string) (Entry, error)

	// Commit records e atomically. Returns ErrConcurrentModification if
	// e.Version was already taken by another writer.
	Commit(ctx context.Context, e Entry) error
}

// NextVersion returns the version an immediately following Commit should
// use. Racing writers both get the same answer; Commit decides the winner.
func NextVersion(ctx context.Context, c Catalog, fingerprint string) (uint64, error) {
	e, err := c.Latest(ctx, fingerprint)
	if errors.Is(err, ErrNotFound) {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	return e.Version + 1, nil
}

// LocalCatalog stores entries as files under a directory, one subdirectory
// per fingerprint with one file per version. The version file is claimed
// with a hard link, which fails if another writer got there first.
type LocalCatalog struct {
	root string
	c    codec.Codec
}

// NewLocalCatalog creates a catalog rooted at dir.
func NewLocalCatalog(dir string) *LocalCatalog {
	return &LocalCatalog{root: dir, c: codec.Default}
}

func (l *LocalCatalog) entryPath(fingerprint string, version uint64) string {
	return filepath.Join(l.root, fingerprint, fmt.Sprintf("v%020d.json", version))
}

// Latest returns the highest committed entry for the fingerprint.
func (l *LocalCatalog) Latest(ctx context.Context, fingerprint string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	dir := filepath.Join(l.root, fingerprint)
	des, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, err
	}

	var versions []string
	for _, de := range des {
		name := de.Name()
		if strings.HasPrefix(name, "v") && strings.HasSuffix(name, ".json") {
			versions = append(versions, name)
		}
	}
	if len(versions) == 0 {
		return Entry{}, ErrNotFound
	}
	// Version numbers are zero padded, so lexicographic order is numeric.
	sort.Strings(versions)
	latest := versions[len(versions)-1]

	data, err := os.ReadFile(filepath.Join(dir, latest))
	if err != nil {
		return Entry{}, err
	}
	var e Entry
	if err := (codec.JSON{}).Unmarshal(data, &e); err != nil {
		return Entry{}, fmt.Errorf("decode catalog entry %s: %w", latest, err)
	}
	return e, nil
}

// Commit records e atomically via link-into-place.
func (l *LocalCatalog) Commit(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.Fingerprint == "" || e.Version == 0 {
		return fmt.Errorf("catalog entry needs a fingerprint and a nonzero version")
	}
	dir := filepath.Join(l.root, e.Fingerprint)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	data, err := l.c.Marshal(e)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "commit-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	// Link claims the version file only if it does not exist, giving the
	// conditional-write semantics a rename cannot.
	if err := os.Link(tmpName, l.entryPath(e.Fingerprint, e.Version)); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return ErrConcurrentModification
		}
		return err
	}
	return nil
}

// MemoryCatalog is an in-memory Catalog for tests.
type MemoryCatalog struct {
	mu      sync.Mutex
	entries map[string]map[uint64]Entry
}

// NewMemoryCatalog creates an empty in-memory catalog.
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{entries: make(map[string]map[uint64]Entry)}
}

// Latest returns the highest committed entry for the fingerprint.
func (m *MemoryCatalog) Latest(_ context.Context, fingerprint string) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byVersion := m.entries[fingerprint]
	if len(byVersion) == 0 {
		return Entry{}, ErrNotFound
	}
	var best Entry
	for _, e := range byVersion {
		if e.Version > best.Version {
			best = e
		}
	}
	return best, nil
}

// Commit records e, failing if the version is already taken.
func (m *MemoryCatalog) Commit(_ context.Context, e Entry) error {
	if e.Fingerprint == "" || e.Version == 0 {
		return fmt.Errorf("catalog entry needs a fingerprint and a nonzero version")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	byVersion := m.entries[e.Fingerprint]
	if byVersion == nil {
		byVersion = make(map[uint64]Entry)
		m.entries[e.Fingerprint] = byVersion
	}
	if _, taken := byVersion[e.Version]; taken {
		return ErrConcurrentModification
	}
	byVersion[e.Version] = e
	return nil
}
