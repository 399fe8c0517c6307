// Package mmap provides memory-mapped file access.
//
// # Overview
//
// Memory mapping gives direct access to file contents without copying data
// through kernel buffers. The simulation uses it for disk-backed sensitivity
// matrices, which can be tens of gigabytes: rows are written straight into
// file-backed pages during assembly and read back with zero copies during
// matrix-vector products.
//
// # Usage
//
//	// Writable, pre-sized mapping for matrix assembly.
//	m, err := mmap.Create("sensitivity.bin", rows*cols*8)
//	if err != nil { ... }
//	defer m.Close()
//
//	copy(m.Bytes()[off:], rowBytes)
//	m.Flush() // force modified pages to disk
//
//	// Read-only mapping of an existing file.
//	r, err := mmap.Open("sensitivity.bin")
//
//	// Provide kernel hints for access patterns.
//	r.Advise(mmap.AccessSequential)
//
// # Platform Support
//
//   - Unix (Linux, macOS, BSD): mmap(2), msync(2), madvise(2)
//   - Windows: CreateFileMapping/MapViewOfFile/FlushViewOfFile (advise is a no-op)
//
// # Thread Safety
//
// A Mapping is safe for concurrent reads, and for concurrent writes to
// disjoint byte ranges. Close() is idempotent and protected by atomics;
// callers must ensure no goroutine touches Bytes() after Close() returns.
package mmap
