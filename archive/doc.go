// Package archive persists materialized sensitivity matrices.
//
// Store is the interface for reading and writing archive blobs (matrix
// payloads, manifests). Implementations must be safe for concurrent use.
//
// # Built-in Implementations
//
//   - LocalStore: Local filesystem with mmap reads and atomic writes
//   - MemoryStore: In-memory, for tests
//   - s3.Store: Amazon S3 with range reads and parallel uploads
//   - minio.Store: MinIO and other S3-compatible object stores
//
// # Layout
//
// An archived matrix occupies two blobs under a common name: "<name>.bin"
// holds the compressed row-major payload and "<name>.json" holds the
// manifest describing shape, dtype, compression and content digest. Write
// produces both; Read verifies the manifest against the payload before
// handing back a single row.
//
// A Catalog maps a simulation fingerprint to the latest committed archive
// version so concurrent writers on shared storage cannot clobber each other.
package archive
