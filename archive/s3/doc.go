// Package s3 provides an S3 implementation of the archive.Store interface
// plus a DynamoDB-backed archive.Catalog.
//
// # Usage
//
//	cfg, err := config.LoadDefaultConfig(ctx)
//	store := s3.NewStore(s3.NewFromConfig(cfg), "my-bucket", "surveys/")
//
//	man, err := archive.Write(ctx, store, "block-a/g", g, archive.WriteOptions{})
//
// # Features
//
//   - Range reads for efficient partial fetches
//   - Multipart uploads for large matrices
//   - Automatic pagination for listing
//   - Configurable prefix for multi-tenant isolation
//   - DynamoDB conditional writes for catalog compare-and-swap
package s3
