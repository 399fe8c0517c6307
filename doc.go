// Package magsim provides magnetic potential-field forward simulation for Go.
//
// Magsim predicts the magnetic anomaly of a susceptibility model over a
// prism discretization using analytic integral-equation kernels. It exposes
// the sensitivity matrix, the Jacobian products inversion frameworks need,
// and archive-backed persistence for sensitivities that are expensive to
// assemble.
//
// # Quick Start
//
//	m, _ := mesh.NewUniformTensorMesh([3]float64{-100, -100, -100}, 10, 10, 10, 20)
//	active, _ := mesh.AllActive(m.CellCount())
//	srv, _ := survey.New(&survey.SourceField{
//	    Field: survey.UniformField{Amplitude: 50000, Inclination: 90, Declination: 0},
//	    Groups: []*survey.ReceiverGroup{{
//	        Locations:  locations,
//	        Components: []survey.Component{survey.TMI},
//	    }},
//	})
//
//	sim, _ := magsim.Tensor(m, active, srv).Build()
//	defer sim.Close()
//
//	data, _ := sim.Fields(ctx, model)
//
// # Engines and Storage
//
// Two engines evaluate the same prism kernels:
//
//	// Dense (default): deduplicates shared cell corners, fastest for
//	// materialized sensitivities.
//	sim, _ := magsim.Tensor(m, active, srv).Build()
//
//	// Streaming: evaluates corners per cell on the fly, the only engine
//	// supporting matrix-free Jacobian products.
//	sim, _ := magsim.Tensor(m, active, srv).Streaming().ForwardOnly().Build()
//
// Three storage modes trade memory for repeated kernel work:
//
//	.RAM()          // in-memory matrix (default), float32 unless .Float64()
//	.Disk("./sens") // memory-mapped file, bounded RSS
//	.ForwardOnly()  // no matrix at all, kernels re-evaluated per product
//
// # Jacobian Operations
//
// The simulation is linear in the model, so the Jacobian is the sensitivity
// composed with the model mapping:
//
//	j, _ := sim.Jacobian(ctx, model)       // operator form
//	jv, _ := sim.ApplyJ(ctx, model, v)     // J·v
//	jtv, _ := sim.ApplyJT(ctx, model, u)   // Jᵀ·u
//	d, _ := sim.JTJDiag(ctx, model, w)     // diag(JᵀWᵀWJ), cached per weights
//
// Amplitude data (see WithAmplitudeData) makes the Jacobian model dependent;
// the products remain available while the operator form does not.
//
// # Persistence
//
// Assembled sensitivities can be archived to any blob store and restored by
// geometry fingerprint:
//
//	st := archive.NewLocalStore("./archives")
//	cat := archive.NewLocalCatalog("./catalog")
//
//	entry, _ := sim.PublishSensitivity(ctx, st, cat)  // versioned commit
//	err := sim.RestoreSensitivity(ctx, st, cat)       // latest version
//
// S3 and MinIO stores in archive/s3 and archive/minio serve the same
// interfaces for shared storage between machines.
//
// # Key Features
//
//   - Analytic prism kernels: field, gradient, TMI and TMI-derivative components
//   - Scalar and vector (effective susceptibility) models
//   - Amplitude data with chain-ruled Jacobian products
//   - float32 or float64 sensitivity storage, RAM, mmap or matrix-free
//   - Deterministic parallel assembly (bit-identical to serial)
//   - Versioned sensitivity archives over local, S3 or MinIO storage
package magsim
