// Package testutil provides testing utilities for qpipe.
//
// This package is intended for use in tests and benchmarks only.
// It provides helpers for building populated uint32 tables on a device,
// reading columns back, generating deterministic test data, and a small
// set of reference kernels for the simulated device.
//
// # Deterministic Data
//
//	rng := testutil.NewRNG(seed)
//	vals := rng.U32s(1000, 500) // 1000 values in [0, 500)
//
// # Tables
//
//	tbl, err := testutil.NewU32Table(dev, "lineitem", vals)
//	got := testutil.U32Col(tbl, 0)
//
// # Reference Kernels
//
//	dev.RegisterKernel("addconst", testutil.AddConstKernel)
//	dev.RegisterKernel("slow", testutil.Slow(50*time.Millisecond, testutil.CopyKernel))
package testutil
