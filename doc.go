// Package qpipe orchestrates query pipelines on accelerator hardware from
// the host side.
//
// A pipeline moves column-major tables between host and device memory, runs
// a chain of opaque kernels over them, and reads the final result back. All
// structure is declared up front with a fluent builder; the wait set of
// every operation is derived from the data flow at Build time, so transfers
// overlap compute wherever the graph allows it without any per-pipeline
// scheduling code.
//
// # Quick Start
//
//	ctx := context.Background()
//
//	dev := simdev.New()
//	dev.RegisterKernel("join", joinKernel)
//	defer dev.Close()
//
//	lineitem := table.New("lineitem", 6_000_000).
//	    AddCol("l_orderkey", 4).
//	    AddCol("l_extendedprice", 4)
//	// ... allocate host and device sides, load columns from a tablestore ...
//
//	p, _ := qpipe.NewBuilder(dev, qpipe.WithScratch(64<<20)).
//	    Preload(part, supplier).
//	    HostStep("filter-part", filterPart, filtered).
//	    Stage("join-0", "join", cfg0, tmp0, filtered, partsupp).
//	    Stage("join-1", "join", cfg1, tmp1, supplier, tmp0).
//	    ReadBack(tmp1).
//	    Build()
//
//	res, err := p.Run(ctx)
//	if err != nil {
//	    // the first failing transfer or invocation, with everything
//	    // downstream aborted
//	}
//	fmt.Println(res.Report)
//
// # Execution Model
//
// Run issues every operation asynchronously and blocks only at a single
// final barrier. Buffers preloaded via Preload move in one eager batch with
// an empty wait set; other stage inputs transfer mid-run, chained behind the
// previous host-to-device transfer so they overlap whatever kernel is
// executing. Host steps run on the CPU and feed mid-pipeline tables.
//
// Completion is tracked by one-shot events carrying queued/started/finished
// timestamps; a finished run exposes them as a Report. When any operation
// fails, dependent operations abort instead of running, every event still
// signals, and Run surfaces the first failure as a PipelineError.
//
// # Post-processing
//
// The postprocess package covers the CPU end of a pipeline: row selection
// into Roaring bitmaps, projection, grouped aggregation and multi-key sort
// over finished host tables.
package qpipe
