package qpipe

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like Prometheus.
//
// Example Prometheus integration:
//
//	type PrometheusCollector struct {
//	    transferBytes   prometheus.Counter
//	    stageHistogram  prometheus.Histogram
//	}
//
//	func (p *PrometheusCollector) RecordTransfer(bytes int, duration time.Duration, err error) {
//	    p.transferBytes.Add(float64(bytes))
//	    // ... record error state, duration, etc.
//	}
type MetricsCollector interface {
	// RecordTransfer is called after each buffer transfer completes.
	// bytes is the total batch size, duration the queue-to-finish time,
	// err is nil if successful.
	RecordTransfer(bytes int, duration time.Duration, err error)

	// RecordInvocation is called after each kernel invocation completes.
	RecordInvocation(stage string, duration time.Duration, err error)

	// RecordHostStep is called after each host step completes.
	RecordHostStep(label string, duration time.Duration, err error)

	// RecordRun is called once per pipeline run with the end-to-end time.
	RecordRun(duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordTransfer(int, time.Duration, error)      {}
func (NoopMetricsCollector) RecordInvocation(string, time.Duration, error) {}
func (NoopMetricsCollector) RecordHostStep(string, time.Duration, error)   {}
func (NoopMetricsCollector) RecordRun(time.Duration, error)                {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	TransferCount        atomic.Int64
	TransferErrors       atomic.Int64
	TransferBytes        atomic.Int64
	TransferTotalNanos   atomic.Int64
	InvocationCount      atomic.Int64
	InvocationErrors     atomic.Int64
	InvocationTotalNanos atomic.Int64
	HostStepCount        atomic.Int64
	HostStepErrors       atomic.Int64
	RunCount             atomic.Int64
	RunErrors            atomic.Int64
	RunTotalNanos        atomic.Int64
}

// RecordTransfer implements MetricsCollector.
func (b *BasicMetricsCollector) RecordTransfer(bytes int, duration time.Duration, err error) {
	b.TransferCount.Add(1)
	b.TransferBytes.Add(int64(bytes))
	b.TransferTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.TransferErrors.Add(1)
	}
}

// RecordInvocation implements MetricsCollector.
func (b *BasicMetricsCollector) RecordInvocation(stage string, duration time.Duration, err error) {
	b.InvocationCount.Add(1)
	b.InvocationTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.InvocationErrors.Add(1)
	}
}

// RecordHostStep implements MetricsCollector.
func (b *BasicMetricsCollector) RecordHostStep(label string, duration time.Duration, err error) {
	b.HostStepCount.Add(1)
	if err != nil {
		b.HostStepErrors.Add(1)
	}
}

// RecordRun implements MetricsCollector.
func (b *BasicMetricsCollector) RecordRun(duration time.Duration, err error) {
	b.RunCount.Add(1)
	b.RunTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.RunErrors.Add(1)
	}
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		TransferCount:      b.TransferCount.Load(),
		TransferErrors:     b.TransferErrors.Load(),
		TransferBytes:      b.TransferBytes.Load(),
		TransferAvgNanos:   avgNanos(b.TransferTotalNanos.Load(), b.TransferCount.Load()),
		InvocationCount:    b.InvocationCount.Load(),
		InvocationErrors:   b.InvocationErrors.Load(),
		InvocationAvgNanos: avgNanos(b.InvocationTotalNanos.Load(), b.InvocationCount.Load()),
		HostStepCount:      b.HostStepCount.Load(),
		HostStepErrors:     b.HostStepErrors.Load(),
		RunCount:           b.RunCount.Load(),
		RunErrors:          b.RunErrors.Load(),
		RunAvgNanos:        avgNanos(b.RunTotalNanos.Load(), b.RunCount.Load()),
	}
}

func avgNanos(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	TransferCount      int64
	TransferErrors     int64
	TransferBytes      int64
	TransferAvgNanos   int64
	InvocationCount    int64
	InvocationErrors   int64
	InvocationAvgNanos int64
	HostStepCount      int64
	HostStepErrors     int64
	RunCount           int64
	RunErrors          int64
	RunAvgNanos        int64
}
