package qpipe

import (
	"log/slog"

	"github.com/qpipe/qpipe/internal/mem"
)

type options struct {
	metricsCollector MetricsCollector
	logger           *Logger
	alignment        int
	scratchSizes     []int
}

// Option configures pipeline builder behavior.
type Option func(*options)

// WithMetricsCollector configures a metrics collector for monitoring
// transfers, invocations and runs. Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &qpipe.BasicMetricsCollector{}
//	b := qpipe.NewBuilder(dev, qpipe.WithMetricsCollector(metrics))
//	// ... build and run ...
//	stats := metrics.GetStats()
//	fmt.Printf("Transfers: %d, Avg latency: %dns\n", stats.TransferCount, stats.TransferAvgNanos)
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		o.metricsCollector = mc
	}
}

// WithLogger configures structured logging for pipeline operations.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := qpipe.NewJSONLogger(slog.LevelInfo)
//	b := qpipe.NewBuilder(dev, qpipe.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithAlignment sets the byte alignment for device buffers the builder
// allocates itself (scratch regions). Must be a power of two.
// Default: mem.DefaultAlignment.
func WithAlignment(align int) Option {
	return func(o *options) {
		o.alignment = align
	}
}

// WithScratch configures shared device scratch regions sized in bytes. All
// stages share the same regions, so invocations that use them serialize.
// Without this option stages run without scratch.
func WithScratch(sizes ...int) Option {
	return func(o *options) {
		o.scratchSizes = sizes
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		metricsCollector: NoopMetricsCollector{},
		logger:           NoopLogger(),
		alignment:        mem.DefaultAlignment,
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
