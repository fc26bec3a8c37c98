package testutil

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/qpipe/qpipe/device"
	"github.com/qpipe/qpipe/device/simdev"
	"github.com/qpipe/qpipe/internal/mem"
	"github.com/qpipe/qpipe/table"
)

// RNG is a seeded, thread-safe random number generator for deterministic
// test data.
type RNG struct {
	rand *rand.Rand
	seed int64
	mu   sync.Mutex
}

// NewRNG creates a new RNG instance with the specified seed.
func NewRNG(seed int64) *RNG {
	return &RNG{
		rand: rand.New(rand.NewSource(seed)),
		seed: seed,
	}
}

// Reset resets the RNG to its initial seed.
func (r *RNG) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rand.Seed(r.seed)
}

// Seed returns the initial seed.
func (r *RNG) Seed() int64 {
	return r.seed
}

// Intn returns a non-negative pseudo-random number in [0,n).
func (r *RNG) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Intn(n)
}

// U32s returns n pseudo-random values in [0,limit).
func (r *RNG) U32s(n int, limit uint32) []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	vals := make([]uint32, n)
	for i := range vals {
		vals[i] = uint32(r.rand.Int63n(int64(limit)))
	}
	return vals
}

// NewU32Table builds a single-column uint32 table sized and filled with
// vals, with both host and device sides allocated on dev.
func NewU32Table(dev device.Device, name string, vals []uint32) (*table.Table, error) {
	t, err := NewEmptyU32Table(dev, name, len(vals))
	if err != nil {
		return nil, err
	}
	for i, v := range vals {
		t.SetU32(0, i, v)
	}
	if err := t.SetRowCount(len(vals)); err != nil {
		return nil, err
	}
	return t, nil
}

// NewEmptyU32Table builds an allocated single-column uint32 table with zero
// rows, for use as a stage output or host-step product.
func NewEmptyU32Table(dev device.Device, name string, capacity int) (*table.Table, error) {
	t := table.New(name, capacity).AddCol("v", 4)
	if err := t.AllocateHost(); err != nil {
		return nil, fmt.Errorf("table %q: %w", name, err)
	}
	if err := t.AllocateDevice(dev, mem.DefaultAlignment); err != nil {
		return nil, fmt.Errorf("table %q: %w", name, err)
	}
	return t, nil
}

// NewU32Config builds an allocated config blob holding one little-endian
// uint32 parameter.
func NewU32Config(dev device.Device, name string, v uint32) (*table.ConfigBlob, error) {
	c := table.NewConfigBlob(name, 64)
	if err := c.AllocateHost(); err != nil {
		return nil, fmt.Errorf("config %q: %w", name, err)
	}
	if err := c.AllocateDevice(dev, mem.DefaultAlignment); err != nil {
		return nil, fmt.Errorf("config %q: %w", name, err)
	}
	binary.LittleEndian.PutUint32(c.Bytes(), v)
	return c, nil
}

// U32Col reads back column col of t for the current row count.
func U32Col(t *table.Table, col int) []uint32 {
	vals := make([]uint32, t.RowCount())
	for i := range vals {
		vals[i] = t.U32(col, i)
	}
	return vals
}

// CopyKernel copies the first input to the output unchanged.
func CopyKernel(cfg []byte, inputs []simdev.Span, out *simdev.Span, scratch [][]byte) error {
	in := inputs[0]
	copy(out.Bytes, in.Bytes[:in.Rows*4])
	out.Rows = in.Rows
	return nil
}

// AddConstKernel writes in[i] + c to the output, where c is the config's
// leading uint32.
func AddConstKernel(cfg []byte, inputs []simdev.Span, out *simdev.Span, scratch [][]byte) error {
	c := binary.LittleEndian.Uint32(cfg)
	in := inputs[0]
	for i := 0; i < in.Rows; i++ {
		v := binary.LittleEndian.Uint32(in.Bytes[i*4:])
		binary.LittleEndian.PutUint32(out.Bytes[i*4:], v+c)
	}
	out.Rows = in.Rows
	return nil
}

// AddKernel writes a[i] + b[i] for two equally-sized inputs.
func AddKernel(cfg []byte, inputs []simdev.Span, out *simdev.Span, scratch [][]byte) error {
	a, b := inputs[0], inputs[1]
	if a.Rows != b.Rows {
		return fmt.Errorf("row mismatch: %d vs %d", a.Rows, b.Rows)
	}
	for i := 0; i < a.Rows; i++ {
		va := binary.LittleEndian.Uint32(a.Bytes[i*4:])
		vb := binary.LittleEndian.Uint32(b.Bytes[i*4:])
		binary.LittleEndian.PutUint32(out.Bytes[i*4:], va+vb)
	}
	out.Rows = a.Rows
	return nil
}

// FilterLTKernel keeps the input values strictly below the config's leading
// uint32, producing fewer rows than it consumes.
func FilterLTKernel(cfg []byte, inputs []simdev.Span, out *simdev.Span, scratch [][]byte) error {
	limit := binary.LittleEndian.Uint32(cfg)
	in := inputs[0]
	n := 0
	for i := 0; i < in.Rows; i++ {
		v := binary.LittleEndian.Uint32(in.Bytes[i*4:])
		if v < limit {
			binary.LittleEndian.PutUint32(out.Bytes[n*4:], v)
			n++
		}
	}
	out.Rows = n
	return nil
}

// Slow wraps a kernel with a fixed delay, for overlap and ordering tests.
func Slow(d time.Duration, fn simdev.KernelFunc) simdev.KernelFunc {
	return func(cfg []byte, inputs []simdev.Span, out *simdev.Span, scratch [][]byte) error {
		time.Sleep(d)
		return fn(cfg, inputs, out, scratch)
	}
}
