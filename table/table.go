// Package table provides the named, typed columnar buffer pairs the
// pipeline moves between host and device, plus the opaque per-stage config
// blobs that parameterize kernel invocations.
//
// A table's host buffer is column-major: each column occupies a contiguous
// span of capacity×width bytes, columns laid out in definition order. The
// device buffer mirrors the host buffer byte for byte; once allocated its
// size is fixed and the table can never grow past its capacity.
package table

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/qpipe/qpipe/device"
	"github.com/qpipe/qpipe/internal/mem"
)

// Column describes one fixed-width column.
type Column struct {
	Name  string
	Width int   // bytes per row
	Flags uint8 // caller-defined marker bits, opaque to the pipeline
}

// Source provides raw column data for Load. Implementations decompress
// transparently; Load sees plain fixed-width little-endian column blobs
// prefixed with an 8-byte row count.
type Source interface {
	// OpenColumn opens the blob holding the named column of the named table.
	OpenColumn(ctx context.Context, table, column string) (io.ReadCloser, error)
}

// Table is a named columnar buffer pair with host and device residency.
type Table struct {
	name     string
	capacity int
	cols     []Column

	rows int
	host []byte
	dev  device.Buffer
}

var _ device.Memory = (*Table)(nil)

// New creates a table with the given identity and fixed row capacity.
// Columns are appended with AddCol before AllocateHost.
func New(name string, capacity int) *Table {
	return &Table{name: name, capacity: capacity}
}

// AddCol appends a column definition. Must be called before AllocateHost.
func (t *Table) AddCol(name string, width int, flags ...uint8) *Table {
	var f uint8
	if len(flags) > 0 {
		f = flags[0]
	}
	t.cols = append(t.cols, Column{Name: name, Width: width, Flags: f})
	return t
}

// Name returns the table's identity.
func (t *Table) Name() string { return t.name }

// Capacity returns the fixed row capacity.
func (t *Table) Capacity() int { return t.capacity }

// Columns returns the column layout.
func (t *Table) Columns() []Column { return t.cols }

// ColumnIndex returns the position of the named column, or -1.
func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.cols {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// RowWidth returns the summed byte width of one row across all columns.
func (t *Table) RowWidth() int {
	w := 0
	for _, c := range t.cols {
		w += c.Width
	}
	return w
}

// Size returns the byte size of the table's buffers.
func (t *Table) Size() int { return t.capacity * t.RowWidth() }

// AllocateHost reserves the host buffer sized from capacity and column
// layout.
func (t *Table) AllocateHost() error {
	if t.host != nil {
		return fmt.Errorf("table %q: %w", t.name, ErrAlreadyAllocated)
	}
	if len(t.cols) == 0 {
		return fmt.Errorf("table %q: %w", t.name, ErrNoColumns)
	}
	size := t.Size()
	if size <= 0 {
		return fmt.Errorf("table %q: invalid buffer size %d", t.name, size)
	}
	t.host = mem.AllocAligned(size, mem.DefaultAlignment)
	return nil
}

// AllocateDevice reserves the matching device buffer. The size is derived
// from the host layout and fixed for the lifetime of the buffer.
func (t *Table) AllocateDevice(dev device.Device, align int) error {
	if t.dev != nil {
		return fmt.Errorf("table %q: %w", t.name, ErrAlreadyAllocated)
	}
	if t.host == nil {
		return fmt.Errorf("table %q: %w", t.name, ErrHostNotAllocated)
	}
	buf, err := dev.AllocBuffer(len(t.host), align)
	if err != nil {
		return fmt.Errorf("table %q: %w", t.name, err)
	}
	t.dev = buf
	return nil
}

// Load populates the host buffer from src. Every column blob must carry the
// same row count, and that count must fit the table's capacity.
func (t *Table) Load(ctx context.Context, src Source) error {
	if t.host == nil {
		return &LoadError{Table: t.name, cause: ErrHostNotAllocated}
	}

	nrows := -1
	for i, c := range t.cols {
		n, err := t.loadColumn(ctx, src, i, c)
		if err != nil {
			return err
		}
		if nrows >= 0 && n != nrows {
			return &LoadError{Table: t.name, Column: c.Name,
				cause: fmt.Errorf("row count %d disagrees with %d", n, nrows)}
		}
		nrows = n
	}
	if nrows < 0 {
		nrows = 0
	}
	t.rows = nrows
	return nil
}

func (t *Table) loadColumn(ctx context.Context, src Source, idx int, c Column) (int, error) {
	rc, err := src.OpenColumn(ctx, t.name, c.Name)
	if err != nil {
		return 0, &LoadError{Table: t.name, Column: c.Name, cause: err}
	}
	defer rc.Close()

	var hdr [8]byte
	if _, err := io.ReadFull(rc, hdr[:]); err != nil {
		return 0, &LoadError{Table: t.name, Column: c.Name, cause: err}
	}
	n := int(binary.LittleEndian.Uint64(hdr[:]))
	if n > t.capacity {
		return 0, &LoadError{Table: t.name, Column: c.Name,
			cause: fmt.Errorf("%w: %d rows > capacity %d", ErrCapacityExceeded, n, t.capacity)}
	}

	span := t.HostCol(idx)
	if _, err := io.ReadFull(rc, span[:n*c.Width]); err != nil {
		return 0, &LoadError{Table: t.name, Column: c.Name, cause: err}
	}
	return n, nil
}

// HostCol returns the full capacity span of column i within the host buffer.
func (t *Table) HostCol(i int) []byte {
	off := 0
	for j := 0; j < i; j++ {
		off += t.capacity * t.cols[j].Width
	}
	return t.host[off : off+t.capacity*t.cols[i].Width]
}

// U32 reads the row'th value of a 4-byte column.
func (t *Table) U32(col, row int) uint32 {
	span := t.HostCol(col)
	return binary.LittleEndian.Uint32(span[row*4:])
}

// SetU32 writes the row'th value of a 4-byte column.
func (t *Table) SetU32(col, row int, v uint32) {
	span := t.HostCol(col)
	binary.LittleEndian.PutUint32(span[row*4:], v)
}

// Label implements device.Memory.
func (t *Table) Label() string { return t.name }

// HostBytes implements device.Memory.
func (t *Table) HostBytes() []byte { return t.host }

// DeviceBuffer implements device.Memory.
func (t *Table) DeviceBuffer() device.Buffer { return t.dev }

// RowCount implements device.Memory.
func (t *Table) RowCount() int { return t.rows }

// SetRowCount implements device.Memory.
func (t *Table) SetRowCount(n int) error {
	if n < 0 || n > t.capacity {
		return fmt.Errorf("table %q: %w: %d rows, capacity %d", t.name, ErrCapacityExceeded, n, t.capacity)
	}
	t.rows = n
	return nil
}
