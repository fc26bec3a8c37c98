package table_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qpipe/qpipe/device/simdev"
	"github.com/qpipe/qpipe/table"
)

// memSource serves column blobs from memory, keyed "table/column".
type memSource struct {
	blobs map[string][]byte
}

func (s *memSource) OpenColumn(_ context.Context, tbl, col string) (io.ReadCloser, error) {
	b, ok := s.blobs[tbl+"/"+col]
	if !ok {
		return nil, fmt.Errorf("no such column %s/%s", tbl, col)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func columnBlob(rows int, width int, fill byte) []byte {
	var buf bytes.Buffer
	var hdr [8]byte
	binary.LittleEndian.PutUint64(hdr[:], uint64(rows))
	buf.Write(hdr[:])
	data := make([]byte, rows*width)
	for i := range data {
		data[i] = fill
	}
	buf.Write(data)
	return buf.Bytes()
}

func TestTableLayout(t *testing.T) {
	tb := table.New("orders", 100).
		AddCol("o_orderkey", 4).
		AddCol("o_orderdate", 4)

	assert.Equal(t, "orders", tb.Name())
	assert.Equal(t, 8, tb.RowWidth())
	assert.Equal(t, 800, tb.Size())
	assert.Equal(t, 1, tb.ColumnIndex("o_orderdate"))
	assert.Equal(t, -1, tb.ColumnIndex("missing"))
}

func TestAllocateHost(t *testing.T) {
	tb := table.New("nation", 25).AddCol("n_nationkey", 4)
	require.NoError(t, tb.AllocateHost())
	assert.Len(t, tb.HostBytes(), 100)

	// Fixed buffers: a second allocation is a bug.
	assert.ErrorIs(t, tb.AllocateHost(), table.ErrAlreadyAllocated)
}

func TestAllocateHostNoColumns(t *testing.T) {
	tb := table.New("empty", 10)
	assert.ErrorIs(t, tb.AllocateHost(), table.ErrNoColumns)
}

func TestAllocateDevice(t *testing.T) {
	dev := simdev.New()
	defer dev.Close()

	tb := table.New("supplier", 10).AddCol("s_suppkey", 4)

	// Host first.
	assert.ErrorIs(t, tb.AllocateDevice(dev, 32), table.ErrHostNotAllocated)

	require.NoError(t, tb.AllocateHost())
	require.NoError(t, tb.AllocateDevice(dev, 32))
	require.NotNil(t, tb.DeviceBuffer())
	assert.Equal(t, 40, tb.DeviceBuffer().Size())

	assert.ErrorIs(t, tb.AllocateDevice(dev, 32), table.ErrAlreadyAllocated)
}

func TestLoad(t *testing.T) {
	src := &memSource{blobs: map[string][]byte{
		"part/p_partkey": columnBlob(3, 4, 0xAA),
		"part/p_size":    columnBlob(3, 4, 0xBB),
	}}

	tb := table.New("part", 8).AddCol("p_partkey", 4).AddCol("p_size", 4)
	require.NoError(t, tb.AllocateHost())
	require.NoError(t, tb.Load(context.Background(), src))

	assert.Equal(t, 3, tb.RowCount())
	assert.Equal(t, byte(0xAA), tb.HostCol(0)[0])
	assert.Equal(t, byte(0xBB), tb.HostCol(1)[0])
	// Bytes past the loaded rows stay zero.
	assert.Equal(t, byte(0), tb.HostCol(0)[3*4])
}

func TestLoadRowCountMismatch(t *testing.T) {
	src := &memSource{blobs: map[string][]byte{
		"part/a": columnBlob(3, 4, 1),
		"part/b": columnBlob(4, 4, 2),
	}}

	tb := table.New("part", 8).AddCol("a", 4).AddCol("b", 4)
	require.NoError(t, tb.AllocateHost())

	var le *table.LoadError
	err := tb.Load(context.Background(), src)
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "part", le.Table)
	assert.Equal(t, "b", le.Column)
}

func TestLoadOverCapacity(t *testing.T) {
	src := &memSource{blobs: map[string][]byte{
		"part/a": columnBlob(9, 4, 1),
	}}

	tb := table.New("part", 8).AddCol("a", 4)
	require.NoError(t, tb.AllocateHost())
	assert.ErrorIs(t, tb.Load(context.Background(), src), table.ErrCapacityExceeded)
}

func TestLoadMissingColumn(t *testing.T) {
	src := &memSource{blobs: map[string][]byte{}}

	tb := table.New("part", 8).AddCol("a", 4)
	require.NoError(t, tb.AllocateHost())

	var le *table.LoadError
	assert.ErrorAs(t, tb.Load(context.Background(), src), &le)
}

func TestLoadTruncatedBlob(t *testing.T) {
	blob := columnBlob(4, 4, 1)
	src := &memSource{blobs: map[string][]byte{
		"part/a": blob[:len(blob)-2],
	}}

	tb := table.New("part", 8).AddCol("a", 4)
	require.NoError(t, tb.AllocateHost())

	var le *table.LoadError
	assert.ErrorAs(t, tb.Load(context.Background(), src), &le)
}

func TestU32Accessors(t *testing.T) {
	tb := table.New("t", 4).AddCol("k", 4)
	require.NoError(t, tb.AllocateHost())

	tb.SetU32(0, 2, 0xDEADBEEF)
	assert.Equal(t, uint32(0xDEADBEEF), tb.U32(0, 2))
}

func TestSetRowCountBounds(t *testing.T) {
	tb := table.New("t", 4).AddCol("k", 4)
	require.NoError(t, tb.AllocateHost())

	require.NoError(t, tb.SetRowCount(4))
	assert.Equal(t, 4, tb.RowCount())
	assert.ErrorIs(t, tb.SetRowCount(5), table.ErrCapacityExceeded)
	assert.ErrorIs(t, tb.SetRowCount(-1), table.ErrCapacityExceeded)
}

func TestConfigBlob(t *testing.T) {
	dev := simdev.New()
	defer dev.Close()

	cfg := table.NewConfigBlob("cfg0", 64)
	require.NoError(t, cfg.AllocateHost())
	require.NoError(t, cfg.AllocateDevice(dev, 32))

	copy(cfg.Bytes(), []byte{1, 2, 3})
	assert.Equal(t, byte(2), cfg.HostBytes()[1])
	assert.Equal(t, 0, cfg.RowCount())
	assert.NoError(t, cfg.SetRowCount(99))
	assert.Equal(t, 64, cfg.DeviceBuffer().Size())
}
