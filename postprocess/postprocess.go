// Package postprocess applies CPU-side finishing logic to host-resident
// tables: row selection, projection, grouping with aggregation, and
// sorting.
//
// The same primitives serve host-side pre-filter steps that run mid-pipeline
// (a predicate scan producing a small input table while the first transfer
// is in flight) and the final post-processing of a pipeline's output table.
// All functions operate purely on host buffers; the caller guarantees the
// table is not concurrently mutated by the pipeline, which holds for any
// table whose producing event has signaled.
package postprocess

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/qpipe/qpipe/table"
)

// Select scans t's rows and returns the set of row indices matching pred.
func Select(t *table.Table, pred func(row int) bool) *roaring.Bitmap {
	sel := roaring.New()
	for row := 0; row < t.RowCount(); row++ {
		if pred(row) {
			sel.Add(uint32(row))
		}
	}
	return sel
}

// Project copies the selected rows of the named source columns into dst, in
// column definition order of dst. dst must define exactly len(cols) columns
// with widths matching the source columns, and must have capacity for the
// selection.
func Project(dst, src *table.Table, sel *roaring.Bitmap, cols []string) error {
	n := int(sel.GetCardinality())
	if n > dst.Capacity() {
		return fmt.Errorf("postprocess: %d selected rows exceed capacity %d of %q",
			n, dst.Capacity(), dst.Name())
	}
	if len(cols) != len(dst.Columns()) {
		return fmt.Errorf("postprocess: %d columns projected into %d-column table %q",
			len(cols), len(dst.Columns()), dst.Name())
	}

	for i, name := range cols {
		si := src.ColumnIndex(name)
		if si < 0 {
			return fmt.Errorf("postprocess: no column %q in %q", name, src.Name())
		}
		w := src.Columns()[si].Width
		if dw := dst.Columns()[i].Width; dw != w {
			return fmt.Errorf("postprocess: width mismatch for %q: %d vs %d", name, w, dw)
		}

		srcSpan := src.HostCol(si)
		dstSpan := dst.HostCol(i)
		out := 0
		it := sel.Iterator()
		for it.HasNext() {
			row := int(it.Next())
			copy(dstSpan[out*w:(out+1)*w], srcSpan[row*w:(row+1)*w])
			out++
		}
	}
	return dst.SetRowCount(n)
}

// GroupSum groups src by the named 4-byte key columns and sums the named
// 4-byte value column per group into dst. dst must define the key columns
// (width 4, in order) followed by one 8-byte sum column. Group order in dst
// is unspecified; sort afterwards if the output must be deterministic.
func GroupSum(dst, src *table.Table, keyCols []string, sumCol string) error {
	keys := make([]int, len(keyCols))
	for i, name := range keyCols {
		ci := src.ColumnIndex(name)
		if ci < 0 {
			return fmt.Errorf("postprocess: no key column %q in %q", name, src.Name())
		}
		if w := src.Columns()[ci].Width; w != 4 {
			return fmt.Errorf("postprocess: key column %q has width %d, want 4", name, w)
		}
		keys[i] = ci
	}
	sumIdx := src.ColumnIndex(sumCol)
	if sumIdx < 0 {
		return fmt.Errorf("postprocess: no sum column %q in %q", sumCol, src.Name())
	}
	if w := src.Columns()[sumIdx].Width; w != 4 {
		return fmt.Errorf("postprocess: sum column %q has width %d, want 4", sumCol, w)
	}
	if want, got := len(keyCols)+1, len(dst.Columns()); want != got {
		return fmt.Errorf("postprocess: group output %q has %d columns, want %d", dst.Name(), got, want)
	}
	if w := dst.Columns()[len(keyCols)].Width; w != 8 {
		return fmt.Errorf("postprocess: sum output column has width %d, want 8", w)
	}

	type group struct {
		slot int
		sum  uint64
	}
	groups := make(map[string]*group)
	order := make([][]uint32, 0)

	keyBuf := make([]byte, 4*len(keys))
	for row := 0; row < src.RowCount(); row++ {
		for i, ci := range keys {
			binary.LittleEndian.PutUint32(keyBuf[i*4:], src.U32(ci, row))
		}
		g, ok := groups[string(keyBuf)]
		if !ok {
			if len(order) >= dst.Capacity() {
				return fmt.Errorf("postprocess: groups exceed capacity %d of %q",
					dst.Capacity(), dst.Name())
			}
			g = &group{slot: len(order)}
			groups[string(keyBuf)] = g
			kv := make([]uint32, len(keys))
			for i, ci := range keys {
				kv[i] = src.U32(ci, row)
			}
			order = append(order, kv)
		}
		g.sum += uint64(src.U32(sumIdx, row))
	}

	sumSpan := dst.HostCol(len(keys))
	for key, g := range groups {
		for i := 0; i < len(keys); i++ {
			dst.SetU32(i, g.slot, binary.LittleEndian.Uint32([]byte(key)[i*4:]))
		}
		binary.LittleEndian.PutUint64(sumSpan[g.slot*8:], g.sum)
	}
	return dst.SetRowCount(len(order))
}

// SortKey describes one sort column.
type SortKey struct {
	Column string
	Desc   bool
}

// SortBy reorders t's rows by the given key columns, 4 or 8 bytes wide.
// Ties keep their existing relative order.
func SortBy(t *table.Table, keys ...SortKey) error {
	cols := make([]int, len(keys))
	widths := make([]int, len(keys))
	for i, k := range keys {
		ci := t.ColumnIndex(k.Column)
		if ci < 0 {
			return fmt.Errorf("postprocess: no sort column %q in %q", k.Column, t.Name())
		}
		w := t.Columns()[ci].Width
		if w != 4 && w != 8 {
			return fmt.Errorf("postprocess: sort column %q has width %d, want 4 or 8", k.Column, w)
		}
		cols[i] = ci
		widths[i] = w
	}

	n := t.RowCount()
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	sort.SliceStable(perm, func(a, b int) bool {
		for i, ci := range cols {
			var va, vb uint64
			if widths[i] == 4 {
				va, vb = uint64(t.U32(ci, perm[a])), uint64(t.U32(ci, perm[b]))
			} else {
				va, vb = U64(t, ci, perm[a]), U64(t, ci, perm[b])
			}
			if va == vb {
				continue
			}
			if keys[i].Desc {
				return va > vb
			}
			return va < vb
		}
		return false
	})

	// Permute every column through a scratch copy.
	for ci, c := range t.Columns() {
		span := t.HostCol(ci)
		tmp := make([]byte, n*c.Width)
		copy(tmp, span[:n*c.Width])
		for to, from := range perm {
			copy(span[to*c.Width:(to+1)*c.Width], tmp[from*c.Width:(from+1)*c.Width])
		}
	}
	return nil
}

// U64 reads the row'th value of an 8-byte column, for reading GroupSum
// output.
func U64(t *table.Table, col, row int) uint64 {
	span := t.HostCol(col)
	return binary.LittleEndian.Uint64(span[row*8:])
}
