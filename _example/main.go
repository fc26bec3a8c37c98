// A scaled-down profit query in the shape of the classic warehouse
// benchmarks: filter a dimension table on the host, semi-join and join two
// fact tables on the device, then group and rank the profit per part key on
// the CPU.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"math/rand"
	"time"

	"github.com/qpipe/qpipe"
	"github.com/qpipe/qpipe/device/simdev"
	"github.com/qpipe/qpipe/internal/mem"
	"github.com/qpipe/qpipe/postprocess"
	"github.com/qpipe/qpipe/table"
)

const (
	nPart     = 20_000
	nPartsupp = 40_000
	nLineitem = 400_000
	maxKey    = 1 << 16
)

func col(b []byte, capacity, idx int) []byte {
	return b[idx*capacity*4 : (idx+1)*capacity*4]
}

func u32(b []byte, i int) uint32 { return binary.LittleEndian.Uint32(b[i*4:]) }

func putU32(b []byte, i int, v uint32) { binary.LittleEndian.PutUint32(b[i*4:], v) }

// semijoinKernel keeps the rows of the pair table whose key appears in the
// key table, using scratch[0] as a key bitmap. cfg carries the column
// strides: out, keys, pairs.
func semijoinKernel(cfg []byte, in []simdev.Span, out *simdev.Span, scratch [][]byte) error {
	outCap, keyCap, pairCap := int(u32(cfg, 0)), int(u32(cfg, 1)), int(u32(cfg, 2))

	seen := scratch[0][:maxKey/8]
	for i := range seen {
		seen[i] = 0
	}
	keys := in[0]
	for i := 0; i < keys.Rows; i++ {
		k := u32(col(keys.Bytes, keyCap, 0), i)
		seen[k/8] |= 1 << (k % 8)
	}

	pairs := in[1]
	pk, pv := col(pairs.Bytes, pairCap, 0), col(pairs.Bytes, pairCap, 1)
	ok, ov := col(out.Bytes, outCap, 0), col(out.Bytes, outCap, 1)
	n := 0
	for i := 0; i < pairs.Rows; i++ {
		k := u32(pk, i)
		if seen[k/8]&(1<<(k%8)) != 0 {
			putU32(ok, n, k)
			putU32(ov, n, u32(pv, i))
			n++
		}
	}
	out.Rows = n
	return nil
}

// profitKernel joins the fact table against the (key, cost) table and emits
// (key, price-cost) rows. cfg carries the column strides: out, costs, facts.
func profitKernel(cfg []byte, in []simdev.Span, out *simdev.Span, scratch [][]byte) error {
	outCap, costCap, factCap := int(u32(cfg, 0)), int(u32(cfg, 1)), int(u32(cfg, 2))

	costs := in[0]
	costByKey := make(map[uint32]uint32, costs.Rows)
	ck, cv := col(costs.Bytes, costCap, 0), col(costs.Bytes, costCap, 1)
	for i := 0; i < costs.Rows; i++ {
		costByKey[u32(ck, i)] = u32(cv, i)
	}

	facts := in[1]
	fk, fp := col(facts.Bytes, factCap, 0), col(facts.Bytes, factCap, 1)
	ok, ov := col(out.Bytes, outCap, 0), col(out.Bytes, outCap, 1)
	n := 0
	for i := 0; i < facts.Rows; i++ {
		k := u32(fk, i)
		cost, hit := costByKey[k]
		if !hit {
			continue
		}
		price := u32(fp, i)
		if price <= cost {
			continue
		}
		putU32(ok, n, k)
		putU32(ov, n, price-cost)
		n++
	}
	out.Rows = n
	return nil
}

func newTable(dev *simdev.Device, name string, capacity int, cols ...string) *table.Table {
	t := table.New(name, capacity)
	for _, c := range cols {
		t.AddCol(c, 4)
	}
	if err := t.AllocateHost(); err != nil {
		log.Fatal(err)
	}
	if err := t.AllocateDevice(dev, mem.DefaultAlignment); err != nil {
		log.Fatal(err)
	}
	return t
}

func newConfig(dev *simdev.Device, name string, strides ...uint32) *table.ConfigBlob {
	c := table.NewConfigBlob(name, 64)
	if err := c.AllocateHost(); err != nil {
		log.Fatal(err)
	}
	if err := c.AllocateDevice(dev, mem.DefaultAlignment); err != nil {
		log.Fatal(err)
	}
	for i, s := range strides {
		putU32(c.Bytes(), i, s)
	}
	return c
}

func main() {
	rep := flag.Int("rep", 1, "number of pipeline repetitions")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}

	dev := simdev.New()
	defer dev.Close()
	dev.RegisterKernel("semijoin", semijoinKernel)
	dev.RegisterKernel("profit", profitKernel)

	rng := rand.New(rand.NewSource(4711))

	part := newTable(dev, "part", nPart, "p_key", "p_name")
	for i := 0; i < nPart; i++ {
		part.SetU32(0, i, uint32(rng.Intn(maxKey)))
		part.SetU32(1, i, uint32(rng.Intn(1000)))
	}
	if err := part.SetRowCount(nPart); err != nil {
		log.Fatal(err)
	}

	partsupp := newTable(dev, "partsupp", nPartsupp, "ps_key", "ps_cost")
	for i := 0; i < nPartsupp; i++ {
		partsupp.SetU32(0, i, part.U32(0, rng.Intn(nPart)))
		partsupp.SetU32(1, i, uint32(10+rng.Intn(90)))
	}
	if err := partsupp.SetRowCount(nPartsupp); err != nil {
		log.Fatal(err)
	}

	lineitem := newTable(dev, "lineitem", nLineitem, "l_key", "l_price")
	for i := 0; i < nLineitem; i++ {
		lineitem.SetU32(0, i, part.U32(0, rng.Intn(nPart)))
		lineitem.SetU32(1, i, uint32(rng.Intn(200)))
	}
	if err := lineitem.SetRowCount(nLineitem); err != nil {
		log.Fatal(err)
	}

	th0 := newTable(dev, "th0", nPart, "key")
	tk0 := newTable(dev, "tk0", nPartsupp, "key", "cost")
	tk1 := newTable(dev, "tk1", nLineitem, "key", "profit")

	cfg0 := newConfig(dev, "cfg-semijoin", nPartsupp, nPart, nPartsupp)
	cfg1 := newConfig(dev, "cfg-profit", nLineitem, nPartsupp, nLineitem)

	// The host-side pre-filter: parts whose name hash ends in zero, the
	// stand-in for the usual "name like %green%" predicate.
	filterPart := func(context.Context) error {
		n := 0
		for i := 0; i < part.RowCount(); i++ {
			if part.U32(1, i)%10 == 0 {
				th0.SetU32(0, n, part.U32(0, i))
				n++
			}
		}
		return th0.SetRowCount(n)
	}

	p, err := qpipe.NewBuilder(dev,
		qpipe.WithLogger(qpipe.NewTextLogger(level)),
		qpipe.WithScratch(maxKey/8),
	).
		Preload(partsupp).
		HostStep("filter-part", filterPart, th0).
		Stage("semijoin", "semijoin", cfg0, tk0, th0, partsupp).
		Stage("profit", "profit", cfg1, tk1, tk0, lineitem).
		ReadBack(tk1).
		Build()
	if err != nil {
		log.Fatal(err)
	}

	var res *qpipe.Result
	for i := 0; i < *rep; i++ {
		if i > 0 {
			p.Reset()
		}
		start := time.Now()
		res, err = p.Run(context.Background())
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("run %d: %d profit rows in %s\n", i, tk1.RowCount(), time.Since(start))
	}
	fmt.Println(res.Report)

	grouped := table.New("profit-by-key", tk1.RowCount()).
		AddCol("key", 4).
		AddCol("profit", 8)
	if err := grouped.AllocateHost(); err != nil {
		log.Fatal(err)
	}
	if err := postprocess.GroupSum(grouped, tk1, []string{"key"}, "profit"); err != nil {
		log.Fatal(err)
	}
	if err := postprocess.SortBy(grouped, postprocess.SortKey{Column: "profit", Desc: true}); err != nil {
		log.Fatal(err)
	}

	fmt.Println("top part keys by profit:")
	for i := 0; i < 10 && i < grouped.RowCount(); i++ {
		fmt.Printf("  %5d  %d\n", grouped.U32(0, i), postprocess.U64(grouped, 1, i))
	}
}
