package main

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"runtime"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/meigma/schunk"
)

func runningCommand() *cli.Command {
	return &cli.Command{
		Name:  "running",
		Usage: "compress chunks of a running int32 index",
		Flags: append(cparamsFlags("lz4", 9),
			&cli.IntFlag{Name: "chunks", Value: 10, Usage: "number of chunks"},
			&cli.IntFlag{Name: "items", Value: 500000, Usage: "int32 elements per chunk"},
		),
		Action: runRunning,
	}
}

func truncPrecCommand() *cli.Command {
	return &cli.Command{
		Name:  "truncprec",
		Usage: "compress a float64 cubic with reduced mantissa precision",
		Flags: append(cparamsFlags("zstd", 5),
			&cli.IntFlag{Name: "chunks", Value: 500, Usage: "number of chunks"},
			&cli.IntFlag{Name: "items", Value: 200000, Usage: "float64 elements per chunk"},
			&cli.IntFlag{Name: "bits", Value: 23, Usage: "mantissa bits to keep"},
		),
		Action: runTruncPrec,
	}
}

func runRunning(c *cli.Context) error {
	nchunks, items := c.Int("chunks"), c.Int("items")
	storage, err := storageFromFlags(c, 4)
	if err != nil {
		return err
	}
	gen := func(i int) []byte {
		b := make([]byte, 4*items)
		for j := range items {
			binary.LittleEndian.PutUint32(b[j*4:], uint32(i*items+j)) //nolint:gosec // wraps like int32
		}
		return b
	}
	r, err := bench(c, storage, nchunks, 4*items, gen, func(i int, got []byte) error {
		if want := gen(i); !bytes.Equal(got, want) {
			return fmt.Errorf("chunk %d does not round-trip", i)
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.print()
	return nil
}

func runTruncPrec(c *cli.Context) error {
	nchunks, items := c.Int("chunks"), c.Int("items")
	bits := c.Int("bits")
	if bits < 0 || bits > 52 {
		return fmt.Errorf("bits %d not in [0, 52]", bits)
	}
	storage, err := storageFromFlags(c, 8,
		schunk.FilterStage{ID: schunk.FilterTruncPrec, Meta: uint8(bits)}, //nolint:gosec // range checked above
		schunk.FilterStage{ID: schunk.FilterShuffle},
	)
	if err != nil {
		return err
	}

	incx := 10 / float64(nchunks*items)
	value := func(k int) float64 {
		x := float64(k) * incx
		return (x - .25) * (x - 4.45) * (x - 8.95)
	}
	gen := func(i int) []byte {
		b := make([]byte, 8*items)
		for j := range items {
			binary.LittleEndian.PutUint64(b[j*8:], math.Float64bits(value(i*items+j)))
		}
		return b
	}

	errs := make([]float64, nchunks)
	r, err := bench(c, storage, nchunks, 8*items, gen, func(i int, got []byte) error {
		for j := range items {
			v := math.Float64frombits(binary.LittleEndian.Uint64(got[j*8:]))
			errs[i] = max(errs[i], math.Abs(v-value(i*items+j)))
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.print()
	worst := 0.0
	for _, e := range errs {
		worst = max(worst, e)
	}
	fmt.Printf("max abs error: %.3g (keeping %d mantissa bits)\n", worst, bits)
	return nil
}

// bench appends nchunks generated chunks, then decompresses them all in
// parallel and hands each to check.
func bench(c *cli.Context, storage schunk.Storage, nchunks, chunkBytes int, gen func(int) []byte, check func(int, []byte) error) (report, error) {
	eng := newEngine(c)
	defer eng.Close()
	opts := []schunk.Option{schunk.WithEngine(eng), schunk.WithLogger(logger(c))}
	sc, err := schunk.New(storage, opts...)
	if err != nil {
		return report{}, err
	}
	defer sc.Close()

	progress, bar := newProgress(c, "compress", int64(nchunks))
	var r report
	for i := range nchunks {
		buf := gen(i)
		start := time.Now()
		if _, err := sc.Append(buf); err != nil {
			bar.Abort(false)
			progress.Wait()
			return report{}, fmt.Errorf("append chunk %d: %w", i, err)
		}
		r.compress += time.Since(start)
		bar.Increment()
	}
	progress.Wait()
	r.nbytes, r.cbytes = sc.NBytes(), sc.CBytes()

	if storage.Path != "" {
		// Read back through a fresh open so decompression hits storage.
		path := sc.Path()
		if err := sc.Close(); err != nil {
			return report{}, err
		}
		if sc, err = schunk.Open(path, append(opts, schunk.WithReadOnly(true))...); err != nil {
			return report{}, err
		}
		defer sc.Close()
	}

	start := time.Now()
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range nchunks {
		g.Go(func() error {
			out := make([]byte, chunkBytes)
			n, err := sc.DecompressChunk(i, out)
			if err != nil {
				return err
			}
			return check(i, out[:n])
		})
	}
	if err := g.Wait(); err != nil {
		return report{}, err
	}
	r.decompress = time.Since(start)
	return r, nil
}
