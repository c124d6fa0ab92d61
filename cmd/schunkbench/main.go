// Command schunkbench measures super-chunk compression and inspects frames.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"runtime/pprof"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/meigma/schunk"
)

func main() {
	app := &cli.App{
		Name:  "schunkbench",
		Usage: "benchmark and inspect super-chunk frames",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "log engine and storage events to stderr"},
			&cli.BoolFlag{Name: "quiet", Aliases: []string{"q"}, Usage: "hide progress bars"},
			&cli.StringFlag{Name: "cpuprofile", Usage: "write a CPU profile to `FILE`"},
			&cli.StringFlag{Name: "memprofile", Usage: "write a heap profile to `FILE` on exit"},
		},
		Before: startProfile,
		After:  stopProfile,
		Commands: []*cli.Command{
			runningCommand(),
			truncPrecCommand(),
			inspectCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "schunkbench:", err)
		os.Exit(1)
	}
}

var cpuFile *os.File

func startProfile(c *cli.Context) error {
	path := c.String("cpuprofile")
	if path == "" {
		return nil
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		f.Close()
		return err
	}
	cpuFile = f
	return nil
}

func stopProfile(c *cli.Context) error {
	if cpuFile != nil {
		pprof.StopCPUProfile()
		_ = cpuFile.Close()
		cpuFile = nil
	}
	path := c.String("memprofile")
	if path == "" {
		return nil
	}
	runtime.GC()
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return pprof.WriteHeapProfile(f)
}

func logger(c *cli.Context) *slog.Logger {
	if !c.Bool("verbose") {
		return nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// newEngine returns a private engine that logs when --verbose is set.
func newEngine(c *cli.Context) *schunk.Engine {
	return schunk.NewEngine(schunk.WithEngineLogger(logger(c)))
}

// newProgress returns a progress bar that only renders on a terminal.
func newProgress(c *cli.Context, title string, total int64) (*mpb.Progress, *mpb.Bar) {
	var p *mpb.Progress
	if !c.Bool("quiet") && isatty.IsTerminal(os.Stdout.Fd()) {
		p = mpb.New(mpb.WithWidth(64))
	} else {
		p = mpb.New(mpb.WithWidth(64), mpb.WithOutput(nil))
	}
	bar := p.AddBar(total,
		mpb.PrependDecorators(
			decor.Name(title, decor.WCSyncWidth),
			decor.CountersNoUnit("%d / %d"),
		),
		mpb.AppendDecorators(
			decor.OnComplete(decor.Percentage(decor.WC{W: 5}), "done"),
		),
	)
	return p, bar
}

// cparamsFlags are shared by the benchmark commands.
func cparamsFlags(codec string, level int) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "codec", Value: codec, Usage: "block codec (lz4, lz4hc, snappy, zlib, zstd, s2)"},
		&cli.IntFlag{Name: "level", Value: level, Usage: "compression level 0..9"},
		&cli.StringFlag{Name: "filters", Usage: "comma separated filters, e.g. delta,shuffle"},
		&cli.IntFlag{Name: "blocksize", Usage: "block size in bytes, 0 for automatic"},
		&cli.IntFlag{Name: "threads", Value: runtime.GOMAXPROCS(0), Usage: "compression and decompression workers"},
		&cli.StringFlag{Name: "frame", Usage: "persist to `PATH` instead of memory"},
		&cli.BoolFlag{Name: "sharded", Usage: "use a sharded frame directory with --frame"},
	}
}

// parseFilters parses a comma separated filter list. A name may carry its
// meta byte after a colon, as in "truncprec:23".
func parseFilters(list string) ([]schunk.FilterStage, error) {
	if strings.TrimSpace(list) == "" {
		return nil, nil
	}
	var stages []schunk.FilterStage
	for _, part := range strings.Split(list, ",") {
		name, meta, _ := strings.Cut(strings.TrimSpace(part), ":")
		id, ok := schunk.ParseFilter(name)
		if !ok {
			return nil, fmt.Errorf("unknown filter %q", name)
		}
		st := schunk.FilterStage{ID: id}
		if meta != "" {
			var m uint8
			if _, err := fmt.Sscanf(meta, "%d", &m); err != nil {
				return nil, fmt.Errorf("filter %s: bad meta %q", name, meta)
			}
			st.Meta = m
		}
		stages = append(stages, st)
	}
	return stages, nil
}

func storageFromFlags(c *cli.Context, typesize int, extra ...schunk.FilterStage) (schunk.Storage, error) {
	codec, ok := schunk.ParseCodec(c.String("codec"))
	if !ok {
		return schunk.Storage{}, fmt.Errorf("unknown codec %q", c.String("codec"))
	}
	stages, err := parseFilters(c.String("filters"))
	if err != nil {
		return schunk.Storage{}, err
	}
	filters, err := schunk.NewFilters(append(extra, stages...)...)
	if err != nil {
		return schunk.Storage{}, err
	}
	threads := c.Int("threads")
	layout := schunk.LayoutContiguous
	if c.Bool("sharded") {
		layout = schunk.LayoutSharded
	}
	return schunk.Storage{
		Path:   c.String("frame"),
		Layout: layout,
		CParams: schunk.CParams{
			Typesize:  typesize,
			Codec:     codec,
			Level:     c.Int("level"),
			Filters:   filters,
			BlockSize: c.Int("blocksize"),
			NThreads:  threads,
		},
		DParams: schunk.DParams{NThreads: threads},
	}, nil
}

type report struct {
	nbytes, cbytes int64
	compress       time.Duration
	decompress     time.Duration
}

func (r report) print() {
	ratio := 0.0
	if r.cbytes > 0 {
		ratio = float64(r.nbytes) / float64(r.cbytes)
	}
	fmt.Printf("uncompressed: %s\n", size(r.nbytes))
	fmt.Printf("compressed:   %s (ratio %.2fx)\n", size(r.cbytes), ratio)
	fmt.Printf("compression:  %s (%s/s)\n", r.compress.Round(time.Microsecond), rate(r.nbytes, r.compress))
	fmt.Printf("decompress:   %s (%s/s)\n", r.decompress.Round(time.Microsecond), rate(r.nbytes, r.decompress))
}

func size(n int64) string {
	return humanize.IBytes(uint64(max(n, 0))) //nolint:gosec // clamped to non-negative
}

func rate(n int64, d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return size(int64(float64(n) / d.Seconds()))
}
