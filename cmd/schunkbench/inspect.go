package main

import (
	"errors"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/meigma/schunk"
)

func inspectCommand() *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "print the header, metalayers and usermeta of a frame",
		ArgsUsage: "PATH",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "verify", Usage: "decompress every chunk to check its checksums"},
		},
		Action: inspect,
	}
}

func inspect(c *cli.Context) error {
	if c.Args().Len() != 1 {
		return cli.Exit("inspect needs exactly one PATH", 2)
	}
	eng := newEngine(c)
	defer eng.Close()
	sc, err := schunk.Open(c.Args().First(), schunk.WithReadOnly(true), schunk.WithEngine(eng), schunk.WithLogger(logger(c)))
	if err != nil {
		return err
	}
	defer sc.Close()

	cp := sc.CParams()
	st := sc.Stats()
	fmt.Printf("path:       %s (%s)\n", sc.Path(), sc.Layout())
	fmt.Printf("chunks:     %d\n", st.NChunks)
	fmt.Printf("typesize:   %d\n", cp.Typesize)
	fmt.Printf("codec:      %s level %d\n", cp.Codec, cp.Level)
	fmt.Printf("filters:    %v\n", cp.Filters.Stages())
	fmt.Printf("sizes:      %s -> %s (ratio %.2fx)\n", size(st.NBytes), size(st.CBytes), st.Ratio)
	for _, name := range sc.Metalayers() {
		content, err := sc.GetMetalayer(name)
		if err != nil {
			return err
		}
		fmt.Printf("metalayer:  %s (%d bytes)\n", name, len(content))
	}
	um, err := sc.Usermeta()
	if err != nil {
		return err
	}
	fmt.Printf("usermeta:   %d bytes\n", len(um))

	if !c.Bool("verify") {
		return nil
	}
	progress, bar := newProgress(c, "verify", int64(st.NChunks))
	var failed error
	for i := range st.NChunks {
		if err := verifyChunk(sc, i); err != nil {
			failed = errors.Join(failed, fmt.Errorf("chunk %d: %w", i, err))
		}
		bar.Increment()
	}
	progress.Wait()
	if failed != nil {
		return failed
	}
	fmt.Println("verify:     ok")
	return nil
}

func verifyChunk(sc *schunk.SChunk, i int) error {
	nbytes, _, err := sc.ChunkSizes(i)
	if err != nil {
		return err
	}
	_, err = sc.DecompressChunk(i, make([]byte, nbytes))
	return err
}
