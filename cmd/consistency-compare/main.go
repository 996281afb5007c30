// Command consistency-compare runs the three-way comparison (C2)
// between a post-scan catalog dump (A), a scan result (R) and a
// pre-scan catalog dump (B), writing the dark and/or missing streams
// to stdout or to a file.
package main

import (
	"bufio"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rucio/consistency-enforcement/internal/compare"
	"github.com/rucio/consistency-enforcement/internal/partlist"
)

func main() {
	var streamFlag, outPrefix string

	root := &cobra.Command{
		Use:   "consistency-compare <a-prefix> <r-prefix> <b-prefix>",
		Short: "Three-way compare a catalog dump, a scan result and a pre-scan catalog dump",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args[0], args[1], args[2], streamFlag, outPrefix)
		},
		SilenceUsage: true,
	}
	root.Flags().StringVar(&streamFlag, "stream", "", `which stream(s) to compute: "d" (dark), "m" (missing), or unset for both`)
	root.Flags().StringVar(&outPrefix, "out", "", "write results to <out>.dark / <out>.missing instead of stdout")

	if err := root.Execute(); err != nil {
		os.Exit(2)
	}
}

func run(aPrefix, rPrefix, bPrefix, streamFlag, outPrefix string) error {
	stream, err := parseStream(streamFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	a, err := partlist.Open(aPrefix)
	if err != nil {
		return fatal(err)
	}
	defer a.Close()
	r, err := partlist.Open(rPrefix)
	if err != nil {
		return fatal(err)
	}
	defer r.Close()
	b, err := partlist.Open(bPrefix)
	if err != nil {
		return fatal(err)
	}
	defer b.Close()

	darkOut, missingOut, closeFn, err := openOutputs(outPrefix, stream)
	if err != nil {
		return fatal(err)
	}
	defer closeFn()

	err = compare.Compare(a, r, b, stream, func(res compare.Result) error {
		switch res.Kind {
		case compare.Dark:
			_, err := fmt.Fprintln(darkOut, res.Item)
			return err
		case compare.Missing:
			_, err := fmt.Fprintln(missingOut, res.Item)
			return err
		}
		return nil
	})
	if err != nil {
		return fatal(err)
	}
	return nil
}

func parseStream(s string) (compare.Stream, error) {
	switch s {
	case "":
		return compare.StreamBoth, nil
	case "d":
		return compare.StreamDark, nil
	case "m":
		return compare.StreamMissing, nil
	default:
		return 0, fmt.Errorf("invalid --stream value %q: expected \"d\" or \"m\"", s)
	}
}

func openOutputs(prefix string, stream compare.Stream) (dark, missing *bufio.Writer, closeFn func(), err error) {
	if prefix == "" {
		w := bufio.NewWriter(os.Stdout)
		return w, w, func() { _ = w.Flush() }, nil
	}

	var files []*os.File
	var darkW, missingW *bufio.Writer
	if stream != compare.StreamMissing {
		f, ferr := os.Create(prefix + ".dark")
		if ferr != nil {
			return nil, nil, nil, ferr
		}
		files = append(files, f)
		darkW = bufio.NewWriter(f)
	}
	if stream != compare.StreamDark {
		f, ferr := os.Create(prefix + ".missing")
		if ferr != nil {
			for _, f := range files {
				_ = f.Close()
			}
			return nil, nil, nil, ferr
		}
		files = append(files, f)
		missingW = bufio.NewWriter(f)
	}
	return darkW, missingW, func() {
		if darkW != nil {
			_ = darkW.Flush()
		}
		if missingW != nil {
			_ = missingW.Flush()
		}
		for _, f := range files {
			_ = f.Close()
		}
	}, nil
}

func fatal(err error) error {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
	return nil
}
