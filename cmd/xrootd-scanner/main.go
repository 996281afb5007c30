// Command xrootd-scanner drives a single RSE's scan: it prescans every
// configured root (C4), runs the bounded worker pool (C6) over each
// one, and writes the discovered files to a partitioned list (C1),
// optionally alongside an empty-directory list and a JSON stats
// checkpoint (C14).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/rucio/consistency-enforcement/internal/config"
	"github.com/rucio/consistency-enforcement/internal/listclient"
	"github.com/rucio/consistency-enforcement/internal/logger"
	"github.com/rucio/consistency-enforcement/internal/partlist"
	"github.com/rucio/consistency-enforcement/internal/pathconv"
	"github.com/rucio/consistency-enforcement/internal/prescan"
	"github.com/rucio/consistency-enforcement/internal/scanmaster"
	"github.com/rucio/consistency-enforcement/internal/stats"
)

type flags struct {
	configPath         string
	output             string
	timeout            int
	maxScanners        int
	recursiveThreshold int
	nparts             int
	npartsSet          bool
	ignoreFailedDirs   bool
	quiet              bool
	noSizes            bool
	maxFiles           int
	statsFile          string
	emptyDirsFile      string
	rootFileCounts     string
	trace              bool
	compressed         bool
}

func main() {
	f := &flags{}
	root := &cobra.Command{
		Use:   "xrootd-scanner [flags] <rse>",
		Short: "Scan an RSE's xrootd namespace into a partitioned file listing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args[0], f)
		},
		SilenceUsage: true,
	}

	fl := root.Flags()
	fl.StringVarP(&f.configPath, "config", "c", "", "YAML configuration file (required)")
	fl.StringVarP(&f.output, "output", "o", "out.list", "output file prefix")
	fl.IntVarP(&f.timeout, "timeout", "t", 0, "xrdfs ls timeout in seconds (0: use config default)")
	fl.IntVarP(&f.maxScanners, "workers", "m", 0, "max concurrent scanners (0: use config default)")
	fl.IntVarP(&f.recursiveThreshold, "recursion-threshold", "R", -1, "recursion depth threshold (-1: use config default)")
	fl.IntVarP(&f.nparts, "npartitions", "n", 0, "number of output partitions (0: use config default)")
	fl.BoolVarP(&f.ignoreFailedDirs, "ignore-failed-directories", "k", false, "do not treat per-directory give-ups as an overall scan failure")
	fl.BoolVarP(&f.quiet, "quiet", "q", false, "only print the final summary")
	fl.BoolVarP(&f.noSizes, "no-sizes", "x", false, "do not request file sizes")
	fl.IntVarP(&f.maxFiles, "max-files", "M", 0, "stop scanning a root after this many files (0: unlimited)")
	fl.StringVarP(&f.statsFile, "stats", "s", "", "JSON file to checkpoint statistics into")
	fl.StringVarP(&f.emptyDirsFile, "empty-dirs", "e", "", "output file for the empty-directory list")
	fl.StringVarP(&f.rootFileCounts, "root-counts", "r", "", "JSON file of expected file counts by root")
	fl.BoolVarP(&f.trace, "trace", "T", false, "enable tracing")
	fl.BoolVarP(&f.compressed, "gzip", "z", false, "gzip-compress output files")

	if err := root.Execute(); err != nil {
		os.Exit(2)
	}
}

func run(rse string, f *flags) error {
	programStart := time.Now()
	if f.configPath == "" {
		fmt.Fprintln(os.Stderr, "a configuration file is required (-c/--config)")
		os.Exit(2)
	}

	logger.SetQuiet(f.quiet)

	cfg, err := config.LoadConfig(f.configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	rseConfig, err := cfg.RSEConfig(rse)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	timeout := time.Duration(f.timeout) * time.Second
	if f.timeout == 0 {
		timeout = rseConfig.Timeout
	}
	maxScanners := f.maxScanners
	if maxScanners == 0 {
		maxScanners = rseConfig.NWorkers
	}
	recursiveThreshold := f.recursiveThreshold
	if recursiveThreshold < 0 {
		recursiveThreshold = rseConfig.RecursionThreshold
	}
	nparts := f.nparts
	if nparts == 0 {
		nparts = rseConfig.NPartitions
	}
	includeSizes := rseConfig.IncludeSizes && !f.noSizes
	ignoreFailedDirs := rseConfig.IgnoreFailedDirectories || f.ignoreFailedDirs
	computeEmptyDirs := f.emptyDirsFile != ""

	expected := map[string]int{}
	if f.rootFileCounts != "" {
		raw, err := os.ReadFile(f.rootFileCounts)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		if err := json.Unmarshal(raw, &expected); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
	}

	var statsSink *stats.Sink
	if f.statsFile != "" {
		statsSink = stats.NewSink(f.statsFile)
		_ = statsSink.Update("scanning", map[string]interface{}{
			"rse":               rse,
			"scanner":           map[string]interface{}{"type": "xrootd", "version": "1"},
			"parallel_scanners": maxScanners,
			"server":            rseConfig.Server,
			"server_root":       rseConfig.ServerRoot,
			"roots":             rseConfig.RootList,
			"start_time":        time.Now().UTC().Format(time.RFC3339),
			"status":            "started",
		})
	}

	outList, err := partlist.Create(nparts, f.output, f.compressed)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer outList.Close()

	var emptyDirsFile *os.File
	if f.emptyDirsFile != "" {
		emptyDirsFile, err = os.Create(f.emptyDirsFile)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		defer emptyDirsFile.Close()
	}

	newClient := func(root string) listclient.Client {
		return listclient.NewXRootDClient(rseConfig.Server, rseConfig.ServerIsRedirector, rseConfig.ServerRoot)
	}

	ctx := context.Background()
	good, failedRoots := prescan.Run(ctx, newClient, rseConfig.RootList, timeout, maxScanners)

	anyFailed := false
	for root, reason := range failedRoots {
		logger.Errorf(root, "prescan failed: %s", reason)
		if expected[root] > 0 {
			anyFailed = true
		}
	}

	sort.Slice(good, func(i, j int) bool { return good[i].Root < good[j].Root })

	for _, g := range good {
		pc := pathconv.New(rseConfig.ServerRoot, rseConfig.RemovePrefix, rseConfig.AddPrefix, g.Root)
		master := scanmaster.New(g.Client, pc, scanmaster.Options{
			Root:                    g.Root,
			RecursiveThreshold:      recursiveThreshold,
			MaxScanners:             maxScanners,
			Timeout:                 timeout,
			IncludeSizes:            includeSizes,
			IgnoreList:              rseConfig.IgnoreList,
			ComputeEmptyDirs:        computeEmptyDirs,
			MaxFiles:                f.maxFiles,
			Stats:                   statsSink,
			StatsSection:            g.Root,
			ExpectedFiles:           expected[g.Root],
			IgnoreFailedDirectories: ignoreFailedDirs,
		}, &filesOutAdapter{list: outList}, &emptyDirsOutAdapter{file: emptyDirsFile})

		if err := master.Run(ctx); err != nil {
			logger.Errorf(g.Root, "scan aborted: %v", err)
			anyFailed = true
			continue
		}
		snap := master.Snapshot()
		if snap.Failed {
			anyFailed = true
		}
		printSummary(g.Root, snap, includeSizes)
	}

	if statsSink != nil {
		status := "done"
		if anyFailed {
			status = "failed"
		}
		_ = statsSink.Update("scanning", map[string]interface{}{
			"status":   status,
			"end_time": time.Now().UTC().Format(time.RFC3339),
			"elapsed":  time.Since(programStart).Seconds(),
		})
	}

	if anyFailed {
		os.Exit(1)
	}
	return nil
}

func printSummary(root string, snap scanmaster.State, includeSizes bool) {
	fmt.Printf("Root:                 %s\n", root)
	fmt.Printf("Files:                %d\n", snap.NFiles)
	fmt.Printf("Files ignored:        %d\n", snap.IgnoredFiles)
	fmt.Printf("Directories found:    %d\n", snap.NToScan)
	fmt.Printf("Directories ignored:  %d\n", snap.IgnoredDirs)
	fmt.Printf("Directories scanned:  %d\n", snap.NScanned)
	fmt.Printf("Directories:          %d\n", snap.NDirectories)
	fmt.Printf("  empty directories:  %d\n", snap.NEmptyDirs)
	fmt.Printf("Failed directories:   %d\n", len(snap.GaveUp))
	if includeSizes {
		fmt.Printf("Total size:           %.3f GB\n", float64(snap.TotalSize)/(1<<30))
	}
	for path, reason := range snap.GaveUp {
		fmt.Fprintf(os.Stderr, "%s: %s\n", path, reason)
	}
}

type filesOutAdapter struct{ list *partlist.Writer }

func (a *filesOutAdapter) Add(logicalPath string, size int64) error {
	return a.list.Add(logicalPath)
}

type emptyDirsOutAdapter struct{ file *os.File }

func (a *emptyDirsOutAdapter) Add(logicalPath string) error {
	if a.file == nil {
		return nil
	}
	_, err := fmt.Fprintln(a.file, logicalPath)
	return err
}
