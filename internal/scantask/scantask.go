// Package scantask implements C5: one unit of scanner work, with the
// adaptive recursive->flat attempt-budget state machine from spec
// §4.5, plus the recursive-zero guard from §3/§4.5 performed by the
// master after a successful run.
package scantask

import (
	"context"
	"fmt"
	"time"

	"github.com/rucio/consistency-enforcement/internal/listclient"
	"github.com/rucio/consistency-enforcement/internal/logger"
	"github.com/rucio/consistency-enforcement/internal/pathconv"
)

const (
	maxAttemptsRec  = 3
	maxAttemptsFlat = 3
)

// Status is the outcome tag of one Task.Attempt call.
type Status string

const (
	StatusDone   Status = "done"
	StatusFailed Status = "failed"
	StatusKilled Status = "killed"
)

// Result is what Attempt returns.
type Result struct {
	Status       Status
	Dirs         []listclient.Entry
	Files        []listclient.Entry
	EmptyDirs    []string
	Reason       string
	WasRecursive bool
}

// Task is a value type carrying one directory's scan state and
// attempt budget. Re-queuing a task means publishing an updated copy,
// never mutating a shared object (spec §9 "task representation").
type Task struct {
	Location         string
	RecAttemptsLeft  int
	FlatAttemptsLeft int
	ForcedFlat       bool

	IncludeSizes     bool
	ReportEmptyTop   bool
	ComputeEmptyDirs bool
	Timeout          time.Duration
}

// New constructs the initial task for a location.
func New(location string, recursiveRequested, includeSizes, reportEmptyTop, computeEmptyDirs bool, timeout time.Duration) Task {
	rec := 0
	if recursiveRequested {
		rec = maxAttemptsRec
	}
	return Task{
		Location:         pathconv.Canonicalize(location),
		RecAttemptsLeft:  rec,
		FlatAttemptsLeft: maxAttemptsFlat,
		ForcedFlat:       !recursiveRequested,
		IncludeSizes:     includeSizes,
		ReportEmptyTop:   reportEmptyTop,
		ComputeEmptyDirs: computeEmptyDirs,
		Timeout:          timeout,
	}
}

// ExhaustedBudget reports whether both attempt budgets have hit zero;
// when true the task must be recorded in GaveUp rather than retried.
func (t Task) ExhaustedBudget() bool {
	return t.RecAttemptsLeft == 0 && t.FlatAttemptsLeft == 0
}

// willTryRecursive reports whether the next attempt will be recursive.
func (t Task) willTryRecursive() bool {
	return !t.ForcedFlat && t.RecAttemptsLeft > 0
}

// Attempt performs exactly one listing attempt (recursive or flat per
// the state machine) and returns the updated task (with its budget
// decremented on failure) alongside the result of this attempt. The
// caller (the scanner master) is responsible for re-submitting the
// task when the result is "failed" and the budget is not exhausted.
func (t Task) Attempt(ctx context.Context, client listclient.Client) (Task, Result) {
	recursive := t.willTryRecursive()
	next := t
	if recursive {
		next.RecAttemptsLeft--
	} else {
		next.FlatAttemptsLeft--
	}

	status, reason, dirs, files, err := client.Ls(ctx, t.Location, recursive, t.IncludeSizes, t.Timeout)
	if err != nil {
		return next, Result{Status: StatusFailed, Reason: err.Error(), WasRecursive: recursive}
	}
	if status != listclient.StatusOK {
		return next, Result{Status: StatusFailed, Reason: reason, WasRecursive: recursive}
	}

	var emptyDirs []string
	if t.ComputeEmptyDirs {
		emptyDirs = computeEmptyDirs(t.Location, dirs, files, recursive, t.ReportEmptyTop)
	}

	logger.Debugf(t.Location, "%s t=done files=%d dirs=%d empty=%d",
		recursiveTag(recursive), len(files), len(dirs), len(emptyDirs))

	return next, Result{
		Status:       StatusDone,
		Dirs:         dirs,
		Files:        files,
		EmptyDirs:    emptyDirs,
		WasRecursive: recursive,
	}
}

func recursiveTag(recursive bool) string {
	if recursive {
		return "r"
	}
	return " "
}

// computeEmptyDirs implements the rule in spec §3: for a recursive
// listing, start with every directory path it returned (a flat
// listing seeds no directories, since it cannot show their contents);
// for each returned file, walk
// its ancestors up to (but excluding) "/" and remove each from the
// set; if the listing was recursive (or returned no subdirectories at
// all) and returned no files, add the task's own root.
func computeEmptyDirs(location string, dirs, files []listclient.Entry, recursive, reportEmptyTop bool) []string {
	set := map[string]struct{}{}
	if recursive {
		for _, d := range dirs {
			set[d.Path] = struct{}{}
		}
	}
	for _, f := range files {
		dirpath := pathconv.Parent(f.Path)
		for dirpath != "" && dirpath != "/" {
			if _, ok := set[dirpath]; !ok {
				break
			}
			delete(set, dirpath)
			dirpath = pathconv.Parent(dirpath)
		}
	}
	if reportEmptyTop && (recursive || len(dirs) == 0) && len(files) == 0 {
		set[location] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	return out
}

// RecursiveZeroGuardError is the synthetic give-up reason produced
// when a recursive listing returns empty but a confirmatory flat
// listing finds children (spec §4.5/§9 open question: the numbers
// reported describe the confirmatory listing, not the failed
// recursive call).
func RecursiveZeroGuardError(location string, confirmDirs, confirmFiles int) string {
	return fmt.Sprintf("Recursive scan returned empty for non-empty location %s, dirs: %d, files: %d", location, confirmDirs, confirmFiles)
}
