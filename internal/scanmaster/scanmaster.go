// Package scanmaster implements C6: the bounded worker pool that
// drives C5 scanner tasks over an unknown-branching-factor tree,
// aggregating counters, emitting heartbeats, and terminating on queue
// exhaustion.
//
// Workers are goroutines bounded by a semaphore channel; the master
// itself is a single goroutine consuming a result channel, per the
// "message-passing" option in spec §9 (preferred here because Go
// channels are cheap).
package scanmaster

import (
	"context"
	"sync"
	"time"

	"github.com/rucio/consistency-enforcement/internal/listclient"
	"github.com/rucio/consistency-enforcement/internal/logger"
	"github.com/rucio/consistency-enforcement/internal/pathconv"
	"github.com/rucio/consistency-enforcement/internal/scantask"
	"github.com/rucio/consistency-enforcement/internal/stats"
)

// HeartbeatInterval is the default period at which the master
// persists a heartbeat into the stats sink while the queue is
// non-empty (spec §4.6/§5).
const HeartbeatInterval = 60 * time.Second

// FilesOut receives every discovered, non-ignored file.
type FilesOut interface {
	Add(logicalPath string, size int64) error
}

// EmptyDirsOut receives every discovered empty directory (the root
// itself is never passed here).
type EmptyDirsOut interface {
	Add(logicalPath string) error
}

// Options configures one root's scan run.
type Options struct {
	Root               string
	RecursiveThreshold int
	MaxScanners        int
	Timeout            time.Duration
	IncludeSizes       bool
	IgnoreList         []string
	ComputeEmptyDirs   bool
	MaxFiles           int // 0 means unlimited
	HeartbeatInterval  time.Duration
	Stats              *stats.Sink

	// StatsSection keys this root's entry in the stats sink's "roots"
	// map (spec §6's per-root stats block). Defaults to Root when
	// empty.
	StatsSection string

	// ExpectedFiles is the expected file count for this root from the
	// optional root-file-counts input (spec §6's per-root "expected"
	// key). Zero means no expectation was supplied.
	ExpectedFiles int

	// IgnoreFailedDirectories mirrors the config flag of the same
	// name (spec §7): when false, a non-empty GaveUp map at
	// termination sets State.Failed and marks the root as failed in
	// the final stats entry.
	IgnoreFailedDirectories bool
}

// State is the mutable per-root scan state, matching spec §3's Scan
// state record. All fields are only safe to read once Run has
// returned; use the Snapshot method for a coherent view while a scan
// is in flight.
type State struct {
	NToScan      int
	NScanned     int
	NFiles       int
	NDirectories int
	NEmptyDirs   int
	IgnoredFiles int
	IgnoredDirs  int
	TotalSize    int64
	GaveUp       map[string]string
	Failed       bool
}

// Master owns the worker pool, the task queue and the aggregated
// state for one root's scan.
type Master struct {
	opts         Options
	client       listclient.Client
	pathConv     *pathconv.Converter
	filesOut     FilesOut
	emptyDirsOut EmptyDirsOut

	mu    sync.Mutex
	state State
}

// New constructs a Master for one (client, root) pair.
func New(client listclient.Client, pathConv *pathconv.Converter, opts Options, filesOut FilesOut, emptyDirsOut EmptyDirsOut) *Master {
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = HeartbeatInterval
	}
	return &Master{
		opts:         opts,
		client:       client,
		pathConv:     pathConv,
		filesOut:     filesOut,
		emptyDirsOut: emptyDirsOut,
		state:        State{NToScan: 1, GaveUp: map[string]string{}},
	}
}

// Snapshot returns a coherent copy of the current state.
func (m *Master) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.state
	s.GaveUp = make(map[string]string, len(m.state.GaveUp))
	for k, v := range m.state.GaveUp {
		s.GaveUp[k] = v
	}
	return s
}

type workerResult struct {
	task   scantask.Task
	result scantask.Result
}

// Run drives the scan to completion: primes the queue with a task at
// the root (recursive iff RecursiveThreshold == 0), dispatches
// work across a bounded pool, aggregates results, and returns once
// the queue has drained and no task is in flight.
func (m *Master) Run(ctx context.Context) error {
	startTime := time.Now()
	maxScanners := m.opts.MaxScanners
	if maxScanners < 1 {
		maxScanners = 1
	}

	pending := []scantask.Task{
		scantask.New(m.opts.Root, m.opts.RecursiveThreshold == 0, m.opts.IncludeSizes,
			false, m.opts.ComputeEmptyDirs, m.opts.Timeout),
	}
	inFlight := 0
	// results is buffered to maxScanners. A worker frees its sem slot
	// before sending its result, so by the time the master receives a
	// result that worker's slot is already free and dispatchPending can
	// start a pending task; a send that finds the buffer full only waits
	// for the master's next receive.
	results := make(chan workerResult, maxScanners)
	sem := make(chan struct{}, maxScanners)

	nextHeartbeat := time.Now().Add(m.opts.HeartbeatInterval)
	var heartbeatTimer *time.Timer
	if m.opts.Stats != nil {
		heartbeatTimer = time.NewTimer(m.opts.HeartbeatInterval)
		defer heartbeatTimer.Stop()
	}

	// dispatchPending starts as many pending tasks as there are free
	// slots in sem, acquiring each non-blockingly so it never stalls
	// waiting for a slot a running worker can only free by delivering a
	// result the master hasn't read yet (the deadlock a blocking
	// acquire here would reintroduce).
	dispatchPending := func() {
		for len(pending) > 0 {
			select {
			case sem <- struct{}{}:
				t := pending[0]
				pending = pending[1:]
				inFlight++
				go func(t scantask.Task) {
					task, result := t.Attempt(ctx, m.client)
					<-sem
					results <- workerResult{task: task, result: result}
				}(t)
			default:
				return
			}
		}
	}

	dispatchPending()

	for inFlight > 0 {
		var heartbeatCh <-chan time.Time
		if heartbeatTimer != nil {
			heartbeatCh = heartbeatTimer.C
		}
		select {
		case wr := <-results:
			inFlight--
			newTasks := m.handleResult(ctx, wr.task, wr.result)
			pending = append(pending, newTasks...)
			dispatchPending()
		case now := <-heartbeatCh:
			if now.After(nextHeartbeat) || now.Equal(nextHeartbeat) {
				m.opts.Stats.Heartbeat(now)
				nextHeartbeat = nextHeartbeat.Add(m.opts.HeartbeatInterval)
			}
			heartbeatTimer.Reset(m.opts.HeartbeatInterval)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.finalizeStats(startTime)
	return nil
}

// handleResult aggregates one task's outcome into the master state
// and returns any new tasks that must be dispatched as a result
// (retries and newly discovered subdirectories).
func (m *Master) handleResult(ctx context.Context, task scantask.Task, result scantask.Result) []scantask.Task {
	if result.Status == scantask.StatusFailed {
		if !task.ExhaustedBudget() {
			logger.Logf(task.Location, "resubmitted because of error: %s", result.Reason)
			return []scantask.Task{task}
		}
		m.mu.Lock()
		m.state.GaveUp[task.Location] = result.Reason
		m.state.NScanned++
		m.mu.Unlock()
		logger.Logf(task.Location, "Gave up: %s", result.Reason)
		return nil
	}

	dirs, files, emptyDirs := result.Dirs, result.Files, result.EmptyDirs

	if result.WasRecursive && len(dirs) == 0 && len(files) == 0 {
		confirmDirs, confirmFiles, confirmFailed := m.confirmEmptyRecursive(ctx, task)
		if confirmFailed || len(confirmDirs) > 0 || len(confirmFiles) > 0 {
			reason := scantask.RecursiveZeroGuardError(task.Location, len(confirmDirs), len(confirmFiles))
			m.mu.Lock()
			m.state.GaveUp[task.Location] = reason
			m.state.NScanned++
			m.mu.Unlock()
			logger.Logf(task.Location, "Gave up: %s", reason)
			return nil
		}
	}

	m.mu.Lock()
	m.state.NScanned++
	m.mu.Unlock()

	var newTasks []scantask.Task
	for _, d := range dirs {
		logpath := m.pathConv.ToLogical(d.Path)
		m.mu.Lock()
		m.state.NDirectories++
		ignored := dirIgnored(m.opts.IgnoreList, logpath)
		if ignored {
			m.state.IgnoredDirs++
		}
		m.mu.Unlock()
		if ignored {
			logger.Debugf(logpath, "directory ignored")
			continue
		}
		if !result.WasRecursive {
			if t, ok := m.addDirectoryToScan(d.Path); ok {
				newTasks = append(newTasks, t)
			}
		}
	}

	for _, f := range files {
		logpath := m.pathConv.ToLogical(f.Path)
		m.mu.Lock()
		m.state.NFiles++
		ignored := fileIgnored(m.opts.IgnoreList, logpath)
		if ignored {
			m.state.IgnoredFiles++
		} else {
			m.state.TotalSize += f.Size
		}
		m.mu.Unlock()
		if !ignored && m.filesOut != nil {
			_ = m.filesOut.Add(logpath, f.Size)
		}
	}

	if len(emptyDirs) > 0 {
		m.mu.Lock()
		m.state.NEmptyDirs += len(emptyDirs)
		m.mu.Unlock()
		if m.emptyDirsOut != nil {
			for _, p := range emptyDirs {
				if p != m.opts.Root {
					_ = m.emptyDirsOut.Add(p)
				}
			}
		}
	}

	return newTasks
}

// confirmEmptyRecursive performs the confirmatory flat ls from spec
// §4.5's recursive-zero guard. failed==true, or any child found,
// means the recursive result must be treated as a failure; the only
// case where the original empty result stands is a clean flat ls
// that also finds nothing.
func (m *Master) confirmEmptyRecursive(ctx context.Context, task scantask.Task) (dirs, files []listclient.Entry, failed bool) {
	status, _, dirs, files, err := m.client.Ls(ctx, task.Location, false, m.opts.IncludeSizes, m.opts.Timeout)
	if err != nil || status != listclient.StatusOK {
		return nil, nil, true
	}
	return dirs, files, false
}

// addDirectoryToScan enqueues a new task for a newly discovered
// subdirectory, given by its client-side (server-root-relative) path,
// allowing recursion only at or below the configured threshold (spec
// §4.6 "Recursive threshold").
func (m *Master) addDirectoryToScan(path string) (scantask.Task, bool) {
	depth := pathconv.RelativeDepth(m.opts.Root, path)
	allowRecursive := depth >= m.opts.RecursiveThreshold

	m.mu.Lock()
	skip := m.opts.MaxFiles > 0 && m.state.NFiles >= m.opts.MaxFiles
	if !skip {
		m.state.NToScan++
	}
	m.mu.Unlock()
	if skip {
		return scantask.Task{}, false
	}

	t := scantask.New(path, allowRecursive, m.opts.IncludeSizes, true, m.opts.ComputeEmptyDirs, m.opts.Timeout)
	return t, true
}

// dirIgnored implements spec §4.6: a directory is ignored iff its
// logical path equals some ignore-list entry or starts with
// "<entry>/".
func dirIgnored(ignoreList []string, logpath string) bool {
	for _, sub := range ignoreList {
		if logpath == sub || hasPrefixSlash(logpath, sub) {
			return true
		}
	}
	return false
}

// fileIgnored implements spec §4.6 for files: prefix match anchored
// at "/" or exact path match.
func fileIgnored(ignoreList []string, logpath string) bool {
	for _, sub := range ignoreList {
		if logpath == sub || hasPrefixSlash(logpath, sub) {
			return true
		}
	}
	return false
}

func hasPrefixSlash(path, prefix string) bool {
	return len(path) > len(prefix) && path[:len(prefix)] == prefix && path[len(prefix)] == '/'
}

// finalizeStats sets State.Failed from the GaveUp map and, when a
// stats sink is configured, persists this root's per-root entry (spec
// §6) into it, keyed by StatsSection.
func (m *Master) finalizeStats(startTime time.Time) {
	snap := m.Snapshot()
	failed := len(snap.GaveUp) > 0 && !m.opts.IgnoreFailedDirectories

	m.mu.Lock()
	m.state.Failed = failed
	m.mu.Unlock()

	if m.opts.Stats == nil {
		return
	}
	section := m.opts.StatsSection
	if section == "" {
		section = m.opts.Root
	}

	entry := map[string]interface{}{
		"root":                  m.opts.Root,
		"expected":              m.opts.ExpectedFiles,
		"files":                 snap.NFiles,
		"directories":           snap.NDirectories,
		"empty_directories":     snap.NEmptyDirs,
		"directories_ignored":   snap.IgnoredDirs,
		"files_ignored":         snap.IgnoredFiles,
		"elapsed_time":          time.Since(startTime).Seconds(),
		"total_size_gb":         float64(snap.TotalSize) / (1 << 30),
		"root_failed":           failed,
		"failed_subdirectories": snap.GaveUp,
	}
	if failed {
		entry["error"] = "one or more directories exceeded their retry budget"
	}

	_ = m.opts.Stats.Update("roots", map[string]interface{}{section: entry})
}
