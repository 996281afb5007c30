package scanmaster

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rucio/consistency-enforcement/internal/listclient"
	"github.com/rucio/consistency-enforcement/internal/pathconv"
	"github.com/rucio/consistency-enforcement/internal/stats"
)

type memFilesOut struct {
	mu    sync.Mutex
	paths []string
}

func (f *memFilesOut) Add(path string, size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths = append(f.paths, path)
	return nil
}

type memEmptyDirsOut struct {
	mu    sync.Mutex
	paths []string
}

func (e *memEmptyDirsOut) Add(path string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paths = append(e.paths, path)
	return nil
}

// S6: ignore semantics.
func TestIgnoreSemantics(t *testing.T) {
	ignore := []string{"/store/tmp"}
	assert.True(t, dirIgnored(ignore, "/store/tmp"))
	assert.True(t, dirIgnored(ignore, "/store/tmp/x"))
	assert.False(t, dirIgnored(ignore, "/store/tmpother"))
	assert.True(t, fileIgnored(ignore, "/store/tmp/x/y.root"))
	assert.False(t, fileIgnored(ignore, "/store/tmpother"))
}

func TestFullScanWithSubdirectoriesAndIgnore(t *testing.T) {
	client := listclient.NewFakeClient()
	client.Script("/store/root",
		listclient.Response{Status: listclient.StatusOK,
			Dirs:  []listclient.Entry{{Path: "/store/root/a"}, {Path: "/store/root/tmp"}},
			Files: []listclient.Entry{{Path: "/store/root/top.root", Size: 10}},
		},
	)
	client.Script("/store/root/a",
		listclient.Response{Status: listclient.StatusOK,
			Files: []listclient.Entry{{Path: "/store/root/a/f1.root", Size: 5}, {Path: "/store/root/a/f2.root", Size: 7}},
		},
	)
	client.Script("/store/root/tmp",
		listclient.Response{Status: listclient.StatusOK,
			Files: []listclient.Entry{{Path: "/store/root/tmp/ignored.root", Size: 100}},
		},
	)

	pc := pathconv.New("/", "", "", "/store/root")
	files := &memFilesOut{}
	master := New(client, pc, Options{
		Root:               "/store/root",
		RecursiveThreshold: 10, // force flat everywhere in this small tree
		MaxScanners:        4,
		Timeout:            time.Second,
		IncludeSizes:       true,
		IgnoreList:         []string{"/store/root/tmp"},
	}, files, nil)

	require.NoError(t, master.Run(context.Background()))

	snap := master.Snapshot()
	assert.Equal(t, 2, snap.NToScan) // root + "a"; "tmp" is ignored, so no task is created for it
	assert.Equal(t, 2, snap.NScanned)
	assert.Equal(t, 2, snap.NDirectories)
	assert.Equal(t, 1, snap.IgnoredDirs)
	assert.Equal(t, 3, snap.NFiles)
	assert.Equal(t, int64(22), snap.TotalSize)
	assert.Empty(t, snap.GaveUp)

	sort.Strings(files.paths)
	assert.Equal(t, []string{"/store/root/a/f1.root", "/store/root/a/f2.root", "/store/root/top.root"}, files.paths)
}

// A root whose first listing discovers more subdirectories than
// MaxScanners must not deadlock: the master has to keep draining
// results while workers still hold every semaphore slot.
func TestFanOutBeyondMaxScanners(t *testing.T) {
	const maxScanners = 4
	const nsubdirs = maxScanners * 3

	client := listclient.NewFakeClient()
	var subdirs []listclient.Entry
	for i := 0; i < nsubdirs; i++ {
		path := "/store/wide/d" + string(rune('a'+i))
		subdirs = append(subdirs, listclient.Entry{Path: path})
		client.Script(path, listclient.Response{Status: listclient.StatusOK,
			Files: []listclient.Entry{{Path: path + "/f.root", Size: 1}},
		})
	}
	client.Script("/store/wide", listclient.Response{Status: listclient.StatusOK, Dirs: subdirs})

	pc := pathconv.New("/", "", "", "/store/wide")
	files := &memFilesOut{}
	master := New(client, pc, Options{
		Root:               "/store/wide",
		RecursiveThreshold: 10,
		MaxScanners:        maxScanners,
		Timeout:            time.Second,
	}, files, nil)

	done := make(chan error, 1)
	go func() { done <- master.Run(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run deadlocked fanning out beyond MaxScanners")
	}

	snap := master.Snapshot()
	assert.Equal(t, nsubdirs+1, snap.NToScan)
	assert.Equal(t, nsubdirs+1, snap.NScanned)
	assert.Len(t, files.paths, nsubdirs)
}

func TestGiveUpAfterExhaustingBothBudgets(t *testing.T) {
	client := listclient.NewFakeClient()
	client.Script("/store/broken",
		listclient.Response{Status: "error", Reason: "boom"},
	)
	pc := pathconv.New("/", "", "", "/store/broken")
	master := New(client, pc, Options{
		Root:               "/store/broken",
		RecursiveThreshold: 1,
		MaxScanners:        1,
		Timeout:            time.Second,
	}, nil, nil)

	require.NoError(t, master.Run(context.Background()))
	snap := master.Snapshot()
	assert.Equal(t, 1, snap.NScanned)
	assert.Equal(t, snap.NToScan, snap.NScanned)
	assert.Contains(t, snap.GaveUp, "/store/broken")
}

// Invariant 6: every task reaches a terminal outcome, whether it
// completes or gives up, so NScanned == NToScan once the queue drains.
func TestProgressInvariantAtTermination(t *testing.T) {
	client := listclient.NewFakeClient()
	client.Script("/store/x",
		listclient.Response{Status: listclient.StatusOK,
			Dirs: []listclient.Entry{{Path: "/store/x/bad"}},
		},
	)
	client.Script("/store/x/bad",
		listclient.Response{Status: "error", Reason: "fails forever"},
	)
	pc := pathconv.New("/", "", "", "/store/x")
	master := New(client, pc, Options{
		Root:               "/store/x",
		RecursiveThreshold: 10,
		MaxScanners:        2,
		Timeout:            time.Second,
	}, &memFilesOut{}, nil)

	require.NoError(t, master.Run(context.Background()))
	snap := master.Snapshot()
	assert.Equal(t, snap.NToScan, snap.NScanned)
	assert.Contains(t, snap.GaveUp, "/store/x/bad")
}

// S5: recursive-zero guard.
func TestRecursiveZeroGuard(t *testing.T) {
	client := listclient.NewFakeClient()
	client.Script("/store/truncated",
		listclient.Response{Status: listclient.StatusOK}, // recursive: empty
	)
	// confirmatory flat call (second Ls on same path) finds children
	calls := 0
	wrapped := &confirmingClient{FakeClient: client, onSecondCall: func() ([]listclient.Entry, []listclient.Entry) {
		calls++
		return []listclient.Entry{{Path: "/x"}, {Path: "/y"}}, nil
	}}

	pc := pathconv.New("/", "", "", "/store/truncated")
	master := New(wrapped, pc, Options{
		Root:               "/store/truncated",
		RecursiveThreshold: 0,
		MaxScanners:        1,
		Timeout:            time.Second,
	}, &memFilesOut{}, nil)

	require.NoError(t, master.Run(context.Background()))
	snap := master.Snapshot()
	require.Contains(t, snap.GaveUp, "/store/truncated")
	assert.Contains(t, snap.GaveUp["/store/truncated"], "dirs: 2")
	assert.Contains(t, snap.GaveUp["/store/truncated"], "files: 0")
	assert.Equal(t, 1, calls)
}

// confirmingClient wraps FakeClient so the first Ls for a path behaves
// as scripted, and the second Ls (the master's confirmatory flat
// check) returns a fixed, non-empty result.
type confirmingClient struct {
	*listclient.FakeClient
	onSecondCall func() ([]listclient.Entry, []listclient.Entry)
	seen         map[string]int
	mu           sync.Mutex
}

func TestFinalizeStatsMarksRootFailed(t *testing.T) {
	client := listclient.NewFakeClient()
	client.Script("/store/broken", listclient.Response{Status: "error", Reason: "boom"})

	path := filepath.Join(t.TempDir(), "stats.json")
	sink := stats.NewSink(path)
	pc := pathconv.New("/", "", "", "/store/broken")
	master := New(client, pc, Options{
		Root:               "/store/broken",
		RecursiveThreshold: 1,
		MaxScanners:        1,
		Timeout:            time.Second,
		Stats:              sink,
		StatsSection:       "/store/broken",
	}, nil, nil)

	require.NoError(t, master.Run(context.Background()))
	assert.True(t, master.Snapshot().Failed)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &doc))
	roots := doc["roots"].(map[string]interface{})
	entry := roots["/store/broken"].(map[string]interface{})
	assert.Equal(t, true, entry["root_failed"])
	assert.NotEmpty(t, entry["error"])
}

func TestFinalizeStatsIgnoreFailedDirectories(t *testing.T) {
	client := listclient.NewFakeClient()
	client.Script("/store/broken", listclient.Response{Status: "error", Reason: "boom"})

	path := filepath.Join(t.TempDir(), "stats.json")
	sink := stats.NewSink(path)
	pc := pathconv.New("/", "", "", "/store/broken")
	master := New(client, pc, Options{
		Root:                    "/store/broken",
		RecursiveThreshold:      1,
		MaxScanners:             1,
		Timeout:                 time.Second,
		Stats:                   sink,
		IgnoreFailedDirectories: true,
	}, nil, nil)

	require.NoError(t, master.Run(context.Background()))
	assert.False(t, master.Snapshot().Failed)
}

func (c *confirmingClient) Ls(ctx context.Context, path string, recursive, wantSizes bool, timeout time.Duration) (listclient.Status, string, []listclient.Entry, []listclient.Entry, error) {
	c.mu.Lock()
	if c.seen == nil {
		c.seen = map[string]int{}
	}
	c.seen[path]++
	n := c.seen[path]
	c.mu.Unlock()
	if n >= 2 {
		dirs, files := c.onSecondCall()
		return listclient.StatusOK, "", dirs, files, nil
	}
	return c.FakeClient.Ls(ctx, path, recursive, wantSizes, timeout)
}
