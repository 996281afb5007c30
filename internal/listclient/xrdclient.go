package listclient

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rucio/consistency-enforcement/internal/fserrors"
	"github.com/rucio/consistency-enforcement/internal/pacer"
)

// XRootDClient is a thin wrapper around the `xrdfs` command-line
// tool, mirroring how the original Python scanner wrapped a
// ShellCommand. It is not a general xrootd client library - it
// exists only to give C3 one concrete, exercised implementation.
type XRootDClient struct {
	Server       string
	IsRedirector bool
	ServerRoot   string

	pacer *pacer.Pacer

	mu      sync.Mutex
	servers []string
}

// NewXRootDClient constructs a client for one server. Subprocess
// invocations that fail with a retriable error (spec §4.10) are
// retried through a pacer (spec §4.9) before being surfaced to the
// caller.
func NewXRootDClient(server string, isRedirector bool, serverRoot string) *XRootDClient {
	return &XRootDClient{
		Server:       server,
		IsRedirector: isRedirector,
		ServerRoot:   serverRoot,
		pacer:        pacer.New(pacer.Retries(2)),
	}
}

// Prescan probes root and, for a redirector, records the set of
// sub-servers actually serving it (via `xrdfs <server> locate`).
func (c *XRootDClient) Prescan(ctx context.Context, root string) error {
	if !c.IsRedirector {
		c.mu.Lock()
		c.servers = []string{c.Server}
		c.mu.Unlock()
		return nil
	}
	out, err := c.run(ctx, "locate", "-h", c.ServerRoot+root)
	if err != nil {
		return fmt.Errorf("prescan %s: %w", root, err)
	}
	var found []string
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) > 0 {
			found = append(found, fields[0])
		}
	}
	if len(found) == 0 {
		found = []string{c.Server}
	}
	c.mu.Lock()
	c.servers = found
	c.mu.Unlock()
	return nil
}

// Servers implements Client.
func (c *XRootDClient) Servers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.servers...)
}

// Ls implements Client by shelling out to `xrdfs <server> ls [-R] [-l] <path>`.
func (c *XRootDClient) Ls(ctx context.Context, path string, recursive, wantSizes bool, timeout time.Duration) (Status, string, []Entry, []Entry, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{"ls"}
	if recursive {
		args = append(args, "-R")
	}
	if wantSizes {
		args = append(args, "-l")
	}
	args = append(args, c.ServerRoot+path)

	out, err := c.run(cctx, args...)
	if err != nil {
		if cctx.Err() != nil {
			return "timeout", cctx.Err().Error(), nil, nil, nil
		}
		return "error", err.Error(), nil, nil, nil
	}
	dirs, files := parseLsOutput(out, wantSizes)
	// xrdfs prints full server paths; strip the server root so the
	// returned paths are relative to it, as Client requires.
	if prefix := strings.TrimSuffix(c.ServerRoot, "/"); prefix != "" {
		for _, entries := range [][]Entry{dirs, files} {
			for i := range entries {
				if strings.HasPrefix(entries[i].Path, prefix+"/") {
					entries[i].Path = entries[i].Path[len(prefix):]
				}
			}
		}
	}
	return StatusOK, "", dirs, files, nil
}

// run executes `xrdfs <server> <args...>`, retrying through the
// client's pacer when the failure looks transient (spec §4.9/§4.10):
// a non-zero exit with no output at all, which is how a dropped
// connection or a server hiccup manifests, as opposed to a clean
// "no such file" exit that xrdfs reports with its own stderr message.
func (c *XRootDClient) run(ctx context.Context, args ...string) (string, error) {
	var out string
	err := c.pacer.Call(ctx, func() (bool, error) {
		cmd := exec.CommandContext(ctx, "xrdfs", append([]string{c.Server}, args...)...)
		raw, runErr := cmd.Output()
		if runErr == nil {
			out = string(raw)
			return false, nil
		}

		ee, isExitErr := runErr.(*exec.ExitError)
		if isExitErr && len(strings.TrimSpace(string(ee.Stderr))) > 0 {
			return false, fserrors.FatalError(fmt.Errorf("xrdfs %s: %w: %s", strings.Join(args, " "), runErr, strings.TrimSpace(string(ee.Stderr))))
		}
		return true, fserrors.RetryError(fmt.Errorf("xrdfs %s: %w", strings.Join(args, " "), runErr))
	})
	return out, err
}

// parseLsOutput splits an `xrdfs ls [-l]` listing into directories and
// files. A trailing "/" marks a directory; `-l` output is assumed to
// be "<mode> <size> <mtime> <path>" the way xrdfs prints it.
func parseLsOutput(out string, hasSizes bool) (dirs, files []Entry) {
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var path string
		var size int64
		if hasSizes {
			fields := strings.Fields(line)
			if len(fields) < 4 {
				continue
			}
			size, _ = strconv.ParseInt(fields[1], 10, 64)
			path = fields[len(fields)-1]
		} else {
			path = line
		}
		if strings.HasSuffix(path, "/") {
			dirs = append(dirs, Entry{Path: strings.TrimSuffix(path, "/"), Size: size})
		} else {
			files = append(files, Entry{Path: path, Size: size})
		}
	}
	return dirs, files
}
