// Package prescan implements C4: validating that each configured root
// is reachable, and discovering usable sub-servers, before a full
// scan begins.
package prescan

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rucio/consistency-enforcement/internal/listclient"
	"github.com/rucio/consistency-enforcement/internal/logger"
)

// ClientFactory builds a fresh Client for one root.
type ClientFactory func(root string) listclient.Client

// Good is one successfully prescanned (client, root) pair, ready to
// be handed to a scanner master.
type Good struct {
	Client listclient.Client
	Root   string
}

type result struct {
	root string
	good *Good
	err  string
}

// Run prescans every root through a bounded worker pool of size
// maxScanners, returning the roots that are reachable and the roots
// that failed along with their error. Failures here are not fatal by
// themselves - the caller decides whether a failed root was expected
// to contain files.
func Run(ctx context.Context, newClient ClientFactory, roots []string, timeout time.Duration, maxScanners int) ([]Good, map[string]string) {
	if maxScanners < 1 {
		maxScanners = 1
	}

	resultsCh := make(chan result, len(roots))
	sem := make(chan struct{}, maxScanners)

	g, gctx := errgroup.WithContext(ctx)
	for _, root := range roots {
		root := root
		g.Go(func() error {
			sem <- struct{}{}
			defer func() { <-sem }()
			resultsCh <- prescanOne(gctx, newClient, root, timeout)
			return nil
		})
	}

	go func() {
		_ = g.Wait()
		close(resultsCh)
	}()

	var good []Good
	failed := map[string]string{}
	for r := range resultsCh {
		if r.err != "" {
			failed[r.root] = r.err
			continue
		}
		good = append(good, *r.good)
	}
	return good, failed
}

func prescanOne(ctx context.Context, newClient ClientFactory, root string, timeout time.Duration) (res result) {
	res.root = root
	defer func() {
		if rec := recover(); rec != nil {
			res.err = fmt.Sprintf("Exception: %v", rec)
		}
	}()

	logger.Logf("prescan", "prescanning %s ...", root)
	client := newClient(root)
	if err := client.Prescan(ctx, root); err != nil {
		res.err = fmt.Sprintf("Exception: %v", err)
		return res
	}
	logger.Logf("prescan", "    will use servers: %v", client.Servers())

	status, reason, _, _, err := client.Ls(ctx, root, false, false, timeout)
	if err != nil {
		res.err = fmt.Sprintf("Exception: %v", err)
		return res
	}
	if status != listclient.StatusOK {
		res.err = reason
		return res
	}
	res.good = &Good{Client: client, Root: root}
	return res
}
