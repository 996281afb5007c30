// Package partlist implements the partitioned list, the on-disk
// multi-file container shared by the scanner and the three-way
// comparator. Items are sharded by Adler-32 modulo N so that two
// lists built independently with the same N place equal items in the
// same partition.
package partlist

import (
	"bufio"
	"fmt"
	"hash/adler32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// Part returns the partition index for item under nparts partitions.
// For nparts <= 1 the index is always 0 and no checksum is computed.
func Part(nparts int, item string) uint32 {
	if nparts <= 1 {
		return 0
	}
	return adler32.Checksum([]byte(item)) % uint32(nparts)
}

// Writer is a partitioned list open for writing. It is append-only;
// Close must be called to flush the underlying files.
type Writer struct {
	nparts   int
	files    []*os.File
	writers  []io.WriteCloser
	bufs     []*bufio.Writer
	written  int
	compress bool
}

// Create opens nparts files named <prefix>.NNNNN (optionally .gz) for
// writing. It fails if any of the files cannot be created.
func Create(nparts int, prefix string, compressed bool) (*Writer, error) {
	if nparts < 1 {
		return nil, fmt.Errorf("partlist: nparts must be >= 1, got %d", nparts)
	}
	w := &Writer{nparts: nparts, compress: compressed}
	for i := 0; i < nparts; i++ {
		path := partitionPath(prefix, i, compressed)
		f, err := os.Create(path)
		if err != nil {
			w.closeOpened()
			return nil, fmt.Errorf("partlist: create %s: %w", path, err)
		}
		w.files = append(w.files, f)
		var wc io.WriteCloser = f
		if compressed {
			wc = gzip.NewWriter(f)
		}
		w.writers = append(w.writers, wc)
		w.bufs = append(w.bufs, bufio.NewWriter(wc))
	}
	return w, nil
}

func (w *Writer) closeOpened() {
	for _, f := range w.files {
		_ = f.Close()
	}
}

func partitionPath(prefix string, i int, compressed bool) string {
	path := fmt.Sprintf("%s.%05d", prefix, i)
	if compressed {
		path += ".gz"
	}
	return path
}

// Add strips surrounding whitespace from item, computes its partition
// and appends it, newline-terminated, to the corresponding partition
// file.
func (w *Writer) Add(item string) error {
	item = strings.TrimSpace(item)
	i := Part(w.nparts, item)
	if _, err := w.bufs[i].WriteString(item); err != nil {
		return err
	}
	if err := w.bufs[i].WriteByte('\n'); err != nil {
		return err
	}
	w.written++
	return nil
}

// Written returns the number of items added so far.
func (w *Writer) Written() int { return w.written }

// Close flushes and closes all underlying files. It is safe to call
// more than once.
func (w *Writer) Close() error {
	var firstErr error
	for i := range w.bufs {
		if w.bufs[i] == nil {
			continue
		}
		if err := w.bufs[i].Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
		if w.writers[i] != w.files[i] {
			if err := w.writers[i].Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if err := w.files[i].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		w.bufs[i] = nil
	}
	return firstErr
}

// Partition is one restartable sub-iterator over a single partition
// file of a Reader.
type Partition struct {
	path   string
	opener func(string) (io.ReadCloser, error)
	rc     io.ReadCloser
	sc     *bufio.Scanner
}

func newPartition(path string) *Partition {
	return &Partition{path: path, opener: openReader}
}

func openReader(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		return &gzipReadCloser{gz: gz, f: f}, nil
	}
	return f, nil
}

type gzipReadCloser struct {
	gz *gzip.Reader
	f  *os.File
}

func (g *gzipReadCloser) Read(p []byte) (int, error) { return g.gz.Read(p) }
func (g *gzipReadCloser) Close() error {
	err := g.gz.Close()
	if cerr := g.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Rewind seeks the partition back to its beginning so it can be
// iterated again.
func (p *Partition) Rewind() error {
	if p.rc != nil {
		_ = p.rc.Close()
		p.rc = nil
		p.sc = nil
	}
	return nil
}

func (p *Partition) ensureOpen() error {
	if p.rc != nil {
		return nil
	}
	rc, err := p.opener(p.path)
	if err != nil {
		return fmt.Errorf("partlist: open %s: %w", p.path, err)
	}
	p.rc = rc
	p.sc = bufio.NewScanner(rc)
	p.sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return nil
}

// Next returns the next item in the partition, or ("", false) at end
// of partition.
func (p *Partition) Next() (string, bool, error) {
	if err := p.ensureOpen(); err != nil {
		return "", false, err
	}
	if p.sc.Scan() {
		return strings.TrimSpace(p.sc.Text()), true, nil
	}
	if err := p.sc.Err(); err != nil {
		return "", false, err
	}
	return "", false, nil
}

// Items drains the entire partition into a slice, stripped.
func (p *Partition) Items() ([]string, error) {
	if err := p.Rewind(); err != nil {
		return nil, err
	}
	var out []string
	for {
		item, ok, err := p.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		out = append(out, item)
	}
	return out, p.Rewind()
}

// Close releases the underlying file handle, if open.
func (p *Partition) Close() error { return p.Rewind() }

// Reader is a partitioned list opened for reading.
type Reader struct {
	NParts     int
	Partitions []*Partition
}

// Open opens every partition file matching "<prefix>.*" in sorted
// order; the number of partitions is inferred from the file count.
func Open(prefix string) (*Reader, error) {
	matches, err := filepath.Glob(prefix + ".*")
	if err != nil {
		return nil, fmt.Errorf("partlist: glob %s.*: %w", prefix, err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("partlist: no partition files found for prefix %s", prefix)
	}
	sort.Strings(matches)
	return OpenFiles(matches)
}

// OpenFiles opens an explicit, already-ordered list of partition
// files.
func OpenFiles(files []string) (*Reader, error) {
	r := &Reader{NParts: len(files)}
	for _, f := range files {
		r.Partitions = append(r.Partitions, newPartition(f))
	}
	return r, nil
}

// Items yields every item across all partitions, in partition order.
func (r *Reader) Items() ([]string, error) {
	var out []string
	for _, p := range r.Partitions {
		items, err := p.Items()
		if err != nil {
			return nil, err
		}
		out = append(out, items...)
	}
	return out, nil
}

// Close closes every partition's file handle, if open.
func (r *Reader) Close() error {
	var firstErr error
	for _, p := range r.Partitions {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
