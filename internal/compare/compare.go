// Package compare implements the partitioned three-way set
// comparison between a post-scan catalog dump (A), the scan results
// (R) and a pre-scan catalog dump (B):
//
//	dark    = (R - A) - B
//	missing = (A ∩ B) - R
//
// The comparison is symmetric in A and B by construction, and is
// computed one partition at a time so memory use is bounded by the
// size of a single partition, not the whole list.
package compare

import (
	"fmt"

	"github.com/rucio/consistency-enforcement/internal/partlist"
)

// Stream selects which output(s) a caller wants computed.
type Stream int

const (
	// StreamBoth computes both dark and missing items.
	StreamBoth Stream = iota
	// StreamDark computes only dark items.
	StreamDark
	// StreamMissing computes only missing items.
	StreamMissing
)

// Kind tags one result item as dark ("d") or missing ("m").
type Kind byte

const (
	Dark    Kind = 'd'
	Missing Kind = 'm'
)

// Result is one classified item emitted by Compare.
type Result struct {
	Kind Kind
	Item string
}

// InconsistentPartitioningError is returned when the three lists were
// not built with the same number of partitions.
type InconsistentPartitioningError struct {
	NA, NR, NB int
}

func (e *InconsistentPartitioningError) Error() string {
	return fmt.Sprintf("compare: inconsistent number of partitions: A=%d R=%d B=%d", e.NA, e.NR, e.NB)
}

// Set3 runs the in-memory algorithm from spec §4.2 over three slices
// of items belonging to the same partition (or the flattened lists,
// for the partition-local-soundness property).
func Set3(a, r, b []string) (dark, missing []string) {
	aMinusR := make(map[string]struct{}, len(a))
	for _, x := range a {
		aMinusR[x] = struct{}{}
	}
	rMinusA := make(map[string]struct{})
	for _, x := range r {
		if _, ok := aMinusR[x]; ok {
			delete(aMinusR, x)
		} else {
			rMinusA[x] = struct{}{}
		}
	}
	d := rMinusA
	m := make(map[string]struct{})
	for _, x := range b {
		if _, ok := d[x]; ok {
			delete(d, x)
		}
		if _, ok := aMinusR[x]; ok {
			m[x] = struct{}{}
		}
	}
	for x := range d {
		dark = append(dark, x)
	}
	for x := range m {
		missing = append(missing, x)
	}
	return dark, missing
}

// DarkOnly computes R - A - B directly, bounding memory to one
// output set when only dark items are wanted.
func DarkOnly(a, r, b []string) []string {
	d := make(map[string]struct{}, len(r))
	for _, x := range r {
		d[x] = struct{}{}
	}
	for _, x := range a {
		delete(d, x)
	}
	for _, x := range b {
		delete(d, x)
	}
	out := make([]string, 0, len(d))
	for x := range d {
		out = append(out, x)
	}
	return out
}

// MissingOnly computes (A ∩ B) - R directly.
func MissingOnly(a, r, b []string) []string {
	aSet := make(map[string]struct{}, len(a))
	for _, x := range a {
		aSet[x] = struct{}{}
	}
	m := make(map[string]struct{})
	for _, x := range b {
		if _, ok := aSet[x]; ok {
			m[x] = struct{}{}
		}
	}
	for _, x := range r {
		delete(m, x)
	}
	out := make([]string, 0, len(m))
	for x := range m {
		out = append(out, x)
	}
	return out
}

// Compare streams classification results for three partitioned lists
// with matching partition counts. stream selects which output(s) to
// compute; Results are delivered to emit in no particular order.
func Compare(a, r, b *partlist.Reader, stream Stream, emit func(Result) error) error {
	if a.NParts != r.NParts || r.NParts != b.NParts {
		return &InconsistentPartitioningError{NA: a.NParts, NR: r.NParts, NB: b.NParts}
	}
	for i := 0; i < a.NParts; i++ {
		aItems, err := a.Partitions[i].Items()
		if err != nil {
			return fmt.Errorf("compare: reading A partition %d: %w", i, err)
		}
		rItems, err := r.Partitions[i].Items()
		if err != nil {
			return fmt.Errorf("compare: reading R partition %d: %w", i, err)
		}
		bItems, err := b.Partitions[i].Items()
		if err != nil {
			return fmt.Errorf("compare: reading B partition %d: %w", i, err)
		}

		switch stream {
		case StreamDark:
			for _, x := range DarkOnly(aItems, rItems, bItems) {
				if err := emit(Result{Kind: Dark, Item: x}); err != nil {
					return err
				}
			}
		case StreamMissing:
			for _, x := range MissingOnly(aItems, rItems, bItems) {
				if err := emit(Result{Kind: Missing, Item: x}); err != nil {
					return err
				}
			}
		default:
			dark, missing := Set3(aItems, rItems, bItems)
			for _, x := range dark {
				if err := emit(Result{Kind: Dark, Item: x}); err != nil {
					return err
				}
			}
			for _, x := range missing {
				if err := emit(Result{Kind: Missing, Item: x}); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// CompareAll is a convenience wrapper around Compare that collects
// all results into memory; intended for small lists and tests, not
// for production-sized partitions.
func CompareAll(a, r, b *partlist.Reader, stream Stream) ([]Result, error) {
	var out []Result
	err := Compare(a, r, b, stream, func(res Result) error {
		out = append(out, res)
		return nil
	})
	return out, err
}
