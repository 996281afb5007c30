package compare

import (
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rucio/consistency-enforcement/internal/partlist"
)

// S2 (three-way basic).
func TestSet3Basic(t *testing.T) {
	a := []string{"x", "y", "z"}
	b := []string{"x", "y"}
	r := []string{"x", "q"}

	dark, missing := Set3(a, r, b)
	assert.ElementsMatch(t, []string{"q"}, dark)
	assert.ElementsMatch(t, []string{"y"}, missing)
}

// S3 (symmetry): swapping A and B yields the same dark/missing sets.
func TestSet3Symmetric(t *testing.T) {
	a := []string{"x", "y", "z"}
	b := []string{"x", "y"}
	r := []string{"x", "q"}

	dark1, missing1 := Set3(a, r, b)
	dark2, missing2 := Set3(b, r, a)

	sort.Strings(dark1)
	sort.Strings(dark2)
	sort.Strings(missing1)
	sort.Strings(missing2)
	assert.Equal(t, dark1, dark2)
	assert.Equal(t, missing1, missing2)
}

func TestStreamOnlyMatchesFullCompute(t *testing.T) {
	a := []string{"x", "y", "z", "w1"}
	b := []string{"x", "y", "w2"}
	r := []string{"x", "q", "w1", "w2"}

	dark, missing := Set3(a, r, b)
	sort.Strings(dark)
	sort.Strings(missing)

	darkOnly := DarkOnly(a, r, b)
	missingOnly := MissingOnly(a, r, b)
	sort.Strings(darkOnly)
	sort.Strings(missingOnly)

	assert.Equal(t, dark, darkOnly)
	assert.Equal(t, missing, missingOnly)
}

// Invariant 3: dark ⊆ R, missing ⊆ A∩B, dark∩A=∅, dark∩B=∅, missing∩R=∅.
func TestIdentities(t *testing.T) {
	a := []string{"x", "y", "z", "u"}
	b := []string{"x", "y", "w"}
	r := []string{"x", "q", "u", "w"}

	dark, missing := Set3(a, r, b)

	rSet := toSet(r)
	aSet := toSet(a)
	bSet := toSet(b)

	for _, d := range dark {
		assert.Contains(t, rSet, d)
		assert.NotContains(t, aSet, d)
		assert.NotContains(t, bSet, d)
	}
	for _, m := range missing {
		assert.Contains(t, aSet, m)
		assert.Contains(t, bSet, m)
		assert.NotContains(t, rSet, m)
	}
}

func toSet(xs []string) map[string]struct{} {
	out := make(map[string]struct{}, len(xs))
	for _, x := range xs {
		out[x] = struct{}{}
	}
	return out
}

func writePartitioned(t *testing.T, prefix string, nparts int, items []string) {
	t.Helper()
	w, err := partlist.Create(nparts, prefix, false)
	require.NoError(t, err)
	for _, it := range items {
		require.NoError(t, w.Add(it))
	}
	require.NoError(t, w.Close())
}

// Invariant 4: the union of per-partition results equals comparing
// the flattened inputs.
func TestPartitionLocalSoundness(t *testing.T) {
	dir := t.TempDir()
	a := []string{"/s/a", "/s/b", "/s/c", "/s/d/e", "/s/f"}
	r := []string{"/s/a", "/s/g", "/s/d/e", "/s/h"}
	b := []string{"/s/a", "/s/b", "/s/h", "/s/i"}

	writePartitioned(t, filepath.Join(dir, "a"), 4, a)
	writePartitioned(t, filepath.Join(dir, "r"), 4, r)
	writePartitioned(t, filepath.Join(dir, "b"), 4, b)

	ra, err := partlist.Open(filepath.Join(dir, "a"))
	require.NoError(t, err)
	rr, err := partlist.Open(filepath.Join(dir, "r"))
	require.NoError(t, err)
	rb, err := partlist.Open(filepath.Join(dir, "b"))
	require.NoError(t, err)

	results, err := CompareAll(ra, rr, rb, StreamBoth)
	require.NoError(t, err)

	var gotDark, gotMissing []string
	for _, res := range results {
		switch res.Kind {
		case Dark:
			gotDark = append(gotDark, res.Item)
		case Missing:
			gotMissing = append(gotMissing, res.Item)
		}
	}

	wantDark, wantMissing := Set3(a, r, b)
	sort.Strings(gotDark)
	sort.Strings(gotMissing)
	sort.Strings(wantDark)
	sort.Strings(wantMissing)
	assert.Equal(t, wantDark, gotDark)
	assert.Equal(t, wantMissing, gotMissing)
}

func TestInconsistentPartitioning(t *testing.T) {
	dir := t.TempDir()
	writePartitioned(t, filepath.Join(dir, "a"), 4, []string{"x"})
	writePartitioned(t, filepath.Join(dir, "r"), 2, []string{"x"})
	writePartitioned(t, filepath.Join(dir, "b"), 4, []string{"x"})

	ra, err := partlist.Open(filepath.Join(dir, "a"))
	require.NoError(t, err)
	rr, err := partlist.Open(filepath.Join(dir, "r"))
	require.NoError(t, err)
	rb, err := partlist.Open(filepath.Join(dir, "b"))
	require.NoError(t, err)

	_, err = CompareAll(ra, rr, rb, StreamBoth)
	require.Error(t, err)
	var ipe *InconsistentPartitioningError
	assert.ErrorAs(t, err, &ipe)
}
