package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
rses:
  "*":
    npartitions: 8
    scanner:
      timeout: 300
      nworkers: 8
      recursion_threshold: 1
      is_redirector: true
  EXAMPLE_RSE:
    scanner:
      server: "root://example.org:1094"
      server_root: "/"
      roots:
        - path: /store/foo
      nworkers: 16
    ignore_list: ["/store/tmp"]
  MINIMAL_RSE:
    scanner:
      server: "root://minimal.org:1094"
      roots:
        - path: /store/bar
`

func writeSample(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))
	return path
}

func TestRSEConfigMergesOverridesOntoDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeSample(t))
	require.NoError(t, err)

	rse, err := cfg.RSEConfig("EXAMPLE_RSE")
	require.NoError(t, err)

	assert.Equal(t, "root://example.org:1094", rse.Server)
	assert.Equal(t, 16, rse.NWorkers)             // overridden
	assert.Equal(t, 300*time.Second, rse.Timeout) // inherited from "*"
	assert.Equal(t, 1, rse.RecursionThreshold)    // inherited from "*"
	assert.True(t, rse.ServerIsRedirector)        // inherited
	assert.Equal(t, 8, rse.NPartitions)           // inherited
	assert.Equal(t, []string{"/store/tmp"}, rse.IgnoreList)
	assert.Equal(t, []string{"/store/foo"}, rse.RootList)
}

func TestRSEConfigAppliesDefaultsWhenUnset(t *testing.T) {
	cfg, err := LoadConfig(writeSample(t))
	require.NoError(t, err)

	rse, err := cfg.RSEConfig("MINIMAL_RSE")
	require.NoError(t, err)

	assert.Equal(t, "root://minimal.org:1094", rse.Server)
	assert.Equal(t, 8, rse.NWorkers)
	assert.Equal(t, "/", rse.ServerRoot)
	assert.Empty(t, rse.IgnoreList)
	assert.False(t, rse.IgnoreFailedDirectories)
	assert.False(t, rse.DoTrace)
}

func TestRSEConfigUnknownRSE(t *testing.T) {
	cfg, err := LoadConfig(writeSample(t))
	require.NoError(t, err)

	_, err = cfg.RSEConfig("NOPE")
	assert.Error(t, err)
}
