// Package config implements C9: loading the YAML configuration that
// drives a scan, modeled on rucio_consistency/config.py's
// CEConfiguration/RSEConfiguration pair. A per-RSE record is deep-merged
// onto the "*" default record field by field, mirroring
// CEConfiguration.merge.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// DBConfig carries the database connection parameters consumed by the
// DB-dump side of the pipeline (spec §1, out of scope for the scanner
// itself but part of the same configuration document).
type DBConfig struct {
	Schema string
	DBURL  string
}

type rootYAML struct {
	Path string `yaml:"path"`
}

type scannerYAML struct {
	Server       string     `yaml:"server"`
	ServerRoot   *string    `yaml:"server_root"`
	Timeout      *int       `yaml:"timeout"`
	RemovePrefix *string    `yaml:"remove_prefix"`
	AddPrefix    *string    `yaml:"add_prefix"`
	NWorkers     *int       `yaml:"nworkers"`
	IncludeSizes *bool      `yaml:"include_sizes"`
	Recursion    *int       `yaml:"recursion_threshold"`
	IsRedirector *bool      `yaml:"is_redirector"`
	Roots        []rootYAML `yaml:"roots"`
}

type dbdumpYAML struct {
	PathRoot *string `yaml:"path_root"`
}

type rseYAML struct {
	NPartitions             *int        `yaml:"npartitions"`
	IgnoreList              []string    `yaml:"ignore_list"`
	Scanner                 scannerYAML `yaml:"scanner"`
	DBDump                  dbdumpYAML  `yaml:"dbdump"`
	IgnoreFailedDirectories *bool       `yaml:"ignore_failed_directories"`
	Trace                   *bool       `yaml:"trace"`
}

type rawDocument struct {
	RSEs map[string]rseYAML `yaml:"rses"`
}

// ScannerConfiguration is the fully resolved, per-RSE configuration
// consumed by C4/C6 - the "Configuration (consumed)" table of spec §6,
// plus the two fields added scans actually need at runtime.
type ScannerConfiguration struct {
	RSE    string
	Server string

	ServerRoot         string
	Timeout            time.Duration
	RemovePrefix       string
	AddPrefix          string
	NWorkers           int
	IncludeSizes       bool
	RecursionThreshold int
	ServerIsRedirector bool

	NPartitions int
	IgnoreList  []string
	RootList    []string

	DBDumpPathRoot string

	IgnoreFailedDirectories bool
	DoTrace                 bool
}

// CEConfiguration is the parsed document: every RSE record already
// merged onto the "*" defaults.
type CEConfiguration struct {
	byRSE map[string]rseYAML
}

// LoadConfig parses the YAML document at path and merges every RSE
// record onto the "*" default record.
func LoadConfig(path string) (*CEConfiguration, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	var doc rawDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	defaults := doc.RSEs["*"]
	byRSE := make(map[string]rseYAML, len(doc.RSEs))
	for name, cfg := range doc.RSEs {
		if name == "*" {
			continue
		}
		byRSE[name] = mergeRSE(defaults, cfg)
	}
	return &CEConfiguration{byRSE: byRSE}, nil
}

// RSEConfig resolves the configuration for one RSE.
func (c *CEConfiguration) RSEConfig(rse string) (*ScannerConfiguration, error) {
	cfg, ok := c.byRSE[rse]
	if !ok {
		return nil, fmt.Errorf("config: no configuration for RSE %q", rse)
	}

	roots := make([]string, 0, len(cfg.Scanner.Roots))
	for _, r := range cfg.Scanner.Roots {
		roots = append(roots, r.Path)
	}

	return &ScannerConfiguration{
		RSE:                     rse,
		Server:                  cfg.Scanner.Server,
		ServerRoot:              stringOr(cfg.Scanner.ServerRoot, "/"),
		Timeout:                 time.Duration(intOr(cfg.Scanner.Timeout, 300)) * time.Second,
		RemovePrefix:            stringOr(cfg.Scanner.RemovePrefix, ""),
		AddPrefix:               stringOr(cfg.Scanner.AddPrefix, ""),
		NWorkers:                intOr(cfg.Scanner.NWorkers, 8),
		IncludeSizes:            boolOr(cfg.Scanner.IncludeSizes, true),
		RecursionThreshold:      intOr(cfg.Scanner.Recursion, 1),
		ServerIsRedirector:      boolOr(cfg.Scanner.IsRedirector, true),
		NPartitions:             intOr(cfg.NPartitions, 8),
		IgnoreList:              cfg.IgnoreList,
		RootList:                roots,
		DBDumpPathRoot:          stringOr(cfg.DBDump.PathRoot, "/"),
		IgnoreFailedDirectories: boolOr(cfg.IgnoreFailedDirectories, false),
		DoTrace:                 boolOr(cfg.Trace, false),
	}, nil
}

// mergeRSE deep-merges override onto defaults: every field override
// sets replaces the default outright (a nested "scanner" record merges
// field by field, a list replaces wholesale), matching
// CEConfiguration.merge's recursive dict-merge semantics.
func mergeRSE(defaults, override rseYAML) rseYAML {
	out := defaults
	if override.NPartitions != nil {
		out.NPartitions = override.NPartitions
	}
	if override.IgnoreList != nil {
		out.IgnoreList = override.IgnoreList
	}
	if override.IgnoreFailedDirectories != nil {
		out.IgnoreFailedDirectories = override.IgnoreFailedDirectories
	}
	if override.Trace != nil {
		out.Trace = override.Trace
	}
	out.DBDump = mergeDBDump(defaults.DBDump, override.DBDump)
	out.Scanner = mergeScanner(defaults.Scanner, override.Scanner)
	return out
}

func mergeScanner(defaults, override scannerYAML) scannerYAML {
	out := defaults
	if override.Server != "" {
		out.Server = override.Server
	}
	if override.ServerRoot != nil {
		out.ServerRoot = override.ServerRoot
	}
	if override.Timeout != nil {
		out.Timeout = override.Timeout
	}
	if override.RemovePrefix != nil {
		out.RemovePrefix = override.RemovePrefix
	}
	if override.AddPrefix != nil {
		out.AddPrefix = override.AddPrefix
	}
	if override.NWorkers != nil {
		out.NWorkers = override.NWorkers
	}
	if override.IncludeSizes != nil {
		out.IncludeSizes = override.IncludeSizes
	}
	if override.Recursion != nil {
		out.Recursion = override.Recursion
	}
	if override.IsRedirector != nil {
		out.IsRedirector = override.IsRedirector
	}
	if override.Roots != nil {
		out.Roots = override.Roots
	}
	return out
}

func mergeDBDump(defaults, override dbdumpYAML) dbdumpYAML {
	out := defaults
	if override.PathRoot != nil {
		out.PathRoot = override.PathRoot
	}
	return out
}

func stringOr(p *string, def string) string {
	if p == nil {
		return def
	}
	return *p
}

func intOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
