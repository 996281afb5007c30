// Package stats implements C14: a JSON checkpoint file that scanner
// runs merge progress and heartbeat information into, modeled on
// rucio_consistency/stats.py's Stats class.
package stats

import (
	"encoding/json"
	"os"
	"sync"
	"time"
)

// Sink is a JSON document on disk, updated by deep-merging sections
// into it. Concurrent callers share one in-memory copy guarded by a
// mutex; every Update re-reads the file from disk before merging, so
// a Sink stays correct even if another process also writes it between
// calls (mirroring Stats.save's read-then-merge-then-rewrite).
type Sink struct {
	mu   sync.Mutex
	path string
	data map[string]interface{}
}

// NewSink constructs a Sink backed by path. The file is not required
// to exist yet; it is created on the first Update.
func NewSink(path string) *Sink {
	return &Sink{path: path, data: map[string]interface{}{}}
}

// Update deep-merges v (expected to be a map, struct, or anything
// encoding/json can marshal to an object) into section, then rewrites
// the backing file. A missing or corrupt existing file is treated as
// an empty document, never an error.
func (s *Sink) Update(section string, v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	encoded, err := toJSONMap(v)
	if err != nil {
		return err
	}

	disk := s.readLocked()
	sub, _ := disk[section].(map[string]interface{})
	if sub == nil {
		sub = map[string]interface{}{}
	}
	updateDeep(sub, encoded)
	disk[section] = sub
	s.data = disk

	return s.writeLocked(disk)
}

// Heartbeat records the current time into the "scanning" section's
// heartbeat fields, both as a Unix timestamp and as an RFC 3339 string
// (spec §4.13).
func (s *Sink) Heartbeat(t time.Time) {
	_ = s.Update("scanning", map[string]interface{}{
		"heartbeat":     t.Unix(),
		"heartbeat_utc": t.UTC().Format(time.RFC3339),
	})
}

func (s *Sink) readLocked() map[string]interface{} {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return map[string]interface{}{}
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil || doc == nil {
		return map[string]interface{}{}
	}
	return doc
}

func (s *Sink) writeLocked(doc map[string]interface{}) error {
	encoded, err := json.MarshalIndent(doc, "", "    ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, encoded, 0o644)
}

// updateDeep merges update into data in place: nested objects merge
// recursively, everything else (scalars, arrays, an object overwriting
// a non-object) replaces the existing value outright.
func updateDeep(data, update map[string]interface{}) {
	for k, v := range update {
		nested, isObject := v.(map[string]interface{})
		if !isObject {
			data[k] = v
			continue
		}
		if existing, ok := data[k].(map[string]interface{}); ok {
			updateDeep(existing, nested)
		} else {
			data[k] = nested
		}
	}
}

// toJSONMap round-trips v through JSON so Update can accept a struct,
// a map, or anything else json.Marshal supports.
func toJSONMap(v interface{}) (map[string]interface{}, error) {
	if m, ok := v.(map[string]interface{}); ok {
		return m, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}
