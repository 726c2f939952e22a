// Package store implements the hub's shared key/value state: an opaque
// JSON value per key plus an updated_at timestamp, written wholesale and
// read back as atomic multi-key snapshots.
package store

import (
	"encoding/json"
	"time"
)

// Reserved keys the hub publishes itself.
const (
	KeyHubStats       = "hub_stats"
	KeySubsystemStats = "subsystem_stats"
)

// Entry is one state key's value plus the wall-clock time it was last
// written.
type Entry struct {
	Value     json.RawMessage `json:"value"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Store holds all state keys. It has no internal locking of its own:
// state mutation and reads are both funnelled through the single
// dispatcher goroutine in pkg/hub, which is the only caller of Store
// methods. That discipline is what makes a multi-key Snapshot atomic with
// respect to concurrent Sets without the store needing its own mutex.
type Store struct {
	entries map[string]Entry
}

// New creates an empty store with the two reserved keys pre-populated, as
// central_hub.py does at startup.
func New() *Store {
	s := &Store{entries: make(map[string]Entry)}
	s.Set(KeyHubStats, json.RawMessage(`{"state_updates_recv":0}`))
	s.Set(KeySubsystemStats, json.RawMessage(`{}`))
	return s
}

// Set replaces key's value wholesale and stamps updated_at to now. Writes
// cannot fail; value is assumed to already be valid JSON (the dispatcher
// only ever calls Set with either a decoded updateState field or a value
// it marshaled itself).
func (s *Store) Set(key string, value json.RawMessage) {
	s.entries[key] = Entry{Value: value, UpdatedAt: time.Now()}
}

// Get returns the raw value for key and whether it exists.
func (s *Store) Get(key string) (json.RawMessage, bool) {
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	return e.Value, true
}

// Snapshot returns a map of key -> raw value for the requested keys, or
// every key if keys is empty. Absent keys are simply omitted from the
// result.
func (s *Store) Snapshot(keys []string) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(keys))
	if len(keys) == 0 {
		for k, e := range s.entries {
			out[k] = e.Value
		}
		return out
	}
	for _, k := range keys {
		if e, ok := s.entries[k]; ok {
			out[k] = e.Value
		}
	}
	return out
}

// SnapshotEntries is like Snapshot but keeps the updated_at timestamp
// alongside each value.
func (s *Store) SnapshotEntries(keys []string) map[string]Entry {
	out := make(map[string]Entry, len(keys))
	if len(keys) == 0 {
		for k, e := range s.entries {
			out[k] = e
		}
		return out
	}
	for _, k := range keys {
		if e, ok := s.entries[k]; ok {
			out[k] = e
		}
	}
	return out
}

// Keys returns every key currently in the store.
func (s *Store) Keys() []string {
	out := make([]string, 0, len(s.entries))
	for k := range s.entries {
		out = append(out, k)
	}
	return out
}

// Len reports how many keys are currently held.
func (s *Store) Len() int {
	return len(s.entries)
}
