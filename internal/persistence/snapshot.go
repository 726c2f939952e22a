// Package persistence implements the optional startup/shutdown state
// snapshot described in basic_bot's commons/persist_state.py: a subset of
// state keys is written to disk on an interval or at shutdown and reloaded
// at the next startup, so a subsystem's last-known state survives a
// restart of the hub itself.
//
// This is a client-owned, opt-in concern, not something the dispatcher
// does automatically — the hub core has no persisted_state_keys list of
// its own; persistence stays out-of-band.
// The file is a single JSON object mapping each saved key to its value.
package persistence

import (
	"encoding/json"
	"fmt"
	"os"
)

// Snapshot is keyed by state key name, each value the raw JSON last
// written to that key.
type Snapshot map[string]json.RawMessage

// Save writes snapshot to path as JSON, creating or truncating the file.
func Save(path string, snapshot Snapshot) error {
	out, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("write snapshot %s: %w", path, err)
	}
	return nil
}

// Load reads a previously-saved snapshot from path. A missing file is not
// an error: it simply yields an empty snapshot, the same as a fresh boot
// with nothing persisted yet.
func Load(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{}, nil
		}
		return nil, fmt.Errorf("read snapshot %s: %w", path, err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot %s: %w", path, err)
	}
	if snap == nil {
		snap = Snapshot{}
	}
	return snap, nil
}

// Filter keeps only the entries of snap whose key appears in keys, used
// to restrict a restore to the keys a given caller actually owns.
func Filter(snap Snapshot, keys []string) Snapshot {
	out := make(Snapshot, len(keys))
	for _, k := range keys {
		if v, ok := snap[k]; ok {
			out[k] = v
		}
	}
	return out
}
