// Package subs implements the hub's subscription index: per-key subscriber
// sets plus a distinct "star" set of subscribers that receive every
// update, regardless of key.
package subs

// Conn is the minimal identity a subscriber needs: subscriptions are keyed
// by connection identity, not by the connection's network address, since
// two connections can share nothing but their membership in these sets.
type Conn interface {
	ConnID() string
}

// Index holds the per-key subscriber sets and the star set. Like store.Store,
// it has no internal locking: all methods are called only from the hub's
// single dispatcher goroutine, the same critical section that applies
// state writes.
type Index struct {
	byKey map[string]map[string]Conn
	star  map[string]Conn
}

// New creates an empty subscription index.
func New() *Index {
	return &Index{
		byKey: make(map[string]map[string]Conn),
		star:  make(map[string]Conn),
	}
}

// Subscribe adds c to the star set (if star is true) or to the per-key set
// of each of keys, creating per-key sets as needed. Both forms are
// idempotent.
func (idx *Index) Subscribe(c Conn, keys []string, star bool) {
	if star {
		idx.star[c.ConnID()] = c
		return
	}
	for _, key := range keys {
		set, ok := idx.byKey[key]
		if !ok {
			set = make(map[string]Conn)
			idx.byKey[key] = set
		}
		set[c.ConnID()] = c
	}
}

// Unsubscribe removes c from the star set (if star is true) or from the
// per-key sets of keys. Missing entries are silently ignored.
//
// Star unsubscribe removes c from every per-key set as well as the star
// set — the "remove from every membership" semantic, not just the star
// set alone.
func (idx *Index) Unsubscribe(c Conn, keys []string, star bool) {
	if star {
		delete(idx.star, c.ConnID())
		for _, set := range idx.byKey {
			delete(set, c.ConnID())
		}
		return
	}
	for _, key := range keys {
		if set, ok := idx.byKey[key]; ok {
			delete(set, c.ConnID())
		}
	}
}

// Resolve returns the union of the star set and the per-key subscriber
// sets of changedKeys, de-duplicated by connection ID.
func (idx *Index) Resolve(changedKeys []string) []Conn {
	seen := make(map[string]Conn)
	for _, c := range idx.star {
		seen[c.ConnID()] = c
	}
	for _, key := range changedKeys {
		for _, c := range idx.byKey[key] {
			seen[c.ConnID()] = c
		}
	}
	out := make([]Conn, 0, len(seen))
	for _, c := range seen {
		out = append(out, c)
	}
	return out
}

// Purge removes c from the star set and every per-key set, used on
// disconnect.
func (idx *Index) Purge(c Conn) {
	delete(idx.star, c.ConnID())
	for _, set := range idx.byKey {
		delete(set, c.ConnID())
	}
}
