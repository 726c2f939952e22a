package subs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeConn struct{ id string }

func (f fakeConn) ConnID() string { return f.id }

func TestSubscribeAndResolve(t *testing.T) {
	idx := New()
	a := fakeConn{"a"}
	b := fakeConn{"b"}

	idx.Subscribe(a, []string{"set_angles"}, false)
	idx.Subscribe(b, nil, true)

	targets := idx.Resolve([]string{"set_angles"})
	ids := connIDs(targets)
	assert.ElementsMatch(t, []string{"a", "b"}, ids)

	// A key nobody subscribed to yields only the star subscriber.
	targets = idx.Resolve([]string{"unrelated"})
	assert.ElementsMatch(t, []string{"b"}, connIDs(targets))
}

func TestUnsubscribeStarRemovesEveryMembership(t *testing.T) {
	idx := New()
	a := fakeConn{"a"}

	idx.Subscribe(a, []string{"set_angles", "velocity_factor"}, false)
	idx.Subscribe(a, nil, true)

	idx.Unsubscribe(a, nil, true)

	assert.Empty(t, idx.Resolve([]string{"set_angles"}))
	assert.Empty(t, idx.Resolve([]string{"velocity_factor"}))
}

func TestUnsubscribeMissingEntryIsNoop(t *testing.T) {
	idx := New()
	a := fakeConn{"a"}
	assert.NotPanics(t, func() {
		idx.Unsubscribe(a, []string{"never_subscribed"}, false)
	})
}

func TestPurgeRemovesFromEverySet(t *testing.T) {
	idx := New()
	a := fakeConn{"a"}
	idx.Subscribe(a, []string{"x"}, false)
	idx.Subscribe(a, nil, true)

	idx.Purge(a)

	assert.Empty(t, idx.Resolve([]string{"x"}))
}

func TestResolveDeduplicatesStarAndPerKey(t *testing.T) {
	idx := New()
	a := fakeConn{"a"}
	idx.Subscribe(a, []string{"x"}, false)
	idx.Subscribe(a, nil, true)

	targets := idx.Resolve([]string{"x"})
	assert.Len(t, targets, 1)
}

func connIDs(conns []Conn) []string {
	out := make([]string, len(conns))
	for i, c := range conns {
		out[i] = c.ConnID()
	}
	return out
}
