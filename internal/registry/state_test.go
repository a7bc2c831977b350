package registry

import (
	"fmt"
	"sort"
	"sync"
	"testing"

	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func kinds(k ...int) nostr.Filter { return nostr.Filter{Kinds: k} }

func targetSet(ts []Target) []string {
	out := make([]string, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.ConnID+"/"+t.SubID)
	}
	sort.Strings(out)
	return out
}

func TestSubscribeInternsSharedFilters(t *testing.T) {
	s := NewState()

	a := s.Subscribe("c1", "s1", []nostr.Filter{kinds(1, 7)})
	b := s.Subscribe("c2", "feed", []nostr.Filter{kinds(7, 1, 7)})
	require.Len(t, a, 1)
	require.Len(t, b, 1)

	assert.Equal(t, a[0].ID, b[0].ID, "order and duplicates must not change identity")
	assert.Len(t, s.LiveFilters(), 1)
	assert.Equal(t, []string{"c1/s1", "c2/feed"}, targetSet(s.Targets(a[0].ID)))
}

func TestSubscribeCollapsesDuplicateFilters(t *testing.T) {
	s := NewState()
	got := s.Subscribe("c1", "s1", []nostr.Filter{kinds(1), kinds(1), kinds(2)})
	assert.Len(t, got, 2)
	assert.Len(t, s.LiveFilters(), 2)
}

func TestUnsubscribeRetiresOrphanedFilters(t *testing.T) {
	s := NewState()
	f := s.Subscribe("c1", "s1", []nostr.Filter{kinds(1)})
	s.Subscribe("c2", "s1", []nostr.Filter{kinds(1)})

	assert.True(t, s.Unsubscribe("c1", "s1"))
	assert.Len(t, s.LiveFilters(), 1, "still referenced by c2")
	assert.Equal(t, []string{"c2/s1"}, targetSet(s.Targets(f[0].ID)))

	assert.True(t, s.Unsubscribe("c2", "s1"))
	assert.Empty(t, s.LiveFilters())
	assert.Empty(t, s.Targets(f[0].ID))
	_, ok := s.Lookup(f[0].ID)
	assert.False(t, ok)
}

func TestUnsubscribeUnknownIsNoop(t *testing.T) {
	s := NewState()
	s.Subscribe("c1", "s1", []nostr.Filter{kinds(1)})

	assert.False(t, s.Unsubscribe("c1", "nope"))
	assert.False(t, s.Unsubscribe("c9", "s1"))
	assert.Len(t, s.LiveFilters(), 1)
}

func TestResubscribeReplacesFilters(t *testing.T) {
	s := NewState()
	old := s.Subscribe("c1", "s1", []nostr.Filter{kinds(1)})
	fresh := s.Subscribe("c1", "s1", []nostr.Filter{kinds(2)})

	assert.Empty(t, s.Targets(old[0].ID))
	assert.Equal(t, []string{"c1/s1"}, targetSet(s.Targets(fresh[0].ID)))
	assert.Len(t, s.LiveFilters(), 1)
	assert.Equal(t, []string{"s1"}, s.Subscriptions("c1"))
}

func TestSharedFilterAcrossSubscriptionsOfOneConnection(t *testing.T) {
	s := NewState()
	f := s.Subscribe("c1", "a", []nostr.Filter{kinds(1)})
	s.Subscribe("c1", "b", []nostr.Filter{kinds(1)})

	assert.Equal(t, []string{"c1/a", "c1/b"}, targetSet(s.Targets(f[0].ID)))

	s.Unsubscribe("c1", "a")
	assert.Equal(t, []string{"c1/b"}, targetSet(s.Targets(f[0].ID)))
	assert.Len(t, s.LiveFilters(), 1)
}

func TestDisconnectLeavesNothingBehind(t *testing.T) {
	s := NewState()
	s.Subscribe("c1", "a", []nostr.Filter{kinds(1), {Authors: []string{"abcd"}}})
	s.Subscribe("c1", "b", []nostr.Filter{kinds(1)})

	s.Disconnect("c1")

	assert.Empty(t, s.LiveFilters())
	assert.Empty(t, s.Subscriptions("c1"))
	st := s.Stats()
	assert.Equal(t, 0, st.SubscribedConnections)
	assert.Equal(t, 0, st.Subscriptions)
	assert.Equal(t, 0, st.LiveFilters)
}

func TestStatsCountsOnlySubscribedConnections(t *testing.T) {
	s := NewState()
	s.Subscribe("c1", "a", []nostr.Filter{kinds(1)})
	s.Subscribe("c1", "b", []nostr.Filter{kinds(2)})
	s.Subscribe("c2", "a", []nostr.Filter{kinds(1)})

	st := s.Stats()
	assert.Equal(t, 2, st.SubscribedConnections)
	assert.Equal(t, 3, st.Subscriptions)

	s.Unsubscribe("c2", "a")
	assert.Equal(t, 1, s.Stats().SubscribedConnections)
}

func TestLimitIsPartOfIdentity(t *testing.T) {
	s := NewState()
	a := s.Subscribe("c1", "s1", []nostr.Filter{{Kinds: []int{1}, Limit: 10}})
	b := s.Subscribe("c1", "s2", []nostr.Filter{{Kinds: []int{1}, Limit: 20}})
	assert.NotEqual(t, a[0].ID, b[0].ID)
}

// Many connections churn subscriptions over a small filter space. Once all
// of them disconnect the registry must be empty, and no filter that still
// had a subscriber may have been retired along the way.
func TestConcurrentChurnDoesNotLeak(t *testing.T) {
	s := NewState()
	const conns = 16

	var wg sync.WaitGroup
	for c := 0; c < conns; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			conn := fmt.Sprintf("c%d", c)
			for i := 0; i < 300; i++ {
				s.Subscribe(conn, "s", []nostr.Filter{kinds(i % 3)})
				if i%5 == 0 {
					s.Unsubscribe(conn, "s")
				}
			}
			s.Subscribe(conn, "keep", []nostr.Filter{kinds(42)})
		}(c)
	}
	wg.Wait()

	keep := s.Subscribe("probe", "keep", []nostr.Filter{kinds(42)})
	assert.Len(t, s.Targets(keep[0].ID), conns+1)
	for _, f := range s.LiveFilters() {
		assert.NotEmpty(t, s.Targets(f.ID), "interned filter %s has no subscriber", f.ID)
	}

	for c := 0; c < conns; c++ {
		s.Disconnect(fmt.Sprintf("c%d", c))
	}
	s.Disconnect("probe")
	assert.Empty(t, s.LiveFilters())
	assert.Equal(t, 0, s.Stats().Subscriptions)
}
