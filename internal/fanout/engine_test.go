package fanout

import (
	"sort"
	"sync"
	"testing"

	"github.com/Shugur-Network/broker/internal/registry"
	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	mu  sync.Mutex
	got []Matched
}

func (r *recorder) handle(m Matched) {
	r.mu.Lock()
	r.got = append(r.got, m)
	r.mu.Unlock()
}

func targetNames(ts []registry.Target) []string {
	out := make([]string, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.ConnID+"/"+t.SubID)
	}
	sort.Strings(out)
	return out
}

func TestPublishResolvesTargetsPerConnection(t *testing.T) {
	state := registry.NewState()
	bus := NewBus()
	rec := &recorder{}
	bus.Subscribe("test", rec.handle)
	eng := NewEngine(state, bus)

	state.Subscribe("c1", "notes", []nostr.Filter{{Kinds: []int{1}}})
	state.Subscribe("c2", "feed", []nostr.Filter{{Kinds: []int{1}}})
	state.Subscribe("c3", "other", []nostr.Filter{{Kinds: []int{7}}})

	n := eng.Publish(&nostr.Event{ID: "e1", Kind: 1})
	assert.Equal(t, 2, n)

	require.Len(t, rec.got, 1)
	assert.Len(t, rec.got[0].FilterIDs, 1, "shared filter is evaluated once")
	assert.Equal(t, []string{"c1/notes", "c2/feed"}, targetNames(rec.got[0].Targets))
}

func TestPublishDedupesSubscriptionAcrossFilters(t *testing.T) {
	state := registry.NewState()
	bus := NewBus()
	rec := &recorder{}
	bus.Subscribe("test", rec.handle)
	eng := NewEngine(state, bus)

	state.Subscribe("c1", "s", []nostr.Filter{{Kinds: []int{1}}, {Authors: []string{"ab"}}})

	n := eng.Publish(&nostr.Event{ID: "e1", Kind: 1, PubKey: "abcd"})
	assert.Equal(t, 1, n)
	require.Len(t, rec.got, 1)
	assert.Len(t, rec.got[0].FilterIDs, 2)
}

func TestPublishWithoutListenersStillNotifiesBus(t *testing.T) {
	bus := NewBus()
	rec := &recorder{}
	bus.Subscribe("test", rec.handle)
	eng := NewEngine(registry.NewState(), bus)

	assert.Zero(t, eng.Publish(&nostr.Event{ID: "e1", Kind: 1}))
	require.Len(t, rec.got, 1)
	assert.Empty(t, rec.got[0].Targets)
}

func TestRetiredFiltersStopMatching(t *testing.T) {
	state := registry.NewState()
	eng := NewEngine(state, NewBus())

	state.Subscribe("c1", "s", []nostr.Filter{{Kinds: []int{1}}})
	state.Disconnect("c1")
	assert.Zero(t, eng.Publish(&nostr.Event{ID: "e1", Kind: 1}))
}

func TestBusClientsAndClose(t *testing.T) {
	bus := NewBus()
	ch := bus.AddClient("mirror", 1)
	assert.Equal(t, 1, bus.ClientCount())

	evt := &nostr.Event{ID: "e1"}
	bus.Publish(Matched{Event: evt})
	bus.Publish(Matched{Event: evt}) // dropped, buffer full

	m, ok := <-ch
	require.True(t, ok)
	assert.Equal(t, "e1", m.Event.ID)

	bus.Close()
	_, ok = <-ch
	assert.False(t, ok)
	assert.Zero(t, bus.ClientCount())

	bus.Publish(Matched{Event: evt})
	closed := bus.AddClient("late", 1)
	_, ok = <-closed
	assert.False(t, ok)
}

func TestBusHandlerPanicIsContained(t *testing.T) {
	bus := NewBus()
	rec := &recorder{}
	bus.Subscribe("boom", func(Matched) { panic("boom") })
	bus.Subscribe("after", rec.handle)

	bus.Publish(Matched{Event: &nostr.Event{ID: "e1"}})
	assert.Len(t, rec.got, 1)
}

func TestConcurrentPublishAndChurn(t *testing.T) {
	state := registry.NewState()
	eng := NewEngine(state, NewBus())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		conn := string(rune('a' + i))
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				state.Subscribe(conn, "s", []nostr.Filter{{Kinds: []int{j % 4}}})
			}
			state.Disconnect(conn)
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				eng.Publish(&nostr.Event{ID: "x", Kind: j % 4})
			}
		}()
	}
	wg.Wait()
	assert.Empty(t, state.LiveFilters())
}
