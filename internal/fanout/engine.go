// Package fanout routes admitted events to the subscriptions that want them.
package fanout

import (
	"time"

	"github.com/Shugur-Network/broker/internal/filter"
	"github.com/Shugur-Network/broker/internal/metrics"
	"github.com/Shugur-Network/broker/internal/registry"
	nostr "github.com/nbd-wtf/go-nostr"
)

// Match reports whether evt satisfies f.
func Match(f *nostr.Filter, evt *nostr.Event) bool {
	return filter.Match(f, evt)
}

// Engine matches events against the distinct live filters of a registry
// and publishes the result on a Bus.
type Engine struct {
	state *registry.State
	bus   *Bus
}

// NewEngine wires an engine to its registry and bus.
func NewEngine(state *registry.State, bus *Bus) *Engine {
	return &Engine{state: state, bus: bus}
}

// Bus returns the bus results are published on.
func (e *Engine) Bus() *Bus { return e.bus }

// Publish scans every live filter once, resolves the matching filters to
// (connection, subscription) targets and publishes one Matched payload.
// A subscription reached through several of its filters is targeted once.
// It returns the number of targets.
func (e *Engine) Publish(evt *nostr.Event) int {
	start := time.Now()

	var ids []string
	var targets []registry.Target
	seen := make(map[registry.Target]struct{})
	for _, f := range e.state.LiveFilters() {
		if !Match(&f.Filter, evt) {
			continue
		}
		ids = append(ids, f.ID)
		for _, t := range e.state.Targets(f.ID) {
			if _, dup := seen[t]; dup {
				continue
			}
			seen[t] = struct{}{}
			targets = append(targets, t)
		}
	}

	e.bus.Publish(Matched{Event: evt, FilterIDs: ids, Targets: targets})

	metrics.FanoutDuration.Observe(time.Since(start).Seconds())
	metrics.RecordDeliveries(len(targets))
	return len(targets)
}
