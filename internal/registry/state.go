// Package registry tracks which connection wants which events.
//
// Filters are interned by content so that N subscriptions sharing a filter
// cost one entry in the live filter table. Four indices are kept in sync:
//
//	connSubs    conn -> subscription names
//	subFilters  (conn, name) -> filter ids
//	connFilters conn -> filter ids
//	filterConns filter id -> conns
//
// A filter id is present in filterConns and in the interned table iff some
// live subscription references it. Mutations for one connection must be
// serialized by the caller; different connections may mutate concurrently.
package registry

import (
	"fmt"

	"github.com/Shugur-Network/broker/internal/errors"
	"github.com/Shugur-Network/broker/internal/filter"
	"github.com/Shugur-Network/broker/internal/logger"
	"github.com/Shugur-Network/broker/internal/metrics"
	"github.com/Shugur-Network/broker/internal/multimap"
	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

// Interned is a canonicalized filter and its content-derived id.
type Interned struct {
	ID     string
	Filter nostr.Filter
}

// Target is one delivery destination for a matched filter.
type Target struct {
	ConnID string
	SubID  string
}

// Stats is a point-in-time view of registry sizes.
type Stats struct {
	SubscribedConnections int   `json:"subscribed_connections"`
	Subscriptions         int   `json:"subscriptions"`
	LiveFilters           int   `json:"live_filters"`
	Retries               int64 `json:"multimap_retries"`
}

type subKey struct {
	conn string
	name string
}

// State is the subscription and filter registry.
type State struct {
	connSubs    *multimap.MultiMap[string, string]
	subFilters  *multimap.MultiMap[subKey, string]
	connFilters *multimap.MultiMap[string, string]
	filterConns *multimap.MultiMap[string, string]
	filters     *xsync.MapOf[string, *Interned]

	logger *zap.Logger
}

// NewState returns an empty registry.
func NewState() *State {
	return &State{
		connSubs:    multimap.New[string, string](),
		subFilters:  multimap.New[subKey, string](),
		connFilters: multimap.New[string, string](),
		filterConns: multimap.New[string, string](),
		filters:     xsync.NewMapOf[string, *Interned](),
		logger:      logger.New("registry"),
	}
}

// Subscribe registers name on conn with the given filters, replacing any
// previous filter set under the same name. It returns the interned filters
// in request order, duplicates collapsed.
func (s *State) Subscribe(conn, name string, filters []nostr.Filter) []Interned {
	key := subKey{conn, name}

	wanted := make(map[string]struct{}, len(filters))
	interned := make([]Interned, 0, len(filters))
	ids := make([]string, 0, len(filters))
	for _, f := range filters {
		id := filter.ID(f)
		if _, dup := wanted[id]; dup {
			continue
		}
		wanted[id] = struct{}{}
		ids = append(ids, id)
		interned = append(interned, Interned{ID: id, Filter: filter.Canonical(f)})
	}

	previous, _ := s.subFilters.TryGetValues(key)
	if s.connSubs.Add(conn, name) {
		metrics.ActiveSubscriptions.Inc()
	}

	for i, id := range ids {
		// Link first, then intern under the per-key lock. A concurrent retire
		// of the same id checks filterConns under that lock too, so it either
		// sees our link or completes before we recreate the entry.
		s.subFilters.Add(key, id)
		s.connFilters.Add(conn, id)
		s.filterConns.Add(id, conn)
		entry := interned[i]
		s.filters.Compute(id, func(old *Interned, loaded bool) (*Interned, bool) {
			if loaded {
				return old, false
			}
			return &entry, false
		})
	}

	for _, id := range previous {
		if _, keep := wanted[id]; !keep {
			s.dropLink(key, id)
		}
	}

	metrics.LiveFilters.Set(float64(s.filters.Size()))
	s.logger.Debug("subscription registered",
		zap.String("conn_id", conn),
		zap.String("sub_id", name),
		zap.Int("filters", len(ids)),
		zap.Int("replaced", len(previous)))
	return interned
}

// Unsubscribe drops one subscription. Unknown names are a no-op.
func (s *State) Unsubscribe(conn, name string) bool {
	if !s.connSubs.Contains(conn, name) {
		return false
	}

	key := subKey{conn, name}
	ids, _ := s.subFilters.TryGetValues(key)
	for _, id := range ids {
		s.dropLink(key, id)
	}
	s.subFilters.RemoveKey(key)
	if s.connSubs.Remove(conn, name) {
		metrics.ActiveSubscriptions.Dec()
	}

	metrics.LiveFilters.Set(float64(s.filters.Size()))
	s.logger.Debug("subscription closed",
		zap.String("conn_id", conn),
		zap.String("sub_id", name))
	return true
}

// Disconnect removes every subscription owned by conn.
func (s *State) Disconnect(conn string) {
	names, _ := s.connSubs.TryGetValues(conn)
	for _, name := range names {
		s.Unsubscribe(conn, name)
	}

	// Anything left here was linked without a subscription.
	if leftover, ok := s.connFilters.TryGetValues(conn); ok {
		errors.ReportRegistryInvariant("connFilters",
			fmt.Sprintf("conn %s still references %d filters after disconnect", conn, len(leftover)))
		s.connFilters.RemoveKey(conn)
		for _, id := range leftover {
			s.filterConns.Remove(id, conn)
			s.retire(id)
		}
	}
}

// LiveFilters returns a snapshot of every interned filter.
func (s *State) LiveFilters() []Interned {
	out := make([]Interned, 0, s.filters.Size())
	s.filters.Range(func(_ string, f *Interned) bool {
		out = append(out, *f)
		return true
	})
	return out
}

// Targets translates a filter id into the subscriptions that reference it.
func (s *State) Targets(filterID string) []Target {
	conns, ok := s.filterConns.TryGetValues(filterID)
	if !ok {
		return nil
	}
	var out []Target
	for _, conn := range conns {
		names := s.subsReferencing(conn, filterID)
		if len(names) == 0 && s.filterConns.Contains(filterID, conn) {
			// The reverse link is written last and removed first, so it
			// never outlives the forward links. Look again before calling
			// it a violation; the connection may have churned in between.
			names = s.subsReferencing(conn, filterID)
			if len(names) == 0 && s.filterConns.Contains(filterID, conn) {
				errors.ReportRegistryInvariant("filterConns",
					fmt.Sprintf("filter %s linked to conn %s without a subscription", filterID, conn))
			}
		}
		for _, name := range names {
			out = append(out, Target{ConnID: conn, SubID: name})
		}
	}
	return out
}

// Subscriptions returns the names registered on conn.
func (s *State) Subscriptions(conn string) []string {
	names, _ := s.connSubs.TryGetValues(conn)
	return names
}

// HasSubscription reports whether conn has a subscription called name.
func (s *State) HasSubscription(conn, name string) bool {
	return s.connSubs.Contains(conn, name)
}

// Lookup returns an interned filter by id.
func (s *State) Lookup(filterID string) (Interned, bool) {
	f, ok := s.filters.Load(filterID)
	if !ok {
		return Interned{}, false
	}
	return *f, true
}

// Stats reports current sizes.
func (s *State) Stats() Stats {
	subs := 0
	for _, conn := range s.connSubs.Keys() {
		names, _ := s.connSubs.TryGetValues(conn)
		subs += len(names)
	}
	retries := s.connSubs.Retries() + s.subFilters.Retries() +
		s.connFilters.Retries() + s.filterConns.Retries()
	metrics.MultimapRetries.Set(float64(retries))
	return Stats{
		SubscribedConnections: s.connSubs.Len(),
		Subscriptions:         subs,
		LiveFilters:           s.filters.Size(),
		Retries:               retries,
	}
}

// dropLink removes key's reference to id. Links are torn down in the
// reverse of the order Subscribe writes them: filterConns, connFilters,
// then subFilters.
func (s *State) dropLink(key subKey, id string) {
	if !s.referencedElsewhere(key, id) {
		s.filterConns.Remove(id, key.conn)
		s.connFilters.Remove(key.conn, id)
		s.retire(id)
	}
	s.subFilters.Remove(key, id)
}

func (s *State) referencedElsewhere(key subKey, id string) bool {
	names, _ := s.connSubs.TryGetValues(key.conn)
	for _, name := range names {
		if name != key.name && s.subFilters.Contains(subKey{key.conn, name}, id) {
			return true
		}
	}
	return false
}

func (s *State) subsReferencing(conn, id string) []string {
	names, _ := s.connSubs.TryGetValues(conn)
	var out []string
	for _, name := range names {
		if s.subFilters.Contains(subKey{conn, name}, id) {
			out = append(out, name)
		}
	}
	return out
}

// retire deletes id from the interned table when no connection links it.
// The check runs inside the table's per-key compute so it serializes with
// the intern step of a concurrent Subscribe.
func (s *State) retire(id string) {
	s.filters.Compute(id, func(old *Interned, loaded bool) (*Interned, bool) {
		if !loaded {
			return old, true
		}
		if s.filterConns.ContainsKey(id) {
			return old, false
		}
		return old, true
	})
}
