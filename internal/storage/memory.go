package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Shugur-Network/broker/internal/filter"
	"github.com/Shugur-Network/broker/internal/relay/nips"
	nostr "github.com/nbd-wtf/go-nostr"
)

type memRow struct {
	evt     nostr.Event
	meta    rowMeta
	seq     int64
	deleted bool
}

// MemoryStore keeps everything in process. It backs the "memory" driver
// and the unit tests; it has the same semantics as the Postgres store.
type MemoryStore struct {
	mu       sync.RWMutex
	rows     map[string]*memRow
	seq      int64
	balances map[string]int64
	authors  map[string]int
	now      func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows:     make(map[string]*memRow),
		balances: make(map[string]int64),
		authors:  make(map[string]int),
		now:      time.Now,
	}
}

// Save implements Store.
func (m *MemoryStore) Save(_ context.Context, req SaveRequest) (SaveResult, error) {
	evt := req.Event
	meta := describe(evt)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rows[evt.ID]; ok {
		return SaveResult{Status: Duplicate}, nil
	}

	var superseded []string
	if meta.replaceable() {
		for id, row := range m.rows {
			if !sameAddress(row, evt, meta) {
				continue
			}
			if row.evt.CreatedAt > evt.CreatedAt {
				return SaveResult{Status: Superseded}, nil
			}
			superseded = append(superseded, id)
		}
	}

	if req.Debit > 0 {
		if m.balances[evt.PubKey] < req.Debit {
			return SaveResult{}, ErrInsufficientBalance
		}
		m.balances[evt.PubKey] -= req.Debit
	}

	res := SaveResult{Status: Stored}
	for _, id := range superseded {
		m.dropLocked(id)
		res.Replaced++
	}
	res.Deleted = m.softDeleteLocked(evt, req.Deletes, req.DeleteAddrs)

	m.seq++
	m.rows[evt.ID] = &memRow{evt: *evt, meta: meta, seq: m.seq}
	m.authors[evt.PubKey]++
	return res, nil
}

func sameAddress(row *memRow, evt *nostr.Event, meta rowMeta) bool {
	if row.evt.PubKey != evt.PubKey || row.evt.Kind != evt.Kind {
		return false
	}
	if meta.class == nips.KindParameterized {
		return row.meta.dTag != nil && *row.meta.dTag == *meta.dTag
	}
	return true
}

func (m *MemoryStore) softDeleteLocked(del *nostr.Event, ids []string, addrs []nips.Address) int {
	n := 0
	mark := func(row *memRow) {
		if !row.deleted && row.evt.Kind != nips.KindDeletion {
			row.deleted = true
			n++
		}
	}
	for _, id := range ids {
		if row, ok := m.rows[id]; ok && row.evt.PubKey == del.PubKey {
			mark(row)
		}
	}
	for _, addr := range addrs {
		for _, row := range m.rows {
			if row.evt.PubKey != del.PubKey || row.evt.Kind != addr.Kind || row.evt.CreatedAt > del.CreatedAt {
				continue
			}
			if nips.IsParameterizedReplaceableKind(addr.Kind) && (row.meta.dTag == nil || *row.meta.dTag != addr.D) {
				continue
			}
			mark(row)
		}
	}
	return n
}

func (m *MemoryStore) dropLocked(id string) {
	row, ok := m.rows[id]
	if !ok {
		return
	}
	delete(m.rows, id)
	if m.authors[row.evt.PubKey]--; m.authors[row.evt.PubKey] <= 0 {
		delete(m.authors, row.evt.PubKey)
	}
}

// Debit implements Store.
func (m *MemoryStore) Debit(_ context.Context, pubkey string, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balances[pubkey] < amount {
		return ErrInsufficientBalance
	}
	m.balances[pubkey] -= amount
	return nil
}

func (m *MemoryStore) visible(row *memRow, now int64) bool {
	if row.deleted {
		return false
	}
	return row.meta.expiresAt == nil || *row.meta.expiresAt > now
}

// Query implements Store.
func (m *MemoryStore) Query(_ context.Context, filters []nostr.Filter) ([]nostr.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now().Unix()
	seen := make(map[string]struct{})
	var out []nostr.Event
	for i := range filters {
		f := &filters[i]
		if f.LimitZero {
			continue
		}
		var matched []*memRow
		for _, row := range m.rows {
			if m.visible(row, now) && filter.Match(f, &row.evt) {
				matched = append(matched, row)
			}
		}
		sortRows(matched)
		if f.Limit > 0 && len(matched) > f.Limit {
			matched = matched[:f.Limit]
		}
		batch := make([]nostr.Event, len(matched))
		for j, row := range matched {
			batch[j] = row.evt
		}
		out = mergeUnique(out, seen, batch)
	}
	sortNewestFirst(out)
	return out, nil
}

// sortRows orders newest first, later insertion first on equal timestamps.
func sortRows(rows []*memRow) {
	sort.Slice(rows, func(i, j int) bool { return newer(rows[i], rows[j]) })
}

func newer(a, b *memRow) bool {
	if a.evt.CreatedAt != b.evt.CreatedAt {
		return a.evt.CreatedAt > b.evt.CreatedAt
	}
	return a.seq > b.seq
}

// Count implements Store.
func (m *MemoryStore) Count(_ context.Context, filters []nostr.Filter) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now().Unix()
	var n int64
	for _, row := range m.rows {
		if !m.visible(row, now) {
			continue
		}
		for i := range filters {
			if filter.Match(&filters[i], &row.evt) {
				n++
				break
			}
		}
	}
	return n, nil
}

// GetByID implements Store.
func (m *MemoryStore) GetByID(_ context.Context, id string) (StoredEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.rows[id]
	if !ok {
		return StoredEvent{}, ErrNotFound
	}
	return StoredEvent{Event: row.evt, Deleted: row.deleted}, nil
}

// HasAuthor implements Store.
func (m *MemoryStore) HasAuthor(_ context.Context, pubkey string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.authors[pubkey] > 0, nil
}

// Balance implements Store.
func (m *MemoryStore) Balance(_ context.Context, pubkey string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balances[pubkey], nil
}

// Credit implements Store.
func (m *MemoryStore) Credit(_ context.Context, pubkey string, amount int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[pubkey] += amount
	return m.balances[pubkey], nil
}

// CleanExpired implements Store.
func (m *MemoryStore) CleanExpired(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := now.Unix()
	n := 0
	for id, row := range m.rows {
		if row.meta.expiresAt != nil && *row.meta.expiresAt <= cutoff {
			m.dropLocked(id)
			n++
		}
	}
	return n, nil
}

// EventCount implements Store.
func (m *MemoryStore) EventCount(context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.rows)), nil
}

// Ping implements Store.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// Close implements Store.
func (m *MemoryStore) Close() error { return nil }
