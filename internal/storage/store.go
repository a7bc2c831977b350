package storage

import (
	"context"
	stderrors "errors"
	"sort"
	"time"

	"github.com/Shugur-Network/broker/internal/logger"
	"github.com/Shugur-Network/broker/internal/relay/nips"
	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

var (
	// ErrInsufficientBalance means the debit would drive a balance negative.
	ErrInsufficientBalance = stderrors.New("insufficient balance")
	// ErrNotFound is returned by lookups that match nothing.
	ErrNotFound = stderrors.New("not found")
	// ErrDuplicate marks an insert whose id is already stored.
	ErrDuplicate = stderrors.New("duplicate event")
)

// StoredEvent is an event as kept by the store, including the soft-delete
// marker that hides it from queries.
type StoredEvent struct {
	Event   nostr.Event
	Deleted bool
}

// SaveStatus is what Save did with the event.
type SaveStatus int

const (
	// Stored means the event was inserted.
	Stored SaveStatus = iota
	// Duplicate means an event with the same id already exists.
	Duplicate
	// Superseded means a newer version of the same replaceable address
	// exists; nothing was written.
	Superseded
)

func (s SaveStatus) String() string {
	switch s {
	case Stored:
		return "stored"
	case Duplicate:
		return "duplicate"
	case Superseded:
		return "superseded"
	default:
		return "unknown"
	}
}

// SaveRequest is one admission's worth of writes. Everything in it commits
// or rolls back together.
type SaveRequest struct {
	Event *nostr.Event
	// Debit is charged to the author's balance; zero skips the ledger.
	Debit int64
	// Deletes and DeleteAddrs are soft-deleted when owned by the author.
	Deletes     []string
	DeleteAddrs []nips.Address
}

// SaveResult reports the outcome of a Save.
type SaveResult struct {
	Status   SaveStatus
	Replaced int
	Deleted  int
}

// Store is the persistence boundary of the broker.
type Store interface {
	// Save inserts req.Event unless its id is present or a newer version
	// of its address exists, applying deletions, replacement and the debit
	// in the same transaction. ErrInsufficientBalance aborts everything.
	Save(ctx context.Context, req SaveRequest) (SaveResult, error)
	// Debit charges pubkey without storing anything.
	Debit(ctx context.Context, pubkey string, amount int64) error
	// Query returns the union of matches for filters, newest first. Each
	// filter contributes at most its Limit rows; LimitZero contributes none.
	Query(ctx context.Context, filters []nostr.Filter) ([]nostr.Event, error)
	// Count returns the number of distinct events matching any filter.
	Count(ctx context.Context, filters []nostr.Filter) (int64, error)
	GetByID(ctx context.Context, id string) (StoredEvent, error)
	HasAuthor(ctx context.Context, pubkey string) (bool, error)
	Balance(ctx context.Context, pubkey string) (int64, error)
	// Credit adds amount to pubkey's balance and returns the new balance.
	Credit(ctx context.Context, pubkey string, amount int64) (int64, error)
	// CleanExpired hard-deletes events whose expiration is at or before now.
	CleanExpired(ctx context.Context, now time.Time) (int, error)
	EventCount(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// rowMeta is the derived, indexable part of an event row.
type rowMeta struct {
	class     nips.KindClass
	dTag      *string
	expiresAt *int64
}

func describe(evt *nostr.Event) rowMeta {
	m := rowMeta{class: nips.Classify(evt.Kind)}
	if m.class == nips.KindParameterized {
		d := nips.GetDTagValue(evt)
		m.dTag = &d
	}
	if exp, ok := nips.GetExpirationTime(evt); ok {
		ts := exp.Unix()
		m.expiresAt = &ts
	}
	return m
}

func (m rowMeta) replaceable() bool {
	return m.class == nips.KindReplaceable || m.class == nips.KindParameterized
}

// sortNewestFirst orders by created_at descending. Rows with equal
// timestamps keep the order the caller supplied them in.
func sortNewestFirst(events []nostr.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].CreatedAt > events[j].CreatedAt
	})
}

// mergeUnique appends batch to out, skipping ids already seen.
func mergeUnique(out []nostr.Event, seen map[string]struct{}, batch []nostr.Event) []nostr.Event {
	for _, evt := range batch {
		if _, dup := seen[evt.ID]; dup {
			continue
		}
		seen[evt.ID] = struct{}{}
		out = append(out, evt)
	}
	return out
}

// StartExpiredEventsCleaner deletes expired events every interval until ctx
// is done. The returned channel closes when the sweeper has exited.
func StartExpiredEventsCleaner(ctx context.Context, s Store, interval time.Duration) <-chan struct{} {
	done := make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				count, err := s.CleanExpired(ctx, now)
				if err != nil {
					logger.Error("Failed to clean expired events", zap.Error(err))
				} else if count > 0 {
					logger.Info("Cleaned expired events", zap.Int("count", count))
				}
			}
		}
	}()
	return done
}
