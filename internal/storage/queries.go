package storage

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/Shugur-Network/broker/internal/constants"
	"github.com/Shugur-Network/broker/internal/logger"
	"github.com/Shugur-Network/broker/internal/relay/nips"
	"github.com/jackc/pgx/v5"
	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

// Save implements Store.
func (db *DB) Save(ctx context.Context, req SaveRequest) (SaveResult, error) {
	evt := req.Event
	if db.mightHave(evt.ID) {
		var exists bool
		if err := db.Pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM events WHERE id = $1)`, evt.ID).Scan(&exists); err != nil {
			return SaveResult{}, fmt.Errorf("check existing event: %w", err)
		}
		if exists {
			return SaveResult{Status: Duplicate}, nil
		}
	}

	meta := describe(evt)
	var res SaveResult
	err := db.executeWithRetry(ctx, "save", func(ctx context.Context) error {
		res = SaveResult{}
		return db.inTx(ctx, func(tx pgx.Tx) error {
			return db.saveTx(ctx, tx, req, meta, &res)
		})
	})
	switch {
	case stderrors.Is(err, ErrDuplicate):
		return SaveResult{Status: Duplicate}, nil
	case errSuperseded(err):
		return SaveResult{Status: Superseded}, nil
	case err != nil:
		return SaveResult{}, err
	}

	db.remember(evt.ID)
	return res, nil
}

var errSupersededTx = stderrors.New("newer version stored")

func errSuperseded(err error) bool { return stderrors.Is(err, errSupersededTx) }

func (db *DB) saveTx(ctx context.Context, tx pgx.Tx, req SaveRequest, meta rowMeta, res *SaveResult) error {
	evt := req.Event

	if meta.replaceable() {
		address := fmt.Sprintf("%d:%s:", evt.Kind, evt.PubKey)
		if meta.dTag != nil {
			address += *meta.dTag
		}
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, address); err != nil {
			return fmt.Errorf("lock address: %w", err)
		}

		var newer bool
		err := tx.QueryRow(ctx, `SELECT EXISTS (
				SELECT 1 FROM events
				WHERE pubkey = $1 AND kind = $2 AND d_tag IS NOT DISTINCT FROM $3 AND created_at > $4
			)`, evt.PubKey, evt.Kind, meta.dTag, int64(evt.CreatedAt)).Scan(&newer)
		if err != nil {
			return fmt.Errorf("check newer version: %w", err)
		}
		if newer {
			return errSupersededTx
		}
	}

	tag, err := tx.Exec(ctx, `INSERT INTO events (id, pubkey, created_at, kind, content, sig, d_tag, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		evt.ID, evt.PubKey, int64(evt.CreatedAt), evt.Kind, evt.Content, evt.Sig, meta.dTag, meta.expiresAt)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicate
	}

	if req.Debit > 0 {
		if err := debitTx(ctx, tx, evt.PubKey, req.Debit); err != nil {
			return err
		}
	}

	if meta.replaceable() {
		tag, err := tx.Exec(ctx, `DELETE FROM events
			WHERE pubkey = $1 AND kind = $2 AND d_tag IS NOT DISTINCT FROM $3 AND id <> $4`,
			evt.PubKey, evt.Kind, meta.dTag, evt.ID)
		if err != nil {
			return fmt.Errorf("drop replaced versions: %w", err)
		}
		res.Replaced = int(tag.RowsAffected())
	}

	deleted, err := softDeleteTx(ctx, tx, evt, req.Deletes, req.DeleteAddrs)
	if err != nil {
		return err
	}
	res.Deleted = deleted

	if err := insertTags(ctx, tx, evt); err != nil {
		return err
	}
	res.Status = Stored
	return nil
}

func insertTags(ctx context.Context, tx pgx.Tx, evt *nostr.Event) error {
	if len(evt.Tags) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for i, t := range evt.Tags {
		if len(t) == 0 {
			continue
		}
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("marshal tag %d: %w", i, err)
		}
		var value *string
		if len(t) > 1 {
			value = &t[1]
		}
		batch.Queue(`INSERT INTO event_tags (event_id, position, name, value, data) VALUES ($1, $2, $3, $4, $5)`,
			evt.ID, i, t[0], value, data)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert tags: %w", err)
	}
	return nil
}

func softDeleteTx(ctx context.Context, tx pgx.Tx, del *nostr.Event, ids []string, addrs []nips.Address) (int, error) {
	total := 0
	if len(ids) > 0 {
		tag, err := tx.Exec(ctx, `UPDATE events SET deleted = TRUE
			WHERE id = ANY($1) AND pubkey = $2 AND kind <> $3 AND NOT deleted`,
			ids, del.PubKey, nips.KindDeletion)
		if err != nil {
			return 0, fmt.Errorf("delete by id: %w", err)
		}
		total += int(tag.RowsAffected())
	}
	for _, addr := range addrs {
		var dTag *string
		if nips.IsParameterizedReplaceableKind(addr.Kind) {
			d := addr.D
			dTag = &d
		}
		tag, err := tx.Exec(ctx, `UPDATE events SET deleted = TRUE
			WHERE pubkey = $1 AND kind = $2 AND ($3::text IS NULL OR d_tag = $3)
			AND created_at <= $4 AND NOT deleted`,
			del.PubKey, addr.Kind, dTag, int64(del.CreatedAt))
		if err != nil {
			return 0, fmt.Errorf("delete by address: %w", err)
		}
		total += int(tag.RowsAffected())
	}
	return total, nil
}

func debitTx(ctx context.Context, tx pgx.Tx, pubkey string, amount int64) error {
	tag, err := tx.Exec(ctx, `UPDATE balances SET balance = balance - $2
		WHERE pubkey = $1 AND balance >= $2`, pubkey, amount)
	if err != nil {
		return fmt.Errorf("debit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientBalance
	}
	return nil
}

// Debit implements Store.
func (db *DB) Debit(ctx context.Context, pubkey string, amount int64) error {
	return db.executeWithRetry(ctx, "debit", func(ctx context.Context) error {
		return db.inTx(ctx, func(tx pgx.Tx) error {
			return debitTx(ctx, tx, pubkey, amount)
		})
	})
}

// Query implements Store.
func (db *DB) Query(ctx context.Context, filters []nostr.Filter) ([]nostr.Event, error) {
	queryCtx, cancel := context.WithTimeout(ctx, constants.DBQueryTimeout)
	defer cancel()

	now := time.Now().Unix()
	seen := make(map[string]struct{})
	out := make([]nostr.Event, 0, constants.DefaultQueryPrealloc)
	for i := range filters {
		f := &filters[i]
		if f.LimitZero {
			continue
		}
		q, args := selectQuery(f, now)
		batch, err := db.queryEvents(queryCtx, q, args)
		if err != nil {
			return nil, err
		}
		out = mergeUnique(out, seen, batch)
	}
	sortNewestFirst(out)
	return out, nil
}

func (db *DB) queryEvents(ctx context.Context, q string, args []any) ([]nostr.Event, error) {
	rows, err := db.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []nostr.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			logger.Warn("Row scan failed", zap.Error(err))
			continue
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

func scanEvent(row pgx.Row) (nostr.Event, error) {
	var evt nostr.Event
	var createdAt int64
	var rawTags []byte
	if err := row.Scan(&evt.ID, &evt.PubKey, &createdAt, &evt.Kind, &evt.Content, &evt.Sig, &rawTags); err != nil {
		return evt, err
	}
	evt.CreatedAt = nostr.Timestamp(createdAt)
	evt.Tags = nostr.Tags{}
	if err := json.Unmarshal(rawTags, &evt.Tags); err != nil {
		return evt, fmt.Errorf("unmarshal tags: %w", err)
	}
	return evt, nil
}

// Count implements Store.
func (db *DB) Count(ctx context.Context, filters []nostr.Filter) (int64, error) {
	queryCtx, cancel := context.WithTimeout(ctx, constants.DBQueryTimeout)
	defer cancel()

	q, args := countQuery(filters, time.Now().Unix())
	var n int64
	if err := db.Pool.QueryRow(queryCtx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// GetByID implements Store.
func (db *DB) GetByID(ctx context.Context, id string) (StoredEvent, error) {
	row := db.Pool.QueryRow(ctx, `SELECT `+eventColumns+`, e.deleted FROM events e WHERE e.id = $1`, id)

	var se StoredEvent
	var createdAt int64
	var rawTags []byte
	err := row.Scan(&se.Event.ID, &se.Event.PubKey, &createdAt, &se.Event.Kind, &se.Event.Content, &se.Event.Sig, &rawTags, &se.Deleted)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return StoredEvent{}, ErrNotFound
	}
	if err != nil {
		return StoredEvent{}, fmt.Errorf("get event %s: %w", id, err)
	}
	se.Event.CreatedAt = nostr.Timestamp(createdAt)
	if err := json.Unmarshal(rawTags, &se.Event.Tags); err != nil {
		return StoredEvent{}, fmt.Errorf("unmarshal tags: %w", err)
	}
	return se, nil
}

// HasAuthor implements Store.
func (db *DB) HasAuthor(ctx context.Context, pubkey string) (bool, error) {
	var exists bool
	err := db.Pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM events WHERE pubkey = $1)`, pubkey).Scan(&exists)
	return exists, err
}

// Balance implements Store.
func (db *DB) Balance(ctx context.Context, pubkey string) (int64, error) {
	var balance int64
	err := db.Pool.QueryRow(ctx, `SELECT balance FROM balances WHERE pubkey = $1`, pubkey).Scan(&balance)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return balance, err
}

// Credit implements Store.
func (db *DB) Credit(ctx context.Context, pubkey string, amount int64) (int64, error) {
	var balance int64
	err := db.executeWithRetry(ctx, "credit", func(ctx context.Context) error {
		return db.Pool.QueryRow(ctx, `INSERT INTO balances (pubkey, balance) VALUES ($1, $2)
			ON CONFLICT (pubkey) DO UPDATE SET balance = balances.balance + EXCLUDED.balance
			RETURNING balance`, pubkey, amount).Scan(&balance)
	})
	return balance, err
}

// CleanExpired implements Store.
func (db *DB) CleanExpired(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := db.executeWithRetry(ctx, "clean_expired", func(ctx context.Context) error {
		tag, err := db.Pool.Exec(ctx, `DELETE FROM events WHERE expires_at IS NOT NULL AND expires_at <= $1`, now.Unix())
		if err != nil {
			return err
		}
		n = int(tag.RowsAffected())
		return nil
	})
	return n, err
}

// EventCount implements Store.
func (db *DB) EventCount(ctx context.Context) (int64, error) {
	var n int64
	err := db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM events`).Scan(&n)
	return n, err
}
