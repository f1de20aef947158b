package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// QueueRecord is the persisted form of one sync queue item.
type QueueRecord struct {
	ID             string
	Tenant         string
	EntityType     string
	EntityID       string
	Operation      string
	Payload        []byte
	Revision       int64
	Destinations   []string
	Priority       int
	Status         string
	Attempts       int
	MaxAttempts    int
	RetryDelays    []time.Duration
	Seq            int64
	CreatedAt      time.Time
	FirstAttemptAt time.Time
	LastAttemptAt  time.Time
	NextAttemptAt  time.Time
	LastError      string
	ErrorKind      string
}

const queueColumns = `id, tenant, entity_type, entity_id, operation, payload, revision,
	destinations, priority, status, attempts, max_attempts, retry_delays_ms, seq,
	created_at, first_attempt_at, last_attempt_at, next_attempt_at, last_error, error_kind`

// SaveQueueRecord inserts or replaces a queue record by id.
func (s *Store) SaveQueueRecord(ctx context.Context, rec QueueRecord) error {
	if rec.ID == "" {
		return storeErr("save queue record", fmt.Errorf("queue record id is required"))
	}
	dests, err := marshalStrings(rec.Destinations)
	if err != nil {
		return storeErr("save queue record", err)
	}
	delays, err := marshalDelays(rec.RetryDelays)
	if err != nil {
		return storeErr("save queue record", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sync_queue (`+queueColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			payload          = excluded.payload,
			revision         = excluded.revision,
			destinations     = excluded.destinations,
			priority         = excluded.priority,
			status           = excluded.status,
			attempts         = excluded.attempts,
			max_attempts     = excluded.max_attempts,
			retry_delays_ms  = excluded.retry_delays_ms,
			seq              = excluded.seq,
			first_attempt_at = excluded.first_attempt_at,
			last_attempt_at  = excluded.last_attempt_at,
			next_attempt_at  = excluded.next_attempt_at,
			last_error       = excluded.last_error,
			error_kind       = excluded.error_kind
	`,
		rec.ID,
		rec.Tenant,
		rec.EntityType,
		rec.EntityID,
		rec.Operation,
		rec.Payload,
		rec.Revision,
		dests,
		rec.Priority,
		rec.Status,
		rec.Attempts,
		rec.MaxAttempts,
		delays,
		rec.Seq,
		formatTime(rec.CreatedAt),
		nullTime(rec.FirstAttemptAt),
		nullTime(rec.LastAttemptAt),
		nullTime(rec.NextAttemptAt),
		rec.LastError,
		rec.ErrorKind,
	)
	return storeErr("save queue record", err)
}

// DeleteQueueRecord removes a queue record. Deleting an absent record is a no-op.
func (s *Store) DeleteQueueRecord(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id)
	return storeErr("delete queue record", err)
}

// GetQueueRecord returns one queue record or ErrNotFound.
func (s *Store) GetQueueRecord(ctx context.Context, id string) (QueueRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM sync_queue WHERE id = ?`, id)
	rec, err := scanQueueRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return QueueRecord{}, fmt.Errorf("queue record %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return QueueRecord{}, storeErr("get queue record", err)
	}
	return rec, nil
}

// LoadQueueRecords returns every persisted queue record in enqueue order.
func (s *Store) LoadQueueRecords(ctx context.Context) ([]QueueRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+queueColumns+`
		FROM sync_queue
		ORDER BY seq ASC, id ASC
	`)
	if err != nil {
		return nil, storeErr("load queue", err)
	}
	defer rows.Close()

	out := []QueueRecord{}
	for rows.Next() {
		rec, err := scanQueueRecord(rows)
		if err != nil {
			return nil, storeErr("load queue", err)
		}
		out = append(out, rec)
	}
	return out, storeErr("load queue", rows.Err())
}

// QueueCounts returns the number of persisted queue records per status.
func (s *Store) QueueCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM sync_queue GROUP BY status`)
	if err != nil {
		return nil, storeErr("queue counts", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, storeErr("queue counts", err)
		}
		counts[status] = n
	}
	return counts, storeErr("queue counts", rows.Err())
}

// MaxQueueSeq returns the highest persisted seq, or 0 for an empty queue.
func (s *Store) MaxQueueSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM sync_queue`).Scan(&seq); err != nil {
		return 0, storeErr("max queue seq", err)
	}
	return seq.Int64, nil
}

func scanQueueRecord(row rowScanner) (QueueRecord, error) {
	var (
		rec                    QueueRecord
		dests, delays, created string
		first, last, next      sql.NullString
	)
	err := row.Scan(
		&rec.ID,
		&rec.Tenant,
		&rec.EntityType,
		&rec.EntityID,
		&rec.Operation,
		&rec.Payload,
		&rec.Revision,
		&dests,
		&rec.Priority,
		&rec.Status,
		&rec.Attempts,
		&rec.MaxAttempts,
		&delays,
		&rec.Seq,
		&created,
		&first,
		&last,
		&next,
		&rec.LastError,
		&rec.ErrorKind,
	)
	if err != nil {
		return QueueRecord{}, err
	}

	if rec.Destinations, err = unmarshalStrings(dests); err != nil {
		return QueueRecord{}, err
	}
	if rec.RetryDelays, err = unmarshalDelays(delays); err != nil {
		return QueueRecord{}, err
	}
	if rec.CreatedAt, err = parseTime(created); err != nil {
		return QueueRecord{}, err
	}
	if rec.FirstAttemptAt, err = parseNullTime(first); err != nil {
		return QueueRecord{}, err
	}
	if rec.LastAttemptAt, err = parseNullTime(last); err != nil {
		return QueueRecord{}, err
	}
	if rec.NextAttemptAt, err = parseNullTime(next); err != nil {
		return QueueRecord{}, err
	}
	return rec, nil
}
