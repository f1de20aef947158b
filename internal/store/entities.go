package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/syncq/internal/entity"
)

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

const entityColumns = `entity_type, id, fields, synced, revision, updated_at`

// Put upserts e by (type, id) and returns the stored record.
//
// The synced flag is written exactly as given. The revision is assigned by
// the store: previous+1 for an existing record. A new record continues
// from the revision its key had when last deleted, so revisions of one key
// never repeat.
func (s *Store) Put(ctx context.Context, e entity.Entity) (entity.Entity, error) {
	if e.Type == "" || e.ID == "" {
		return entity.Entity{}, storeErr("put", fmt.Errorf("entity type and id are required"))
	}
	fields, err := marshalFields(e.Fields)
	if err != nil {
		return entity.Entity{}, storeErr("put", err)
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now()
	}
	e.UpdatedAt = e.UpdatedAt.UTC()

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO entities (`+entityColumns+`)
		VALUES (?, ?, ?, ?, COALESCE((
			SELECT t.revision FROM entity_tombstones t
			WHERE t.entity_type = ? AND t.id = ?
		), 0) + 1, ?)
		ON CONFLICT(entity_type, id) DO UPDATE SET
			fields     = excluded.fields,
			synced     = excluded.synced,
			revision   = entities.revision + 1,
			updated_at = excluded.updated_at
		RETURNING revision
	`, e.Type, e.ID, fields, e.Synced, e.Type, e.ID, formatTime(e.UpdatedAt)).Scan(&e.Revision)
	if err != nil {
		return entity.Entity{}, storeErr("put", err)
	}
	return e, nil
}

// Get returns one cached entity or ErrNotFound.
func (s *Store) Get(ctx context.Context, entityType, id string) (entity.Entity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+entityColumns+`
		FROM entities
		WHERE entity_type = ? AND id = ?
	`, entityType, id)

	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return entity.Entity{}, fmt.Errorf("entity %s/%s: %w", entityType, id, ErrNotFound)
	}
	if err != nil {
		return entity.Entity{}, storeErr("get", err)
	}
	return e, nil
}

// GetAll returns every cached entity of a type, ordered by id.
func (s *Store) GetAll(ctx context.Context, entityType string) ([]entity.Entity, error) {
	out, err := queryEntities(ctx, s.db, `
		SELECT `+entityColumns+`
		FROM entities
		WHERE entity_type = ?
		ORDER BY id ASC
	`, entityType)
	return out, storeErr("get all", err)
}

// GetUnsynced returns the cached entities of a type whose synced flag is false.
func (s *Store) GetUnsynced(ctx context.Context, entityType string) ([]entity.Entity, error) {
	out, err := queryEntities(ctx, s.db, `
		SELECT `+entityColumns+`
		FROM entities
		WHERE entity_type = ? AND synced = 0
		ORDER BY id ASC
	`, entityType)
	return out, storeErr("get unsynced", err)
}

// EntityTypes lists the distinct entity types present in the cache.
func (s *Store) EntityTypes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT entity_type FROM entities ORDER BY entity_type`)
	if err != nil {
		return nil, storeErr("entity types", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, storeErr("entity types", err)
		}
		out = append(out, t)
	}
	return out, storeErr("entity types", rows.Err())
}

// MarkSynced sets synced=true on the current revision of an entity.
// Returns ErrNotFound if the entity is not cached.
func (s *Store) MarkSynced(ctx context.Context, entityType, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE entities SET synced = 1
		WHERE entity_type = ? AND id = ?
	`, entityType, id)
	if err != nil {
		return storeErr("mark synced", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("mark synced", err)
	}
	if n == 0 {
		return fmt.Errorf("entity %s/%s: %w", entityType, id, ErrNotFound)
	}
	return nil
}

// MarkSyncedRevision sets synced=true only if the stored revision still
// equals revision. It reports whether the flag was set; false means the
// entity was edited again (or removed) after that revision was captured.
func (s *Store) MarkSyncedRevision(ctx context.Context, entityType, id string, revision int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE entities SET synced = 1
		WHERE entity_type = ? AND id = ? AND revision = ?
	`, entityType, id, revision)
	if err != nil {
		return false, storeErr("mark synced", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storeErr("mark synced", err)
	}
	return n > 0, nil
}

// Delete removes an entity. Deleting an absent entity is a no-op.
// The key's last revision is kept as a tombstone for Put.
func (s *Store) Delete(ctx context.Context, entityType, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("delete", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, tombstoneSQL+` AND id = ?`+tombstoneConflictSQL, entityType, id); err != nil {
		return storeErr("delete", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM entities WHERE entity_type = ? AND id = ?
	`, entityType, id); err != nil {
		return storeErr("delete", err)
	}
	return storeErr("delete", tx.Commit())
}

// tombstoneSQL records the current revision of matching rows before they
// are removed. Callers append further WHERE terms, then tombstoneConflictSQL.
const tombstoneSQL = `
	INSERT INTO entity_tombstones (entity_type, id, revision)
	SELECT entity_type, id, revision FROM entities
	WHERE entity_type = ?`

const tombstoneConflictSQL = `
	ON CONFLICT(entity_type, id) DO UPDATE SET
		revision = MAX(entity_tombstones.revision, excluded.revision)`

// ReplaceAll installs an authoritative snapshot for entityType while
// keeping every unsynced local record.
//
// Within one transaction it reads the unsynced subset first, clears the
// type, writes the authoritative records as synced, then restores the
// unsynced records whose ids the snapshot does not contain. On an id
// collision the authoritative record wins; its revision is moved past the
// local one so an in-flight delivery of the older revision cannot mark it
// synced again.
func (s *Store) ReplaceAll(ctx context.Context, entityType string, authoritative []entity.Entity) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("replace all", err)
	}
	defer tx.Rollback()

	unsynced, err := queryEntities(ctx, tx, `
		SELECT `+entityColumns+`
		FROM entities
		WHERE entity_type = ? AND synced = 0
	`, entityType)
	if err != nil {
		return storeErr("replace all", err)
	}

	// Every current row leaves a tombstone, so the tombstones hold the
	// highest revision issued for each key of the type.
	if _, err := tx.ExecContext(ctx, tombstoneSQL+tombstoneConflictSQL, entityType); err != nil {
		return storeErr("replace all", err)
	}

	revisions := make(map[string]int64)
	rows, err := tx.QueryContext(ctx, `SELECT id, revision FROM entity_tombstones WHERE entity_type = ?`, entityType)
	if err != nil {
		return storeErr("replace all", err)
	}
	for rows.Next() {
		var id string
		var rev int64
		if err := rows.Scan(&id, &rev); err != nil {
			rows.Close()
			return storeErr("replace all", err)
		}
		revisions[id] = rev
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return storeErr("replace all", err)
	}
	rows.Close()

	if _, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE entity_type = ?`, entityType); err != nil {
		return storeErr("replace all", err)
	}

	insert, err := tx.PrepareContext(ctx, `
		INSERT INTO entities (`+entityColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_type, id) DO UPDATE SET
			fields     = excluded.fields,
			synced     = excluded.synced,
			revision   = excluded.revision,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return storeErr("replace all", err)
	}
	defer insert.Close()

	now := time.Now().UTC()
	seen := make(map[string]bool, len(authoritative))
	for _, e := range authoritative {
		if e.ID == "" {
			return storeErr("replace all", fmt.Errorf("authoritative %s record without id", entityType))
		}
		fields, err := marshalFields(e.Fields)
		if err != nil {
			return storeErr("replace all", err)
		}
		updated := e.UpdatedAt
		if updated.IsZero() {
			updated = now
		}
		rev := revisions[e.ID] + 1
		if _, err := insert.ExecContext(ctx, entityType, e.ID, fields, true, rev, formatTime(updated)); err != nil {
			return storeErr("replace all", err)
		}
		seen[e.ID] = true
	}

	for _, e := range unsynced {
		if seen[e.ID] {
			continue
		}
		fields, err := marshalFields(e.Fields)
		if err != nil {
			return storeErr("replace all", err)
		}
		if _, err := insert.ExecContext(ctx, entityType, e.ID, fields, false, e.Revision, formatTime(e.UpdatedAt)); err != nil {
			return storeErr("replace all", err)
		}
	}

	return storeErr("replace all", tx.Commit())
}

func queryEntities(ctx context.Context, q queryer, query string, args ...any) ([]entity.Entity, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []entity.Entity{}
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEntity(row rowScanner) (entity.Entity, error) {
	var (
		e       entity.Entity
		fields  string
		updated string
	)
	if err := row.Scan(&e.Type, &e.ID, &fields, &e.Synced, &e.Revision, &updated); err != nil {
		return entity.Entity{}, err
	}
	f, err := unmarshalFields(fields)
	if err != nil {
		return entity.Entity{}, err
	}
	e.Fields = f
	t, err := parseTime(updated)
	if err != nil {
		return entity.Entity{}, err
	}
	e.UpdatedAt = t
	return e, nil
}
