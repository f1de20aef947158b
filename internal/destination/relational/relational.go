// Package relational is a primary destination backed by a SQL database
// through gorm. Every entity type shares one table keyed by
// (entity_type, id) with the fields stored as a JSON document.
package relational

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"

	"github.com/roach88/syncq/internal/destination"
	"github.com/roach88/syncq/internal/entity"
)

// Supported drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Document is entity fields stored as JSON.
type Document entity.Fields

// Value implements driver.Valuer.
func (d Document) Value() (driver.Value, error) {
	f := entity.Fields(d)
	if f == nil {
		f = entity.Fields{}
	}
	data, err := entity.MarshalCanonical(f)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (d *Document) Scan(value any) error {
	var data []byte
	switch v := value.(type) {
	case nil:
		*d = Document{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("scan document: unsupported type %T", value)
	}
	f, err := entity.ParseFields(data)
	if err != nil {
		return err
	}
	*d = Document(f)
	return nil
}

// GormDBDataType picks the column type per dialect.
func (Document) GormDBDataType(db *gorm.DB, _ *schema.Field) string {
	if db.Dialector.Name() == DriverPostgres {
		return "JSONB"
	}
	return "TEXT"
}

// Record is one row of the records table.
type Record struct {
	EntityType string    `gorm:"primaryKey;size:64"`
	ID         string    `gorm:"primaryKey;size:191"`
	Data       Document  `gorm:"not null"`
	UpdatedAt  time.Time `gorm:"index"`
}

// TableName implements gorm's tabler.
func (Record) TableName() string { return "sync_records" }

// Store is a destination.Primary over a gorm database.
type Store struct {
	name string
	db   *gorm.DB
}

var (
	_ destination.Primary = (*Store)(nil)
	_ destination.Pinger  = (*Store)(nil)
)

// Open connects with driver ("postgres" or "sqlite") and migrates the
// records table.
func Open(name, driver, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(driver) {
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("relational %s: unknown driver %q", name, driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("relational %s: connect: %w", name, err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("relational %s: migrate: %w", name, err)
	}
	return &Store{name: name, db: db}, nil
}

// New wraps an already configured gorm handle. The table must exist;
// call Migrate otherwise.
func New(name string, db *gorm.DB) *Store {
	return &Store{name: name, db: db}
}

// Migrate creates or extends the records table.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&Record{})
}

// Name returns the destination tag.
func (s *Store) Name() string { return s.name }

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Upsert inserts or replaces (entityType, id).
func (s *Store) Upsert(ctx context.Context, entityType, id string, data entity.Fields) error {
	rec := Record{
		EntityType: entityType,
		ID:         id,
		Data:       Document(data),
		UpdatedAt:  time.Now().UTC(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "entity_type"}, {Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
	}).Create(&rec).Error
	return s.wrap("upsert", err)
}

// Delete removes (entityType, id). Deleting an absent record is a no-op.
func (s *Store) Delete(ctx context.Context, entityType, id string) error {
	return s.DeleteMany(ctx, entityType, []string{id})
}

// DeleteMany removes several ids of one type in a single statement.
func (s *Store) DeleteMany(ctx context.Context, entityType string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).
		Where("entity_type = ? AND id IN ?", entityType, ids).
		Delete(&Record{}).Error
	return s.wrap("delete", err)
}

// FetchAll returns every record of entityType ordered by id, marked synced.
func (s *Store) FetchAll(ctx context.Context, entityType string) ([]entity.Entity, error) {
	var recs []Record
	err := s.db.WithContext(ctx).
		Where("entity_type = ?", entityType).
		Order("id").
		Find(&recs).Error
	if err != nil {
		return nil, s.wrap("fetch all", err)
	}
	out := make([]entity.Entity, len(recs))
	for i, r := range recs {
		out[i] = entity.Entity{
			Type:      r.EntityType,
			ID:        r.ID,
			Synced:    true,
			Fields:    entity.Fields(r.Data),
			UpdatedAt: r.UpdatedAt,
		}
	}
	return out, nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return s.wrap("ping", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("relational %s: %w: %v", s.name, destination.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("relational %s: %s: %w", s.name, op, err)
}
