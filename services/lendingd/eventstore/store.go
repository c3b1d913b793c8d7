// Package eventstore persists ledger events in SQL for audit queries and
// exports.
package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"debtledger/core/events"
	"debtledger/core/types"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	defaultSQLiteDSN = "file:lendingd-events.db?_pragma=busy_timeout(5000)"
	defaultListLimit = 100
	maxListLimit     = 1000
)

// Record is the stored form of a rendered event.
type Record struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Sequence   uint64    `gorm:"uniqueIndex;not null"`
	Type       string    `gorm:"size:64;index"`
	Account    string    `gorm:"size:128;index"`
	Timestamp  uint64    `gorm:"index"`
	Attributes string    `gorm:"type:text"`
	CreatedAt  time.Time
}

// TableName pins the table name independent of gorm's pluralisation.
func (Record) TableName() string { return "ledger_events" }

// Event decodes the record back into its transport form.
func (r Record) Event() (*types.Event, error) {
	attrs := map[string]string{}
	if strings.TrimSpace(r.Attributes) != "" {
		if err := json.Unmarshal([]byte(r.Attributes), &attrs); err != nil {
			return nil, fmt.Errorf("eventstore: decode attributes of %s: %w", r.ID, err)
		}
	}
	return &types.Event{Type: r.Type, Timestamp: r.Timestamp, Attributes: attrs}, nil
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Type    string
	Account string
	After   uint64
	Limit   int
}

// Store appends events with a monotonically increasing sequence.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger

	mu   sync.Mutex
	next uint64
}

// Open connects to the configured backend and migrates the schema.
func Open(driver, dsn string, log *slog.Logger) (*Store, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverSQLite:
		if strings.TrimSpace(dsn) == "" {
			dsn = defaultSQLiteDSN
		}
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		if strings.TrimSpace(dsn) == "" {
			return nil, errors.New("eventstore: postgres dsn required")
		}
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("eventstore: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("eventstore: open: %w", err)
	}
	return New(db, log)
}

// New wraps an existing connection.
func New(db *gorm.DB, log *slog.Logger) (*Store, error) {
	if db == nil {
		return nil, errors.New("eventstore: nil database")
	}
	if log == nil {
		log = slog.Default()
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("eventstore: migrate: %w", err)
	}
	var last struct{ Max uint64 }
	if err := db.Model(&Record{}).Select("COALESCE(MAX(sequence), 0) AS max").Scan(&last).Error; err != nil {
		return nil, fmt.Errorf("eventstore: resume sequence: %w", err)
	}
	return &Store{db: db, logger: log, next: last.Max + 1}, nil
}

// Emit implements events.Emitter. Failures are logged because the engine
// has already committed the change the event describes.
func (s *Store) Emit(evt events.Event) {
	if _, err := s.Append(context.Background(), evt); err != nil {
		s.logger.Error("persist ledger event", slog.String("type", evt.EventType()), slog.Any("error", err))
	}
}

// Append stores evt and returns the stored record.
func (s *Store) Append(ctx context.Context, evt events.Event) (*Record, error) {
	rendered := events.Render(evt)
	if rendered == nil {
		return nil, errors.New("eventstore: nil event")
	}
	attrs, err := json.Marshal(rendered.Attributes)
	if err != nil {
		return nil, fmt.Errorf("eventstore: encode attributes: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	record := &Record{
		ID:         uuid.New(),
		Sequence:   s.next,
		Type:       rendered.Type,
		Account:    rendered.Attributes["account"],
		Timestamp:  rendered.Timestamp,
		Attributes: string(attrs),
	}
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return nil, fmt.Errorf("eventstore: insert: %w", err)
	}
	s.next++
	return record, nil
}

// List returns records matching f in sequence order.
func (s *Store) List(ctx context.Context, f Filter) ([]Record, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	query := s.db.WithContext(ctx).Model(&Record{}).Where("sequence > ?", f.After)
	if typ := strings.TrimSpace(f.Type); typ != "" {
		query = query.Where("type = ?", typ)
	}
	if account := strings.TrimSpace(f.Account); account != "" {
		query = query.Where("account = ?", account)
	}
	var records []Record
	if err := query.Order("sequence ASC").Limit(limit).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("eventstore: list: %w", err)
	}
	return records, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
