// Package history - Optional persistence of cascade outcomes in Postgres.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nvr-ai/go-cropcheck/controller"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// ErrNotFound is returned when no record has the requested id.
var ErrNotFound = errors.New("detection not found")

// Record is one persisted cascade outcome.
type Record struct {
	ID         uuid.UUID `gorm:"type:uuid;primary_key;default:gen_random_uuid()" json:"id"`
	Generation uint64    `gorm:"not null" json:"generation"`
	Source     string    `gorm:"type:varchar(255)" json:"source"`
	Model      string    `gorm:"type:varchar(64);not null" json:"model"`
	Override   bool      `gorm:"not null;default:false" json:"override"`
	State      string    `gorm:"type:varchar(10);check:state IN ('terminal','failed')" json:"state"`
	ClassLabel string    `gorm:"type:varchar(128)" json:"class_label"`
	SubLabel   string    `gorm:"type:varchar(128)" json:"sub_label"`
	Label      string    `gorm:"type:varchar(128)" json:"label"`
	Attempts   int       `gorm:"not null" json:"attempts"`
	Stages     string    `gorm:"type:json" json:"stages"`
	CreatedAt  time.Time `gorm:"type:timestamp;not null" json:"created_at"`
}

// TableName names the table records are stored in.
func (Record) TableName() string {
	return "detections"
}

// FromState builds a record from a finished cascade.
//
// Arguments:
//   - st: A Terminal or Failed state.
//   - source: Where the image came from, e.g. the upload file name.
//
// Returns:
//   - *Record: The record, with a fresh id.
//   - error: An error if the cascade has not finished.
func FromState(st controller.State, source string) (*Record, error) {
	if !st.Done() {
		return nil, fmt.Errorf("cascade %d is %s, not finished", st.Generation, st.Phase)
	}
	stages := st.Stages
	if stages == nil {
		stages = []controller.StageResult{}
	}
	body, err := json.Marshal(stages)
	if err != nil {
		return nil, fmt.Errorf("encode stages: %w", err)
	}

	model := st.Model
	if len(st.Stages) > 0 {
		model = st.Stages[0].Model
	}
	created := st.FinishedAt
	if created.IsZero() {
		created = time.Now()
	}
	return &Record{
		ID:         uuid.New(),
		Generation: st.Generation,
		Source:     source,
		Model:      model,
		Override:   st.Override,
		State:      st.Phase.String(),
		ClassLabel: st.ClassLabel,
		SubLabel:   st.SubLabel,
		Label:      st.Label,
		Attempts:   st.Attempts(),
		Stages:     string(body),
		CreatedAt:  created.UTC(),
	}, nil
}

// StageResults decodes the stored stages.
func (r *Record) StageResults() ([]controller.StageResult, error) {
	var out []controller.StageResult
	if r.Stages == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(r.Stages), &out); err != nil {
		return nil, fmt.Errorf("decode stages of %s: %w", r.ID, err)
	}
	return out, nil
}

// Pagination selects one page of records, pages start at 1.
type Pagination struct {
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

func (p Pagination) normalize() Pagination {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize <= 0 || p.PageSize > 100 {
		p.PageSize = 20
	}
	return p
}

// Store reads and writes records.
type Store struct {
	db *gorm.DB
}

// NewStore wraps an open database.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Open connects to Postgres.
//
// Arguments:
//   - dsn: The Postgres connection string.
//   - logger: Receives slow query and error logs.
//
// Returns:
//   - *Store: The store.
//   - error: A connection error.
func Open(dsn string, logger logrus.FieldLogger) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: NewGormLogger(logger)})
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	return NewStore(db), nil
}

// NewGormLogger forwards gorm's warnings and errors to logger.
func NewGormLogger(logger logrus.FieldLogger) gormlogger.Interface {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return gormlogger.New(logger.WithField("component", "history"), gormlogger.Config{
		SlowThreshold:             time.Second,
		LogLevel:                  gormlogger.Warn,
		IgnoreRecordNotFoundError: true,
	})
}

// DB returns the underlying database.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Migrate creates or updates the detections table.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&Record{})
}

// Create inserts a record.
func (s *Store) Create(ctx context.Context, rec *Record) error {
	return s.db.WithContext(ctx).Create(rec).Error
}

// FindByID returns the record with the given id.
func (s *Store) FindByID(ctx context.Context, id string) (*Record, error) {
	var rec Record
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// FindAll returns one page of records, newest first.
func (s *Store) FindAll(ctx context.Context, page Pagination) ([]Record, error) {
	page = page.normalize()
	var recs []Record
	err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Offset((page.Page - 1) * page.PageSize).
		Limit(page.PageSize).
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// Delete removes the record with the given id.
func (s *Store) Delete(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&Record{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Close closes the database connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
