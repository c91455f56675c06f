// Package history persists an audit log of handoff attempts.
package history

import (
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Record is one handoff attempt.
type Record struct {
	ID          uint   `gorm:"primaryKey"`
	HandoffID   string `gorm:"index;size:64"`
	ChainID     string `gorm:"index;size:64"`
	SourceAgent string `gorm:"size:128"`
	TargetAgent string `gorm:"size:128"`
	TaskID      string `gorm:"index;size:128"`
	Confidence  float64
	Status      string `gorm:"index;size:32"` // completed, declined, failed
	DurationMs  int64
	Error       string `gorm:"size:1024"`
	CreatedAt   time.Time
}

// Store is a gorm-backed handoff audit log.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open creates a Store on the sqlite database at path. Use ":memory:" for
// an ephemeral store.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open history store: %w", err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("migrate history store: %w", err)
	}
	return &Store{db: db, logger: logger.With(zap.String("component", "handoff_history"))}, nil
}

// Append writes one record.
func (s *Store) Append(rec *Record) error {
	if err := s.db.Create(rec).Error; err != nil {
		return fmt.Errorf("append history record: %w", err)
	}
	return nil
}

// Recent returns up to n records, newest first.
func (s *Store) Recent(n int) ([]Record, error) {
	var out []Record
	if err := s.db.Order("id desc").Limit(n).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	return out, nil
}

// CountByStatus returns record counts grouped by status.
func (s *Store) CountByStatus() (map[string]int64, error) {
	type row struct {
		Status string
		N      int64
	}
	var rows []row
	if err := s.db.Model(&Record{}).
		Select("status, count(*) as n").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("count history: %w", err)
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}
