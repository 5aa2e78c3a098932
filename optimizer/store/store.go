// Package store persists optimizer performance samples with gorm so the
// bounded in-memory log can be recalibrated offline.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/chorus/engine"
	"github.com/BaSui01/chorus/optimizer"
)

// sampleRecord is the row layout of performance_samples.
type sampleRecord struct {
	ID          uint      `gorm:"primaryKey;autoIncrement"`
	Strategy    string    `gorm:"size:16;not null;index"`
	ElapsedMs   int64     `gorm:"not null"`
	Confidence  float64   `gorm:"not null"`
	Utilization string    `gorm:"type:text"`
	EngineCount int       `gorm:"not null;default:0"`
	RecordedAt  time.Time `gorm:"not null;index"`
}

func (sampleRecord) TableName() string { return "performance_samples" }

// SampleStore implements optimizer.Sink.
type SampleStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

var _ optimizer.Sink = (*SampleStore)(nil)

// New wraps an open gorm connection.
func New(db *gorm.DB, logger *zap.Logger) *SampleStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SampleStore{db: db, logger: logger.With(zap.String("component", "sample_store"))}
}

// AutoMigrate creates the table when migrations are not managed externally.
func (s *SampleStore) AutoMigrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&sampleRecord{})
}

// Save implements optimizer.Sink.
func (s *SampleStore) Save(ctx context.Context, p optimizer.PerformanceSample) error {
	util := ""
	if len(p.EngineUtilization) > 0 {
		data, err := json.Marshal(p.EngineUtilization)
		if err != nil {
			return fmt.Errorf("encode utilization: %w", err)
		}
		util = string(data)
	}

	rec := sampleRecord{
		Strategy:    p.Strategy.String(),
		ElapsedMs:   p.Elapsed.Milliseconds(),
		Confidence:  p.Confidence,
		Utilization: util,
		EngineCount: len(p.EngineUtilization),
		RecordedAt:  p.Timestamp.UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("insert performance sample: %w", err)
	}
	return nil
}

// Recent returns up to limit samples, newest first.
func (s *SampleStore) Recent(ctx context.Context, limit int) ([]optimizer.PerformanceSample, error) {
	if limit <= 0 {
		limit = 100
	}

	var recs []sampleRecord
	err := s.db.WithContext(ctx).
		Order("recorded_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("query performance samples: %w", err)
	}

	out := make([]optimizer.PerformanceSample, 0, len(recs))
	for _, r := range recs {
		st, err := engine.ParseStrategy(r.Strategy)
		if err != nil {
			s.logger.Warn("skipping sample with unknown strategy",
				zap.Uint("id", r.ID), zap.String("strategy", r.Strategy))
			continue
		}
		p := optimizer.PerformanceSample{
			Strategy:   st,
			Elapsed:    time.Duration(r.ElapsedMs) * time.Millisecond,
			Confidence: r.Confidence,
			Timestamp:  r.RecordedAt,
		}
		if r.Utilization != "" {
			if err := json.Unmarshal([]byte(r.Utilization), &p.EngineUtilization); err != nil {
				s.logger.Warn("bad utilization payload", zap.Uint("id", r.ID), zap.Error(err))
			}
		}
		out = append(out, p)
	}
	return out, nil
}

// Prune deletes samples recorded before cutoff and returns how many were removed.
func (s *SampleStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("recorded_at < ?", cutoff.UTC()).Delete(&sampleRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("prune performance samples: %w", res.Error)
	}
	return res.RowsAffected, nil
}
