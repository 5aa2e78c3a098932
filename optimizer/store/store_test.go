package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/BaSui01/chorus/engine"
	"github.com/BaSui01/chorus/optimizer"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func TestSampleStore_SaveAndRecent(t *testing.T) {
	ctx := context.Background()
	s := New(setupTestDB(t), zap.NewNop())
	require.NoError(t, s.AutoMigrate(ctx))

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, st := range []engine.Strategy{engine.StrategySingle, engine.StrategyDual, engine.StrategyFull} {
		require.NoError(t, s.Save(ctx, optimizer.PerformanceSample{
			Strategy:          st,
			Elapsed:           time.Duration(i+1) * 100 * time.Millisecond,
			Confidence:        0.3 + 0.2*float64(i),
			EngineUtilization: map[engine.ID]float64{"a": 1, "b": float64(i) / 2},
			Timestamp:         base.Add(time.Duration(i) * time.Minute),
		}))
	}

	got, err := s.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, engine.StrategyFull, got[0].Strategy)
	assert.Equal(t, engine.StrategyDual, got[1].Strategy)
	assert.Equal(t, 300*time.Millisecond, got[0].Elapsed)
	assert.InDelta(t, 0.7, got[0].Confidence, 1e-9)
	assert.Equal(t, map[engine.ID]float64{"a": 1, "b": 1}, got[0].EngineUtilization)
	assert.True(t, got[0].Timestamp.Equal(base.Add(2*time.Minute)))
}

func TestSampleStore_Prune(t *testing.T) {
	ctx := context.Background()
	s := New(setupTestDB(t), nil)
	require.NoError(t, s.AutoMigrate(ctx))

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Save(ctx, optimizer.PerformanceSample{
			Strategy:  engine.StrategySingle,
			Timestamp: base.Add(time.Duration(i) * time.Hour),
		}))
	}

	n, err := s.Prune(ctx, base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	left, err := s.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, left, 3)
}

func TestSampleStore_InsertErrorIsWrapped(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: mockDB}), &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
	})
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO "performance_samples"`)).
		WillReturnError(errors.New("connection refused"))

	s := New(db, zap.NewNop())
	err = s.Save(context.Background(), optimizer.PerformanceSample{Strategy: engine.StrategyDual, Timestamp: time.Now()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert performance sample")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSampleStore_RecentQueryError(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: mockDB}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "performance_samples"`)).
		WillReturnError(errors.New("bad connection"))

	_, err = New(db, nil).Recent(context.Background(), 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "query performance samples")
}

func TestSampleStore_RecentSkipsUnknownStrategy(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	s := New(db, zap.NewNop())
	require.NoError(t, s.AutoMigrate(ctx))

	require.NoError(t, db.Create(&sampleRecord{Strategy: "galaxy", RecordedAt: time.Now()}).Error)
	require.NoError(t, s.Save(ctx, optimizer.PerformanceSample{Strategy: engine.StrategySynthesis, Timestamp: time.Now()}))

	got, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, engine.StrategySynthesis, got[0].Strategy)
}
