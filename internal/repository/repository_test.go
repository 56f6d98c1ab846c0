package repository

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/apk-analysis/apk-risk-go/internal/config"
	"github.com/apk-analysis/apk-risk-go/internal/domain"
	"github.com/apk-analysis/apk-risk-go/internal/features"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// setupTestDB 每个测试独立的内存数据库
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := InitDB(&config.DatabaseConfig{Type: "sqlite", Path: ":memory:"}, quietLogger())
	require.NoError(t, err, "Failed to open test database")
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func newRecord(id, sha string) *domain.AnalysisRecord {
	return &domain.AnalysisRecord{
		ID:       id,
		FileName: id + ".apk",
		SHA256:   sha,
		FileSize: 1024,
	}
}

func TestAnalysisRepository_CreateAndFind(t *testing.T) {
	repo := NewAnalysisRepository(setupTestDB(t), quietLogger())
	ctx := context.Background()

	record := newRecord("a-1", "aa")
	require.NoError(t, repo.Create(ctx, record))
	assert.Equal(t, domain.AnalysisStatusQueued, record.Status)
	assert.False(t, record.CreatedAt.IsZero())

	found, err := repo.FindByID(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, "a-1.apk", found.FileName)
	assert.Equal(t, domain.AnalysisStatusQueued, found.Status)

	_, err = repo.FindByID(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAnalysisRepository_UpdateWritesZeroValues(t *testing.T) {
	repo := NewAnalysisRepository(setupTestDB(t), quietLogger())
	ctx := context.Background()

	record := newRecord("a-1", "aa")
	record.RiskScore = 0.5
	require.NoError(t, repo.Create(ctx, record))

	now := time.Now().UTC()
	record.Status = domain.AnalysisStatusCompleted
	record.Verdict = "benign"
	record.RiskScore = 0
	record.ReportJSON = `{"verdict":"benign"}`
	record.CompletedAt = &now
	require.NoError(t, repo.Update(ctx, record))

	found, err := repo.FindByID(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, domain.AnalysisStatusCompleted, found.Status)
	assert.Equal(t, 0.0, found.RiskScore)
	assert.Equal(t, `{"verdict":"benign"}`, found.ReportJSON)
	require.NotNil(t, found.CompletedAt)
}

func TestAnalysisRepository_FindCompletedBySHA256(t *testing.T) {
	repo := NewAnalysisRepository(setupTestDB(t), quietLogger())
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newRecord("queued", "same")))
	_, err := repo.FindCompletedBySHA256(ctx, "same")
	assert.ErrorIs(t, err, ErrNotFound)

	done := newRecord("done", "same")
	require.NoError(t, repo.Create(ctx, done))
	now := time.Now().UTC()
	done.Status = domain.AnalysisStatusCompleted
	done.Verdict = "malicious"
	done.CompletedAt = &now
	require.NoError(t, repo.Update(ctx, done))

	found, err := repo.FindCompletedBySHA256(ctx, "same")
	require.NoError(t, err)
	assert.Equal(t, "done", found.ID)
}

func TestAnalysisRepository_ListFilters(t *testing.T) {
	repo := NewAnalysisRepository(setupTestDB(t), quietLogger())
	ctx := context.Background()

	verdicts := []string{"benign", "malicious", "benign", "suspicious", "benign"}
	for i, v := range verdicts {
		r := newRecord(fmt.Sprintf("r-%d", i), fmt.Sprintf("sha-%d", i))
		r.CreatedAt = time.Date(2024, 1, 1, 0, i, 0, 0, time.UTC)
		require.NoError(t, repo.Create(ctx, r))
		r.Status = domain.AnalysisStatusCompleted
		r.Verdict = v
		r.PackageName = fmt.Sprintf("com.example.app%d", i)
		r.ReportJSON = "{}"
		require.NoError(t, repo.Update(ctx, r))
	}

	all, total, err := repo.List(ctx, ListFilter{Page: 1, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	require.Len(t, all, 2)
	assert.Equal(t, "r-4", all[0].ID, "newest first")
	assert.Empty(t, all[0].ReportJSON, "list omits report body")

	benign, total, err := repo.List(ctx, ListFilter{Verdict: "benign"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, benign, 3)

	searched, total, err := repo.List(ctx, ListFilter{Search: "app3"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, "r-3", searched[0].ID)

	counts, completed, err := repo.CountByVerdict(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), completed)
	assert.Equal(t, int64(3), counts["benign"])
	assert.Equal(t, int64(1), counts["malicious"])
	assert.Equal(t, int64(1), counts["suspicious"])
}

func TestAnalysisRepository_MarkAnalyzingOnce(t *testing.T) {
	repo := NewAnalysisRepository(setupTestDB(t), quietLogger())
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, newRecord("a-1", "aa")))

	ok, err := repo.MarkAnalyzing(ctx, "a-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.MarkAnalyzing(ctx, "a-1")
	require.NoError(t, err)
	assert.False(t, ok, "already claimed")

	queued, err := repo.ListByStatus(ctx, domain.AnalysisStatusQueued)
	require.NoError(t, err)
	assert.Empty(t, queued)

	counts, err := repo.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts["analyzing"])
	assert.Equal(t, int64(0), counts["queued"])
}

func TestAnalysisRepository_MarkAnalyzingReclaimsRetryableFailures(t *testing.T) {
	repo := NewAnalysisRepository(setupTestDB(t), quietLogger())
	ctx := context.Background()

	for id, kind := range map[string]domain.FailureKind{
		"timeout": domain.FailureKindTimeout,
		"parse":   domain.FailureKindParse,
	} {
		r := newRecord(id, id)
		require.NoError(t, repo.Create(ctx, r))
		r.Status = domain.AnalysisStatusFailed
		r.FailureKind = kind
		r.ErrorMessage = "boom"
		require.NoError(t, repo.Update(ctx, r))
	}

	ok, err := repo.MarkAnalyzing(ctx, "timeout")
	require.NoError(t, err)
	assert.True(t, ok)

	found, err := repo.FindByID(ctx, "timeout")
	require.NoError(t, err)
	assert.Equal(t, domain.AnalysisStatusAnalyzing, found.Status)
	assert.Empty(t, found.ErrorMessage)

	ok, err = repo.MarkAnalyzing(ctx, "parse")
	require.NoError(t, err)
	assert.False(t, ok, "input errors are final")
}

func TestAnalysisRepository_Delete(t *testing.T) {
	repo := NewAnalysisRepository(setupTestDB(t), quietLogger())
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, newRecord("a-1", "aa")))

	require.NoError(t, repo.Delete(ctx, "a-1"))
	assert.ErrorIs(t, repo.Delete(ctx, "a-1"), ErrNotFound)
}

func TestFeatureCacheRepository(t *testing.T) {
	db := setupTestDB(t)
	cache := NewFeatureCacheRepository(db, quietLogger())
	ctx := context.Background()

	_, ok, err := cache.Get(ctx, "abc", "v1")
	require.NoError(t, err)
	assert.False(t, ok)

	first := features.Merge(features.ManifestFacts{
		Permissions: []string{"android.permission.SEND_SMS"},
		SDK:         &features.SDKBounds{Min: 21, Target: 30},
	}, features.CodeSignals{
		Hits:     map[string]int{"reflection": 2},
		Evidence: map[string][]string{"reflection": {"Ljava/lang/reflect/Method;->invoke"}},
	})
	require.NoError(t, cache.Put(ctx, "abc", "v1", first))

	got, ok, err := cache.Get(ctx, "abc", "v1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, first.Equal(got))

	// 覆盖写入
	second := features.Empty()
	require.NoError(t, cache.Put(ctx, "abc", "v1", second))
	got, ok, err = cache.Get(ctx, "abc", "v1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, second.Equal(got))

	var n int64
	require.NoError(t, db.Model(&domain.FeatureCacheEntry{}).Count(&n).Error)
	assert.Equal(t, int64(1), n)
}

func TestFeatureCacheRepository_VersionMismatchIsMiss(t *testing.T) {
	db := setupTestDB(t)
	cache := NewFeatureCacheRepository(db, quietLogger())
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, "abc", "v1", features.Empty()))

	fs, ok, err := cache.Get(ctx, "abc", "v2")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, fs)

	// 新版本覆盖旧条目
	require.NoError(t, cache.Put(ctx, "abc", "v2", features.Empty()))
	_, ok, err = cache.Get(ctx, "abc", "v2")
	require.NoError(t, err)
	assert.True(t, ok)
	_, ok, err = cache.Get(ctx, "abc", "v1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFeatureCacheRepository_CorruptEntryIsMiss(t *testing.T) {
	db := setupTestDB(t)
	cache := NewFeatureCacheRepository(db, quietLogger())
	ctx := context.Background()

	require.NoError(t, db.Create(&domain.FeatureCacheEntry{SHA256: "bad", ScanVersion: "v1", FeaturesJSON: "{not json"}).Error)

	fs, ok, err := cache.Get(ctx, "bad", "v1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, fs)
}

func TestFeatureCacheRepository_PurgeStale(t *testing.T) {
	db := setupTestDB(t)
	cache := NewFeatureCacheRepository(db, quietLogger())
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, "old", "v2", features.Empty()))
	require.NoError(t, db.Model(&domain.FeatureCacheEntry{}).
		Where("sha256 = ?", "old").
		UpdateColumn("updated_at", time.Now().UTC().Add(-48*time.Hour)).Error)
	require.NoError(t, cache.Put(ctx, "other", "v1", features.Empty()))
	require.NoError(t, cache.Put(ctx, "new", "v2", features.Empty()))

	n, err := cache.PurgeStale(ctx, "v2", time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, ok, err := cache.Get(ctx, "new", "v2")
	require.NoError(t, err)
	assert.True(t, ok)

	// 零值 before 只按版本清理
	require.NoError(t, cache.Put(ctx, "other", "v1", features.Empty()))
	n, err = cache.PurgeStale(ctx, "v2", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
