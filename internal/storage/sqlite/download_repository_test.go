package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/italolelis/deliveryopt/internal/storage"
	"github.com/italolelis/deliveryopt/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepository(t *testing.T) *DownloadRepository {
	t.Helper()

	db, err := InitDB(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewDownloadRepository(db)
}

func TestDownloadRepository_TrackAndGet(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	err := repo.TrackDownload(ctx, storage.DownloadRecord{
		DownloadID: "abc",
		URI:        "http://example.com/file.bin",
		LocalPath:  "/tmp/file.bin",
		CallerName: "dosdk_tests",
	})
	require.NoError(t, err)

	rec, err := repo.GetDownload(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, "http://example.com/file.bin", rec.URI)
	assert.Equal(t, "/tmp/file.bin", rec.LocalPath)
	assert.Equal(t, "dosdk_tests", rec.CallerName)
	assert.Equal(t, "created", rec.State)
	assert.False(t, rec.CreatedAt.IsZero())

	_, err = repo.GetDownload(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDownloadRepository_TrackDuplicate(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	rec := storage.DownloadRecord{DownloadID: "dup", URI: "u", LocalPath: "p"}
	require.NoError(t, repo.TrackDownload(ctx, rec))
	assert.Error(t, repo.TrackDownload(ctx, rec))
}

func TestDownloadRepository_Update(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	require.NoError(t, repo.TrackDownload(ctx, storage.DownloadRecord{DownloadID: "abc", URI: "u", LocalPath: "p"}))

	err := repo.UpdateDownload(ctx, storage.DownloadRecord{
		DownloadID:        "abc",
		URI:               "u",
		LocalPath:         "p",
		CorrelationVector: "g+Vo71JZwkmJdYfF.0",
		State:             "paused",
		BytesTransferred:  512,
		BytesTotal:        1024,
		ErrorCode:         -2145844844,
	})
	require.NoError(t, err)

	rec, err := repo.GetDownload(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, "paused", rec.State)
	assert.Equal(t, uint64(512), rec.BytesTransferred)
	assert.Equal(t, uint64(1024), rec.BytesTotal)
	assert.Equal(t, int32(-2145844844), rec.ErrorCode)
	assert.Equal(t, "g+Vo71JZwkmJdYfF.0", rec.CorrelationVector)

	err = repo.UpdateDownload(ctx, storage.DownloadRecord{DownloadID: "missing"})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDownloadRepository_DeleteDownloadsBefore(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	require.NoError(t, repo.TrackDownload(ctx, storage.DownloadRecord{DownloadID: "old", URI: "u", LocalPath: "p"}))

	cutoff := time.Now().Add(time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	require.NoError(t, repo.TrackDownload(ctx, storage.DownloadRecord{DownloadID: "new", URI: "u", LocalPath: "p"}))

	deleted, err := repo.DeleteDownloadsBefore(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	records, err := repo.GetDownloads(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "new", records[0].DownloadID)
}

func TestInstrumentedDownloadRepository_NilTelemetry(t *testing.T) {
	ctx := context.Background()

	db, err := InitDB(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer db.Close()

	var tel *telemetry.Telemetry
	repo := NewInstrumentedDownloadRepository(db, tel)

	require.NoError(t, repo.TrackDownload(ctx, storage.DownloadRecord{DownloadID: "abc", URI: "u", LocalPath: "p"}))

	records, err := repo.GetDownloads(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}
