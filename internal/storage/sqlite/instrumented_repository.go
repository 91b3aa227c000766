package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/italolelis/deliveryopt/internal/storage"
	"github.com/italolelis/deliveryopt/internal/telemetry"
)

// InstrumentedDownloadRepository wraps DownloadRepository with telemetry.
type InstrumentedDownloadRepository struct {
	repo      *DownloadRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedDownloadRepository creates a new instrumented download repository.
func NewInstrumentedDownloadRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedDownloadRepository {
	return &InstrumentedDownloadRepository{
		repo:      NewDownloadRepository(dbConn),
		telemetry: tel,
	}
}

// GetDownloads retrieves all journal entries with telemetry.
func (r *InstrumentedDownloadRepository) GetDownloads(ctx context.Context) ([]storage.DownloadRecord, error) {
	var result []storage.DownloadRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "get_downloads", func(ctx context.Context) error {
		var err error
		result, err = r.repo.GetDownloads(ctx)

		return err
	})

	return result, err
}

// GetDownload retrieves one journal entry with telemetry.
func (r *InstrumentedDownloadRepository) GetDownload(ctx context.Context, downloadID string) (storage.DownloadRecord, error) {
	var result storage.DownloadRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "get_download", func(ctx context.Context) error {
		var err error
		result, err = r.repo.GetDownload(ctx, downloadID)

		return err
	})

	return result, err
}

// TrackDownload inserts a journal entry with telemetry.
func (r *InstrumentedDownloadRepository) TrackDownload(ctx context.Context, rec storage.DownloadRecord) error {
	return r.telemetry.InstrumentDBOperation(ctx, "track_download", func(ctx context.Context) error {
		return r.repo.TrackDownload(ctx, rec)
	})
}

// UpdateDownload updates a journal entry with telemetry.
func (r *InstrumentedDownloadRepository) UpdateDownload(ctx context.Context, rec storage.DownloadRecord) error {
	return r.telemetry.InstrumentDBOperation(ctx, "update_download", func(ctx context.Context) error {
		return r.repo.UpdateDownload(ctx, rec)
	})
}

// DeleteDownloadsBefore prunes journal entries with telemetry.
func (r *InstrumentedDownloadRepository) DeleteDownloadsBefore(ctx context.Context, before time.Time) (int64, error) {
	var deleted int64

	err := r.telemetry.InstrumentDBOperation(ctx, "delete_downloads_before", func(ctx context.Context) error {
		var err error
		deleted, err = r.repo.DeleteDownloadsBefore(ctx, before)

		return err
	})

	return deleted, err
}

var _ storage.DownloadRepository = (*InstrumentedDownloadRepository)(nil)
