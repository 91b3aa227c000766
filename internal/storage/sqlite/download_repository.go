package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/italolelis/deliveryopt/internal/storage"
)

type DownloadRepository struct {
	db *sql.DB
}

func NewDownloadRepository(dbConn *sql.DB) *DownloadRepository {
	return &DownloadRepository{db: dbConn}
}

// timeLayout is fixed width so that timestamps compare correctly as text.
const timeLayout = "2006-01-02 15:04:05.000000000"

const selectDownloads = `SELECT download_id, uri, local_path, caller_name, correlation_vector, state,
	bytes_transferred, bytes_total, error_code, created_at, updated_at FROM downloads`

func (r *DownloadRepository) GetDownloads(ctx context.Context) ([]storage.DownloadRecord, error) {
	rows, err := r.db.QueryContext(ctx, selectDownloads+` ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var downloads []storage.DownloadRecord

	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}

		downloads = append(downloads, record)
	}

	return downloads, rows.Err()
}

func (r *DownloadRepository) GetDownload(ctx context.Context, downloadID string) (storage.DownloadRecord, error) {
	row := r.db.QueryRowContext(ctx, selectDownloads+` WHERE download_id = ?`, downloadID)

	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.DownloadRecord{}, storage.ErrNotFound
	}

	return record, err
}

// TrackDownload inserts a new journal entry for a freshly created download.
func (r *DownloadRepository) TrackDownload(ctx context.Context, rec storage.DownloadRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}

	if rec.State == "" {
		rec.State = "created"
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO downloads (download_id, uri, local_path, caller_name, correlation_vector, state,
			bytes_transferred, bytes_total, error_code, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.DownloadID, rec.URI, rec.LocalPath, rec.CallerName, rec.CorrelationVector, rec.State,
		int64(rec.BytesTransferred), int64(rec.BytesTotal), rec.ErrorCode,
		rec.CreatedAt.UTC().Format(timeLayout), now.Format(timeLayout),
	)

	return err
}

// UpdateDownload overwrites the mutable columns of an existing entry.
func (r *DownloadRepository) UpdateDownload(ctx context.Context, rec storage.DownloadRecord) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE downloads SET uri = ?, local_path = ?, caller_name = ?, correlation_vector = ?, state = ?,
			bytes_transferred = ?, bytes_total = ?, error_code = ?, updated_at = ?
		WHERE download_id = ?`,
		rec.URI, rec.LocalPath, rec.CallerName, rec.CorrelationVector, rec.State,
		int64(rec.BytesTransferred), int64(rec.BytesTotal), rec.ErrorCode,
		time.Now().UTC().Format(timeLayout), rec.DownloadID,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return storage.ErrNotFound
	}

	return nil
}

// DeleteDownloadsBefore removes entries last updated before the cutoff and
// reports how many were removed.
func (r *DownloadRepository) DeleteDownloadsBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM downloads WHERE updated_at < ?`, before.UTC().Format(timeLayout))
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (storage.DownloadRecord, error) {
	var (
		record             storage.DownloadRecord
		transferred, total int64
	)

	err := s.Scan(&record.DownloadID, &record.URI, &record.LocalPath, &record.CallerName, &record.CorrelationVector,
		&record.State, &transferred, &total, &record.ErrorCode, &record.CreatedAt, &record.UpdatedAt)
	if err != nil {
		return storage.DownloadRecord{}, err
	}

	record.BytesTransferred = uint64(transferred)
	record.BytesTotal = uint64(total)

	return record, nil
}

var _ storage.DownloadRepository = (*DownloadRepository)(nil)
