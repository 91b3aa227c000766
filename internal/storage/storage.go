package storage

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("download record not found")

// DownloadRecord is one row of the download journal. The journal is a
// history for operators; it is not used to resume transfers.
type DownloadRecord struct {
	DownloadID        string
	URI               string
	LocalPath         string
	CallerName        string
	CorrelationVector string
	State             string
	BytesTransferred  uint64
	BytesTotal        uint64
	ErrorCode         int32
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type DownloadReadRepository interface {
	GetDownloads(ctx context.Context) ([]DownloadRecord, error)
	GetDownload(ctx context.Context, downloadID string) (DownloadRecord, error)
}

type DownloadWriteRepository interface {
	TrackDownload(ctx context.Context, rec DownloadRecord) error
	UpdateDownload(ctx context.Context, rec DownloadRecord) error
	DeleteDownloadsBefore(ctx context.Context, before time.Time) (int64, error)
}

type DownloadRepository interface {
	DownloadReadRepository
	DownloadWriteRepository
}
