package progress

import (
	"io"
	"time"
)

// Reader wraps an io.Reader and reports the running byte count via a
// callback, at most once per reportInterval bytes or minPeriod, whichever
// comes first, and always once at EOF.
type Reader struct {
	Reader     io.Reader
	Total      int64
	OnProgress func(read int64, total int64)

	totalRead      int64 // cumulative total
	lastReport     int64 // bytes since last report
	lastReportAt   time.Time
	reportInterval int64 // bytes
	minPeriod      time.Duration
	finished       bool
}

func NewReader(r io.Reader, total int64, interval int64, period time.Duration, cb func(read int64, total int64)) *Reader {
	return &Reader{
		Reader:         r,
		Total:          total,
		OnProgress:     cb,
		reportInterval: interval,
		minPeriod:      period,
		lastReportAt:   time.Now(),
	}
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.Reader.Read(p)
	if n > 0 {
		pr.totalRead += int64(n)
		pr.lastReport += int64(n)

		if pr.lastReport >= pr.reportInterval || (pr.minPeriod > 0 && time.Since(pr.lastReportAt) >= pr.minPeriod) {
			pr.report()
		}
	}

	if err == io.EOF && !pr.finished {
		pr.finished = true
		if pr.lastReport > 0 || pr.totalRead == 0 {
			pr.report()
		}
	}

	return n, err
}

// Flush reports any bytes read since the last report.
func (pr *Reader) Flush() {
	if pr.lastReport > 0 {
		pr.report()
	}
}

// BytesRead returns the cumulative number of bytes read.
func (pr *Reader) BytesRead() int64 {
	return pr.totalRead
}

func (pr *Reader) report() {
	pr.OnProgress(pr.totalRead, pr.Total)
	pr.lastReport = 0
	pr.lastReportAt = time.Now()
}
