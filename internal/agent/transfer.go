package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gofrs/flock"
	"github.com/italolelis/deliveryopt/internal/agent/progress"
	"github.com/italolelis/deliveryopt/internal/logctx"
	"github.com/italolelis/deliveryopt/internal/telemetry"
	"github.com/italolelis/deliveryopt/pkg/do"
	"golang.org/x/time/rate"
)

const (
	filePerm = 0644

	// CorrelationVectorHeader carries the correlation_vector property.
	CorrelationVectorHeader = telemetry.CorrelationVectorHeader

	lockSuffix = ".dolock"
)

// lockDestination takes an exclusive lock beside path so that two downloads
// cannot write the same file.
func lockDestination(path string) (*flock.Flock, error) {
	lock := flock.New(path + lockSuffix)

	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}

	if !locked {
		return nil, fmt.Errorf("%s is being written by another download", path)
	}

	return lock, nil
}

func removeLockFile(path string) {
	_ = os.Remove(path + lockSuffix)
}

// run drives one transfer attempt and records its outcome.
func (a *Agent) run(ctx context.Context, j *job, att attempt, lock *flock.Flock, done chan struct{}) {
	defer a.wg.Done()
	defer close(done)

	ctx = logctx.WithDownloadID(ctx, j.id)
	logger := logctx.LoggerFromContext(ctx)

	priority := "background"
	if j.foreground.Load() {
		priority = "foreground"
	}

	err := a.tel.InstrumentDownload(ctx, priority, func(ctx context.Context) error {
		if priority == "background" {
			select {
			case a.sem <- struct{}{}:
				defer func() { <-a.sem }()
			case <-ctx.Done():
				return context.Cause(ctx)
			}
		}

		return a.transfer(ctx, j, att)
	})

	if uerr := lock.Unlock(); uerr != nil {
		logger.WarnContext(ctx, "failed to unlock destination", "err", uerr)
	}

	a.finish(ctx, j, err)
}

func (a *Agent) finish(ctx context.Context, j *job, err error) {
	logger := logctx.LoggerFromContext(ctx)

	j.mu.Lock()

	j.cancel = nil
	j.pausing = false

	var notify string

	switch {
	case errors.Is(err, errAbortRequested):
		// Abort owns the final state.
		j.mu.Unlock()

		return
	case err == nil:
		j.state = do.StateTransferred
		if j.total < j.transferred {
			j.total = j.transferred
		}

		notify = fmt.Sprintf("Download %s completed: %s (%s)", j.id, j.localPath, humanize.Bytes(j.transferred))

		logger.InfoContext(ctx, "download transferred", "file", j.localPath, "size", humanize.Bytes(j.transferred))
	case errors.Is(err, errPauseRequested), errors.Is(err, errShutdown):
		j.state = do.StatePaused

		logger.InfoContext(ctx, "download paused", "transferred", humanize.Bytes(j.transferred))
	default:
		j.state = do.StatePaused
		j.code = do.CodeOf(err)

		var de *do.Error
		if errors.As(err, &de) && de.Err != nil {
			j.extended = do.CodeOf(de.Err)
			if j.extended == do.ErrFail {
				j.extended = do.OK
			}
		}

		notify = fmt.Sprintf("Download %s failed: %s (0x%08x)", j.id, j.uri, uint32(j.code))

		a.tel.RecordSystemError("agent", failureKind(j.code))

		logger.ErrorContext(ctx, "download failed", "err", err, "code", fmt.Sprintf("0x%08x", uint32(j.code)))
	}

	j.publish()
	j.mu.Unlock()

	a.journalUpdate(ctx, j)

	if notify != "" && a.notifier != nil {
		go func() {
			if err := a.notifier.Notify(context.WithoutCancel(ctx), notify); err != nil {
				a.tel.RecordSystemError("notifier", "notify_failed")
				logger.ErrorContext(ctx, "failed to send notification", "err", err)
			}
		}()
	}
}

// failureKind buckets a failure code into a metric label.
func failureKind(code do.Errc) string {
	if _, ok := code.HTTPStatus(); ok {
		return "http_status"
	}

	switch code {
	case do.ErrNoProgress:
		return "no_progress"
	case do.ErrContentVerification:
		return "content_verification"
	default:
		return "transfer_failed"
	}
}

// transfer fetches att.uri into att.localPath, resuming from the bytes on
// disk when the source honours range requests.
func (a *Agent) transfer(ctx context.Context, j *job, att attempt) error {
	logger := logctx.LoggerFromContext(ctx)

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	offset := att.offset
	if att.resume {
		info, err := os.Stat(att.localPath)
		if err != nil || uint64(info.Size()) != offset {
			offset = 0
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, att.uri, nil)
	if err != nil {
		return do.NewError("start", do.ErrInvalidArg, err)
	}

	for key, values := range att.headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	if att.correlationVector != "" {
		req.Header.Set(CorrelationVectorHeader, att.correlationVector)
	}

	if att.callerName != "" {
		req.Header.Set("User-Agent", "deliveryopt ("+att.callerName+")")
	}

	if offset > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatUint(offset, 10)+"-")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		if cause := context.Cause(ctx); cause != nil {
			return cause
		}

		return fmt.Errorf("failed to request %s: %w", att.uri, err)
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY

	switch {
	case resp.StatusCode == http.StatusPartialContent && offset > 0:
		flags |= os.O_APPEND
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && offset > 0:
		logger.DebugContext(ctx, "source reports nothing left to fetch", "offset", offset)

		return a.complete(j, att, offset)
	case resp.StatusCode == http.StatusOK:
		flags |= os.O_TRUNC
		offset = 0
	default:
		return do.Errorf("transfer", do.HTTPError(resp.StatusCode), "%s answered %s", att.uri, resp.Status)
	}

	var total uint64
	if resp.ContentLength >= 0 {
		total = offset + uint64(resp.ContentLength)
	}

	j.mu.Lock()
	j.transferred, j.total = offset, total
	j.publish()
	j.mu.Unlock()

	out, err := os.OpenFile(att.localPath, flags, filePerm)
	if err != nil {
		return fmt.Errorf("failed to open target file: %w", err)
	}
	defer out.Close()

	logger.InfoContext(ctx, "downloading file", "file_path", att.localPath, "file_size", humanize.Bytes(total), "offset", offset)

	var lastProgress atomic.Int64
	lastProgress.Store(time.Now().UnixNano())

	if att.noProgressTimeout > 0 {
		go watchProgress(ctx, cancel, &lastProgress, att.noProgressTimeout)
	}

	pr := progress.NewReader(resp.Body, int64(total), a.cfg.ProgressInterval, a.cfg.ProgressPeriod, func(read, _ int64) {
		lastProgress.Store(time.Now().UnixNano())

		j.mu.Lock()
		j.transferred = offset + uint64(read)
		j.publish()
		j.mu.Unlock()
	})

	body := &throttledReader{ctx: ctx, r: pr, limiter: a.limiter, foreground: &j.foreground}

	_, err = io.CopyBuffer(out, body, make([]byte, copyBufferSize))
	pr.Flush()

	if cause := context.Cause(ctx); cause != nil {
		return cause
	}

	if err != nil {
		return fmt.Errorf("failed to copy file: %w", err)
	}

	if err := out.Sync(); err != nil {
		return fmt.Errorf("failed to sync file: %w", err)
	}

	return a.complete(j, att, offset+uint64(pr.BytesRead()))
}

// complete verifies the integrity of a fully fetched file.
func (a *Agent) complete(j *job, att attempt, size uint64) error {
	j.mu.Lock()
	j.transferred = size
	if j.total < size {
		j.total = size
	}
	j.mu.Unlock()

	if att.integrity == nil {
		return nil
	}

	if err := att.integrity.verify(att.localPath); err != nil {
		return do.NewError("verify", do.ErrContentVerification, err)
	}

	return nil
}

// watchProgress cancels the transfer with ErrNoProgress once no bytes have
// arrived for timeout.
func watchProgress(ctx context.Context, cancel context.CancelCauseFunc, last *atomic.Int64, timeout time.Duration) {
	ticker := time.NewTicker(max(min(timeout/4, time.Second), 10*time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Since(time.Unix(0, last.Load())) >= timeout {
				cancel(do.Errorf("transfer", do.ErrNoProgress, "no bytes received for %s", timeout))

				return
			}
		}
	}
}

// throttledReader charges background reads against the shared limiter.
// Foreground downloads bypass it.
type throttledReader struct {
	ctx        context.Context
	r          io.Reader
	limiter    *rate.Limiter
	foreground *atomic.Bool
}

func (t *throttledReader) Read(p []byte) (int, error) {
	throttled := t.limiter != nil && !t.foreground.Load()
	if throttled && len(p) > t.limiter.Burst() {
		p = p[:t.limiter.Burst()]
	}

	n, err := t.r.Read(p)
	if n > 0 && throttled {
		if werr := t.limiter.WaitN(t.ctx, n); werr != nil {
			return n, werr
		}
	}

	return n, err
}
