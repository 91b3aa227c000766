package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/italolelis/deliveryopt/internal/logctx"
	"github.com/italolelis/deliveryopt/internal/notifier"
	"github.com/italolelis/deliveryopt/internal/storage"
	"github.com/italolelis/deliveryopt/internal/telemetry"
	"github.com/italolelis/deliveryopt/pkg/do"
	"golang.org/x/time/rate"
)

const (
	dirPerm = 0755

	copyBufferSize          = 32 * 1024
	defaultProgressInterval = 256 * 1024
	defaultProgressPeriod   = 250 * time.Millisecond
)

var (
	errPauseRequested = errors.New("pause requested")
	errAbortRequested = errors.New("abort requested")
	errShutdown       = errors.New("agent shutting down")
)

// Config tunes the transfer engine.
type Config struct {
	// MaxParallel bounds concurrent background transfers. Foreground
	// transfers are not counted.
	MaxParallel int
	// BackgroundRateLimit caps the combined throughput of background
	// transfers in bytes per second. Zero disables the cap.
	BackgroundRateLimit int64
	// NoProgressTimeout fails a transfer that receives no bytes for this
	// long, unless the download sets its own timeout. Zero disables it.
	NoProgressTimeout time.Duration
	// ProgressInterval and ProgressPeriod bound how often subscribers see a
	// progress snapshot.
	ProgressInterval int64
	ProgressPeriod   time.Duration
	// UnsupportedProperties emulates an older service that rejects these
	// properties with ErrUnknownPropertyID.
	UnsupportedProperties []do.Property

	HTTPClient *http.Client
}

// Agent is the in-process transfer engine. It implements do.Service.
type Agent struct {
	cfg         Config
	client      *http.Client
	limiter     *rate.Limiter
	sem         chan struct{}
	unsupported map[do.Property]bool

	journal  storage.DownloadWriteRepository
	tel      *telemetry.Telemetry
	notifier notifier.Notifier

	mu   sync.RWMutex
	jobs map[string]*job
	wg   sync.WaitGroup
}

type Option func(*Agent)

// WithJournal records every download and its state transitions.
func WithJournal(repo storage.DownloadWriteRepository) Option {
	return func(a *Agent) { a.journal = repo }
}

func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(a *Agent) { a.tel = tel }
}

// WithNotifier announces completed and failed downloads.
func WithNotifier(n notifier.Notifier) Option {
	return func(a *Agent) { a.notifier = n }
}

func New(cfg Config, opts ...Option) *Agent {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 1
	}

	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = defaultProgressInterval
	}

	if cfg.ProgressPeriod <= 0 {
		cfg.ProgressPeriod = defaultProgressPeriod
	}

	a := &Agent{
		cfg:         cfg,
		client:      cfg.HTTPClient,
		sem:         make(chan struct{}, cfg.MaxParallel),
		unsupported: make(map[do.Property]bool, len(cfg.UnsupportedProperties)),
		jobs:        make(map[string]*job),
	}

	if a.client == nil {
		a.client = http.DefaultClient
	}

	if cfg.BackgroundRateLimit > 0 {
		burst := max(int(cfg.BackgroundRateLimit), copyBufferSize)
		a.limiter = rate.NewLimiter(rate.Limit(cfg.BackgroundRateLimit), burst)
	}

	for _, p := range cfg.UnsupportedProperties {
		a.unsupported[p] = true
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// Create registers a download of uri into localPath and returns its id.
func (a *Agent) Create(ctx context.Context, uri, localPath string) (string, error) {
	if err := validateSourceURI(uri); err != nil {
		return "", do.NewError("create", do.ErrInvalidArg, err)
	}

	if localPath == "" {
		return "", do.Errorf("create", do.ErrInvalidArg, "local path is required")
	}

	j := newJob(uuid.NewString(), uri, localPath)

	a.mu.Lock()
	a.jobs[j.id] = j
	a.mu.Unlock()

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "download created", "download_id", j.id, "uri", uri, "local_path", localPath)

	if a.journal != nil {
		if err := a.journal.TrackDownload(ctx, j.record()); err != nil {
			a.tel.RecordSystemError("journal", "track_failed")
			logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to track download", "download_id", j.id, "err", err)
		}
	}

	return j.id, nil
}

// SetProperty stages v on the download. Only live properties may change while
// the download is transferring.
func (a *Agent) SetProperty(ctx context.Context, id string, p do.Property, v do.PropertyValue) error {
	err := a.setProperty(ctx, id, p, v)

	status := "success"
	if err != nil {
		status = "error"
	}

	a.tel.RecordPropertySet(p.String(), status)

	return err
}

func (a *Agent) setProperty(ctx context.Context, id string, p do.Property, v do.PropertyValue) error {
	const op = "set_property"

	if err := do.ValidateProperty(p, v); err != nil {
		return err
	}

	if a.unsupported[p] {
		return do.Errorf(op, do.ErrUnknownPropertyID, "property %s is not supported", p)
	}

	if p == do.PropCallbackInterface {
		return do.Errorf(op, do.ErrInvalidArg, "callbacks are held by the client")
	}

	j, err := a.lookup(op, id)
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.state == do.StateTransferring && !p.Live() {
		return do.Errorf(op, do.ErrInvalidState, "property %s cannot change while transferring", p)
	}

	if err := j.apply(p, v); err != nil {
		return err
	}

	logctx.LoggerFromContext(ctx).DebugContext(ctx, "property set", "download_id", id, "property", p.String())

	return nil
}

// GetProperty returns the staged value of p.
func (a *Agent) GetProperty(_ context.Context, id string, p do.Property) (do.PropertyValue, error) {
	const op = "get_property"

	if !p.Valid() {
		return do.PropertyValue{}, do.Errorf(op, do.ErrUnknownPropertyID, "unknown property id %d", int(p))
	}

	if a.unsupported[p] {
		return do.PropertyValue{}, do.Errorf(op, do.ErrUnknownPropertyID, "property %s is not supported", p)
	}

	if p == do.PropCallbackInterface {
		return do.PropertyValue{}, do.Errorf(op, do.ErrInvalidArg, "callbacks are held by the client")
	}

	j, err := a.lookup(op, id)
	if err != nil {
		return do.PropertyValue{}, err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	return j.value(p), nil
}

// Start begins or resumes the transfer in the background.
func (a *Agent) Start(ctx context.Context, id string) error {
	const op = "start"

	j, err := a.lookup(op, id)
	if err != nil {
		return err
	}

	j.mu.Lock()

	// A pause that has not settled yet is waited out so Start right after
	// Pause behaves like a resume.
	for j.state == do.StateTransferring && j.pausing {
		done := j.done
		j.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return do.NewError(op, do.ErrAborted, ctx.Err())
		}

		j.mu.Lock()
	}

	if err := a.prepareStart(j); err != nil {
		j.mu.Unlock()

		return err
	}

	lock, err := lockDestination(j.localPath)
	if err != nil {
		j.mu.Unlock()

		return do.NewError(op, do.ErrInvalidState, err)
	}

	att := j.attempt(a.cfg.NoProgressTimeout)

	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	done := make(chan struct{})

	j.cancel = cancel
	j.done = done
	j.pausing = false
	j.state = do.StateTransferring
	j.code, j.extended = do.OK, do.OK

	if !att.resume {
		j.transferred, j.total = 0, 0
	}

	j.publish()
	a.wg.Add(1)
	j.mu.Unlock()

	// The transferring row is written before the run can write its outcome.
	a.journalUpdate(ctx, j)

	go a.run(runCtx, j, att, lock, done)

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "download started", "download_id", id, "resume", att.resume)

	return nil
}

// prepareStart checks that j may start. The caller holds j.mu.
func (a *Agent) prepareStart(j *job) error {
	const op = "start"

	if j.aborting {
		return do.Errorf(op, do.ErrInvalidState, "download is being aborted")
	}

	switch j.state {
	case do.StateCreated, do.StatePaused:
	case do.StateTransferring:
		return do.Errorf(op, do.ErrInvalidState, "download is already transferring")
	default:
		return do.Errorf(op, do.ErrInvalidState, "download is %s", j.state)
	}

	if j.integrityMandatory && j.integrity == nil {
		return do.Errorf(op, do.ErrInvalidState, "integrity check is mandatory but no integrity info is set")
	}

	if err := os.MkdirAll(filepath.Dir(j.localPath), dirPerm); err != nil {
		return do.NewError(op, do.ErrFail, fmt.Errorf("failed to create target directory: %w", err))
	}

	return nil
}

// Pause asks a transferring download to stop. The state becomes paused once
// the transfer goroutine has unwound.
func (a *Agent) Pause(ctx context.Context, id string) error {
	const op = "pause"

	j, err := a.lookup(op, id)
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	switch j.state {
	case do.StatePaused:
		return nil
	case do.StateTransferring:
		if !j.pausing {
			j.pausing = true
			j.cancel(errPauseRequested)

			logctx.LoggerFromContext(ctx).InfoContext(ctx, "pause requested", "download_id", id)
		}

		return nil
	default:
		return do.Errorf(op, do.ErrInvalidState, "cannot pause a %s download", j.state)
	}
}

// Finalize releases a transferred download, keeping its file.
func (a *Agent) Finalize(ctx context.Context, id string) error {
	const op = "finalize"

	j, err := a.lookup(op, id)
	if err != nil {
		return err
	}

	j.mu.Lock()

	if j.state != do.StateTransferred {
		state := j.state
		j.mu.Unlock()

		return do.Errorf(op, do.ErrInvalidState, "cannot finalize a %s download", state)
	}

	j.state = do.StateFinalized
	j.publish()
	j.mu.Unlock()

	a.journalUpdate(ctx, j)
	a.release(j)

	removeLockFile(j.localPath)

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "download finalized", "download_id", id)

	return nil
}

// Abort stops the transfer, deletes the partial file and releases the
// download.
func (a *Agent) Abort(ctx context.Context, id string) error {
	const op = "abort"

	j, err := a.lookup(op, id)
	if err != nil {
		return err
	}

	j.mu.Lock()

	if j.state == do.StateFinalized || j.state == do.StateAborted {
		state := j.state
		j.mu.Unlock()

		return do.Errorf(op, do.ErrInvalidState, "download is already %s", state)
	}

	if j.aborting {
		j.mu.Unlock()

		return do.Errorf(op, do.ErrInvalidState, "download is already being aborted")
	}

	j.aborting = true

	var done chan struct{}

	if j.state == do.StateTransferring {
		j.cancel(errAbortRequested)
		done = j.done
	}

	j.mu.Unlock()

	if done != nil {
		<-done
	}

	j.mu.Lock()
	started := j.state != do.StateCreated || j.transferred > 0
	j.state = do.StateAborted
	j.code = do.ErrAborted
	j.publish()
	path := j.localPath
	j.mu.Unlock()

	if started {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to remove partial file", "download_id", id, "file", path, "err", err)
		}
	}

	removeLockFile(path)

	a.journalUpdate(ctx, j)
	a.release(j)

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "download aborted", "download_id", id)

	return nil
}

// Status returns the current snapshot of the download.
func (a *Agent) Status(_ context.Context, id string) (do.Status, error) {
	j, err := a.lookup("get_status", id)
	if err != nil {
		return do.Status{}, err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	return j.snapshot(), nil
}

// Subscribe streams snapshots of the download, starting with the current one.
// Slow readers only see the latest snapshot.
func (a *Agent) Subscribe(ctx context.Context, id string) (<-chan do.Status, error) {
	j, err := a.lookup("subscribe", id)
	if err != nil {
		return nil, err
	}

	ch := make(chan do.Status, 1)

	j.mu.Lock()
	if j.released {
		j.mu.Unlock()

		return nil, do.Errorf("subscribe", do.ErrNotFound, "download %s not found", id)
	}

	ch <- j.snapshot()
	j.subs[ch] = struct{}{}
	j.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			j.unsubscribe(ch)
		case <-j.releasedCh:
		}
	}()

	return ch, nil
}

// Close pauses every running transfer and waits for the transfer goroutines
// to exit.
func (a *Agent) Close(ctx context.Context) error {
	a.mu.RLock()
	for _, j := range a.jobs {
		j.mu.Lock()
		if j.state == do.StateTransferring && j.cancel != nil {
			j.cancel(errShutdown)
		}
		j.mu.Unlock()
	}
	a.mu.RUnlock()

	done := make(chan struct{})

	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to stop transfers: %w", ctx.Err())
	}
}

func (a *Agent) lookup(op, id string) (*job, error) {
	a.mu.RLock()
	j, ok := a.jobs[id]
	a.mu.RUnlock()

	if !ok {
		return nil, do.Errorf(op, do.ErrNotFound, "download %s not found", id)
	}

	return j, nil
}

func (a *Agent) release(j *job) {
	a.mu.Lock()
	delete(a.jobs, j.id)
	a.mu.Unlock()

	j.release()
}

func (a *Agent) journalUpdate(ctx context.Context, j *job) {
	if a.journal == nil {
		return
	}

	j.journalMu.Lock()
	defer j.journalMu.Unlock()

	j.mu.Lock()
	rec := j.record()
	j.mu.Unlock()

	if err := a.journal.UpdateDownload(context.WithoutCancel(ctx), rec); err != nil {
		a.tel.RecordSystemError("journal", "update_failed")
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to update download journal", "download_id", j.id, "err", err)
	}
}

func validateSourceURI(raw string) error {
	if raw == "" {
		return errors.New("uri is required")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid uri: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported uri scheme %q", u.Scheme)
	}

	if u.Host == "" {
		return errors.New("uri has no host")
	}

	return nil
}

var _ do.Service = (*Agent)(nil)
