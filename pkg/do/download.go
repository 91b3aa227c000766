package do

import (
	"context"
	"sync"

	"github.com/italolelis/deliveryopt/internal/logctx"
)

const (
	opCreate       = "create"
	opSetProperty  = "set_property"
	opGetProperty  = "get_property"
	opStart        = "start"
	opStartAndWait = "start_and_wait_until_completion"
	opPause        = "pause"
	opResume       = "resume"
	opFinalize     = "finalize"
	opAbort        = "abort"
	opStatus       = "get_status"
)

// Download is a handle to a transfer owned by a Service.
//
// Every fallible method has a twin with a Code suffix that returns the same
// classification as an Errc instead of an error.
type Download struct {
	svc       Service
	id        string
	uri       string
	localPath string

	// mu is never held while a callback runs, so callbacks may call back
	// into the Download.
	mu        sync.Mutex
	callback  StatusCallback
	cancelSub context.CancelFunc
	closed    bool
}

// NewDownload creates a download of uri into localPath on svc. Properties may
// be set until Start.
func NewDownload(ctx context.Context, svc Service, uri, localPath string) (*Download, error) {
	if svc == nil {
		return nil, Errorf(opCreate, ErrInvalidArg, "nil service")
	}

	if uri == "" || localPath == "" {
		return nil, Errorf(opCreate, ErrInvalidArg, "uri and local path are required")
	}

	id, err := svc.Create(ctx, uri, localPath)
	if err != nil {
		return nil, wrap(opCreate, err)
	}

	logctx.LoggerFromContext(ctx).DebugContext(ctx, "download created", "download_id", id, "uri", uri, "local_path", localPath)

	return &Download{
		svc:       svc,
		id:        id,
		uri:       uri,
		localPath: localPath,
	}, nil
}

// ID returns the service-assigned identifier.
func (d *Download) ID() string {
	return d.id
}

// SetProperty stages v for p. An ErrUnknownPropertyID failure means the
// service does not support p and can be ignored by callers that treat the
// property as optional.
func (d *Download) SetProperty(ctx context.Context, p Property, v PropertyValue) error {
	return d.setProperty(ctx, p, v)
}

// SetPropertyCode is SetProperty reporting an Errc.
func (d *Download) SetPropertyCode(ctx context.Context, p Property, v PropertyValue) Errc {
	return CodeOf(d.setProperty(ctx, p, v))
}

func (d *Download) setProperty(ctx context.Context, p Property, v PropertyValue) error {
	if err := ValidateProperty(p, v); err != nil {
		return err
	}

	if p == PropCallbackInterface {
		return d.setCallback(ctx, v.cb)
	}

	return wrap(opSetProperty, d.svc.SetProperty(ctx, d.id, p, v))
}

// GetProperty returns the current value of p.
func (d *Download) GetProperty(ctx context.Context, p Property) (PropertyValue, error) {
	switch p {
	case PropID:
		return StringValue(d.id), nil
	case PropCallbackInterface:
		d.mu.Lock()
		defer d.mu.Unlock()

		return CallbackValue(d.callback), nil
	}

	if !p.Valid() {
		return PropertyValue{}, Errorf(opGetProperty, ErrUnknownPropertyID, "unknown property id %d", int(p))
	}

	v, err := d.svc.GetProperty(ctx, d.id, p)
	if err != nil {
		return PropertyValue{}, wrap(opGetProperty, err)
	}

	return v, nil
}

// setCallback swaps the registered callback. No invocation of the previous
// callback starts after it returns; one already running finishes.
func (d *Download) setCallback(ctx context.Context, cb StatusCallback) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return Errorf(opSetProperty, ErrInvalidState, "download %s is closed", d.id)
	}

	d.callback = cb

	if cb == nil || d.cancelSub != nil {
		return nil
	}

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	// Subscriptions open with the current snapshot. It is not a change, so
	// the dispatcher skips it.
	base, err := d.svc.Status(subCtx, d.id)
	if err != nil {
		cancel()
		d.callback = nil

		return wrap(opSetProperty, err)
	}

	updates, err := d.svc.Subscribe(subCtx, d.id)
	if err != nil {
		cancel()
		d.callback = nil

		return wrap(opSetProperty, err)
	}

	d.cancelSub = cancel

	go d.dispatch(subCtx, updates, base)

	return nil
}

// dispatch is the only goroutine invoking callbacks of d, so invocations
// never overlap.
func (d *Download) dispatch(ctx context.Context, updates <-chan Status, last Status) {
	logger := logctx.LoggerFromContext(ctx).With("download_id", d.id)

	for s := range updates {
		if s == last {
			continue
		}

		last = s

		d.mu.Lock()
		cb := d.callback
		d.mu.Unlock()

		if cb == nil {
			continue
		}

		logger.DebugContext(ctx, "dispatching status callback", "status", s.String())
		cb(d, s)
	}
}

// Start begins the transfer without waiting for it. Starting a paused
// download resumes it; starting a transferring one fails with ErrInvalidState.
func (d *Download) Start(ctx context.Context) error {
	return wrap(opStart, d.svc.Start(ctx, d.id))
}

func (d *Download) StartCode(ctx context.Context) Errc {
	return CodeOf(d.Start(ctx))
}

// Resume restarts a paused download.
func (d *Download) Resume(ctx context.Context) error {
	return wrap(opResume, d.svc.Start(ctx, d.id))
}

func (d *Download) ResumeCode(ctx context.Context) Errc {
	return CodeOf(d.Resume(ctx))
}

// Pause requests suspension. The state converges to StatePaused
// asynchronously; poll Status or watch the callback to observe it.
func (d *Download) Pause(ctx context.Context) error {
	return wrap(opPause, d.svc.Pause(ctx, d.id))
}

func (d *Download) PauseCode(ctx context.Context) Errc {
	return CodeOf(d.Pause(ctx))
}

// Finalize releases the service handle of a transferred download, keeping
// the file.
func (d *Download) Finalize(ctx context.Context) error {
	if err := d.svc.Finalize(ctx, d.id); err != nil {
		return wrap(opFinalize, err)
	}

	d.Close()

	return nil
}

func (d *Download) FinalizeCode(ctx context.Context) Errc {
	return CodeOf(d.Finalize(ctx))
}

// Abort cancels the transfer, removes the partial file and releases the
// service handle.
func (d *Download) Abort(ctx context.Context) error {
	if err := d.svc.Abort(ctx, d.id); err != nil {
		return wrap(opAbort, err)
	}

	d.Close()

	return nil
}

func (d *Download) AbortCode(ctx context.Context) Errc {
	return CodeOf(d.Abort(ctx))
}

// Status returns the current snapshot. It is all zeros before Start.
func (d *Download) Status(ctx context.Context) (Status, error) {
	s, err := d.svc.Status(ctx, d.id)
	if err != nil {
		return Status{}, wrap(opStatus, err)
	}

	return s, nil
}

// StartAndWaitUntilCompletion starts the download and blocks until it is
// transferred or fails. If ctx ends first the download is paused and an
// ErrAborted error wrapping ctx.Err() is returned, so errors.Is matches
// context.Canceled or context.DeadlineExceeded.
func (d *Download) StartAndWaitUntilCompletion(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx).With("download_id", d.id)

	if err := d.svc.Start(ctx, d.id); err != nil {
		return wrap(opStartAndWait, err)
	}

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Subscribing after Start means the first snapshot already reflects it.
	updates, err := d.svc.Subscribe(waitCtx, d.id)
	if err != nil {
		return wrap(opStartAndWait, err)
	}

	for {
		select {
		case <-ctx.Done():
			if err := d.svc.Pause(context.WithoutCancel(ctx), d.id); err != nil {
				logger.WarnContext(ctx, "failed to pause download after cancellation", "err", err)
			}

			return NewError(opStartAndWait, ErrAborted, ctx.Err())
		case s, ok := <-updates:
			if !ok {
				return d.finalStatus(ctx)
			}

			switch {
			case s.IsComplete():
				return nil
			case s.IsError():
				return NewError(opStartAndWait, s.ErrorCode(), nil)
			case s.State() == StateAborted:
				return NewError(opStartAndWait, ErrAborted, nil)
			}
		}
	}
}

func (d *Download) StartAndWaitUntilCompletionCode(ctx context.Context) Errc {
	return CodeOf(d.StartAndWaitUntilCompletion(ctx))
}

func (d *Download) finalStatus(ctx context.Context) error {
	s, err := d.svc.Status(ctx, d.id)
	if err != nil {
		return wrap(opStartAndWait, err)
	}

	switch {
	case s.IsComplete():
		return nil
	case s.IsError():
		return NewError(opStartAndWait, s.ErrorCode(), nil)
	default:
		return Errorf(opStartAndWait, ErrAborted, "download left state %s", s.State())
	}
}

// Close stops status callbacks. It does not touch the service-side transfer
// and is safe to call from inside a callback.
func (d *Download) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}

	d.closed = true
	d.callback = nil

	if d.cancelSub != nil {
		d.cancelSub()
	}
}
