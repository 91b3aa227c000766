package agent

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/italolelis/deliveryopt/internal/storage"
	"github.com/italolelis/deliveryopt/pkg/do"
)

// job is the service-side state of one download. Fields below mu are guarded
// by it; foreground is read by the transfer loop without locking.
type job struct {
	id         string
	foreground atomic.Bool

	// journalMu orders journal writes for this job.
	journalMu sync.Mutex

	mu                 sync.Mutex
	uri                string
	localPath          string
	callerName         string
	correlationVector  string
	integrityMandatory bool
	rawIntegrity       string
	integrity          *integrityCheck
	rawHeaders         string
	headers            http.Header
	noProgressTimeout  uint32

	state       do.State
	transferred uint64
	total       uint64
	code        do.Errc
	extended    do.Errc
	createdAt   time.Time

	cancel   func(error)
	done     chan struct{}
	pausing  bool
	aborting bool

	subs       map[chan do.Status]struct{}
	released   bool
	releasedCh chan struct{}
}

// attempt is the immutable input of one transfer run.
type attempt struct {
	uri               string
	localPath         string
	callerName        string
	correlationVector string
	headers           http.Header
	integrity         *integrityCheck
	noProgressTimeout time.Duration
	resume            bool
	offset            uint64
}

func newJob(id, uri, localPath string) *job {
	return &job{
		id:         id,
		uri:        uri,
		localPath:  localPath,
		state:      do.StateCreated,
		createdAt:  time.Now(),
		subs:       make(map[chan do.Status]struct{}),
		releasedCh: make(chan struct{}),
	}
}

// apply stores v for p. The caller holds j.mu and has checked the kind.
func (j *job) apply(p do.Property, v do.PropertyValue) error {
	const op = "set_property"

	switch p {
	case do.PropURI:
		s, _ := v.AsString()
		if j.state != do.StateCreated {
			return do.Errorf(op, do.ErrInvalidState, "uri can only change before the first start")
		}

		if err := validateSourceURI(s); err != nil {
			return do.NewError(op, do.ErrInvalidArg, err)
		}

		j.uri = s
	case do.PropLocalPath:
		s, _ := v.AsString()
		if j.state != do.StateCreated {
			return do.Errorf(op, do.ErrInvalidState, "local path can only change before the first start")
		}

		if s == "" {
			return do.Errorf(op, do.ErrInvalidArg, "local path is required")
		}

		j.localPath = s
	case do.PropCallerName:
		j.callerName, _ = v.AsString()
	case do.PropIntegrityCheckMandatory:
		j.integrityMandatory, _ = v.AsBool()
	case do.PropIntegrityCheckInfo:
		s, _ := v.AsString()
		if s == "" {
			j.rawIntegrity, j.integrity = "", nil

			return nil
		}

		check, err := parseIntegrityInfo(s)
		if err != nil {
			return do.NewError(op, do.ErrInvalidArg, err)
		}

		j.rawIntegrity, j.integrity = s, check
	case do.PropCorrelationVector:
		j.correlationVector, _ = v.AsString()
	case do.PropHTTPCustomHeaders:
		s, _ := v.AsString()

		headers, err := parseCustomHeaders(s)
		if err != nil {
			return do.NewError(op, do.ErrInvalidArg, err)
		}

		j.rawHeaders, j.headers = s, headers
	case do.PropUseForegroundPriority:
		fg, _ := v.AsBool()
		j.foreground.Store(fg)
	case do.PropNoProgressTimeoutSeconds:
		j.noProgressTimeout, _ = v.AsUint()
	default:
		return do.Errorf(op, do.ErrInvalidArg, "property %s cannot be set", p)
	}

	return nil
}

// value reads p back. The caller holds j.mu.
func (j *job) value(p do.Property) do.PropertyValue {
	switch p {
	case do.PropID:
		return do.StringValue(j.id)
	case do.PropURI:
		return do.StringValue(j.uri)
	case do.PropLocalPath:
		return do.StringValue(j.localPath)
	case do.PropCallerName:
		return do.StringValue(j.callerName)
	case do.PropIntegrityCheckMandatory:
		return do.BoolValue(j.integrityMandatory)
	case do.PropIntegrityCheckInfo:
		return do.StringValue(j.rawIntegrity)
	case do.PropCorrelationVector:
		return do.StringValue(j.correlationVector)
	case do.PropHTTPCustomHeaders:
		return do.StringValue(j.rawHeaders)
	case do.PropUseForegroundPriority:
		return do.BoolValue(j.foreground.Load())
	case do.PropNoProgressTimeoutSeconds:
		return do.UintValue(j.noProgressTimeout)
	default:
		return do.PropertyValue{}
	}
}

// attempt captures the inputs of the next run. The caller holds j.mu.
func (j *job) attempt(defaultTimeout time.Duration) attempt {
	timeout := defaultTimeout
	if j.noProgressTimeout > 0 {
		timeout = time.Duration(j.noProgressTimeout) * time.Second
	}

	resume := j.state == do.StatePaused && j.transferred > 0

	att := attempt{
		uri:               j.uri,
		localPath:         j.localPath,
		callerName:        j.callerName,
		correlationVector: j.correlationVector,
		headers:           j.headers.Clone(),
		integrity:         j.integrity,
		noProgressTimeout: timeout,
		resume:            resume,
	}

	if resume {
		att.offset = j.transferred
	}

	return att
}

func (j *job) snapshot() do.Status {
	return do.NewStatus(j.transferred, j.total, j.code, j.extended, j.state)
}

// publish hands the current snapshot to every subscriber without blocking.
// A subscriber that has not consumed the previous snapshot gets it replaced.
// The caller holds j.mu, which keeps snapshots in order.
func (j *job) publish() {
	s := j.snapshot()

	for ch := range j.subs {
		select {
		case ch <- s:
		default:
			select {
			case <-ch:
			default:
			}

			ch <- s
		}
	}
}

func (j *job) unsubscribe(ch chan do.Status) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, ok := j.subs[ch]; ok {
		delete(j.subs, ch)
		close(ch)
	}
}

// release closes every subscription. The job is unusable afterwards.
func (j *job) release() {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.released {
		return
	}

	j.released = true

	for ch := range j.subs {
		close(ch)
	}

	j.subs = nil
	close(j.releasedCh)
}

// record renders the journal row. The caller holds j.mu.
func (j *job) record() storage.DownloadRecord {
	return storage.DownloadRecord{
		DownloadID:        j.id,
		URI:               j.uri,
		LocalPath:         j.localPath,
		CallerName:        j.callerName,
		CorrelationVector: j.correlationVector,
		State:             j.state.String(),
		BytesTransferred:  j.transferred,
		BytesTotal:        j.total,
		ErrorCode:         int32(j.code),
		CreatedAt:         j.createdAt,
	}
}
