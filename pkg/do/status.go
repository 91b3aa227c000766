package do

import "fmt"

// State is the service-reported lifecycle state of a download. The ordinal
// values are defined by the service and must be treated as opaque.
type State int

const (
	StateCreated State = iota
	StateTransferring
	StateTransferred
	StateFinalized
	StateAborted
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateTransferring:
		return "transferring"
	case StateTransferred:
		return "transferred"
	case StateFinalized:
		return "finalized"
	case StateAborted:
		return "aborted"
	case StatePaused:
		return "paused"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ParseState is the inverse of State.String.
func ParseState(name string) (State, error) {
	for s := StateCreated; s <= StatePaused; s++ {
		if s.String() == name {
			return s, nil
		}
	}

	return 0, Errorf("parse_state", ErrInvalidArg, "unknown state %q", name)
}

// Status is an immutable snapshot of a download's progress.
type Status struct {
	bytesTransferred  uint64
	bytesTotal        uint64
	errorCode         Errc
	extendedErrorCode Errc
	state             State
}

// NewStatus is used by Service implementations to report a snapshot.
func NewStatus(transferred, total uint64, code, extended Errc, state State) Status {
	return Status{
		bytesTransferred:  transferred,
		bytesTotal:        total,
		errorCode:         code,
		extendedErrorCode: extended,
		state:             state,
	}
}

func (s Status) BytesTransferred() uint64 { return s.bytesTransferred }
func (s Status) BytesTotal() uint64       { return s.bytesTotal }
func (s Status) ErrorCode() Errc          { return s.errorCode }
func (s Status) ExtendedErrorCode() Errc  { return s.extendedErrorCode }
func (s Status) State() State             { return s.state }

// IsError reports a download the service stopped because of a failure. The
// service parks failed transfers in StatePaused with a non-zero error code.
func (s Status) IsError() bool {
	return s.state == StatePaused && s.errorCode != OK
}

// IsComplete reports whether all bytes are on disk.
func (s Status) IsComplete() bool {
	return s.state == StateTransferred || s.state == StateFinalized
}

// IsTerminal reports a state the download cannot leave on its own.
func (s Status) IsTerminal() bool {
	return s.IsComplete() || s.IsError() || s.state == StateAborted
}

func (s Status) String() string {
	return fmt.Sprintf("%d/%d, 0x%08x, 0x%08x, %s",
		s.bytesTransferred, s.bytesTotal, uint32(s.errorCode), uint32(s.extendedErrorCode), s.state)
}
