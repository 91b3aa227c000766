package do

import (
	"errors"
	"fmt"
)

// Errc is a service-defined result code. Zero means success; failures are
// HRESULT-style negative values and should be compared against the named
// constants below rather than interpreted numerically.
type Errc int32

const (
	OK                     Errc = 0
	ErrInvalidArg          Errc = -2147024809 // 0x80070057
	ErrUnknownPropertyID   Errc = -2133843951 // 0x80D02011
	ErrInvalidState        Errc = -2147019873 // 0x8007139F
	ErrNotFound            Errc = -2147023728 // 0x80070490
	ErrNoProgress          Errc = -2133843966 // 0x80D02002
	ErrContentVerification Errc = -2133843956 // 0x80D0200C
	ErrAborted             Errc = -2147467260 // 0x80004004
	ErrFail                Errc = -2147467259 // 0x80004005
	ErrNotImplemented      Errc = -2147467263 // 0x80004001
	ErrUnexpected          Errc = -2147418113 // 0x8000FFFF

	// httpErrorBase is OR-ed with an HTTP status code, e.g. 0x80190194 for a 404.
	httpErrorBase Errc = -2145845248 // 0x80190000
)

var errcNames = map[Errc]string{
	OK:                     "success",
	ErrInvalidArg:          "invalid argument",
	ErrUnknownPropertyID:   "unknown property id",
	ErrInvalidState:        "invalid state",
	ErrNotFound:            "not found",
	ErrNoProgress:          "no progress",
	ErrContentVerification: "content verification failed",
	ErrAborted:             "aborted",
	ErrFail:                "unspecified failure",
	ErrNotImplemented:      "not implemented",
	ErrUnexpected:          "unexpected failure",
}

// HTTPError returns the code reported when a source server answers with a
// non-success HTTP status.
func HTTPError(status int) Errc {
	return httpErrorBase | Errc(status&0xFFFF)
}

// HTTPStatus reports the HTTP status folded into c, if any.
func (c Errc) HTTPStatus() (int, bool) {
	if c&^0xFFFF != httpErrorBase {
		return 0, false
	}

	return int(c & 0xFFFF), true
}

func (c Errc) Error() string {
	if name, ok := errcNames[c]; ok {
		return fmt.Sprintf("%s (0x%08x)", name, uint32(c))
	}

	if status, ok := c.HTTPStatus(); ok {
		return fmt.Sprintf("http status %d (0x%08x)", status, uint32(c))
	}

	return fmt.Sprintf("error 0x%08x", uint32(c))
}

// Error is returned by every fallible operation of the SDK and carries the
// code that the *Code variants of the same operation return.
type Error struct {
	Op   string // Operation that failed (e.g. "set_property", "start")
	Code Errc   // Classification shared with the code-returning surface
	Err  error  // Underlying error, if any
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
	}

	return fmt.Sprintf("%s: %s", e.Op, e.Code)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches both another *Error with the same code and a bare Errc, so
// errors.Is(err, do.ErrInvalidArg) works.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case Errc:
		return e.Code == t
	case *Error:
		return e.Code == t.Code
	}

	return false
}

// NewError builds an *Error for op. A nil cause yields an error with no detail.
func NewError(op string, code Errc, cause error) *Error {
	return &Error{Op: op, Code: code, Err: cause}
}

// Errorf is a convenience for NewError with a formatted cause.
func Errorf(op string, code Errc, format string, args ...any) *Error {
	return &Error{Op: op, Code: code, Err: fmt.Errorf(format, args...)}
}

// CodeOf classifies err. Nil is OK, an *Error or Errc anywhere in the chain
// yields its code, and anything else is ErrFail.
func CodeOf(err error) Errc {
	if err == nil {
		return OK
	}

	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}

	var c Errc
	if errors.As(err, &c) {
		return c
	}

	return ErrFail
}

// IsUnknownProperty reports whether err means the connected service predates
// the property. Callers treat it as an unavailable optional feature.
func IsUnknownProperty(err error) bool {
	return CodeOf(err) == ErrUnknownPropertyID
}

// wrap annotates err with op while keeping its classification.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}

	var de *Error
	if errors.As(err, &de) {
		if de.Op == op {
			return de
		}

		return &Error{Op: op, Code: de.Code, Err: err}
	}

	return &Error{Op: op, Code: CodeOf(err), Err: err}
}
