package rpc

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/italolelis/deliveryopt/pkg/do"
)

// CreateRequest is the body of POST /v1/downloads.
type CreateRequest struct {
	URI       string `json:"uri"`
	LocalPath string `json:"local_path"`
}

type CreateResponse struct {
	ID string `json:"id"`
}

// ErrorResponse is returned with every non-2xx answer. Code carries the
// do.Errc so the client can restore the classification.
type ErrorResponse struct {
	Code    int32  `json:"code"`
	Message string `json:"message"`
}

type StatusResponse struct {
	BytesTransferred  uint64 `json:"bytes_transferred"`
	BytesTotal        uint64 `json:"bytes_total"`
	ErrorCode         int32  `json:"error_code"`
	ExtendedErrorCode int32  `json:"extended_error_code"`
	State             string `json:"state"`
}

func NewStatusResponse(s do.Status) StatusResponse {
	return StatusResponse{
		BytesTransferred:  s.BytesTransferred(),
		BytesTotal:        s.BytesTotal(),
		ErrorCode:         int32(s.ErrorCode()),
		ExtendedErrorCode: int32(s.ExtendedErrorCode()),
		State:             s.State().String(),
	}
}

func (r StatusResponse) Status() (do.Status, error) {
	state, err := do.ParseState(r.State)
	if err != nil {
		return do.Status{}, err
	}

	return do.NewStatus(r.BytesTransferred, r.BytesTotal, do.Errc(r.ErrorCode), do.Errc(r.ExtendedErrorCode), state), nil
}

// Value is the wire form of a do.PropertyValue, e.g.
// {"kind":"string","value":"nightly"}. Callbacks have no wire form.
type Value struct {
	Kind  string          `json:"kind"`
	Value json.RawMessage `json:"value"`
}

func EncodeValue(v do.PropertyValue) (Value, error) {
	var payload any

	switch v.Kind() {
	case do.KindBool:
		payload, _ = v.AsBool()
	case do.KindString:
		payload, _ = v.AsString()
	case do.KindUint:
		payload, _ = v.AsUint()
	default:
		return Value{}, do.Errorf("encode_value", do.ErrInvalidArg, "%s values cannot be sent to the agent", v.Kind())
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return Value{}, do.NewError("encode_value", do.ErrInvalidArg, err)
	}

	return Value{Kind: v.Kind().String(), Value: raw}, nil
}

func DecodeValue(w Value) (do.PropertyValue, error) {
	const op = "decode_value"

	switch w.Kind {
	case do.KindBool.String():
		var b bool
		if err := json.Unmarshal(w.Value, &b); err != nil {
			return do.PropertyValue{}, do.NewError(op, do.ErrInvalidArg, err)
		}

		return do.BoolValue(b), nil
	case do.KindString.String():
		var s string
		if err := json.Unmarshal(w.Value, &s); err != nil {
			return do.PropertyValue{}, do.NewError(op, do.ErrInvalidArg, err)
		}

		return do.StringValue(s), nil
	case do.KindUint.String():
		var u uint32
		if err := json.Unmarshal(w.Value, &u); err != nil {
			return do.PropertyValue{}, do.NewError(op, do.ErrInvalidArg, err)
		}

		return do.UintValue(u), nil
	default:
		return do.PropertyValue{}, do.NewError(op, do.ErrInvalidArg, fmt.Errorf("unknown value kind %q", w.Kind))
	}
}

// Record is one journal entry as listed by GET /v1/downloads.
type Record struct {
	ID                string    `json:"id"`
	URI               string    `json:"uri"`
	LocalPath         string    `json:"local_path"`
	CallerName        string    `json:"caller_name,omitempty"`
	CorrelationVector string    `json:"correlation_vector,omitempty"`
	State             string    `json:"state"`
	BytesTransferred  uint64    `json:"bytes_transferred"`
	BytesTotal        uint64    `json:"bytes_total"`
	ErrorCode         int32     `json:"error_code"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}
