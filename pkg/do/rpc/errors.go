package rpc

import "fmt"

// RemoteError is a failure reported by the agent in an ErrorResponse.
type RemoteError struct {
	Operation  string // The client call that failed (e.g. "start")
	StatusCode int    // HTTP status of the answer
	Message    string // Message from the agent
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("agent rejected %s (HTTP %d): %s", e.Operation, e.StatusCode, e.Message)
}

// NetworkError represents failures reaching the agent, including answers that
// are not an ErrorResponse.
type NetworkError struct {
	Operation  string // The client call that failed
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	Message    string
	Err        error // Underlying error, if any
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.Message)
	}

	return fmt.Sprintf("network error during %s: %s", e.Operation, e.Message)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// AuthenticationError represents 401 Unauthorized and 403 Forbidden answers.
type AuthenticationError struct {
	Operation string
	Err       error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed during %s", e.Operation)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}
