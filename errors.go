package adminchat

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is matched by every NotConnectedError.
	ErrNotConnected = errors.New("hub not connected")

	// ErrReconnectExhausted is wrapped by the terminal ConnectionError once
	// the reconnect ceiling is hit.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

	// ErrSendInProgress rejects a compose action while the previous one is
	// still in flight.
	ErrSendInProgress = errors.New("send already in progress")
)

// ConnectionError is a dial, handshake or transport failure.
type ConnectionError struct {
	Op       string
	Err      error
	Terminal bool
}

func (e *ConnectionError) Error() string {
	if e.Terminal {
		return "hub " + e.Op + " (terminal): " + e.Err.Error()
	}
	return "hub " + e.Op + ": " + e.Err.Error()
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// NotConnectedError is returned by Send and Invoke outside StateConnected.
type NotConnectedError struct {
	Target string
	State  ConnState
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("cannot invoke %s: hub is %s", e.Target, e.State)
}

func (e *NotConnectedError) Is(target error) bool { return target == ErrNotConnected }

// RequestFailure is any failed REST or hub request.
type RequestFailure struct {
	Op         string
	StatusCode int
	Message    string
	Err        error
	// BestEffort marks failures that were only logged.
	BestEffort bool
}

func (e *RequestFailure) Error() string {
	switch {
	case e.StatusCode != 0 && e.Message != "":
		return fmt.Sprintf("%s failed (%d): %s", e.Op, e.StatusCode, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s failed (%d)", e.Op, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s failed: %s", e.Op, e.Message)
	}
	return e.Op + " failed"
}

func (e *RequestFailure) Unwrap() error { return e.Err }

// ValidationFailure rejects malformed local input before any network call.
type ValidationFailure struct {
	Field  string
	Reason string
}

func (e *ValidationFailure) Error() string {
	return "invalid " + e.Field + ": " + e.Reason
}
