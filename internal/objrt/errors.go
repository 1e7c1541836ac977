package objrt

import "errors"

// Dispatch error codes
const (
	// ErrorCodeUnknownReceiver indicates the receiver is nil or was freed
	ErrorCodeUnknownReceiver = "UNKNOWN_RECEIVER"

	// ErrorCodeUnrecognizedSelector indicates the receiver does not implement the selector
	ErrorCodeUnrecognizedSelector = "UNRECOGNIZED_SELECTOR"

	// ErrorCodeInvalidArgument indicates an argument had the wrong type or value
	ErrorCodeInvalidArgument = "INVALID_ARGUMENT"

	// ErrorCodePoolDrained indicates the send was made with a drained pool
	ErrorCodePoolDrained = "POOL_DRAINED"
)

var (
	ErrPoolDrained   = errors.New("autorelease pool has been drained")
	ErrLifetimeEnded = errors.New("borrowed lifetime has ended")
)

// DispatchError reports a failed message send.
type DispatchError struct {
	Code     string   `json:"code"`
	Selector Selector `json:"selector"`
	Receiver ID       `json:"receiver"`
	Message  string   `json:"message"`
}

// Error implements the error interface
func (e *DispatchError) Error() string {
	if e.Selector != "" {
		return e.Code + ": " + string(e.Selector) + " - " + e.Message
	}
	return e.Code + ": " + e.Message
}

// Is matches ErrPoolDrained for POOL_DRAINED errors.
func (e *DispatchError) Is(target error) bool {
	return target == ErrPoolDrained && e.Code == ErrorCodePoolDrained
}

// MustSend sends and panics with the *DispatchError (or other error) if the
// send fails. It is used for operations whose boundary contract says the
// foreign call cannot fail.
func MustSend(d Dispatcher, receiver ID, sel Selector, pool *Pool, args ...any) any {
	result, err := d.Send(receiver, sel, pool, args...)
	if err != nil {
		panic(err)
	}
	return result
}
