package evaluation

import (
	"errors"
	"fmt"
)

// Fault classes.
const (
	ClassEngine   = "engine"   // the expression raised an error
	ClassProtocol = "protocol" // the engine rejected the request
	ClassDecode   = "decode"   // the result did not fit the requested type
)

// ErrDisconnected is matched by every *TransportError.
var ErrDisconnected = errors.New("evaluation: engine disconnected")

// Fault reports that the engine accepted a request but evaluating it failed.
// Faults are not retried: they describe a logic or input problem.
type Fault struct {
	Message string `json:"message"`
	Class   string `json:"class,omitempty"`
}

func (f *Fault) Error() string {
	if f.Class == "" || f.Class == ClassEngine {
		return "evaluation: " + f.Message
	}
	return fmt.Sprintf("evaluation: %s: %s", f.Class, f.Message)
}

// TransportError reports that the connection to the engine was lost, or
// could not be established, before a response arrived.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("evaluation: %s: engine disconnected", e.Op)
	}
	return fmt.Sprintf("evaluation: %s: engine disconnected: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrDisconnected}
	}
	return []error{ErrDisconnected, e.Err}
}

// Disconnected returns a TransportError for op wrapping cause.
func Disconnected(op string, cause error) error {
	return &TransportError{Op: op, Err: cause}
}

// IsTransport reports whether err is, or wraps, a TransportError.
func IsTransport(err error) bool {
	return errors.Is(err, ErrDisconnected)
}

// AsFault returns the Fault wrapped by err, if any.
func AsFault(err error) (*Fault, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}
