package gate

import (
	"errors"
)

var ErrGateStarted = errors.New("Gate already started.")
var ErrGateNotStarted = errors.New("Gate not started.")

// WrapErrorMessage masks internal errors unless debug mode is on.
func WrapErrorMessage(msg, id string, debug bool) string {
	if !debug {
		// Mask error message.
		return "Server raise an exception with ID \"" + id + "\""
	}
	// Add Request ID to error message
	return msg + "[ID = " + id + "]"
}
