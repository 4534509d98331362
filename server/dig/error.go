package dig

import (
	"errors"
)

var ErrDriverExist = errors.New("Driver exists.")
var ErrDriverMissing = errors.New("Driver missing.")
var ErrInvalidConnector = errors.New("Invalid connector.")
var ErrInvalidArguments = errors.New("Invalid arguments.")

func AsClientError(err error) (*ClientError, bool) {
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
