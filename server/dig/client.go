package dig

import (
	"context"
	"time"

	"github.com/Sunmxt/consul-watch/config"
)

// Client issues one blocking query against the registry.
//
// The registry holds the request until the target changes after since,
// or until wait elapses, then answers with current data and index either way.
// An answer with an unchanged index is not an error.
// Client never retries. Failures are *ClientError, except context
// cancellation which is returned as ctx.Err().
type Client interface {
	Query(ctx context.Context, target config.WatchTarget, since Index, wait time.Duration) (ServiceSnapshot, error)
}

type ErrorKind uint8

const (
	// Transport hang beyond the requested wait.
	ERROR_TIMEOUT = ErrorKind(iota + 1)
	// Connection failure.
	ERROR_UNREACHABLE
	// Malformed or unexpected response.
	ERROR_PROTOCOL
)

func (k ErrorKind) String() string {
	switch k {
	case ERROR_TIMEOUT:
		return "timeout"
	case ERROR_UNREACHABLE:
		return "unreachable"
	case ERROR_PROTOCOL:
		return "protocol"
	}
	return "unknown"
}

type ClientError struct {
	Kind    ErrorKind
	Service string
	Err     error
}

func (e *ClientError) Error() string {
	msg := "query service \"" + e.Service + "\": " + e.Kind.String()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ClientError) Unwrap() error {
	return e.Err
}

// ClientErrorKind returns kind of err, or zero if err is not a *ClientError.
func ClientErrorKind(err error) ErrorKind {
	if ce, ok := AsClientError(err); ok {
		return ce.Kind
	}
	return 0
}
