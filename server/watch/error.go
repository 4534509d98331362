package watch

import (
	"errors"

	"github.com/Sunmxt/consul-watch/config"
)

var ErrRegistryStopped = errors.New("Registry stopped.")
var ErrTargetBusy = errors.New("Target still has subscribers.")
var ErrConfigMissing = errors.New("Configuration missing.")
var ErrClientMissing = errors.New("Registry client missing.")

// SubscriptionError reports a target that is not watched.
type SubscriptionError struct {
	Target config.WatchTarget
}

func (e *SubscriptionError) Error() string {
	return "target " + e.Target.String() + " is not watched"
}

func IsSubscriptionError(err error) bool {
	var subErr *SubscriptionError
	return errors.As(err, &subErr)
}
