package watch

import (
	"github.com/Sunmxt/consul-watch/config"
	"github.com/Sunmxt/consul-watch/server/dig"
)

type State uint32

const (
	STATE_CREATED = State(iota)
	STATE_RUNNING
	STATE_DEGRADED
	STATE_STOPPED
)

func (s State) String() string {
	switch s {
	case STATE_CREATED:
		return "created"
	case STATE_RUNNING:
		return "running"
	case STATE_DEGRADED:
		return "degraded"
	case STATE_STOPPED:
		return "stopped"
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ChangeEvent reports a new instance set of a target.
// Previous is nil for the first snapshot and after a reset.
type ChangeEvent struct {
	Target   config.WatchTarget
	Previous *dig.ServiceSnapshot
	Current  dig.ServiceSnapshot

	// Reset is set when the registry index went backwards.
	Reset bool

	// Advance marks an index-only advance: same instances, higher index.
	// Only subscriptions from SubscribeAdvances receive these.
	Advance bool
}

// TargetStatus summarizes one watched target.
type TargetStatus struct {
	Target      config.WatchTarget
	State       State
	Index       dig.Index
	HasSnapshot bool
	Subscribers int
}
