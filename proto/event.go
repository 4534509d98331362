package proto

import (
	"github.com/Sunmxt/consul-watch/config"
	"github.com/Sunmxt/consul-watch/server/dig"
	"github.com/Sunmxt/consul-watch/server/watch"
)

type Target struct {
	Service     string `json:"service"`
	Tag         string `json:"tag,omitempty"`
	PassingOnly bool   `json:"passing_only"`
	Balancer    string `json:"balancer,omitempty"`
}

func NewTarget(target config.WatchTarget) Target {
	return Target{
		Service:     target.ServiceName,
		Tag:         target.Tag,
		PassingOnly: target.PassingOnly,
		Balancer:    target.Balancer,
	}
}

// ChangeMessage is the wire form of a change event.
type ChangeMessage struct {
	Target        Target                `json:"target"`
	Index         uint64                `json:"index"`
	PreviousIndex uint64                `json:"previous_index,omitempty"`
	Reset         bool                  `json:"reset,omitempty"`
	Instances     []dig.ServiceInstance `json:"instances"`
}

func NewChangeMessage(event *watch.ChangeEvent) *ChangeMessage {
	msg := &ChangeMessage{
		Target:    NewTarget(event.Target),
		Index:     uint64(event.Current.Index),
		Reset:     event.Reset,
		Instances: event.Current.Instances,
	}
	if event.Previous != nil {
		msg.PreviousIndex = uint64(event.Previous.Index)
	}
	if msg.Instances == nil {
		msg.Instances = make([]dig.ServiceInstance, 0)
	}
	return msg
}

// SnapshotMessage reports the current instance set of a target.
func NewSnapshotMessage(target config.WatchTarget, snapshot dig.ServiceSnapshot) *ChangeMessage {
	return NewChangeMessage(&watch.ChangeEvent{Target: target, Current: snapshot})
}

type TargetStatus struct {
	Target      Target `json:"target"`
	State       string `json:"state"`
	Index       uint64 `json:"index"`
	Resolved    bool   `json:"resolved"`
	Subscribers int    `json:"subscribers"`
}

func NewTargetStatus(status *watch.TargetStatus) *TargetStatus {
	return &TargetStatus{
		Target:      NewTarget(status.Target),
		State:       status.State.String(),
		Index:       uint64(status.Index),
		Resolved:    status.HasSnapshot,
		Subscribers: status.Subscribers,
	}
}
