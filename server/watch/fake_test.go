package watch

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Sunmxt/consul-watch/config"
	"github.com/Sunmxt/consul-watch/server/dig"
)

type fakeStep struct {
	snapshot dig.ServiceSnapshot
	err      error
	// gate holds the answer until closed.
	gate chan struct{}
	// deaf answers only when gate closes, ignoring cancellation.
	deaf bool
	hook func()
}

type fakeCall struct {
	target config.WatchTarget
	since  dig.Index
	wait   time.Duration
}

// fakeClient answers queries from a per-target script, then blocks until
// cancelled.
type fakeClient struct {
	lock  sync.Mutex
	steps map[string][]fakeStep
	calls []fakeCall
}

func newFakeClient() *fakeClient {
	return &fakeClient{steps: make(map[string][]fakeStep)}
}

func (c *fakeClient) script(target config.WatchTarget, steps ...fakeStep) *fakeClient {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.steps[target.Key()] = append(c.steps[target.Key()], steps...)
	return c
}

func (c *fakeClient) Query(ctx context.Context, target config.WatchTarget, since dig.Index, wait time.Duration) (dig.ServiceSnapshot, error) {
	c.lock.Lock()
	c.calls = append(c.calls, fakeCall{target: target, since: since, wait: wait})
	steps := c.steps[target.Key()]
	if len(steps) < 1 {
		c.lock.Unlock()
		<-ctx.Done()
		return dig.ServiceSnapshot{}, ctx.Err()
	}
	step := steps[0]
	c.steps[target.Key()] = steps[1:]
	c.lock.Unlock()

	if step.hook != nil {
		step.hook()
	}
	if step.gate != nil {
		if step.deaf {
			<-step.gate
		} else {
			select {
			case <-step.gate:
			case <-ctx.Done():
				return dig.ServiceSnapshot{}, ctx.Err()
			}
		}
	}
	return step.snapshot, step.err
}

func (c *fakeClient) callsOf(target config.WatchTarget) []fakeCall {
	c.lock.Lock()
	defer c.lock.Unlock()
	var calls []fakeCall
	for _, call := range c.calls {
		if call.target.Key() == target.Key() {
			calls = append(calls, call)
		}
	}
	return calls
}

func snap(index dig.Index, ids ...string) dig.ServiceSnapshot {
	instances := make([]dig.ServiceInstance, 0, len(ids))
	for idx, id := range ids {
		instances = append(instances, dig.ServiceInstance{
			ID:      id,
			Address: "10.0.0." + strconv.Itoa(idx+1),
			Port:    80,
		})
	}
	return dig.NewSnapshot(index, instances)
}

func step(snapshot dig.ServiceSnapshot) fakeStep {
	return fakeStep{snapshot: snapshot}
}

func failure(kind dig.ErrorKind) fakeStep {
	return fakeStep{err: &dig.ClientError{Kind: kind, Service: "web"}}
}

func testHandle(targets ...config.WatchTarget) *config.Handle {
	return config.NewHandle(&config.Config{
		WaitTime:     time.Second,
		RetryInitial: time.Millisecond,
		RetryMax:     8 * time.Millisecond,
		Targets:      targets,
	})
}

func recv(t *testing.T, ch <-chan ChangeEvent) ChangeEvent {
	t.Helper()
	select {
	case event, ok := <-ch:
		require.True(t, ok, "channel closed")
		return event
	case <-time.After(5 * time.Second):
		require.FailNow(t, "no event received")
	}
	return ChangeEvent{}
}

func requireClosed(t *testing.T, ch <-chan ChangeEvent) {
	t.Helper()
	select {
	case event, ok := <-ch:
		require.False(t, ok, "unexpected event %+v", event)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "channel not closed")
	}
}

func requireSilent(t *testing.T, ch <-chan ChangeEvent, d time.Duration) {
	t.Helper()
	select {
	case event, ok := <-ch:
		require.FailNow(t, "unexpected receive", "event %+v, open %v", event, ok)
	case <-time.After(d):
	}
}
