package watch

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/Sunmxt/consul-watch/config"
	"github.com/Sunmxt/consul-watch/log"
	"github.com/Sunmxt/consul-watch/server/dig"
)

const WATCHER_EVENT_BUFFER = 16

// Watcher long-polls one target and emits a ChangeEvent per observed change.
//
// Run owns the loop. Index, current snapshot and backoff are touched by
// the Run goroutine only. State may be read from anywhere.
type Watcher struct {
	Target config.WatchTarget

	client  dig.Client
	handle  *config.Handle
	events  chan ChangeEvent
	state   uint32
	backoff *Backoff
	limiter *rate.Limiter
	log     *log.Logger

	current *dig.ServiceSnapshot

	sleep func(ctx context.Context, d time.Duration) bool
}

func NewWatcher(target config.WatchTarget, client dig.Client, handle *config.Handle) *Watcher {
	cfg := handle.Load()
	w := &Watcher{
		Target: target,
		client: client,
		handle: handle,
		events: make(chan ChangeEvent, WATCHER_EVENT_BUFFER),
		state:  uint32(STATE_CREATED),
		log:    log.NewLogger().With("service", target.String()),
		sleep:  sleepContext,
	}
	initial, max := config.DEFAULT_RETRY_INITIAL, config.DEFAULT_RETRY_MAX
	if cfg != nil {
		initial, max = cfg.RetryInitial, cfg.RetryMax
		if cfg.QueryRate > 0 {
			burst := int(cfg.QueryRate)
			if burst < 1 {
				burst = 1
			}
			w.limiter = rate.NewLimiter(rate.Limit(cfg.QueryRate), burst)
		}
	}
	w.backoff = NewBackoff(initial, max)
	watcherState.WithLabelValues(target.Key()).Set(float64(STATE_CREATED))
	return w
}

// Events carries changes and index advances in order. It is closed when Run
// returns.
func (w *Watcher) Events() <-chan ChangeEvent {
	return w.events
}

func (w *Watcher) State() State {
	return State(atomic.LoadUint32(&w.state))
}

func (w *Watcher) setState(state State) {
	old := State(atomic.SwapUint32(&w.state, uint32(state)))
	if old == state {
		return
	}
	watcherState.WithLabelValues(w.Target.Key()).Set(float64(state))
	w.log.DebugLazy(func() string {
		return "watcher state " + old.String() + " -> " + state.String()
	})
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Run loops until ctx is cancelled. Results arriving after cancellation are dropped.
func (w *Watcher) Run(ctx context.Context) {
	defer func() {
		w.setState(STATE_STOPPED)
		close(w.events)
	}()

	if ctx.Err() != nil {
		return
	}
	w.setState(STATE_RUNNING)
	w.log.Info2("watcher started.")

	var since dig.Index
	for {
		if w.limiter != nil {
			if err := w.limiter.Wait(ctx); err != nil {
				return
			}
		}

		wait := config.DEFAULT_WAIT_TIME
		if cfg := w.handle.Load(); cfg != nil {
			wait = cfg.WaitTime
		}

		start := time.Now()
		snapshot, err := w.client.Query(ctx, w.Target, since, wait)
		queryDuration.WithLabelValues(w.Target.Key()).Observe(time.Since(start).Seconds())
		if ctx.Err() != nil {
			w.log.Info2("watcher stopped.")
			return
		}

		if err != nil {
			w.fail(err)
			delay := w.backoff.Next()
			w.log.DebugLazy(func() string {
				return "retry in " + delay.String()
			})
			if !w.sleep(ctx, delay) {
				w.log.Info2("watcher stopped.")
				return
			}
			continue
		}

		queriesTotal.WithLabelValues(w.Target.Key(), "ok").Inc()
		if w.State() == STATE_DEGRADED {
			w.log.Info0("registry reachable again.")
		}
		w.backoff.Reset()
		w.setState(STATE_RUNNING)

		event, changed := w.observe(snapshot)
		since = w.current.Index
		// Index 0 makes the registry answer at once.
		if since < 1 {
			since = 1
		}
		if !changed {
			continue
		}
		select {
		case w.events <- event:
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) fail(err error) {
	kind := dig.ClientErrorKind(err)
	result := kind.String()
	queriesTotal.WithLabelValues(w.Target.Key(), result).Inc()

	if kind == dig.ERROR_PROTOCOL {
		w.log.Errorf("query failed: %v", err)
	} else if w.State() != STATE_DEGRADED {
		w.log.Warnf("query failed: %v", err)
	} else {
		w.log.DebugLazy(func() string {
			return "query still failing: " + err.Error()
		})
	}
	w.setState(STATE_DEGRADED)
}

// observe folds a successful result into the current snapshot.
//
// The first result always emits. A lower index means the registry state was
// reset: the result replaces the snapshot and emits with Reset set. An equal
// index is a no-op. A higher index with unchanged instances emits an Advance
// event, which is not a change.
func (w *Watcher) observe(next dig.ServiceSnapshot) (ChangeEvent, bool) {
	prev := w.current
	key := w.Target.Key()

	switch {
	case prev == nil:
		w.current = &next
		changesTotal.WithLabelValues(key, "initial").Inc()
		return ChangeEvent{Target: w.Target, Current: next}, true

	case next.Index < prev.Index:
		w.log.Warnf("registry index went backwards from %d to %d.", prev.Index, next.Index)
		w.current = &next
		changesTotal.WithLabelValues(key, "reset").Inc()
		return ChangeEvent{Target: w.Target, Current: next, Reset: true}, true

	case next.Index == prev.Index:
		return ChangeEvent{}, false

	case next.Equal(*prev):
		w.current = &next
		changesTotal.WithLabelValues(key, "suppressed").Inc()
		w.log.TraceLazy(func() string {
			return "index advanced without instance changes."
		})
		return ChangeEvent{Target: w.Target, Previous: prev, Current: next, Advance: true}, true
	}

	w.current = &next
	changesTotal.WithLabelValues(key, "change").Inc()
	return ChangeEvent{Target: w.Target, Previous: prev, Current: next}, true
}
