package watch

import (
	"context"
	"sort"
	"sync"

	"github.com/Sunmxt/consul-watch/config"
	"github.com/Sunmxt/consul-watch/log"
	"github.com/Sunmxt/consul-watch/server/dig"
)

type targetEntry struct {
	target  config.WatchTarget
	watcher *Watcher
	cancel  context.CancelFunc
	done    chan struct{}

	lock    sync.Mutex
	current *dig.ServiceSnapshot
	subs    map[string]*Subscription
	closed  bool
}

func (e *targetEntry) detach(sub *Subscription) {
	e.lock.Lock()
	defer e.lock.Unlock()
	if e.closed {
		return
	}
	delete(e.subs, sub.ID)
	subscribersGauge.WithLabelValues(e.target.Key()).Set(float64(len(e.subs)))
}

// Registry runs one watcher per distinct target and fans change events out
// to subscribers.
type Registry struct {
	handle *config.Handle
	client dig.Client
	ctx    context.Context
	cancel context.CancelFunc
	log    *log.Logger

	lock    sync.RWMutex
	targets map[string]*targetEntry
	all     map[string]*Subscription
	stopped bool

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// Start launches watchers for every configured target. Targets with the same
// identity share one watcher.
func Start(ctx context.Context, handle *config.Handle, client dig.Client) (*Registry, error) {
	if handle == nil || handle.Load() == nil {
		return nil, ErrConfigMissing
	}
	if client == nil {
		return nil, ErrClientMissing
	}
	r := &Registry{
		handle:  handle,
		client:  client,
		log:     log.NewLogger().With("module", "watch"),
		targets: make(map[string]*targetEntry),
		all:     make(map[string]*Subscription),
	}
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.lock.Lock()
	for _, target := range handle.Load().Targets {
		if _, exists := r.targets[target.Key()]; exists {
			r.log.DebugLazy(func() string {
				return "duplicated target " + target.String() + " shares existing watcher."
			})
			continue
		}
		r.launch(target)
	}
	count := len(r.targets)
	r.lock.Unlock()

	r.log.Infof0("watching %d target(s).", count)
	return r, nil
}

// launch must be called with r.lock held.
func (r *Registry) launch(target config.WatchTarget) {
	ctx, cancel := context.WithCancel(r.ctx)
	entry := &targetEntry{
		target:  target,
		watcher: NewWatcher(target, r.client, r.handle),
		cancel:  cancel,
		done:    make(chan struct{}),
		subs:    make(map[string]*Subscription),
	}
	r.targets[target.Key()] = entry

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		entry.watcher.Run(ctx)
	}()
	go func() {
		defer r.wg.Done()
		r.dispatch(entry)
	}()
}

func (r *Registry) dispatch(entry *targetEntry) {
	defer close(entry.done)

	for event := range entry.watcher.Events() {
		current := event.Current

		entry.lock.Lock()
		entry.current = &current
		if !event.Advance {
			for _, sub := range entry.subs {
				sub.push(event)
			}
		}
		entry.lock.Unlock()

		r.lock.RLock()
		for _, sub := range r.all {
			if !event.Advance || sub.advances {
				sub.push(event)
			}
		}
		r.lock.RUnlock()
	}

	entry.lock.Lock()
	entry.closed = true
	for id, sub := range entry.subs {
		sub.end()
		delete(entry.subs, id)
	}
	entry.lock.Unlock()
	subscribersGauge.DeleteLabelValues(entry.target.Key())
}

func (r *Registry) lookup(target config.WatchTarget) (*targetEntry, error) {
	if r.stopped {
		return nil, ErrRegistryStopped
	}
	entry, ok := r.targets[target.Key()]
	if !ok {
		return nil, &SubscriptionError{Target: target}
	}
	return entry, nil
}

// Subscribe returns a subscription to events of target emitted from now on.
// The current snapshot is not replayed. Use Snapshot for it.
func (r *Registry) Subscribe(target config.WatchTarget) (*Subscription, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	entry, err := r.lookup(target)
	if err != nil {
		return nil, err
	}

	entry.lock.Lock()
	defer entry.lock.Unlock()
	if entry.closed {
		return nil, &SubscriptionError{Target: target}
	}
	sub := newSubscription(entry.target, entry.detach)
	entry.subs[sub.ID] = sub
	subscribersGauge.WithLabelValues(entry.target.Key()).Set(float64(len(entry.subs)))
	return sub, nil
}

// SubscribeAll returns a subscription to events of every target.
// Events of one target keep their order. Subscriptions to all targets do
// not hold targets busy.
func (r *Registry) SubscribeAll() (*Subscription, error) {
	return r.subscribeAll(false)
}

// SubscribeAdvances is SubscribeAll plus Advance events, for consumers
// tracking the latest index of every target.
func (r *Registry) SubscribeAdvances() (*Subscription, error) {
	return r.subscribeAll(true)
}

func (r *Registry) subscribeAll(advances bool) (*Subscription, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.stopped {
		return nil, ErrRegistryStopped
	}
	sub := newSubscription(config.WatchTarget{}, r.detachAll)
	sub.advances = advances
	r.all[sub.ID] = sub
	return sub, nil
}

func (r *Registry) detachAll(sub *Subscription) {
	r.lock.Lock()
	delete(r.all, sub.ID)
	r.lock.Unlock()
}

// Snapshot returns the latest snapshot of target. ok is false until the first
// successful query.
func (r *Registry) Snapshot(target config.WatchTarget) (snapshot dig.ServiceSnapshot, ok bool, err error) {
	r.lock.RLock()
	entry, err := r.lookup(target)
	r.lock.RUnlock()
	if err != nil {
		return dig.ServiceSnapshot{}, false, err
	}

	entry.lock.Lock()
	defer entry.lock.Unlock()
	if entry.current == nil {
		return dig.ServiceSnapshot{}, false, nil
	}
	return *entry.current, true, nil
}

// State reports watcher state of target. Targets are still known after Stop
// and report STATE_STOPPED.
func (r *Registry) State(target config.WatchTarget) (State, error) {
	r.lock.RLock()
	entry, ok := r.targets[target.Key()]
	r.lock.RUnlock()
	if !ok {
		return STATE_STOPPED, &SubscriptionError{Target: target}
	}
	return entry.watcher.State(), nil
}

// Targets lists watched targets ordered by key.
func (r *Registry) Targets() []TargetStatus {
	r.lock.RLock()
	entries := make([]*targetEntry, 0, len(r.targets))
	for _, entry := range r.targets {
		entries = append(entries, entry)
	}
	r.lock.RUnlock()

	status := make([]TargetStatus, 0, len(entries))
	for _, entry := range entries {
		st := TargetStatus{
			Target: entry.target,
			State:  entry.watcher.State(),
		}
		entry.lock.Lock()
		if entry.current != nil {
			st.HasSnapshot = true
			st.Index = entry.current.Index
		}
		st.Subscribers = len(entry.subs)
		entry.lock.Unlock()
		status = append(status, st)
	}
	sort.Slice(status, func(i, j int) bool {
		return status[i].Target.Key() < status[j].Target.Key()
	})
	return status
}

// StopOne stops the watcher of target. Fails with ErrTargetBusy while target
// subscriptions are open.
func (r *Registry) StopOne(target config.WatchTarget) error {
	r.lock.Lock()
	entry, err := r.lookup(target)
	if err != nil {
		r.lock.Unlock()
		return err
	}
	entry.lock.Lock()
	if len(entry.subs) > 0 {
		entry.lock.Unlock()
		r.lock.Unlock()
		return ErrTargetBusy
	}
	entry.closed = true
	entry.lock.Unlock()
	delete(r.targets, target.Key())
	r.lock.Unlock()

	entry.cancel()
	<-entry.done
	r.log.Infof0("target %v stopped.", entry.target)
	return nil
}

// Stop stops all watchers and waits for them. Open subscriptions end after
// their queued events. Safe to call more than once.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		r.lock.Lock()
		r.stopped = true
		r.lock.Unlock()

		r.cancel()
		r.wg.Wait()

		r.lock.Lock()
		for id, sub := range r.all {
			sub.end()
			delete(r.all, id)
		}
		r.lock.Unlock()
		r.log.Info0("registry stopped.")
	})
}

// Reconcile starts watchers for new targets of cfg and stops watchers of
// removed targets. Removed targets with open subscriptions keep running.
func (r *Registry) Reconcile(cfg *config.Config) {
	if cfg == nil {
		return
	}
	wanted := make(map[string]config.WatchTarget, len(cfg.Targets))
	for _, target := range cfg.Targets {
		if _, dup := wanted[target.Key()]; !dup {
			wanted[target.Key()] = target
		}
	}

	var removed []config.WatchTarget
	r.lock.Lock()
	if r.stopped {
		r.lock.Unlock()
		return
	}
	for key, target := range wanted {
		if _, exists := r.targets[key]; !exists {
			r.launch(target)
			r.log.Infof0("target %v added.", target)
		}
	}
	for key, entry := range r.targets {
		if _, keep := wanted[key]; !keep {
			removed = append(removed, entry.target)
		}
	}
	r.lock.Unlock()

	for _, target := range removed {
		if err := r.StopOne(target); err != nil {
			r.log.Warnf("target %v removed from configuration but not stopped: %v", target, err)
		}
	}
}
