package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/gomodule/redigo/redis"

	"github.com/Sunmxt/consul-watch/log"
	"github.com/Sunmxt/consul-watch/proto"
	"github.com/Sunmxt/consul-watch/server/dig"
	"github.com/Sunmxt/consul-watch/server/watch"
)

var ErrClosed = errors.New("Mirror closed.")
var ErrInvalidArguments = errors.New("Invalid arguments.")

// RedisMirror writes every change event into redis.
//
// For target key K under prefix P:
//
//	P{K}        hash of instance field -> instance JSON
//	P{K}.index  index of the mirrored snapshot
//	P{events}   channel receiving change messages
type RedisMirror struct {
	redis  *redis.Pool
	prefix string
	log    *log.Logger

	lock   sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRedisPool(endpoint string, maxIdle, maxActive int) *redis.Pool {
	return &redis.Pool{
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", endpoint)
		},
		MaxIdle:         maxIdle,
		MaxActive:       maxActive,
		Wait:            true,
		MaxConnLifetime: 0,
		IdleTimeout:     0,
	}
}

func NewRedisPoolMirror(pool *redis.Pool, prefix string) (*RedisMirror, error) {
	if pool == nil {
		return nil, ErrInvalidArguments
	}
	return &RedisMirror{
		redis:  pool,
		prefix: prefix,
		log:    log.NewLogger().With("module", "mirror"),
	}, nil
}

func (m *RedisMirror) HashKey(target string) string {
	return m.prefix + "{" + target + "}"
}

func (m *RedisMirror) IndexKey(target string) string {
	return m.HashKey(target) + ".index"
}

func (m *RedisMirror) EventChannel() string {
	return m.prefix + "{events}"
}

func instanceField(instance *dig.ServiceInstance) string {
	if instance.Node == "" {
		return instance.ID
	}
	return instance.Node + "/" + instance.ID
}

func (m *RedisMirror) redisConnect() (redis.Conn, error) {
	m.lock.Lock()
	pool := m.redis
	m.lock.Unlock()
	if pool == nil {
		return nil, ErrClosed
	}
	return pool.Get(), nil
}

// Publish mirrors one event within a single pipeline.
func (m *RedisMirror) Publish(event *watch.ChangeEvent) error {
	conn, err := m.redisConnect()
	if err != nil {
		return err
	}
	defer conn.Close()
	return m.publish(conn, event)
}

// Index-only advances refresh the index key alone.
func (m *RedisMirror) publish(conn redis.Conn, event *watch.ChangeEvent) error {
	key := event.Target.Key()
	hashKey := m.HashKey(key)

	if event.Advance {
		_, err := conn.Do("SET", m.IndexKey(key), uint64(event.Current.Index))
		return err
	}

	message, err := json.Marshal(proto.NewChangeMessage(event))
	if err != nil {
		return err
	}

	count := 0
	if err = conn.Send("DEL", hashKey); err != nil {
		return err
	}
	count++
	if len(event.Current.Instances) > 0 {
		args := redis.Args{}.Add(hashKey)
		for idx := range event.Current.Instances {
			instance := &event.Current.Instances[idx]
			raw, err := json.Marshal(instance)
			if err != nil {
				return err
			}
			args = args.Add(instanceField(instance), raw)
		}
		if err = conn.Send("HSET", args...); err != nil {
			return err
		}
		count++
	}
	if err = conn.Send("SET", m.IndexKey(key), uint64(event.Current.Index)); err != nil {
		return err
	}
	count++
	if err = conn.Send("PUBLISH", m.EventChannel(), message); err != nil {
		return err
	}
	count++

	if err = conn.Flush(); err != nil {
		return err
	}
	for count > 0 {
		if _, err = conn.Receive(); err != nil {
			return err
		}
		count--
	}
	return nil
}

// Start mirrors events of sub until ctx is done or sub closes.
// Failed writes are logged and skipped. The next event of the same target
// rewrites the whole hash.
func (m *RedisMirror) Start(ctx context.Context, sub *watch.Subscription) error {
	if sub == nil {
		return ErrInvalidArguments
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.redis == nil {
		return ErrClosed
	}
	if m.cancel != nil {
		return ErrInvalidArguments
	}
	ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer sub.Close()
		for {
			select {
			case event, ok := <-sub.C():
				if !ok {
					return
				}
				if err := m.Publish(&event); err != nil {
					m.log.Warnf("mirror %v at index %d failed: %v", event.Target, event.Current.Index, err)
					continue
				}
				m.log.DebugLazy(func() string {
					return "mirrored " + event.Target.String()
				})
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Close stops mirroring and releases the pool.
func (m *RedisMirror) Close() error {
	m.lock.Lock()
	cancel, pool := m.cancel, m.redis
	m.cancel, m.redis = nil, nil
	m.lock.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
	if pool == nil {
		return nil
	}
	return pool.Close()
}
