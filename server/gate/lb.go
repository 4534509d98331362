package gate

import (
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sunmxt/consul-watch/config"
	"github.com/Sunmxt/consul-watch/server/dig"
)

var ErrNoInstance = errors.New("load balancer: No avaliable instance.")
var ErrUnknownBalancer = errors.New("load balancer: Unknown balancer.")

// Balancer picks one instance of a snapshot.
type Balancer interface {
	Select(snapshot *dig.ServiceSnapshot, key string) (*dig.ServiceInstance, error)
}

func NewBalancer(name string) (Balancer, error) {
	switch name {
	case config.BALANCER_ROUND_ROBIN, "":
		return &RoundRobinBalancer{}, nil
	case config.BALANCER_RANDOM:
		return NewRandomBalancer(), nil
	case config.BALANCER_HASH:
		return &HashBalancer{Replicas: DEFAULT_HASHRING_REPLICAS}, nil
	}
	return nil, ErrUnknownBalancer
}

func pick(snapshot *dig.ServiceSnapshot, idx int) *dig.ServiceInstance {
	instance := snapshot.Instances[idx]
	return &instance
}

type RoundRobinBalancer struct {
	round uint32
}

func (lb *RoundRobinBalancer) Select(snapshot *dig.ServiceSnapshot, key string) (*dig.ServiceInstance, error) {
	count := len(snapshot.Instances)
	if count < 1 {
		return nil, ErrNoInstance
	}
	round := atomic.AddUint32(&lb.round, 1) - 1
	return pick(snapshot, int(round%uint32(count))), nil
}

type RandomBalancer struct {
	lock sync.Mutex
	rnd  *rand.Rand
}

func NewRandomBalancer() *RandomBalancer {
	return &RandomBalancer{
		rnd: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (lb *RandomBalancer) Select(snapshot *dig.ServiceSnapshot, key string) (*dig.ServiceInstance, error) {
	count := len(snapshot.Instances)
	if count < 1 {
		return nil, ErrNoInstance
	}
	lb.lock.Lock()
	idx := lb.rnd.Intn(count)
	lb.lock.Unlock()
	return pick(snapshot, idx), nil
}

// HashBalancer maps keys to instances on a consistent hash ring.
// The ring is rebuilt when the snapshot changes.
type HashBalancer struct {
	Replicas int

	lock  sync.Mutex
	index dig.Index
	count int
	ring  *HashRing
}

func (lb *HashBalancer) ringOf(snapshot *dig.ServiceSnapshot) *HashRing {
	lb.lock.Lock()
	defer lb.lock.Unlock()
	if lb.ring == nil || lb.index != snapshot.Index || lb.count != len(snapshot.Instances) {
		replicas := lb.Replicas
		if replicas < 1 {
			replicas = 1
		}
		lb.ring = NewHashRing(instancePoints(snapshot, replicas))
		lb.index, lb.count = snapshot.Index, len(snapshot.Instances)
	}
	return lb.ring
}

func (lb *HashBalancer) Select(snapshot *dig.ServiceSnapshot, key string) (*dig.ServiceInstance, error) {
	if len(snapshot.Instances) < 1 {
		return nil, ErrNoInstance
	}
	_, bucket := lb.ringOf(snapshot).Hit(HashKey(key))
	point, ok := bucket.(*instancePoint)
	if !ok || point.instance >= len(snapshot.Instances) {
		return nil, ErrNoInstance
	}
	return pick(snapshot, point.instance), nil
}
