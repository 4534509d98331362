package gate

import (
	"hash/fnv"
	"strconv"

	"github.com/Sunmxt/consul-watch/server/dig"
)

type Hashed uint32

func (h Hashed) Hash() uint32 { return uint32(h) }

func HashKey(key string) Hashable {
	fnvHash := fnv.New32a()
	fnvHash.Write([]byte(key))
	return Hashed(fnvHash.Sum32())
}

// instancePoint places one replica of an instance on the ring.
type instancePoint struct {
	hash     uint32
	instance int
}

func (p *instancePoint) Hash() uint32 { return p.hash }

func instanceIdentity(instance *dig.ServiceInstance) string {
	return instance.Node + "/" + instance.ID
}

func instancePoints(snapshot *dig.ServiceSnapshot, replicas int) []Bucket {
	points := make([]Bucket, 0, len(snapshot.Instances)*replicas)
	for idx := range snapshot.Instances {
		identity := instanceIdentity(&snapshot.Instances[idx])
		for r := 0; r < replicas; r++ {
			points = append(points, &instancePoint{
				hash:     HashKey(identity + "#" + strconv.Itoa(r)).Hash(),
				instance: idx,
			})
		}
	}
	return points
}
