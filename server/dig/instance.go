package dig

import (
	"net"
	"sort"
	"strconv"
)

// Index is the consistency index reported by the registry.
// Zero means no index is known.
type Index uint64

type HealthStatus uint8

const (
	HEALTH_PASSING = HealthStatus(iota)
	HEALTH_WARNING
	HEALTH_CRITICAL
	HEALTH_MAINTENANCE
)

var healthStatusText = map[HealthStatus]string{
	HEALTH_PASSING:     "passing",
	HEALTH_WARNING:     "warning",
	HEALTH_CRITICAL:    "critical",
	HEALTH_MAINTENANCE: "maintenance",
}

func (s HealthStatus) String() string {
	if text, ok := healthStatusText[s]; ok {
		return text
	}
	return "unknown"
}

// ParseHealthStatus maps registry status text. Unknown text is critical.
func ParseHealthStatus(raw string) HealthStatus {
	switch raw {
	case "passing":
		return HEALTH_PASSING
	case "warning":
		return HEALTH_WARNING
	case "maintenance":
		return HEALTH_MAINTENANCE
	}
	return HEALTH_CRITICAL
}

func (s HealthStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *HealthStatus) UnmarshalText(raw []byte) error {
	*s = ParseHealthStatus(string(raw))
	return nil
}

// ServiceInstance is one registered instance of a service.
type ServiceInstance struct {
	ID      string            `json:"id"`
	Node    string            `json:"node,omitempty"`
	Address string            `json:"address"`
	Port    int               `json:"port"`
	Tags    []string          `json:"tags,omitempty"`
	Meta    map[string]string `json:"meta,omitempty"`
	Status  HealthStatus      `json:"status"`
}

// Endpoint returns "address:port".
func (i *ServiceInstance) Endpoint() string {
	return net.JoinHostPort(i.Address, strconv.Itoa(i.Port))
}

func (i *ServiceInstance) equal(o *ServiceInstance) bool {
	if i.ID != o.ID || i.Node != o.Node || i.Address != o.Address || i.Port != o.Port || i.Status != o.Status {
		return false
	}
	if len(i.Tags) != len(o.Tags) || len(i.Meta) != len(o.Meta) {
		return false
	}
	for idx := range i.Tags {
		if i.Tags[idx] != o.Tags[idx] {
			return false
		}
	}
	for k, v := range i.Meta {
		if ov, ok := o.Meta[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// normalizeTags turns tags into a sorted set.
func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	set := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		set = append(set, tag)
	}
	sort.Strings(set)
	return set
}

// ServiceSnapshot is the instance set of one target at one index.
// Instances are ordered by ID. Do not modify a snapshot after creation.
type ServiceSnapshot struct {
	Index     Index             `json:"index"`
	Instances []ServiceInstance `json:"instances"`
}

// NewSnapshot copies instances, normalizes tags and orders by ID.
func NewSnapshot(index Index, instances []ServiceInstance) ServiceSnapshot {
	ordered := make([]ServiceInstance, len(instances))
	copy(ordered, instances)
	for idx := range ordered {
		ordered[idx].Tags = normalizeTags(ordered[idx].Tags)
	}
	// Service IDs are unique per node only.
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].ID != ordered[j].ID {
			return ordered[i].ID < ordered[j].ID
		}
		return ordered[i].Node < ordered[j].Node
	})
	return ServiceSnapshot{
		Index:     index,
		Instances: ordered,
	}
}

// Equal compares instance sets. Index is ignored.
func (s ServiceSnapshot) Equal(o ServiceSnapshot) bool {
	if len(s.Instances) != len(o.Instances) {
		return false
	}
	for idx := range s.Instances {
		if !s.Instances[idx].equal(&o.Instances[idx]) {
			return false
		}
	}
	return true
}

// Endpoints lists "address:port" of instances in ID order.
func (s ServiceSnapshot) Endpoints() []string {
	endpoints := make([]string, 0, len(s.Instances))
	for idx := range s.Instances {
		endpoints = append(endpoints, s.Instances[idx].Endpoint())
	}
	return endpoints
}
