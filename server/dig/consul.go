package dig

import (
	"context"
	"errors"
	"net"
	"net/url"
	"time"

	"github.com/Sunmxt/consul-watch/config"
	"github.com/hashicorp/consul/api"
)

const DRIVER_CONSUL = "consul"

// Extra time granted to the transport beyond wait and the server jitter
// before the query counts as a transport timeout.
const DEFAULT_TRANSPORT_GRACE = 10 * time.Second

func init() {
	RegisterDriver(DRIVER_CONSUL, ConnectorFunc(func(cfg *config.Config) (Client, error) {
		return NewConsulClient(cfg)
	}))
}

// ConsulClient queries the health endpoint of Consul.
// One client is shared by all watchers. Its connection pool is safe for
// concurrent use.
type ConsulClient struct {
	api        *api.Client
	datacenter string
	namespace  string
	token      string

	Grace time.Duration
}

func NewConsulClient(cfg *config.Config) (*ConsulClient, error) {
	if cfg == nil || cfg.Address == nil {
		return nil, ErrInvalidArguments
	}
	apiConfig := api.DefaultConfig()
	apiConfig.Address = cfg.Address.Host
	apiConfig.Scheme = cfg.Address.Scheme
	apiConfig.PathPrefix = cfg.Address.Path
	apiConfig.Datacenter = cfg.Datacenter
	apiConfig.Namespace = cfg.Namespace
	apiConfig.WaitTime = cfg.WaitTime
	if cfg.Token != "" {
		apiConfig.Token = cfg.Token
	}
	apiConfig.TLSConfig = api.TLSConfig{
		CAFile:             cfg.TLS.CAFile,
		CertFile:           cfg.TLS.CertFile,
		KeyFile:            cfg.TLS.KeyFile,
		InsecureSkipVerify: cfg.TLS.InsecureSkipVerify,
	}
	client, err := api.NewClient(apiConfig)
	if err != nil {
		return nil, err
	}
	return &ConsulClient{
		api:        client,
		datacenter: cfg.Datacenter,
		namespace:  cfg.Namespace,
		token:      cfg.Token,
		Grace:      DEFAULT_TRANSPORT_GRACE,
	}, nil
}

// TransportDeadline is how long one query may take before it is a transport timeout.
// Consul adds up to wait/16 of jitter to blocking queries.
func (c *ConsulClient) TransportDeadline(wait time.Duration) time.Duration {
	return wait + wait/16 + c.Grace
}

func (c *ConsulClient) Query(ctx context.Context, target config.WatchTarget, since Index, wait time.Duration) (ServiceSnapshot, error) {
	qctx, cancel := context.WithTimeout(ctx, c.TransportDeadline(wait))
	defer cancel()

	opts := &api.QueryOptions{
		Datacenter: c.datacenter,
		Namespace:  c.namespace,
		Token:      c.token,
		WaitIndex:  uint64(since),
		WaitTime:   wait,
	}
	entries, meta, err := c.api.Health().Service(target.ServiceName, target.Tag, target.PassingOnly, opts.WithContext(qctx))
	if err != nil {
		if ctx.Err() != nil {
			return ServiceSnapshot{}, ctx.Err()
		}
		return ServiceSnapshot{}, classifyError(target.ServiceName, err)
	}
	if meta == nil {
		return ServiceSnapshot{}, &ClientError{Kind: ERROR_PROTOCOL, Service: target.ServiceName, Err: errors.New("missing query meta")}
	}

	instances := make([]ServiceInstance, 0, len(entries))
	for _, entry := range entries {
		if entry == nil || entry.Service == nil {
			return ServiceSnapshot{}, &ClientError{Kind: ERROR_PROTOCOL, Service: target.ServiceName, Err: errors.New("service entry without service")}
		}
		instances = append(instances, instanceFromEntry(entry))
	}
	return NewSnapshot(Index(meta.LastIndex), instances), nil
}

func instanceFromEntry(entry *api.ServiceEntry) ServiceInstance {
	svc := entry.Service
	instance := ServiceInstance{
		ID:      svc.ID,
		Address: svc.Address,
		Port:    svc.Port,
		Tags:    svc.Tags,
		Meta:    svc.Meta,
		Status:  ParseHealthStatus(entry.Checks.AggregatedStatus()),
	}
	if entry.Node != nil {
		instance.Node = entry.Node.Node
		// Empty service address means the node address.
		if instance.Address == "" {
			instance.Address = entry.Node.Address
		}
	}
	return instance
}

func classifyError(service string, err error) *ClientError {
	var (
		statusErr api.StatusError
		urlErr    *url.Error
		netErr    net.Error
	)
	kind := ERROR_PROTOCOL
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = ERROR_TIMEOUT
	case errors.As(err, &statusErr):
		kind = ERROR_PROTOCOL
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = ERROR_TIMEOUT
	case errors.As(err, &urlErr), errors.As(err, &netErr):
		kind = ERROR_UNREACHABLE
	}
	return &ClientError{Kind: kind, Service: service, Err: err}
}
