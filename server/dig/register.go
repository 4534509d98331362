package dig

import (
	"context"

	"github.com/hashicorp/consul/api"

	"github.com/Sunmxt/consul-watch/config"
)

// Registrar publishes services to the local registry agent.
// Failures are *ClientError.
type Registrar interface {
	Register(ctx context.Context, reg *config.Registration) error
	Deregister(ctx context.Context, serviceID string) error
}

func (c *ConsulClient) agentRegistration(reg *config.Registration) *api.AgentServiceRegistration {
	service := &api.AgentServiceRegistration{
		ID:      reg.ID,
		Name:    reg.ServiceName,
		Address: reg.Address,
		Port:    reg.Port,
		Tags:    reg.Tags,
		Meta:    reg.Meta,
	}
	if c.namespace != "" {
		service.Namespace = c.namespace
	}
	if reg.CheckHTTP != "" {
		service.Check = &api.AgentServiceCheck{
			HTTP:                           reg.CheckHTTP,
			Interval:                       reg.CheckInterval.String(),
			Timeout:                        reg.CheckTimeout.String(),
			DeregisterCriticalServiceAfter: reg.DeregisterAfter.String(),
		}
	}
	return service
}

func (c *ConsulClient) Register(ctx context.Context, reg *config.Registration) error {
	if reg == nil || reg.ServiceName == "" {
		return ErrInvalidArguments
	}
	opts := api.ServiceRegisterOpts{
		ReplaceExistingChecks: reg.ReplaceExistingChecks,
		Token:                 c.token,
	}
	if err := c.api.Agent().ServiceRegisterOpts(c.agentRegistration(reg), opts.WithContext(ctx)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return classifyError(reg.ServiceName, err)
	}
	return nil
}

func (c *ConsulClient) Deregister(ctx context.Context, serviceID string) error {
	if serviceID == "" {
		return ErrInvalidArguments
	}
	opts := &api.QueryOptions{
		Namespace: c.namespace,
		Token:     c.token,
	}
	if err := c.api.Agent().ServiceDeregisterOpts(serviceID, opts.WithContext(ctx)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return classifyError(serviceID, err)
	}
	return nil
}
