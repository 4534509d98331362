package gate

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	guuid "github.com/satori/go.uuid"

	"github.com/Sunmxt/consul-watch/config"
	"github.com/Sunmxt/consul-watch/log"
	"github.com/Sunmxt/consul-watch/server/dig"
	"github.com/Sunmxt/consul-watch/server/mirror"
	"github.com/Sunmxt/consul-watch/server/watch"
)

const (
	SHUTDOWN_TIMEOUT = 10 * time.Second
	REGISTER_TIMEOUT = 10 * time.Second
)

// Gate serves the watch registry over HTTP and mirrors it to redis.
type Gate struct {
	NodeID   guuid.UUID
	Registry *watch.Registry
	Mirror   *mirror.RedisMirror
	Reloader *config.Reloader

	options *GatewayOptions
	config  *config.Handle
	client  dig.Client
	log     *log.Logger

	lock       sync.Mutex
	balancers  map[string]Balancer
	registered string
}

func New(options *GatewayOptions, handle *config.Handle, client dig.Client) *Gate {
	if options == nil {
		options = NewGatewayOptions()
	}
	g := &Gate{
		NodeID:    guuid.NewV4(),
		options:   options,
		config:    handle,
		client:    client,
		log:       log.NewLogger(),
		balancers: make(map[string]Balancer),
	}
	g.log.Fields["entity"] = "gate"
	g.log.Fields["node"] = g.NodeID.String()
	return g
}

func (g *Gate) Config() *config.Config {
	return g.config.Load()
}

func (g *Gate) Ready() bool {
	return g.Registry != nil
}

// Start launches watchers, mirror and configure reloading.
func (g *Gate) Start(ctx context.Context) error {
	var err error

	if g.Registry != nil {
		return ErrGateStarted
	}
	if g.Registry, err = watch.Start(ctx, g.config, g.client); err != nil {
		return err
	}

	cfg := g.config.Load()
	if cfg.RedisEndpoint != "" {
		pool := mirror.NewRedisPool(cfg.RedisEndpoint, int(g.options.RedisPoolIdleMax.Value), int(g.options.RedisPoolActiveMax.Value))
		if g.Mirror, err = mirror.NewRedisPoolMirror(pool, cfg.RedisPrefix); err != nil {
			g.Stop()
			return err
		}
		sub, err := g.Registry.SubscribeAdvances()
		if err != nil {
			g.Stop()
			return err
		}
		if err = g.Mirror.Start(ctx, sub); err != nil {
			sub.Close()
			g.Stop()
			return err
		}
		g.log.Infof0("Mirror to redis %v with prefix \"%v\".", cfg.RedisEndpoint, cfg.RedisPrefix)
	}

	if cfg.Register != nil {
		g.register(ctx, cfg.Register)
	}

	if g.options.Reload.Value && g.options.ExternalConfig.Value != "" {
		if g.Reloader, err = config.NewReloader(g.options.ExternalConfig.Value, g.config, g.onReload); err != nil {
			g.Stop()
			return err
		}
		g.Reloader.Prepare = g.options.Override
		if err = g.Reloader.Start(); err != nil {
			g.Stop()
			return err
		}
	}
	return nil
}

// register publishes the gate to the registry agent. Watching goes on when
// registration fails.
func (g *Gate) register(ctx context.Context, reg *config.Registration) {
	registrar, ok := g.client.(dig.Registrar)
	if !ok {
		g.log.Warn("Registry driver does not support registration. Skip self registration.")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, REGISTER_TIMEOUT)
	defer cancel()
	if err := registrar.Register(ctx, reg); err != nil {
		g.log.Warnf("Self registration as %v failure: %v", reg.ID, err)
		return
	}
	g.lock.Lock()
	g.registered = reg.ID
	g.lock.Unlock()
	g.log.Infof0("Registered as service %v (id = %v).", reg.ServiceName, reg.ID)
}

func (g *Gate) deregister() {
	g.lock.Lock()
	id := g.registered
	g.registered = ""
	g.lock.Unlock()
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), REGISTER_TIMEOUT)
	defer cancel()
	if err := g.client.(dig.Registrar).Deregister(ctx, id); err != nil {
		g.log.Warnf("Deregistration of %v failure: %v", id, err)
		return
	}
	g.log.Infof0("Deregistered service %v.", id)
}

func (g *Gate) onReload(old, cur *config.Config) {
	if old == nil || old.LogLevel != cur.LogLevel {
		log.SetGlobalLogLevel(cur.LogLevel)
		g.log.Infof0("Log Level is %v.", cur.LogLevel)
	}
	if old != nil && (old.Address.String() != cur.Address.String() || old.Token != cur.Token || old.Datacenter != cur.Datacenter) {
		g.log.Warn("Registry connection settings changed. Restart to apply.")
	}

	g.lock.Lock()
	for _, target := range cur.Targets {
		if lb, ok := g.balancers[target.Key()]; ok && !balancerMatches(lb, target.Balancer) {
			delete(g.balancers, target.Key())
		}
	}
	g.lock.Unlock()

	if g.Registry != nil {
		g.Registry.Reconcile(cur)
	}
}

func balancerMatches(lb Balancer, name string) bool {
	switch lb.(type) {
	case *RoundRobinBalancer:
		return name == config.BALANCER_ROUND_ROBIN || name == ""
	case *RandomBalancer:
		return name == config.BALANCER_RANDOM
	case *HashBalancer:
		return name == config.BALANCER_HASH
	}
	return false
}

// Balancer returns balancer of target, created on first use. The balancer
// name of the current configure wins over the one target carries.
func (g *Gate) Balancer(target config.WatchTarget) (Balancer, error) {
	name := target.Balancer
	if cfg := g.Config(); cfg != nil {
		if configured, ok := cfg.Target(target.ServiceName, target.Tag, target.PassingOnly); ok {
			name = configured.Balancer
		}
	}

	g.lock.Lock()
	defer g.lock.Unlock()
	if lb, ok := g.balancers[target.Key()]; ok && balancerMatches(lb, name) {
		return lb, nil
	}
	lb, err := NewBalancer(name)
	if err != nil {
		return nil, err
	}
	g.balancers[target.Key()] = lb
	return lb, nil
}

// Stop is safe to call more than once.
func (g *Gate) Stop() {
	g.deregister()
	if g.Reloader != nil {
		if err := g.Reloader.Stop(); err != nil {
			g.log.Warn("Configure watcher closing failure: " + err.Error())
		}
	}
	if g.Mirror != nil {
		if err := g.Mirror.Close(); err != nil {
			g.log.Warn("Redis pool closing failure: " + err.Error())
		}
	}
	if g.Registry != nil {
		g.Registry.Stop()
	}
}

func Main() {
	fmt.Println("Service watcher of Consul registry.")

	options, cfg, err := configureParse(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("%v", err.Error())
		return
	}
	LogConfigure(flag.CommandLine)

	// Log level
	log.Infof0("Log Level is %v.", cfg.LogLevel)
	log.SetGlobalLogLevel(cfg.LogLevel)

	client, err := dig.Connect(dig.DRIVER_CONSUL, cfg)
	if err != nil {
		log.Fatalf("Failed to connect registry: %v", err.Error())
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	g := New(options, config.NewHandle(cfg), client)
	log.Infof0("Gate Node ID is %v.", g.NodeID.String())
	if err = g.Start(ctx); err != nil {
		log.Fatalf("Failed to start watchers: %v", err.Error())
		return
	}

	log.Infof0("HTTP API Serve at %v.", cfg.HTTPEndpoint)
	api_server := &http.Server{
		Addr: cfg.HTTPEndpoint,
		Handler: log.TagLogHandler(g.NewHTTPAPIMux(), map[string]interface{}{
			"entity": "http-api",
		}),
	}
	go func() {
		<-ctx.Done()
		log.Info0("Shutting down.")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), SHUTDOWN_TIMEOUT)
		defer cancel()
		if err := api_server.Shutdown(shutdownCtx); err != nil {
			log.Warn("HTTP API shutdown failure: " + err.Error())
		}
	}()

	log.Trace("APIServer Object:", api_server)
	if err = api_server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		g.Stop()
		log.Fatalf("Failed to serve API: %s", err.Error())
	}
	g.Stop()
}
