package gate

import (
	"errors"
	"flag"
	"fmt"

	"github.com/Sunmxt/consul-watch/config"
	"github.com/Sunmxt/consul-watch/log"
	"github.com/Sunmxt/consul-watch/utils/cmdline"
)

type GatewayOptions struct {
	ExternalConfig *cmdline.StringValue
	LogLevel       *cmdline.UintValue

	// Endpoint to bind and serve HTTP API.
	APIEndpoint *cmdline.NetEndpointValue

	// Registry agent address.
	ConsulAddress *cmdline.StringValue
	Datacenter    *cmdline.StringValue
	Token         *cmdline.StringValue

	// Blocking query wait.
	WaitTime *cmdline.DurationValue

	// Redis endpoint. Mirror is disabled when empty.
	RedisEndpoint *cmdline.NetEndpointValue

	// Redis prefix.
	RedisPrefix *cmdline.StringValue

	// Redis pool maximum idle connections.
	RedisPoolIdleMax *cmdline.UintValue

	// Redis pool maximum active connections.
	RedisPoolActiveMax *cmdline.UintValue

	// Follow changes of the configure file.
	Reload *cmdline.BoolValue

	// Debug mode
	// Internal error messages are reported to clients when debug mode is on.
	DebugMode *cmdline.BoolValue
}

func NewGatewayOptions() *GatewayOptions {
	var err error
	var api_endpoint, redis_endpoint *cmdline.NetEndpointValue

	if api_endpoint, err = cmdline.NewNetEndpointValueDefault([]string{"tcp", "http"}, config.DEFAULT_HTTP_ENDPOINT); err != nil {
		log.Panicf("Flag value creating failure: %v", err.Error())
	}
	if redis_endpoint, err = cmdline.NewNetEndpointValueDefault([]string{"tcp"}, ""); err != nil {
		log.Panicf("Flag value creating failure: %v", err.Error())
	}

	return &GatewayOptions{
		ExternalConfig:     cmdline.NewStringValue(),
		LogLevel:           cmdline.NewUintValueDefault(0),
		APIEndpoint:        api_endpoint,
		ConsulAddress:      cmdline.NewStringValue(),
		Datacenter:         cmdline.NewStringValue(),
		Token:              cmdline.NewStringValue(),
		WaitTime:           cmdline.NewDurationValueDefault(config.DEFAULT_WAIT_TIME),
		RedisEndpoint:      redis_endpoint,
		RedisPrefix:        cmdline.NewStringValueDefault(config.DEFAULT_REDIS_PREFIX),
		RedisPoolIdleMax:   cmdline.NewUintValueDefault(4),
		RedisPoolActiveMax: cmdline.NewUintValueDefault(16),
		Reload:             cmdline.NewBoolValueDefault(true),
		DebugMode:          cmdline.NewBoolValueDefault(false),
	}
}

func (options *GatewayOptions) Register(fs *flag.FlagSet) {
	fs.Var(options.ExternalConfig, "config", "Configure YAML.")
	fs.Var(options.LogLevel, "log-level", "Log level.")
	fs.Var(options.APIEndpoint, "endpoint", "HTTP API binding endpoint.")
	fs.Var(options.ConsulAddress, "consul-address", "Registry agent address.")
	fs.Var(options.Datacenter, "datacenter", "Registry datacenter.")
	fs.Var(options.Token, "token", "Registry ACL token.")
	fs.Var(options.WaitTime, "wait-time", "Blocking query wait time.")
	fs.Var(options.RedisEndpoint, "redis-endpoint", "Redis mirror endpoint.")
	fs.Var(options.RedisPrefix, "redis-prefix", "Redis mirror key prefix.")
	fs.Var(options.RedisPoolIdleMax, "redis-max-idle", "Maximum idle redis connections.")
	fs.Var(options.RedisPoolActiveMax, "redis-max-active", "Maximum active redis connections.")
	fs.Var(options.Reload, "reload", "Reload configure file on change.")
	fs.Var(options.DebugMode, "debug", "Enable debug mode.")
}

// SetDefaultFromConfigure takes values of the configure file for options not
// given on command line.
func (options *GatewayOptions) SetDefaultFromConfigure(cfg *config.WatchConfigure) error {
	if options.LogLevel.IsDefault {
		options.LogLevel.Value = cfg.Log.Level
	}
	if options.APIEndpoint.IsDefault && cfg.HTTP.Endpoint != "" {
		if err := options.APIEndpoint.Set(cfg.HTTP.Endpoint); err != nil {
			return err
		}
		options.APIEndpoint.IsDefault = true
	}
	if options.ConsulAddress.IsDefault {
		options.ConsulAddress.Value = cfg.Registry.Address
	}
	if options.Datacenter.IsDefault {
		options.Datacenter.Value = cfg.Registry.Datacenter
	}
	if options.RedisEndpoint.IsDefault && cfg.Mirror.RedisEndpoint != "" {
		if err := options.RedisEndpoint.Set(cfg.Mirror.RedisEndpoint); err != nil {
			return err
		}
		options.RedisEndpoint.IsDefault = true
	}
	if options.RedisPrefix.IsDefault && cfg.Mirror.RedisPrefix != "" {
		options.RedisPrefix.Value = cfg.Mirror.RedisPrefix
	}
	return nil
}

// Override writes options given on command line into the configure document.
func (options *GatewayOptions) Override(cfg *config.WatchConfigure) error {
	if !options.LogLevel.IsDefault {
		cfg.Log.Level = options.LogLevel.Value
	}
	if !options.APIEndpoint.IsDefault {
		cfg.HTTP.Endpoint = options.APIEndpoint.AuthorityString()
	}
	if !options.ConsulAddress.IsDefault {
		cfg.Registry.Address = options.ConsulAddress.Value
	}
	if !options.Datacenter.IsDefault {
		cfg.Registry.Datacenter = options.Datacenter.Value
	}
	if !options.Token.IsDefault {
		cfg.Registry.Token = options.Token.Value
	}
	if !options.WaitTime.IsDefault {
		cfg.Registry.WaitTime = options.WaitTime.Value.String()
	}
	if !options.RedisEndpoint.IsDefault {
		cfg.Mirror.RedisEndpoint = options.RedisEndpoint.AuthorityString()
	}
	if !options.RedisPrefix.IsDefault {
		cfg.Mirror.RedisPrefix = options.RedisPrefix.Value
	}
	return nil
}

func (options *GatewayOptions) SetDefault() error {
	if options.ExternalConfig.Value == "" {
		return errors.New("Configure file should be specified. (See \"-config\")")
	}
	if options.RedisEndpoint.Host != "" {
		if !options.RedisEndpoint.HasPort {
			return errors.New("Redis endpoint port should be specified. (See \"-redis-endpoint\")")
		}
		if options.RedisEndpoint.Port == 0 || options.RedisEndpoint.Port > 0xFFFF {
			return fmt.Errorf("Redis endpoint port should not be %v. (See \"-redis-endpoint\")", options.RedisEndpoint.Port)
		}
		if options.RedisEndpoint.Scheme == "" {
			options.RedisEndpoint.Scheme = "tcp"
		}
	}
	if options.RedisPoolActiveMax.Value < 1 {
		return errors.New("Maximum active redis connections should not be 0. (See \"-redis-max-active\")")
	}
	if options.APIEndpoint.Port == 0 || options.APIEndpoint.Port > 0xFFFF {
		return fmt.Errorf("API endpoint port should not be %v. (See \"-endpoint\")", options.APIEndpoint.Port)
	}
	return nil
}

func configureParse(fs *flag.FlagSet, args []string) (*GatewayOptions, *config.Config, error) {
	var err error

	options := NewGatewayOptions()
	options.Register(fs)
	if err = fs.Parse(args); err != nil {
		return nil, nil, err
	}
	if options.ExternalConfig.Value == "" {
		return nil, nil, options.SetDefault()
	}

	log.Infof0("External configure: %v", options.ExternalConfig.Value)
	raw, err := config.LoadConfigure(options.ExternalConfig.Value)
	if err != nil {
		return nil, nil, fmt.Errorf("Failed to load configure file: %w", err)
	}
	if err = options.SetDefaultFromConfigure(raw); err != nil {
		return nil, nil, fmt.Errorf("Invalid configure: %w", err)
	}
	if err = options.SetDefault(); err != nil {
		return nil, nil, err
	}
	if err = options.Override(raw); err != nil {
		return nil, nil, err
	}

	cfg, err := raw.Build()
	if err != nil {
		return nil, nil, fmt.Errorf("Invalid configure: %w", err)
	}
	return options, cfg, nil
}

func LogConfigure(fs *flag.FlagSet) {
	log.Info0("Configurations:")
	fs.VisitAll(func(fl *flag.Flag) {
		if fl.Name == "token" && fl.Value.String() != "" {
			log.Info0("-token=<hidden>")
			return
		}
		log.Info0("-" + fl.Name + "=" + fl.Value.String())
	})
}
