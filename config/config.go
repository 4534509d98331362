package config

import (
	"fmt"
	"io/ioutil"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v2"
)

const (
	DEFAULT_WAIT_TIME     = 5 * time.Minute
	DEFAULT_RETRY_INITIAL = 500 * time.Millisecond
	DEFAULT_RETRY_MAX     = 30 * time.Second
	DEFAULT_HTTP_ENDPOINT = "0.0.0.0:12370"
	DEFAULT_REDIS_PREFIX  = "consul-watch"

	DEFAULT_CHECK_INTERVAL   = 10 * time.Second
	DEFAULT_CHECK_TIMEOUT    = 5 * time.Second
	DEFAULT_DEREGISTER_AFTER = time.Minute
)

// Balancer names.
const (
	BALANCER_ROUND_ROBIN = "round_robin"
	BALANCER_RANDOM      = "random"
	BALANCER_HASH        = "hash"
)

// Raw document. Field tags follow the YAML keys.
type RetryConfigure struct {
	Initial string `yaml:"initial,omitempty"`
	Max     string `yaml:"max,omitempty"`
}

type TLSConfigure struct {
	CAFile             string `yaml:"ca_file,omitempty"`
	CertFile           string `yaml:"cert_file,omitempty"`
	KeyFile            string `yaml:"key_file,omitempty"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify,omitempty"`
}

type RegistryConfigure struct {
	Address    string         `yaml:"address"`
	Datacenter string         `yaml:"datacenter,omitempty"`
	WaitTime   string         `yaml:"wait_time,omitempty"`
	Token      string         `yaml:"token,omitempty"`
	Namespace  string         `yaml:"namespace,omitempty"`
	Retry      RetryConfigure `yaml:"retry,omitempty"`
	QueryRate  float64        `yaml:"query_rate,omitempty"`
	TLS        TLSConfigure   `yaml:"tls,omitempty"`
}

type WatchServiceConfigure struct {
	ServiceName  string `yaml:"service_name"`
	Tag          string `yaml:"tag,omitempty"`
	PassingOnly  bool   `yaml:"passing_only,omitempty"`
	BalancerName string `yaml:"balancer_name,omitempty"`
}

type LogConfigure struct {
	Level uint `yaml:"level,omitempty"`
}

type HTTPConfigure struct {
	Endpoint string `yaml:"endpoint,omitempty"`
}

type MirrorConfigure struct {
	RedisEndpoint string `yaml:"redis_endpoint,omitempty"`
	RedisPrefix   string `yaml:"redis_prefix,omitempty"`
}

// Self registration. Disabled when service_name is empty.
type RegisterConfigure struct {
	ServiceName           string            `yaml:"service_name,omitempty"`
	ID                    string            `yaml:"id,omitempty"`
	Address               string            `yaml:"address,omitempty"`
	Tags                  []string          `yaml:"tags,omitempty"`
	Meta                  map[string]string `yaml:"meta,omitempty"`
	CheckInterval         string            `yaml:"check_interval,omitempty"`
	CheckTimeout          string            `yaml:"check_timeout,omitempty"`
	DeregisterAfter       string            `yaml:"deregister_after,omitempty"`
	ReplaceExistingChecks bool              `yaml:"replace_existing_checks,omitempty"`
}

type WatchConfigure struct {
	Registry      RegistryConfigure       `yaml:"config"`
	WatchServices []WatchServiceConfigure `yaml:"watch_services"`
	Log           LogConfigure            `yaml:"log,omitempty"`
	HTTP          HTTPConfigure           `yaml:"http,omitempty"`
	Mirror        MirrorConfigure         `yaml:"mirror,omitempty"`
	Register      RegisterConfigure       `yaml:"register,omitempty"`
}

// WatchTarget identifies one watch subscription.
type WatchTarget struct {
	ServiceName string
	Tag         string
	PassingOnly bool

	// Balancer picks instances for address lookups. Not part of target identity.
	Balancer string
}

// Key identifies targets that share one watcher.
func (t WatchTarget) Key() string {
	return t.ServiceName + "|" + t.Tag + "|" + strconv.FormatBool(t.PassingOnly)
}

func (t WatchTarget) String() string {
	s := t.ServiceName
	if t.Tag != "" {
		s += "[" + t.Tag + "]"
	}
	if t.PassingOnly {
		s += "(passing)"
	}
	return s
}

type TLS struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	InsecureSkipVerify bool
}

// Registration describes this process as a registry service. The health
// check polls /healthz of the HTTP API.
type Registration struct {
	ServiceName string
	ID          string
	// Empty address means the agent node address.
	Address string
	Port    int
	Tags    []string
	Meta    map[string]string

	CheckHTTP             string
	CheckInterval         time.Duration
	CheckTimeout          time.Duration
	DeregisterAfter       time.Duration
	ReplaceExistingChecks bool
}

// Config is the validated configuration. Treat it as immutable.
type Config struct {
	Address    *url.URL
	Datacenter string
	WaitTime   time.Duration
	Token      string
	Namespace  string
	TLS        TLS

	RetryInitial time.Duration
	RetryMax     time.Duration

	// Queries per second per watcher. Zero means no limit.
	QueryRate float64

	Targets []WatchTarget

	LogLevel      uint
	HTTPEndpoint  string
	RedisEndpoint string
	RedisPrefix   string

	// Nil when self registration is disabled.
	Register *Registration
}

// Target finds configured target with same identity.
func (c *Config) Target(serviceName, tag string, passingOnly bool) (WatchTarget, bool) {
	key := WatchTarget{ServiceName: serviceName, Tag: tag, PassingOnly: passingOnly}.Key()
	for _, target := range c.Targets {
		if target.Key() == key {
			return target, true
		}
	}
	return WatchTarget{}, false
}

// Load reads and validates configuration file.
func Load(path string) (*Config, error) {
	raw, err := LoadConfigure(path)
	if err != nil {
		return nil, err
	}
	return raw.Build()
}

// LoadConfigure reads configuration file without validation.
func LoadConfigure(path string) (*WatchConfigure, error) {
	content, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Field: "file", Reason: "cannot read " + path, Err: err}
	}
	return ParseConfigure(content)
}

func ParseConfigure(content []byte) (*WatchConfigure, error) {
	raw := &WatchConfigure{}
	if err := yaml.Unmarshal(content, raw); err != nil {
		return nil, &ConfigError{Field: "document", Reason: "invalid YAML", Err: err}
	}
	return raw, nil
}

// Parse validates configuration document.
func Parse(content []byte) (*Config, error) {
	raw, err := ParseConfigure(content)
	if err != nil {
		return nil, err
	}
	return raw.Build()
}

// Build validates raw document and produces Config.
func (raw *WatchConfigure) Build() (*Config, error) {
	var err error

	cfg := &Config{
		Datacenter: raw.Registry.Datacenter,
		Token:      raw.Registry.Token,
		Namespace:  raw.Registry.Namespace,
		TLS: TLS{
			CAFile:             raw.Registry.TLS.CAFile,
			CertFile:           raw.Registry.TLS.CertFile,
			KeyFile:            raw.Registry.TLS.KeyFile,
			InsecureSkipVerify: raw.Registry.TLS.InsecureSkipVerify,
		},
		LogLevel:      raw.Log.Level,
		HTTPEndpoint:  raw.HTTP.Endpoint,
		RedisEndpoint: raw.Mirror.RedisEndpoint,
		RedisPrefix:   raw.Mirror.RedisPrefix,
	}
	if cfg.HTTPEndpoint == "" {
		cfg.HTTPEndpoint = DEFAULT_HTTP_ENDPOINT
	}
	if cfg.RedisPrefix == "" {
		cfg.RedisPrefix = DEFAULT_REDIS_PREFIX
	}

	if cfg.Address, err = parseAddress(raw.Registry.Address); err != nil {
		return nil, err
	}
	if cfg.WaitTime, err = parsePositiveDuration("config.wait_time", raw.Registry.WaitTime, DEFAULT_WAIT_TIME); err != nil {
		return nil, err
	}
	if cfg.RetryInitial, err = parsePositiveDuration("config.retry.initial", raw.Registry.Retry.Initial, DEFAULT_RETRY_INITIAL); err != nil {
		return nil, err
	}
	if cfg.RetryMax, err = parsePositiveDuration("config.retry.max", raw.Registry.Retry.Max, DEFAULT_RETRY_MAX); err != nil {
		return nil, err
	}
	if cfg.RetryInitial > cfg.RetryMax {
		return nil, &ConfigError{Field: "config.retry", Reason: fmt.Sprintf("initial %v exceeds max %v", cfg.RetryInitial, cfg.RetryMax)}
	}
	if raw.Registry.QueryRate < 0 {
		return nil, &ConfigError{Field: "config.query_rate", Reason: "should not be negative"}
	}
	cfg.QueryRate = raw.Registry.QueryRate
	if (cfg.TLS.CertFile == "") != (cfg.TLS.KeyFile == "") {
		return nil, &ConfigError{Field: "config.tls", Reason: "cert_file and key_file should be specified together"}
	}

	cfg.Targets = make([]WatchTarget, 0, len(raw.WatchServices))
	for idx, svc := range raw.WatchServices {
		field := fmt.Sprintf("watch_services[%v]", idx)
		name := strings.TrimSpace(svc.ServiceName)
		if name == "" {
			return nil, &ConfigError{Field: field + ".service_name", Reason: "missing"}
		}
		balancer := svc.BalancerName
		switch balancer {
		case "":
			balancer = BALANCER_ROUND_ROBIN
		case BALANCER_ROUND_ROBIN, BALANCER_RANDOM, BALANCER_HASH:
		default:
			return nil, &ConfigError{Field: field + ".balancer_name", Reason: "unknown balancer \"" + balancer + "\""}
		}
		cfg.Targets = append(cfg.Targets, WatchTarget{
			ServiceName: name,
			Tag:         svc.Tag,
			PassingOnly: svc.PassingOnly,
			Balancer:    balancer,
		})
	}

	if cfg.Register, err = raw.Register.build(cfg.HTTPEndpoint); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (raw *RegisterConfigure) build(endpoint string) (*Registration, error) {
	var err error

	name := strings.TrimSpace(raw.ServiceName)
	if name == "" {
		return nil, nil
	}
	host, portRaw, err := net.SplitHostPort(endpoint)
	if err != nil {
		return nil, &ConfigError{Field: "http.endpoint", Reason: "cannot register without port", Err: err}
	}
	port, err := strconv.Atoi(portRaw)
	if err != nil || port < 1 || port > 0xFFFF {
		return nil, &ConfigError{Field: "http.endpoint", Reason: "invalid port \"" + portRaw + "\"", Err: err}
	}

	reg := &Registration{
		ServiceName:           name,
		ID:                    raw.ID,
		Address:               raw.Address,
		Port:                  port,
		Tags:                  raw.Tags,
		Meta:                  raw.Meta,
		ReplaceExistingChecks: raw.ReplaceExistingChecks,
	}
	if reg.ID == "" {
		reg.ID = name + "-" + portRaw
	}
	if reg.Address == "" {
		switch host {
		case "", "0.0.0.0", "::":
		default:
			reg.Address = host
		}
	}
	checkHost := reg.Address
	if checkHost == "" {
		checkHost = "127.0.0.1"
	}
	reg.CheckHTTP = "http://" + net.JoinHostPort(checkHost, portRaw) + "/healthz"

	if reg.CheckInterval, err = parsePositiveDuration("register.check_interval", raw.CheckInterval, DEFAULT_CHECK_INTERVAL); err != nil {
		return nil, err
	}
	if reg.CheckTimeout, err = parsePositiveDuration("register.check_timeout", raw.CheckTimeout, DEFAULT_CHECK_TIMEOUT); err != nil {
		return nil, err
	}
	if reg.DeregisterAfter, err = parsePositiveDuration("register.deregister_after", raw.DeregisterAfter, DEFAULT_DEREGISTER_AFTER); err != nil {
		return nil, err
	}
	return reg, nil
}

func parseAddress(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, &ConfigError{Field: "config.address", Reason: "missing"}
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	addr, err := url.Parse(raw)
	if err != nil {
		return nil, &ConfigError{Field: "config.address", Reason: "unparsable", Err: err}
	}
	switch addr.Scheme {
	case "http", "https":
	default:
		return nil, &ConfigError{Field: "config.address", Reason: "unsupported scheme \"" + addr.Scheme + "\""}
	}
	if addr.Host == "" {
		return nil, &ConfigError{Field: "config.address", Reason: "missing host"}
	}
	return addr, nil
}

func parsePositiveDuration(field, raw string, fallback time.Duration) (time.Duration, error) {
	if strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, &ConfigError{Field: field, Reason: "invalid duration \"" + raw + "\"", Err: err}
	}
	if d <= 0 {
		return 0, &ConfigError{Field: field, Reason: "should be positive"}
	}
	return d, nil
}
