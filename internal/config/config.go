package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// LoggingConfig holds the logging-related configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"log_level"`
	Debug      bool   `mapstructure:"debug"`
	DNSQueries bool   `mapstructure:"dns_queries"`
	DNSCached  bool   `mapstructure:"dns_cached"`
}

// DNSConfig holds the listener, discovery zone and upstream resolver settings.
type DNSConfig struct {
	Resolver       string `mapstructure:"resolver"`
	TimeoutMs      int    `mapstructure:"timeout_ms"`
	Bind           string `mapstructure:"bind"`
	Port           int    `mapstructure:"port"`
	TLD            string `mapstructure:"tld"`
	DefaultNetwork string `mapstructure:"network"`
	SlowQueryMs    int    `mapstructure:"slow_query_ms"`
}

// LeaveConfig holds the Leave Protocol timing constants.
type LeaveConfig struct {
	InitialDelay  time.Duration `mapstructure:"initial_delay"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	RetryAfter    time.Duration `mapstructure:"retry_after"`
	TolerateAfter time.Duration `mapstructure:"tolerate_after"`
	Deadline      time.Duration `mapstructure:"deadline"`
}

// NetworkConfig holds auto network management settings.
type NetworkConfig struct {
	NoAutoNetworks bool        `mapstructure:"no_auto_networks"`
	SkipIP         uint32      `mapstructure:"skip_ip"`
	SelfIDFile     string      `mapstructure:"self_id_file"`
	CgroupFile     string      `mapstructure:"cgroup_file"`
	Leave          LeaveConfig `mapstructure:"leave"`
}

type RegistryConfig struct {
	RemovalMarkTTL    time.Duration `mapstructure:"removal_mark_ttl"`
	StartupRankOffset time.Duration `mapstructure:"startup_rank_offset"`
}

type ProxyConfig struct {
	GCInterval time.Duration `mapstructure:"gc_interval"`
}

type DockerConfig struct {
	Host string `mapstructure:"host"`
}

type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// Config is the top-level configuration struct.
type Config struct {
	Logging  LoggingConfig  `mapstructure:"log"`
	DNS      DNSConfig      `mapstructure:"dns"`
	Network  NetworkConfig  `mapstructure:"network"`
	Registry RegistryConfig `mapstructure:"registry"`
	Proxy    ProxyConfig    `mapstructure:"proxy"`
	Docker   DockerConfig   `mapstructure:"docker"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// SetDefaults registers the default value of every key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.log_level", "INFO")
	v.SetDefault("log.debug", false)
	v.SetDefault("log.dns_queries", false)
	v.SetDefault("log.dns_cached", false)
	v.SetDefault("dns.resolver", "8.8.8.8")
	v.SetDefault("dns.timeout_ms", 2500)
	v.SetDefault("dns.bind", "0.0.0.0")
	v.SetDefault("dns.port", 53)
	v.SetDefault("dns.tld", "discovery")
	v.SetDefault("dns.network", "")
	v.SetDefault("dns.slow_query_ms", 20)
	v.SetDefault("network.no_auto_networks", false)
	v.SetDefault("network.skip_ip", 0)
	v.SetDefault("network.self_id_file", "/proc/1/cpuset")
	v.SetDefault("network.cgroup_file", "/proc/self/cgroup")
	v.SetDefault("network.leave.initial_delay", 5*time.Second)
	v.SetDefault("network.leave.poll_interval", 3*time.Second)
	v.SetDefault("network.leave.retry_after", 10*time.Second)
	v.SetDefault("network.leave.tolerate_after", 30*time.Second)
	v.SetDefault("network.leave.deadline", 60*time.Second)
	v.SetDefault("registry.removal_mark_ttl", 2*time.Second)
	v.SetDefault("registry.startup_rank_offset", time.Second)
	v.SetDefault("proxy.gc_interval", time.Minute)
	v.SetDefault("docker.host", "")
	v.SetDefault("metrics.listen_addr", "")
}

// InitConfig performs the initial configuration: setting defaults, specifying the config file, and reading it.
func InitConfig(configFile string) error {
	SetDefaults(viper.GetViper())

	// Specify the config file details.
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("config") // Looks for config.yaml
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".") // current directory
	}

	// Read the config file if available.
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || configFile != "" {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// If the file is not found, just continue with defaults and env vars.
	}

	// Enable automatic environment variable binding.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	return nil
}

// Load unmarshals the configuration into the Config struct.
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

func LoadFrom(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) Validate() error {
	if c.DNS.TLD == "" || strings.Contains(c.DNS.TLD, ".") {
		return fmt.Errorf("invalid tld %q: must be a single label", c.DNS.TLD)
	}
	if c.DNS.TimeoutMs <= 0 {
		return fmt.Errorf("invalid dns timeout %dms", c.DNS.TimeoutMs)
	}
	if c.DNS.Port <= 0 || c.DNS.Port > 65535 {
		return fmt.Errorf("invalid dns port %d", c.DNS.Port)
	}
	return nil
}

// ResolverAddr returns the upstream resolver as host:port, defaulting the port to 53.
func (c DNSConfig) ResolverAddr() string {
	if _, _, err := net.SplitHostPort(c.Resolver); err == nil {
		return c.Resolver
	}
	return net.JoinHostPort(strings.Trim(c.Resolver, "[]"), "53")
}

func (c DNSConfig) ListenAddr() string {
	return net.JoinHostPort(c.Bind, fmt.Sprint(c.Port))
}

func (c DNSConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// DockerHostFromEndpoint turns a "host[:port]" argument into a docker daemon URL.
func DockerHostFromEndpoint(endpoint string) string {
	if endpoint == "" || strings.Contains(endpoint, "://") {
		return endpoint
	}
	if _, _, err := net.SplitHostPort(endpoint); err == nil {
		return "tcp://" + endpoint
	}
	return "tcp://" + net.JoinHostPort(endpoint, "2375")
}

func (c DNSConfig) SlowQuery() time.Duration {
	return time.Duration(c.SlowQueryMs) * time.Millisecond
}
