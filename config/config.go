// Package config loads linenet settings from an optional YAML file and
// LINENET_* environment variables, and converts them into the option structs
// of the transport packages.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/cyberinferno/go-linenet/discovery"
	"github.com/cyberinferno/go-linenet/logger"
	"github.com/cyberinferno/go-linenet/tcpclient"
	"github.com/cyberinferno/go-linenet/tcpserver"
)

// EnvPrefix prefixes every environment override, e.g. LINENET_TCP_PORT.
const EnvPrefix = "LINENET"

// Config is the root configuration.
type Config struct {
	// Name identifies this node in logs and discovery announcements.
	Name string `mapstructure:"name"`
	// ServerAddress is the host clients dial, and the host a server binds.
	ServerAddress string `mapstructure:"server_address"`
	// AdvertiseHost replaces an unspecified bind host in announcements.
	AdvertiseHost string `mapstructure:"advertise_host"`

	TCPPort        uint16 `mapstructure:"tcp_port"`
	UDPPort        uint16 `mapstructure:"udp_port"`
	MaxConnections int    `mapstructure:"max_connections"`

	PingInterval  time.Duration `mapstructure:"ping_interval"`
	BroadcastWait time.Duration `mapstructure:"broadcast_wait"`
	// BroadcastAddress is where discovery probes are sent.
	BroadcastAddress string `mapstructure:"broadcast_address"`

	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	SettleDelay          time.Duration `mapstructure:"settle_delay"`
	ReconnectDelay       time.Duration `mapstructure:"reconnect_delay"`
	ConnectTimeout       time.Duration `mapstructure:"connect_timeout"`
	WriteTimeout         time.Duration `mapstructure:"write_timeout"`

	// TickInterval is how often the driver drains event queues.
	TickInterval time.Duration `mapstructure:"tick_interval"`

	// ReclaimCommand frees a busy TCP port; "{port}" is substituted. Empty
	// disables reclaiming.
	ReclaimCommand string        `mapstructure:"reclaim_command"`
	ReclaimDelay   time.Duration `mapstructure:"reclaim_delay"`

	Log   LogConfig   `mapstructure:"log"`
	Cache CacheConfig `mapstructure:"cache"`
}

// LogConfig mirrors logger.Config.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Dir enables daily-rotated log files when set.
	Dir string `mapstructure:"dir"`
}

// CacheConfig selects where discovery results are cached.
type CacheConfig struct {
	// Backend: memory or redis
	Backend   string        `mapstructure:"backend"`
	TTL       time.Duration `mapstructure:"ttl"`
	RedisAddr string        `mapstructure:"redis_addr"`
	// Namespace prefixes redis keys.
	Namespace string `mapstructure:"namespace"`
}

// Default returns a Config populated with the stock settings.
func Default() *Config {
	return &Config{
		Name:                 "linenet",
		ServerAddress:        "127.0.0.1",
		TCPPort:              9901,
		UDPPort:              9902,
		MaxConnections:       2,
		PingInterval:         5 * time.Second,
		BroadcastWait:        discovery.DefaultWaitTime,
		BroadcastAddress:     discovery.DefaultBroadcastAddress,
		MaxReconnectAttempts: tcpclient.DefaultMaxReconnectAttempts,
		SettleDelay:          2 * time.Second,
		ReconnectDelay:       time.Second,
		ConnectTimeout:       10 * time.Second,
		WriteTimeout:         10 * time.Second,
		TickInterval:         20 * time.Millisecond,
		ReclaimDelay:         2 * time.Second,
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Cache: CacheConfig{
			Backend:   "memory",
			TTL:       30 * time.Second,
			RedisAddr: "localhost:6379",
			Namespace: "linenet",
		},
	}
}

// Load reads configuration from path (if non-empty), otherwise from
// $LINENET_CONFIG or a linenet.yaml in the working directory or
// ~/.linenet. A missing file is only an error when path is given.
// Environment variables override file values.
//
// Example:
//
//	LINENET_TCP_PORT=7000 LINENET_LOG_LEVEL=debug linenet server
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v, cfg)

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("linenet")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".linenet"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// every key must have a default for AutomaticEnv to reach it through Unmarshal
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("name", cfg.Name)
	v.SetDefault("server_address", cfg.ServerAddress)
	v.SetDefault("advertise_host", cfg.AdvertiseHost)
	v.SetDefault("tcp_port", cfg.TCPPort)
	v.SetDefault("udp_port", cfg.UDPPort)
	v.SetDefault("max_connections", cfg.MaxConnections)
	v.SetDefault("ping_interval", cfg.PingInterval)
	v.SetDefault("broadcast_wait", cfg.BroadcastWait)
	v.SetDefault("broadcast_address", cfg.BroadcastAddress)
	v.SetDefault("max_reconnect_attempts", cfg.MaxReconnectAttempts)
	v.SetDefault("settle_delay", cfg.SettleDelay)
	v.SetDefault("reconnect_delay", cfg.ReconnectDelay)
	v.SetDefault("connect_timeout", cfg.ConnectTimeout)
	v.SetDefault("write_timeout", cfg.WriteTimeout)
	v.SetDefault("tick_interval", cfg.TickInterval)
	v.SetDefault("reclaim_command", cfg.ReclaimCommand)
	v.SetDefault("reclaim_delay", cfg.ReclaimDelay)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.dir", cfg.Log.Dir)
	v.SetDefault("cache.backend", cfg.Cache.Backend)
	v.SetDefault("cache.ttl", cfg.Cache.TTL)
	v.SetDefault("cache.redis_addr", cfg.Cache.RedisAddr)
	v.SetDefault("cache.namespace", cfg.Cache.Namespace)
}

// Validate normalizes enum fields and rejects settings the components cannot
// run with.
func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}

	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	switch c.Log.Format {
	case "":
		c.Log.Format = "console"
	case "console", "json":
	default:
		return fmt.Errorf("invalid log.format: %q", c.Log.Format)
	}

	c.Cache.Backend = strings.ToLower(strings.TrimSpace(c.Cache.Backend))
	switch c.Cache.Backend {
	case "":
		c.Cache.Backend = "memory"
	case "memory":
	case "redis":
		if c.Cache.RedisAddr == "" {
			return errors.New("cache.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("invalid cache.backend: %q", c.Cache.Backend)
	}

	if c.MaxConnections < 0 {
		return fmt.Errorf("max_connections must not be negative: %d", c.MaxConnections)
	}

	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("max_reconnect_attempts must not be negative: %d", c.MaxReconnectAttempts)
	}

	if c.TickInterval <= 0 {
		return fmt.Errorf("tick_interval must be positive: %s", c.TickInterval)
	}

	if c.BroadcastWait <= 0 {
		return fmt.Errorf("broadcast_wait must be positive: %s", c.BroadcastWait)
	}

	if c.ReclaimCommand != "" && !strings.Contains(c.ReclaimCommand, tcpserver.PortPlaceholder) {
		return fmt.Errorf("reclaim_command must contain %s", tcpserver.PortPlaceholder)
	}

	return nil
}

// LoggerConfig returns the logger settings for the given service name.
func (c *Config) LoggerConfig(service string) logger.Config {
	return logger.Config{
		Service: service,
		Level:   c.Log.Level,
		Format:  c.Log.Format,
		Dir:     c.Log.Dir,
	}
}

// ClientConfig returns the session settings.
func (c *Config) ClientConfig() tcpclient.Config {
	cfg := tcpclient.DefaultConfig()
	cfg.ConnectTimeout = c.ConnectTimeout
	cfg.SettleDelay = c.SettleDelay
	cfg.MaxReconnectAttempts = c.MaxReconnectAttempts
	cfg.ReconnectDelay = c.ReconnectDelay
	cfg.WriteTimeout = c.WriteTimeout
	return cfg
}

// ServerConfig returns the server settings. A CommandReclaimer is attached
// when ReclaimCommand is set.
func (c *Config) ServerConfig(log logger.Logger) tcpserver.Config {
	cfg := tcpserver.DefaultConfig()
	cfg.Name = c.Name
	cfg.Address = c.ServerAddress
	cfg.Port = c.TCPPort
	cfg.MaxConnections = c.MaxConnections
	cfg.PingInterval = c.PingInterval
	cfg.WriteTimeout = c.WriteTimeout
	cfg.ReclaimDelay = c.ReclaimDelay

	if c.ReclaimCommand != "" {
		cfg.Reclaimer = &tcpserver.CommandReclaimer{Command: c.ReclaimCommand, Logger: log}
	}

	return cfg
}

// DiscoveryConfig returns the broadcaster settings.
func (c *Config) DiscoveryConfig() discovery.Config {
	cfg := discovery.DefaultConfig()
	cfg.WaitTime = c.BroadcastWait
	cfg.BroadcastAddress = c.BroadcastAddress
	return cfg
}

// ResponderConfig returns the settings of a server's discovery responder.
// It binds all interfaces so broadcasts are received.
func (c *Config) ResponderConfig() discovery.ResponderConfig {
	return discovery.ResponderConfig{
		Port:         c.UDPPort,
		ReuseAddress: true,
		WriteTimeout: c.WriteTimeout,
	}
}

// AdvertisedHost is the host put in announcements when the listener is bound
// to all interfaces.
func (c *Config) AdvertisedHost() string {
	if c.AdvertiseHost != "" {
		return c.AdvertiseHost
	}

	return c.ServerAddress
}
