package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/go-linenet/tcpserver"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "linenet.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, uint16(9901), cfg.TCPPort)
	assert.Equal(t, uint16(9902), cfg.UDPPort)
	assert.Equal(t, 2, cfg.MaxConnections)
	assert.Equal(t, 5*time.Second, cfg.PingInterval)
	assert.Equal(t, 2*time.Second, cfg.BroadcastWait)
	assert.Equal(t, 3, cfg.MaxReconnectAttempts)
	assert.Equal(t, "memory", cfg.Cache.Backend)
}

func TestLoad_File(t *testing.T) {
	path := writeFile(t, `
name: arena
tcp_port: 7000
max_connections: 8
ping_interval: 250ms
settle_delay: 0s
log:
  level: debug
  format: JSON
cache:
  backend: redis
  redis_addr: cache:6379
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "arena", cfg.Name)
	assert.Equal(t, uint16(7000), cfg.TCPPort)
	assert.Equal(t, uint16(9902), cfg.UDPPort, "unset keys keep defaults")
	assert.Equal(t, 8, cfg.MaxConnections)
	assert.Equal(t, 250*time.Millisecond, cfg.PingInterval)
	assert.Zero(t, cfg.SettleDelay)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "redis", cfg.Cache.Backend)
	assert.Equal(t, "cache:6379", cfg.Cache.RedisAddr)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeFile(t, "tcp_port: 7000\n")
	t.Setenv("LINENET_TCP_PORT", "7100")
	t.Setenv("LINENET_LOG_LEVEL", "warn")
	t.Setenv("LINENET_CACHE_TTL", "1m")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint16(7100), cfg.TCPPort)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, time.Minute, cfg.Cache.TTL)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_Errors(t *testing.T) {
	t.Run("unreadable file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.Error(t, err)
	})

	t.Run("bad yaml", func(t *testing.T) {
		_, err := Load(writeFile(t, "tcp_port: [\n"))
		assert.Error(t, err)
	})

	t.Run("invalid value", func(t *testing.T) {
		_, err := Load(writeFile(t, "log:\n  level: loud\n"))
		assert.ErrorContains(t, err, "log.level")
	})
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"log format":       func(c *Config) { c.Log.Format = "xml" },
		"cache backend":    func(c *Config) { c.Cache.Backend = "disk" },
		"redis addr":       func(c *Config) { c.Cache.Backend = "redis"; c.Cache.RedisAddr = "" },
		"max connections":  func(c *Config) { c.MaxConnections = -1 },
		"reconnects":       func(c *Config) { c.MaxReconnectAttempts = -1 },
		"tick interval":    func(c *Config) { c.TickInterval = 0 },
		"broadcast wait":   func(c *Config) { c.BroadcastWait = 0 },
		"reclaim template": func(c *Config) { c.ReclaimCommand = "fuser -k 9901/tcp" },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	t.Run("empty enums are normalized", func(t *testing.T) {
		cfg := Default()
		cfg.Log.Format = ""
		cfg.Cache.Backend = " Redis "
		require.NoError(t, cfg.Validate())
		assert.Equal(t, "console", cfg.Log.Format)
		assert.Equal(t, "redis", cfg.Cache.Backend)
	})
}

func TestAdapters(t *testing.T) {
	cfg := Default()
	cfg.TCPPort = 7000
	cfg.MaxConnections = 4
	cfg.ReclaimCommand = "fuser -k {port}/tcp"

	server := cfg.ServerConfig(nil)
	assert.Equal(t, uint16(7000), server.Port)
	assert.Equal(t, 4, server.MaxConnections)
	assert.Equal(t, cfg.PingInterval, server.PingInterval)
	require.IsType(t, &tcpserver.CommandReclaimer{}, server.Reclaimer)
	assert.Equal(t, "fuser -k {port}/tcp", server.Reclaimer.(*tcpserver.CommandReclaimer).Command)

	cfg.ReclaimCommand = ""
	assert.Nil(t, cfg.ServerConfig(nil).Reclaimer)

	client := cfg.ClientConfig()
	assert.Equal(t, cfg.MaxReconnectAttempts, client.MaxReconnectAttempts)
	assert.Equal(t, cfg.SettleDelay, client.SettleDelay)
	assert.True(t, client.ReconnectOnDrop)

	disc := cfg.DiscoveryConfig()
	assert.Equal(t, cfg.BroadcastWait, disc.WaitTime)
	assert.Equal(t, "255.255.255.255", disc.BroadcastAddress)

	resp := cfg.ResponderConfig()
	assert.Equal(t, uint16(9902), resp.Port)
	assert.True(t, resp.ReuseAddress)

	assert.Equal(t, "127.0.0.1", cfg.AdvertisedHost())
	cfg.AdvertiseHost = "192.168.1.20"
	assert.Equal(t, "192.168.1.20", cfg.AdvertisedHost())

	lc := cfg.LoggerConfig("linenet-server")
	assert.Equal(t, "linenet-server", lc.Service)
	assert.Equal(t, "info", lc.Level)
}
