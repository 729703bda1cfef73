package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	commoncfg "github.com/gaspardpetit/framecast/core/config"
)

// HostConfig holds configuration for the framecast host.
type HostConfig struct {
	Port           int           `yaml:"port"`
	MetricsAddr    string        `yaml:"metrics_addr"`
	APIKey         string        `yaml:"api_key"`
	APIHTTPRoles   []string      `yaml:"api_http_roles"`
	ClientKey      string        `yaml:"client_key"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`
	QueueSize      int           `yaml:"queue_size"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	ConfigFile     string        `yaml:"-"`
	LogLevel       string        `yaml:"log_level"`
	RedisAddr      string        `yaml:"redis_addr"`
	LockFile       string        `yaml:"lock_file"`
}

// SetDefaults initializes c with built-in defaults.
func (c *HostConfig) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = fmt.Sprintf(":%d", c.Port)
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = 30 * time.Second
	}
	if c.QueueSize == 0 {
		c.QueueSize = 256
	}
	if c.ConfigFile == "" {
		c.ConfigFile = commoncfg.DefaultConfigPath("host.yaml")
	}
	if c.LockFile == "" {
		c.LockFile = defaultLockFile()
	}
}

func defaultLockFile() string { return filepath.Join(os.TempDir(), "framecast-host.lock") }

// ApplyEnv overlays environment variables onto the current values.
func (c *HostConfig) ApplyEnv() {
	if v := commoncfg.GetEnv("CONFIG_FILE", ""); v != "" {
		c.ConfigFile = v
	}
	if v := commoncfg.GetEnv("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
	}
	if v := commoncfg.GetEnv("PORT", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := commoncfg.GetEnv("METRICS_PORT", ""); v != "" {
		c.MetricsAddr = metricsAddr(v)
	}
	if v := commoncfg.GetEnv("API_KEY", ""); v != "" {
		c.APIKey = v
	}
	if v := commoncfg.GetEnv("API_HTTP_ROLES", ""); v != "" {
		c.APIHTTPRoles = commoncfg.SplitComma(v)
	}
	if v := commoncfg.GetEnv("CLIENT_KEY", ""); v != "" {
		c.ClientKey = v
	}
	if v := commoncfg.GetEnv("REDIS_ADDR", ""); v != "" {
		c.RedisAddr = v
	}
	if v := commoncfg.GetEnv("LOCK_FILE", ""); v != "" {
		c.LockFile = v
	}
	if v := commoncfg.GetEnv("QUEUE_SIZE", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.QueueSize = n
		}
	}
	if v := commoncfg.GetEnv("DRAIN_TIMEOUT", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.DrainTimeout = d
		}
	}
	if v := commoncfg.GetEnv("ALLOWED_ORIGINS", ""); v != "" {
		c.AllowedOrigins = commoncfg.SplitComma(v)
	}
}

func metricsAddr(v string) string {
	if strings.Contains(v, ":") {
		return v
	}
	return ":" + v
}

// BindFlagsFromCurrent binds command line flags using the current values as defaults.
func (c *HostConfig) BindFlagsFromCurrent(fs *flag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "host config file path")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	fs.IntVar(&c.Port, "port", c.Port, "HTTP listen port for views and the API")
	fs.Func("metrics-port", "Prometheus metrics listen address or port; defaults to the value of --port", func(v string) error {
		c.MetricsAddr = metricsAddr(v)
		return nil
	})
	fs.StringVar(&c.APIKey, "api-key", c.APIKey, "API key required for /api requests; leave empty to disable auth")
	fs.Func("api-http-roles", "comma separated roles from X-User-Roles that may call /api without the API key", func(v string) error {
		c.APIHTTPRoles = commoncfg.SplitComma(v)
		return nil
	})
	fs.StringVar(&c.ClientKey, "client-key", c.ClientKey, "shared key views must present when registering")
	fs.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "redis connection URL for host state")
	fs.StringVar(&c.LockFile, "lock-file", c.LockFile, "file locked for the lifetime of the host; empty disables the guard")
	fs.IntVar(&c.QueueSize, "queue-size", c.QueueSize, "outbound messages buffered per view before sends fail")
	fs.DurationVar(&c.DrainTimeout, "drain-timeout", c.DrainTimeout, "time to wait for views to disconnect on shutdown (0 to exit immediately)")
	fs.Func("allowed-origins", "comma separated list of allowed CORS origins", func(v string) error {
		c.AllowedOrigins = commoncfg.SplitComma(v)
		return nil
	})
}

// LoadFile populates the config from a YAML file.
func (c *HostConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}
