package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	commoncfg "github.com/gaspardpetit/framecast/core/config"
)

// FrameConfig is a sub-frame the view attaches on startup.
type FrameConfig struct {
	ID        int               `yaml:"id"`
	ClusterID string            `yaml:"cluster_id"`
	Metadata  map[string]string `yaml:"metadata"`
}

// ExtensionConfig gates an extension on the presence of an API group in the
// active cluster.
type ExtensionConfig struct {
	ID       string `yaml:"id"`
	APIGroup string `yaml:"api_group"`
	Version  string `yaml:"version"`
}

// ViewConfig holds configuration for a headless framecast view.
type ViewConfig struct {
	HostURL       string            `yaml:"host_url"`
	Name          string            `yaml:"name"`
	ClientKey     string            `yaml:"client_key"`
	LogLevel      string            `yaml:"log_level"`
	Kubeconfig    string            `yaml:"kubeconfig"`
	ActiveCluster string            `yaml:"active_cluster"`
	Listen        []string          `yaml:"listen"`
	Frames        []FrameConfig     `yaml:"frames"`
	Extensions    []ExtensionConfig `yaml:"extensions"`
	ConfigFile    string            `yaml:"-"`
}

// SetDefaults initializes c with built-in defaults.
func (c *ViewConfig) SetDefaults() {
	if c.HostURL == "" {
		c.HostURL = "ws://localhost:8080/api/views/connect"
	}
	if c.Name == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "view-" + uuid.NewString()[:8]
		}
		c.Name = host
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.ConfigFile == "" {
		c.ConfigFile = commoncfg.DefaultConfigPath("view.yaml")
	}
}

// ApplyEnv overlays environment variables onto the current values.
func (c *ViewConfig) ApplyEnv() {
	if v := commoncfg.GetEnv("CONFIG_FILE", ""); v != "" {
		c.ConfigFile = v
	}
	if v := commoncfg.GetEnv("HOST_URL", ""); v != "" {
		c.HostURL = v
	}
	if v := commoncfg.GetEnv("VIEW_NAME", ""); v != "" {
		c.Name = v
	}
	if v := commoncfg.GetEnv("CLIENT_KEY", ""); v != "" {
		c.ClientKey = v
	}
	if v := commoncfg.GetEnv("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
	}
	if v := commoncfg.GetEnv("KUBECONFIG", ""); v != "" {
		c.Kubeconfig = v
	}
	if v := commoncfg.GetEnv("ACTIVE_CLUSTER", ""); v != "" {
		c.ActiveCluster = v
	}
	if v := commoncfg.GetEnv("LISTEN", ""); v != "" {
		c.Listen = commoncfg.SplitComma(v)
	}
}

// BindFlagsFromCurrent binds command line flags using the current values as defaults.
func (c *ViewConfig) BindFlagsFromCurrent(fs *flag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "view config file path")
	fs.StringVar(&c.HostURL, "host-url", c.HostURL, "host websocket url")
	fs.StringVar(&c.Name, "name", c.Name, "view display name")
	fs.StringVar(&c.ClientKey, "client-key", c.ClientKey, "shared key presented to the host")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	fs.StringVar(&c.Kubeconfig, "kubeconfig", c.Kubeconfig, "kubeconfig used to evaluate extension predicates")
	fs.StringVar(&c.ActiveCluster, "active-cluster", c.ActiveCluster, "cluster context active on startup")
	fs.Func("listen", "comma separated application channels to log", func(v string) error {
		c.Listen = commoncfg.SplitComma(v)
		return nil
	})
	fs.Func("frame", "attach a frame, as id=cluster (repeatable)", func(v string) error {
		f, err := parseFrame(v)
		if err != nil {
			return err
		}
		c.Frames = append(c.Frames, f)
		return nil
	})
}

func parseFrame(v string) (FrameConfig, error) {
	id, cluster, ok := strings.Cut(v, "=")
	n, err := strconv.Atoi(id)
	if !ok || cluster == "" || err != nil || n < 0 {
		return FrameConfig{}, fmt.Errorf("invalid frame %q, want id=cluster", v)
	}
	return FrameConfig{ID: n, ClusterID: cluster}, nil
}

// LoadFile populates the config from a YAML file.
func (c *ViewConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}
