package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestHostConfigPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "host.yaml")
	yml := "port: 9000\nclient_key: from-file\ndrain_timeout: 10s\nallowed_origins: [\"https://a\"]\n"
	if err := os.WriteFile(path, []byte(yml), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("CLIENT_KEY", "from-env")
	t.Setenv("METRICS_PORT", "9100")

	var cfg HostConfig
	cfg.SetDefaults()
	if err := cfg.LoadFile(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg.ApplyEnv()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg.BindFlagsFromCurrent(fs)
	if err := fs.Parse([]string{"--port", "9001", "--allowed-origins", "https://b, https://c"}); err != nil {
		t.Fatalf("parse: %v", err)
	}

	if cfg.Port != 9001 {
		t.Fatalf("port = %d; want 9001", cfg.Port)
	}
	if cfg.ClientKey != "from-env" {
		t.Fatalf("client key = %q; want from-env", cfg.ClientKey)
	}
	if cfg.MetricsAddr != ":9100" {
		t.Fatalf("metrics addr = %q", cfg.MetricsAddr)
	}
	if cfg.DrainTimeout != 10*time.Second {
		t.Fatalf("drain timeout = %v", cfg.DrainTimeout)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://c" {
		t.Fatalf("origins = %v", cfg.AllowedOrigins)
	}
	if cfg.QueueSize != 256 || cfg.LockFile == "" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}
