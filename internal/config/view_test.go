package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
)

func TestViewConfigLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "view.yaml")
	yml := `host_url: ws://h:1/api/views/connect
name: ops
listen: [app:refresh]
frames:
  - id: 1
    cluster_id: prod
    metadata: {name: Production}
extensions:
  - id: prometheus
    api_group: monitoring.coreos.com
    version: v1
`
	if err := os.WriteFile(path, []byte(yml), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	var cfg ViewConfig
	cfg.SetDefaults()
	if err := cfg.LoadFile(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	t.Setenv("VIEW_NAME", "env-name")
	cfg.ApplyEnv()
	fs := flag.NewFlagSet("view", flag.ContinueOnError)
	cfg.BindFlagsFromCurrent(fs)
	if err := fs.Parse([]string{"--frame", "2=dev", "--active-cluster", "prod"}); err != nil {
		t.Fatalf("parse: %v", err)
	}

	if cfg.Name != "env-name" || cfg.HostURL != "ws://h:1/api/views/connect" || cfg.ActiveCluster != "prod" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if len(cfg.Frames) != 2 || cfg.Frames[0].Metadata["name"] != "Production" || cfg.Frames[1].ID != 2 || cfg.Frames[1].ClusterID != "dev" {
		t.Fatalf("unexpected frames %+v", cfg.Frames)
	}
	if len(cfg.Extensions) != 1 || cfg.Extensions[0].APIGroup != "monitoring.coreos.com" {
		t.Fatalf("unexpected extensions %+v", cfg.Extensions)
	}
}

func TestParseFrame(t *testing.T) {
	for _, bad := range []string{"", "1", "x=prod", "=prod", "1="} {
		if _, err := parseFrame(bad); err == nil {
			t.Fatalf("parseFrame(%q): expected error", bad)
		}
	}
}
