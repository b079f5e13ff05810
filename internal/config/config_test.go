package config

import (
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestLoadAndValidate(t *testing.T) {
	yaml := `
worker:
  id: "worker-7"
  tiers:
    - alias: 1
      name: "MEM"
      dirs: ["/mnt/ramdisk"]
      quotas: ["128MB"]
    - alias: 2
      name: "SSD"
      dirs: ["/ssd0", "/ssd1", "/ssd2"]
      quotas: ["10GB", "20GB"]

evictor:
  policy: "lfu"
  lock_timeout: "2s"

journal:
  path: "/tmp/tbs/journal.db"
`
	tmpFile, err := os.CreateTemp("", "tbs-config-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmpFile.Name())
	tmpFile.WriteString(yaml)
	tmpFile.Close()

	cfg, err := Load(tmpFile.Name())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Worker.ID != "worker-7" {
		t.Errorf("unexpected worker id: %s", cfg.Worker.ID)
	}
	if len(cfg.Worker.Tiers) != 2 {
		t.Fatalf("expected 2 tiers, got %d", len(cfg.Worker.Tiers))
	}
	if int64(cfg.Worker.Tiers[0].Quotas[0]) != 128*1024*1024 {
		t.Errorf("unexpected quota: %d", cfg.Worker.Tiers[0].Quotas[0])
	}
	if cfg.Evictor.Policy != "lfu" || cfg.Evictor.LockTimeout.Duration() != 2*time.Second {
		t.Errorf("unexpected evictor config: %+v", cfg.Evictor)
	}
	// untouched sections keep their defaults
	if cfg.Session.Timeout.Duration() != 30*time.Second {
		t.Errorf("unexpected session timeout: %v", cfg.Session.Timeout.Duration())
	}
}

func TestMetaTiersExpandsQuotas(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Worker.Tiers = []TierConfig{
		{Alias: 2, Name: "SSD", Dirs: []string{"/a", "/b", "/c"}, Quotas: []ByteSize{100, 200}},
	}

	tiers := cfg.MetaTiers()
	if len(tiers) != 1 || len(tiers[0].Dirs) != 3 {
		t.Fatalf("unexpected tiers: %+v", tiers)
	}
	want := []int64{100, 200, 200}
	for i, d := range tiers[0].Dirs {
		if d.CapacityBytes != want[i] {
			t.Errorf("dir %d capacity = %d, want %d", i, d.CapacityBytes, want[i])
		}
	}
	if tiers[0].Dirs[2].Path != "/c" {
		t.Errorf("unexpected path %s", tiers[0].Dirs[2].Path)
	}
	if paths := cfg.DirPaths(); len(paths) != 3 {
		t.Errorf("DirPaths = %v", paths)
	}
}

func TestDefaultWorkerID(t *testing.T) {
	a, b := DefaultConfig().Worker.ID, DefaultConfig().Worker.ID
	if _, err := uuid.Parse(a); err != nil {
		t.Errorf("default id %q is not a uuid: %v", a, err)
	}
	if a == b {
		t.Error("default worker ids should differ")
	}
}

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Worker.Tiers = []TierConfig{
		{Alias: 1, Name: "MEM", Dirs: []string{"/mem"}, Quotas: []ByteSize{1024}},
	}
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"no tiers", func(c *Config) { c.Worker.Tiers = nil }, true},
		{"zero alias", func(c *Config) { c.Worker.Tiers[0].Alias = 0 }, true},
		{"duplicate alias", func(c *Config) {
			c.Worker.Tiers = append(c.Worker.Tiers, c.Worker.Tiers[0])
		}, true},
		{"no dirs", func(c *Config) { c.Worker.Tiers[0].Dirs = nil }, true},
		{"no quotas", func(c *Config) { c.Worker.Tiers[0].Quotas = nil }, true},
		{"more quotas than dirs", func(c *Config) { c.Worker.Tiers[0].Quotas = []ByteSize{1, 2} }, true},
		{"zero quota", func(c *Config) { c.Worker.Tiers[0].Quotas[0] = 0 }, true},
		{"unknown policy", func(c *Config) { c.Evictor.Policy = "random" }, true},
		{"no lock timeout", func(c *Config) { c.Evictor.LockTimeout = 0 }, true},
		{"no session timeout", func(c *Config) { c.Session.Timeout = 0 }, true},
		{"empty worker id", func(c *Config) { c.Worker.ID = "" }, true},
		{"heartbeat without url", func(c *Config) {
			c.Heartbeat.Enabled = true
			c.Heartbeat.NATS.URL = ""
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseByteSizes(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
	}{
		{"1KB", 1024},
		{"256MB", 256 * 1024 * 1024},
		{"10GB", 10 * 1024 * 1024 * 1024},
		{"1TB", 1024 * 1024 * 1024 * 1024},
		{"100B", 100},
	}
	for _, tt := range tests {
		result, err := parseByteSize(tt.input)
		if err != nil {
			t.Errorf("parseByteSize(%q) error: %v", tt.input, err)
			continue
		}
		if result != tt.expected {
			t.Errorf("parseByteSize(%q) = %d, want %d", tt.input, result, tt.expected)
		}
	}
}
