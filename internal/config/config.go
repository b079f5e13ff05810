package config

import (
	"fmt"
	"os"
	"time"

	"github.com/gftdcojp/tiered-block-store/internal/evictor"
	"github.com/gftdcojp/tiered-block-store/internal/meta"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Worker        WorkerConfig        `yaml:"worker"`
	Evictor       EvictorConfig       `yaml:"evictor"`
	Session       SessionConfig       `yaml:"session"`
	Journal       JournalConfig       `yaml:"journal"`
	Heartbeat     HeartbeatConfig     `yaml:"heartbeat"`
	API           APIConfig           `yaml:"api"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type WorkerConfig struct {
	ID    string       `yaml:"id"`
	Tiers []TierConfig `yaml:"tiers"`
}

// TierConfig describes one tier. When Quotas is shorter than Dirs the last
// quota applies to the remaining dirs.
type TierConfig struct {
	Alias  int        `yaml:"alias"`
	Name   string     `yaml:"name"`
	Dirs   []string   `yaml:"dirs"`
	Quotas []ByteSize `yaml:"quotas"`
}

type EvictorConfig struct {
	Policy      string   `yaml:"policy"`
	LockTimeout Duration `yaml:"lock_timeout"`
}

type SessionConfig struct {
	Timeout         Duration `yaml:"timeout"`
	CleanupInterval Duration `yaml:"cleanup_interval"`
}

type JournalConfig struct {
	Path   string `yaml:"path"`
	NoSync bool   `yaml:"no_sync"`
}

// HeartbeatConfig controls report publishing over NATS. When KVBucket is
// set the latest report of each worker is also kept in that JetStream
// key-value bucket under the worker id.
type HeartbeatConfig struct {
	Enabled       bool       `yaml:"enabled"`
	NATS          NATSConfig `yaml:"nats"`
	SubjectPrefix string     `yaml:"subject_prefix"`
	Interval      Duration   `yaml:"interval"`
	KVBucket      string     `yaml:"kv_bucket"`
}

type NATSConfig struct {
	URL             string    `yaml:"url"`
	CredentialsFile string    `yaml:"credentials_file"`
	NKeySeedFile    string    `yaml:"nkey_seed_file"`
	TLS             TLSConfig `yaml:"tls"`
	ConnectionName  string    `yaml:"connection_name"`
	MaxReconnects   int       `yaml:"max_reconnects"`
	ReconnectWait   Duration  `yaml:"reconnect_wait"`
}

type TLSConfig struct {
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Health  HealthConfig  `yaml:"health"`
	Logging LoggingConfig `yaml:"logging"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Path    string `yaml:"path"`
}

type HealthConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Listen        string `yaml:"listen"`
	LivenessPath  string `yaml:"liveness_path"`
	ReadinessPath string `yaml:"readiness_path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Worker.ID == "" {
		return fmt.Errorf("worker.id is required")
	}

	if len(c.Worker.Tiers) == 0 {
		return fmt.Errorf("at least one tier must be configured")
	}

	seen := make(map[int]bool)
	for i, tc := range c.Worker.Tiers {
		if tc.Alias <= 0 {
			return fmt.Errorf("worker.tiers[%d]: alias must be > 0, got %d", i, tc.Alias)
		}
		if seen[tc.Alias] {
			return fmt.Errorf("worker.tiers[%d]: duplicate alias %d", i, tc.Alias)
		}
		seen[tc.Alias] = true
		if len(tc.Dirs) == 0 {
			return fmt.Errorf("worker.tiers[%d] (%s): at least one dir is required", i, tc.Name)
		}
		if len(tc.Quotas) == 0 {
			return fmt.Errorf("worker.tiers[%d] (%s): at least one quota is required", i, tc.Name)
		}
		if len(tc.Quotas) > len(tc.Dirs) {
			return fmt.Errorf("worker.tiers[%d] (%s): %d quotas for %d dirs", i, tc.Name, len(tc.Quotas), len(tc.Dirs))
		}
		for j, dir := range tc.Dirs {
			if dir == "" {
				return fmt.Errorf("worker.tiers[%d].dirs[%d] is empty", i, j)
			}
		}
		for j, q := range tc.Quotas {
			if q <= 0 {
				return fmt.Errorf("worker.tiers[%d].quotas[%d] must be > 0", i, j)
			}
		}
	}

	switch c.Evictor.Policy {
	case evictor.PolicyNaive, evictor.PolicyLRU, evictor.PolicyLFU:
	default:
		return fmt.Errorf("evictor.policy %q is not one of naive, lru, lfu", c.Evictor.Policy)
	}
	if c.Evictor.LockTimeout <= 0 {
		return fmt.Errorf("evictor.lock_timeout must be > 0")
	}

	if c.Session.Timeout <= 0 {
		return fmt.Errorf("session.timeout must be > 0")
	}
	if c.Session.CleanupInterval <= 0 {
		return fmt.Errorf("session.cleanup_interval must be > 0")
	}

	if c.Heartbeat.Enabled {
		if c.Heartbeat.NATS.URL == "" {
			return fmt.Errorf("heartbeat.nats.url is required when heartbeat is enabled")
		}
		if c.Heartbeat.Interval <= 0 {
			return fmt.Errorf("heartbeat.interval must be > 0")
		}
	}

	return nil
}

// MetaTiers converts the tier section into the metadata manager's topology,
// expanding the quota list over the dirs.
func (c *Config) MetaTiers() []meta.TierConfig {
	out := make([]meta.TierConfig, 0, len(c.Worker.Tiers))
	for _, tc := range c.Worker.Tiers {
		mt := meta.TierConfig{Alias: tc.Alias, Name: tc.Name}
		for i, dir := range tc.Dirs {
			var quota ByteSize
			switch {
			case len(tc.Quotas) == 0:
			case i < len(tc.Quotas):
				quota = tc.Quotas[i]
			default:
				quota = tc.Quotas[len(tc.Quotas)-1]
			}
			mt.Dirs = append(mt.Dirs, meta.DirConfig{Path: dir, CapacityBytes: int64(quota)})
		}
		out = append(out, mt)
	}
	return out
}

// DirPaths lists every configured tier directory.
func (c *Config) DirPaths() []string {
	var paths []string
	for _, tc := range c.Worker.Tiers {
		paths = append(paths, tc.Dirs...)
	}
	return paths
}

// Duration wraps time.Duration for YAML unmarshaling of strings like "5m", "24h".
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// ByteSize wraps int64 for YAML unmarshaling of strings like "256MB", "10GB".
type ByteSize int64

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		// Try as integer
		var n int64
		if err2 := value.Decode(&n); err2 != nil {
			return err
		}
		*b = ByteSize(n)
		return nil
	}
	parsed, err := parseByteSize(s)
	if err != nil {
		return err
	}
	*b = ByteSize(parsed)
	return nil
}

func parseByteSize(s string) (int64, error) {
	if len(s) == 0 {
		return 0, fmt.Errorf("empty byte size")
	}

	var multiplier int64 = 1
	numStr := s

	switch {
	case len(s) >= 2 && s[len(s)-2:] == "KB":
		multiplier = 1024
		numStr = s[:len(s)-2]
	case len(s) >= 2 && s[len(s)-2:] == "MB":
		multiplier = 1024 * 1024
		numStr = s[:len(s)-2]
	case len(s) >= 2 && s[len(s)-2:] == "GB":
		multiplier = 1024 * 1024 * 1024
		numStr = s[:len(s)-2]
	case len(s) >= 2 && s[len(s)-2:] == "TB":
		multiplier = 1024 * 1024 * 1024 * 1024
		numStr = s[:len(s)-2]
	case s[len(s)-1] == 'B':
		numStr = s[:len(s)-1]
	}

	var n int64
	_, err := fmt.Sscanf(numStr, "%d", &n)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	return n * multiplier, nil
}
